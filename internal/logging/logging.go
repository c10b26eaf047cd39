package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/clawbridge/clawbridge/internal/config"
)

// Setup configures the default slog logger from config and returns it.
func Setup(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.SanitizeTokens {
		h = &sanitizingHandler{inner: h}
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// sanitizingHandler masks OAuth token material in messages and string attrs
// before they reach the underlying handler.
type sanitizingHandler struct {
	inner slog.Handler
}

func (h *sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *sanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, Sanitize(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = sanitizeAttr(a)
	}
	return &sanitizingHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *sanitizingHandler) WithGroup(name string) slog.Handler {
	return &sanitizingHandler{inner: h.inner.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Sanitize(a.Value.String()))
	}
	return a
}

// Sanitize masks Google access tokens (ya29.*) and refresh tokens (1//0*)
// anywhere they appear in s. A short prefix is kept for correlation.
func Sanitize(s string) string {
	s = maskPrefix(s, "ya29.", 6)
	s = maskPrefix(s, "1//0", 4)
	return s
}

// maskPrefix finds occurrences of tokens starting with prefix and replaces
// everything after keep visible chars with "***". Token chars are the usual
// base64url / OAuth token alphabet.
func maskPrefix(s, prefix string, keep int) string {
	var b strings.Builder
	for {
		i := strings.Index(s, prefix)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := i + len(prefix)
		for end < len(s) && isTokenChar(s[end]) {
			end++
		}
		if end-i <= keep {
			// too short to be a token, pass through
			b.WriteString(s[:end])
		} else {
			b.WriteString(s[:i])
			b.WriteString(s[i : i+keep])
			b.WriteString("***")
		}
		s = s[end:]
	}
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '/':
		return true
	}
	return false
}
