// Package server exposes the Anthropic-compatible HTTP surface and drives
// the translation pipeline for every request.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawbridge/clawbridge/internal/cache"
	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/eventlog"
	"github.com/clawbridge/clawbridge/internal/gemini"
	"github.com/clawbridge/clawbridge/internal/metrics"
	"github.com/clawbridge/clawbridge/internal/translate"
)

// EventStream is one in-flight upstream stream.
type EventStream interface {
	Next() (*gemini.GenerateContentResponse, error)
	Close() error
}

// Upstream is the generation surface the handlers call.
type Upstream interface {
	Generate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error)
	StreamGenerate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (EventStream, error)
}

// Prober is implemented by upstreams that support an active health probe.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// clientUpstream adapts *gemini.Client to the Upstream interface.
type clientUpstream struct{ c *gemini.Client }

func (u clientUpstream) Generate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
	return u.c.Generate(ctx, model, req)
}

func (u clientUpstream) StreamGenerate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (EventStream, error) {
	return u.c.StreamGenerate(ctx, model, req)
}

func (u clientUpstream) Probe(ctx context.Context) (time.Duration, error) {
	return u.c.Probe(ctx)
}

// NewUpstream wraps a gemini client for use as the server's upstream.
func NewUpstream(c *gemini.Client) Upstream { return clientUpstream{c} }

// Server ties the HTTP surface to the translation pipeline.
type Server struct {
	cfg        *config.Config
	upstream   Upstream
	health     *gemini.HealthTracker
	translator *translate.RequestTranslator
	sigs       *translate.SignatureStore
	cache      *cache.Manager
	events     *eventlog.Logger
	limiter    *rateLimiter
	logger     *slog.Logger
	started    time.Time
	pingEvery  time.Duration

	httpSrv *http.Server
}

// New builds a server. cacheMgr may be nil when context caching is off.
func New(cfg *config.Config, upstream Upstream, health *gemini.HealthTracker, cacheMgr *cache.Manager, events *eventlog.Logger, logger *slog.Logger) *Server {
	sigs := translate.NewSignatureStore()
	return &Server{
		cfg:      cfg,
		upstream: upstream,
		health:   health,
		translator: translate.NewRequestTranslator(sigs, translate.Options{
			BridgeNote:        cfg.Gemini.SystemBridgeNote,
			UltrathinkKeyword: cfg.Translate.UltrathinkKeyword,
		}),
		sigs:    sigs,
		cache:   cacheMgr,
		events:  events,
		limiter:   newRateLimiter(cfg.Server.RateLimitRPM),
		logger:    logger,
		started:   time.Now(),
		pingEvery: pingInterval,
	}
}

// Routes returns the full handler stack.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/event_logging/batch", s.handleEventLogging)

	var h http.Handler = mux
	h = s.withBodyLimit(h)
	h = s.withRateLimit(h)
	h = s.withAccessLog(h)
	h = s.withRequestID(h)
	return h
}

// ListenAndServe runs the server until ctx is canceled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutdown", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
