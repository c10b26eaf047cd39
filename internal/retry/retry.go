package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config controls the retry schedule for upstream operations.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          float64
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// MaxServerDelay caps a server-provided retryDelay hint so a hostile
	// hint cannot stall the client indefinitely.
	MaxServerDelay time.Duration
}

// DefaultConfig returns the standard schedule: 5 attempts, 500ms initial,
// doubling with 30% jitter, 30s per-wait cap, 2 minute total budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          0.3,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		MaxServerDelay:  60 * time.Second,
	}
}

// HTTPError carries an upstream HTTP failure through the retry engine.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

// IsRetryable reports whether an HTTP status is worth retrying.
func IsRetryable(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// Do executes op, retrying retryable HTTP failures per cfg. Between attempts
// it honors a server-provided RetryInfo retryDelay hint when present in the
// error body, otherwise falls back to exponential backoff. The total time
// spent, hint waits included, never exceeds cfg.MaxElapsedTime.
func Do[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var zero T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.Multiplier = cfg.Multiplier
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	bo.Reset()

	start := time.Now()
	for attempt := 1; ; attempt++ {
		v, err := op()
		if err == nil {
			return v, nil
		}

		var he *HTTPError
		if !errors.As(err, &he) || !IsRetryable(he.Status) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			return zero, err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return zero, err
		}
		if hint, ok := ServerDelayHint(he.Body); ok {
			if hint > cfg.MaxServerDelay {
				hint = cfg.MaxServerDelay
			}
			wait = hint
		}
		// the backoff clock only counts its own intervals; a hint wait
		// must be charged against the budget here
		if cfg.MaxElapsedTime > 0 && time.Since(start)+wait > cfg.MaxElapsedTime {
			return zero, err
		}

		slog.Debug("retrying upstream call",
			"attempt", attempt, "status", he.Status, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// googleErrorBody is the subset of Google's error JSON carrying retry hints.
type googleErrorBody struct {
	Error struct {
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// ServerDelayHint extracts a RetryInfo retryDelay from a Google error body.
// Only details whose @type ends in ".RetryInfo" are considered.
func ServerDelayHint(body string) (time.Duration, bool) {
	var parsed googleErrorBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return 0, false
	}
	for _, d := range parsed.Error.Details {
		if !strings.HasSuffix(d.Type, ".RetryInfo") {
			continue
		}
		if dur, ok := parseProtoDuration(d.RetryDelay); ok {
			return dur, true
		}
	}
	return 0, false
}

// parseProtoDuration parses a protobuf JSON duration like "0.45s" or "40s".
func parseProtoDuration(s string) (time.Duration, bool) {
	if !strings.HasSuffix(s, "s") {
		return 0, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
