package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/gemini"
	"github.com/clawbridge/clawbridge/internal/metrics"
	"github.com/clawbridge/clawbridge/internal/oauth"
	"github.com/clawbridge/clawbridge/internal/translate"
)

// pingInterval is the stream inactivity window; a ping goes out only after
// this long with no other event written.
const pingInterval = 15 * time.Second

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, gemini.InvalidRequestf("invalid request body: %v", err))
		return
	}

	result, err := s.translator.Translate(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// entries for tool calls that left every conversation are dead
	s.sigs.GC(result.ToolUseIDs)

	if !s.health.IsAvailable(result.Model) {
		s.writeError(w, gemini.Errorf(gemini.KindUnavailable,
			"model %s is unavailable until quota reset", result.Model))
		return
	}

	if s.cache != nil {
		if name := s.cache.Resolve(r.Context(), result.Model, result.Request, result.CacheMarker); name != "" {
			result.Request.CachedContent = name
		}
	}

	if req.Stream {
		s.streamMessages(w, r, &req, result)
		return
	}
	s.unaryMessages(w, r, &req, result)
}

func (s *Server) unaryMessages(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, result *translate.Result) {
	resp, err := s.upstream.Generate(r.Context(), result.Model, result.Request)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out, err := translate.TranslateResponse(resp, req.Model, s.sigs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	metrics.TokensTotal.WithLabelValues("input", result.Model).Add(float64(out.Usage.InputTokens))
	metrics.TokensTotal.WithLabelValues("output", result.Model).Add(float64(out.Usage.OutputTokens))
	if out.Usage.CacheReadInputTokens != nil {
		metrics.TokensTotal.WithLabelValues("cached", result.Model).Add(float64(*out.Usage.CacheReadInputTokens))
	}

	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) streamMessages(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, result *translate.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, gemini.Errorf(gemini.KindInternal, "streaming unsupported by connection"))
		return
	}

	stream, err := s.upstream.StreamGenerate(r.Context(), result.Model, result.Request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	st := translate.NewStreamTranslator(req.Model, s.sigs)

	type upstreamResult struct {
		ev  *gemini.GenerateContentResponse
		err error
	}
	results := make(chan upstreamResult)
	go func() {
		defer close(results)
		for {
			ev, err := stream.Next()
			if err == io.EOF {
				return
			}
			select {
			case results <- upstreamResult{ev, err}:
			case <-r.Context().Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(s.pingEvery)
	defer idle.Stop()
	resetIdle := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(s.pingEvery)
	}

	var inputTokens, outputTokens int
	for {
		select {
		case <-r.Context().Done():
			return

		case <-idle.C:
			s.writeEvent(w, flusher, anthropic.NewPing())
			idle.Reset(s.pingEvery)

		case res, open := <-results:
			if !open {
				// upstream ended without a finish reason
				for _, ev := range st.Flush() {
					s.writeEvent(w, flusher, ev)
				}
				s.recordStreamTokens(result.Model, inputTokens, outputTokens)
				return
			}
			if res.err != nil {
				s.logger.Error("upstream stream failed", "error", res.err,
					"request_id", RequestID(r.Context()))
				s.writeEvent(w, flusher, s.streamError(res.err))
				s.recordStreamTokens(result.Model, inputTokens, outputTokens)
				return
			}
			if u := res.ev.UsageMetadata; u != nil {
				if u.PromptTokenCount > 0 {
					inputTokens = u.PromptTokenCount
				}
				if u.CandidatesTokenCount > 0 {
					outputTokens = u.CandidatesTokenCount
				}
			}
			for _, ev := range st.Feed(res.ev) {
				s.writeEvent(w, flusher, ev)
			}
			resetIdle()
			if st.Finished() {
				s.recordStreamTokens(result.Model, inputTokens, outputTokens)
				return
			}
		}
	}
}

func (s *Server) recordStreamTokens(model string, input, output int) {
	metrics.TokensTotal.WithLabelValues("input", model).Add(float64(input))
	metrics.TokensTotal.WithLabelValues("output", model).Add(float64(output))
}

// streamError converts an upstream failure into the in-band error event.
func (s *Server) streamError(err error) anthropic.ErrorEvent {
	var authErr *oauth.AuthError
	if errors.As(err, &authErr) {
		return anthropic.NewErrorEvent("authentication_error", authErr.Message)
	}
	var ge *gemini.Error
	if errors.As(err, &ge) {
		return anthropic.NewErrorEvent(ge.Kind.AnthropicType(), ge.Message)
	}
	return anthropic.NewErrorEvent("api_error", "upstream stream failed")
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev anthropic.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event", "event", ev.EventName(), "error", err)
		return
	}
	if _, err := w.Write([]byte("event: " + ev.EventName() + "\ndata: " + string(data) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
	metrics.SSEEvents.WithLabelValues(ev.EventName()).Inc()
}

type healthResponse struct {
	Status        string                        `json:"status"`
	UptimeSeconds int64                         `json:"uptime_seconds"`
	Models        map[string]gemini.ModelStatus `json:"models"`
	ProbeMillis   *int64                        `json:"probe_ms,omitempty"`
	ProbeError    string                        `json:"probe_error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Models:        s.health.Snapshot(),
	}

	// the active probe costs an upstream call, so it is opt-in
	if os.Getenv("HEALTH_PROBE") == "1" {
		if p, ok := s.upstream.(Prober); ok {
			if latency, err := p.Probe(r.Context()); err != nil {
				resp.Status = "degraded"
				resp.ProbeError = err.Error()
			} else {
				ms := latency.Milliseconds()
				resp.ProbeMillis = &ms
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleEventLogging(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, gemini.InvalidRequestf("read event batch: %v", err))
		return
	}
	if len(body) > 0 {
		if err := s.events.Append(body); err != nil {
			s.logger.Warn("event log append failed", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

// writeError maps any pipeline error to the Anthropic error body. Auth
// errors are matched first; they wrap through the upstream error chain.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var maxBytes *http.MaxBytesError
	var authErr *oauth.AuthError
	var ge *gemini.Error

	switch {
	case errors.As(err, &maxBytes):
		s.writeErrorBody(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
	case errors.As(err, &authErr):
		s.writeErrorBody(w, http.StatusUnauthorized, "authentication_error", authErr.Message)
	case errors.As(err, &ge):
		s.writeErrorBody(w, ge.Kind.HTTPStatus(), ge.Kind.AnthropicType(), ge.Message)
	default:
		s.writeErrorBody(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, kind, message string) {
	s.writeJSON(w, status, anthropic.NewErrorBody(kind, message))
}
