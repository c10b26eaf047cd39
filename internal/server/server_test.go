package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/config"
	"github.com/clawbridge/clawbridge/internal/eventlog"
	"github.com/clawbridge/clawbridge/internal/gemini"
	"github.com/clawbridge/clawbridge/internal/oauth"
)

type fakeStream struct {
	events []*gemini.GenerateContentResponse
	err    error
	delay  time.Duration
	closed bool
}

func (f *fakeStream) Next() (*gemini.GenerateContentResponse, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if len(f.events) == 0 {
		if f.err != nil {
			err := f.err
			f.err = nil
			return nil, err
		}
		return nil, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

type fakeUpstream struct {
	resp      *gemini.GenerateContentResponse
	err       error
	stream    *fakeStream
	streamErr error

	lastModel string
	lastReq   *gemini.GenerateContentRequest
}

func (f *fakeUpstream) Generate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
	f.lastModel = model
	f.lastReq = req
	return f.resp, f.err
}

func (f *fakeUpstream) StreamGenerate(ctx context.Context, model string, req *gemini.GenerateContentRequest) (EventStream, error) {
	f.lastModel = model
	f.lastReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.stream, nil
}

type testEnv struct {
	server    *Server
	ts        *httptest.Server
	upstream  *fakeUpstream
	health    *gemini.HealthTracker
	eventPath string
}

func newTestEnv(t *testing.T, up *fakeUpstream) *testEnv {
	t.Helper()
	cfg := config.Default()
	health := gemini.NewHealthTracker()
	eventPath := filepath.Join(t.TempDir(), "events.log")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := New(cfg, up, health, nil, eventlog.New(eventPath), logger)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, ts: ts, upstream: up, health: health, eventPath: eventPath}
}

func postMessages(t *testing.T, env *testEnv, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(env.ts.URL+"/v1/messages", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) anthropic.ErrorBody {
	t.Helper()
	var body anthropic.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return body
}

func TestMessagesUnary(t *testing.T) {
	up := &fakeUpstream{
		resp: &gemini.GenerateContentResponse{
			Candidates: []gemini.Candidate{{
				Content:      gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "hello there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2},
		},
	}
	env := newTestEnv(t, up)

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out anthropic.MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if up.lastModel != "gemini-3-flash-preview" {
		t.Errorf("upstream model = %q", up.lastModel)
	}
	if out.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want the client-facing name", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hello there" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.StopReason == nil || *out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %v", out.StopReason)
	}
	if out.Usage.InputTokens != 4 || out.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestMessagesErrorBodyShape(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})

	resp := postMessages(t, env, `{"model":"gpt-4o","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeErrorBody(t, resp)
	if body.Type != "error" || body.Error.Type != "invalid_request_error" {
		t.Errorf("body = %+v", body)
	}
	if body.Error.Message == "" {
		t.Error("error message empty")
	}
}

func TestMessagesMalformedJSON(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	resp := postMessages(t, env, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeErrorBody(t, resp)
	if body.Error.Type != "invalid_request_error" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

func TestMessagesUpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"rate limited", gemini.Errorf(gemini.KindRateLimited, "slow down"), 429, "rate_limit_error"},
		{"overloaded", gemini.Errorf(gemini.KindOverloaded, "overloaded"), 529, "overloaded_error"},
		{"unavailable", gemini.Errorf(gemini.KindUnavailable, "down"), 503, "api_error"},
		{"upstream", gemini.Errorf(gemini.KindUpstream, "boom"), 502, "api_error"},
		{"auth", &oauth.AuthError{Message: "token refresh failed"}, 401, "authentication_error"},
		{"wrapped auth", gemini.Wrap(gemini.KindUpstream, &oauth.AuthError{Message: "expired"}, "call failed"), 401, "authentication_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeUpstream{err: tt.err})
			resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			body := decodeErrorBody(t, resp)
			if body.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestMessagesTerminalModelRejected(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	env.health.MarkTerminal("gemini-3-flash-preview", "daily quota exhausted")

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body := decodeErrorBody(t, resp)
	if body.Error.Type != "api_error" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

// sseEvent is one parsed event from the response stream.
type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestMessagesStreaming(t *testing.T) {
	up := &fakeUpstream{
		stream: &fakeStream{events: []*gemini.GenerateContentResponse{
			{
				Candidates: []gemini.Candidate{{
					Content: gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "hel"}}},
				}},
				UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 3},
			},
			{
				Candidates: []gemini.Candidate{{
					Content:      gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "lo"}}},
					FinishReason: "STOP",
				}},
				UsageMetadata: &gemini.UsageMetadata{CandidatesTokenCount: 1},
			},
		}},
	}
	env := newTestEnv(t, up)

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := readSSE(t, resp.Body)
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", names, want)
	}

	var start anthropic.MessageStartEvent
	if err := json.Unmarshal([]byte(events[0].data), &start); err != nil {
		t.Fatal(err)
	}
	if start.Message.Usage.InputTokens != 3 || start.Message.Model != "claude-sonnet-4-5" {
		t.Errorf("message_start = %+v", start.Message)
	}

	var text string
	for _, ev := range events {
		if ev.name != "content_block_delta" {
			continue
		}
		var delta anthropic.ContentBlockDeltaEvent
		json.Unmarshal([]byte(ev.data), &delta)
		text += delta.Delta.Text
	}
	if text != "hello" {
		t.Errorf("text = %q", text)
	}
}

// Pings mark upstream inactivity; a steadily producing stream whose gaps sit
// below the window must emit none, even when the stream as a whole outlives it.
func TestStreamingNoPingsWhileUpstreamActive(t *testing.T) {
	events := make([]*gemini.GenerateContentResponse, 0, 4)
	for i := 0; i < 3; i++ {
		events = append(events, &gemini.GenerateContentResponse{
			Candidates: []gemini.Candidate{{
				Content: gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "x"}}},
			}},
		})
	}
	events = append(events, &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content:      gemini.Content{Role: "model"},
			FinishReason: "STOP",
		}},
	})
	up := &fakeUpstream{stream: &fakeStream{events: events, delay: 30 * time.Millisecond}}
	env := newTestEnv(t, up)
	env.server.pingEvery = 100 * time.Millisecond // stream lasts ~120ms total

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	for _, ev := range readSSE(t, resp.Body) {
		if ev.name == "ping" {
			t.Fatal("ping emitted while events were flowing")
		}
	}
}

func TestStreamingPingsDuringIdleUpstream(t *testing.T) {
	up := &fakeUpstream{stream: &fakeStream{
		events: []*gemini.GenerateContentResponse{{
			Candidates: []gemini.Candidate{{
				Content:      gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "late"}}},
				FinishReason: "STOP",
			}},
		}},
		delay: 150 * time.Millisecond,
	}}
	env := newTestEnv(t, up)
	env.server.pingEvery = 40 * time.Millisecond

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	pings := 0
	for _, ev := range events {
		if ev.name == "ping" {
			pings++
		}
	}
	if pings == 0 {
		t.Error("no ping during a 150ms upstream stall with a 40ms window")
	}
	last := events[len(events)-1]
	if last.name != "message_stop" {
		t.Errorf("last event = %q, want message_stop", last.name)
	}
}

func TestMessagesStreamingUpstreamFailure(t *testing.T) {
	up := &fakeUpstream{
		stream: &fakeStream{
			events: []*gemini.GenerateContentResponse{{
				Candidates: []gemini.Candidate{{
					Content: gemini.Content{Role: "model", Parts: []gemini.Part{{Text: "partial"}}},
				}},
			}},
			err: gemini.Errorf(gemini.KindUpstream, "connection reset"),
		},
	}
	env := newTestEnv(t, up)

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("last event = %q, want error", last.name)
	}
	var errEv anthropic.ErrorEvent
	json.Unmarshal([]byte(last.data), &errEv)
	if errEv.Error.Type != "api_error" {
		t.Errorf("error type = %q", errEv.Error.Type)
	}
}

func TestMessagesStreamingHandshakeFailure(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{streamErr: gemini.Errorf(gemini.KindRateLimited, "429")})

	resp := postMessages(t, env, `{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want a plain HTTP error before any event", resp.StatusCode)
	}
	body := decodeErrorBody(t, resp)
	if body.Error.Type != "rate_limit_error" {
		t.Errorf("type = %q", body.Error.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	env.health.MarkTransient("gemini-2.5-flash", "rate limited")

	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if st, ok := body.Models["gemini-2.5-flash"]; !ok || st.State != gemini.TransientRetry {
		t.Errorf("models = %+v", body.Models)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})
	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("requests_total")) {
		t.Error("requests_total metric missing")
	}
}

func TestEventLoggingEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})

	resp, err := http.Post(env.ts.URL+"/api/event_logging/batch", "application/json",
		strings.NewReader(`{"events":[{"name":"cli_start"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]bool
	json.NewDecoder(resp.Body).Decode(&out)
	if !out["success"] {
		t.Errorf("body = %v", out)
	}

	data, err := os.ReadFile(env.eventPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "cli_start") {
		t.Errorf("event log = %q", data)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, &fakeUpstream{})

	req, _ := http.NewRequest("GET", env.ts.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Errorf("request id = %q", got)
	}

	// minted when the client sends none
	resp, err = http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("request id not minted")
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RateLimitRPM = 1
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, &fakeUpstream{}, gemini.NewHealthTracker(), nil, eventlog.New(""), logger)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	denied := 0
	for i := 0; i < rateLimitBurst+2; i++ {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			body := decodeErrorBody(t, resp)
			if body.Error.Type != "rate_limit_error" {
				t.Errorf("type = %q", body.Error.Type)
			}
			denied++
			continue
		}
		resp.Body.Close()
	}
	if denied == 0 {
		t.Error("no request was rate limited")
	}
}

func TestRateLimitDisabled(t *testing.T) {
	rl := newRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !rl.allow("10.0.0.1:1234") {
			t.Fatal("disabled limiter denied a request")
		}
	}
}
