package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawbridge/clawbridge/internal/metrics"
	"github.com/clawbridge/clawbridge/internal/retry"
)

// TokenSource yields bearer tokens for upstream calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the internal cloudcode Gemini endpoint. It owns the
// pooled HTTP transport, the resolved project ID, and the health tracker
// notifications for every call.
type Client struct {
	baseURL   string
	tokens    TokenSource
	health    *HealthTracker
	retryCfg  retry.Config
	client    *http.Client
	projectID string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.client.Timeout = d }
}

func WithPoolSize(n int) ClientOption {
	return func(c *Client) {
		if t, ok := c.client.Transport.(*http.Transport); ok && n > 0 {
			t.MaxIdleConnsPerHost = n
			t.MaxIdleConns = n
		}
	}
}

func WithCompression(enabled bool) ClientOption {
	return func(c *Client) {
		if t, ok := c.client.Transport.(*http.Transport); ok {
			t.DisableCompression = !enabled
		}
	}
}

func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retryCfg = cfg }
}

// NewClient builds a client; call Bootstrap before issuing generate calls.
func NewClient(tokens TokenSource, health *HealthTracker, opts ...ClientOption) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	c := &Client{
		baseURL:  "https://cloudcode-pa.googleapis.com/v1internal",
		tokens:   tokens,
		health:   health,
		retryCfg: retry.DefaultConfig(),
		client: &http.Client{
			Transport: transport,
			Timeout:   300 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProjectID returns the project resolved by Bootstrap.
func (c *Client) ProjectID() string { return c.projectID }

// Bootstrap resolves the caller's cloudcode project via :loadCodeAssist.
// A 403 or an empty project means the account is not eligible.
func (c *Client) Bootstrap(ctx context.Context) error {
	payload := loadCodeAssistRequest{
		Metadata: clientMetadata{
			IDEType:    "GEMINI_CLI",
			Platform:   "PLATFORM_UNSPECIFIED",
			PluginType: "GEMINI",
		},
	}

	body, err := retry.Do(ctx, c.retryCfg, func() ([]byte, error) {
		return c.doJSON(ctx, c.baseURL+":loadCodeAssist", payload)
	})
	if err != nil {
		var he *retry.HTTPError
		if errors.As(err, &he) && he.Status == http.StatusForbidden {
			return Errorf(KindProjectResolution,
				"account is not eligible for the cloudcode API; sign in with an eligible Google account")
		}
		return Wrap(KindProjectResolution, err, "loadCodeAssist bootstrap failed")
	}

	var resp loadCodeAssistResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Wrap(KindProjectResolution, err, "decode loadCodeAssist response")
	}
	if resp.CloudAICompanionProject == "" {
		return Errorf(KindProjectResolution,
			"no cloudcode project returned; sign in with an eligible Google account")
	}

	c.projectID = resp.CloudAICompanionProject
	slog.Info("upstream project resolved", "project", c.projectID)
	return nil
}

// Generate executes a unary generateContent call.
func (c *Client) Generate(ctx context.Context, model string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	start := time.Now()
	envelope := internalRequest{
		Model:        model,
		Project:      c.projectID,
		UserPromptID: uuid.NewString(),
		Request:      req,
	}

	body, err := retry.Do(ctx, c.retryCfg, func() ([]byte, error) {
		b, err := c.doJSON(ctx, c.baseURL+":generateContent", envelope)
		c.observe(model, err)
		return b, err
	})
	metrics.GeminiAPIDuration.WithLabelValues("generate").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GeminiAPICalls.WithLabelValues("generate", "error").Inc()
		return nil, c.mapError(err)
	}
	metrics.GeminiAPICalls.WithLabelValues("generate", "success").Inc()

	var env responseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, Wrap(KindUpstream, err, "decode generateContent response")
	}
	resp := env.unwrap()
	if resp == nil {
		return nil, Errorf(KindUpstream, "generateContent response carried no payload")
	}
	return resp, nil
}

// Stream is one in-flight streaming generation. Next returns events until
// io.EOF.
type Stream struct {
	body   io.ReadCloser
	parser *SSEParser
	queue  []*GenerateContentResponse
	buf    []byte
	closed bool
}

// Next returns the next upstream event, or io.EOF when the stream ends.
func (s *Stream) Next() (*GenerateContentResponse, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.closed {
			return nil, io.EOF
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			events, perr := s.parser.Feed(s.buf[:n])
			s.queue = append(s.queue, events...)
			if perr != nil {
				s.closed = true
				return nil, perr
			}
		}
		if err != nil {
			s.closed = true
			if err == io.EOF {
				s.queue = append(s.queue, s.parser.Close()...)
				continue
			}
			return nil, fmt.Errorf("upstream stream read: %w", err)
		}
	}
}

func (s *Stream) Close() error {
	s.closed = true
	return s.body.Close()
}

// StreamGenerate opens a streaming generateContent call. Only the handshake
// is retried; once the stream is open, errors terminate it.
func (c *Client) StreamGenerate(ctx context.Context, model string, req *GenerateContentRequest) (*Stream, error) {
	envelope := internalRequest{
		Model:        model,
		Project:      c.projectID,
		UserPromptID: uuid.NewString(),
		Request:      req,
	}

	body, err := retry.Do(ctx, c.retryCfg, func() (io.ReadCloser, error) {
		rc, err := c.doStream(ctx, c.baseURL+":streamGenerateContent?alt=sse", envelope)
		c.observe(model, err)
		return rc, err
	})
	if err != nil {
		metrics.GeminiAPICalls.WithLabelValues("stream_generate", "error").Inc()
		return nil, c.mapError(err)
	}
	metrics.GeminiAPICalls.WithLabelValues("stream_generate", "success").Inc()

	return &Stream{
		body:   body,
		parser: NewSSEParser(),
		buf:    make([]byte, 32*1024),
	}, nil
}

// CreateCache creates an upstream cached-content entry with a 300s TTL and
// returns its name. Callers treat failures as best-effort.
func (c *Client) CreateCache(ctx context.Context, model string, system *Content, contents []Content) (string, error) {
	payload := createCacheRequest{
		Model:             model,
		Contents:          contents,
		SystemInstruction: system,
		TTL:               "300s",
	}

	body, err := c.doJSON(ctx, c.cacheEndpoint(), payload)
	if err != nil {
		metrics.CacheOperations.WithLabelValues("create", "error").Inc()
		return "", c.mapError(err)
	}
	metrics.CacheOperations.WithLabelValues("create", "success").Inc()

	var resp createCacheResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Wrap(KindUpstream, err, "decode cachedContents response")
	}
	return resp.Name, nil
}

// Probe sends a 1-token request to verify connectivity; returns the latency.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	one := 1
	req := &GenerateContentRequest{
		Contents:         []Content{{Role: "user", Parts: []Part{{Text: "hi"}}}},
		GenerationConfig: &GenerationConfig{MaxOutputTokens: &one},
	}

	start := time.Now()
	envelope := internalRequest{
		Model:        "gemini-2.5-flash-lite",
		Project:      c.projectID,
		UserPromptID: uuid.NewString(),
		Request:      req,
	}
	if _, err := c.doJSON(ctx, c.baseURL+":generateContent", envelope); err != nil {
		return 0, c.mapError(err)
	}
	return time.Since(start), nil
}

// cacheEndpoint lives next to the versioned base path.
func (c *Client) cacheEndpoint() string {
	if i := strings.LastIndex(c.baseURL, "/"); i > len("https://") {
		return c.baseURL[:i] + "/cachedContents"
	}
	return c.baseURL + "/cachedContents"
}

// doJSON posts payload and returns the response body, or *retry.HTTPError
// for non-2xx statuses so the retry engine can see the status and body.
func (c *Client) doJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	resp, err := c.post(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// doStream posts payload and hands back the raw body for SSE consumption.
func (c *Client) doStream(ctx context.Context, url string, payload any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, url, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &retry.HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}

// observe feeds the health tracker after each attempt.
func (c *Client) observe(model string, err error) {
	if c.health == nil {
		return
	}
	if err == nil {
		c.health.MarkHealthy(model)
		return
	}
	var he *retry.HTTPError
	if errors.As(err, &he) {
		c.health.Classify(model, he.Status, he.Body)
	}
}

// mapError converts transport-level failures into the client-facing taxonomy.
func (c *Client) mapError(err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	var he *retry.HTTPError
	if errors.As(err, &he) {
		return mapStatus(he.Status, he.Body)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return Wrap(KindUpstream, err, "upstream request failed")
}
