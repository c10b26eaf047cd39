// Package cache keeps upstream cached-content entries keyed by a digest of
// the stable prefix of a conversation, so repeated long prefixes are billed
// at the cached rate.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/clawbridge/clawbridge/internal/gemini"
	"github.com/clawbridge/clawbridge/internal/metrics"
)

// minCacheChars is the minimum estimated prompt size worth caching. The
// upstream floor is 1024 tokens; chars/4 is the usual estimate.
const minCacheChars = 1024 * 4

// creator is the one upstream call the manager needs.
type creator interface {
	CreateCache(ctx context.Context, model string, system *gemini.Content, contents []gemini.Content) (string, error)
}

// Manager resolves a translated request to an upstream cachedContents name.
// Creation is best-effort: a failed create is logged and the request goes
// out uncached.
type Manager struct {
	client  creator
	entries *lru.Cache[string, string]
	logger  *slog.Logger
}

func NewManager(client creator, maxEntries int, logger *slog.Logger) (*Manager, error) {
	entries, err := lru.New[string, string](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Manager{client: client, entries: entries, logger: logger}, nil
}

// Resolve returns the cachedContents name for req, creating one when the
// client asked for caching and the prompt is big enough. An empty name
// means the request should go out uncached.
func (m *Manager) Resolve(ctx context.Context, model string, req *gemini.GenerateContentRequest, marker bool) string {
	if !marker {
		return ""
	}
	if estimateChars(req) < minCacheChars {
		metrics.CacheOperations.WithLabelValues("resolve", "too_small").Inc()
		return ""
	}

	key := cacheKey(model, req)
	if name, ok := m.entries.Get(key); ok {
		metrics.CacheOperations.WithLabelValues("resolve", "hit").Inc()
		return name
	}
	metrics.CacheOperations.WithLabelValues("resolve", "miss").Inc()

	name, err := m.client.CreateCache(ctx, model, req.SystemInstruction, req.Contents)
	if err != nil {
		m.logger.Warn("cache create failed", "error", err)
		return ""
	}
	m.entries.Add(key, name)
	m.logger.Debug("cache entry created", "name", name)
	return name
}

// Len reports the number of live entries.
func (m *Manager) Len() int { return m.entries.Len() }

// cacheKey digests the fields that determine upstream cache identity:
// model, system instruction, contents, tool declarations (order-insensitive)
// and the thinking configuration.
func cacheKey(model string, req *gemini.GenerateContentRequest) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})

	enc := json.NewEncoder(h)
	if req.SystemInstruction != nil {
		enc.Encode(req.SystemInstruction)
	}
	enc.Encode(req.Contents)

	var toolNames []string
	for _, tool := range req.Tools {
		for _, decl := range tool.FunctionDeclarations {
			toolNames = append(toolNames, decl.Name)
		}
	}
	sort.Strings(toolNames)
	enc.Encode(toolNames)

	if req.GenerationConfig != nil && req.GenerationConfig.ThinkingConfig != nil {
		enc.Encode(req.GenerationConfig.ThinkingConfig)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// estimateChars totals the text payload of the request.
func estimateChars(req *gemini.GenerateContentRequest) int {
	total := 0
	count := func(c *gemini.Content) {
		if c == nil {
			return
		}
		for _, p := range c.Parts {
			total += len(p.Text)
			if p.InlineData != nil {
				total += len(p.InlineData.Data)
			}
			if p.FunctionResponse != nil {
				total += len(p.FunctionResponse.Response)
			}
		}
	}
	count(req.SystemInstruction)
	for i := range req.Contents {
		count(&req.Contents[i])
	}
	return total
}
