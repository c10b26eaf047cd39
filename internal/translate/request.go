package translate

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/gemini"
)

// maxOutputTokens is the upstream hard cap; larger client values are clamped.
const maxOutputTokens = 65536

// ultrathink budget forced by the keyword fallback.
const ultrathinkBudget = 30000

// Options tunes translation behavior.
type Options struct {
	// BridgeNote, when non-empty, is appended to the system instruction.
	BridgeNote string
	// UltrathinkKeyword enables the "ultrathink" text trigger.
	UltrathinkKeyword bool
}

// RequestTranslator converts Anthropic Messages requests into upstream
// generate requests. Stateless apart from the shared signature store.
type RequestTranslator struct {
	sigs *SignatureStore
	opts Options
}

func NewRequestTranslator(sigs *SignatureStore, opts Options) *RequestTranslator {
	return &RequestTranslator{sigs: sigs, opts: opts}
}

// Result is a translated request plus the side facts the handler needs.
type Result struct {
	Request *gemini.GenerateContentRequest
	// Model is the resolved upstream model name.
	Model string
	// CacheMarker is true when any block carried a cache_control hint.
	CacheMarker bool
	// ToolUseIDs are the tool-use IDs present in the history, for
	// signature store GC.
	ToolUseIDs map[string]struct{}
}

// Translate builds the upstream request. Identical inputs produce identical
// outputs.
func (t *RequestTranslator) Translate(req *anthropic.MessagesRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, gemini.InvalidRequestf("%v", err)
	}

	model, err := MapModel(req.Model)
	if err != nil {
		return nil, err
	}

	thinking := req.Thinking
	if t.opts.UltrathinkKeyword && containsUltrathink(req.Messages) {
		thinking = &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: ultrathinkBudget}
	}

	res := &Result{Model: model, ToolUseIDs: make(map[string]struct{})}

	// First pass: record tool_use id→name pairs so later tool_results can
	// name the function they answer, and collect live IDs and cache hints.
	toolNames := make(map[string]string)
	for _, msg := range req.Messages {
		for _, block := range msg.Content.AsBlocks() {
			if block.CacheControl != nil {
				res.CacheMarker = true
			}
			if block.Type == "tool_use" && block.ID != "" {
				toolNames[block.ID] = block.Name
				res.ToolUseIDs[block.ID] = struct{}{}
			}
		}
	}

	contents := make([]gemini.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		content, err := t.translateMessage(msg, toolNames)
		if err != nil {
			return nil, err
		}
		contents = append(contents, content)
	}

	out := &gemini.GenerateContentRequest{
		Contents:          contents,
		SystemInstruction: t.systemInstruction(req.System),
		GenerationConfig:  t.generationConfig(req, model, thinking),
	}

	if len(req.Tools) > 0 {
		decls := make([]gemini.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, gemini.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJSONSchema: SanitizeSchema(tool.InputSchema),
			})
		}
		out.Tools = []gemini.Tool{{FunctionDeclarations: decls}}
		out.ToolConfig = &gemini.ToolConfig{
			FunctionCallingConfig: gemini.FunctionCallingConfig{Mode: "AUTO"},
		}
	}

	res.Request = out
	return res, nil
}

func (t *RequestTranslator) translateMessage(msg anthropic.Message, toolNames map[string]string) (gemini.Content, error) {
	role := "user"
	if msg.Role == "assistant" {
		role = "model"
	}

	var parts []gemini.Part
	for _, block := range msg.Content.AsBlocks() {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, gemini.Part{Text: block.Text})
			}

		case "thinking", "redacted_thinking":
			// assistant thoughts are not replayed upstream

		case "image":
			if block.Source == nil || block.Source.Data == "" {
				return gemini.Content{}, gemini.InvalidRequestf("image block has no source data")
			}
			mime, err := ValidateImage(block.Source.Data, block.Source.MediaType)
			if err != nil {
				return gemini.Content{}, err
			}
			parts = append(parts, gemini.Part{
				InlineData: &gemini.Blob{MimeType: mime, Data: block.Source.Data},
			})

		case "tool_use":
			sig, ok := t.sigs.Get(block.ID)
			if !ok {
				sig = SentinelSignature
			}
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, gemini.Part{
				FunctionCall:     &gemini.FunctionCall{Name: block.Name, Args: args},
				ThoughtSignature: sig,
			})

		case "tool_result":
			name, ok := toolNames[block.ToolUseID]
			if !ok {
				name = "unknown_tool_" + block.ToolUseID
				slog.Warn("tool_result references unknown tool_use id", "tool_use_id", block.ToolUseID)
			}
			parts = append(parts, gemini.Part{
				FunctionResponse: &gemini.FunctionResponse{
					Name:     name,
					Response: toolResultPayload(&block),
				},
			})

		default:
			return gemini.Content{}, gemini.InvalidRequestf("unsupported content block type %q", block.Type)
		}
	}

	// parts must never be empty: a message of only thinking blocks still
	// has to produce a turn
	if len(parts) == 0 {
		parts = []gemini.Part{{Text: " "}}
	}

	return gemini.Content{Role: role, Parts: parts}, nil
}

func toolResultPayload(block *anthropic.ContentBlock) json.RawMessage {
	key := "output"
	if block.IsError {
		key = "error"
	}
	payload, _ := json.Marshal(map[string]string{key: block.ToolResultText()})
	return payload
}

func (t *RequestTranslator) systemInstruction(system anthropic.SystemPrompt) *gemini.Content {
	var texts []string
	if system.Set {
		if system.IsText {
			if system.Text != "" {
				texts = append(texts, system.Text)
			}
		} else {
			for _, block := range system.Blocks {
				if block.Type == "text" && block.Text != "" {
					texts = append(texts, block.Text)
				}
			}
		}
	}
	if t.opts.BridgeNote != "" {
		texts = append(texts, t.opts.BridgeNote)
	}
	if len(texts) == 0 {
		return nil
	}
	return &gemini.Content{Parts: []gemini.Part{{Text: strings.Join(texts, "\n")}}}
}

func (t *RequestTranslator) generationConfig(req *anthropic.MessagesRequest, model string, thinking *anthropic.ThinkingConfig) *gemini.GenerationConfig {
	maxTokens := req.MaxTokens
	if maxTokens > maxOutputTokens {
		maxTokens = maxOutputTokens
	}

	cfg := &gemini.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
	}

	if thinking.Enabled() {
		cfg.ThinkingConfig = thinkingConfigFor(model, thinking.BudgetTokens)
	}
	return cfg
}

// thinkingConfigFor remaps a client thinking budget into the model family's
// idiom: gemini-3 models take an enum level, 2.5 models a numeric budget.
func thinkingConfigFor(model string, budget int) *gemini.ThinkingConfig {
	cfg := &gemini.ThinkingConfig{IncludeThoughts: true}
	if strings.Contains(model, "gemini-3") {
		switch {
		case budget <= 15000:
			cfg.ThinkingLevel = "LOW"
		case budget <= 20000:
			cfg.ThinkingLevel = "MEDIUM"
		default:
			cfg.ThinkingLevel = "HIGH"
		}
		return cfg
	}

	var numeric int
	switch {
	case budget <= 15000:
		numeric = 15000
	case budget <= 20000:
		numeric = 20000
	default:
		numeric = 30000
	}
	cfg.ThinkingBudget = &numeric
	return cfg
}

func containsUltrathink(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Content.AsBlocks() {
			if block.Type == "text" && strings.Contains(strings.ToLower(block.Text), "ultrathink") {
				return true
			}
		}
	}
	return false
}
