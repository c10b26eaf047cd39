package translate

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/gemini"
)

// MapFinishReason converts an upstream finish reason to an Anthropic
// stop_reason. hadToolUse overrides a plain STOP with tool_use.
func MapFinishReason(finishReason string, hadToolUse bool) *string {
	var reason string
	switch finishReason {
	case "STOP":
		reason = "end_turn"
	case "MAX_TOKENS":
		reason = "max_tokens"
	case "SAFETY", "RECITATION":
		reason = "stop_sequence"
	default:
		// OTHER and unknown reasons carry no stop_reason
		return nil
	}
	if reason == "end_turn" && hadToolUse {
		reason = "tool_use"
	}
	return &reason
}

// NewMessageID mints a client-facing message ID.
func NewMessageID() string { return "msg_" + uuid.NewString() }

// NewToolUseID mints a client-facing tool-use ID.
func NewToolUseID() string { return "toolu_" + uuid.NewString() }

// TranslateResponse maps a unary upstream response to an Anthropic Messages
// response. Signatures on function calls are recorded in sigs so follow-up
// requests can replay them.
func TranslateResponse(resp *gemini.GenerateContentResponse, clientModel string, sigs *SignatureStore) (*anthropic.MessagesResponse, error) {
	cand := resp.FirstCandidate()
	if cand == nil {
		return nil, gemini.Translationf("upstream response has no candidates")
	}

	var blocks []anthropic.ContentBlock
	hadToolUse := false

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionResponse != nil:
			return nil, gemini.Translationf("function response in model output")

		case part.FunctionCall != nil:
			id := NewToolUseID()
			if part.ThoughtSignature != "" {
				sigs.Put(id, part.ThoughtSignature)
			}
			input := part.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: input,
			})
			hadToolUse = true

		case part.InlineData != nil:
			blocks = append(blocks, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})

		case part.Thought:
			if part.Text != "" {
				blocks = append(blocks, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: part.ThoughtSignature,
				})
			}

		default:
			text := StripThinkTags(part.Text)
			if text != "" {
				blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
			}
		}
	}

	out := &anthropic.MessagesResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      clientModel,
		Content:    blocks,
		StopReason: MapFinishReason(cand.FinishReason, hadToolUse),
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage.InputTokens = u.PromptTokenCount
		out.Usage.OutputTokens = u.CandidatesTokenCount
		if u.CachedContentTokenCount > 0 {
			cached := u.CachedContentTokenCount
			out.Usage.CacheReadInputTokens = &cached
		}
	}

	return out, nil
}

// StripThinkTags removes <think>...</think> segments from a complete text.
// An unterminated <think> discards the rest of the string.
func StripThinkTags(s string) string {
	var b strings.Builder
	for {
		open := strings.Index(s, "<think>")
		if open < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:open])
		rest := s[open+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			return b.String()
		}
		s = rest[end+len("</think>"):]
	}
}
