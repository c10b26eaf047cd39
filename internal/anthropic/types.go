package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the client-facing Anthropic Messages API request.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or an ordered list of content
// blocks; both wire forms are accepted.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// AsBlocks returns the content as a block list, wrapping plain text.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.IsText {
		if c.Text == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: c.Text}}
	}
	return c.Blocks
}

// SystemPrompt accepts both the string and block-list wire forms.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
	Set    bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.Set = true
	if len(data) > 0 && data[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if !s.Set {
		return []byte("null"), nil
	}
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// ContentBlock is the tagged union of Anthropic content block kinds:
// text, thinking, image, tool_use, tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ToolResultText flattens a tool_result content payload to text. The wire
// form is either a string or a list of text blocks.
func (b *ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return string(b.Content)
}

type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data"`
}

type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (t *ThinkingConfig) Enabled() bool {
	return t != nil && t.Type == "enabled"
}

// MessagesResponse is the unary Anthropic Messages API response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

type Usage struct {
	InputTokens          int  `json:"input_tokens"`
	OutputTokens         int  `json:"output_tokens"`
	CacheReadInputTokens *int `json:"cache_read_input_tokens,omitempty"`
}

// ErrorBody is the client-facing error envelope used for every error
// response and for in-band stream errors.
type ErrorBody struct {
	Type  string      `json:"type"` // "error"
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorBody builds the standard error envelope.
func NewErrorBody(kind, message string) ErrorBody {
	return ErrorBody{Type: "error", Error: ErrorDetail{Type: kind, Message: message}}
}

// Validate checks the structural requirements the translator relies on.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1")
	}
	return nil
}
