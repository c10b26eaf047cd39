package gemini

import "encoding/json"

// Content is one conversation turn on the upstream wire.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// Part is the upstream unit of content. Exactly one of the payload fields
// is set per part.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type ThinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts"`
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"` // LOW | MEDIUM | HIGH
}

type GenerationConfig struct {
	MaxOutputTokens *int            `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type FunctionDeclaration struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	ParametersJSONSchema map[string]any `json:"parametersJsonSchema,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type FunctionCallingConfig struct {
	Mode string `json:"mode"` // "AUTO"
}

type ToolConfig struct {
	FunctionCallingConfig FunctionCallingConfig `json:"functionCallingConfig"`
}

// GenerateContentRequest is the inner request forwarded upstream. It is
// wrapped in the internal envelope by the client.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
}

type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

// GenerateContentResponse is one upstream response, unary or a single
// streaming event, already unwrapped from the {response: ...} envelope.
type GenerateContentResponse struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// FirstCandidate returns the first candidate or nil.
func (r *GenerateContentResponse) FirstCandidate() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// internalRequest is the cloudcode envelope around every generate call.
type internalRequest struct {
	Model        string                  `json:"model"`
	Project      string                  `json:"project,omitempty"`
	UserPromptID string                  `json:"user_prompt_id"`
	Request      *GenerateContentRequest `json:"request"`
}

// responseEnvelope unwraps {response: {...}}; bare responses are accepted
// through the embedded fields.
type responseEnvelope struct {
	Response      *GenerateContentResponse `json:"response"`
	Candidates    []Candidate              `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata           `json:"usageMetadata,omitempty"`
}

func (e *responseEnvelope) unwrap() *GenerateContentResponse {
	if e.Response != nil {
		return e.Response
	}
	if len(e.Candidates) == 0 && e.UsageMetadata == nil {
		return nil
	}
	return &GenerateContentResponse{Candidates: e.Candidates, UsageMetadata: e.UsageMetadata}
}

// loadCodeAssist bootstrap payloads.

type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

type loadCodeAssistRequest struct {
	Metadata clientMetadata `json:"metadata"`
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

// cachedContents payloads.

type createCacheRequest struct {
	Model             string    `json:"model"`
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	TTL               string    `json:"ttl"`
}

type createCacheResponse struct {
	Name string `json:"name"`
}
