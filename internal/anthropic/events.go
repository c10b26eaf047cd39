package anthropic

// Event is one server-sent event in the Messages streaming protocol.
// EventName is the SSE "event:" field; the value itself is the "data:" JSON.
type Event interface {
	EventName() string
}

type MessageStartEvent struct {
	Type    string           `json:"type"` // "message_start"
	Message MessagesResponse `json:"message"`
}

func (MessageStartEvent) EventName() string { return "message_start" }

type ContentBlockStartEvent struct {
	Type         string       `json:"type"` // "content_block_start"
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (ContentBlockStartEvent) EventName() string { return "content_block_start" }

// Delta is the payload of a content_block_delta: text_delta, thinking_delta,
// signature_delta or input_json_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type ContentBlockDeltaEvent struct {
	Type  string `json:"type"` // "content_block_delta"
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

func (ContentBlockDeltaEvent) EventName() string { return "content_block_delta" }

type ContentBlockStopEvent struct {
	Type  string `json:"type"` // "content_block_stop"
	Index int    `json:"index"`
}

func (ContentBlockStopEvent) EventName() string { return "content_block_stop" }

type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type MessageDeltaEvent struct {
	Type  string           `json:"type"` // "message_delta"
	Delta MessageDeltaBody `json:"delta"`
	Usage DeltaUsage       `json:"usage"`
}

func (MessageDeltaEvent) EventName() string { return "message_delta" }

type MessageStopEvent struct {
	Type string `json:"type"` // "message_stop"
}

func (MessageStopEvent) EventName() string { return "message_stop" }

type PingEvent struct {
	Type string `json:"type"` // "ping"
}

func (PingEvent) EventName() string { return "ping" }

type ErrorEvent struct {
	Type  string      `json:"type"` // "error"
	Error ErrorDetail `json:"error"`
}

func (ErrorEvent) EventName() string { return "error" }

// Constructors keep the type tags consistent with the event names.

func NewMessageStart(msg MessagesResponse) MessageStartEvent {
	return MessageStartEvent{Type: "message_start", Message: msg}
}

func NewContentBlockStart(index int, block ContentBlock) ContentBlockStartEvent {
	return ContentBlockStartEvent{Type: "content_block_start", Index: index, ContentBlock: block}
}

func NewTextDelta(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: "content_block_delta", Index: index, Delta: Delta{Type: "text_delta", Text: text}}
}

func NewThinkingDelta(index int, thinking string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: "content_block_delta", Index: index, Delta: Delta{Type: "thinking_delta", Thinking: thinking}}
}

func NewSignatureDelta(index int, sig string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: "content_block_delta", Index: index, Delta: Delta{Type: "signature_delta", Signature: sig}}
}

func NewInputJSONDelta(index int, partial string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{Type: "content_block_delta", Index: index, Delta: Delta{Type: "input_json_delta", PartialJSON: partial}}
}

func NewContentBlockStop(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: "content_block_stop", Index: index}
}

func NewMessageDelta(stopReason *string, outputTokens int) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  "message_delta",
		Delta: MessageDeltaBody{StopReason: stopReason},
		Usage: DeltaUsage{OutputTokens: outputTokens},
	}
}

func NewMessageStop() MessageStopEvent { return MessageStopEvent{Type: "message_stop"} }

func NewPing() PingEvent { return PingEvent{Type: "ping"} }

func NewErrorEvent(kind, message string) ErrorEvent {
	return ErrorEvent{Type: "error", Error: ErrorDetail{Type: kind, Message: message}}
}
