package translate

import (
	"encoding/json"
	"strings"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/gemini"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamTranslator converts one upstream event stream into the Anthropic
// event sequence. One instance per request; not safe for concurrent use.
type StreamTranslator struct {
	messageID string
	model     string
	sigs      *SignatureStore

	inputTokens  int
	outputTokens int
	cachedTokens int

	started    bool
	finished   bool
	blockIndex int
	blockKind  blockKind
	hadToolUse bool

	think thinkExtractor
}

// NewStreamTranslator builds a translator for one streaming request. model
// is the client-facing model name echoed in message_start.
func NewStreamTranslator(model string, sigs *SignatureStore) *StreamTranslator {
	return &StreamTranslator{
		messageID: NewMessageID(),
		model:     model,
		sigs:      sigs,
	}
}

// Finished reports whether a terminal event (message_stop or error) was
// emitted.
func (t *StreamTranslator) Finished() bool { return t.finished }

// Feed translates one upstream event into zero or more Anthropic events,
// in emission order.
func (t *StreamTranslator) Feed(ev *gemini.GenerateContentResponse) []anthropic.Event {
	if t.finished || ev == nil {
		return nil
	}

	var out []anthropic.Event

	if u := ev.UsageMetadata; u != nil {
		if u.PromptTokenCount > 0 {
			t.inputTokens = u.PromptTokenCount
		}
		if u.CandidatesTokenCount > 0 {
			t.outputTokens = u.CandidatesTokenCount
		}
		if u.CachedContentTokenCount > 0 {
			t.cachedTokens = u.CachedContentTokenCount
		}
	}

	if !t.started {
		t.started = true
		out = append(out, t.messageStart())
	}

	cand := ev.FirstCandidate()
	if cand == nil {
		return out
	}

	for _, part := range cand.Content.Parts {
		out = append(out, t.feedPart(part)...)
	}

	if cand.FinishReason != "" {
		out = append(out, t.finish(cand.FinishReason)...)
	}
	return out
}

// Flush closes the stream when the upstream ended without a finish reason.
func (t *StreamTranslator) Flush() []anthropic.Event {
	if t.finished || !t.started {
		t.finished = true
		return nil
	}
	return t.finish("STOP")
}

func (t *StreamTranslator) messageStart() anthropic.Event {
	msg := anthropic.MessagesResponse{
		ID:      t.messageID,
		Type:    "message",
		Role:    "assistant",
		Model:   t.model,
		Content: []anthropic.ContentBlock{},
		Usage:   anthropic.Usage{InputTokens: t.inputTokens},
	}
	if t.cachedTokens > 0 {
		cached := t.cachedTokens
		msg.Usage.CacheReadInputTokens = &cached
	}
	return anthropic.NewMessageStart(msg)
}

func (t *StreamTranslator) feedPart(part gemini.Part) []anthropic.Event {
	switch {
	case part.FunctionCall != nil:
		return t.feedFunctionCall(part)

	case part.InlineData != nil:
		// images are not emitted incrementally
		return nil

	case part.Thought:
		var out []anthropic.Event
		out = append(out, t.ensureBlock(blockThinking)...)
		if part.Text != "" {
			out = append(out, anthropic.NewThinkingDelta(t.blockIndex, part.Text))
		}
		if part.ThoughtSignature != "" {
			out = append(out, anthropic.NewSignatureDelta(t.blockIndex, part.ThoughtSignature))
		}
		return out

	default:
		var out []anthropic.Event
		for _, seg := range t.think.feed(part.Text) {
			kind := blockText
			if seg.thinking {
				kind = blockThinking
			}
			out = append(out, t.ensureBlock(kind)...)
			if seg.thinking {
				out = append(out, anthropic.NewThinkingDelta(t.blockIndex, seg.text))
			} else {
				out = append(out, anthropic.NewTextDelta(t.blockIndex, seg.text))
			}
		}
		return out
	}
}

// feedFunctionCall emits an atomic tool_use block: start, one
// input_json_delta, stop.
func (t *StreamTranslator) feedFunctionCall(part gemini.Part) []anthropic.Event {
	var out []anthropic.Event
	out = append(out, t.closeBlock()...)

	toolID := NewToolUseID()
	if part.ThoughtSignature != "" {
		t.sigs.Put(toolID, part.ThoughtSignature)
	}

	args := part.FunctionCall.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	out = append(out,
		anthropic.NewContentBlockStart(t.blockIndex, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    toolID,
			Name:  part.FunctionCall.Name,
			Input: json.RawMessage("{}"),
		}),
		anthropic.NewInputJSONDelta(t.blockIndex, string(args)),
		anthropic.NewContentBlockStop(t.blockIndex),
	)
	t.blockIndex++
	t.blockKind = blockNone
	t.hadToolUse = true
	return out
}

// ensureBlock opens a block of the wanted kind, closing a mismatched open
// block first.
func (t *StreamTranslator) ensureBlock(kind blockKind) []anthropic.Event {
	if t.blockKind == kind {
		return nil
	}
	var out []anthropic.Event
	out = append(out, t.closeBlock()...)

	block := anthropic.ContentBlock{Type: "text"}
	if kind == blockThinking {
		block = anthropic.ContentBlock{Type: "thinking"}
	}
	out = append(out, anthropic.NewContentBlockStart(t.blockIndex, block))
	t.blockKind = kind
	return out
}

// closeBlock stops the open block and advances the index.
func (t *StreamTranslator) closeBlock() []anthropic.Event {
	if t.blockKind == blockNone {
		return nil
	}
	ev := anthropic.NewContentBlockStop(t.blockIndex)
	t.blockIndex++
	t.blockKind = blockNone
	return []anthropic.Event{ev}
}

func (t *StreamTranslator) finish(finishReason string) []anthropic.Event {
	if finishReason == "MALFORMED_FUNCTION_CALL" {
		t.finished = true
		return []anthropic.Event{anthropic.NewErrorEvent("invalid_request_error",
			"model produced a malformed function call")}
	}

	var out []anthropic.Event
	// a partial tag held back at a chunk boundary is plain text now
	for _, seg := range t.think.flush() {
		kind := blockText
		if seg.thinking {
			kind = blockThinking
		}
		out = append(out, t.ensureBlock(kind)...)
		if seg.thinking {
			out = append(out, anthropic.NewThinkingDelta(t.blockIndex, seg.text))
		} else {
			out = append(out, anthropic.NewTextDelta(t.blockIndex, seg.text))
		}
	}
	out = append(out, t.closeBlock()...)
	out = append(out,
		anthropic.NewMessageDelta(MapFinishReason(finishReason, t.hadToolUse), t.outputTokens),
		anthropic.NewMessageStop(),
	)
	t.finished = true
	return out
}

// --- <think> tag extraction ---

// maxThinkBuffer bounds the carry buffer; crossing it force-strips the tags
// and resets the machine.
const maxThinkBuffer = 10 << 20

type segment struct {
	thinking bool
	text     string
}

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// thinkExtractor is a two-state machine splitting a text stream into text
// and thinking segments. A partial tag at a chunk boundary is carried in
// buf until the next chunk decides it.
type thinkExtractor struct {
	buf    string
	inside bool
}

// feed consumes one chunk and returns the completed segments in order.
func (e *thinkExtractor) feed(chunk string) []segment {
	input := e.buf + chunk
	e.buf = ""

	if len(input) > maxThinkBuffer {
		stripped := strings.ReplaceAll(input, openTag, "")
		stripped = strings.ReplaceAll(stripped, closeTag, "")
		e.inside = false
		if stripped == "" {
			return nil
		}
		return []segment{{text: stripped}}
	}

	var segs []segment
	emit := func(thinking bool, text string) {
		if text == "" {
			return
		}
		if n := len(segs); n > 0 && segs[n-1].thinking == thinking {
			segs[n-1].text += text
			return
		}
		segs = append(segs, segment{thinking: thinking, text: text})
	}

	for input != "" {
		tag := openTag
		if e.inside {
			tag = closeTag
		}

		if i := strings.Index(input, tag); i >= 0 {
			emit(e.inside, input[:i])
			input = input[i+len(tag):]
			e.inside = !e.inside
			continue
		}

		// no full tag: carry the longest suffix that could still become
		// one, emit the rest
		keep := partialTagSuffix(input, tag)
		emit(e.inside, input[:len(input)-keep])
		e.buf = input[len(input)-keep:]
		break
	}
	return segs
}

// flush returns whatever the carry buffer holds as a final segment.
func (e *thinkExtractor) flush() []segment {
	if e.buf == "" {
		return nil
	}
	seg := segment{thinking: e.inside, text: e.buf}
	e.buf = ""
	return []segment{seg}
}

// partialTagSuffix returns the length of the longest proper suffix of s
// that is a prefix of tag. The leftmost (longest) candidate wins.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
