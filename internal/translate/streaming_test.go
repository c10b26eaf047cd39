package translate

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/clawbridge/clawbridge/internal/anthropic"
	"github.com/clawbridge/clawbridge/internal/gemini"
)

func textChunk(text string) *gemini.GenerateContentResponse {
	return &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{{Text: text}}},
		}},
	}
}

func finishChunk(reason string, outputTokens int) *gemini.GenerateContentResponse {
	r := &gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content:      gemini.Content{Role: "model"},
			FinishReason: reason,
		}},
	}
	if outputTokens > 0 {
		r.UsageMetadata = &gemini.UsageMetadata{CandidatesTokenCount: outputTokens}
	}
	return r
}

func eventNames(evs []anthropic.Event) []string {
	names := make([]string, len(evs))
	for i, ev := range evs {
		names[i] = ev.EventName()
	}
	return names
}

// checkStreamInvariants verifies the structural rules of a complete event
// sequence: message_start first, every start has a matching stop, indices
// are contiguous from zero, deltas only target the open block, and exactly
// one message_delta + message_stop at the end.
func checkStreamInvariants(t *testing.T, evs []anthropic.Event) {
	t.Helper()
	if len(evs) == 0 {
		t.Fatal("empty event sequence")
	}
	if _, ok := evs[0].(anthropic.MessageStartEvent); !ok {
		t.Errorf("first event = %s, want message_start", evs[0].EventName())
	}
	open := -1
	nextIndex := 0
	sawMessageDelta, sawMessageStop := false, false
	for i, ev := range evs {
		switch e := ev.(type) {
		case anthropic.ContentBlockStartEvent:
			if open != -1 {
				t.Errorf("event %d: block %d started while %d open", i, e.Index, open)
			}
			if e.Index != nextIndex {
				t.Errorf("event %d: block index %d, want %d", i, e.Index, nextIndex)
			}
			open = e.Index
		case anthropic.ContentBlockDeltaEvent:
			if e.Index != open {
				t.Errorf("event %d: delta for block %d, open block is %d", i, e.Index, open)
			}
		case anthropic.ContentBlockStopEvent:
			if e.Index != open {
				t.Errorf("event %d: stop for block %d, open block is %d", i, e.Index, open)
			}
			open = -1
			nextIndex++
		case anthropic.MessageDeltaEvent:
			if open != -1 {
				t.Errorf("message_delta with block %d still open", open)
			}
			sawMessageDelta = true
		case anthropic.MessageStopEvent:
			if !sawMessageDelta {
				t.Error("message_stop before message_delta")
			}
			sawMessageStop = true
		}
	}
	if !sawMessageStop {
		t.Error("sequence did not end with message_stop")
	}
}

func TestStreamSimpleText(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	var evs []anthropic.Event
	first := textChunk("hello")
	first.UsageMetadata = &gemini.UsageMetadata{PromptTokenCount: 7}
	evs = append(evs, tr.Feed(first)...)
	evs = append(evs, tr.Feed(textChunk(" world"))...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 2))...)

	checkStreamInvariants(t, evs)

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(evs); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	start := evs[0].(anthropic.MessageStartEvent)
	if start.Message.Usage.InputTokens != 7 || start.Message.Model != "claude-sonnet-4-5" {
		t.Errorf("message_start = %+v", start.Message)
	}
	delta := evs[5].(anthropic.MessageDeltaEvent)
	if delta.Delta.StopReason == nil || *delta.Delta.StopReason != "end_turn" {
		t.Errorf("stop_reason = %v", delta.Delta.StopReason)
	}
	if delta.Usage.OutputTokens != 2 {
		t.Errorf("output tokens = %d", delta.Usage.OutputTokens)
	}
	if !tr.Finished() {
		t.Error("translator should be finished")
	}
}

// A <think> tag split across two chunks is reassembled: the carried partial
// "<thi" never reaches the client, the tag body becomes a thinking block and
// the trailing text a separate text block.
func TestStreamThinkTagSplitAcrossChunks(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	var evs []anthropic.Event
	evs = append(evs, tr.Feed(textChunk("A<thi"))...)
	evs = append(evs, tr.Feed(textChunk("nk>secret</think>B"))...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 0))...)

	checkStreamInvariants(t, evs)

	var texts, thoughts []string
	for _, ev := range evs {
		if d, ok := ev.(anthropic.ContentBlockDeltaEvent); ok {
			switch d.Delta.Type {
			case "text_delta":
				texts = append(texts, d.Delta.Text)
			case "thinking_delta":
				thoughts = append(thoughts, d.Delta.Thinking)
			}
		}
	}
	if !reflect.DeepEqual(texts, []string{"A", "B"}) {
		t.Errorf("text deltas = %v, want [A B]", texts)
	}
	if !reflect.DeepEqual(thoughts, []string{"secret"}) {
		t.Errorf("thinking deltas = %v, want [secret]", thoughts)
	}

	want := []string{
		"message_start",
		"content_block_start", // text "A"
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // thinking "secret"
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text "B"
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(evs); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

// A partial tag pending at end of stream is plain text, not dropped.
func TestStreamPartialTagAtEndIsText(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	var evs []anthropic.Event
	evs = append(evs, tr.Feed(textChunk("done<thi"))...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 0))...)

	checkStreamInvariants(t, evs)

	var text string
	for _, ev := range evs {
		if d, ok := ev.(anthropic.ContentBlockDeltaEvent); ok && d.Delta.Type == "text_delta" {
			text += d.Delta.Text
		}
	}
	if text != "done<thi" {
		t.Errorf("text = %q, want %q", text, "done<thi")
	}
}

func TestStreamFunctionCallAtomicBlock(t *testing.T) {
	sigs := NewSignatureStore()
	tr := NewStreamTranslator("claude-sonnet-4-5", sigs)

	var evs []anthropic.Event
	evs = append(evs, tr.Feed(textChunk("let me check"))...)
	evs = append(evs, tr.Feed(&gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{{
				FunctionCall:     &gemini.FunctionCall{Name: "get_weather", Args: json.RawMessage(`{"city":"NYC"}`)},
				ThoughtSignature: "sig-xyz",
			}}},
		}},
	})...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 9))...)

	checkStreamInvariants(t, evs)

	want := []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // tool_use, atomic
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(evs); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	start := evs[4].(anthropic.ContentBlockStartEvent)
	if start.ContentBlock.Type != "tool_use" || start.ContentBlock.Name != "get_weather" {
		t.Errorf("tool_use start = %+v", start.ContentBlock)
	}
	if string(start.ContentBlock.Input) != "{}" {
		t.Errorf("start input = %s, want empty object", start.ContentBlock.Input)
	}
	delta := evs[5].(anthropic.ContentBlockDeltaEvent)
	if delta.Delta.Type != "input_json_delta" || delta.Delta.PartialJSON != `{"city":"NYC"}` {
		t.Errorf("input delta = %+v", delta.Delta)
	}

	// signature stored under the minted id; a follow-up request replays it
	if sig, ok := sigs.Get(start.ContentBlock.ID); !ok || sig != "sig-xyz" {
		t.Fatalf("stored signature = (%q, %v)", sig, ok)
	}
	md := evs[7].(anthropic.MessageDeltaEvent)
	if md.Delta.StopReason == nil || *md.Delta.StopReason != "tool_use" {
		t.Errorf("stop_reason = %v", md.Delta.StopReason)
	}

	followUp := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.MessageContent{IsText: true, Text: "weather?"}},
			{Role: "assistant", Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
				{Type: "tool_use", ID: start.ContentBlock.ID, Name: "get_weather", Input: json.RawMessage(`{"city":"NYC"}`)},
			}}},
			{Role: "user", Content: anthropic.MessageContent{Blocks: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: start.ContentBlock.ID, Content: json.RawMessage(`"72F"`)},
			}}},
		},
	}
	res, err := NewRequestTranslator(sigs, Options{}).Translate(followUp)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Request.Contents[1].Parts[0].ThoughtSignature; got != "sig-xyz" {
		t.Errorf("replayed signature = %q, want sig-xyz", got)
	}
}

func TestStreamNativeThoughtParts(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	var evs []anthropic.Event
	evs = append(evs, tr.Feed(&gemini.GenerateContentResponse{
		Candidates: []gemini.Candidate{{
			Content: gemini.Content{Role: "model", Parts: []gemini.Part{
				{Thought: true, Text: "pondering", ThoughtSignature: "sig-t"},
				{Text: "result"},
			}},
		}},
	})...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 0))...)

	checkStreamInvariants(t, evs)

	want := []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	if got := eventNames(evs); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	sig := evs[3].(anthropic.ContentBlockDeltaEvent)
	if sig.Delta.Type != "signature_delta" || sig.Delta.Signature != "sig-t" {
		t.Errorf("signature delta = %+v", sig.Delta)
	}
}

func TestStreamMalformedFunctionCall(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	evs := tr.Feed(textChunk("partial"))
	evs = append(evs, tr.Feed(finishChunk("MALFORMED_FUNCTION_CALL", 0))...)

	last := evs[len(evs)-1]
	errEv, ok := last.(anthropic.ErrorEvent)
	if !ok {
		t.Fatalf("last event = %s, want error", last.EventName())
	}
	if errEv.Error.Type != "invalid_request_error" {
		t.Errorf("error type = %q", errEv.Error.Type)
	}
	if !tr.Finished() {
		t.Error("translator should be finished")
	}
	if more := tr.Feed(textChunk("late")); more != nil {
		t.Errorf("events after terminal: %v", eventNames(more))
	}
}

// Flush synthesizes a STOP close when the upstream stream just ends.
func TestStreamFlushWithoutFinishReason(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	var evs []anthropic.Event
	evs = append(evs, tr.Feed(textChunk("tail"))...)
	evs = append(evs, tr.Flush()...)

	checkStreamInvariants(t, evs)
	last := evs[len(evs)-1]
	if _, ok := last.(anthropic.MessageStopEvent); !ok {
		t.Errorf("last event = %s, want message_stop", last.EventName())
	}
}

func TestStreamFlushBeforeStartIsSilent(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())
	if evs := tr.Flush(); evs != nil {
		t.Errorf("events = %v, want none", eventNames(evs))
	}
	if !tr.Finished() {
		t.Error("translator should be finished")
	}
}

func TestStreamUsageOnlyChunk(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4-5", NewSignatureStore())

	evs := tr.Feed(&gemini.GenerateContentResponse{
		UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 50, CachedContentTokenCount: 40},
	})
	evs = append(evs, tr.Feed(textChunk("ok"))...)
	evs = append(evs, tr.Feed(finishChunk("STOP", 1))...)

	checkStreamInvariants(t, evs)
	start := evs[0].(anthropic.MessageStartEvent)
	if start.Message.Usage.InputTokens != 50 {
		t.Errorf("input tokens = %d", start.Message.Usage.InputTokens)
	}
	if start.Message.Usage.CacheReadInputTokens == nil || *start.Message.Usage.CacheReadInputTokens != 40 {
		t.Errorf("cache read tokens = %v", start.Message.Usage.CacheReadInputTokens)
	}
}

func TestThinkExtractor(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []segment
	}{
		{
			"no tags",
			[]string{"hello ", "world"},
			[]segment{{text: "hello "}, {text: "world"}},
		},
		{
			"tag within one chunk",
			[]string{"a<think>b</think>c"},
			[]segment{{text: "a"}, {thinking: true, text: "b"}, {text: "c"}},
		},
		{
			"open tag split",
			[]string{"a<thi", "nk>b</think>c"},
			[]segment{{text: "a"}, {thinking: true, text: "b"}, {text: "c"}},
		},
		{
			"close tag split",
			[]string{"<think>b</th", "ink>c"},
			[]segment{{thinking: true, text: "b"}, {text: "c"}},
		},
		{
			"lone angle bracket is plain text",
			[]string{"2 < 3", " holds"},
			[]segment{{text: "2 < 3"}, {text: " holds"}},
		},
		{
			"false partial resolves as text",
			[]string{"a<th", "orn"},
			[]segment{{text: "a"}, {text: "<thorn"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var e thinkExtractor
			var got []segment
			for _, chunk := range tt.chunks {
				got = append(got, e.feed(chunk)...)
			}
			got = append(got, e.flush()...)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("segments = %+v, want %+v", got, tt.want)
			}
		})
	}
}
