package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// maxSSEBuffer bounds the accumulation buffer: a well-formed upstream never
// sends a 10 MiB frame without a delimiter.
const maxSSEBuffer = 10 << 20

var (
	delimLF   = []byte("\n\n")
	delimCRLF = []byte("\r\n\r\n")
)

// SSEParser turns a raw upstream byte stream into discrete events. It is
// tolerant of LF and CRLF frame delimiters and of chunk boundaries landing
// anywhere, including mid-delimiter.
type SSEParser struct {
	buf bytes.Buffer
}

func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed appends a chunk and returns all events completed by it.
func (p *SSEParser) Feed(chunk []byte) ([]*GenerateContentResponse, error) {
	p.buf.Write(chunk)

	var events []*GenerateContentResponse
	for {
		block, ok := p.nextBlock()
		if !ok {
			break
		}
		if ev := parseBlock(block); ev != nil {
			events = append(events, ev)
		}
	}

	if p.buf.Len() > maxSSEBuffer {
		return events, fmt.Errorf("sse buffer exceeded %d bytes without a frame delimiter", maxSSEBuffer)
	}
	return events, nil
}

// Close parses any residual buffer as a final event.
func (p *SSEParser) Close() []*GenerateContentResponse {
	rest := bytes.TrimSpace(p.buf.Bytes())
	p.buf.Reset()
	if len(rest) == 0 {
		return nil
	}
	if ev := parseBlock(rest); ev != nil {
		return []*GenerateContentResponse{ev}
	}
	return nil
}

// nextBlock cuts the earliest complete frame off the buffer. When both LF-LF
// and CRLF-CRLF delimiters are present, the earlier byte offset wins.
func (p *SSEParser) nextBlock() ([]byte, bool) {
	data := p.buf.Bytes()

	iLF := bytes.Index(data, delimLF)
	iCRLF := bytes.Index(data, delimCRLF)

	cut, width := -1, 0
	switch {
	case iLF < 0 && iCRLF < 0:
		return nil, false
	case iCRLF >= 0 && (iLF < 0 || iCRLF < iLF):
		cut, width = iCRLF, len(delimCRLF)
	default:
		cut, width = iLF, len(delimLF)
	}

	block := make([]byte, cut)
	copy(block, data[:cut])
	p.buf.Next(cut + width)
	return block, true
}

// parseBlock extracts the data: payload of one frame and decodes it.
// Empty payloads, [DONE], and undecodable JSON are dropped.
func parseBlock(block []byte) *GenerateContentResponse {
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if payload == "" || payload == "[DONE]" {
			return nil
		}

		var env responseEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			slog.Warn("dropping undecodable sse payload", "error", err, "bytes", len(payload))
			return nil
		}
		return env.unwrap()
	}
	return nil
}
