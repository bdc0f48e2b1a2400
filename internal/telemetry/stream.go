// Incremental SSE stream tap.
//
// DESIGN: The tap forwards every byte to its destination unchanged while a
// line-oriented parser reconstructs "event:" / "data:" records on the side.
// The parser buffers at most one partial line between chunks, so arbitrary
// chunk boundaries (including splits mid-line or mid-event) never change the
// forwarded bytes or the final accumulated usage.
//
// State machine: ACCUMULATING_LINE -> COMPLETE_EVENT (repeat) -> FLUSH.
// On Finish, any trailing partial record still buffered is parsed before the
// usage is finalized.
package telemetry

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
)

// sseEvent is the subset of an Anthropic stream event we read.
type sseEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// StreamParser incrementally reassembles SSE records and accumulates usage.
// It only reads structured "data: {json}" payloads, so arbitrary text that
// happens to contain token-like key names cannot pollute the counts.
type StreamParser struct {
	lineBuf   []byte
	eventName string
	dataLines [][]byte
	usage     Usage
	finished  bool
}

// NewStreamParser returns a parser with empty accumulated usage.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Feed consumes the next chunk of the stream. Safe to call with chunks split
// at any byte boundary.
func (p *StreamParser) Feed(chunk []byte) {
	p.lineBuf = append(p.lineBuf, chunk...)
	for {
		idx := bytes.IndexByte(p.lineBuf, '\n')
		if idx < 0 {
			return
		}
		line := p.lineBuf[:idx]
		p.lineBuf = p.lineBuf[idx+1:]
		p.handleLine(bytes.TrimSuffix(line, []byte("\r")))
	}
}

// Finish parses any trailing partial record and returns the final usage.
// Subsequent calls return the same value without reparsing.
func (p *StreamParser) Finish() Usage {
	if p.finished {
		return p.usage
	}
	p.finished = true

	// A stream that ended without a trailing newline or blank line may still
	// hold a complete data line and an unterminated event.
	if len(p.lineBuf) > 0 {
		p.handleLine(bytes.TrimSuffix(p.lineBuf, []byte("\r")))
		p.lineBuf = nil
	}
	p.completeEvent()
	return p.usage
}

// Usage returns the counts accumulated so far.
func (p *StreamParser) Usage() Usage {
	return p.usage
}

func (p *StreamParser) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	switch {
	case len(trimmed) == 0:
		p.completeEvent()
	case bytes.HasPrefix(trimmed, []byte("event:")):
		p.eventName = string(bytes.TrimSpace(trimmed[len("event:"):]))
	case bytes.HasPrefix(trimmed, []byte("data:")):
		payload := bytes.TrimSpace(trimmed[len("data:"):])
		if len(payload) > 0 && !bytes.Equal(payload, []byte("[DONE]")) {
			// Copy: lineBuf is reused across Feed calls.
			p.dataLines = append(p.dataLines, append([]byte(nil), payload...))
		}
	}
	// Other field names (id:, retry:, comments) are ignored.
}

func (p *StreamParser) completeEvent() {
	dataLines := p.dataLines
	eventName := p.eventName
	p.dataLines = nil
	p.eventName = ""

	// Malformed individual data lines must not abort subsequent parsing,
	// so each line is decoded independently.
	for _, data := range dataLines {
		var evt sseEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		kind := evt.Type
		if kind == "" {
			kind = eventName
		}
		p.applyEvent(kind, evt)
	}
}

func (p *StreamParser) applyEvent(kind string, evt sseEvent) {
	switch kind {
	case "message_start":
		// Accumulate by addition so duplicated start events are not lost.
		p.usage.InputTokens += max64(evt.Message.Usage.InputTokens, 0)
		p.usage.CacheReadTokens += max64(evt.Message.Usage.CacheReadInputTokens, 0)
		p.usage.CacheCreationTokens += max64(evt.Message.Usage.CacheCreationInputTokens, 0)
		if evt.Message.Model != "" {
			p.usage.Model = evt.Message.Model
		}
	case "message_delta":
		p.usage.OutputTokens += max64(evt.Usage.OutputTokens, 0)
		if evt.Delta.StopReason != "" {
			// Last write wins.
			p.usage.StopReason = evt.Delta.StopReason
		}
	}
	// Unrecognized event kinds (content_block_delta, ping, ...) are ignored.
}

// StreamTap is a pass-through writer that taps an SSE response.
// Bytes written to it are forwarded to dst unchanged; the embedded parser
// accumulates usage concurrently. Finish finalizes the usage exactly once and
// hands it to the completion callback.
type StreamTap struct {
	dst        io.Writer
	parser     *StreamParser
	onComplete func(Usage)
	done       bool
}

// NewStreamTap wraps dst. onComplete may be nil.
func NewStreamTap(dst io.Writer, onComplete func(Usage)) *StreamTap {
	return &StreamTap{
		dst:        dst,
		parser:     NewStreamParser(),
		onComplete: onComplete,
	}
}

// Write forwards p to the destination and feeds whatever was accepted to the
// parser. The parse side never injects errors into the byte path.
func (t *StreamTap) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)
	if n > 0 {
		t.parser.Feed(p[:n])
	}
	return n, err
}

// Usage returns the counts accumulated so far without finalizing the tap.
func (t *StreamTap) Usage() Usage {
	return t.parser.Usage()
}

// Finish flushes the trailing partial record, invokes the completion callback
// exactly once, and returns the final usage. A panic inside the callback is
// contained and logged; it never propagates back into the pass-through path.
func (t *StreamTap) Finish() Usage {
	usage := t.parser.Finish()
	if t.done {
		return usage
	}
	t.done = true

	if t.onComplete != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("stream tap: completion callback panicked")
				}
			}()
			t.onComplete(usage)
		}()
	}
	return usage
}
