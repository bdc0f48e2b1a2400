package telemetry

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "" +
	"event: message_start\n" +
	`data: {"type":"message_start","message":{"model":"claude-sonnet-4-5","usage":{"input_tokens":10000,"cache_creation_input_tokens":1000,"cache_read_input_tokens":7000}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"{\"output_tokens\":999999,\"input_tokens\":888888}"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":250}}` + "\n\n"

func TestStreamParser_SplitChunksAndEscapedTokenKeys(t *testing.T) {
	// Feeding in 13-byte chunks splits lines and events at arbitrary points;
	// the accumulated usage must be identical to a single-shot feed, and the
	// token-like keys inside text deltas must not pollute the counts.
	parser := NewStreamParser()
	streamBytes := []byte(sampleStream)
	for i := 0; i < len(streamBytes); i += 13 {
		end := i + 13
		if end > len(streamBytes) {
			end = len(streamBytes)
		}
		parser.Feed(streamBytes[i:end])
	}

	usage := parser.Finish()
	assert.Equal(t, int64(10000), usage.InputTokens)
	assert.Equal(t, int64(250), usage.OutputTokens)
	assert.Equal(t, int64(7000), usage.CacheReadTokens)
	assert.Equal(t, int64(1000), usage.CacheCreationTokens)
	assert.Equal(t, "end_turn", usage.StopReason)
	assert.Equal(t, "claude-sonnet-4-5", usage.Model)
}

func TestStreamParser_ChunkBoundaryInvariance(t *testing.T) {
	whole := NewStreamParser()
	whole.Feed([]byte(sampleStream))
	want := whole.Finish()

	for _, size := range []int{1, 2, 3, 7, 64, 1 << 16} {
		parser := NewStreamParser()
		streamBytes := []byte(sampleStream)
		for i := 0; i < len(streamBytes); i += size {
			end := i + size
			if end > len(streamBytes) {
				end = len(streamBytes)
			}
			parser.Feed(streamBytes[i:end])
		}
		assert.Equal(t, want, parser.Finish(), "chunk size %d", size)
	}
}

func TestStreamParser_TwoChunkSplitAtEveryPoint(t *testing.T) {
	stream := []byte("" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":30}}}` + "\n\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":60}}` + "\n\n")

	for i := 0; i <= len(stream); i++ {
		parser := NewStreamParser()
		parser.Feed(stream[:i])
		parser.Feed(stream[i:])
		usage := parser.Finish()
		require.Equal(t, int64(30), usage.InputTokens, "split at %d", i)
		require.Equal(t, int64(60), usage.OutputTokens, "split at %d", i)
	}
}

func TestStreamParser_CRLFAndTrailingPartialEvent(t *testing.T) {
	stream := "" +
		"event: message_start\r\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":42}}}` + "\r\n\r\n" +
		"event: message_delta\r\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":9}}`

	parser := NewStreamParser()
	parser.Feed([]byte(stream))
	usage := parser.Finish()

	assert.Equal(t, int64(42), usage.InputTokens)
	assert.Equal(t, int64(9), usage.OutputTokens)
}

func TestStreamParser_DuplicateMessageStartAccumulates(t *testing.T) {
	stream := "" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":30}}}` + "\n\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":30}}}` + "\n\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":60}}` + "\n\n"

	parser := NewStreamParser()
	parser.Feed([]byte(stream))
	usage := parser.Finish()

	assert.Equal(t, int64(60), usage.InputTokens)
	assert.Equal(t, int64(60), usage.OutputTokens)
}

func TestStreamParser_MalformedDataLineSkipped(t *testing.T) {
	stream := "" +
		"data: {broken json\n\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":5}}` + "\n\n"

	parser := NewStreamParser()
	parser.Feed([]byte(stream))
	usage := parser.Finish()

	assert.Equal(t, int64(5), usage.OutputTokens)
}

func TestStreamParser_StopReasonLastWriteWins(t *testing.T) {
	stream := "" +
		`data: {"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":1}}` + "\n\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}` + "\n\n"

	parser := NewStreamParser()
	parser.Feed([]byte(stream))
	usage := parser.Finish()

	assert.Equal(t, "end_turn", usage.StopReason)
	assert.Equal(t, int64(2), usage.OutputTokens)
}

func TestStreamParser_FinishIsIdempotent(t *testing.T) {
	parser := NewStreamParser()
	parser.Feed([]byte(`data: {"type":"message_delta","usage":{"output_tokens":7}}`))

	first := parser.Finish()
	second := parser.Finish()
	assert.Equal(t, first, second)
	assert.Equal(t, int64(7), first.OutputTokens)
}

func TestStreamTap_ForwardsBytesUnchanged(t *testing.T) {
	var dst bytes.Buffer
	tap := NewStreamTap(&dst, nil)

	streamBytes := []byte(sampleStream)
	for i := 0; i < len(streamBytes); i += 11 {
		end := i + 11
		if end > len(streamBytes) {
			end = len(streamBytes)
		}
		n, err := tap.Write(streamBytes[i:end])
		require.NoError(t, err)
		require.Equal(t, end-i, n)
	}

	assert.Equal(t, streamBytes, dst.Bytes())
	usage := tap.Finish()
	assert.Equal(t, int64(10000), usage.InputTokens)
	assert.Equal(t, int64(250), usage.OutputTokens)
}

func TestStreamTap_CompletionCallbackOnce(t *testing.T) {
	var calls int
	tap := NewStreamTap(&bytes.Buffer{}, func(u Usage) {
		calls++
		assert.Equal(t, int64(3), u.OutputTokens)
	})
	_, err := tap.Write([]byte(`data: {"type":"message_delta","usage":{"output_tokens":3}}` + "\n\n"))
	require.NoError(t, err)

	tap.Finish()
	tap.Finish()
	assert.Equal(t, 1, calls)
}

func TestStreamTap_CallbackPanicContained(t *testing.T) {
	tap := NewStreamTap(&bytes.Buffer{}, func(Usage) {
		panic("boom")
	})
	assert.NotPanics(t, func() { tap.Finish() })
}
