package llm

import (
	"context"
	"strings"
	"time"
)

// ApiStream represents a stream of API response chunks
type ApiStream <-chan ApiStreamChunk

// ApiStreamChunk represents different types of streaming responses
type ApiStreamChunk interface {
	Type() string
}

// ApiStreamTextChunk represents text content in the stream
type ApiStreamTextChunk struct {
	Text string `json:"text"`
}

func (c ApiStreamTextChunk) Type() string { return "text" }

// ApiStreamReasoningChunk represents reasoning/thinking content
type ApiStreamReasoningChunk struct {
	Reasoning string `json:"reasoning"`
}

func (c ApiStreamReasoningChunk) Type() string { return "reasoning" }

// ApiStreamToolCallChunk carries one complete tool call
type ApiStreamToolCallChunk struct {
	ToolCall ToolCall `json:"toolCall"`
}

func (c ApiStreamToolCallChunk) Type() string { return "tool_call" }

// ApiStreamUsageChunk represents token usage information
type ApiStreamUsageChunk struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (c ApiStreamUsageChunk) Type() string { return "usage" }

// ApiStreamErrorChunk reports a failure after the stream started
type ApiStreamErrorChunk struct {
	Err error `json:"-"`
}

func (c ApiStreamErrorChunk) Type() string { return "error" }

// StreamCollector collects and aggregates stream chunks
type StreamCollector struct {
	text      strings.Builder
	reasoning strings.Builder
	ToolCalls []ToolCall
	Usage     *ApiStreamUsageChunk
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// NewStreamCollector creates a new stream collector
func NewStreamCollector() *StreamCollector {
	return &StreamCollector{StartTime: time.Now()}
}

// Collect processes a stream chunk and adds it to the collector
func (sc *StreamCollector) Collect(chunk ApiStreamChunk) {
	switch c := chunk.(type) {
	case ApiStreamTextChunk:
		sc.text.WriteString(c.Text)
	case ApiStreamReasoningChunk:
		sc.reasoning.WriteString(c.Reasoning)
	case ApiStreamToolCallChunk:
		sc.ToolCalls = append(sc.ToolCalls, c.ToolCall)
	case ApiStreamUsageChunk:
		sc.Usage = &c
	case ApiStreamErrorChunk:
		sc.Err = c.Err
	}
}

// Text returns the complete text from all text chunks
func (sc *StreamCollector) Text() string {
	return sc.text.String()
}

// Reasoning returns the complete reasoning from all reasoning chunks
func (sc *StreamCollector) Reasoning() string {
	return sc.reasoning.String()
}

// Duration returns the total duration of the stream
func (sc *StreamCollector) Duration() time.Duration {
	if sc.EndTime.IsZero() {
		return time.Since(sc.StartTime)
	}
	return sc.EndTime.Sub(sc.StartTime)
}

// CollectStream drains a stream. The callback, when set, sees every chunk
// as it arrives. A mid-stream provider failure is returned as a ProviderError.
func CollectStream(ctx context.Context, stream ApiStream, callback func(ApiStreamChunk)) (*StreamCollector, error) {
	collector := NewStreamCollector()
	defer func() { collector.EndTime = time.Now() }()

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				if collector.Err != nil {
					return collector, collector.Err
				}
				return collector, nil
			}
			collector.Collect(chunk)
			if callback != nil {
				callback(chunk)
			}
		case <-ctx.Done():
			return collector, ctx.Err()
		}
	}
}

// Emit sends a chunk unless the context is done. It reports whether the
// chunk was delivered so producers can stop early.
func Emit(ctx context.Context, out chan<- ApiStreamChunk, chunk ApiStreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// StreamBuffer replays a fixed list of chunks as a stream
type StreamBuffer struct {
	chunks []ApiStreamChunk
}

// NewStreamBuffer creates a new stream buffer
func NewStreamBuffer(chunks ...ApiStreamChunk) *StreamBuffer {
	return &StreamBuffer{chunks: chunks}
}

// Add adds a chunk to the buffer
func (sb *StreamBuffer) Add(chunk ApiStreamChunk) {
	sb.chunks = append(sb.chunks, chunk)
}

// ToChannel converts the buffer to a channel
func (sb *StreamBuffer) ToChannel() ApiStream {
	ch := make(chan ApiStreamChunk, len(sb.chunks))
	for _, chunk := range sb.chunks {
		ch <- chunk
	}
	close(ch)
	return ch
}

// Complete runs a request and returns the collected text. Tool calls in the
// response are ignored.
func Complete(ctx context.Context, handler ApiHandler, messages []Message, opts ChatOptions) (string, error) {
	stream, err := handler.CreateMessage(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	collector, err := CollectStream(ctx, stream, nil)
	if err != nil {
		return "", err
	}
	return collector.Text(), nil
}
