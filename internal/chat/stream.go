package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
)

const transportBufferSize = 64

// StreamChunk is one unit of streamed output. The last chunk of a turn has
// Done set and carries the full answer in Content.
type StreamChunk struct {
	SessionID     string                    `json:"sessionId"`
	Content       string                    `json:"content,omitempty"`
	Thinking      string                    `json:"thinking,omitempty"`
	ToolExecution *agent.ToolExecutionEvent `json:"toolExecution,omitempty"`
	Done          bool                      `json:"done"`
	Error         string                    `json:"error,omitempty"`
	Truncated     bool                      `json:"truncated,omitempty"`
	Sources       []Source                  `json:"sources,omitempty"`
}

// Sink receives chunks in order
type Sink func(StreamChunk)

// Transport delivers the chunks of one streaming turn in order and always
// ends with exactly one done chunk, after which the channel is closed.
type Transport struct {
	sessionID string
	chunks    chan StreamChunk
	cancel    context.CancelFunc
	ctx       context.Context

	mu       sync.Mutex
	text     strings.Builder
	finished bool

	closeOnce sync.Once
	detached  chan struct{}
	done      chan struct{}
	reply     *Reply
	err       error
}

func newTransport(ctx context.Context, sessionID string) *Transport {
	ctx, cancel := context.WithCancel(ctx)
	return &Transport{
		sessionID: sessionID,
		chunks:    make(chan StreamChunk, transportBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		detached:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session the turn belongs to
func (t *Transport) SessionID() string {
	return t.sessionID
}

// Chunks returns the chunk channel. It is closed after the done chunk.
func (t *Transport) Chunks() <-chan StreamChunk {
	return t.chunks
}

// Cancel stops the turn. The done chunk is still delivered.
func (t *Transport) Cancel() {
	t.cancel()
}

// Close cancels the turn and tells the producer nobody is reading any more
func (t *Transport) Close() {
	t.cancel()
	t.closeOnce.Do(func() { close(t.detached) })
}

// Wait blocks until the turn finished and returns its outcome
func (t *Transport) Wait() (*Reply, error) {
	<-t.done
	return t.reply, t.err
}

// Text returns the deltas forwarded so far
func (t *Transport) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// send forwards an intermediate chunk. After cancellation nothing more is
// forwarded.
func (t *Transport) send(chunk StreamChunk) {
	if t.ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	if chunk.Content != "" {
		t.text.WriteString(chunk.Content)
	}
	t.mu.Unlock()

	chunk.SessionID = t.sessionID
	chunk.Done = false
	select {
	case t.chunks <- chunk:
	case <-t.ctx.Done():
	case <-t.detached:
	}
}

// finish emits the done chunk and closes the channel. Only the first call
// has any effect.
func (t *Transport) finish(reply *Reply, errMessage string, err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.mu.Unlock()

	final := StreamChunk{SessionID: t.sessionID, Done: true, Error: errMessage}
	if reply != nil {
		final.Content = reply.Content
		final.Truncated = reply.Truncated
		final.Sources = reply.Sources
	}
	select {
	case t.chunks <- final:
	case <-t.detached:
	}
	close(t.chunks)

	t.reply, t.err = reply, err
	close(t.done)
	t.cancel()
}
