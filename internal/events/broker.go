package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	defaultBufferSize = 64
	defaultMaxEvents  = 1000
)

// Broker is a typed publish-subscribe hub. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Broker[T any] struct {
	subs       map[chan Event[T]]subscriber
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int

	maxEvents int
	history   []Event[T]
	historyMu sync.RWMutex
}

type subscriber struct {
	id      string
	filters []EventFilter
}

// NewBroker creates a broker with default buffer and history sizes
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, defaultMaxEvents)
}

func NewBrokerWithOptions[T any](channelBufferSize, maxEvents int) *Broker[T] {
	return &Broker[T]{
		subs:       make(map[chan Event[T]]subscriber),
		done:       make(chan struct{}),
		bufferSize: channelBufferSize,
		maxEvents:  maxEvents,
		history:    make([]Event[T], 0, min(maxEvents, 64)),
	}
}

// Publish sends an event to every matching subscriber
func (b *Broker[T]) Publish(eventType EventType, payload T, opts ...PublishOption) {
	if b == nil || b.isShutdown() {
		return
	}

	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}
	event := Event[T]{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		SessionID: options.sessionID,
	}
	b.addToHistory(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		if !matches(event, sub.filters) {
			continue
		}
		select {
		case ch <- event:
		default:
			log.Warn("Event channel full, dropping event", "subscriber", sub.id, "type", event.Type)
		}
	}
}

// Subscribe returns a channel of matching events, closed when ctx is done
// or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event[T], b.bufferSize)
	if b.isShutdown() {
		close(ch)
		return ch
	}
	b.subs[ch] = subscriber{id: uuid.NewString(), filters: filters}

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()
	return ch
}

func (b *Broker[T]) unsubscribe(ch chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func matches[T any](event Event[T], filters []EventFilter) bool {
	for _, filter := range filters {
		if !filter(event.Type, event.SessionID) {
			return false
		}
	}
	return true
}

func (b *Broker[T]) addToHistory(event Event[T]) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	b.history = append(b.history, event)
	if over := len(b.history) - b.maxEvents; over > 0 {
		b.history = append(b.history[:0], b.history[over:]...)
	}
}

// History returns retained events matching the filters, oldest first
func (b *Broker[T]) History(filters ...EventFilter) []Event[T] {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	var out []Event[T]
	for _, event := range b.history {
		if matches(event, filters) {
			out = append(out, event)
		}
	}
	return out
}

// SubscriberCount returns the number of live subscriptions
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker[T]) isShutdown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Shutdown closes every subscription. Later publishes are dropped.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown() {
		return
	}
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	log.Debug("Event broker shut down")
}

func (b *Broker[T]) String() string {
	b.historyMu.RLock()
	n := len(b.history)
	b.historyMu.RUnlock()
	return fmt.Sprintf("Broker[subscribers=%d, history=%d, shutdown=%v]", b.SubscriberCount(), n, b.isShutdown())
}
