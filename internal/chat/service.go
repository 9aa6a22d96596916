package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/entrepeneur4lyf/notechat/internal/events"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
	"github.com/entrepeneur4lyf/notechat/internal/session"
)

var meter = otel.Meter("notechat.chat")

// ErrEmptyMessage is returned for a request without content
var ErrEmptyMessage = errors.New("message content is required")

// Turn outcomes recorded on metrics and events
const (
	statusCompleted = "completed"
	statusCancelled = "cancelled"
	statusFailed    = "failed"
)

// Request is one user message
type Request struct {
	SessionID    string `json:"sessionId"`
	Content      string `json:"content"`
	UseRetrieval bool   `json:"useRetrieval"`
	ShowThinking bool   `json:"showThinking"`
}

// Reply is the buffered answer to a Request
type Reply struct {
	SessionID  string   `json:"sessionId"`
	Content    string   `json:"content"`
	Sources    []Source `json:"sources"`
	Thinking   string   `json:"thinking,omitempty"`
	ToolRounds int      `json:"toolRounds"`
	Truncated  bool     `json:"truncated,omitempty"`
}

// SessionUpdate holds the fields of a session a client may change. Nil
// fields are left alone.
type SessionUpdate struct {
	Title         *string
	SystemPrompt  *string
	ContextNoteID *string
	Temperature   *float64
	MaxTokens     *int
	Model         *string
	Provider      *string
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithEventBus publishes session, turn and tool events
func WithEventBus(bus *events.Bus) ServiceOption {
	return func(s *Service) { s.bus = bus }
}

// WithDefaultOptions sets generation options used when a session has none
func WithDefaultOptions(opts llm.ChatOptions) ServiceOption {
	return func(s *Service) { s.defaults = opts }
}

// WithEnabled turns the chat feature on or off
func WithEnabled(enabled bool) ServiceOption {
	return func(s *Service) { s.enabled = enabled }
}

// Service runs turns against stored sessions. Turns for one session are
// serialized; different sessions run concurrently.
type Service struct {
	store    *session.Store
	pipeline *Pipeline
	bus      *events.Bus
	defaults llm.ChatOptions
	enabled  bool

	activeMu sync.RWMutex
	active   map[string]*activeTurn

	metricsOnce  sync.Once
	turnCounter  metric.Int64Counter
	turnDuration metric.Float64Histogram
}

type activeTurn struct {
	startTime time.Time
	cancel    context.CancelFunc
}

// NewService creates a chat service
func NewService(store *session.Store, pipeline *Pipeline, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		pipeline: pipeline,
		enabled:  true,
		active:   make(map[string]*activeTurn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) initMetrics() {
	s.metricsOnce.Do(func() {
		var err error
		s.turnCounter, err = meter.Int64Counter("notechat_turns_total",
			metric.WithDescription("Chat turns by outcome"),
		)
		if err != nil {
			log.Warn("Failed to create turn counter", "error", err)
		}
		s.turnDuration, err = meter.Float64Histogram("notechat_turn_duration_seconds",
			metric.WithDescription("Wall-clock time of a chat turn"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Warn("Failed to create turn duration histogram", "error", err)
		}
	})
}

// Store returns the session store
func (s *Service) Store() *session.Store {
	return s.store
}

// CreateSession registers a new session
func (s *Service) CreateSession(ctx context.Context, params session.CreateParams) (*session.Session, error) {
	sess, err := s.store.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	s.publishSession(events.SessionCreated, sess)
	return sess, nil
}

// GetSession returns a copy of a session
func (s *Service) GetSession(ctx context.Context, id string) (*session.Session, error) {
	return s.store.Get(ctx, id)
}

// ListSessions returns session summaries, most recently active first
func (s *Service) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return s.store.List(ctx)
}

// UpdateSession applies a partial update
func (s *Service) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*session.Session, error) {
	sess, err := s.store.Update(ctx, id, func(sess *session.Session) error {
		if upd.Title != nil {
			sess.Title = strings.TrimSpace(*upd.Title)
			if sess.Title == "" {
				sess.Title = session.DefaultTitle
			}
		}
		if upd.SystemPrompt != nil {
			sess.SystemPrompt = *upd.SystemPrompt
		}
		if upd.ContextNoteID != nil {
			sess.ContextNoteID = *upd.ContextNoteID
		}
		if upd.Temperature != nil {
			sess.Metadata.Temperature = llm.Float(*upd.Temperature)
		}
		if upd.MaxTokens != nil {
			sess.Metadata.MaxTokens = *upd.MaxTokens
		}
		if upd.Model != nil {
			sess.Metadata.Model = *upd.Model
		}
		if upd.Provider != nil {
			sess.Metadata.Provider = *upd.Provider
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishSession(events.SessionUpdated, sess)
	return sess, nil
}

// DeleteSession cancels any running turn and removes the session
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	s.Cancel(id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Sessions.Publish(events.SessionDeleted, events.SessionPayload{}, events.WithSessionID(id))
	}
	return nil
}

// Send runs a buffered turn
func (s *Service) Send(ctx context.Context, req Request) (*Reply, error) {
	release, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	turnCtx, done := s.begin(ctx, req.SessionID)
	defer done()
	return s.runTurn(turnCtx, req, nil)
}

// Stream starts a streaming turn. The returned transport always ends with
// one done chunk, also when the turn fails or is cancelled.
func (s *Service) Stream(ctx context.Context, req Request) (*Transport, error) {
	release, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	turnCtx, done := s.begin(ctx, req.SessionID)
	transport := newTransport(turnCtx, req.SessionID)

	go func() {
		defer release()
		defer done()

		reply, err := s.runTurn(transport.ctx, req, transport.send)
		transport.finish(reply, ErrorMessage(err), err)
	}()
	return transport, nil
}

// Cancel stops the running turn of a session. It reports whether a turn
// was running.
func (s *Service) Cancel(sessionID string) bool {
	s.activeMu.RLock()
	turn, ok := s.active[sessionID]
	s.activeMu.RUnlock()

	if ok && turn.cancel != nil {
		log.Info("Cancelling turn", "session", sessionID, "running_for", time.Since(turn.startTime))
		turn.cancel()
	}
	return ok
}

// IsSessionBusy reports whether a turn is running for the session
func (s *Service) IsSessionBusy(sessionID string) bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	_, ok := s.active[sessionID]
	return ok
}

// IsBusy reports whether any turn is running
func (s *Service) IsBusy() bool {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return len(s.active) > 0
}

// Available reports whether chat is enabled and a provider is configured
func (s *Service) Available() bool {
	return s.enabled && s.pipeline.Ready()
}

func (s *Service) check(req Request) error {
	if !s.enabled {
		return llm.NewConfigurationError("chat is disabled")
	}
	if !s.pipeline.Ready() {
		return llm.NewConfigurationError("no provider configured")
	}
	if strings.TrimSpace(req.Content) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// prepare validates the request and waits for the session's turn lock
func (s *Service) prepare(ctx context.Context, req Request) (func(), error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	if _, err := s.store.Get(ctx, req.SessionID); err != nil {
		return nil, err
	}
	return s.store.Acquire(ctx, req.SessionID)
}

func (s *Service) begin(ctx context.Context, sessionID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.activeMu.Lock()
	s.active[sessionID] = &activeTurn{startTime: time.Now(), cancel: cancel}
	s.activeMu.Unlock()

	return ctx, func() {
		s.activeMu.Lock()
		delete(s.active, sessionID)
		s.activeMu.Unlock()
		cancel()
	}
}

// runTurn records the user message, runs the pipeline and records one
// assistant message with whatever text was produced.
func (s *Service) runTurn(ctx context.Context, req Request, forward Sink) (*Reply, error) {
	s.initMetrics()
	start := time.Now()
	streaming := forward != nil

	sess, err := s.store.Update(ctx, req.SessionID, func(sess *session.Session) error {
		sess.Messages = append(sess.Messages, llm.Message{Role: llm.RoleUser, Content: req.Content})
		if session.IsPlaceholderTitle(sess.Title) {
			first, _ := sess.FirstUserMessage()
			sess.Title = session.TitleFromMessage(first)
		}
		sess.IsStreaming = streaming
		return nil
	})
	if err != nil {
		return nil, err
	}

	opts := s.optionsFor(sess)
	s.publishTurn(events.TurnStarted, sess.ID, events.TurnPayload{
		Query:    req.Content,
		Provider: string(s.pipeline.Provider()),
		Model:    opts.Model,
	})

	out, err := s.pipeline.Execute(ctx, Input{
		Messages:     sess.Messages,
		Query:        req.Content,
		SessionID:    sess.ID,
		ScopeID:      sess.ContextNoteID,
		SystemPrompt: sess.SystemPrompt,
		UseRetrieval: req.UseRetrieval,
		ShowThinking: req.ShowThinking,
		Options:      opts,
		Sink:         s.observe(sess.ID, forward),
	})
	if out == nil {
		out = &Output{Sources: []Source{}}
	}

	// a failed call leaves only the user message; a cancelled one keeps its partial text
	text := strings.TrimSpace(out.Text)
	if err != nil && !errors.Is(err, context.Canceled) {
		text = ""
	}
	if _, uerr := s.store.Update(context.WithoutCancel(ctx), sess.ID, func(sess *session.Session) error {
		if text != "" {
			sess.Messages = append(sess.Messages, llm.Message{Role: llm.RoleAssistant, Content: out.Text})
		}
		sess.IsStreaming = false
		return nil
	}); uerr != nil {
		log.Error("Failed to record assistant message", "session", sess.ID, "error", uerr)
	}

	reply := &Reply{
		SessionID:  sess.ID,
		Content:    out.Text,
		Sources:    out.Sources,
		Thinking:   out.Thinking,
		ToolRounds: out.ToolRounds,
		Truncated:  out.Truncated,
	}
	payload := events.TurnPayload{
		Query:      req.Content,
		Provider:   string(s.pipeline.Provider()),
		Model:      opts.Model,
		ToolRounds: out.ToolRounds,
		Sources:    len(out.Sources),
		Truncated:  out.Truncated,
		Seconds:    time.Since(start).Seconds(),
	}

	switch {
	case err == nil:
		s.recordTurn(ctx, statusCompleted, start)
		s.publishTurn(events.TurnCompleted, sess.ID, payload)
		log.Info("Turn completed", "session", sess.ID, "tool_rounds", out.ToolRounds, "sources", len(out.Sources), "truncated", out.Truncated)
		return reply, nil

	case errors.Is(err, context.Canceled):
		s.recordTurn(ctx, statusCancelled, start)
		s.publishTurn(events.TurnCancelled, sess.ID, payload)
		log.Info("Turn cancelled", "session", sess.ID, "partial_chars", len(out.Text))
		// a cancelled turn is not a failure; the partial answer stands
		return reply, nil

	default:
		payload.Error = err.Error()
		s.recordTurn(ctx, statusFailed, start)
		s.publishTurn(events.TurnFailed, sess.ID, payload)
		log.Error("Turn failed", "session", sess.ID, "error", err)
		return reply, err
	}
}

// optionsFor overlays session metadata on the service defaults
func (s *Service) optionsFor(sess *session.Session) llm.ChatOptions {
	opts := s.defaults
	opts.Tools = nil
	if sess.Metadata.Temperature != nil {
		opts.Temperature = llm.Float(*sess.Metadata.Temperature)
	}
	if sess.Metadata.MaxTokens > 0 {
		opts.MaxTokens = sess.Metadata.MaxTokens
	}
	if sess.Metadata.Model != "" {
		opts.Model = sess.Metadata.Model
	}
	return opts
}

// observe publishes tool events and forwards chunks to the stream, if any
func (s *Service) observe(sessionID string, forward Sink) Sink {
	return func(chunk StreamChunk) {
		if te := chunk.ToolExecution; te != nil && te.Action != agent.ActionStart && s.bus != nil {
			s.bus.Tools.Publish(events.ToolExecuted, events.ToolPayload{
				Tool:       te.Tool,
				ToolCallID: te.ToolCallID,
				Failed:     te.Action == agent.ActionError,
				DurationMS: te.DurationMS,
			}, events.WithSessionID(sessionID))
		}
		if forward != nil {
			forward(chunk)
		}
	}
}

func (s *Service) recordTurn(ctx context.Context, status string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("provider", string(s.pipeline.Provider())),
	)
	ctx = context.WithoutCancel(ctx)
	if s.turnCounter != nil {
		s.turnCounter.Add(ctx, 1, attrs)
	}
	if s.turnDuration != nil {
		s.turnDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (s *Service) publishTurn(t events.EventType, sessionID string, payload events.TurnPayload) {
	if s.bus != nil {
		s.bus.Turns.Publish(t, payload, events.WithSessionID(sessionID))
	}
}

func (s *Service) publishSession(t events.EventType, sess *session.Session) {
	if s.bus != nil {
		s.bus.Sessions.Publish(t, events.SessionPayload{Title: sess.Title}, events.WithSessionID(sess.ID))
	}
}

// ErrorMessage maps a turn error to the text shown to users
func ErrorMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case llm.IsConfigurationError(err):
		return llm.DisabledMessage
	case llm.IsProviderError(err):
		return llm.ProviderErrorMessage
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrBusy), errors.Is(err, ErrEmptyMessage):
		return err.Error()
	default:
		return llm.ProviderErrorMessage
	}
}
