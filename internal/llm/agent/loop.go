// Package agent runs the bounded provider and tool-call loop for one turn.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/tools"
)

const (
	// DefaultMaxIterations bounds provider calls per turn
	DefaultMaxIterations = 5
	DefaultToolTimeout   = 30 * time.Second
)

var meter = otel.Meter("notechat.agent")

// State of the loop
type State int

const (
	AwaitingProvider State = iota
	ExecutingTools
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingProvider:
		return "awaiting_provider"
	case ExecutingTools:
		return "executing_tools"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tool execution actions
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionError    = "error"
)

// ToolExecutionEvent reports tool progress while a round runs
type ToolExecutionEvent struct {
	Action     string         `json:"action"`
	Tool       string         `json:"tool"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
}

// Event is one unit of incremental output. Exactly one field is set.
type Event struct {
	Delta         string
	Reasoning     string
	ToolExecution *ToolExecutionEvent
}

// Deliver receives events as they are produced. Buffered callers pass nil.
type Deliver func(Event)

// Result of a turn
type Result struct {
	Text string
	// Messages holds the assistant tool-call and tool-result messages of
	// every executed round, in order.
	Messages   []llm.Message
	ToolRounds int
	Iterations int
	Truncated  bool
}

// Option configures a ToolLoop
type Option func(*ToolLoop)

func WithMaxIterations(n int) Option {
	return func(l *ToolLoop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithToolTimeout(d time.Duration) Option {
	return func(l *ToolLoop) {
		if d > 0 {
			l.toolTimeout = d
		}
	}
}

// ToolLoop calls the provider, executes requested tools and calls the
// provider again until it answers without tools or the ceiling is hit.
type ToolLoop struct {
	handler       llm.ApiHandler
	registry      *tools.ToolRegistry
	maxIterations int
	toolTimeout   time.Duration

	metricsOnce  sync.Once
	toolDuration metric.Float64Histogram
}

func NewToolLoop(handler llm.ApiHandler, registry *tools.ToolRegistry, opts ...Option) *ToolLoop {
	l := &ToolLoop{
		handler:       handler,
		registry:      registry,
		maxIterations: DefaultMaxIterations,
		toolTimeout:   DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxIterations returns the configured ceiling
func (l *ToolLoop) MaxIterations() int {
	return l.maxIterations
}

func (l *ToolLoop) initMetrics() {
	l.metricsOnce.Do(func() {
		var err error
		l.toolDuration, err = meter.Float64Histogram("notechat_tool_duration_seconds",
			metric.WithDescription("Wall-clock time spent executing a tool call"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Warn("Failed to create tool duration histogram", "error", err)
		}
	})
}

// Run drives the turn. opts.Tools is replaced by the registry's tools.
// On error the result still carries the text accumulated so far.
func (l *ToolLoop) Run(ctx context.Context, messages []llm.Message, opts llm.ChatOptions, deliver Deliver) (*Result, error) {
	if l.handler == nil {
		return nil, llm.NewConfigurationError("no provider configured")
	}
	if deliver == nil {
		deliver = func(Event) {}
	}
	l.initMetrics()

	opts.Tools = l.registry.Definitions()
	conversation := append([]llm.Message(nil), messages...)
	result := &Result{}

	var lastText string
	state := AwaitingProvider
	iteration := 1

	for state != Done {
		result.Iterations = iteration
		round, err := l.callProvider(ctx, conversation, opts, deliver)
		if round.text != "" {
			lastText = round.text
		}
		if err != nil {
			result.Text = lastText
			return result, err
		}

		switch {
		case len(round.toolCalls) == 0:
			if len(opts.Tools) > 0 {
				flush(deliver, round.text)
			}
			result.Text = round.text
			state = Done

		case iteration >= l.maxIterations:
			log.Warn("Tool loop reached its iteration ceiling", "iterations", iteration, "pending_calls", len(round.toolCalls))
			result.Text = lastText
			result.Truncated = true
			flush(deliver, lastText)
			state = Done

		default:
			state = ExecutingTools
			roundMessages := l.executeRound(ctx, round, deliver)
			conversation = append(conversation, roundMessages...)
			result.Messages = append(result.Messages, roundMessages...)
			result.ToolRounds++
			if err := ctx.Err(); err != nil {
				result.Text = lastText
				return result, err
			}
			iteration++
			state = AwaitingProvider
		}
	}

	log.Debug("Tool loop finished", "iterations", result.Iterations, "tool_rounds", result.ToolRounds, "truncated", result.Truncated)
	return result, nil
}

type providerRound struct {
	text      string
	toolCalls []llm.ToolCall
}

// callProvider streams one provider response. Text is forwarded live only
// when no tools are offered; otherwise it is held until the round is known
// to be final.
func (l *ToolLoop) callProvider(ctx context.Context, messages []llm.Message, opts llm.ChatOptions, deliver Deliver) (providerRound, error) {
	live := len(opts.Tools) == 0

	stream, err := l.handler.CreateMessage(ctx, messages, opts)
	if err != nil {
		return providerRound{}, l.providerError(ctx, err)
	}
	collector, err := llm.CollectStream(ctx, stream, func(chunk llm.ApiStreamChunk) {
		switch c := chunk.(type) {
		case llm.ApiStreamTextChunk:
			if live && c.Text != "" {
				deliver(Event{Delta: c.Text})
			}
		case llm.ApiStreamReasoningChunk:
			if c.Reasoning != "" {
				deliver(Event{Reasoning: c.Reasoning})
			}
		}
	})
	round := providerRound{}
	if collector != nil {
		round.text = collector.Text()
		round.toolCalls = collector.ToolCalls
	}
	if err != nil {
		return round, l.providerError(ctx, err)
	}
	return round, ctx.Err()
}

func (l *ToolLoop) providerError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return llm.NewProviderError(l.handler.Provider(), err)
}

func flush(deliver Deliver, text string) {
	if text != "" {
		deliver(Event{Delta: text})
	}
}

// executeRound runs every requested tool in order and returns the assistant
// tool-call message followed by one result message per call.
func (l *ToolLoop) executeRound(ctx context.Context, round providerRound, deliver Deliver) []llm.Message {
	calls := make([]llm.ToolCall, len(round.toolCalls))
	for i, call := range round.toolCalls {
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		calls[i] = call
	}

	out := make([]llm.Message, 0, len(calls)+2)
	out = append(out, llm.Message{Role: llm.RoleAssistant, Content: round.text, ToolCalls: calls})

	var emptyTools []string
	for _, call := range calls {
		content, empty := l.executeOne(ctx, call, deliver)
		if empty {
			emptyTools = append(emptyTools, call.Name)
		}
		out = append(out, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    content,
		})
	}

	if len(emptyTools) > 0 {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: tools.EmptyResultDirective(emptyTools)})
	}
	return out
}

// executeOne never fails: resolution and execution errors become result
// content the provider can react to.
func (l *ToolLoop) executeOne(ctx context.Context, call llm.ToolCall, deliver Deliver) (content string, empty bool) {
	var info tools.ToolInfo
	if tool, ok := l.registry.GetTool(call.Name); ok {
		info = tool.Info()
	}
	args := tools.ParseArguments(call, info)
	deliver(Event{ToolExecution: &ToolExecutionEvent{
		Action:     ActionStart,
		Tool:       call.Name,
		ToolCallID: call.ID,
		Args:       args,
	}})

	start := time.Now()
	resp, err := l.runTool(ctx, call)
	elapsed := time.Since(start)

	status := "ok"
	event := &ToolExecutionEvent{Tool: call.Name, ToolCallID: call.ID, DurationMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		status = "error"
		content = tools.ErrorContent(call.Name, err.Error(), l.registry.Names())
		event.Action = ActionError
		event.Error = err.Error()
	case resp.IsError:
		status = "error"
		content = tools.ErrorContent(call.Name, resp.Content, l.registry.Names())
		event.Action = ActionError
		event.Error = resp.Content
	default:
		content = resp.Content
		if tools.IsEmptyResult(call.Name, content) {
			empty = true
			content += tools.EmptyResultNote
		}
		event.Action = ActionComplete
		event.Result = content
	}

	log.Debug("Tool executed", "tool", call.Name, "id", call.ID, "status", status, "duration", elapsed)
	if l.toolDuration != nil {
		l.toolDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("status", status),
		))
	}
	deliver(Event{ToolExecution: event})
	return content, empty
}

func (l *ToolLoop) runTool(ctx context.Context, call llm.ToolCall) (resp tools.ToolResponse, err error) {
	tool, ok := l.registry.GetTool(call.Name)
	if !ok {
		return tools.ToolResponse{}, fmt.Errorf("Tool not found: %s", call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Tool panicked", "tool", call.Name, "panic", r)
			err = fmt.Errorf("tool %s failed: %v", call.Name, r)
		}
	}()

	toolCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	resp, err = tool.Run(toolCtx, tools.Resolve(call, tool.Info()))
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("tool %s timed out after %s", call.Name, l.toolTimeout)
	}
	return resp, err
}
