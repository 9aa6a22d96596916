// Package chat runs retrieval-augmented chat turns against a session.
package chat

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
	"github.com/entrepeneur4lyf/notechat/internal/llm/agent"
	"github.com/entrepeneur4lyf/notechat/internal/llm/formatter"
	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
	"github.com/entrepeneur4lyf/notechat/internal/retrieval"
)

// Retriever finds notes for a set of search queries
type Retriever interface {
	FindRelevant(ctx context.Context, queries []string, scopeID string, maxResults int, summarize bool) []retrieval.Item
}

// Source is a retrieved note that was placed in the provider's context
type Source struct {
	EntityID   string  `json:"entityId"`
	Title      string  `json:"title"`
	Similarity float64 `json:"similarity"`
}

// PipelineConfig tunes retrieval for every turn
type PipelineConfig struct {
	QueryMode          query.Mode
	DecomposeThreshold int
	MaxResults         int
	SystemPrompt       string
}

// Input is one turn. Messages already end with the user's question.
type Input struct {
	Messages     []llm.Message
	Query        string
	SessionID    string
	ScopeID      string
	SystemPrompt string
	UseRetrieval bool
	ShowThinking bool
	Options      llm.ChatOptions
	// Sink receives deltas, thinking and tool progress. Nil means buffered.
	Sink Sink
}

// Output is the outcome of a turn. On error Text holds whatever was
// produced before the failure.
type Output struct {
	Text       string
	Sources    []Source
	ToolRounds int
	Truncated  bool
	Thinking   string
}

// Pipeline wires query processing, retrieval, formatting and the tool loop
type Pipeline struct {
	handler   llm.ApiHandler
	processor *query.Processor
	retriever Retriever
	loop      *agent.ToolLoop
	config    PipelineConfig
}

// NewPipeline creates a pipeline. retriever and processor may be nil, in
// which case every turn skips retrieval.
func NewPipeline(handler llm.ApiHandler, processor *query.Processor, retriever Retriever, loop *agent.ToolLoop, cfg PipelineConfig) *Pipeline {
	if cfg.QueryMode == "" {
		cfg.QueryMode = query.ModeEnhance
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = retrieval.DefaultMaxResults
	}
	return &Pipeline{
		handler:   handler,
		processor: processor,
		retriever: retriever,
		loop:      loop,
		config:    cfg,
	}
}

// Ready reports whether a provider is configured
func (p *Pipeline) Ready() bool {
	return p != nil && p.handler != nil && p.loop != nil
}

// Provider returns the configured provider
func (p *Pipeline) Provider() llm.ProviderType {
	if !p.Ready() {
		return ""
	}
	return p.handler.Provider()
}

// Execute runs one turn
func (p *Pipeline) Execute(ctx context.Context, in Input) (*Output, error) {
	if !p.Ready() {
		return nil, llm.NewConfigurationError("no provider configured")
	}

	f := formatter.ForProvider(p.handler.Provider())
	out := &Output{Sources: []Source{}}
	var noteContext string
	if in.UseRetrieval && p.retriever != nil && p.processor != nil {
		noteContext = formatter.TruncateContext(f, p.retrieve(ctx, in, f.MaxContextLength(), out))
	} else if in.UseRetrieval {
		log.Warn("Retrieval requested but not configured", "session", in.SessionID)
	}

	systemPrompt := in.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = p.config.SystemPrompt
	}
	messages := f.Format(in.Messages, systemPrompt, noteContext)

	log.Debug("Calling provider",
		"session", in.SessionID,
		"provider", p.handler.Provider(),
		"family", f.Family(),
		"messages", len(messages),
		"context_chars", len(noteContext),
	)

	result, err := p.loop.Run(ctx, messages, in.Options, deliverTo(in.Sink))
	if result != nil {
		out.Text = result.Text
		out.ToolRounds = result.ToolRounds
		out.Truncated = result.Truncated
	}
	return out, err
}

// retrieve fills Sources and Thinking and returns the context to inject.
// Only notes that fit in limit become sources.
func (p *Pipeline) retrieve(ctx context.Context, in Input, limit int, out *Output) string {
	plan := p.processor.Process(ctx, in.Query, p.config.QueryMode, p.config.DecomposeThreshold, "")
	found := p.retriever.FindRelevant(ctx, plan.Queries, in.ScopeID, p.config.MaxResults, false)
	noteContext, items := retrieval.FitContext(found, in.Query, limit)

	log.Info("Retrieved notes", "session", in.SessionID, "queries", len(plan.Queries), "found", len(found), "used", len(items))

	for _, item := range items {
		out.Sources = append(out.Sources, Source{EntityID: item.EntityID, Title: item.Title, Similarity: item.Similarity})
	}
	if in.ShowThinking {
		out.Thinking = retrieval.BuildThinking(in.Query, plan.Decomposed, plan.Queries, items)
		if in.Sink != nil {
			in.Sink(StreamChunk{Thinking: out.Thinking})
		}
	}
	return noteContext
}

func deliverTo(sink Sink) agent.Deliver {
	if sink == nil {
		return nil
	}
	return func(e agent.Event) {
		switch {
		case e.Delta != "":
			sink(StreamChunk{Content: e.Delta})
		case e.Reasoning != "":
			sink(StreamChunk{Thinking: e.Reasoning})
		case e.ToolExecution != nil:
			sink(StreamChunk{ToolExecution: e.ToolExecution})
		}
	}
}
