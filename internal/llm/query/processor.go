// Package query rewrites user questions into search phrasings and breaks
// complex questions into sub-queries.
package query

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

const searchQueriesPrompt = `You are an AI assistant that decides what information needs to be retrieved from a user's knowledge base called Notechat to answer the user's question.
Given the user's question, generate 3-5 specific search queries that would help find relevant information.
Each query should be focused on a different aspect of the question.
Avoid generating queries that are too broad, vague, or about a user's entire note collection, and make sure they are relevant to the user's question.
Format your answer as a JSON array of strings, with each string being a search query.
Example: ["exact topic mentioned", "related concept 1", "related concept 2"]`

const (
	queryTemperature = 0.3
	queryMaxTokens   = 300
	minSubQueries    = 3
)

// Mode selects how a question is turned into search queries
type Mode string

const (
	ModeEnhance   Mode = "enhance"
	ModeDecompose Mode = "decompose"
	// ModeAuto decomposes when the question's complexity reaches the threshold
	ModeAuto Mode = "auto"
)

// ParseMode validates a mode name; empty means enhance
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeEnhance, nil
	case ModeEnhance, ModeDecompose, ModeAuto:
		return m, nil
	}
	return "", fmt.Errorf("unknown query mode %q", s)
}

// Status tracks how far a decomposition has been answered
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// SubQuery is one focused aspect of a decomposed question
type SubQuery struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Reason     string `json:"reason"`
	IsAnswered bool   `json:"isAnswered"`
	Answer     string `json:"answer,omitempty"`
}

// Decomposed is a question split into sub-queries
type Decomposed struct {
	OriginalQuery string     `json:"originalQuery"`
	SubQueries    []SubQuery `json:"subQueries"`
	Status        Status     `json:"status"`
	Complexity    int        `json:"complexity"`
}

// Texts returns the sub-query texts in order
func (d *Decomposed) Texts() []string {
	out := make([]string, len(d.SubQueries))
	for i, sq := range d.SubQueries {
		out[i] = sq.Text
	}
	return out
}

// Plan is the outcome of processing a question for retrieval
type Plan struct {
	Queries    []string
	Decomposed *Decomposed
	Complexity int
}

// Processor generates search phrasings with the configured provider.
// It is safe for concurrent use.
type Processor struct {
	handler    llm.ApiHandler
	cache      *Cache
	strategies []ParseStrategy
	counter    atomic.Uint64
	now        func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithCache shares a query cache between processors
func WithCache(c *Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithStrategies replaces the reply parsing order
func WithStrategies(strategies ...ParseStrategy) Option {
	return func(p *Processor) { p.strategies = strategies }
}

// NewProcessor creates a processor backed by handler
func NewProcessor(handler llm.ApiHandler, opts ...Option) *Processor {
	p := &Processor{
		handler:    handler,
		cache:      NewCache(),
		strategies: DefaultStrategies,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process turns a question into search queries according to mode
func (p *Processor) Process(ctx context.Context, question string, mode Mode, threshold int, noteContext string) Plan {
	complexity := Complexity(question)
	if mode == ModeDecompose || (mode == ModeAuto && complexity >= threshold) {
		d := p.Decompose(ctx, question, noteContext)
		return Plan{Queries: d.Texts(), Decomposed: d, Complexity: d.Complexity}
	}
	return Plan{Queries: p.Enhance(ctx, question), Complexity: complexity}
}

// Enhance asks the provider for 3 to 5 search phrasings of the question.
// It never fails; when nothing usable comes back the question itself is
// the only query.
func (p *Processor) Enhance(ctx context.Context, question string) []string {
	if cached, ok := p.cache.Get(question); ok {
		log.Debug("Using cached search queries", "question", question, "count", len(cached))
		return cached
	}

	reply, err := p.ask(ctx, question, "")
	if err != nil {
		log.Error("Error generating search queries", "error", err)
		return []string{question}
	}

	queries, err := ParseQueries(reply, p.strategies...)
	if err != nil {
		log.Info("Could not parse search queries, using question", "error", err)
		queries = []string{question}
	}
	p.cache.Put(question, queries)
	return queries
}

// Decompose splits a question into at least three sub-queries, one of which
// is the original question verbatim. It never fails.
func (p *Processor) Decompose(ctx context.Context, question, noteContext string) *Decomposed {
	d := &Decomposed{
		OriginalQuery: question,
		Status:        StatusPending,
		Complexity:    Complexity(question),
	}

	trimmed := strings.TrimSpace(question)
	if trimmed == "" {
		d.SubQueries = p.fallbackSubQueries(question)
		return d
	}

	log.Info("Decomposing query", "question", question, "complexity", d.Complexity)

	reply, err := p.ask(ctx, question, noteContext)
	if err != nil {
		log.Error("Error decomposing query", "error", err)
		d.SubQueries = p.fallbackSubQueries(question)
		return d
	}
	texts, err := ParseQueries(reply, p.strategies...)
	if err != nil {
		log.Info("Using fallback sub-queries", "error", err)
		d.SubQueries = p.fallbackSubQueries(question)
		return d
	}

	subQueries := make([]SubQuery, 0, len(texts)+minSubQueries)
	for i, text := range texts {
		subQueries = append(subQueries, p.subQuery(text, fmt.Sprintf("Search query %d", i+1)))
	}

	if !slices.Contains(texts, question) {
		subQueries = append([]SubQuery{p.subQuery(question, "Original query")}, subQueries...)
	}

	for _, pad := range []struct{ suffix, reason string }{
		{"examples and use cases", "Practical examples"},
		{"concepts and definitions", "Key concepts"},
		{"best practices", "Best practices"},
	} {
		if len(subQueries) >= minSubQueries {
			break
		}
		subQueries = append(subQueries, p.subQuery(trimmed+" "+pad.suffix, pad.reason))
	}

	d.SubQueries = subQueries
	log.Debug("Final sub-queries", "queries", d.Texts())
	return d
}

func (p *Processor) ask(ctx context.Context, question, noteContext string) (string, error) {
	if p.handler == nil {
		return "", llm.NewConfigurationError("no provider configured for query processing")
	}
	user := question
	if strings.TrimSpace(noteContext) != "" {
		user = question + "\n\nThe user is currently viewing: " + noteContext
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: searchQueriesPrompt},
		{Role: llm.RoleUser, Content: user},
	}
	return llm.Complete(ctx, p.handler, messages, llm.ChatOptions{
		Temperature: llm.Float(queryTemperature),
		MaxTokens:   queryMaxTokens,
	})
}

func (p *Processor) fallbackSubQueries(question string) []SubQuery {
	trimmed := strings.TrimSpace(question)
	return []SubQuery{
		p.subQuery(question, "Original query"),
		p.subQuery(trimmed+" overview", "General information"),
		p.subQuery(trimmed+" examples", "Practical examples"),
	}
}

func (p *Processor) subQuery(text, reason string) SubQuery {
	n := p.counter.Add(1)
	return SubQuery{
		ID:     fmt.Sprintf("sq_%d_%d", p.now().UnixMilli(), n),
		Text:   text,
		Reason: reason,
	}
}

// UpdateSubQueryAnswer returns a copy of d with the sub-query answered.
// Status becomes completed once every sub-query has an answer.
func UpdateSubQueryAnswer(d Decomposed, id, answer string) Decomposed {
	subQueries := make([]SubQuery, len(d.SubQueries))
	copy(subQueries, d.SubQueries)

	allAnswered := true
	for i := range subQueries {
		if subQueries[i].ID == id {
			subQueries[i].Answer = answer
			subQueries[i].IsAnswered = true
		}
		allAnswered = allAnswered && subQueries[i].IsAnswered
	}

	d.SubQueries = subQueries
	if allAnswered {
		d.Status = StatusCompleted
	} else {
		d.Status = StatusInProgress
	}
	return d
}

// SynthesizeAnswer joins the sub-query answers into one response
func SynthesizeAnswer(d Decomposed) string {
	for _, sq := range d.SubQueries {
		if !sq.IsAnswered {
			return "Cannot synthesize answer until all sub-queries are answered."
		}
	}
	if len(d.SubQueries) == 1 {
		return d.SubQueries[0].Answer
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Answer to: %s\n\n", d.OriginalQuery)
	if len(d.SubQueries) > 3 {
		b.WriteString("Based on the information gathered:\n\n")
	}
	for _, sq := range d.SubQueries {
		b.WriteString(sq.Answer)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
