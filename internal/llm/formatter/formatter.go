// Package formatter adapts a provider-neutral conversation plus retrieved
// context into the message layout each provider family honours.
package formatter

import (
	"strings"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// Family identifies how a provider expects instructions and context
type Family string

const (
	FamilySystemSlot Family = "system_slot"
	FamilyFirstTurn  Family = "first_turn"
	FamilyInline     Family = "inline"
)

// Context budgets in characters
const (
	SystemSlotMaxContext = 16000
	FirstTurnMaxContext  = 100000
	InlineMaxContext     = 8000
)

// Formatter produces the provider-ready message list. Format must be pure.
type Formatter interface {
	Format(messages []llm.Message, systemPrompt, context string) []llm.Message
	MaxContextLength() int
	Family() Family
}

// ForProvider returns the strategy used for a provider
func ForProvider(provider llm.ProviderType) Formatter {
	switch provider {
	case llm.ProviderAnthropic, llm.ProviderBedrock:
		return FirstTurn{}
	case llm.ProviderOllama:
		return Inline{}
	default:
		return SystemSlot{}
	}
}

// TruncateContext cuts context to the formatter's budget on a rune boundary
func TruncateContext(f Formatter, context string) string {
	limit := f.MaxContextLength()
	if limit <= 0 || len(context) <= limit {
		return context
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(context[cut]) {
		cut--
	}
	return context[:cut] + "\n\n[Context truncated]"
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

// SystemSlot places instructions and context in one leading system message
type SystemSlot struct{}

func (SystemSlot) Family() Family        { return FamilySystemSlot }
func (SystemSlot) MaxContextLength() int { return SystemSlotMaxContext }

func (SystemSlot) Format(messages []llm.Message, systemPrompt, context string) []llm.Message {
	cleaned := Sanitize(context)

	var lead string
	switch {
	case cleaned != "":
		lead = fill(systemSlotWithContext, map[string]string{
			"base":    orDefault(systemPrompt),
			"context": cleaned,
		})
	case systemPrompt != "":
		lead = systemPrompt
	}

	if lead == "" {
		return cloneMessages(messages)
	}

	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: lead})
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// FirstTurn carries instructions and context as the opening user turn followed
// by a synthetic assistant acknowledgment
type FirstTurn struct{}

func (FirstTurn) Family() Family        { return FamilyFirstTurn }
func (FirstTurn) MaxContextLength() int { return FirstTurnMaxContext }

func (FirstTurn) Format(messages []llm.Message, systemPrompt, context string) []llm.Message {
	cleaned := Sanitize(context)

	var instructions []string
	if systemPrompt != "" {
		instructions = append(instructions, systemPrompt)
	}
	rest := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			if msg.Content != "" {
				instructions = append(instructions, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}

	var opening, ack string
	switch {
	case cleaned != "":
		opening = fill(firstTurnWithContext, map[string]string{
			"base":    orDefault(strings.Join(instructions, "\n\n")),
			"context": cleaned,
		})
		ack = ContextAcknowledgment
	case len(instructions) > 0:
		opening = fill(instructionsWrapper, map[string]string{"instructions": strings.Join(instructions, "\n\n")})
		ack = InstructionsAcknowledgment
	default:
		return rest
	}

	out := make([]llm.Message, 0, len(rest)+2)
	out = append(out,
		llm.Message{Role: llm.RoleUser, Content: opening},
		llm.Message{Role: llm.RoleAssistant, Content: ack},
	)
	return append(out, rest...)
}

// Inline splices context into the first real user message; no turns are added
type Inline struct{}

func (Inline) Family() Family        { return FamilyInline }
func (Inline) MaxContextLength() int { return InlineMaxContext }

func (Inline) Format(messages []llm.Message, systemPrompt, context string) []llm.Message {
	cleaned := Sanitize(context)

	out := make([]llm.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}

	injected := cleaned == ""
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem && systemPrompt != "" {
			continue
		}
		if !injected && msg.Role == llm.RoleUser {
			msg.Content = fill(inlineContextInjection, map[string]string{
				"context": cleaned,
				"query":   msg.Content,
			})
			injected = true
		}
		out = append(out, msg)
	}

	// No user message to carry the context
	if !injected {
		out = append(out, llm.Message{Role: llm.RoleUser, Content: cleaned})
	}
	return out
}

func orDefault(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return DefaultSystemPrompt
	}
	return prompt
}

func cloneMessages(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, len(messages))
	copy(out, messages)
	return out
}
