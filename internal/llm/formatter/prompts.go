package formatter

import "strings"

// DefaultSystemPrompt is used when a session has no system prompt of its own
const DefaultSystemPrompt = "You are an intelligent AI assistant for Notechat, a hierarchical note-taking knowledge base. " +
	"Help the user with their notes, knowledge management, and questions. " +
	"When referencing their notes, be clear about which note you're referring to. " +
	"Be concise but thorough in your responses."

const systemSlotWithContext = `<system_prompt>
{base}
Use the following information from the user's notes to answer their questions:

<user_notes>
{context}
</user_notes>

Focus on relevant information from these notes when answering.
Be concise and informative in your responses.
</system_prompt>`

const firstTurnWithContext = `<instructions>
{base}

Use the following information from the user's notes to answer their questions:

<user_notes>
{context}
</user_notes>

When responding:
- Focus on the most relevant information from the notes
- Be concise and direct in your answers
- If quoting from notes, mention which note it's from
- If the notes don't contain relevant information, say so clearly
</instructions>`

const instructionsWrapper = "<instructions>\n{instructions}\n</instructions>"

const inlineContextInjection = `Here's information from my notes to help answer the question:

{context}

Based on this information, please answer: <query>{query}</query>`

// Acknowledgments inserted by the first-turn family
const (
	InstructionsAcknowledgment = "I understand. I'll follow those instructions."
	ContextAcknowledgment      = "I'll help you with your notes based on the context provided."
)

// fill replaces {name} placeholders
func fill(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
