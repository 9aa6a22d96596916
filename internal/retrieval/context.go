package retrieval

import (
	"strings"
	"unicode/utf8"
)

// NoNotesContext is used when retrieval finds nothing
const NoNotesContext = "I am an AI assistant helping you with your notes. " +
	"I couldn't find any specific notes related to your query, but I'll try to assist you " +
	"with general knowledge about this topic."

const contextEnvelope = `I'll provide you with relevant information from my notes to help answer your question.

<notes>
{noteContexts}
</notes>

When referring to information from these notes in your response, please cite them by their titles (e.g., "According to your note on [Title]...") rather than using labels like "Note 1" or "Note 2".

Now, based on the above information, please answer: <query>{query}</query>`

// BuildContext renders items as title-tagged blocks inside a fixed
// envelope that repeats the question.
func BuildContext(items []Item, question string) string {
	if len(items) == 0 {
		return NoNotesContext
	}

	blocks := make([]string, 0, len(items))
	for _, item := range items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = item.EntityID
		}
		blocks = append(blocks, "# Note: "+title+"\nContent: "+strings.TrimSpace(item.Content))
	}

	return strings.NewReplacer(
		"{noteContexts}", strings.Join(blocks, "\n\n"),
		"{query}", question,
	).Replace(contextEnvelope)
}

// FitContext builds the context from the leading items that fit in limit
// bytes and returns the items it used. A first item too long on its own is
// cut to fit. A limit of zero or less means no limit.
func FitContext(items []Item, question string, limit int) (string, []Item) {
	full := BuildContext(items, question)
	if len(items) == 0 || limit <= 0 || len(full) <= limit {
		return full, items
	}
	for n := len(items) - 1; n > 0; n-- {
		if ctx := BuildContext(items[:n], question); len(ctx) <= limit {
			return ctx, items[:n]
		}
	}

	first := items[0]
	content := strings.TrimSpace(first.Content)
	keep := len(content) - (len(BuildContext(items[:1], question)) - limit)
	if keep <= 0 {
		return NoNotesContext, nil
	}
	for keep > 0 && !utf8.RuneStart(content[keep]) {
		keep--
	}
	first.Content = content[:keep]
	return BuildContext([]Item{first}, question), []Item{first}
}
