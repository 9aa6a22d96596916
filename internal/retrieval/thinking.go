package retrieval

import (
	"fmt"
	"math"
	"strings"

	"github.com/entrepeneur4lyf/notechat/internal/llm/query"
)

const (
	thinkingTopSources   = 5
	thinkingPreviewChars = 100
)

// BuildThinking renders a markdown transcript of how the question was
// processed and which notes were found. decomposed may be nil.
func BuildThinking(question string, decomposed *query.Decomposed, queries []string, items []Item) string {
	var b strings.Builder
	b.WriteString("## Query Processing\n\n")
	fmt.Fprintf(&b, "Original query: %q\n\n", question)

	if decomposed != nil {
		fmt.Fprintf(&b, "Query complexity: %d/10\n\n", decomposed.Complexity)
		fmt.Fprintf(&b, "### Decomposed into %d sub-queries:\n", len(decomposed.SubQueries))
		for i, sq := range decomposed.SubQueries {
			fmt.Fprintf(&b, "%d. %s\n   Reason: %s\n\n", i+1, sq.Text, sq.Reason)
		}
	}

	b.WriteString("### Search Queries Used:\n")
	for i, q := range queries {
		fmt.Fprintf(&b, "%d. %q\n", i+1, q)
	}

	fmt.Fprintf(&b, "\n## Sources Retrieved (%d)\n\n", len(items))
	for i, item := range items {
		if i == thinkingTopSources {
			break
		}
		fmt.Fprintf(&b, "%d. %q (Score: %d%%)\n", i+1, item.Title, int(math.Round(item.Similarity*100)))
		fmt.Fprintf(&b, "   ID: %s\n", item.EntityID)
		if item.Content != "" {
			fmt.Fprintf(&b, "   Preview: %s\n", preview(item.Content))
		}
		b.WriteString("\n")
	}
	if len(items) > thinkingTopSources {
		fmt.Fprintf(&b, "... and %d more sources\n", len(items)-thinkingTopSources)
	}
	return b.String()
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= thinkingPreviewChars {
		return content
	}
	return string(runes[:thinkingPreviewChars]) + "..."
}
