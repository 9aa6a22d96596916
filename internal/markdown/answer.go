package markdown

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/entrepeneur4lyf/notechat/internal/chat"
)

var markdownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^#{1,6}\s+`),
	regexp.MustCompile(`\*\*[^*]+\*\*`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?m)^\s*[-*+]\s+`),
	regexp.MustCompile(`(?m)^\s*\d+\.\s+`),
	regexp.MustCompile(`(?m)^\s*>\s+`),
	regexp.MustCompile(`\[[^\]]+\]\([^)]+\)`),
	regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`),
}

// ContainsMarkdown reports whether text uses any common markdown syntax
func ContainsMarkdown(text string) bool {
	for _, p := range markdownPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// FormatAnswer appends the cited notes to an answer as a markdown list
func FormatAnswer(content string, sources []chat.Source, truncated bool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(content))
	if truncated {
		b.WriteString("\n\n> _Stopped after the tool call limit; the answer may be incomplete._")
	}
	if len(sources) > 0 {
		b.WriteString("\n\n**Sources**\n\n")
		for i, s := range sources {
			title := s.Title
			if title == "" {
				title = s.EntityID
			}
			fmt.Fprintf(&b, "%d. %s (`%s`, %.2f)\n", i+1, title, s.EntityID, s.Similarity)
		}
	}
	return b.String()
}

// Printer writes answers, rendering them when a renderer is set
type Printer struct {
	out      io.Writer
	renderer *Renderer
}

// NewPrinter creates a printer. A nil renderer prints raw markdown.
func NewPrinter(out io.Writer, renderer *Renderer) *Printer {
	return &Printer{out: out, renderer: renderer}
}

// Print writes a finished reply
func (p *Printer) Print(reply *chat.Reply) error {
	text := FormatAnswer(reply.Content, reply.Sources, reply.Truncated)
	if p.renderer != nil && ContainsMarkdown(text) {
		rendered, err := p.renderer.Render(text)
		if err == nil {
			_, err = io.WriteString(p.out, rendered)
			return err
		}
	}
	_, err := fmt.Fprintln(p.out, text)
	return err
}
