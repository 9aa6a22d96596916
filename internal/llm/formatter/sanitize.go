package formatter

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/charmbracelet/log"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// AllowedTags are the HTML elements kept before markdown conversion
var AllowedTags = []string{
	"b", "i", "em", "strong", "a", "p", "br", "ul", "ol", "li",
	"h1", "h2", "h3", "h4", "h5", "code", "pre",
}

// maxSanitizePasses bounds the fixpoint loop; real content settles in two or three
const maxSanitizePasses = 16

var (
	tagPattern       = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
	trailingSpacePat = regexp.MustCompile(`[ \t]+\n`)

	punctuation = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`,
		"‘", "'", "’", "'", "‚", "'",
		"–", "-", "—", "-", "−", "-",
		"…", "...",
		"\u00a0", " ",
		"\r\n", "\n", "\r", "\n",
	)

	policy = sync.OnceValue(func() *bluemonday.Policy {
		p := bluemonday.NewPolicy()
		p.AllowElements(AllowedTags...)
		p.AllowAttrs("href").OnElements("a")
		p.AllowStandardURLs()
		return p
	})

	converter = sync.OnceValue(func() *md.Converter {
		return md.NewConverter("", true, &md.Options{
			HeadingStyle:     "atx",
			BulletListMarker: "-",
			CodeBlockStyle:   "fenced",
			Fence:            "```",
			EmDelimiter:      "*",
			StrongDelimiter:  "**",
			EscapeMode:       "disabled",
		})
	})
)

// Sanitize reduces HTML-bearing note content to lightweight markdown:
// disallowed tags are stripped, the rest converted, entities and typographic
// punctuation normalized, and blank-line runs collapsed. Sanitize is
// idempotent. If the content cannot be cleaned it is returned unchanged.
func Sanitize(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	current := content
	for pass := 0; pass < maxSanitizePasses; pass++ {
		next, err := sanitizeOnce(current)
		if err != nil {
			log.Warn("Content sanitization failed, using original", "error", err)
			return content
		}
		if next == current {
			return next
		}
		current = next
	}
	return settle(current)
}

// settle strips every tag and entity until none remain, then normalizes.
// Its output is left unchanged by sanitizeOnce.
func settle(content string) string {
	out := content
	for {
		stripped := unescapeAll(tagPattern.ReplaceAllString(out, ""))
		if stripped == out {
			break
		}
		out = stripped
	}
	return normalize(out)
}

// unescapeAll decodes nested entities such as &amp;amp;lt; down to the
// character they name
func unescapeAll(s string) string {
	for {
		next := html.UnescapeString(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalize(s string) string {
	s = punctuation.Replace(s)
	s = norm.NFC.String(s)
	s = trailingSpacePat.ReplaceAllString(s, "\n")
	s = blankRunPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func sanitizeOnce(content string) (string, error) {
	out := content

	if tagPattern.MatchString(out) {
		out = policy().Sanitize(out)
		converted, err := converter().ConvertString(out)
		if err != nil {
			return "", fmt.Errorf("html to markdown: %w", err)
		}
		out = converted
	}

	return normalize(unescapeAll(out)), nil
}
