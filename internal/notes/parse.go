package notes

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Document is the extracted text of one note file
type Document struct {
	Title   string
	Content string
}

// folderIndexNames are files whose content becomes the folder note
var folderIndexNames = []string{"index", "readme", "_index"}

// Parse extracts a title and plain content from a note file. name is used
// for the extension and the fallback title.
func Parse(name string, data []byte) (Document, error) {
	stem := strings.TrimSuffix(path.Base(name), path.Ext(name))
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown":
		return parseMarkdown(stem, string(data)), nil
	case ".html", ".htm":
		return parseHTML(stem, data)
	case ".txt":
		return Document{Title: stem, Content: strings.TrimSpace(string(data))}, nil
	}
	return Document{}, fmt.Errorf("unsupported note type: %s", name)
}

// parseMarkdown takes the title from front matter or the first level-one
// heading. The heading stays in the content.
func parseMarkdown(stem, text string) Document {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	title := ""

	if rest, ok := strings.CutPrefix(text, "---\n"); ok {
		if end := strings.Index(rest, "\n---"); end >= 0 {
			for _, line := range strings.Split(rest[:end], "\n") {
				if v, ok := strings.CutPrefix(line, "title:"); ok {
					title = strings.Trim(strings.TrimSpace(v), `"'`)
				}
			}
			text = strings.TrimPrefix(rest[end+len("\n---"):], "\n")
		}
	}

	if title == "" {
		for _, line := range strings.Split(text, "\n") {
			if h, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
				title = strings.TrimSpace(h)
				break
			}
		}
	}
	if title == "" {
		title = stem
	}
	return Document{Title: title, Content: strings.TrimSpace(text)}
}

func parseHTML(stem string, data []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return Document{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, template").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = stem
	}

	var blocks []string
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		// nested blocks are reached on their own
		if s.Find("p, li, pre, blockquote").Length() > 0 {
			return
		}
		if text := collapseSpace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		if text := collapseSpace(doc.Find("body").Text()); text != "" {
			blocks = append(blocks, text)
		}
	}
	return Document{Title: title, Content: strings.Join(blocks, "\n\n")}, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// isFolderIndex reports whether a file name supplies its folder's content
func isFolderIndex(name string) bool {
	stem := strings.ToLower(strings.TrimSuffix(path.Base(name), path.Ext(name)))
	for _, n := range folderIndexNames {
		if stem == n {
			return true
		}
	}
	return false
}
