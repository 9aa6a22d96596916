package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ParseStrategy extracts search phrasings from a model reply. A strategy
// that finds nothing returns an error so the next one is tried.
type ParseStrategy func(text string) ([]string, error)

var errNoQueries = errors.New("no queries found")

var (
	fencePattern      = regexp.MustCompile("```(?:json)?|```")
	structurePattern  = regexp.MustCompile(`(\{[\s\S]*\}|\[[\s\S]*\])`)
	quotedPattern     = regexp.MustCompile(`"((?:\\.|[^"\\])*)"`)
	listMarkerPattern = regexp.MustCompile(`^\s*(?:[-*•+]|\d+[.)])\s+`)
)

// DefaultStrategies is the order replies are tried in
var DefaultStrategies = []ParseStrategy{
	ParseJSON,
	ParseQuotedArray,
	ParseLoosePairs,
	ParseLines,
}

// ParseQueries cleans the reply and runs the strategies in order, returning
// the first non-empty result.
func ParseQueries(text string, strategies ...ParseStrategy) ([]string, error) {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	cleaned := Cleanup(text)
	if cleaned == "" {
		return nil, errNoQueries
	}

	var errs []error
	for _, strategy := range strategies {
		queries, err := strategy(cleaned)
		if err == nil && len(queries) > 0 {
			return queries, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return nil, fmt.Errorf("parse queries: %w", errors.Join(append(errs, errNoQueries)...))
}

// Cleanup strips code fences and curly double quotes
func Cleanup(text string) string {
	text = fencePattern.ReplaceAllString(text, "")
	text = strings.NewReplacer("“", `"`, "”", `"`).Replace(text)
	return strings.TrimSpace(text)
}

// ParseJSON reads a JSON array of strings, or an object whose keys and
// string values longer than three characters are used in document order.
func ParseJSON(text string) ([]string, error) {
	hasObject := strings.Contains(text, "{") && strings.Contains(text, "}")
	hasArray := strings.Contains(text, "[") && strings.Contains(text, "]")
	if !hasObject && !hasArray {
		return nil, errNoQueries
	}
	if m := structurePattern.FindString(text); m != "" {
		text = m
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		return parseJSONObject(trimmed)
	}

	var items []any
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return nil, fmt.Errorf("json array: %w", err)
	}
	var out []string
	for _, item := range items {
		var s string
		switch v := item.(type) {
		case string:
			s = v
		case nil:
			continue
		default:
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func parseJSONObject(text string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("json object: %w", err)
	}

	var keys, values []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json object key: %w", err)
		}
		key, _ := tok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("json object value: %w", err)
		}
		if len(key) > 3 {
			keys = append(keys, strings.TrimSpace(key))
		}
		if s, ok := value.(string); ok && len(s) > 3 {
			values = append(values, strings.TrimSpace(s))
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("json object: %w", err)
	}

	out := keys
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out, nil
}

// ParseQuotedArray collects quoted strings between the first '[' and the last ']'
func ParseQuotedArray(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, errNoQueries
	}

	var out []string
	for _, m := range quotedPattern.FindAllStringSubmatch(text[start+1:end], -1) {
		s := m[1]
		if unq, err := strconv.Unquote(`"` + s + `"`); err == nil {
			s = unq
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errNoQueries
	}
	return out, nil
}

// ParseLoosePairs reads key: value pairs from object-like text that is not
// valid JSON, e.g. unquoted or trailing-comma objects.
func ParseLoosePairs(text string) ([]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNoQueries
	}

	var out []string
	for _, pair := range splitOutsideQuotes(text[start+1:end], ',') {
		kv := splitOutsideQuotes(pair, ':')
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(strings.ReplaceAll(kv[0], `"`, ""))
		value := strings.TrimSpace(strings.ReplaceAll(kv[1], `"`, ""))
		if len(key) > 3 && !slices.Contains(out, key) {
			out = append(out, key)
		}
		if len(value) > 3 && !slices.Contains(out, value) {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil, errNoQueries
	}
	return out, nil
}

// maxLineQueries caps what the line splitter will accept from prose replies
const maxLineQueries = 5

// ParseLines treats each non-empty line as a query after removing list markers
func ParseLines(text string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarkerPattern.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"',`)
		line = strings.TrimSpace(line)
		if line == "" || line == "[" || line == "]" || line == "{" || line == "}" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			continue
		}
		out = append(out, line)
		if len(out) == maxLineQueries {
			break
		}
	}
	if len(out) == 0 {
		return nil, errNoQueries
	}
	return out, nil
}

func splitOutsideQuotes(s string, sep rune) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\':
			escaped = true
		case r == '"':
			inQuotes = !inQuotes
		case r == sep && !inQuotes:
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	return append(parts, current.String())
}
