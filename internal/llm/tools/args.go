package tools

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// ArgStrategy turns a provider tool call into an argument object. textKey
// names the parameter that free text is assigned to.
type ArgStrategy struct {
	Name  string
	Parse func(call llm.ToolCall, textKey string) (map[string]any, error)
}

// DefaultTextKey holds free-text arguments for tools without a required
// parameter
const DefaultTextKey = "text"

var errNotApplicable = errors.New("strategy not applicable")

var (
	singleQuotedKey   = regexp.MustCompile(`([{,])\s*'([^']+)'\s*:`)
	unquotedKey       = regexp.MustCompile(`([{,])\s*(\w+)\s*:`)
	singleQuotedValue = regexp.MustCompile(`:\s*'([^']*)'`)
)

// ArgStrategies are tried in order; the first success wins
var ArgStrategies = []ArgStrategy{
	{Name: "object", Parse: parseObjectArgs},
	{Name: "json", Parse: parseStrictArgs},
	{Name: "cleanup", Parse: parseCleanedArgs},
	{Name: "text", Parse: parseRawTextArgs},
}

// ParseArguments never fails: the last strategy assigns the raw text to
// the tool's first required parameter
func ParseArguments(call llm.ToolCall, info ToolInfo) map[string]any {
	key := DefaultTextKey
	if len(info.Required) > 0 {
		key = info.Required[0]
	}
	for _, s := range ArgStrategies {
		args, err := s.Parse(call, key)
		if err != nil {
			continue
		}
		if s.Name != "object" && s.Name != "json" {
			log.Debug("Recovered tool arguments", "tool", call.Name, "strategy", s.Name)
		}
		return args
	}
	return map[string]any{}
}

func parseObjectArgs(call llm.ToolCall, _ string) (map[string]any, error) {
	if call.Input != nil {
		return call.Input, nil
	}
	if strings.TrimSpace(call.Arguments) == "" {
		return map[string]any{}, nil
	}
	return nil, errNotApplicable
}

func parseStrictArgs(call llm.ToolCall, _ string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, errNotApplicable
	}
	return args, nil
}

func parseCleanedArgs(call llm.ToolCall, _ string) (map[string]any, error) {
	cleaned := CleanArguments(call.Arguments)
	var args map[string]any
	if err := json.Unmarshal([]byte(cleaned), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, errNotApplicable
	}
	return args, nil
}

func parseRawTextArgs(call llm.ToolCall, textKey string) (map[string]any, error) {
	return map[string]any{textKey: strings.TrimSpace(call.Arguments)}, nil
}

// CleanArguments repairs common near-JSON mistakes: wrapping quotes,
// escaped quotes, single-quoted or bare keys and single-quoted values.
func CleanArguments(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimPrefix(s, `'`)
	s = strings.TrimSuffix(s, `"`)
	s = strings.TrimSuffix(s, `'`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = singleQuotedKey.ReplaceAllString(s, `$1"$2":`)
	s = unquotedKey.ReplaceAllString(s, `$1"$2":`)
	s = singleQuotedValue.ReplaceAllString(s, `:"$1"`)
	return s
}

// Resolve converts a provider call into the form tools run with
func Resolve(call llm.ToolCall, info ToolInfo) ToolCall {
	args := ParseArguments(call, info)
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte("{}")
	}
	return ToolCall{ID: call.ID, Name: call.Name, Input: string(data)}
}
