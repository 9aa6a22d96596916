package tools

import (
	"fmt"
	"strings"
)

const queryExample = `EXAMPLE: { "query": "your search terms here" }` + "\n"

// EmptyResultNote is appended to tool results that carried nothing useful
const EmptyResultNote = "\n\nNOTE: This tool returned no useful results with the provided parameters. " +
	"Consider trying again with different parameters such as broader search terms, " +
	"different filters, or alternative approaches."

// ErrorContent formats a failed tool result for the model
func ErrorContent(toolName, errMsg string, available []string) string {
	return "Error: " + errMsg + "\n" + Guidance(toolName, errMsg, available)
}

// Guidance suggests how the model can recover from a failed tool call.
// available lists the names of registered tools.
func Guidance(toolName, errMsg string, available []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TOOL GUIDANCE: The tool '%s' failed with error: %s.\n", toolName, errMsg)

	switch {
	case strings.Contains(errMsg, "Tool not found"):
		var searchTools []string
		for _, name := range available {
			if strings.Contains(name, "search") {
				searchTools = append(searchTools, name)
			}
		}
		fmt.Fprintf(&b, "AVAILABLE SEARCH TOOLS: %s\n", strings.Join(searchTools, ", "))
		b.WriteString("TRY SEARCH NOTES: For semantic matches, use 'search_notes' with a query parameter.\n")
		b.WriteString(queryExample)
	case strings.Contains(errMsg, "missing required parameter") &&
		(toolName == SearchNotesToolName || toolName == KeywordSearchToolName):
		fmt.Fprintf(&b, "REQUIRED PARAMETERS: The '%s' tool requires a 'query' parameter.\n", toolName)
		b.WriteString(queryExample)
	}

	if !strings.Contains(toolName, SearchNotesToolName) {
		b.WriteString("RECOMMENDATION: If specific searches fail, try the 'search_notes' tool which performs semantic searches.\n")
	}
	return b.String()
}

// IsEmptyResult reports whether a successful tool result carried nothing
func IsEmptyResult(toolName, content string) bool {
	if strings.HasPrefix(content, "Error:") {
		return false
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed == "[]" || trimmed == "{}" {
		return true
	}
	return toolName == KeywordSearchToolName &&
		(strings.Contains(content, "No matches found") || strings.Contains(content, "No results for"))
}

// EmptyResultDirective is sent as a system message before the next provider
// call when any tool in the round came back empty.
func EmptyResultDirective(emptyTools []string) string {
	var searchEmpty, keywordEmpty bool
	for _, name := range emptyTools {
		switch name {
		case SearchNotesToolName:
			searchEmpty = true
		case KeywordSearchToolName:
			searchEmpty = true
			keywordEmpty = true
		}
	}

	var b strings.Builder
	b.WriteString("YOU MUST NOT GIVE UP AFTER A SINGLE EMPTY SEARCH RESULT. ")
	if searchEmpty {
		b.WriteString("IMMEDIATELY RUN ANOTHER SEARCH TOOL with broader search terms, alternative keywords, or related concepts. Try synonyms, more general terms, or related topics. ")
	}
	if keywordEmpty {
		b.WriteString("IMMEDIATELY TRY SEARCH_NOTES INSTEAD as it might find matches where keyword search failed. ")
	}
	b.WriteString("DO NOT ask the user what to do next or if they want general information. CONTINUE SEARCHING with different parameters.")
	return b.String()
}
