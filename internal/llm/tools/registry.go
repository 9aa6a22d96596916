package tools

import (
	"github.com/charmbracelet/log"

	"github.com/entrepeneur4lyf/notechat/internal/llm"
)

// ToolRegistry holds the available tools. It is read-only once built.
type ToolRegistry struct {
	tools map[string]BaseTool
	order []string
}

// NewToolRegistry registers tools in the given order. Later tools with a
// duplicate name are ignored.
func NewToolRegistry(tools ...BaseTool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]BaseTool, len(tools))}
	for _, tool := range tools {
		name := tool.Info().Name
		if _, dup := r.tools[name]; dup {
			log.Warn("Duplicate tool registration ignored", "tool", name)
			continue
		}
		r.tools[name] = tool
		r.order = append(r.order, name)
	}
	return r
}

// NewNoteToolRegistry builds the standard note tools
func NewNoteToolRegistry(searcher Searcher, notes NoteStore) *ToolRegistry {
	return NewToolRegistry(
		NewSearchNotesTool(searcher),
		NewReadNoteTool(notes),
		NewKeywordSearchTool(notes),
	)
}

// GetTool returns a tool by name
func (r *ToolRegistry) GetTool(name string) (BaseTool, bool) {
	if r == nil {
		return nil, false
	}
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns tool names in registration order
func (r *ToolRegistry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// GetToolInfos returns information about all tools
func (r *ToolRegistry) GetToolInfos() []ToolInfo {
	if r == nil {
		return nil
	}
	infos := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.tools[name].Info())
	}
	return infos
}

// Definitions returns the tools in the form offered to providers
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	infos := r.GetToolInfos()
	defs := make([]llm.ToolDefinition, len(infos))
	for i, info := range infos {
		defs[i] = info.Definition()
	}
	return defs
}
