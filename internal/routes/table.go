// Package routes resolves tool names to the transport that serves them.
package routes

import (
	"sync/atomic"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

// Source is the discovery result of one transport, in listing order.
type Source struct {
	Name  string
	Tools []mcp.Tool
}

// Route points a tool name at its owning transport.
type Route struct {
	Owner     int
	OwnerName string
	Tool      mcp.Tool
}

// Conflict records a tool dropped because an earlier transport already owns the name.
type Conflict struct {
	Tool       string
	Winner     string
	Shadowed   string
	ShadowedAt int
}

// Table is an immutable name to route mapping. It is never modified after Build.
type Table struct {
	routes    map[string]Route
	order     []string
	sources   []Source
	conflicts []Conflict
}

// Build merges sources into a table. Sources are taken in order and, within a
// source, tools in listing order; the first entry for a name wins and later ones
// are recorded as conflicts.
func Build(sources []Source) *Table {
	t := &Table{
		routes:  make(map[string]Route),
		sources: make([]Source, len(sources)),
	}
	for i, src := range sources {
		tools := make([]mcp.Tool, len(src.Tools))
		copy(tools, src.Tools)
		t.sources[i] = Source{Name: src.Name, Tools: tools}

		for _, tool := range tools {
			if existing, ok := t.routes[tool.Name]; ok {
				t.conflicts = append(t.conflicts, Conflict{
					Tool:       tool.Name,
					Winner:     existing.OwnerName,
					Shadowed:   src.Name,
					ShadowedAt: i,
				})
				continue
			}
			t.routes[tool.Name] = Route{Owner: i, OwnerName: src.Name, Tool: tool}
			t.order = append(t.order, tool.Name)
		}
	}
	return t
}

// Lookup returns the route for a tool name.
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.routes[name]
	return r, ok
}

// Len returns the number of distinct tool names.
func (t *Table) Len() int {
	return len(t.order)
}

// Names returns tool names in merge order.
func (t *Table) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Tools returns the winning descriptors in merge order.
func (t *Table) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.routes[name].Tool)
	}
	return out
}

// SourceTools returns everything source i listed, shadowed tools included.
func (t *Table) SourceTools(i int) ([]mcp.Tool, bool) {
	if i < 0 || i >= len(t.sources) {
		return nil, false
	}
	out := make([]mcp.Tool, len(t.sources[i].Tools))
	copy(out, t.sources[i].Tools)
	return out, true
}

// Conflicts returns the names dropped by the first-wins rule.
func (t *Table) Conflicts() []Conflict {
	out := make([]Conflict, len(t.conflicts))
	copy(out, t.conflicts)
	return out
}

// Holder publishes the current table. Readers see either the previous or the
// next table, never a partial one.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewHolder creates a holder with an empty table.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Build(nil))
	return h
}

// Load returns the current table.
func (h *Holder) Load() *Table {
	return h.current.Load()
}

// Swap publishes t and returns the previous table.
func (h *Holder) Swap(t *Table) *Table {
	if t == nil {
		t = Build(nil)
	}
	return h.current.Swap(t)
}
