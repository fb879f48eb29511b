package tools

import (
	"errors"
	"fmt"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

var (
	// ErrDuplicateTool is returned when two tools share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrInvalidTool is returned for a nil tool or a tool without a name.
	ErrInvalidTool = errors.New("invalid tool")
)

// Registry is an ordered, read-only mapping from tool name to tool. Registration
// order is the listing order.
type Registry struct {
	order  []Tool
	byName map[string]Tool
	descs  []mcp.Tool
}

// NewRegistry builds a registry from tools in order. Name collisions are a
// configuration error and reject the whole registry.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		order:  make([]Tool, 0, len(tools)),
		byName: make(map[string]Tool, len(tools)),
		descs:  make([]mcp.Tool, 0, len(tools)),
	}
	for i, t := range tools {
		if t == nil {
			return nil, fmt.Errorf("%w: tool at position %d is nil", ErrInvalidTool, i)
		}
		desc := t.Descriptor()
		if desc.Name == "" {
			return nil, fmt.Errorf("%w: tool at position %d has no name", ErrInvalidTool, i)
		}
		if _, exists := r.byName[desc.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, desc.Name)
		}
		if desc.InputSchema == nil {
			desc.InputSchema = EmptyObjectSchema()
		}
		r.order = append(r.order, t)
		r.byName[desc.Name] = t
		r.descs = append(r.descs, desc)
	}
	return r, nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Descriptors returns descriptors in registration order.
func (r *Registry) Descriptors() []mcp.Tool {
	out := make([]mcp.Tool, len(r.descs))
	copy(out, r.descs)
	return out
}

// Page returns up to limit descriptors starting at offset.
func (r *Registry) Page(offset, limit int) []mcp.Tool {
	if offset >= len(r.descs) || limit <= 0 {
		return []mcp.Tool{}
	}
	end := offset + limit
	if end > len(r.descs) {
		end = len(r.descs)
	}
	out := make([]mcp.Tool, end-offset)
	copy(out, r.descs[offset:end])
	return out
}
