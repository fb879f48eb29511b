package client

import (
	"context"

	"github.com/jarsater/mcp-relay/internal/mcp"
	"github.com/jarsater/mcp-relay/internal/routes"
)

// ToolFunc calls one remote tool.
type ToolFunc func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

// ToolSet is a snapshot of the unified tool list with callables bound by name.
// It does not follow later rediscovery; take a new one from Client.Tools.
type ToolSet struct {
	client *Client
	table  *routes.Table
}

// Tools returns the current tool set.
func (c *Client) Tools() (*ToolSet, error) {
	if err := c.check("tools"); err != nil {
		return nil, err
	}
	return &ToolSet{client: c, table: c.table.Load()}, nil
}

// Names returns tool names in merge order.
func (s *ToolSet) Names() []string {
	return s.table.Names()
}

// Descriptors returns the unified descriptors in merge order.
func (s *ToolSet) Descriptors() []mcp.Tool {
	return s.table.Tools()
}

// Get returns a callable for name.
func (s *ToolSet) Get(name string) (ToolFunc, bool) {
	route, ok := s.table.Lookup(name)
	if !ok {
		return nil, false
	}
	return func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
		if err := s.client.check("call tool"); err != nil {
			return nil, err
		}
		return s.client.callOn(ctx, s.client.entries[route.Owner], name, args)
	}, true
}

// Call calls name, failing with ErrUnknownTool when the set does not contain it.
func (s *ToolSet) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	fn, ok := s.Get(name)
	if !ok {
		return nil, &UsageError{Op: "call tool", Name: name, Err: ErrUnknownTool}
	}
	return fn(ctx, args)
}
