// Package tools defines the unit of remote functionality served by the dispatcher
// and the ordered registry that holds them.
package tools

import (
	"context"

	"github.com/jarsater/mcp-relay/internal/mcp"
)

// Tool is a named, schema-described operation with a synchronous compute function.
//
// Run returns the tool's value. The dispatcher wraps a string as one text item,
// passes []mcp.Content, mcp.Content and mcp.CallToolResult through unchanged and
// renders any other value as JSON text. A returned error becomes a tool-level
// failure (isError: true), never a protocol error.
type Tool interface {
	Descriptor() mcp.Tool
	Run(ctx context.Context, args map[string]any) (any, error)
}

// RunFunc is the compute function of a Func tool.
type RunFunc func(ctx context.Context, args map[string]any) (any, error)

// Func adapts a descriptor and a function into a Tool.
type Func struct {
	desc mcp.Tool
	run  RunFunc
}

// New creates a Func tool. A nil schema defaults to an empty object schema.
func New(name, description string, schema map[string]any, run RunFunc) *Func {
	if schema == nil {
		schema = EmptyObjectSchema()
	}
	return &Func{
		desc: mcp.Tool{Name: name, Description: description, InputSchema: schema},
		run:  run,
	}
}

// Descriptor implements Tool.
func (f *Func) Descriptor() mcp.Tool {
	return f.desc
}

// Run implements Tool.
func (f *Func) Run(ctx context.Context, args map[string]any) (any, error) {
	return f.run(ctx, args)
}

// EmptyObjectSchema returns the schema of a tool that takes no arguments.
func EmptyObjectSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

// StringArg returns args[key] when it is a string.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
