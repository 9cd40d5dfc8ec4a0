// Package mcpstub marks the extension point where an MCP (Model Context
// Protocol) adapter would plug into the Tool Dispatcher's executor chain.
// The MCP protocol adapter itself is an external collaborator and out of
// scope here; this package only shows the shape a future adapter would
// implement, backed by a real github.com/mark3labs/mcp-go client so the
// dependency is exercised rather than merely declared.
package mcpstub

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ErrNotImplemented is returned by every Executor method. A full adapter
// would translate dispatch calls into MCP CallTool requests and MCP tool
// listings into dispatch executor metadata.
var ErrNotImplemented = errors.New("mcpstub: MCP protocol adapter not implemented")

// Executor is the shape a dispatch.Executor implementation over MCP would
// have: given a tool name and JSON params, call out to an MCP server and
// return its result.
type Executor struct {
	client *client.Client
}

// New wraps an already-initialized MCP client. Construction of the
// underlying transport (stdio, SSE, HTTP) is left to the caller since it is
// deployment-specific and out of scope for this stub.
func New(c *client.Client) *Executor {
	return &Executor{client: c}
}

// Call would issue an MCP CallTool request and adapt the result into the
// dispatcher's result envelope. Left unimplemented: see package doc.
func (e *Executor) Call(ctx context.Context, toolName string, params map[string]any) (*mcp.CallToolResult, error) {
	return nil, ErrNotImplemented
}
