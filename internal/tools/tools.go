// Package tools exposes the bridge to MCP clients: recent element
// selections, bridge status, project detection and the settings store.
package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/hlassist/internal/bridge"
	"github.com/standardbeagle/hlassist/internal/store"
)

// Bridge is the part of the bridge server the tools use.
type Bridge interface {
	Inbox() *bridge.Inbox
	Stats() bridge.Stats
	Broadcast(msg any) int
}

// Deps are the collaborators behind the tools. A nil Store leaves the
// store tool unregistered.
type Deps struct {
	Bridge Bridge
	Store  store.Backend
}

// Register adds every tool to server.
func Register(server *mcp.Server, deps Deps) {
	RegisterProjectTools(server)
	if deps.Bridge != nil {
		RegisterBridgeTools(server, deps.Bridge)
	}
	if deps.Store != nil {
		RegisterStoreTool(server, deps.Store)
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
