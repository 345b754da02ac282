package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/hlassist/internal/bridge"
)

// SelectionOutput is one element context sent from the browser.
type SelectionOutput struct {
	RequestID  string `json:"requestId"`
	Context    any    `json:"context"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	ReceivedAt string `json:"receivedAt"`
}

// LatestInput is empty; latest_selection takes no arguments.
type LatestInput struct{}

// HistoryInput defines input for selection_history.
type HistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum selections to return, newest first (default all held)"`
}

// HistoryOutput lists selections, newest first.
type HistoryOutput struct {
	Selections []SelectionOutput `json:"selections"`
	Count      int               `json:"count"`
	Total      int64             `json:"total"`
}

// StatusInput is empty; status takes no arguments.
type StatusInput struct{}

// BroadcastInput defines input for broadcast.
type BroadcastInput struct {
	Data any `json:"data" jsonschema:"Payload delivered to every connected extension page"`
}

// BroadcastOutput reports how many clients accepted the message.
type BroadcastOutput struct {
	Delivered int `json:"delivered"`
}

// RegisterBridgeTools adds the selection, status and broadcast tools.
func RegisterBridgeTools(server *mcp.Server, b Bridge) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "latest_selection",
		Description: `Return the element most recently sent from the browser inspector, with its selector, styles and source hints.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ LatestInput) (*mcp.CallToolResult, SelectionOutput, error) {
		sel, ok := b.Inbox().Latest()
		if !ok {
			return errorResult("no element has been sent yet; pick one in the inspector and press Send"), SelectionOutput{}, nil
		}
		return nil, selectionOutput(sel), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "selection_history",
		Description: `List elements sent from the browser inspector, newest first.
Example: selection_history {limit: 5}`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
		if input.Limit < 0 {
			return errorResult("limit must not be negative"), HistoryOutput{}, nil
		}
		inbox := b.Inbox()
		held := inbox.History(input.Limit)
		out := HistoryOutput{
			Selections: make([]SelectionOutput, len(held)),
			Count:      len(held),
			Total:      inbox.Total(),
		}
		for i, sel := range held {
			out.Selections[i] = selectionOutput(sel)
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "status",
		Description: `Report bridge connections, message counters and uptime.`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, bridge.Stats, error) {
		return nil, b.Stats(), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name: "broadcast",
		Description: `Send a broadcast_message to every connected extension page.
Example: broadcast {data: {note: "styles updated"}}`,
	}, func(ctx context.Context, req *mcp.CallToolRequest, input BroadcastInput) (*mcp.CallToolResult, BroadcastOutput, error) {
		if input.Data == nil {
			return errorResult("data required"), BroadcastOutput{}, nil
		}
		n := b.Broadcast(map[string]any{
			"type":      "broadcast_message",
			"data":      input.Data,
			"from":      "assistant",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return nil, BroadcastOutput{Delivered: n}, nil
	})
}

func selectionOutput(sel bridge.Selection) SelectionOutput {
	var ctx any
	if len(sel.Context) > 0 {
		if err := json.Unmarshal(sel.Context, &ctx); err != nil {
			ctx = string(sel.Context)
		}
	}
	return SelectionOutput{
		RequestID:  sel.RequestID,
		Context:    ctx,
		Timestamp:  sel.Timestamp,
		ReceivedAt: sel.ReceivedAt.UTC().Format(time.RFC3339),
	}
}
