package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/hlassist/internal/store"
)

// StoreInput represents input for the store tool.
type StoreInput struct {
	Action string `json:"action" jsonschema:"Action: get, set, delete, list, get_all"`
	Key    string `json:"key,omitempty" jsonschema:"Key (required for get, set, delete)"`
	Value  any    `json:"value,omitempty" jsonschema:"Value to store (required for set)"`
}

// StoreOutput represents output from the store tool.
type StoreOutput struct {
	Success bool           `json:"success"`
	Value   any            `json:"value,omitempty"`
	Entries map[string]any `json:"entries,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
	Count   int            `json:"count,omitempty"`
	Message string         `json:"message,omitempty"`
}

// RegisterStoreTool registers the store MCP tool with the server.
func RegisterStoreTool(server *mcp.Server, backend store.Backend) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "store",
		Description: `Read and write the overlay's persisted settings.

Actions:
  get: Retrieve a value by key
  set: Store a value by key
  delete: Remove a value by key
  list: List all keys
  get_all: Get all key-value pairs

Examples:
  store {action: "get", key: "highlightColor"}
  store {action: "set", key: "autoExpandPanel", value: true}
  store {action: "list"}`,
	}, makeStoreHandler(backend))
}

func makeStoreHandler(backend store.Backend) func(context.Context, *mcp.CallToolRequest, StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
		switch input.Action {
		case "get":
			return handleStoreGet(ctx, backend, input)
		case "set":
			return handleStoreSet(ctx, backend, input)
		case "delete":
			return handleStoreDelete(ctx, backend, input)
		case "list", "get_all":
			return handleStoreAll(ctx, backend, input.Action == "get_all")
		default:
			return errorResult(fmt.Sprintf("unknown action: %s (use: get, set, delete, list, get_all)", input.Action)), StoreOutput{}, nil
		}
	}
}

func handleStoreGet(ctx context.Context, backend store.Backend, input StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
	if input.Key == "" {
		return errorResult("key required"), StoreOutput{}, nil
	}
	raw, ok, err := backend.Get(ctx, input.Key)
	if err != nil {
		return errorResult(fmt.Sprintf("store get: %v", err)), StoreOutput{}, nil
	}
	if !ok {
		return errorResult("key not found"), StoreOutput{}, nil
	}
	return nil, StoreOutput{Success: true, Value: decode(raw)}, nil
}

func handleStoreSet(ctx context.Context, backend store.Backend, input StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
	if input.Key == "" {
		return errorResult("key required"), StoreOutput{}, nil
	}
	if input.Value == nil {
		return errorResult("value required"), StoreOutput{}, nil
	}
	raw, err := json.Marshal(input.Value)
	if err != nil {
		return errorResult(fmt.Sprintf("encode value: %v", err)), StoreOutput{}, nil
	}
	if err := backend.Set(ctx, input.Key, raw); err != nil {
		return errorResult(fmt.Sprintf("store set: %v", err)), StoreOutput{}, nil
	}
	return nil, StoreOutput{Success: true, Message: fmt.Sprintf("stored %s", input.Key)}, nil
}

func handleStoreDelete(ctx context.Context, backend store.Backend, input StoreInput) (*mcp.CallToolResult, StoreOutput, error) {
	if input.Key == "" {
		return errorResult("key required"), StoreOutput{}, nil
	}
	if err := backend.Remove(ctx, input.Key); err != nil {
		return errorResult(fmt.Sprintf("store delete: %v", err)), StoreOutput{}, nil
	}
	return nil, StoreOutput{Success: true, Message: fmt.Sprintf("deleted %s", input.Key)}, nil
}

func handleStoreAll(ctx context.Context, backend store.Backend, withValues bool) (*mcp.CallToolResult, StoreOutput, error) {
	all, err := backend.GetAll(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("store list: %v", err)), StoreOutput{}, nil
	}
	out := StoreOutput{Success: true, Count: len(all)}
	for k := range all {
		out.Keys = append(out.Keys, k)
	}
	sort.Strings(out.Keys)
	if withValues {
		out.Entries = make(map[string]any, len(all))
		for k, v := range all {
			out.Entries[k] = decode(v)
		}
	}
	return nil, out, nil
}

func decode(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
