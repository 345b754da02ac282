package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/hlassist/internal/project"
)

// DetectInput defines input for the detect tool.
type DetectInput struct {
	Path string `json:"path,omitempty" jsonschema:"Directory path (defaults to current dir)"`
}

// DetectOutput defines output for detect.
type DetectOutput struct {
	Type           string            `json:"type"`
	Label          string            `json:"label"`
	Name           string            `json:"name"`
	Command        string            `json:"command"`
	Port           int               `json:"port"`
	Venv           string            `json:"venv,omitempty"`
	Commands       []CommandOutput   `json:"commands"`
	PackageManager string            `json:"package_manager,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CommandOutput is one runnable project command.
type CommandOutput struct {
	Name      string `json:"name"`
	Run       string `json:"run"`
	DevServer bool   `json:"dev_server,omitempty"`
}

// RegisterProjectTools adds project-related MCP tools to the server.
func RegisterProjectTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "detect",
		Description: `Detect the project behind the inspected page and how to run its dev server.
Example: detect {path: "."} → {label: "Vite", command: "npm run dev", port: 5173, commands: [...]}`,
	}, handleDetect)
}

func handleDetect(ctx context.Context, req *mcp.CallToolRequest, input DetectInput) (*mcp.CallToolResult, DetectOutput, error) {
	path := input.Path
	if path == "" {
		path = "."
	}

	proj, err := project.Detect(path)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to detect: %v", err)), DetectOutput{}, nil
	}

	cmds := make([]CommandOutput, len(proj.Commands))
	for i, cmd := range proj.Commands {
		cmds[i] = CommandOutput{Name: cmd.Name, Run: cmd.String(), DevServer: cmd.Persistent}
	}

	return nil, DetectOutput{
		Type:           string(proj.Type),
		Label:          proj.Label,
		Name:           proj.Name,
		Command:        proj.Command,
		Port:           proj.Port,
		Venv:           proj.Venv,
		Commands:       cmds,
		PackageManager: proj.PackageManager,
		Metadata:       proj.Metadata,
	}, nil
}
