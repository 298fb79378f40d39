package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ctxrevival/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	// ProjectDir is used when a tool call carries no project_dir.
	ProjectDir string
	Version    string
}

// NewMCPServer creates an MCP server with the context revival tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"ctxrevival",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ctxrevival recalls what happened in earlier turns of this project. "+
			"Call revive_context with the user's prompt before answering and store_turn_outcome after finishing a turn."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("revive_context",
			mcp.WithDescription("Return a block of relevant records from earlier turns for a prompt, or an empty result when nothing relevant is stored."),
			mcp.WithString("prompt", mcp.Description("The user's prompt"), mcp.Required()),
			mcp.WithString("project_dir", mcp.Description("Project directory (defaults to the server's working directory)")),
		),
		mcpReviveContext(deps),
	)

	s.AddTool(
		mcp.NewTool("store_turn_outcome",
			mcp.WithDescription("Record the outcome of a completed turn so later prompts can recall it."),
			mcp.WithString("prompt", mcp.Description("The prompt of the turn"), mcp.Required()),
			mcp.WithString("payload", mcp.Description("What was done or answered")),
			mcp.WithArray("files", mcp.Description("Files touched in the turn")),
			mcp.WithString("outcome", mcp.Description("success, failure, partial or unknown"),
				mcp.Enum("success", "failure", "partial", "unknown")),
			mcp.WithObject("metadata", mcp.Description("Optional string metadata (agent, branch, model, tags, ...)")),
			mcp.WithString("project_dir", mcp.Description("Project directory (defaults to the server's working directory)")),
		),
		mcpStoreTurnOutcome(deps),
	)

	s.AddTool(
		mcp.NewTool("context_health",
			mcp.WithDescription("Report store reachability, circuit state and counters for a project."),
			mcp.WithString("project_dir", mcp.Description("Project directory (defaults to the server's working directory)")),
		),
		mcpContextHealth(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_prompt",
			mcp.WithDescription("Explain whether a prompt would trigger retrieval and which signals fired."),
			mcp.WithString("prompt", mcp.Description("The prompt to analyze"), mcp.Required()),
		),
		mcpAnalyzePrompt(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ctxrevival://projects",
			"Open Projects",
			mcp.WithResourceDescription("Project directories with an open record store"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProjects(deps),
	)

	return s
}

func projectDir(deps MCPDeps, req mcp.CallToolRequest) string {
	if dir := req.GetString("project_dir", ""); dir != "" {
		return dir
	}
	return deps.ProjectDir
}

func mcpReviveContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		return mcpText(deps.Service.GenerateContextInjection(ctx, prompt, projectDir(deps, req))), nil
	}
}

func mcpStoreTurnOutcome(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		metadata, err := stringMap(req.GetArguments()["metadata"])
		if err != nil {
			return mcpError(err.Error()), nil
		}

		id, err := deps.Service.StoreTurnOutcome(ctx, projectDir(deps, req), pipeline.TurnOutcome{
			Prompt:   prompt,
			Payload:  req.GetString("payload", ""),
			Files:    req.GetStringSlice("files", nil),
			Outcome:  req.GetString("outcome", ""),
			Metadata: metadata,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store turn outcome: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Stored record %d", id)), nil
	}
}

func mcpContextHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h := deps.Service.HealthStatus(ctx, projectDir(deps, req))
		b, err := json.Marshal(h)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal health: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAnalyzePrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}
		b, err := json.Marshal(deps.Service.Analyze(prompt))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal analysis: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProjects(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Service.Projects())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal projects: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// stringMap accepts a JSON object of scalars; values are stringified.
func stringMap(v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metadata must be an object")
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		switch val := val.(type) {
		case string:
			out[k] = val
		case float64, bool:
			out[k] = fmt.Sprintf("%v", val)
		default:
			return nil, fmt.Errorf("metadata value for %q must be a string, number or bool", k)
		}
	}
	return out, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
