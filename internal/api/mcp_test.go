package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/ctxrevival/internal/pipeline"
	"github.com/kalambet/ctxrevival/internal/trigger"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	return MCPDeps{Service: newTestService(t), ProjectDir: "/tmp/mcp-proj"}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

func TestMCPTool_StoreThenRevive(t *testing.T) {
	deps := newTestMCPDeps(t)

	result := callTool(t, mcpStoreTurnOutcome(deps), "store_turn_outcome", map[string]interface{}{
		"prompt":   "login error in auth handler",
		"payload":  "added nil check",
		"files":    []interface{}{"auth/login.go"},
		"outcome":  "success",
		"metadata": map[string]interface{}{"agent": "test", "turn_ms": 12.0},
	})
	if result.IsError {
		t.Fatalf("store failed: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Stored record ") {
		t.Errorf("text = %q", toolText(t, result))
	}

	result = callTool(t, mcpReviveContext(deps), "revive_context", map[string]interface{}{
		"prompt": revivePrompt,
	})
	if result.IsError {
		t.Fatalf("revive failed: %s", toolText(t, result))
	}
	text := toolText(t, result)
	if !strings.Contains(text, "login error in auth handler") || !strings.Contains(text, "auth/login.go") {
		t.Errorf("revived context missing record:\n%s", text)
	}

	// Another project sees nothing.
	result = callTool(t, mcpReviveContext(deps), "revive_context", map[string]interface{}{
		"prompt":      revivePrompt,
		"project_dir": "/tmp/other-proj",
	})
	if got := toolText(t, result); got != "" {
		t.Errorf("other project got %q", got)
	}
}

func TestMCPTool_RequiredArguments(t *testing.T) {
	deps := newTestMCPDeps(t)

	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"revive_context":     mcpReviveContext(deps),
		"store_turn_outcome": mcpStoreTurnOutcome(deps),
		"analyze_prompt":     mcpAnalyzePrompt(deps),
	} {
		if result := callTool(t, h, name, map[string]interface{}{}); !result.IsError {
			t.Errorf("%s: expected error without prompt", name)
		}
	}
}

func TestMCPTool_StoreRejectsBadMetadata(t *testing.T) {
	deps := newTestMCPDeps(t)

	for _, md := range []interface{}{"not-an-object", map[string]interface{}{"tags": []interface{}{"a"}}} {
		result := callTool(t, mcpStoreTurnOutcome(deps), "store_turn_outcome", map[string]interface{}{
			"prompt":   "p",
			"metadata": md,
		})
		if !result.IsError {
			t.Errorf("metadata %v: expected error", md)
		}
	}
}

func TestMCPTool_ContextHealth(t *testing.T) {
	deps := newTestMCPDeps(t)

	result := callTool(t, mcpContextHealth(deps), "context_health", nil)
	if result.IsError {
		t.Fatalf("health failed: %s", toolText(t, result))
	}
	var h pipeline.Health
	if err := json.Unmarshal([]byte(toolText(t, result)), &h); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	if !h.StoreReachable || h.ProjectDir != "/tmp/mcp-proj" {
		t.Errorf("health = %+v", h)
	}
}

func TestMCPTool_AnalyzePrompt(t *testing.T) {
	deps := newTestMCPDeps(t)

	result := callTool(t, mcpAnalyzePrompt(deps), "analyze_prompt", map[string]interface{}{"prompt": "  "})
	var a trigger.Analysis
	if err := json.Unmarshal([]byte(toolText(t, result)), &a); err != nil {
		t.Fatalf("parse analysis: %v", err)
	}
	if a.ShouldRetrieve || len(a.Reasons) != 1 || a.Reasons[0] != trigger.ReasonEmptyPrompt {
		t.Errorf("analysis = %+v", a)
	}
}

func TestMCPResource_Projects(t *testing.T) {
	deps := newTestMCPDeps(t)
	callTool(t, mcpContextHealth(deps), "context_health", nil)

	contents, err := mcpResourceProjects(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "ctxrevival://projects"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var projects []string
	if err := json.Unmarshal([]byte(tc.Text), &projects); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(projects) != 1 || projects[0] != "/tmp/mcp-proj" {
		t.Errorf("projects = %v", projects)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps := newTestMCPDeps(t)
	store := mcpStoreTurnOutcome(deps)
	revive := mcpReviveContext(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := store(context.Background(), makeCallToolRequest("store_turn_outcome", map[string]interface{}{
				"prompt": "concurrent turn",
			}))
			if err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			_, err := revive(context.Background(), makeCallToolRequest("revive_context", map[string]interface{}{
				"prompt": revivePrompt,
			}))
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	if s := NewMCPServer(newTestMCPDeps(t)); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
