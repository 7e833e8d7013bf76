package agent

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/circuitide/circuit/llm"
	"github.com/circuitide/circuit/session"
	"github.com/circuitide/circuit/tools"
)

func fnCall(id, name, args string) session.ToolCall {
	return session.ToolCall{
		ID:       id,
		Type:     "function",
		Function: session.FunctionCall{Name: name, Arguments: args},
	}
}

func TestReadOnlyToolClassification(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	cases := []struct {
		name string
		want bool
	}{
		{"read_file", true},
		{"list_files", true},
		{"search_files", true},
		{"git_status", true},
		{"git_diff", true},
		{"git_log", true},
		{"web_fetch", true},
		{"web_search", true},
		{"write_file", false},
		{"edit_file", false},
		{"run_command", false},
		{"git_commit", false},
		{"git_branch", false},
		{"html_to_markdown", false},
		{"mcp_github_list_issues", true},
		{"mcp_srv_get_record", true},
		{"mcp_srv_fetch_page", true},
		{"mcp_srv_delete_repo", false},
		{"mcp_srv_apply_patch", false},
		{"totally_unknown", false},
	}
	for _, tc := range cases {
		if got := a.readOnlyTool(tc.name); got != tc.want {
			t.Errorf("readOnlyTool(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDispatchBatchKeepsRequestOrder(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	var mu sync.Mutex
	var order []string
	stub := func(name string, readOnly bool, delay time.Duration) *tools.FuncTool {
		return &tools.FuncTool{
			ToolName: name,
			Desc:     name,
			Schema:   tools.ObjectSchema(map[string]any{}),
			Mutating: !readOnly,
			Fn: func(ctx context.Context, args map[string]any, confirmed bool) (tools.Result, error) {
				time.Sleep(delay)
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return tools.Completed(name + " done"), nil
			},
		}
	}
	a.toolset.Registry.Register(stub("scan_alpha", true, 40*time.Millisecond))
	a.toolset.Registry.Register(stub("scan_beta", true, time.Millisecond))
	a.toolset.Registry.Register(stub("apply_patch", false, 0))

	calls := []session.ToolCall{
		fnCall("c1", "scan_alpha", "{}"),
		fnCall("c2", "scan_beta", "{}"),
		fnCall("c3", "apply_patch", "{}"),
	}
	results := a.dispatchBatch(context.Background(), calls, ProcessCallbacks{})

	want := []string{"scan_alpha done", "scan_beta done", "apply_patch done"}
	if !reflect.DeepEqual(results, want) {
		t.Errorf("results = %v, want original request order %v", results, want)
	}

	if len(order) != 3 {
		t.Fatalf("execution log = %v", order)
	}
	if order[0] != "scan_beta" {
		t.Errorf("execution order = %v, want the quick read to finish first", order)
	}
	if order[2] != "apply_patch" {
		t.Errorf("execution order = %v, want the mutation to wait for all reads", order)
	}
}

func TestDispatchBatchSerializesMutationsInOrder(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	var mu sync.Mutex
	var order []string
	mutator := func(name string) *tools.FuncTool {
		return &tools.FuncTool{
			ToolName: name,
			Desc:     name,
			Schema:   tools.ObjectSchema(map[string]any{}),
			Mutating: true,
			Fn: func(ctx context.Context, args map[string]any, confirmed bool) (tools.Result, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return tools.Completed(name), nil
			},
		}
	}
	a.toolset.Registry.Register(mutator("step_one"))
	a.toolset.Registry.Register(mutator("step_two"))
	a.toolset.Registry.Register(mutator("step_three"))

	calls := []session.ToolCall{
		fnCall("c1", "step_one", "{}"),
		fnCall("c2", "step_two", "{}"),
		fnCall("c3", "step_three", "{}"),
	}
	results := a.dispatchBatch(context.Background(), calls, ProcessCallbacks{})

	want := []string{"step_one", "step_two", "step_three"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("mutation order = %v, want %v", order, want)
	}
	if !reflect.DeepEqual(results, want) {
		t.Errorf("results = %v, want %v", results, want)
	}
}

func TestGatedToolReexecutesConfirmed(t *testing.T) {
	provider := &recordingProvider{approve: true}
	a := newTestAgent(t, &llm.MockClient{}, provider)

	var confirmedValues []bool
	a.toolset.Registry.Register(&tools.FuncTool{
		ToolName: "deploy_change",
		Desc:     "deploy",
		Schema:   tools.ObjectSchema(map[string]any{}),
		Mutating: true,
		Fn: func(ctx context.Context, args map[string]any, confirmed bool) (tools.Result, error) {
			confirmedValues = append(confirmedValues, confirmed)
			if !confirmed {
				return tools.NeedsConfirmation("deploy_change"), nil
			}
			return tools.Completed("deployed"), nil
		},
	})

	result := a.executeCall(context.Background(), fnCall("c1", "deploy_change", "{}"), ProcessCallbacks{})
	if result != "deployed" {
		t.Errorf("result = %q, want deployed", result)
	}
	if !reflect.DeepEqual(confirmedValues, []bool{false, true}) {
		t.Errorf("confirmed sequence = %v, want [false true]", confirmedValues)
	}
	if asked := provider.asked(); len(asked) != 1 || asked[0].Action != "deploy_change" {
		t.Errorf("provider saw %v", asked)
	}
}

func TestNilProviderDeniesGatedActions(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	result := a.executeCall(context.Background(),
		fnCall("c1", "write_file", `{"path":"x.txt","content":"hi"}`), ProcessCallbacks{})
	if result != "Action cancelled by user" {
		t.Errorf("result = %q, want cancellation", result)
	}
}

func TestUnknownToolResult(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	result := a.executeCall(context.Background(), fnCall("c1", "totally_unknown", "{}"), ProcessCallbacks{})
	if result != "Unknown tool: totally_unknown" {
		t.Errorf("result = %q", result)
	}
}

func TestToolErrorBecomesResultText(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)
	a.toolset.Registry.Register(&tools.FuncTool{
		ToolName: "probe_target",
		Desc:     "probe",
		Schema:   tools.ObjectSchema(map[string]any{}),
		Fn: func(ctx context.Context, args map[string]any, confirmed bool) (tools.Result, error) {
			return tools.Result{}, context.DeadlineExceeded
		},
	})

	result := a.executeCall(context.Background(), fnCall("c1", "probe_target", "{}"), ProcessCallbacks{})
	if !strings.HasPrefix(result, "Error executing probe_target:") {
		t.Errorf("result = %q", result)
	}
}

func TestDisconnectedPluginToolReportsError(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	result := a.executeCall(context.Background(), fnCall("c1", "mcp_srv_list_items", "{}"), ProcessCallbacks{})
	if !strings.HasPrefix(result, "Error executing mcp_srv_list_items:") {
		t.Errorf("result = %q", result)
	}
}

func TestMutatingPluginToolGated(t *testing.T) {
	provider := &recordingProvider{approve: false}
	a := newTestAgent(t, &llm.MockClient{}, provider)

	result := a.executeCall(context.Background(), fnCall("c1", "mcp_srv_drop_table", "{}"), ProcessCallbacks{})
	if result != "Action cancelled by user" {
		t.Errorf("result = %q, want cancellation", result)
	}
	if asked := provider.asked(); len(asked) != 1 || asked[0].Tool != "mcp_srv_drop_table" {
		t.Errorf("provider saw %v", asked)
	}
}

func TestCallbacksFireAroundExecution(t *testing.T) {
	a := newTestAgent(t, &llm.MockClient{}, nil)

	var events []string
	cb := ProcessCallbacks{
		OnToolCall:   func(name, detail string) { events = append(events, "call:"+name+":"+detail) },
		OnToolResult: func(name, result string) { events = append(events, "result:"+name) },
	}
	a.executeCall(context.Background(), fnCall("c1", "git_log", `{"count":3}`), cb)

	if len(events) != 2 || events[0] != "call:git_log:-3" || events[1] != "result:git_log" {
		t.Errorf("callback events = %v", events)
	}
}
