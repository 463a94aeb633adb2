package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// fakeTool is a configurable tool for dispatcher tests.
type fakeTool struct {
	name        string
	blocking    bool
	serial      bool
	interactive bool
	collab      bool
	params      map[string]any

	execute func(args map[string]any) (*tool.Result, error)
	calls   int
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "test tool" }
func (f *fakeTool) Parameters() map[string]any  { return f.params }
func (f *fakeTool) Interactive() bool           { return f.interactive }
func (f *fakeTool) Blocking() bool              { return f.blocking }
func (f *fakeTool) Serial() bool                { return f.serial }
func (f *fakeTool) Collaboration() bool         { return f.collab }

func (f *fakeTool) Execute(_ context.Context, args map[string]any, _ tool.ExecContext) (*tool.Result, error) {
	f.calls++
	if f.execute != nil {
		return f.execute(args)
	}
	return &tool.Result{Output: f.name + " ok", Success: true}, nil
}

func newTestRegistry(t *testing.T, tools ...tool.Tool) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	for _, tl := range tools {
		if err := r.Register(tl); err != nil {
			t.Fatal(err)
		}
	}
	return r
}

func call(name, id, args string) entity.ToolCall {
	return entity.ToolCall{
		ID:       id,
		Type:     "function",
		Function: entity.FunctionCall{Name: name, Arguments: args},
	}
}

func TestOrderBuckets(t *testing.T) {
	reg := newTestRegistry(t,
		&fakeTool{name: "parallel_a"},
		&fakeTool{name: "parallel_b"},
		&fakeTool{name: "serial_x", serial: true},
		&fakeTool{name: "blocking_x", blocking: true},
		&fakeTool{name: "ask_user", collab: true},
	)
	d := NewDispatcher(reg, testLogger(t))

	// Emission order mixes buckets; collaboration arrives first.
	calls := []entity.ToolCall{
		call("ask_user", "c1", "{}"),
		call("parallel_a", "c2", "{}"),
		call("blocking_x", "c3", "{}"),
		call("serial_x", "c4", "{}"),
		call("parallel_b", "c5", "{}"),
	}

	got := d.Order(calls)
	want := []string{"blocking_x", "serial_x", "parallel_a", "parallel_b", "ask_user"}
	for i, name := range want {
		if got[i].Function.Name != name {
			t.Fatalf("position %d = %s, want %s", i, got[i].Function.Name, name)
		}
	}
}

func TestOrderInteractiveOverride(t *testing.T) {
	reg := newTestRegistry(t,
		&fakeTool{name: "normally_parallel"},
		&fakeTool{name: "other"},
	)
	d := NewDispatcher(reg, testLogger(t))

	tests := []struct {
		name string
		args string
		want string // bucket of normally_parallel relative to other
	}{
		{"bool override", `{"isInteractive":true}`, "normally_parallel"},
		{"string override", `{"isInteractive":"true"}`, "normally_parallel"},
		{"no override", `{}`, "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := []entity.ToolCall{
				call("other", "c1", "{}"),
				call("normally_parallel", "c2", tt.args),
			}
			got := d.Order(calls)
			if got[0].Function.Name != tt.want {
				t.Errorf("first = %s, want %s", got[0].Function.Name, tt.want)
			}
		})
	}
}

func TestExecuteSkipsAfterStop(t *testing.T) {
	a := &fakeTool{name: "a"}
	b := &fakeTool{name: "b"}
	c := &fakeTool{name: "c"}
	d := NewDispatcher(newTestRegistry(t, a, b, c), testLogger(t))

	stopAfterFirst := false
	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("a", "c1", "{}"), call("b", "c2", "{}"), call("c", "c3", "{}")},
		tool.ExecContext{}, func() bool {
			was := stopAfterFirst
			stopAfterFirst = true
			return was
		}, nil)

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2 (stop fires before the third)", len(outcomes))
	}
	if c.calls != 0 {
		t.Error("third tool ran despite stop")
	}
}

func TestExecuteVeto(t *testing.T) {
	a := &fakeTool{name: "a"}
	d := NewDispatcher(newTestRegistry(t, a), testLogger(t))

	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("a", "c1", "{}")},
		tool.ExecContext{}, nil,
		func(name string, _ map[string]any) bool { return false })

	if a.calls != 0 {
		t.Error("vetoed tool executed")
	}
	if len(outcomes) != 1 || outcomes[0].Success {
		t.Errorf("veto outcome = %+v", outcomes)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	d := NewDispatcher(newTestRegistry(t), testLogger(t))
	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("nope", "c1", "{}")},
		tool.ExecContext{}, nil, nil)

	if len(outcomes) != 1 {
		t.Fatal("expected an outcome for the unknown tool")
	}
	if outcomes[0].Success || !strings.Contains(outcomes[0].Output, "unknown tool") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestEnhanceErrorIncludesConstraints(t *testing.T) {
	ft := &fakeTool{
		name: "file_operations",
		params: map[string]any{
			"type":     "object",
			"required": []any{"operation", "path"},
			"properties": map[string]any{
				"operation": map[string]any{"type": "string", "enum": []any{"read_file", "write_file"}},
				"path":      map[string]any{"type": "string"},
				"offset":    map[string]any{"type": "integer"},
			},
		},
		execute: func(map[string]any) (*tool.Result, error) {
			return nil, errors.New("path does not exist")
		},
	}
	d := NewDispatcher(newTestRegistry(t, ft), testLogger(t))

	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("file_operations", "c1", `{"operation":"read_file","path":"/tmp/missing"}`)},
		tool.ExecContext{}, nil, nil)

	out := outcomes[0].Output
	if !strings.Contains(out, "path does not exist") {
		t.Errorf("original error lost: %q", out)
	}
	if !strings.Contains(out, "required: operation, path") {
		t.Errorf("required constraints missing: %q", out)
	}
	if !strings.Contains(out, "read_file") {
		t.Errorf("enum values missing: %q", out)
	}
}

func TestExecuteRejectsSchemaViolations(t *testing.T) {
	ft := &fakeTool{
		name: "file_operations",
		params: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}
	d := NewDispatcher(newTestRegistry(t, ft), testLogger(t))

	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("file_operations", "c1", `{"offset":3}`)},
		tool.ExecContext{}, nil, nil)

	if ft.calls != 0 {
		t.Error("tool executed despite failing argument validation")
	}
	out := outcomes[0].Output
	if outcomes[0].Success || !strings.Contains(out, "invalid arguments") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
	if !strings.Contains(out, "required: path") {
		t.Errorf("constraints missing from validation failure: %q", out)
	}
}

func TestChronicFailureHint(t *testing.T) {
	ft := &fakeTool{
		name: "file_operations",
		execute: func(map[string]any) (*tool.Result, error) {
			return nil, errors.New("boom")
		},
	}
	d := NewDispatcher(newTestRegistry(t, ft), testLogger(t))

	var out string
	for i := 0; i < chronicFailureThreshold; i++ {
		outcomes := d.Execute(context.Background(),
			[]entity.ToolCall{call("file_operations", "c1", "{}")},
			tool.ExecContext{}, nil, nil)
		out = outcomes[0].Output
	}
	if !strings.Contains(out, "Hint:") {
		t.Errorf("no alternatives hint after %d failures: %q", chronicFailureThreshold, out)
	}

	// A success resets the streak.
	ft.execute = nil
	d.Execute(context.Background(),
		[]entity.ToolCall{call("file_operations", "c1", "{}")},
		tool.ExecContext{}, nil, nil)
	ft.execute = func(map[string]any) (*tool.Result, error) { return nil, errors.New("boom") }
	outcomes := d.Execute(context.Background(),
		[]entity.ToolCall{call("file_operations", "c1", "{}")},
		tool.ExecContext{}, nil, nil)
	if strings.Contains(outcomes[0].Output, "Hint:") {
		t.Error("hint persisted after a success reset the failure count")
	}
}
