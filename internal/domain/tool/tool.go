package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode classifies how a tool call may be scheduled within a turn.
type Mode int

const (
	// ModeParallel tools have no ordering requirement among themselves.
	ModeParallel Mode = iota
	// ModeSerial tools run one at a time, before parallel tools.
	ModeSerial
	// ModeBlocking tools must complete before anything else in the turn.
	ModeBlocking
	// ModeCollaborate marks user-collaboration tools; they always run last
	// so the user sees every other result before being asked anything.
	ModeCollaborate
)

// String returns the scheduling bucket label.
func (m Mode) String() string {
	switch m {
	case ModeBlocking:
		return "blocking"
	case ModeSerial:
		return "serial"
	case ModeCollaborate:
		return "collaborate"
	default:
		return "parallel"
	}
}

// Result is what a tool returns. Output is what the model sees; the rest is
// for the UI and the dispatcher.
type Result struct {
	Output            string
	ActionDescription string
	ExpandedContent   string
	Success           bool
	Error             string
}

// Tool is the contract every executable tool satisfies. Concrete
// implementations (files, terminal, web, sub-agents) live outside the core.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema block advertised to the model.
	Parameters() map[string]any

	// Interactive tools prompt the user and therefore block the turn.
	Interactive() bool
	// Blocking tools must finish before any other tool in the turn.
	Blocking() bool
	// Serial tools cannot run concurrently with each other.
	Serial() bool
	// Collaboration marks tools that ask the user something.
	Collaboration() bool

	Execute(ctx context.Context, args map[string]any, exec ExecContext) (*Result, error)
}

// ExecContext carries per-turn execution context into tools.
type ExecContext struct {
	SessionID string
	// TurnSnapshotID is the undo snapshot file-mutating tools deposit
	// pre-images under.
	TurnSnapshotID string
}

// Definition is the wire form of a tool sent to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the tool set for one agent context. Sub-agent contexts get
// a filtered view with fork-prone and cross-agent tools removed.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema for later argument
// validation. Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	if params := t.Parameters(); params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal schema for %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("add schema for %s: %w", name, err)
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			// A malformed schema disables validation for this tool but does
			// not block registration; the model still gets the raw block.
			schema = nil
		}
		r.schemas[name] = schema
	}

	r.tools[name] = t
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schema returns the compiled parameter schema for a tool, if any.
func (r *Registry) Schema(name string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas[name]
}

// Definitions lists all tool definitions in stable name order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Filter returns a new registry containing only tools the predicate accepts.
// Used to strip fork-prone tools from sub-agent contexts.
func (r *Registry) Filter(keep func(Tool) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := NewRegistry()
	for name, t := range r.tools {
		if keep(t) {
			out.tools[name] = t
			out.schemas[name] = r.schemas[name]
		}
	}
	return out
}

// Classify determines the scheduling bucket for one call. Parsed arguments
// may carry an isInteractive override that beats the tool's default.
func Classify(t Tool, args map[string]any) Mode {
	if t.Collaboration() {
		return ModeCollaborate
	}

	interactive := t.Interactive()
	if v, ok := args["isInteractive"]; ok {
		switch b := v.(type) {
		case bool:
			interactive = b
		case string:
			interactive = b == "true" || b == "1"
		}
	}

	if t.Blocking() || interactive {
		return ModeBlocking
	}
	if t.Serial() {
		return ModeSerial
	}
	return ModeParallel
}
