package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/talon-agent/talon/internal/domain/entity"
	"github.com/talon-agent/talon/internal/domain/tool"
)

// chronicFailureThreshold is how many failures of the same tool within one
// dispatcher lifetime trigger an alternatives suggestion.
const chronicFailureThreshold = 3

// ToolOutcome is one executed call with its stringified result.
type ToolOutcome struct {
	Call    entity.ToolCall
	Output  string
	Success bool
}

// Dispatcher classifies, orders, and executes the tool calls of one
// assistant turn. Execution is sequential; the ordering contract leaves
// room to parallelize the PARALLEL bucket later.
type Dispatcher struct {
	registry *tool.Registry
	logger   *zap.Logger

	failures map[string]int
}

func NewDispatcher(registry *tool.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With(zap.String("component", "dispatcher")),
		failures: make(map[string]int),
	}
}

// orderedCall pairs a call with its bucket and original position.
type orderedCall struct {
	call      entity.ToolCall
	args      map[string]any
	mode      tool.Mode
	emitOrder int
}

// Order classifies each call and returns them in execution order: blocking,
// serial, parallel, then user-collaboration tools last. Within a bucket the
// model's emission order is preserved.
func (d *Dispatcher) Order(calls []entity.ToolCall) []entity.ToolCall {
	ordered := d.classify(calls)
	out := make([]entity.ToolCall, len(ordered))
	for i, oc := range ordered {
		out[i] = oc.call
	}
	return out
}

func (d *Dispatcher) classify(calls []entity.ToolCall) []orderedCall {
	ordered := make([]orderedCall, 0, len(calls))
	for i, call := range calls {
		args := map[string]any{}
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)

		mode := tool.ModeParallel
		if t, ok := d.registry.Get(call.Function.Name); ok {
			mode = tool.Classify(t, args)
		}
		ordered = append(ordered, orderedCall{call: call, args: args, mode: mode, emitOrder: i})
	}

	rank := func(m tool.Mode) int {
		switch m {
		case tool.ModeBlocking:
			return 0
		case tool.ModeSerial:
			return 1
		case tool.ModeParallel:
			return 2
		default: // collaborate
			return 3
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := rank(ordered[i].mode), rank(ordered[j].mode)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].emitOrder < ordered[j].emitOrder
	})
	return ordered
}

// Execute runs the calls of one turn in bucket order. shouldStop is polled
// between executions; when it fires the remaining calls are skipped (the
// caller appends skip results to keep pairing intact). approve, when set,
// can veto individual calls before they run.
func (d *Dispatcher) Execute(ctx context.Context, calls []entity.ToolCall, exec tool.ExecContext, shouldStop func() bool, approve func(name string, args map[string]any) bool) []ToolOutcome {
	ordered := d.classify(calls)
	outcomes := make([]ToolOutcome, 0, len(ordered))

	for i, oc := range ordered {
		if i > 0 && shouldStop != nil && shouldStop() {
			d.logger.Info("Remaining tools skipped after interrupt",
				zap.Int("skipped", len(ordered)-i),
			)
			break
		}
		if approve != nil && !approve(oc.call.Function.Name, oc.args) {
			outcomes = append(outcomes, ToolOutcome{
				Call:   oc.call,
				Output: fmt.Sprintf("Tool %s was not permitted to run.", oc.call.Function.Name),
			})
			continue
		}
		outcomes = append(outcomes, d.executeOne(ctx, oc, exec))
	}
	return outcomes
}

func (d *Dispatcher) executeOne(ctx context.Context, oc orderedCall, exec tool.ExecContext) ToolOutcome {
	name := oc.call.Function.Name

	t, ok := d.registry.Get(name)
	if !ok {
		d.failures[name]++
		return ToolOutcome{
			Call:   oc.call,
			Output: fmt.Sprintf("Error: unknown tool %q. Available tools are listed in your tool definitions.", name),
		}
	}

	if schema := d.registry.Schema(name); schema != nil {
		if err := schema.Validate(oc.args); err != nil {
			d.failures[name]++
			return ToolOutcome{Call: oc.call, Output: d.enhanceError(name, fmt.Sprintf("invalid arguments: %v", err))}
		}
	}

	d.logger.Debug("Executing tool",
		zap.String("tool", name),
		zap.String("bucket", oc.mode.String()),
	)

	result, err := t.Execute(ctx, oc.args, exec)
	if err != nil {
		d.failures[name]++
		return ToolOutcome{Call: oc.call, Output: d.enhanceError(name, err.Error())}
	}
	if result == nil {
		return ToolOutcome{Call: oc.call, Output: "", Success: true}
	}
	if !result.Success && result.Error != "" {
		d.failures[name]++
		return ToolOutcome{Call: oc.call, Output: d.enhanceError(name, result.Error)}
	}

	d.failures[name] = 0
	return ToolOutcome{Call: oc.call, Output: stringifyOutput(result.Output), Success: true}
}

// enhanceError restates the tool's parameter constraints alongside the
// failure and, for chronically failing tools, suggests alternatives.
func (d *Dispatcher) enhanceError(name, errMsg string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Error executing %s: %s", name, errMsg)

	if constraints := d.schemaConstraints(name); constraints != "" {
		b.WriteString("\n\nParameter constraints:\n")
		b.WriteString(constraints)
	}

	if d.failures[name] >= chronicFailureThreshold {
		if hint := alternativeHint(name); hint != "" {
			b.WriteString("\n\n")
			b.WriteString(hint)
		}
	}
	return b.String()
}

// schemaConstraints renders the required fields and per-property types from
// the tool's raw parameter block.
func (d *Dispatcher) schemaConstraints(name string) string {
	t, ok := d.registry.Get(name)
	if !ok {
		return ""
	}
	params := t.Parameters()
	if params == nil {
		return ""
	}

	var b strings.Builder
	if req, ok := params["required"].([]any); ok && len(req) > 0 {
		names := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		fmt.Fprintf(&b, "- required: %s\n", strings.Join(names, ", "))
	}
	if props, ok := params["properties"].(map[string]any); ok {
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p, _ := props[k].(map[string]any)
			typ, _ := p["type"].(string)
			if typ == "" {
				typ = "any"
			}
			if enum, ok := p["enum"].([]any); ok {
				fmt.Fprintf(&b, "- %s (%s, one of %v)\n", k, typ, enum)
			} else {
				fmt.Fprintf(&b, "- %s (%s)\n", k, typ)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// alternativeHint maps chronically failing tools to a concrete alternative.
func alternativeHint(name string) string {
	switch {
	case strings.Contains(name, "file"):
		return "Hint: this tool has failed repeatedly. Prefer a line-ranged read of the specific region you need instead of re-reading the whole file."
	case strings.Contains(name, "terminal"), strings.Contains(name, "shell"), strings.Contains(name, "command"):
		return "Hint: this tool has failed repeatedly. Break the command into smaller steps and check each result before continuing."
	case strings.Contains(name, "search"), strings.Contains(name, "web"):
		return "Hint: this tool has failed repeatedly. Try a narrower query or a different phrasing."
	}
	return "Hint: this tool has failed repeatedly. Consider a different approach to the task."
}

// stringifyOutput normalizes the value the model sees; numbers and booleans
// arrive as their literal text.
func stringifyOutput(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
