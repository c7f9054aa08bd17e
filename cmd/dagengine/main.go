// Command dagengine runs a small sample workflow end to end and prints a
// colorized summary of the result: a human-readable smoke test for the
// engine's Execute path, not a production entrypoint (there is no DSL
// loader or HTTP surface in this repository).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/dagrunner/engine/internal/checkpoint"
	"github.com/dagrunner/engine/internal/condition"
	"github.com/dagrunner/engine/internal/config"
	"github.com/dagrunner/engine/internal/dispatcher"
	"github.com/dagrunner/engine/internal/domain"
	"github.com/dagrunner/engine/internal/executorfw"
	"github.com/dagrunner/engine/internal/obslog"
	"github.com/dagrunner/engine/pkg/executors"
)

const (
	colorReset  = "\033[0m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	bold        = "\033[1m"
)

func sampleDefinition() *domain.WorkflowDefinition {
	node := domain.NewNode
	return &domain.WorkflowDefinition{
		ID:       "sample-workflow",
		Name:     "fetch-transform-notify",
		TenantID: "demo",
		Version:  "1.0.0",
		Nodes: []*domain.Node{
			node("start", domain.NodeTypeStart, "Start", nil),
			node("gate", domain.NodeTypeIF, "Gate", map[string]any{"condition": "input.shouldNotify == true"}),
			node("fetch", domain.NodeTypeLog, "Fetch", map[string]any{"message": "fetched {{input.source}}"}),
			node("notify", domain.NodeTypeLog, "Notify", map[string]any{"message": "notifying on {{input.source}}"}),
			node("merge", domain.NodeTypeMerge, "Merge", nil),
			node("end", domain.NodeTypeEnd, "End", nil),
		},
		Edges: []*domain.Edge{
			{SourceID: "start", TargetID: "gate"},
			{SourceID: "gate", TargetID: "fetch"},
			{SourceID: "gate", TargetID: "notify", Condition: "gate.output.result == true"},
			{SourceID: "fetch", TargetID: "merge"},
			{SourceID: "notify", TargetID: "merge"},
			{SourceID: "merge", TargetID: "end"},
		},
		GlobalVariables: map[string]any{"environment": "demo"},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
}

func main() {
	out := colorable.NewColorable(os.Stdout)
	noColor := !isatty.IsTerminal(os.Stdout.Fd())

	log := obslog.New(obslog.Options{Level: "info", Format: "console"})

	factory := executorfw.NewFactory()
	if err := executors.RegisterReference(factory, domain.NodeTypeStart, domain.NodeTypeEnd); err != nil {
		fmt.Fprintf(out, "failed to register reference executors: %v\n", err)
		os.Exit(1)
	}

	store := checkpoint.NewMemoryStore()
	cfg := config.DefaultEngineConfig()
	d := dispatcher.New(cfg, store, factory, condition.NewEvaluator(), log)
	defer d.Close()

	def := sampleDefinition()
	input := map[string]any{"source": "orders-api", "shouldNotify": true}

	triggers := domain.NewTriggerRegistry()
	manual := &domain.TriggerRegistration{
		ID:         "manual-demo",
		WorkflowID: def.ID,
		Kind:       domain.TriggerManual,
		Config:     map[string]any{"asyncMode": false},
		Enabled:    true,
	}
	triggers.Register(manual)

	result, err := fire(d, triggers, def, input)
	if err != nil {
		fmt.Fprintf(out, "execution failed to start: %v\n", err)
		os.Exit(1)
	}

	displayResult(out, noColor, result)
	if !result.Success {
		os.Exit(1)
	}
}

// fire starts an execution the way the trigger surface would: the first
// enabled trigger registered for the workflow picks the sync/async mode,
// and its invocation counter is bumped. With no trigger registered the
// default is async.
func fire(d *dispatcher.Dispatcher, triggers *domain.TriggerRegistry, def *domain.WorkflowDefinition, input map[string]any) (*dispatcher.DispatchResult, error) {
	ctx := context.Background()
	for _, t := range triggers.ForWorkflow(def.ID) {
		if !t.Enabled {
			continue
		}
		t.RecordInvocation()
		if t.SyncMode() {
			return d.Execute(ctx, def, input)
		}
		break
	}
	h, err := d.ExecuteAsync(ctx, def, input)
	if err != nil {
		return nil, err
	}
	return h.Result(), nil
}

func displayResult(out io.Writer, noColor bool, result *dispatcher.DispatchResult) {
	paint := func(code string) string {
		if noColor {
			return ""
		}
		return code
	}
	title := func(text string) {
		fmt.Fprintf(out, "\n%s%s=== %s ===%s\n\n", paint(bold), paint(colorBlue), text, paint(colorReset))
	}
	kv := func(label string, value any) {
		fmt.Fprintf(out, "  %s%-18s%s: %v\n", paint(colorCyan), label, paint(colorReset), value)
	}
	statusColor := func(status domain.NodeStatus) string {
		if noColor {
			return ""
		}
		switch status {
		case domain.NodeSuccess:
			return colorGreen
		case domain.NodeSkipped:
			return colorYellow
		default:
			return colorRed
		}
	}
	title("Execution Result")
	kv("Execution ID", result.ExecutionID)
	kv("Success", result.Success)
	kv("Duration (ms)", result.DurationMs)
	if result.ErrorMessage != "" {
		kv("Error", result.ErrorMessage)
	}

	fmt.Fprintf(out, "\n%sNode Results:%s\n", paint(bold), paint(colorReset))
	for id, r := range result.PerNodeResults {
		fmt.Fprintf(out, "  %s%-10s%s %s (output: %t)\n", statusColor(r.Status), r.Status, paint(colorReset), id, r.Output != nil)
	}

	fmt.Fprintf(out, "\n%sOutput:%s %v\n", paint(bold), paint(colorReset), result.OutputData)
}
