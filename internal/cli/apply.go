package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database   string
	Record     string
	Tree       string
	Selector   string
	Value      string
	Render     bool
	AppContext string
}

// AppliedTransform is one transform observed while applying a change.
type AppliedTransform struct {
	GUID      string            `json:"guid"`
	Operation ir.Operation      `json:"operation"`
	Tree      string            `json:"tree"`
	Node      string            `json:"node,omitempty"`
	Value     ir.Value          `json:"value,omitempty"`
	State     ir.TransformState `json:"state"`
	MimicOf   string            `json:"mimic_of,omitempty"`
}

// ApplyResult reports what a change did to the forrest.
type ApplyResult struct {
	Transforms []AppliedTransform `json:"transforms"`
	Trees      map[string]string  `json:"trees,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <spec>",
		Short: "Apply one change to a realized forrest",
		Long: `Realize a forrest, apply one change, and report the transforms it caused.

The change is either a wire transform, applied as if it came from the
remote store:

  cts apply ./specs --record '{"operation":"set-value","treeName":"page","nodeIdentifier":"title","value":"Hi"}'

or a local value change, which propagates along relations and commits
like an edit would:

  cts apply ./specs --db journal.db --tree page --selector title --value '"Hi"'

Transforms committed by trees are journaled to --db when given.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return applyChange(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal")
	cmd.Flags().StringVar(&opts.Record, "record", "", "wire transform as JSON")
	cmd.Flags().StringVar(&opts.Tree, "tree", "", "tree to change")
	cmd.Flags().StringVar(&opts.Selector, "selector", "", "selector of the nodes to change")
	cmd.Flags().StringVar(&opts.Value, "value", "", "new value as JSON")
	cmd.Flags().BoolVar(&opts.Render, "render", false, "print every tree after the change")
	cmd.Flags().StringVar(&opts.AppContext, "app-context", "", "app context stamped on transforms")

	return cmd
}

// applyCommand builds the engine command the flags describe.
func (opts *ApplyOptions) applyCommand() (engine.Command, error) {
	local := opts.Tree != "" || opts.Selector != "" || opts.Value != ""
	switch {
	case opts.Record != "" && local:
		return engine.Command{}, fmt.Errorf("--record cannot be combined with --tree, --selector or --value")

	case opts.Record != "":
		var rec ir.TransformRecord
		if err := json.Unmarshal([]byte(opts.Record), &rec); err != nil {
			return engine.Command{}, fmt.Errorf("invalid --record JSON: %w", err)
		}
		return engine.Command{Kind: engine.CommandApply, Record: rec}, nil

	case local:
		if opts.Tree == "" || opts.Value == "" {
			return engine.Command{}, fmt.Errorf("--tree and --value are required for a value change")
		}
		val, err := ir.UnmarshalValue([]byte(opts.Value))
		if err != nil {
			return engine.Command{}, fmt.Errorf("invalid --value JSON: %w", err)
		}
		return engine.Command{
			Kind:     engine.CommandSetValue,
			Tree:     opts.Tree,
			Selector: opts.Selector,
			Value:    val,
		}, nil

	default:
		return engine.Command{}, fmt.Errorf("nothing to apply: give --record or --tree/--value")
	}
}

func applyChange(opts *ApplyOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	change, err := opts.applyCommand()
	if err != nil {
		return commandError(formatter, ErrCodeBadInput, err.Error(), nil)
	}

	res, err := loadValidForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Collect transforms by guid, in announcement order, so that the report
	// carries each one's final commit state.
	var order []string
	seen := make(map[string]*engine.Transform)
	listener := func(evt engine.Event) {
		if evt.Transform == nil {
			return
		}
		if evt.Kind != engine.EventTransform && evt.Kind != engine.EventTransformState {
			return
		}
		if _, ok := seen[evt.Transform.GUID]; !ok {
			order = append(order, evt.Transform.GUID)
		}
		seen[evt.Transform.GUID] = evt.Transform
	}

	sess, err := openSession(ctx, res.Spec, sessionConfig{
		dbPath:     opts.Database,
		appContext: opts.AppContext,
		listeners:  []engine.Listener{listener},
	})
	if err != nil {
		return commandError(formatter, ErrCodeEngine, "failed to realize forrest", err)
	}
	defer sess.Close()
	f := sess.Forrest

	// Realization transforms are not part of the change.
	order, seen = nil, make(map[string]*engine.Transform)

	result := ApplyResult{}
	done := make(chan error, 1)
	change.Result = done
	f.Enqueue(change)
	f.Enqueue(engine.Command{Kind: engine.CommandDo, Do: func(_ context.Context, f *engine.Forrest) error {
		if !opts.Render {
			return nil
		}
		result.Trees = make(map[string]string)
		for _, name := range f.TreeNames() {
			data, err := renderTree(f, name, "")
			if err != nil {
				formatter.VerboseLog("Skipping %s: %v", name, err)
				continue
			}
			result.Trees[name] = string(data)
		}
		return nil
	}})
	f.Stop()
	if err := f.Run(ctx); err != nil {
		return commandError(formatter, ErrCodeEngine, "forrest error", err)
	}

	for _, guid := range order {
		t := seen[guid]
		at := AppliedTransform{
			GUID:      t.GUID,
			Operation: t.Operation,
			Tree:      t.TreeName,
			Node:      t.NodeIdentifier,
			Value:     t.Value,
			State:     t.State,
		}
		if m := t.MimicOf(); m != nil {
			at.MimicOf = m.GUID
		}
		result.Transforms = append(result.Transforms, at)
	}

	if err := <-done; err != nil {
		if formatter.JSON() {
			if ferr := formatter.Failure(ErrCodeEngine, err.Error(), result); ferr != nil {
				return ferr
			}
			return WrapExitError(ExitFailure, "apply failed", err)
		}
		printApplied(formatter, result)
		fmt.Fprintf(formatter.Writer, "✗ Apply failed: %v\n", err)
		return WrapExitError(ExitFailure, "apply failed", err)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Applied %s\n", change.Kind)
	printApplied(formatter, result)
	return nil
}

func printApplied(formatter *OutputFormatter, result ApplyResult) {
	w := formatter.Writer
	if len(result.Transforms) == 0 {
		fmt.Fprintln(w, "No transforms.")
	} else {
		fmt.Fprintf(w, "%d transform(s):\n", len(result.Transforms))
		for _, t := range result.Transforms {
			fmt.Fprintf(w, "  %s %s %s:%s = %s (%s)", t.GUID, t.Operation, t.Tree, t.Node, valueText(t.Value), stateText(t.State))
			if t.MimicOf != "" {
				fmt.Fprintf(w, " ← %s", t.MimicOf)
			}
			fmt.Fprintln(w)
		}
	}
	for _, name := range sortedKeys(result.Trees) {
		fmt.Fprintf(w, "\n--- %s\n%s", name, result.Trees[name])
	}
}

func valueText(v ir.Value) string {
	if v == nil {
		return "null"
	}
	data, err := ir.MarshalValue(v)
	if err != nil {
		return ir.Text(v)
	}
	return string(data)
}

func stateText(s ir.TransformState) string {
	if s == "" || s == ir.StateNone {
		return "local"
	}
	return string(s)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
