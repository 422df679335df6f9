package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
	"github.com/roach88/cts/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database  string
	Tree      string
	State     string
	Operation string
	GUID      string
}

// TraceEntry is one journaled transform in the timeline.
type TraceEntry struct {
	Seq       int64             `json:"seq"`
	GUID      string            `json:"guid"`
	Operation ir.Operation      `json:"operation"`
	Tree      string            `json:"tree"`
	Node      string            `json:"node,omitempty"`
	Value     ir.Value          `json:"value,omitempty"`
	Args      ir.Object         `json:"args,omitempty"`
	State     ir.TransformState `json:"state"`
	MimicOf   string            `json:"mimic_of,omitempty"`

	// History is filled only when tracing one lineage.
	History []ir.TransformState `json:"history,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	GUID     string       `json:"guid,omitempty"`
	Timeline []TraceEntry `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats summarizes the whole journal, regardless of filters.
type TraceStats struct {
	LastSeq int64           `json:"last_seq"`
	Trees   []string        `json:"trees"`
	Counts  []ir.StateCount `json:"counts"`
	Pending int             `json:"pending"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Query the transform journal",
		Long: `Query the journal of committed transforms.

Without --guid, lists journaled transforms in order, optionally filtered
by tree, commit state, and operation. With --guid, shows the lineage of
one transform: the transform it was relayed from and every transform
relayed from it, each with its history of commit states.

Examples:
  cts trace --db ./journal.db
  cts trace --db ./journal.db --tree page --state failed
  cts trace --db ./journal.db --guid 0190a3c2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Tree, "tree", "", "only transforms of this tree")
	cmd.Flags().StringVar(&opts.State, "state", "", "only transforms in this state (pending, success, failed)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "only transforms with this operation")
	cmd.Flags().StringVar(&opts.GUID, "guid", "", "trace the lineage of one transform")

	return cmd
}

// traceFilter builds the journal predicate for the list filters.
// Returns nil when no filter is set.
func (opts *TraceOptions) traceFilter() queryir.Predicate {
	var preds []queryir.Predicate
	if opts.Tree != "" {
		preds = append(preds, queryir.Equals{Field: "tree_name", Value: ir.String(opts.Tree)})
	}
	if opts.State != "" {
		preds = append(preds, queryir.Equals{Field: "state", Value: ir.String(opts.State)})
	}
	if opts.Operation != "" {
		preds = append(preds, queryir.Equals{Field: "operation", Value: ir.String(opts.Operation)})
	}
	switch len(preds) {
	case 0:
		return nil
	case 1:
		return preds[0]
	default:
		return queryir.And{Predicates: preds}
	}
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := context.Background()

	switch ir.TransformState(opts.State) {
	case "", ir.StatePending, ir.StateSuccess, ir.StateFailed:
	default:
		return commandError(formatter, ErrCodeBadInput, fmt.Sprintf("unknown state %q", opts.State), nil)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return commandError(formatter, ErrCodeStore, "failed to open journal", err)
	}
	defer st.Close()

	result := TraceResult{GUID: opts.GUID, Timeline: []TraceEntry{}}

	if opts.GUID != "" {
		result.Timeline, err = traceLineage(ctx, st, opts.GUID)
	} else {
		err = st.Replay(ctx, opts.traceFilter(), func(e ir.JournalEntry) error {
			result.Timeline = append(result.Timeline, traceEntry(e))
			return nil
		})
	}
	if err != nil {
		return commandError(formatter, ErrCodeStore, "failed to read journal", err)
	}

	sum, err := st.Summarize(ctx)
	if err != nil {
		return commandError(formatter, ErrCodeStore, "failed to summarize journal", err)
	}
	result.Stats = TraceStats{
		LastSeq: sum.LastSeq,
		Trees:   sum.Trees,
		Counts:  sum.Counts,
		Pending: sum.Pending,
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	outputTraceText(formatter.Writer, result, opts.Verbose)
	return nil
}

func traceLineage(ctx context.Context, st *store.Store, guid string) ([]TraceEntry, error) {
	entries, err := st.ReadLineage(ctx, guid)
	if err != nil {
		return nil, err
	}
	out := make([]TraceEntry, 0, len(entries))
	for _, e := range entries {
		te := traceEntry(e)
		te.History, err = st.ReadStateHistory(ctx, e.Record.GUID)
		if err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, nil
}

func traceEntry(e ir.JournalEntry) TraceEntry {
	return TraceEntry{
		Seq:       e.Seq,
		GUID:      e.Record.GUID,
		Operation: e.Record.Operation,
		Tree:      e.Record.TreeName,
		Node:      e.Record.NodeIdentifier,
		Value:     e.Record.Value,
		Args:      e.Record.Args,
		State:     e.State,
		MimicOf:   e.MimicOf,
	}
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	if result.GUID != "" {
		fmt.Fprintf(w, "Lineage of %s\n\n", result.GUID)
	}

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no transforms)")
	}
	for _, e := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s %s %s:%s = %s (%s)", e.Seq, truncateID(e.GUID), e.Operation, e.Tree, e.Node, valueText(e.Value), e.State)
		if e.MimicOf != "" {
			fmt.Fprintf(w, " ← %s", truncateID(e.MimicOf))
		}
		fmt.Fprintln(w)
		if verbose && len(e.Args) > 0 {
			fmt.Fprintf(w, "       Args: %s\n", valueText(e.Args))
		}
		if len(e.History) > 0 {
			fmt.Fprintf(w, "       States: %v\n", e.History)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Last Seq: %d\n", result.Stats.LastSeq)
	fmt.Fprintf(w, "  Trees:    %d\n", len(result.Stats.Trees))
	for _, c := range result.Stats.Counts {
		fmt.Fprintf(w, "  %-9s %d\n", string(c.State)+":", c.Count)
	}
	fmt.Fprintf(w, "  Pending:  %d\n", result.Stats.Pending)
}

// truncateID shortens long GUIDs for display.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:8] + "..."
	}
	return id
}
