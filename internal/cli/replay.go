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

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Tree     string // optional - one tree's transforms only
}

// ReplayFailure is a journaled transform the fresh forrest rejected.
type ReplayFailure struct {
	GUID  string `json:"guid"`
	Error string `json:"error"`
}

// ReplayTreeResult compares one tree across the two replays.
type ReplayTreeResult struct {
	Tree          string   `json:"tree"`
	Deterministic bool     `json:"deterministic"`
	Snapshot      ir.Value `json:"snapshot,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Entries          int                `json:"entries"`
	Applied          int                `json:"applied"`
	Relayed          int                `json:"relayed"`
	Failures         []ReplayFailure    `json:"failures,omitempty"`
	Trees            []ReplayTreeResult `json:"trees"`
	AllDeterministic bool               `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <spec>",
		Short: "Rebuild a forrest from its journal and verify determinism",
		Long: `Replay the journal's successful transforms into a freshly realized forrest.

Transforms that were relayed from another journaled transform are not
applied themselves: replaying their origin relays them again. The replay
runs twice, into two independent forrests, and every tree must end up
identical in both.

Exit codes:
  0 - All transforms applied and every tree is deterministic
  1 - A transform was rejected or the replays diverged
  2 - Command error (journal not found, invalid spec, etc.)

Examples:
  cts replay --db ./journal.db ./specs
  cts replay --db ./journal.db --tree page ./specs --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Tree, "tree", "", "replay one tree's transforms only")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := context.Background()

	res, err := loadValidForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return commandError(formatter, ErrCodeStore, "failed to open journal", err)
	}
	defer st.Close()

	entries, err := successfulEntries(ctx, st, opts.Tree)
	if err != nil {
		return commandError(formatter, ErrCodeStore, "failed to read journal", err)
	}
	roots := replayRoots(entries)

	result := ReplayResult{
		Entries:          len(entries),
		Applied:          len(roots),
		Relayed:          len(entries) - len(roots),
		AllDeterministic: true,
	}

	var snapshots [2]map[string]ir.Value
	for run := range snapshots {
		snap, failures, err := replayInto(ctx, res.Spec, roots)
		if err != nil {
			return commandError(formatter, ErrCodeEngine, "failed to realize forrest", err)
		}
		snapshots[run] = snap
		if run == 0 {
			result.Failures = failures
		}
		formatter.VerboseLog("Replay %d: %d failure(s)", run+1, len(failures))
	}

	for _, name := range sortedKeys(snapshots[0]) {
		tr := ReplayTreeResult{
			Tree:          name,
			Deterministic: ir.Equal(snapshots[0][name], snapshots[1][name]),
		}
		if opts.Verbose {
			tr.Snapshot = snapshots[0][name]
		}
		if !tr.Deterministic {
			result.AllDeterministic = false
		}
		result.Trees = append(result.Trees, tr)
	}

	ok := result.AllDeterministic && len(result.Failures) == 0
	if formatter.JSON() {
		if ok {
			return formatter.Success(result)
		}
		if err := formatter.Failure(ErrCodeEngine, "replay did not reproduce the journal", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "replay did not reproduce the journal")
	}

	outputReplayText(formatter.Writer, result)
	if !ok {
		return NewExitError(ExitFailure, "replay did not reproduce the journal")
	}
	return nil
}

func successfulEntries(ctx context.Context, st *store.Store, tree string) ([]ir.JournalEntry, error) {
	var filter queryir.Predicate = queryir.Equals{Field: "state", Value: ir.String(string(ir.StateSuccess))}
	if tree != "" {
		filter = queryir.And{Predicates: []queryir.Predicate{
			filter,
			queryir.Equals{Field: "tree_name", Value: ir.String(tree)},
		}}
	}
	var entries []ir.JournalEntry
	err := st.Replay(ctx, filter, func(e ir.JournalEntry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// replayRoots drops entries relayed from another entry in the set. An
// entry whose origin was never journaled is kept.
func replayRoots(entries []ir.JournalEntry) []ir.JournalEntry {
	journaled := make(map[string]bool, len(entries))
	for _, e := range entries {
		journaled[e.Record.GUID] = true
	}
	var roots []ir.JournalEntry
	for _, e := range entries {
		if e.MimicOf != "" && journaled[e.MimicOf] {
			continue
		}
		roots = append(roots, e)
	}
	return roots
}

// replayInto realizes spec without a journal and applies entries to it as
// remote transforms. It returns every tree's root snapshot.
func replayInto(ctx context.Context, spec *ir.ForrestSpec, entries []ir.JournalEntry) (map[string]ir.Value, []ReplayFailure, error) {
	sess, err := openSession(ctx, spec, sessionConfig{})
	if err != nil {
		return nil, nil, err
	}
	defer sess.Close()
	f := sess.Forrest

	var failures []ReplayFailure
	for _, e := range entries {
		if err := f.ApplyRecord(ctx, e.Record); err != nil {
			failures = append(failures, ReplayFailure{GUID: e.Record.GUID, Error: err.Error()})
		}
	}

	snaps := make(map[string]ir.Value)
	for _, name := range f.TreeNames() {
		if tree := f.Tree(name); tree != nil {
			snaps[name] = f.Snapshot(tree.Root)
		}
	}
	return snaps, failures, nil
}

func outputReplayText(w io.Writer, result ReplayResult) {
	fmt.Fprintf(w, "Replayed %d of %d journaled transform(s) (%d relayed)\n\n",
		result.Applied, result.Entries, result.Relayed)

	if len(result.Failures) > 0 {
		fmt.Fprintln(w, "Rejected:")
		for _, f := range result.Failures {
			fmt.Fprintf(w, "  %s: %s\n", truncateID(f.GUID), f.Error)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Trees:")
	for _, t := range result.Trees {
		status := "✓ deterministic"
		if !t.Deterministic {
			status = "✗ diverged"
		}
		fmt.Fprintf(w, "  %s: %s\n", t.Tree, status)
		if t.Snapshot != nil {
			fmt.Fprintf(w, "    %s\n", valueText(t.Snapshot))
		}
	}
	fmt.Fprintln(w)

	if result.AllDeterministic && len(result.Failures) == 0 {
		fmt.Fprintln(w, "✓ Journal reproduced")
	} else {
		fmt.Fprintln(w, "✗ Journal not reproduced")
	}
}
