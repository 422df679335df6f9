package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database   string
	Watch      bool
	Render     bool
	Print      bool
	Debounce   time.Duration
	AppContext string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <spec>",
		Short: "Realize a forrest and keep it running",
		Long: `Realize a forrest and run it until interrupted.

The forrest's trees are loaded, its relations realized, and committed
transforms journaled to the sqlite database given with --db. Without
--db, commits resolve immediately and nothing is recorded.

With --watch, the documents behind file-backed trees are watched; when
one changes its tree is reloaded and the relations touching it are
realized again.

Example:
  cts run --db ./journal.db ./specs
  cts run --watch --print ./specs/shop.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForrest(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload trees when their documents change")
	cmd.Flags().BoolVar(&opts.Render, "render", false, "process incoming relations after each reload")
	cmd.Flags().BoolVar(&opts.Print, "print", false, "print each reloaded tree")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", DefaultDebounce, "quiet period before a changed tree reloads")
	cmd.Flags().StringVar(&opts.AppContext, "app-context", "", "app context stamped on transforms")

	return cmd
}

func runForrest(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, err := loadValidForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(ctx, res.Spec, sessionConfig{
		dbPath:     opts.Database,
		appContext: opts.AppContext,
	})
	if err != nil {
		return commandError(formatter, ErrCodeEngine, "failed to realize forrest", err)
	}
	defer sess.Close()
	f := sess.Forrest

	var watcher *treeWatcher
	if opts.Watch {
		watcher, err = newTreeWatcher(res.Spec.Trees, opts.Debounce)
		if err != nil {
			return commandError(formatter, ErrCodeBadInput, "cannot watch forrest", err)
		}
		for _, file := range watcher.Files() {
			formatter.VerboseLog("Watching %s", file)
		}
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	if watcher != nil {
		go func() {
			_ = watcher.Run(ctx, func(trees []string) {
				reloadTrees(f, trees, opts, cmd.OutOrStdout())
			})
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Forrest %s running with %d tree(s).\n", res.Spec.Name, len(f.TreeNames()))
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	err = <-done
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "forrest error", err)
	}

	slog.Info("forrest stopped gracefully")
	return nil
}

// reloadTrees queues a reload for each tree and waits for the outcome.
// Printing is queued too, so it sees the reloaded tree.
func reloadTrees(f *engine.Forrest, trees []string, opts *RunOptions, out io.Writer) {
	for _, name := range trees {
		result := make(chan error, 1)
		if !f.Enqueue(engine.Command{Kind: engine.CommandReload, Tree: name, Render: opts.Render, Result: result}) {
			return
		}
		if err := <-result; err != nil {
			slog.Error("reload failed", "tree", name, "error", err)
			continue
		}
		slog.Info("tree reloaded", "tree", name)

		if !opts.Print {
			continue
		}
		f.Enqueue(engine.Command{Kind: engine.CommandDo, Do: func(_ context.Context, f *engine.Forrest) error {
			data, err := renderTree(f, name, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "--- %s\n%s", name, data)
			return nil
		}})
	}
}
