package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/cts/internal/adapter"
	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/store"
)

// session is a realized forrest and the journal it commits to.
type session struct {
	Forrest *engine.Forrest
	Store   *store.Store // nil when no database was given
}

type sessionConfig struct {
	// dbPath names the sqlite journal. Without one, commits are mocked.
	dbPath     string
	mock       bool
	appContext string
	metrics    *engine.Metrics
	listeners  []engine.Listener
}

// openSession opens the journal and realizes spec against it. Listeners
// are registered before the spec is added.
func openSession(ctx context.Context, spec *ir.ForrestSpec, cfg sessionConfig) (*session, error) {
	s := &session{}

	var journal adapter.Journal
	var lastSeq int64
	if cfg.dbPath != "" {
		st, err := store.Open(cfg.dbPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.Store = st
		journal = st
		// Sequence numbers continue where the journal left off.
		if lastSeq, err = st.LastSeq(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("read journal: %w", err)
		}
	}

	committer := adapter.NewCommitter(journal)
	opts := adapter.Adapters(committer)
	opts = append(opts, engine.WithClock(engine.NewClockAt(lastSeq)))
	if journal == nil || cfg.mock {
		opts = append(opts, engine.WithMockRemote(true))
	}
	if cfg.appContext != "" {
		opts = append(opts, engine.WithAppContext(cfg.appContext))
	}
	if cfg.metrics != nil {
		opts = append(opts, engine.WithMetrics(cfg.metrics))
	}

	f := engine.New(opts...)
	committer.Follow(ctx, f)
	for _, l := range cfg.listeners {
		f.Observe(l)
	}
	if err := f.AddSpec(ctx, *spec); err != nil {
		s.Close()
		return nil, fmt.Errorf("realize forrest %s: %w", spec.Name, err)
	}
	s.Forrest = f

	slog.Info("forrest realized",
		"forrest", spec.Name,
		"trees", len(spec.Trees),
		"relations", len(spec.Relations),
		"journal", cfg.dbPath,
	)
	return s, nil
}

// Close releases the journal.
func (s *session) Close() {
	if s.Store == nil {
		return
	}
	if err := s.Store.Close(); err != nil {
		slog.Error("error closing journal", "error", err)
	}
}

// renderTree writes a tree back out as a document. An empty format uses
// the tree's own encoding.
func renderTree(f *engine.Forrest, name, format string) ([]byte, error) {
	tree := f.Tree(name)
	if tree == nil {
		return nil, fmt.Errorf("unknown tree %q", name)
	}
	r, ok := tree.Adapter().(adapter.Renderer)
	if !ok {
		return nil, fmt.Errorf("tree %s of kind %s cannot be rendered", name, tree.Spec.Kind)
	}
	if format == "" {
		format = adapter.Format(tree.Spec)
	}
	return r.Render(f, tree.Root, format)
}
