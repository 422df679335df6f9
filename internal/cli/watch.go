package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/cts/internal/adapter"
	"github.com/roach88/cts/internal/ir"
)

// DefaultDebounce is how long a tree's file must stay quiet before the
// tree is reloaded.
const DefaultDebounce = 100 * time.Millisecond

// treeWatcher maps changes of document files back to the trees loaded
// from them. Changes are batched: editors typically write a file in
// several steps, and each tree should reload once.
type treeWatcher struct {
	watcher  *fsnotify.Watcher
	files    map[string][]string // absolute path → tree names
	debounce time.Duration
}

// newTreeWatcher watches the files backing trees. Inline and alias trees
// have no file and are skipped. Directories are watched rather than files
// so that atomic replace-on-save is seen.
func newTreeWatcher(trees []ir.TreeSpec, debounce time.Duration) (*treeWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	files := make(map[string][]string)
	dirs := make(map[string]bool)
	for _, t := range trees {
		if _, alias := t.AliasOf(); alias || t.Source != "" || t.URL == "" {
			continue
		}
		path, err := filepath.Abs(adapter.ResolvePath(t, ""))
		if err != nil {
			return nil, fmt.Errorf("tree %s: %w", t.Name, err)
		}
		files[path] = append(files[path], t.Name)
		dirs[filepath.Dir(path)] = true
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no file-backed trees to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return &treeWatcher{watcher: w, files: files, debounce: debounce}, nil
}

// Files returns the watched document paths, sorted.
func (w *treeWatcher) Files() []string {
	out := make([]string, 0, len(w.files))
	for path := range w.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Run delivers batches of changed tree names to onChange until ctx is
// done. onChange is called from Run's goroutine, one batch at a time.
func (w *treeWatcher) Run(ctx context.Context, onChange func(trees []string)) error {
	defer w.watcher.Close()

	pending := make(map[string]bool)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			trees := w.files[filepath.Clean(ev.Name)]
			if len(trees) == 0 {
				continue
			}
			slog.Debug("tree document changed", "path", ev.Name, "op", ev.Op.String(), "trees", trees)
			for _, t := range trees {
				pending[t] = true
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)

		case <-timer.C:
			names := make([]string, 0, len(pending))
			for t := range pending {
				names = append(names, t)
			}
			sort.Strings(names)
			clear(pending)
			if len(names) > 0 {
				onChange(names)
			}
		}
	}
}
