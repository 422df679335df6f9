package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/store"
)

func TestRun_InvalidSpec(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "bad.cue", invalidSpec)

	out, _, err := execute(NewRunCommand(&RootOptions{Format: "text"}), spec)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E110]")
}

func TestRun_MissingDocument(t *testing.T) {
	spec := writeFile(t, t.TempDir(), "files.cue", fileSpec) // page.yaml never written

	out, _, err := execute(NewRunCommand(&RootOptions{Format: "text"}), spec)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "failed to realize forrest")
}

func TestRun_StopsWithContext(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "shop.cue", shopSpec)
	dbPath := filepath.Join(dir, "journal.db")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out := &syncBuffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{spec, "--db", dbPath})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, out.String(), "Forrest shop running with 2 tree(s).")

	// The journal was created even though nothing was committed.
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	last, err := st.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestRun_WatchWithoutFiles(t *testing.T) {
	spec := writeShopSpec(t)

	out, _, err := execute(NewRunCommand(&RootOptions{Format: "text"}), spec, "--watch")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "no file-backed trees to watch")
}

func TestRun_WatchReloadsChangedTree(t *testing.T) {
	dir := t.TempDir()
	spec := writeFile(t, dir, "files.cue", fileSpec)
	page := writeFile(t, dir, "page.yaml", "title: First\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := NewRunCommand(&RootOptions{Format: "text"})
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{spec, "--watch", "--print", "--debounce", "20ms"})

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return containsAll(out.String(), "Press Ctrl-C")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(page, []byte("title: Second\n"), 0644))

	require.Eventually(t, func() bool {
		return containsAll(out.String(), "--- page", "title: Second")
	}, 3*time.Second, 20*time.Millisecond, "output: %s", out.String())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
