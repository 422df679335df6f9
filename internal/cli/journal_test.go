package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// journalFixture realizes the shop spec, sets the page title to each
// value in turn, and returns the spec path and the journal path. Each
// change journals one transform on the sheet.
func journalFixture(t *testing.T, titles ...string) (spec, db string) {
	t.Helper()
	spec = writeShopSpec(t)
	db = filepath.Join(t.TempDir(), "journal.db")
	for _, title := range titles {
		out, _, err := execute(NewApplyCommand(&RootOptions{Format: "text"}), spec,
			"--db", db, "--tree", "page", "--selector", "title", "--value", `"`+title+`"`)
		require.NoError(t, err, out)
	}
	return spec, db
}
