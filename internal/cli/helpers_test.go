package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

// shopSpec mirrors the page title into cell B1 of a committing sheet.
const shopSpec = `package shop

forrest: {
	name: "shop"
	trees: {
		page: {
			kind:           "doc"
			source:         "title: Hello\nitems:\n  - name: apple\n    qty: 1\n"
			throw_events:   true
			receive_events: true
		}
		sheet: {
			kind:           "grid"
			source:         "- [Title, Hello]\n- [apple, 1]\n"
			throw_events:   true
			receive_events: true
			commits:        true
		}
	}
	relations: [{
		kind:       "is"
		selection1: "page:title"
		selection2: "sheet:B1"
	}]
}
`

// fileSpec loads its page tree from page.yaml beside the spec.
const fileSpec = `package files

forrest: {
	name: "files"
	trees: {
		page: {
			kind:           "doc"
			url:            "page.yaml"
			throw_events:   true
			receive_events: true
		}
		copy: {
			kind:           "doc"
			source:         "title: none\n"
			throw_events:   true
			receive_events: true
		}
	}
	relations: [{
		kind:       "is"
		selection1: "page:title"
		selection2: "copy:title"
	}]
}
`

// writeFile writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeShopSpec(t *testing.T) string {
	t.Helper()
	return writeFile(t, t.TempDir(), "shop.cue", shopSpec)
}

// execute runs cmd with args and returns what it wrote to stdout and
// stderr.
func execute(cmd *cobra.Command, args ...string) (string, string, error) {
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// decodeResponse decodes a JSON CLI response, placing its data in data.
func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var raw struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &raw), out)
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return CLIResponse{Status: raw.Status, Error: raw.Error}
}

// decodeValue decodes a value from a JSON response. Result types holding
// ir.Value cannot be unmarshaled directly, so tests decode into mirrors
// that keep values raw.
func decodeValue(t *testing.T, raw json.RawMessage) ir.Value {
	t.Helper()
	if len(raw) == 0 {
		return nil
	}
	v, err := ir.UnmarshalValue(raw)
	require.NoError(t, err, string(raw))
	return v
}

// transformJSON mirrors the transforms reported by apply and trace.
type transformJSON struct {
	Seq       int64               `json:"seq"`
	GUID      string              `json:"guid"`
	Operation ir.Operation        `json:"operation"`
	Tree      string              `json:"tree"`
	Node      string              `json:"node"`
	Value     json.RawMessage     `json:"value"`
	State     ir.TransformState   `json:"state"`
	MimicOf   string              `json:"mimic_of"`
	History   []ir.TransformState `json:"history"`
}

// syncBuffer is a bytes.Buffer safe for a command writing from several
// goroutines while the test polls it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
