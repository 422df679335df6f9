package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // defaults to golden/ beside the scenarios dir
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run conformance scenarios",
		Long: `Run conformance scenarios using the harness framework.

Each YAML scenario names a forrest, a list of steps, and assertions on the
final trees and journal. When a golden file exists for a scenario, its
event trace must match it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  cts test ./testdata/scenarios
  cts test ./testdata/scenarios --filter "title_*"
  cts test ./testdata/scenarios --update
  cts test ./testdata/scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden file directory")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(scenariosDir); errors.Is(err, fs.ErrNotExist) {
		return commandError(formatter, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", scenariosDir), nil)
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return commandError(formatter, ErrCodeBadInput, "invalid filter pattern", err)
		}
	}
	goldenDir := opts.GoldenDir
	if goldenDir == "" {
		goldenDir = filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")
	}

	scenarioFiles, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return commandError(formatter, ErrCodeScanError, "failed to find scenarios", err)
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}

	if len(scenarioFiles) == 0 {
		if formatter.JSON() {
			return formatter.Success(result)
		}
		fmt.Fprintln(formatter.Writer, "No scenarios found.")
		return nil
	}

	r := &scenarioRunner{opts: opts, goldenDir: goldenDir}
	if !formatter.JSON() {
		r.out = formatter.Writer
	}
	for _, file := range scenarioFiles {
		sr := r.run(cmd.Context(), file)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	return outputTestResult(formatter, result)
}

// findScenarioFiles finds all YAML scenario files under dir, in lexical
// order. filter matches the file name without its extension.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := scenarioName(path)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// scenarioName is a scenario file's base name without its extension.
func scenarioName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

type scenarioRunner struct {
	opts      *TestOptions
	goldenDir string
	out       io.Writer // nil in JSON mode
}

func (r *scenarioRunner) run(ctx context.Context, file string) ScenarioResult {
	if ctx == nil {
		ctx = context.Background()
	}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return r.fail(scenarioName(file), fmt.Sprintf("failed to load scenario: %v", err))
	}

	result, err := harness.Run(ctx, scenario, harness.WithLogger(slog.Default()))
	if err != nil {
		return r.fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	trace, err := harness.MarshalTrace(scenario.Name, result.Trace)
	if err != nil {
		return r.fail(scenario.Name, fmt.Sprintf("failed to marshal trace: %v", err))
	}
	goldenPath := filepath.Join(r.goldenDir, scenario.Name+".golden")

	if r.opts.Update {
		if err := os.MkdirAll(r.goldenDir, 0755); err != nil {
			return r.fail(scenario.Name, fmt.Sprintf("failed to create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, trace, 0644); err != nil {
			return r.fail(scenario.Name, fmt.Sprintf("failed to update golden file: %v", err))
		}
		if !result.Pass {
			return r.fail(scenario.Name, result.Errors...)
		}
		r.printf("✓ %s (golden updated)\n", scenario.Name)
		return ScenarioResult{Name: scenario.Name, Pass: true}
	}

	golden, err := os.ReadFile(goldenPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// No golden file: assertions alone decide.
	case err != nil:
		return r.fail(scenario.Name, fmt.Sprintf("golden comparison failed: %v", err))
	case !bytes.Equal(golden, trace):
		errs := append([]string{"trace does not match golden file (run with --update to regenerate)"}, result.Errors...)
		return r.fail(scenario.Name, errs...)
	}

	if !result.Pass {
		return r.fail(scenario.Name, result.Errors...)
	}
	r.printf("✓ %s\n", scenario.Name)
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

func (r *scenarioRunner) fail(name string, errs ...string) ScenarioResult {
	r.printf("✗ %s\n", name)
	for _, e := range errs {
		r.printf("  %s\n", e)
	}
	return ScenarioResult{Name: name, Pass: false, Errors: errs}
}

func (r *scenarioRunner) printf(format string, args ...any) {
	if r.out != nil {
		fmt.Fprintf(r.out, format, args...)
	}
}

func outputTestResult(formatter *OutputFormatter, result TestResult) error {
	var exitErr error
	if result.Failed > 0 {
		exitErr = NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	if formatter.JSON() {
		if exitErr == nil {
			return formatter.Success(result)
		}
		if err := formatter.Failure("E_TEST_FAILED", fmt.Sprintf("%d scenario(s) failed", result.Failed), result); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if exitErr != nil {
		return exitErr
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
