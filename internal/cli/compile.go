package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult is the compiled forrest with its content hash.
type CompilationResult struct {
	Hash string         `json:"hash"`
	Spec ir.ForrestSpec `json:"forrest"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <spec>",
		Short: "Compile a CUE forrest spec to JSON",
		Long: `Compile a CUE forrest spec to its JSON form.

The compiler parses the CUE, validates the forrest against the schema and
prints the compiled spec with its content hash. The hash changes exactly
when the spec's meaning does, so it can key caches of realized forrests.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, err := loadValidForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}
	spec := res.Spec
	for _, t := range spec.Trees {
		formatter.VerboseLog("Compiled tree: %s (%s)", t.Name, t.Kind)
	}

	hash, err := ir.SpecHash(*spec)
	if err != nil {
		return commandError(formatter, ErrCodeGeneric, "hashing forrest", err)
	}
	result := CompilationResult{Hash: hash, Spec: *spec}

	if opts.Output != "" {
		if err := writeSpecToFile(result, opts.Output); err != nil {
			return commandError(formatter, ErrCodeWriteFailed, "writing output file", err)
		}
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result CompilationResult, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	spec := result.Spec
	fmt.Fprintf(w, "✓ Compiled forrest %s: %d tree(s), %d relation(s)\n\n",
		spec.Name, len(spec.Trees), len(spec.Relations))

	if len(spec.Trees) > 0 {
		fmt.Fprintln(w, "Trees:")
		for _, t := range spec.Trees {
			from := t.URL
			if t.Source != "" {
				from = "inline"
			}
			fmt.Fprintf(w, "  %s: %s from %s%s\n", t.Name, t.Kind, from, treeFlags(t))
		}
		fmt.Fprintln(w)
	}

	if len(spec.Relations) > 0 {
		fmt.Fprintln(w, "Relations:")
		for _, r := range spec.Relations {
			fmt.Fprintf(w, "  %s %s:%s ↔ %s:%s\n", r.Kind,
				r.Selection1.TreeName, r.Selection1.Selector,
				r.Selection2.TreeName, r.Selection2.Selector)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Hash: %s\n", result.Hash)
	if outputFile != "" {
		fmt.Fprintf(w, "Wrote compiled forrest to %s\n", outputFile)
	}
	return nil
}

func treeFlags(t ir.TreeSpec) string {
	var s string
	if t.ThrowEvents {
		s += " throws"
	}
	if t.ReceiveEvents {
		s += " receives"
	}
	if t.Commits {
		s += " commits"
	}
	if t.Mock {
		s += " mock"
	}
	if s == "" {
		return ""
	}
	return " [" + s[1:] + "]"
}

// writeSpecToFile writes the compilation result as indented JSON.
// Canonical JSON is used only for hashing.
func writeSpecToFile(result CompilationResult, filename string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling forrest: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	return nil
}
