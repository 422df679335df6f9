package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.Warning         `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec>",
		Short: "Validate a forrest spec without realizing it",
		Long: `Validate a CUE forrest spec without loading its documents.

<spec> is a .cue file or a directory holding a CUE package with a
forrest block. Schema errors fail validation; static analysis findings
such as relay cycles between trees are reported as warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, err := LoadForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}
	formatter.VerboseLog("Loaded forrest %q from %d CUE file(s)", res.Spec.Name, res.FileCount)

	result := ValidationResult{
		Errors:   compiler.Validate(res.Spec),
		Warnings: compiler.Analyze(res.Spec),
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintln(formatter.Writer, "✓ Forrest valid")
	printWarnings(formatter, result.Warnings)
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))

	if formatter.JSON() {
		if err := formatter.Failure(result.Errors[0].Code, result.Errors[0].Message, result); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range result.Errors {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	printWarnings(formatter, result.Warnings)

	return exitErr
}

func printWarnings(formatter *OutputFormatter, warnings []compiler.Warning) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintln(formatter.Writer)
	fmt.Fprintf(formatter.Writer, "%d warning(s):\n", len(warnings))
	for _, w := range warnings {
		fmt.Fprintf(formatter.Writer, "  %s %s\n", w.Level, w)
	}
}
