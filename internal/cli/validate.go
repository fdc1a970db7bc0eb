package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/config"
)

// ValidationResult holds the outcome of validating one scenario file.
type ValidationResult struct {
	File     string            `json:"file"`
	Scenario string            `json:"scenario,omitempty"`
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one problem found in a scenario.
type ValidationIssue struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario.yaml>...",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files against the schema and resolve every reference.

Checks the document shape, compiles derived and merge expressions, and rejects
dependency cycles and references to unknown containers, stores or sessions.

Exit codes:
  0 - All scenarios valid
  1 - One or more scenarios invalid
  2 - Command error (file not found)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, files []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	results := make([]ValidationResult, 0, len(files))
	invalid := 0
	for _, file := range files {
		formatter.VerboseLog("Validating %s", file)

		compiled, err := loadScenario(file)
		if err != nil && GetExitCode(err) == ExitCommandError {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return err
		}

		result := ValidationResult{File: file, Valid: err == nil}
		if err != nil {
			result.Errors = validationIssues(err)
			invalid++
		} else {
			result.Scenario = compiled.Name
		}
		results = append(results, result)
	}

	if err := formatter.Success(results); err != nil {
		return err
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) invalid", invalid, len(files)))
	}
	return nil
}

// loadScenario reads, validates and compiles a scenario file. A missing file
// is a command error; anything else wrong with the file is a failure.
func loadScenario(path string) (*config.Compiled, error) {
	s, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, WrapExitError(ExitCommandError, "scenario not found", err)
		}
		return nil, err
	}
	return config.Compile(s)
}

func validationIssues(err error) []ValidationIssue {
	var many config.ValidationErrors
	if errors.As(err, &many) {
		out := make([]ValidationIssue, len(many))
		for i, e := range many {
			out[i] = ValidationIssue{Path: e.Path, Message: e.Message}
		}
		return out
	}
	var one *config.ValidationError
	if errors.As(err, &one) {
		return []ValidationIssue{{Path: one.Path, Message: one.Message}}
	}
	return []ValidationIssue{{Message: err.Error()}}
}
