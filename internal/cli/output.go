package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/cascade/internal/scenario"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario or validation failure (invalid scenario, golden mismatch, unsettled run)
	ExitCommandError = 2 // Command error (missing files, database not openable, listen failure)
)

// Error codes carried in JSON error responses.
const (
	ErrCodeGeneric    = "E001"
	ErrCodeValidation = "E002"
	ErrCodeNotFound   = "E003"
	ErrCodeRun        = "E004"
	ErrCodeStorage    = "E005"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Message string
	Err     error // optional
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure for errors that are not an
// ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command's output.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format. In text
// format each command payload has its own layout: a scenario trace, a
// validation or test report, or a table of persisted envelopes.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case *scenario.Result:
		_, err := io.WriteString(f.Writer, v.Text())
		return err
	case []ValidationResult:
		writeValidation(f.Writer, v)
	case TestResult:
		writeTestReport(f.Writer, v)
	case []PersistedEntry:
		return writeEntries(f.Writer, v)
	default:
		fmt.Fprintln(f.Writer, data)
	}
	return nil
}

func writeValidation(w io.Writer, results []ValidationResult) {
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "✓ %s (%s)\n", r.Scenario, r.File)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", r.File)
		for _, issue := range r.Errors {
			if issue.Path != "" {
				fmt.Fprintf(w, "  %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Fprintf(w, "  %s\n", issue.Message)
			}
		}
	}
}

func writeTestReport(w io.Writer, result TestResult) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, r := range result.Scenarios {
		switch {
		case !r.Pass:
			fmt.Fprintf(w, "✗ %s\n", r.Name)
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		case result.Updated:
			fmt.Fprintf(w, "✓ %s (golden updated)\n", r.Name)
		default:
			fmt.Fprintf(w, "✓ %s\n", r.Name)
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}

// writeEntries prints one block per envelope: key and revision, then the
// state and whatever version and sync metadata were stored with it.
func writeEntries(w io.Writer, entries []PersistedEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s (revision %d)\n", e.Key, e.Revision)
		if e.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", e.Error)
			continue
		}
		fmt.Fprintf(w, "  state: %s\n", e.State)
		if e.Version != nil {
			fmt.Fprintf(w, "  version: %d\n", *e.Version)
		}
		if m := e.SyncMetadata; m != nil {
			fields, err := json.Marshal(m.Fields)
			if err != nil {
				return fmt.Errorf("encode sync fields of %s: %w", e.Key, err)
			}
			fmt.Fprintf(w, "  sync: origin=%s ts=%d fields=%s\n", m.Origin, m.Timestamp, fields)
		}
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled. It writes to
// ErrWriter when set so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func newFormatter(opts *RootOptions, w, errw io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    w,
		ErrWriter: errw,
		Verbose:   opts.Verbose,
	}
}
