package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/store"
	"github.com/roach88/syncdb/internal/syncer"
	"github.com/roach88/syncdb/internal/wal"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the server said no, or never answered
	ExitCommandError = 2 // bad config, flags, schema or local storage
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric       = "E001"
	ErrCodeNotFound      = "E005" // Config, schema or log entry not found
	ErrCodeConfig        = "E010"
	ErrCodeSchema        = "E011"
	ErrCodeStorage       = "E020"
	ErrCodeTransport     = "E030"
	ErrCodeJoinRejected  = "E031"
	ErrCodeWriteRejected = "E032"
	ErrCodeTimeout       = "E033"
	ErrCodeInvalidInput  = "E040" // Malformed --data, --op or --where
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError wrapping err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the envelope for --format json.
type CLIResponse struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse. Details holds field errors
// for rejected writes and the cause text otherwise.
type CLIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// OutputFormatter writes command results as JSON or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; Writer when nil
	Verbose   bool
	Color     bool
}

// newFormatter builds the formatter for a command. Text output is
// colorized only when stdout is a terminal.
func newFormatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
		Color:     opts.Format == "text" && isTerminal(out),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Paint wraps s in the given color attributes when coloring is enabled.
func (f *OutputFormatter) Paint(s string, attrs ...color.Attribute) string {
	if !f.Color {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

// Success writes data. Text mode prints it with %v.
func (f *OutputFormatter) Success(data interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error writes an error. In text mode field errors are always listed one
// per line; other details only with --verbose.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "%s %s: %s\n", f.Paint("error", color.FgRed, color.Bold), code, message)
	switch d := details.(type) {
	case nil:
	case ir.FieldErrors:
		f.printFieldErrors(d)
	default:
		if f.Verbose {
			fmt.Fprintf(f.Writer, "  details: %v\n", d)
		}
	}
	return nil
}

func (f *OutputFormatter) printFieldErrors(errs ir.FieldErrors) {
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		fmt.Fprintf(f.Writer, "  %s: %s\n", f.Paint(field, color.Bold), strings.Join(errs[field], ", "))
	}
}

// VerboseLog writes a line to ErrWriter under --verbose, keeping JSON on
// Writer intact.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Fail reports err and returns an ExitError carrying exitCode.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	var details interface{}
	if err != nil {
		details = err.Error()
	}
	_ = f.Error(code, message, details)
	return WrapExitError(exitCode, message, err)
}

// FailSync reports an error from the store, log or coordinator. A joined
// error from a multi-op write is classified by its most actionable member:
// rejections, then timeouts, then connection failures.
func (f *OutputFormatter) FailSync(message string, err error) error {
	var invalid *wal.InvalidOpError
	if errors.As(err, &invalid) {
		_ = f.Error(ErrCodeInvalidInput, message, compiler.FieldErrors(invalid.Errors))
		return WrapExitError(ExitCommandError, message, err)
	}
	if errors.Is(err, store.ErrUnknownTable) || errors.Is(err, store.ErrLogEntryNotFound) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, message, err)
	}
	if se, ok := syncer.FindCode(err, syncer.ErrCodeWriteRejected); ok {
		_ = f.Error(ErrCodeWriteRejected, message, se.Fields)
		return WrapExitError(ExitFailure, message, err)
	}

	switch {
	case syncer.IsJoinRejected(err):
		return f.Fail(ExitFailure, ErrCodeJoinRejected, message, err)
	case syncer.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return f.Fail(ExitFailure, ErrCodeTimeout, message, err)
	case syncer.IsStorage(err):
		return f.Fail(ExitCommandError, ErrCodeStorage, message, err)
	case syncer.IsTransport(err):
		return f.Fail(ExitFailure, ErrCodeTransport, message, err)
	default:
		return f.Fail(ExitFailure, ErrCodeGeneric, message, err)
	}
}
