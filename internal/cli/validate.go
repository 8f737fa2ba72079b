package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/cobra"

	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ir"
)

// SchemaIssue is one problem found in a schema file.
type SchemaIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool             `json:"valid"`
	Version int              `json:"version,omitempty"`
	Tables  []ir.TableSchema `json:"tables,omitempty"`
	Errors  []SchemaIssue    `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schema.cue]",
		Short: "Check a table schema file",
		Long: `Compile a CUE table schema and report every problem found.

Without an argument the schema named in the config file is checked.

Example:
  syncdb validate ./schema.cue`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := loadConfig(opts)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
		}
		if cfg.Schema == "" {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, "no schema given and none configured", nil)
		}
		path = cfg.Schema
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("schema file not found: %s", path), err)
	}
	formatter.VerboseLog("Compiling %s", path)

	value := cuecontext.New().CompileBytes(data, cue.Filename(path))
	if issues := validateTables(value, formatter); len(issues) > 0 {
		return outputValidationErrors(formatter, issues)
	}
	schema, err := compiler.CompileSchema(value)
	if err != nil {
		return outputValidationErrors(formatter, []SchemaIssue{issueFromError(err)})
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Version: schema.Version, Tables: schema.Tables})
	}
	fmt.Fprintf(formatter.Writer, "✓ Schema valid (version %d, %d table(s))\n", schema.Version, len(schema.Tables))
	for _, t := range schema.Tables {
		fmt.Fprintf(formatter.Writer, "  %s (%d fields)\n", t.Name, len(t.Fields))
	}
	return nil
}

// validateTables compiles each table independently so that every broken
// table is reported, not just the first.
func validateTables(value cue.Value, formatter *OutputFormatter) []SchemaIssue {
	if err := value.Err(); err != nil {
		_, err := compiler.CompileSchema(value)
		return []SchemaIssue{issueFromError(err)}
	}

	tables := value.LookupPath(cue.ParsePath("table"))
	if !tables.Exists() {
		return nil
	}
	iter, err := tables.Fields()
	if err != nil {
		return []SchemaIssue{issueFromError(err)}
	}

	var issues []SchemaIssue
	for iter.Next() {
		formatter.VerboseLog("Validating table: %s", iter.Label())
		if _, err := compiler.CompileTable(iter.Value()); err != nil {
			issues = append(issues, issueFromError(err))
		}
	}
	return issues
}

func issueFromError(err error) SchemaIssue {
	var cErr *compiler.CompileError
	if errors.As(err, &cErr) {
		issue := SchemaIssue{Field: cErr.Field, Message: cErr.Message}
		if cErr.Pos.IsValid() {
			issue.Line = cErr.Pos.Line()
			issue.Column = cErr.Pos.Column()
		}
		return issue
	}
	return SchemaIssue{Field: "schema", Message: err.Error()}
}

// outputValidationErrors outputs every issue and returns the failure exit
// code.
func outputValidationErrors(formatter *OutputFormatter, issues []SchemaIssue) error {
	message := fmt.Sprintf("validation failed with %d error(s)", len(issues))
	if formatter.Format == "json" {
		_ = formatter.Error(ErrCodeSchema, message, ValidationResult{Valid: false, Errors: issues})
		return NewExitError(ExitFailure, message)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Field, issue.Message)
	}
	return NewExitError(ExitFailure, message)
}
