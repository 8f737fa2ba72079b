package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/syncdb/internal/filter"
	"github.com/roach88/syncdb/internal/ir"
)

// ReadOptions holds flags for the read command.
type ReadOptions struct {
	*RootOptions
	Where  string
	Digest bool
}

// ReadResult is the JSON payload of the read command.
type ReadResult struct {
	Table   string      `json:"table"`
	Count   int         `json:"count"`
	Digest  string      `json:"digest,omitempty"`
	Records []ir.Record `json:"records,omitempty"`
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <table>",
		Short: "Print the current view of a table",
		Long: `Print the records of a table as the application sees them: the
server snapshot with every pending local write applied on top.
Soft-deleted records are omitted.

--where filters records with an expression over their fields. Fields a
record lacks evaluate to nil.

Example:
  syncdb read todos
  syncdb read todos --where 'done == false && title startsWith "buy"'
  syncdb read todos --digest`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Where, "where", "w", "", "filter expression")
	cmd.Flags().BoolVar(&opts.Digest, "digest", false, "print a digest of the view instead of the records")

	return cmd
}

func runRead(opts *ReadOptions, table string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var flt *filter.Filter
	if opts.Where != "" {
		var err error
		flt, err = filter.Compile(opts.Where)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --where expression", err)
		}
	}

	r, err := openReplica(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	records, err := r.coord.Read(ctx, table)
	if err != nil {
		return f.FailSync(fmt.Sprintf("failed to read %s", table), err)
	}
	if flt != nil {
		records, err = flt.Apply(records)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "filter failed", err)
		}
	}

	result := ReadResult{Table: table, Count: len(records)}
	if opts.Digest {
		result.Digest, err = ir.ViewDigest(table, records)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "failed to compute digest", err)
		}
	} else {
		result.Records = records
	}

	if f.Format == "json" {
		return f.Success(result)
	}
	if opts.Digest {
		fmt.Fprintln(f.Writer, result.Digest)
		return nil
	}
	for _, rec := range records {
		line, err := ir.MarshalCanonical(rec)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "failed to encode record", err)
		}
		fmt.Fprintln(f.Writer, string(line))
	}
	f.VerboseLog("%d record(s)", len(records))
	return nil
}
