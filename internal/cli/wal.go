package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/syncdb/internal/ir"
)

// NewWALCommand creates the wal command and its subcommands.
func NewWALCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "List and resolve transaction log entries",
		Long: `List the writes the server has not acknowledged yet, in the order they
will be pushed. Parked entries were rejected by the server and wait for
'syncdb wal discard' or 'syncdb wal resubmit'.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALList(rootOpts, cmd)
		},
	}

	cmd.AddCommand(newWALDiscardCommand(rootOpts))
	cmd.AddCommand(newWALResubmitCommand(rootOpts))

	return cmd
}

func newWALDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <log-id>",
		Short: "Drop a parked entry",
		Long: `Drop a parked entry. The local view reverts to the server's version of
the record.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALDiscard(rootOpts, args[0], cmd)
		},
	}
}

// ResubmitOptions holds flags for wal resubmit.
type ResubmitOptions struct {
	*RootOptions
	Data string
}

func newWALResubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resubmit <log-id>",
		Short: "Amend a parked entry and queue it again",
		Long: `Queue a parked entry again at the end of the log. --data replaces the
entry's record; without it the entry is resubmitted unchanged.

Example:
  syncdb wal resubmit 7 --data '{"id":"a1","title":"fixed"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWALResubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Data, "data", "d", "", "replacement record as JSON")

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runWALList(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	r, err := openReplica(opts, f)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.log.Entries(commandContext(cmd))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read log", err)
	}

	if f.Format == "json" {
		if entries == nil {
			entries = []ir.LogEntry{}
		}
		return f.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(f.Writer, "Log is empty.")
		return nil
	}
	for _, e := range entries {
		data, err := ir.MarshalCanonical(e.Op.Data)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "failed to encode entry", err)
		}
		tag := f.Paint("pending", color.FgYellow)
		if e.Parked {
			tag = f.Paint("parked ", color.FgRed, color.Bold)
		}
		fmt.Fprintf(f.Writer, "%6d  %s  %-6s %s %s\n", e.LogID, tag, e.Op.Kind, e.Op.Table, data)
		if e.Parked {
			fmt.Fprintf(f.Writer, "        %s\n", formatFieldErrors(e.Errors))
		}
	}
	return nil
}

func runWALDiscard(opts *RootOptions, arg string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	logID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid log id %q", arg), err)
	}

	r, err := openReplica(opts, f)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.coord.Discard(commandContext(cmd), logID); err != nil {
		return f.FailSync(fmt.Sprintf("failed to discard %d", logID), err)
	}
	if f.Format == "json" {
		return f.Success(map[string]int64{"discarded": logID})
	}
	fmt.Fprintf(f.Writer, "Discarded %d\n", logID)
	return nil
}

func runWALResubmit(opts *ResubmitOptions, arg string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	logID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid log id %q", arg), err)
	}
	var data *ir.Record
	if opts.Data != "" {
		rec, err := parseRecord(opts.Data)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --data JSON", err)
		}
		data = &rec
	}

	r, err := openReplica(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer r.Close()

	pending, err := r.coord.Resubmit(commandContext(cmd), logID, data)
	if err != nil {
		return f.FailSync(fmt.Sprintf("failed to resubmit %d", logID), err)
	}
	entry := pending.Entries[0]
	if f.Format == "json" {
		return f.Success(entry)
	}
	fmt.Fprintf(f.Writer, "Resubmitted %d as %d\n", logID, entry.LogID)
	return nil
}

// formatFieldErrors renders field errors in field order.
func formatFieldErrors(fe ir.FieldErrors) string {
	fields := make([]string, 0, len(fe))
	for field := range fe {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = fmt.Sprintf("%s: %s", field, strings.Join(fe[field], ", "))
	}
	return strings.Join(parts, "; ")
}
