package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/syncdb/internal/ir"
)

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	*RootOptions
	Op      string
	Data    string
	Wait    bool
	Timeout time.Duration
}

// WriteResult is the JSON payload of the write command.
type WriteResult struct {
	Entries []ir.LogEntry `json:"entries"`
	Acked   bool          `json:"acked"`
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <table>",
		Short: "Queue a local write",
		Long: `Append one operation to the transaction log. The write is visible to
'syncdb read' immediately and is pushed to the server on the next sync.

Inserts without an id get a generated one. Updates are merge patches:
only the given fields change, and a null removes a field.

With --wait the command connects and waits for the server's verdict.

Example:
  syncdb write todos --data '{"title":"buy milk"}'
  syncdb write todos --op update --data '{"id":"a1","done":true}' --wait
  syncdb write todos --op delete --data '{"id":"a1"}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", string(ir.OpInsert), "operation (insert|update|delete)")
	cmd.Flags().StringVarP(&opts.Data, "data", "d", "{}", "record fields as JSON")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "connect and wait for the server to acknowledge")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long --wait waits")

	return cmd
}

func runWrite(opts *WriteOptions, table string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	kind := ir.OpKind(opts.Op)
	if !kind.Valid() {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("invalid --op %q: must be insert, update or delete", opts.Op), nil)
	}
	data, err := parseRecord(opts.Data)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --data JSON", err)
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
	pending, err := r.coord.Submit(ctx, []ir.Op{{Kind: kind, Table: table, Data: data}})
	if err != nil {
		return f.FailSync("write failed", err)
	}
	result := WriteResult{Entries: pending.Entries}

	if opts.Wait {
		waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		if err := r.coord.Start(waitCtx); err != nil {
			return f.FailSync("sync failed", err)
		}
		if err := pending.Wait(waitCtx); err != nil {
			return f.FailSync("write not acknowledged", err)
		}
		result.Acked = true
	}

	if f.Format == "json" {
		return f.Success(result)
	}
	for _, e := range result.Entries {
		state := "queued"
		if result.Acked {
			state = "acked"
		}
		fmt.Fprintf(f.Writer, "%s %s %s id=%s log=%d\n", state, e.Op.Kind, e.Op.Table, e.Op.Data.ID, e.LogID)
	}
	return nil
}

// parseRecord decodes a --data flag.
func parseRecord(s string) (ir.Record, error) {
	var rec ir.Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return ir.Record{}, err
	}
	return rec, nil
}
