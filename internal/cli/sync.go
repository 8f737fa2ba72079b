package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Timeout time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Bring the replica up to date once and exit",
		Long: `Connect, apply a fresh snapshot, push every pending write, then leave
the channel and exit.

Rejected writes are parked and reported by 'syncdb wal'. Writes that
were not acknowledged before the timeout stay in the log.

Example:
  syncdb sync --timeout 10s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up when not live within this duration")

	return cmd
}

func runOnce(opts *SyncOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	r, err := openReplica(opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer r.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	f.VerboseLog("Connecting to %s", r.cfg.URL)
	if err := r.coord.Start(ctx); err != nil {
		return f.FailSync("sync failed", err)
	}

	status, err := r.coord.Status(ctx)
	if err != nil {
		return f.FailSync("failed to read status", err)
	}
	if f.Format == "json" {
		return f.Success(statusData(status))
	}
	fmt.Fprintf(f.Writer, "Synced %s at lsn %d (%d pending, %d parked)\n",
		status.Topic, status.Cursor.LSN, status.Pending, status.Parked)
	return nil
}
