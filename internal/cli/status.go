package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/syncdb/internal/channel"
	"github.com/roach88/syncdb/internal/syncer"
)

// StatusResult is the JSON payload of the status and sync commands.
type StatusResult struct {
	State    string `json:"state"`
	Topic    string `json:"topic"`
	Database string `json:"database,omitempty"`
	LSN      int64  `json:"lsn"`
	Snapmin  int64  `json:"snapmin"`
	Pending  int    `json:"pending"`
	Parked   int    `json:"parked"`
}

func statusData(s syncer.Status) StatusResult {
	return StatusResult{
		State:   s.State.String(),
		Topic:   s.Topic,
		LSN:     s.Cursor.LSN,
		Snapmin: s.Cursor.Snapmin,
		Pending: s.Pending,
		Parked:  s.Parked,
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync cursor and transaction log counts",
		Long: `Show where the replica is in the server's commit stream and how many
local writes are waiting. Reads local storage only; no connection is made.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}

	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	r, err := openReplica(opts, f)
	if err != nil {
		return err
	}
	defer r.Close()

	status, err := r.coord.Status(commandContext(cmd))
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, "failed to read status", err)
	}
	result := statusData(status)
	result.Database = r.cfg.Database

	if f.Format == "json" {
		return f.Success(result)
	}

	fmt.Fprintf(f.Writer, "Database: %s\n", result.Database)
	fmt.Fprintf(f.Writer, "Topic:    %s\n", result.Topic)
	fmt.Fprintf(f.Writer, "State:    %s\n", f.Paint(result.State, stateColor(status.State)))
	fmt.Fprintf(f.Writer, "Cursor:   lsn=%d snapmin=%d\n", result.LSN, result.Snapmin)
	fmt.Fprintf(f.Writer, "Pending:  %s\n", f.Paint(fmt.Sprint(result.Pending), countColor(result.Pending, color.FgYellow)))
	fmt.Fprintf(f.Writer, "Parked:   %s\n", f.Paint(fmt.Sprint(result.Parked), countColor(result.Parked, color.FgRed)))
	return nil
}

func stateColor(s channel.State) color.Attribute {
	switch s {
	case channel.Live:
		return color.FgGreen
	case channel.Disconnected:
		return color.FgHiBlack
	default:
		return color.FgYellow
	}
}

func countColor(n int, nonZero color.Attribute) color.Attribute {
	if n == 0 {
		return color.FgGreen
	}
	return nonZero
}
