package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and keep the replica in sync until interrupted",
		Long: `Connect to the server, bring the replica up to date, push pending
writes, and keep applying server commits until Ctrl-C.

The connection is re-established with exponential backoff whenever it
drops. Only a rejected channel join stops the command.

Example:
  syncdb run --config ./syncdb.yaml
  syncdb run --db /tmp/replica.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}

	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	setupLogging(cmd.ErrOrStderr(), slog.LevelInfo, opts.Verbose)
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	r, err := openReplica(opts, f)
	if err != nil {
		return err
	}
	defer r.Close()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("sync starting", "url", r.cfg.URL, "topic", r.cfg.Topic, "db", r.cfg.Database)
	if err := r.coord.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("stopped before the replica went live")
			return nil
		}
		return f.FailSync("sync failed", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replica live on %s.\n", r.cfg.Topic)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	<-ctx.Done()
	slog.Info("sync stopped gracefully")
	return nil
}
