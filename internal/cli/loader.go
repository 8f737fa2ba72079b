package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/roach88/syncdb/internal/channel"
	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/config"
	"github.com/roach88/syncdb/internal/store"
	"github.com/roach88/syncdb/internal/syncer"
	"github.com/roach88/syncdb/internal/transport"
	"github.com/roach88/syncdb/internal/transport/phoenix"
	"github.com/roach88/syncdb/internal/wal"
)

// replica is everything a command needs: the resolved config, the open
// store, its transaction log, and a coordinator that has not been started.
type replica struct {
	cfg      *config.Config
	store    *store.Store
	log      *wal.Log
	registry *compiler.Registry
	coord    *syncer.Coordinator
}

// newTransport is swapped by tests.
var newTransport = func(cfg *config.Config) transport.Transport {
	return phoenix.New(phoenix.Config{
		URL:       cfg.URL,
		Params:    cfg.Params,
		Heartbeat: cfg.Heartbeat,
	})
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.Database = opts.DB
	}
	return cfg, nil
}

// openReplica loads the config and schema, opens the store, and builds the
// coordinator. Failures are reported through f.
func openReplica(opts *RootOptions, f *OutputFormatter) (*replica, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", opts.Config), err)
		}
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	version, tables := cfg.Version, cfg.Tables
	var registry *compiler.Registry
	if cfg.Schema != "" {
		schema, err := compiler.LoadSchemaFile(cfg.Schema)
		if err != nil {
			return nil, f.Fail(ExitCommandError, ErrCodeSchema, "failed to compile schema", err)
		}
		version, tables = schema.Version, schema.TableNames()
		registry = compiler.NewRegistry(schema.Tables...)
	}

	f.VerboseLog("Opening %s (version %d, tables %v)", cfg.Database, version, tables)
	st, err := store.Open(cfg.Database, version, tables, store.WithNotifier(store.LogNotifier{}))
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStorage, "failed to open database", err)
	}

	log := wal.New(st, wal.WithRegistry(registry))
	coord := syncer.New(st, log, newTransport(cfg),
		syncer.WithTopic(cfg.Topic),
		syncer.WithTimeouts(channel.Timeouts{
			Join:  cfg.Timeouts.Join,
			Push:  cfg.Timeouts.Push,
			Leave: cfg.Timeouts.Leave,
		}),
		syncer.WithBackoff(syncer.Backoff{
			Min:    cfg.Reconnect.Min,
			Max:    cfg.Reconnect.Max,
			Factor: cfg.Reconnect.Factor,
		}),
		syncer.WithBatchSize(cfg.BatchSize),
		syncer.WithRegistry(registry),
	)

	return &replica{cfg: cfg, store: st, log: log, registry: registry, coord: coord}, nil
}

// Close stops the coordinator and closes the database.
func (r *replica) Close() {
	r.coord.Stop()
	if err := r.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
