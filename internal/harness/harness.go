package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/syncdb/internal/channel"
	"github.com/roach88/syncdb/internal/compiler"
	"github.com/roach88/syncdb/internal/ident"
	"github.com/roach88/syncdb/internal/ir"
	"github.com/roach88/syncdb/internal/store"
	"github.com/roach88/syncdb/internal/syncer"
	"github.com/roach88/syncdb/internal/testutil"
	"github.com/roach88/syncdb/internal/transport/memtransport"
	"github.com/roach88/syncdb/internal/wal"
)

// Outcomes that are not sync error codes.
const (
	OutcomeStopped   = "STOPPED"
	OutcomeInvalidOp = "INVALID_OP"
	OutcomeNotFound  = "NOT_FOUND"
	OutcomeDeadline  = "DEADLINE"
	OutcomeError     = "ERROR"
)

// StepTimeout bounds every step that waits on the coordinator.
const StepTimeout = 5 * time.Second

const pollInterval = 5 * time.Millisecond

// Timeouts used for every scenario. Short enough that hang steps resolve
// quickly.
var (
	scenarioTimeouts = channel.Timeouts{Join: time.Second, Push: 300 * time.Millisecond, Leave: 200 * time.Millisecond}
	scenarioBackoff  = syncer.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
)

// Harness runs one scenario against a real coordinator, a fresh
// in-memory replica, and a fake server reached over an in-process
// transport.
type Harness struct {
	store  *store.Store
	log    *wal.Log
	server *testutil.FakeServer
	net    *memtransport.Network
	coord  *syncer.Coordinator
	logger *slog.Logger
}

// Run executes a test scenario with logging discarded.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, nil)
}

// RunWithLogger executes a test scenario and returns the result. Step
// outcomes and the coordinator's own logs go to logger; nil discards them.
//
// Execution flow:
// 1. Create fresh in-memory database
// 2. Compile the schema, if any
// 3. Seed the fake server
// 4. Execute steps, checking each outcome against its expectation
// 5. Capture final state and evaluate assertions
//
// A non-nil error means the scenario could not be set up; step and
// assertion failures are reported in the Result.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	version := 1
	tables := scenario.Tables
	var registry *compiler.Registry
	if scenario.Schema != "" {
		schema, err := compiler.LoadSchemaFile(scenario.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema: %w", err)
		}
		version = schema.Version
		tables = schema.TableNames()
		registry = compiler.NewRegistry(schema.Tables...)
	}

	// Create fresh in-memory SQLite database
	st, err := store.Open(":memory:", version, tables)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	topic := scenario.Topic
	if topic == "" {
		topic = syncer.DefaultTopic
	}
	srv := testutil.NewFakeServer(topic, tables...)
	if err := seedServer(srv, scenario.Server); err != nil {
		return nil, fmt.Errorf("failed to seed server: %w", err)
	}
	n := memtransport.New(srv)
	srv.Attach(n)

	var walOpts []wal.Option
	var coordOpts []syncer.Option
	if registry != nil {
		walOpts = append(walOpts, wal.WithRegistry(registry))
		coordOpts = append(coordOpts, syncer.WithRegistry(registry))
	}
	if len(scenario.IDs) > 0 {
		walOpts = append(walOpts, wal.WithGenerator(ident.NewFixedGenerator(scenario.IDs...)))
	}
	log := wal.New(st, walOpts...)
	coordOpts = append(coordOpts,
		syncer.WithTopic(topic),
		syncer.WithTimeouts(scenarioTimeouts),
		syncer.WithBackoff(scenarioBackoff),
		syncer.WithLogger(logger),
	)
	coord := syncer.New(st, log, n, coordOpts...)
	defer coord.Stop()

	h := &Harness{
		store:  st,
		log:    log,
		server: srv,
		net:    n,
		coord:  coord,
		logger: logger,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		kind, err := step.Kind()
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		outcome, detail := h.execute(kind, step)
		result.AddStep(kind, outcome, detail)
		h.logger.Debug("step", "scenario", scenario.Name, "seq", i+1, "kind", kind, "outcome", outcome, "detail", detail)

		expected := step.Expect
		if expected == "" {
			expected = OutcomeOK
		}
		if outcome != expected {
			msg := fmt.Sprintf("step %d (%s): expected %s, got %s", i+1, kind, expected, outcome)
			if detail != "" {
				msg += ": " + detail
			}
			result.AddError(msg)
		}
	}

	if err := h.capture(result); err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

// execute runs one step and classifies its outcome.
func (h *Harness) execute(kind string, step Step) (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()

	err := h.dispatch(ctx, kind, step)
	if err == nil {
		return OutcomeOK, ""
	}
	return classify(err), err.Error()
}

func (h *Harness) dispatch(ctx context.Context, kind string, step Step) error {
	switch kind {
	case StepWrite:
		ops, err := buildOps(step.Write.Ops)
		if err != nil {
			return err
		}
		pending, err := h.coord.Submit(ctx, ops)
		if err != nil {
			return err
		}
		if step.Write.Wait {
			return pending.Wait(ctx)
		}
		return nil

	case StepStart:
		return h.coord.Start(ctx)

	case StepSync:
		return h.coord.Sync(ctx)

	case StepStop:
		h.coord.Stop()
		return nil

	case StepDiscard:
		return h.coord.Discard(ctx, step.Discard)

	case StepResubmit:
		var data *ir.Record
		if step.Resubmit.Data != nil {
			rec, err := buildRecord(step.Resubmit.Data)
			if err != nil {
				return err
			}
			data = &rec
		}
		pending, err := h.coord.Resubmit(ctx, step.Resubmit.LogID, data)
		if err != nil {
			return err
		}
		if step.Resubmit.Wait {
			return pending.Wait(ctx)
		}
		return nil

	case StepCommit:
		ops, err := buildOps(step.Commit)
		if err != nil {
			return err
		}
		_, err = h.server.Commit(ops...)
		return err

	case StepResync:
		return h.server.SendResync()

	case StepReject:
		rule, err := rejectFunc(step.Reject)
		if err != nil {
			return err
		}
		h.server.RejectWrites(rule)
		return nil

	case StepAccept:
		h.server.RejectWrites(nil)
		return nil

	case StepHang:
		h.server.HangWrites(step.Hang)
		return nil

	case StepDrop:
		h.net.Drop()
		return nil

	case StepOffline:
		h.net.SetOffline(*step.Offline)
		return nil

	case StepAwaitLSN:
		return h.awaitLSN(ctx, step.AwaitLSN)
	}
	return fmt.Errorf("unknown step %q", kind)
}

// awaitLSN polls the stored cursor until it reaches lsn.
func (h *Harness) awaitLSN(ctx context.Context, lsn int64) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		cursor, err := h.store.Cursor(ctx)
		if err != nil {
			return err
		}
		if cursor.LSN >= lsn {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cursor at lsn %d, waiting for %d: %w", cursor.LSN, lsn, ctx.Err())
		case <-ticker.C:
		}
	}
}

// capture records the replica and server state into result.
func (h *Harness) capture(result *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()

	result.State = h.coord.State().String()
	for _, table := range h.store.Tables() {
		rows, err := h.coord.Read(ctx, table)
		if err != nil {
			return err
		}
		result.Views[table] = rows
		result.Server[table] = h.server.Rows(table)
	}

	entries, err := h.log.Entries(ctx)
	if err != nil {
		return err
	}
	result.Log = entries

	cursor, err := h.store.Cursor(ctx)
	if err != nil {
		return err
	}
	result.Cursor = cursor
	return nil
}

// classify maps a step error to its outcome code.
// outcomeOrder ranks coordinator codes for joined multi-op errors.
var outcomeOrder = []syncer.ErrorCode{
	syncer.ErrCodeWriteRejected,
	syncer.ErrCodeTimeout,
	syncer.ErrCodeJoinRejected,
	syncer.ErrCodeStorage,
	syncer.ErrCodeTransport,
}

func classify(err error) string {
	for _, code := range outcomeOrder {
		if _, ok := syncer.FindCode(err, code); ok {
			return string(code)
		}
	}
	var invalid *wal.InvalidOpError
	switch {
	case errors.As(err, &invalid):
		return OutcomeInvalidOp
	case errors.Is(err, syncer.ErrStopped):
		return OutcomeStopped
	case errors.Is(err, store.ErrLogEntryNotFound), errors.Is(err, store.ErrUnknownTable):
		return OutcomeNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeDeadline
	default:
		return OutcomeError
	}
}

func seedServer(srv *testutil.FakeServer, setup ServerSetup) error {
	for table, rows := range setup.Rows {
		records := make([]ir.Record, 0, len(rows))
		for i, row := range rows {
			rec, err := buildRecord(row)
			if err != nil {
				return fmt.Errorf("%s[%d]: %w", table, i, err)
			}
			if rec.ID.IsZero() {
				return fmt.Errorf("%s[%d]: id is required", table, i)
			}
			records = append(records, rec)
		}
		srv.Seed(table, records...)
	}
	srv.SetLSN(setup.LSN)
	return nil
}

func buildOps(specs []OpSpec) ([]ir.Op, error) {
	ops := make([]ir.Op, len(specs))
	for i, spec := range specs {
		kind := ir.OpKind(spec.Op)
		if !kind.Valid() {
			return nil, fmt.Errorf("ops[%d]: unknown op %q", i, spec.Op)
		}
		rec, err := buildRecord(spec.Data)
		if err != nil {
			return nil, fmt.Errorf("ops[%d]: %w", i, err)
		}
		ops[i] = ir.Op{Kind: kind, Table: spec.Table, Data: rec}
	}
	return ops, nil
}

func buildRecord(data map[string]interface{}) (ir.Record, error) {
	obj, err := toObject(data)
	if err != nil {
		return ir.Record{}, err
	}
	return ir.RecordFromObject(obj)
}

func toObject(data map[string]interface{}) (ir.Object, error) {
	obj := make(ir.Object, len(data))
	for k, v := range data {
		val, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}

// rejectFunc builds a server rule refusing ops whose field has the given
// value.
func rejectFunc(rule *RejectRule) (testutil.RejectFunc, error) {
	want, err := ir.FromGo(rule.Equals)
	if err != nil {
		return nil, fmt.Errorf("reject: %w", err)
	}
	wantJSON, err := ir.MarshalCanonical(want)
	if err != nil {
		return nil, fmt.Errorf("reject: %w", err)
	}
	message := rule.Message
	if message == "" {
		message = "is invalid"
	}
	return func(op ir.Op) ir.FieldErrors {
		got, ok := op.Data.Object()[rule.Field]
		if !ok {
			return nil
		}
		gotJSON, err := ir.MarshalCanonical(got)
		if err != nil || !bytes.Equal(gotJSON, wantJSON) {
			return nil
		}
		return ir.FieldErrors{rule.Field: {message}}
	}, nil
}
