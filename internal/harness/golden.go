package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/syncdb/internal/ir"
)

// Snapshot captures what a scenario run produced: the step outcomes, the
// final replica, and the server tables. Step details and the connection
// state are left out; they vary with timing.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Views        map[string][]ir.Record
	Log          []ir.LogEntry
	LSN          int64
	Server       map[string][]ir.Record
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) Snapshot {
	return Snapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Views:        result.Views,
		Log:          result.Log,
		LSN:          result.Cursor.LSN,
		Server:       result.Server,
	}
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		traceList[i] = map[string]any{
			"seq":     event.Seq,
			"step":    event.Step,
			"outcome": event.Outcome,
		}
	}

	logList := make([]any, len(s.Log))
	for i, entry := range s.Log {
		entryMap := map[string]any{
			"log_id": entry.LogID,
			"op":     string(entry.Op.Kind),
			"table":  entry.Op.Table,
			"data":   entry.Op.Data.Object(),
		}
		if entry.Parked {
			entryMap["parked"] = true
		}
		if len(entry.Errors) > 0 {
			entryMap["errors"] = fieldErrorsMap(entry.Errors)
		}
		logList[i] = entryMap
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"views":         tablesMap(s.Views),
		"log":           logList,
		"lsn":           s.LSN,
		"server":        tablesMap(s.Server),
	}
}

func tablesMap(tables map[string][]ir.Record) map[string]any {
	out := make(map[string]any, len(tables))
	for table, rows := range tables {
		list := make([]any, len(rows))
		for i, r := range rows {
			list[i] = r.Object()
		}
		out[table] = list
	}
	return out
}

func fieldErrorsMap(errs ir.FieldErrors) map[string]any {
	out := make(map[string]any, len(errs))
	for field, msgs := range errs {
		list := make([]any, len(msgs))
		for i, m := range msgs {
			list[i] = m
		}
		out[field] = list
	}
	return out
}

// MarshalSnapshot returns the canonical JSON of a snapshot.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(NewSnapshot(scenarioName, result))
	if err != nil {
		return err
	}

	// Compare with golden file using goldie
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
