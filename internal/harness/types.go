package harness

import (
	"github.com/roach88/syncdb/internal/ir"
)

// Outcome of a step that succeeded.
const OutcomeOK = "ok"

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Step    string `json:"step"`
	Outcome string `json:"outcome"`          // "ok" or an error code
	Detail  string `json:"detail,omitempty"` // error text, not part of golden files
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step had its expected outcome and all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Final state, captured after the last step.
	Views  map[string][]ir.Record `json:"views"`
	Log    []ir.LogEntry          `json:"log"`
	Cursor ir.Cursor              `json:"cursor"`
	State  string                 `json:"state"`
	Server map[string][]ir.Record `json:"server"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Views:  make(map[string][]ir.Record),
		Server: make(map[string][]ir.Record),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step to the trace.
func (r *Result) AddStep(step, outcome, detail string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Step:    step,
		Outcome: outcome,
		Detail:  detail,
	})
}

// Pending returns the log entries not parked.
func (r *Result) Pending() []ir.LogEntry {
	var out []ir.LogEntry
	for _, e := range r.Log {
		if !e.Parked {
			out = append(out, e)
		}
	}
	return out
}

// Parked returns the parked log entries.
func (r *Result) Parked() []ir.LogEntry {
	var out []ir.LogEntry
	for _, e := range r.Log {
		if e.Parked {
			out = append(out, e)
		}
	}
	return out
}
