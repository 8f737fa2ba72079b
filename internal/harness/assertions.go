package harness

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/syncdb/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	// Header with assertion type
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)

	// Expected vs Actual (most important info)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s\n", event.Seq, event.Step, event.Outcome)
		}
	}

	return buf.String()
}

// assertView checks that a table's view equals the expected rows in id
// order.
func assertView(result *Result, a Assertion) error {
	expected := make([]ir.Record, len(a.Rows))
	for i, row := range a.Rows {
		rec, err := buildRecord(row)
		if err != nil {
			return fmt.Errorf("view %s: rows[%d]: %w", a.Table, i, err)
		}
		expected[i] = rec
	}
	sortByID(expected)

	want, err := recordsJSON(expected)
	if err != nil {
		return err
	}
	got, err := recordsJSON(result.Views[a.Table])
	if err != nil {
		return err
	}
	if want != got {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("%s = %s", a.Table, want),
			Actual:   got,
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertViewContains finds the row matching every Where field and checks
// that it carries every Expect field. Other fields are ignored.
func assertViewContains(result *Result, a Assertion) error {
	where, err := toObject(a.Where)
	if err != nil {
		return fmt.Errorf("view_contains %s: where: %w", a.Table, err)
	}
	expect, err := toObject(a.Expect)
	if err != nil {
		return fmt.Errorf("view_contains %s: expect: %w", a.Table, err)
	}

	for _, row := range result.Views[a.Table] {
		obj := row.Object()
		if !containsFields(obj, where) {
			continue
		}
		if containsFields(obj, expect) {
			return nil
		}
		actual, _ := ir.MarshalCanonical(obj)
		return &AssertionError{
			Type:     AssertViewContains,
			Expected: fmt.Sprintf("%s where %s to have %s", a.Table, formatFields(where), formatFields(expect)),
			Actual:   string(actual),
			Trace:    result.Trace,
		}
	}

	return &AssertionError{
		Type:     AssertViewContains,
		Expected: fmt.Sprintf("%s where %s", a.Table, formatFields(where)),
		Actual:   "no matching row",
		Trace:    result.Trace,
	}
}

func assertCount(result *Result, a Assertion) error {
	var actual int
	var what string
	switch a.Type {
	case AssertViewCount:
		actual, what = len(result.Views[a.Table]), a.Table+" rows"
	case AssertServerCount:
		actual, what = len(result.Server[a.Table]), "server "+a.Table+" rows"
	case AssertWALCount:
		actual, what = len(result.Pending()), "pending entries"
	case AssertParkedCount:
		actual, what = len(result.Parked()), "parked entries"
	}

	if actual != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s", a.Count, what),
			Actual:   fmt.Sprintf("%d %s", actual, what),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertCursor(result *Result, a Assertion) error {
	if result.Cursor.LSN != a.LSN {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: fmt.Sprintf("lsn %d", a.LSN),
			Actual:   fmt.Sprintf("lsn %d", result.Cursor.LSN),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	if result.State != a.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: a.State,
			Actual:   result.State,
			Trace:    result.Trace,
		}
	}
	return nil
}

// containsFields reports whether obj has every field of want with an
// equal value.
func containsFields(obj, want ir.Object) bool {
	for k, v := range want {
		got, ok := obj[k]
		if !ok || !valuesEqual(got, v) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values by their canonical encoding.
func valuesEqual(a, b ir.Value) bool {
	aj, err := ir.MarshalCanonical(a)
	if err != nil {
		return false
	}
	bj, err := ir.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// formatFields creates a human-readable description of field conditions.
func formatFields(obj ir.Object) string {
	if len(obj) == 0 {
		return "(no conditions)"
	}

	// Sort keys for deterministic output
	keys := obj.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		val, _ := ir.MarshalCanonical(obj[k])
		parts = append(parts, fmt.Sprintf("%s=%s", k, val))
	}
	return strings.Join(parts, " AND ")
}

func recordsJSON(records []ir.Record) (string, error) {
	arr := make(ir.Array, len(records))
	for i, r := range records {
		arr[i] = r.Object()
	}
	data, err := ir.MarshalCanonical(arr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sortByID(records []ir.Record) {
	slices.SortFunc(records, func(a, b ir.Record) int { return a.ID.Compare(b.ID) })
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertView:
			err = assertView(result, assertion)
		case AssertViewContains:
			err = assertViewContains(result, assertion)
		case AssertViewCount, AssertServerCount, AssertWALCount, AssertParkedCount:
			err = assertCount(result, assertion)
		case AssertCursor:
			err = assertCursor(result, assertion)
		case AssertState:
			err = assertState(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
