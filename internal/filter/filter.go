// Package filter compiles row predicates for read queries.
//
// A filter is an expr-lang expression evaluated against each row's fields,
// e.g. `done == false && title contains "milk"`. Fields absent from a row
// evaluate to nil.
package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/syncdb/internal/ir"
)

// Filter is a compiled row predicate.
type Filter struct {
	src string
	prg *vm.Program
}

// Compile parses src.
func Compile(src string) (*Filter, error) {
	prg, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", src, err)
	}
	return &Filter{src: src, prg: prg}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.src }

// Match reports whether rec satisfies the filter.
func (f *Filter) Match(rec ir.Record) (bool, error) {
	env, _ := ir.ToGo(rec.Object()).(map[string]any)
	out, err := expr.Run(f.prg, env)
	if err != nil {
		return false, fmt.Errorf("filter %q on %s: %w", f.src, rec.ID, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("filter %q returned %T, want bool", f.src, out)
	}
	return ok, nil
}

// Apply returns the records that match, in order.
func (f *Filter) Apply(recs []ir.Record) ([]ir.Record, error) {
	out := make([]ir.Record, 0, len(recs))
	for _, r := range recs {
		ok, err := f.Match(r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}
