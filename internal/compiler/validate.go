package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/syncdb/internal/ir"
)

// Validation error codes (E120-E129)
const (
	ErrUnknownTable   = "E120" // table not declared in the schema
	ErrUnknownField   = "E121" // field not declared on the table
	ErrMissingField   = "E122" // required field absent on insert
	ErrTypeMismatch   = "E123" // value does not match the declared type
	ErrMissingID      = "E124" // record has no id
	ErrNullNotAllowed = "E125" // null for a required, non-nullable field
	ErrUnknownOp      = "E126" // op kind is not insert, update, or delete
)

// ValidationError represents a record validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Registry holds the compiled table schemas of one replica.
type Registry struct {
	tables map[string]ir.TableSchema
}

// NewRegistry builds a registry from compiled tables.
func NewRegistry(tables ...ir.TableSchema) *Registry {
	r := &Registry{tables: make(map[string]ir.TableSchema, len(tables))}
	for _, t := range tables {
		r.tables[t.Name] = t
	}
	return r
}

// Table returns the schema for name.
func (r *Registry) Table(name string) (ir.TableSchema, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Names returns the declared table names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateOp checks a local write strictly: the table must be declared,
// every field must be declared and well typed, and an insert must carry
// every required field. An update is a partial patch, so only the fields
// it carries are checked; null removes a field and is allowed for
// optional ones. A delete only needs its id.
//
// Returns all errors found (does not fail-fast).
func (r *Registry) ValidateOp(op ir.Op) []ValidationError {
	if !op.Kind.Valid() {
		return []ValidationError{{Field: "op", Message: fmt.Sprintf("unknown op %q", op.Kind), Code: ErrUnknownOp}}
	}
	table, ok := r.tables[op.Table]
	if !ok {
		return []ValidationError{{Field: "table", Message: fmt.Sprintf("unknown table %q", op.Table), Code: ErrUnknownTable}}
	}

	var errs []ValidationError
	if op.Data.ID.IsZero() {
		errs = append(errs, ValidationError{Field: ir.FieldID, Message: "id is required", Code: ErrMissingID})
	} else if !typeMatches(table.Fields[ir.FieldID].Type, op.Data.ID.Value()) {
		errs = append(errs, ValidationError{
			Field:   ir.FieldID,
			Message: fmt.Sprintf("expected %s", table.Fields[ir.FieldID].Type),
			Code:    ErrTypeMismatch,
		})
	}
	if op.Kind == ir.OpDelete {
		return errs
	}

	for _, name := range op.Data.Fields.SortedKeys() {
		spec, declared := table.Fields[name]
		if !declared {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("unknown field on %s", table.Name),
				Code:    ErrUnknownField,
			})
			continue
		}
		if verr, bad := checkValue(name, spec, op.Data.Fields[name], op.Kind == ir.OpUpdate); bad {
			errs = append(errs, verr)
		}
	}

	if op.Kind == ir.OpInsert {
		names := make([]string, 0, len(table.Fields))
		for name := range table.Fields {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			spec := table.Fields[name]
			if spec.Optional || name == ir.FieldID {
				continue
			}
			if _, present := op.Data.Fields[name]; !present {
				errs = append(errs, ValidationError{Field: name, Message: "field is required", Code: ErrMissingField})
			}
		}
	}

	return errs
}

// ValidateRow checks a server row leniently: the id must be present and
// declared fields must be well typed. Undeclared fields and missing
// fields are accepted since the server owns the data.
func (r *Registry) ValidateRow(tableName string, rec ir.Record) []ValidationError {
	if rec.ID.IsZero() {
		return []ValidationError{{Field: ir.FieldID, Message: "id is required", Code: ErrMissingID}}
	}
	table, ok := r.tables[tableName]
	if !ok {
		return nil
	}

	var errs []ValidationError
	for _, name := range rec.Fields.SortedKeys() {
		spec, declared := table.Fields[name]
		if !declared {
			continue
		}
		if _, isNull := rec.Fields[name].(ir.Null); isNull {
			continue
		}
		if verr, bad := checkValue(name, spec, rec.Fields[name], false); bad {
			errs = append(errs, verr)
		}
	}
	return errs
}

// FieldErrors converts validation errors into the field error map carried
// by a rejected write.
func FieldErrors(errs []ValidationError) ir.FieldErrors {
	if len(errs) == 0 {
		return nil
	}
	out := make(ir.FieldErrors, len(errs))
	for _, e := range errs {
		out[e.Field] = append(out[e.Field], e.Message)
	}
	return out
}

func checkValue(name string, spec ir.FieldSpec, v ir.Value, patch bool) (ValidationError, bool) {
	if _, isNull := v.(ir.Null); isNull {
		if spec.Nullable || (patch && spec.Optional) {
			return ValidationError{}, false
		}
		return ValidationError{Field: name, Message: "must not be null", Code: ErrNullNotAllowed}, true
	}
	if !typeMatches(spec.Type, v) {
		return ValidationError{
			Field:   name,
			Message: fmt.Sprintf("expected %s", spec.Type),
			Code:    ErrTypeMismatch,
		}, true
	}
	return ValidationError{}, false
}

func typeMatches(t ir.FieldType, v ir.Value) bool {
	switch v.(type) {
	case ir.String:
		return t == ir.TypeString || t == ir.TypeID
	case ir.Int:
		return t == ir.TypeInt || t == ir.TypeID || t == ir.TypeFloat
	case ir.Float:
		return t == ir.TypeFloat
	case ir.Bool:
		return t == ir.TypeBool
	case ir.Array:
		return t == ir.TypeArray
	case ir.Object:
		return t == ir.TypeObject
	}
	return false
}
