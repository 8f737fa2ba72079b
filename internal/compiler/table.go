package compiler

import (
	"fmt"
	"os"
	"regexp"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncdb/internal/ir"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema is a compiled schema file: the storage version and every table.
type Schema struct {
	Version int
	Tables  []ir.TableSchema
}

// TableNames returns the table names in declaration order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// LoadSchemaFile reads and compiles a CUE schema file.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	return CompileSchema(v)
}

// CompileSchema compiles a top-level schema value of the form:
//
//	version: 2
//	table: todos: {
//		id:    string
//		title: string
//		done?: bool
//	}
func CompileSchema(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := &Schema{}

	versionVal := v.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return nil, &CompileError{Field: "version", Message: "version is required", Pos: v.Pos()}
	}
	version, err := versionVal.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	if version < 1 {
		return nil, &CompileError{Field: "version", Message: "version must be at least 1", Pos: versionVal.Pos()}
	}
	schema.Version = int(version)

	tablesVal := v.LookupPath(cue.ParsePath("table"))
	if !tablesVal.Exists() {
		return nil, &CompileError{Field: "table", Message: "at least one table is required", Pos: v.Pos()}
	}
	iter, err := tablesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		table, err := CompileTable(iter.Value())
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, *table)
	}
	if len(schema.Tables) == 0 {
		return nil, &CompileError{Field: "table", Message: "at least one table is required", Pos: tablesVal.Pos()}
	}

	return schema, nil
}

// CompileTable compiles one table struct. The table name is the last path
// selector, so v should be looked up as table.<name>.
//
// id is implicit when not declared and accepts a string or an integer.
// _deleted_at is a hidden CUE field and is always implicit.
func CompileTable(v cue.Value) (*ir.TableSchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	table := &ir.TableSchema{Fields: make(map[string]ir.FieldSpec)}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		table.Name = sels[len(sels)-1].String()
	}
	if !tableNamePattern.MatchString(table.Name) {
		return nil, &CompileError{
			Field:   "table",
			Message: fmt.Sprintf("invalid table name %q", table.Name),
			Pos:     v.Pos(),
		}
	}

	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		spec, err := extractFieldSpec(iter.Value(), table.Name+"."+name)
		if err != nil {
			return nil, err
		}
		spec.Optional = iter.IsOptional()
		table.Fields[name] = spec
	}

	id, ok := table.Fields[ir.FieldID]
	switch {
	case !ok:
		table.Fields[ir.FieldID] = ir.FieldSpec{Type: ir.TypeID}
	case id.Optional || id.Nullable:
		return nil, &CompileError{
			Field:   table.Name + ".id",
			Message: "id must be required and non-null",
			Pos:     v.Pos(),
		}
	case !slices.Contains([]ir.FieldType{ir.TypeString, ir.TypeInt, ir.TypeID}, id.Type):
		return nil, &CompileError{
			Field:   table.Name + ".id",
			Message: fmt.Sprintf("id must be a string or int, got %s", id.Type),
			Pos:     v.Pos(),
		}
	}

	return table, nil
}

// extractFieldSpec converts a CUE field constraint into a FieldSpec.
// CUE's number (int | float) maps to float, which also accepts integers.
func extractFieldSpec(v cue.Value, field string) (ir.FieldSpec, error) {
	kind := v.IncompleteKind()
	spec := ir.FieldSpec{}
	if kind&cue.NullKind != 0 && kind != cue.NullKind {
		spec.Nullable = true
		kind &^= cue.NullKind
	}

	switch kind {
	case cue.StringKind:
		spec.Type = ir.TypeString
	case cue.IntKind:
		spec.Type = ir.TypeInt
	case cue.FloatKind, cue.NumberKind:
		spec.Type = ir.TypeFloat
	case cue.BoolKind:
		spec.Type = ir.TypeBool
	case cue.ListKind:
		spec.Type = ir.TypeArray
	case cue.StructKind:
		spec.Type = ir.TypeObject
	case cue.StringKind | cue.IntKind:
		spec.Type = ir.TypeID
	default:
		return spec, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
	return spec, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
