package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncdb/internal/ir"
)

func todosRegistry() *Registry {
	return NewRegistry(ir.TableSchema{
		Name: "todos",
		Fields: map[string]ir.FieldSpec{
			"id":    {Type: ir.TypeString},
			"title": {Type: ir.TypeString},
			"done":  {Type: ir.TypeBool, Optional: true},
			"note":  {Type: ir.TypeString, Optional: true, Nullable: true},
		},
	})
}

func todoOp(kind ir.OpKind, fields ir.Object) ir.Op {
	return ir.Op{Kind: kind, Table: "todos", Data: ir.NewRecord(ir.StringID("A"), fields)}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateOpValidInsert(t *testing.T) {
	errs := todosRegistry().ValidateOp(todoOp(ir.OpInsert, ir.Object{"title": ir.String("x"), "done": ir.Bool(false)}))
	assert.Empty(t, errs)
}

func TestValidateOpInsertMissingRequired(t *testing.T) {
	errs := todosRegistry().ValidateOp(todoOp(ir.OpInsert, ir.Object{"done": ir.Bool(true)}))
	require.Len(t, errs, 1)
	assert.Equal(t, ErrMissingField, errs[0].Code)
	assert.Equal(t, "title", errs[0].Field)
}

func TestValidateOpUnknownFieldAndType(t *testing.T) {
	errs := todosRegistry().ValidateOp(todoOp(ir.OpInsert, ir.Object{
		"title": ir.Int(3),
		"color": ir.String("red"),
	}))
	assert.Equal(t, []string{ErrUnknownField, ErrTypeMismatch}, codes(errs))
}

func TestValidateOpNumericFields(t *testing.T) {
	reg := NewRegistry(ir.TableSchema{
		Name: "items",
		Fields: map[string]ir.FieldSpec{
			"id":    {Type: ir.TypeString},
			"price": {Type: ir.TypeFloat},
			"qty":   {Type: ir.TypeInt},
		},
	})
	op := func(price, qty ir.Value) ir.Op {
		return ir.Op{Kind: ir.OpInsert, Table: "items", Data: ir.NewRecord(ir.StringID("A"), ir.Object{"price": price, "qty": qty})}
	}

	assert.Empty(t, reg.ValidateOp(op(ir.Float(1.5), ir.Int(2))))
	assert.Empty(t, reg.ValidateOp(op(ir.Int(2), ir.Int(2))), "an integer is a valid float")
	assert.Equal(t, []string{ErrTypeMismatch}, codes(reg.ValidateOp(op(ir.Float(1.5), ir.Float(2.5)))))
}

func TestValidateOpUpdateIsPartial(t *testing.T) {
	reg := todosRegistry()

	assert.Empty(t, reg.ValidateOp(todoOp(ir.OpUpdate, ir.Object{"done": ir.Bool(true)})))
	assert.Empty(t, reg.ValidateOp(todoOp(ir.OpUpdate, ir.Object{"done": ir.Null{}})), "null clears an optional field")

	errs := reg.ValidateOp(todoOp(ir.OpUpdate, ir.Object{"title": ir.Null{}}))
	assert.Equal(t, []string{ErrNullNotAllowed}, codes(errs))
}

func TestValidateOpNullable(t *testing.T) {
	errs := todosRegistry().ValidateOp(todoOp(ir.OpInsert, ir.Object{"title": ir.String("x"), "note": ir.Null{}}))
	assert.Empty(t, errs)
}

func TestValidateOpDeleteOnlyNeedsID(t *testing.T) {
	reg := todosRegistry()
	assert.Empty(t, reg.ValidateOp(todoOp(ir.OpDelete, nil)))

	errs := reg.ValidateOp(ir.Op{Kind: ir.OpDelete, Table: "todos", Data: ir.NewRecord(ir.RecordID{}, nil)})
	assert.Equal(t, []string{ErrMissingID}, codes(errs))
}

func TestValidateOpIDType(t *testing.T) {
	errs := todosRegistry().ValidateOp(ir.Op{
		Kind:  ir.OpDelete,
		Table: "todos",
		Data:  ir.NewRecord(ir.IntID(1), nil),
	})
	assert.Equal(t, []string{ErrTypeMismatch}, codes(errs))
}

func TestValidateOpUnknownTableAndKind(t *testing.T) {
	reg := todosRegistry()

	errs := reg.ValidateOp(ir.Op{Kind: ir.OpInsert, Table: "notes", Data: ir.NewRecord(ir.StringID("A"), nil)})
	assert.Equal(t, []string{ErrUnknownTable}, codes(errs))

	errs = reg.ValidateOp(ir.Op{Kind: "upsert", Table: "todos", Data: ir.NewRecord(ir.StringID("A"), nil)})
	assert.Equal(t, []string{ErrUnknownOp}, codes(errs))
}

func TestValidateRowLenient(t *testing.T) {
	reg := todosRegistry()

	row := ir.NewRecord(ir.StringID("A"), ir.Object{"extra": ir.Int(1), "done": ir.Null{}})
	assert.Empty(t, reg.ValidateRow("todos", row), "missing and undeclared fields are accepted")

	bad := ir.NewRecord(ir.StringID("A"), ir.Object{"done": ir.String("yes")})
	assert.Equal(t, []string{ErrTypeMismatch}, codes(reg.ValidateRow("todos", bad)))

	assert.Equal(t, []string{ErrMissingID}, codes(reg.ValidateRow("todos", ir.NewRecord(ir.RecordID{}, nil))))
	assert.Empty(t, reg.ValidateRow("unknown", ir.NewRecord(ir.StringID("A"), nil)))
}

func TestFieldErrors(t *testing.T) {
	fe := FieldErrors([]ValidationError{
		{Field: "title", Message: "field is required"},
		{Field: "title", Message: "expected string"},
		{Field: "done", Message: "expected bool"},
	})
	assert.Equal(t, ir.FieldErrors{
		"title": {"field is required", "expected string"},
		"done":  {"expected bool"},
	}, fe)
	assert.Nil(t, FieldErrors(nil))
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry(ir.TableSchema{Name: "todos"}, ir.TableSchema{Name: "notes"})
	assert.Equal(t, []string{"notes", "todos"}, reg.Names())

	_, ok := reg.Table("todos")
	assert.True(t, ok)
}
