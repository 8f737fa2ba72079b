package ir

import (
	"encoding/json"
	"fmt"
)

// OpKind is the mutation kind carried by local WAL entries and server commits.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the known kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Op is a single table mutation. Local writes and server-pushed commits
// share this shape.
type Op struct {
	Kind  OpKind `json:"op"`
	Table string `json:"table"`
	Data  Record `json:"data"`
}

// UnmarshalJSON decodes an op and rejects unknown kinds.
// Server commits also carry a "schema" key which is ignored.
func (o *Op) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  OpKind `json:"op"`
		Table string `json:"table"`
		Data  Record `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.Kind.Valid() {
		return fmt.Errorf("unknown op %q", raw.Kind)
	}
	*o = Op{Kind: raw.Kind, Table: raw.Table, Data: raw.Data}
	return nil
}

// FieldErrors maps a field name to server validation messages.
type FieldErrors map[string][]string

// LogEntry is a durable, not yet acknowledged local mutation.
// LogID is assigned by storage and defines replay order.
type LogEntry struct {
	LogID  int64       `json:"log_id"`
	Op     Op          `json:"op"`
	Parked bool        `json:"parked,omitempty"`
	Errors FieldErrors `json:"errors,omitempty"`
}

// Cursor tracks the position of the local replica in the server stream.
type Cursor struct {
	LSN     int64 `json:"lsn"`
	Snapmin int64 `json:"snapmin"`
}

// TableRows is one table's worth of snapshot rows.
type TableRows struct {
	Table string
	Rows  []Record
}

// ChangeKind is the notification emitted for a committed mutation.
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeUpdated  ChangeKind = "updated"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change describes one committed mutation of the snapshot table.
type Change struct {
	Table  string
	Kind   ChangeKind
	Record Record
}

// Event returns the notification name, e.g. "todos:inserted".
func (c Change) Event() string {
	return c.Table + ":" + string(c.Kind)
}

// FieldType is the declared type of a table field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
	// TypeID accepts either a string or an integer.
	TypeID FieldType = "id"
)

// FieldSpec declares one field of a table schema.
type FieldSpec struct {
	Type     FieldType `json:"type"`
	Optional bool      `json:"optional,omitempty"`
	Nullable bool      `json:"nullable,omitempty"`
}

// TableSchema is the compiled definition of one synced table.
type TableSchema struct {
	Name   string               `json:"name"`
	Fields map[string]FieldSpec `json:"fields"`
}
