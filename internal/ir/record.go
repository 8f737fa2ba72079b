package ir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Reserved record field names.
const (
	FieldID        = "id"
	FieldDeletedAt = "_deleted_at"
)

// RecordID identifies a record within its table. Server tables key rows by
// either a string or an integer; both forms are preserved so that the same
// id round-trips unchanged.
type RecordID struct {
	str   string
	num   int64
	isNum bool
	set   bool
}

// StringID returns a string record id.
func StringID(s string) RecordID {
	return RecordID{str: s, set: true}
}

// IntID returns an integer record id.
func IntID(n int64) RecordID {
	return RecordID{num: n, isNum: true, set: true}
}

// ParseRecordID converts a field value into a RecordID.
func ParseRecordID(v Value) (RecordID, error) {
	switch val := v.(type) {
	case String:
		if val == "" {
			return RecordID{}, fmt.Errorf("id must not be empty")
		}
		return StringID(string(val)), nil
	case Int:
		return IntID(int64(val)), nil
	case nil, Null:
		return RecordID{}, fmt.Errorf("id is required")
	default:
		return RecordID{}, fmt.Errorf("id must be a string or integer, got %T", v)
	}
}

// IsZero reports whether the id is unset.
func (id RecordID) IsZero() bool {
	return !id.set
}

// Value returns the id as a field value.
func (id RecordID) Value() Value {
	if id.isNum {
		return Int(id.num)
	}
	return String(id.str)
}

// Key returns the storage key: the canonical JSON form of the id, so that
// "1" and 1 never collide.
func (id RecordID) Key() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	b, err := marshalCanonicalString(id.str)
	if err != nil {
		return strconv.Quote(id.str)
	}
	return string(b)
}

// String returns a human readable form of the id.
func (id RecordID) String() string {
	if id.isNum {
		return strconv.FormatInt(id.num, 10)
	}
	return id.str
}

// MarshalJSON implements json.Marshaler.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	return []byte(id.Key()), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return err
	}
	parsed, err := ParseRecordID(v)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseRecordKey is the inverse of RecordID.Key.
func ParseRecordKey(key string) (RecordID, error) {
	var id RecordID
	if err := id.UnmarshalJSON([]byte(key)); err != nil {
		return RecordID{}, fmt.Errorf("parse record key %q: %w", key, err)
	}
	return id, nil
}

// Record is one row of a synced table. The id and the tombstone are lifted
// out of the field map so they cannot be confused with ordinary fields.
type Record struct {
	ID        RecordID
	Fields    Object
	DeletedAt *string
}

// NewRecord builds a record from an id and its non-reserved fields.
func NewRecord(id RecordID, fields Object) Record {
	if fields == nil {
		fields = Object{}
	}
	return Record{ID: id, Fields: fields}
}

// RecordFromObject splits a flat field map into a Record.
// The id is optional here; callers that require one check IsZero.
func RecordFromObject(obj Object) (Record, error) {
	rec := Record{Fields: make(Object, len(obj))}
	for k, v := range obj {
		switch k {
		case FieldID:
			if _, isNull := v.(Null); isNull {
				continue
			}
			id, err := ParseRecordID(v)
			if err != nil {
				return Record{}, err
			}
			rec.ID = id
		case FieldDeletedAt:
			switch val := v.(type) {
			case Null:
			case String:
				s := string(val)
				rec.DeletedAt = &s
			default:
				return Record{}, fmt.Errorf("%s must be a string timestamp or null, got %T", FieldDeletedAt, v)
			}
		default:
			rec.Fields[k] = v
		}
	}
	return rec, nil
}

// Object returns the flat field map including id and _deleted_at.
func (r Record) Object() Object {
	obj := make(Object, len(r.Fields)+2)
	for k, v := range r.Fields {
		obj[k] = v
	}
	if !r.ID.IsZero() {
		obj[FieldID] = r.ID.Value()
	}
	if r.DeletedAt != nil {
		obj[FieldDeletedAt] = String(*r.DeletedAt)
	}
	return obj
}

// Tombstoned reports whether the record carries a soft-delete marker.
func (r Record) Tombstoned() bool {
	return r.DeletedAt != nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{ID: r.ID, Fields: r.Fields.Clone()}
	if out.Fields == nil {
		out.Fields = Object{}
	}
	if r.DeletedAt != nil {
		s := *r.DeletedAt
		out.DeletedAt = &s
	}
	return out
}

// MarshalJSON implements json.Marshaler using canonical key order.
func (r Record) MarshalJSON() ([]byte, error) {
	return marshalCanonicalObject(r.Object())
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	rec, err := RecordFromObject(obj)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// Compare orders ids: integers numerically, then strings lexically.
// Integer ids sort before string ids.
func (id RecordID) Compare(other RecordID) int {
	switch {
	case id.isNum && other.isNum:
		switch {
		case id.num < other.num:
			return -1
		case id.num > other.num:
			return 1
		}
		return 0
	case id.isNum:
		return -1
	case other.isNum:
		return 1
	}
	return strings.Compare(id.str, other.str)
}
