// Package types holds the driver-neutral data model shared across the
// connection registry, query builder, operation engine and RPC layer:
// tagged cell values, column/schema/index/foreign-key metadata, and the
// result-set/row containers that carry query output between them.
package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
	KindBool
	KindDate
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a tagged union over the cell kinds a driver can produce or a
// bound parameter can carry. A NULL keeps its declared Kind and carries a
// separate null flag, so "NULL of type T" (Kind T, IsNull true) and "value
// of type T" (Kind T, IsNull false) are told apart by IsNull, not by Kind.
type Value struct {
	kind  Kind
	null  bool
	i     int64
	f     float64
	s     string // TEXT, DATE, TIMESTAMP payload
	b     []byte // BLOB payload
	boolv bool
}

func NullValue(k Kind) Value        { return Value{kind: k, null: true} }
func IntValue(v int64) Value        { return Value{kind: KindInt, i: v} }
func FloatValue(v float64) Value    { return Value{kind: KindFloat, f: v} }
func TextValue(v string) Value      { return Value{kind: KindText, s: v} }
func BlobValue(v []byte) Value      { return Value{kind: KindBlob, b: append([]byte(nil), v...)} }
func BoolValue(v bool) Value        { return Value{kind: KindBool, boolv: v} }
func DateValue(v string) Value      { return Value{kind: KindDate, s: v} }
func TimestampValue(v string) Value { return Value{kind: KindTimestamp, s: v} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.null }

func (v Value) Int() (int64, bool)        { return v.i, v.kind == KindInt && !v.null }
func (v Value) Float() (float64, bool)    { return v.f, v.kind == KindFloat && !v.null }
func (v Value) Text() (string, bool)      { return v.s, v.kind == KindText && !v.null }
func (v Value) Blob() ([]byte, bool)      { return v.b, v.kind == KindBlob && !v.null }
func (v Value) Bool() (bool, bool)        { return v.boolv, v.kind == KindBool && !v.null }
func (v Value) Date() (string, bool)      { return v.s, v.kind == KindDate && !v.null }
func (v Value) Timestamp() (string, bool) { return v.s, v.kind == KindTimestamp && !v.null }

// Equal compares two Values by kind, null flag, and payload. Two NULLs of
// different declared kinds are not Equal, matching the invariant that NULL
// carries its declaring type.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.null != o.null {
		return false
	}
	if v.null {
		return true
	}
	switch v.kind {
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindText, KindDate, KindTimestamp:
		return v.s == o.s
	case KindBlob:
		return string(v.b) == string(o.b)
	case KindBool:
		return v.boolv == o.boolv
	default:
		return true
	}
}

// MarshalJSON renders a Value for the wire: NULL -> null, INT/FLOAT/BOOL
// -> their native JSON scalar, TEXT/DATE/TIMESTAMP -> JSON string, BLOB ->
// lowercase hex JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.null {
		return []byte("null"), nil
	}
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(formatFloat(v.f))
	case KindText, KindDate, KindTimestamp:
		return json.Marshal(v.s)
	case KindBlob:
		return json.Marshal(hex.EncodeToString(v.b))
	case KindBool:
		return json.Marshal(v.boolv)
	default:
		return []byte("null"), nil
	}
}

// formatFloat renders a float as the shortest decimal that round-trips,
// returned as a bare JSON number literal rather than a quoted string.
func formatFloat(f float64) json.RawMessage {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	return json.RawMessage(s)
}

// UnmarshalJSON is not implemented on Value directly: parsing a bound
// parameter requires knowing whether the destination column expects TEXT,
// DATE or TIMESTAMP (all of which arrive as JSON strings), so callers use
// ValueFromJSON with an optional declared Kind hint instead of the
// json.Unmarshaler interface.

// ValueFromJSON parses a JSON scalar into a Value: null -> NULL (typed by
// hint if given, otherwise KindNull), boolean -> BOOL, numeric with zero
// fractional part within int64 range -> INT else FLOAT, string -> TEXT
// unless hint says DATE/TIMESTAMP/BLOB, anything else is a parse error.
func ValueFromJSON(raw json.RawMessage, hint Kind) (Value, error) {
	var iface interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&iface); err != nil {
		return Value{}, fmt.Errorf("invalid JSON value: %w", err)
	}
	return valueFromDecoded(iface, hint)
}

func valueFromDecoded(iface interface{}, hint Kind) (Value, error) {
	switch t := iface.(type) {
	case nil:
		if hint == KindNull {
			return NullValue(KindText), nil
		}
		return NullValue(hint), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		if hint == KindFloat {
			f, err := t.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("invalid float %q: %w", t, err)
			}
			return FloatValue(f), nil
		}
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return IntValue(int64(f)), nil
		}
		return FloatValue(f), nil
	case string:
		switch hint {
		case KindBlob:
			b, err := hex.DecodeString(t)
			if err != nil {
				return Value{}, fmt.Errorf("invalid hex blob: %w", err)
			}
			return BlobValue(b), nil
		case KindDate:
			return DateValue(t), nil
		case KindTimestamp:
			return TimestampValue(t), nil
		default:
			return TextValue(t), nil
		}
	default:
		return Value{}, fmt.Errorf("unsupported JSON value type %T for Value", iface)
	}
}
