package query

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type Kind uint8

const (
	Null Kind = iota
	Int
	Float
	Text
	Bool
	Time
	Bytes
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Int:
		return "int"
	case Float:
		return "float"
	case Text:
		return "text"
	case Bool:
		return "bool"
	case Time:
		return "time"
	case Bytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is one column value of a result row. The zero Value is Null.
type Value struct {
	kind Kind
	v    any
}

// ValueOf converts a value scanned from database/sql. Types without a
// dedicated kind (numeric, uuid, ...) keep their text representation.
func ValueOf(x any) Value {
	switch t := x.(type) {
	case nil:
		return Value{}
	case int64:
		return Value{Int, t}
	case int:
		return Value{Int, int64(t)}
	case int32:
		return Value{Int, int64(t)}
	case int16:
		return Value{Int, int64(t)}
	case int8:
		return Value{Int, int64(t)}
	case uint32:
		return Value{Int, int64(t)}
	case uint64:
		if t > math.MaxInt64 {
			return Value{Text, fmt.Sprint(t)}
		}
		return Value{Int, int64(t)}
	case float64:
		return Value{Float, t}
	case float32:
		return Value{Float, float64(t)}
	case string:
		return Value{Text, t}
	case bool:
		return Value{Bool, t}
	case time.Time:
		return Value{Time, t}
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return Value{Bytes, b}
	case fmt.Stringer:
		return Value{Text, t.String()}
	default:
		return Value{Text, fmt.Sprint(t)}
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }

// Any returns the underlying Go value: nil, int64, float64, string, bool,
// time.Time or []byte.
func (v Value) Any() any { return v.v }

func (v Value) Int() (int64, bool) {
	i, ok := v.v.(int64)
	return i, ok
}

func (v Value) Float() (float64, bool) {
	f, ok := v.v.(float64)
	return f, ok
}

func (v Value) Text() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

func (v Value) Bool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

func (v Value) Time() (time.Time, bool) {
	t, ok := v.v.(time.Time)
	return t, ok
}

func (v Value) Bytes() ([]byte, bool) {
	b, ok := v.v.([]byte)
	return b, ok
}

func (v Value) String() string {
	switch v.kind {
	case Null:
		return "NULL"
	case Time:
		return v.v.(time.Time).Format(time.RFC3339Nano)
	case Bytes:
		return fmt.Sprintf("\\x%x", v.v.([]byte))
	default:
		return fmt.Sprint(v.v)
	}
}

// MarshalJSON renders times as RFC 3339 and bytes as base64, the
// encoding/json defaults for those types.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == Float {
		f := v.v.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return json.Marshal(v.String())
		}
	}
	return json.Marshal(v.v)
}

// Row maps column name to value in column order.
type Row struct {
	fields *orderedmap.OrderedMap[string, Value]
}

func newRow(size int) Row {
	return Row{fields: orderedmap.New[string, Value](size)}
}

// NewRow builds a row from parallel column and value slices. Missing values are Null.
func NewRow(columns []string, values []any) Row {
	r := newRow(len(columns))
	for i, col := range columns {
		var x any
		if i < len(values) {
			x = values[i]
		}
		r.set(col, ValueOf(x))
	}
	return r
}

// set keeps the first position of a repeated column name; the last value wins.
func (r Row) set(col string, v Value) {
	r.fields.Set(col, v)
}

func (r Row) Get(col string) (Value, bool) {
	if r.fields == nil {
		return Value{}, false
	}
	return r.fields.Get(col)
}

// Columns returns the column names in order.
func (r Row) Columns() []string {
	if r.fields == nil {
		return nil
	}
	cols := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, pair.Key)
	}
	return cols
}

func (r Row) Len() int {
	if r.fields == nil {
		return 0
	}
	return r.fields.Len()
}

// Map returns the row as a plain map of underlying values. Column order is lost.
func (r Row) Map() map[string]any {
	m := make(map[string]any, r.Len())
	if r.fields == nil {
		return m
	}
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		m[pair.Key] = pair.Value.Any()
	}
	return m
}

// MarshalJSON writes a JSON object whose keys follow column order.
func (r Row) MarshalJSON() ([]byte, error) {
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return r.fields.MarshalJSON()
}

// Result is a fully materialized query result.
type Result struct {
	Columns []string
	Rows    []Row
}

func (r Result) Len() int { return len(r.Rows) }

// MarshalJSON writes the rows as an array of objects.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Rows == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Rows)
}
