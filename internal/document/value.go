// Package document implements docstore's recursive document value model: a
// tagged union over null, bool, int64, float64, string, array, and object,
// plus the two server-injected metadata fields (_id, _version) every stored
// document carries.
//
// The teacher's storage.Document was a bare map[string]interface{}; JSON
// decoding through Go's encoding/json collapses every number to float64 and
// loses key order, which breaks the int/float distinction and the ordered
// mapping the data model promises. Value and Document fix both.
package document

import (
	"fmt"
	"strconv"
)

// Kind identifies which branch of the tagged union a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is one node of a document tree.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	obj  *Document
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func Array(vs []Value) Value     { return Value{kind: KindArray, arr: vs} }
func Object(d *Document) Value   { return Value{kind: KindObject, obj: d} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) AsBool() bool    { return v.b }
func (v Value) AsInt() int64    { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsArray() []Value { return v.arr }
func (v Value) AsObject() *Document { return v.obj }

// Numeric reports whether the value is int or float and returns it widened
// to float64, for cross-type numeric comparison (spec §4.5 "type-aware
// numeric compare").
func (v Value) Numeric() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// FromAny builds a Value from a plain Go value as produced by a default
// encoding/json decoder (numbers as float64), or constructed in-process by
// CLI/test code that hands us int, int64, float64, string, bool, nil,
// []interface{} or map[string]interface{}. json.Number is not accepted.
func FromAny(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		return floatOrInt(x), nil
	case string:
		return String(x), nil
	case []interface{}:
		out := make([]Value, 0, len(x))
		for _, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			out = append(out, ev)
		}
		return Array(out), nil
	case []Value:
		return Array(x), nil
	case map[string]interface{}:
		d := NewDocument()
		for k, e := range x {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			d.Set(k, ev)
		}
		return Object(d), nil
	case *Document:
		return Object(x), nil
	case Document:
		return Object(&x), nil
	case Value:
		return x, nil
	default:
		return Value{}, fmt.Errorf("document: unsupported value type %T", v)
	}
}

// floatOrInt is used when a caller hands us a bare float64 (e.g. from the
// legacy map[string]interface{} surface) without the int/float distinction
// a JSON-number parse would have preserved; a value with no fractional part
// is treated as int, matching the wire decoder's behavior for plain integer
// literals.
func floatOrInt(f float64) Value {
	if f == float64(int64(f)) {
		return Int(int64(f))
	}
	return Float(f)
}

// ToAny converts a Value back into the plain Go interface{} shape used at
// the wire boundary (map[string]interface{} / []interface{}).
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, v.obj.Len())
		for _, k := range v.obj.Keys() {
			val, _ := v.obj.Get(k)
			out[k] = val.ToAny()
		}
		return out
	default:
		return nil
	}
}

// String renders a Value for diagnostics/logging only.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindArray:
		return fmt.Sprintf("array[%d]", len(v.arr))
	case KindObject:
		return fmt.Sprintf("object{%d}", v.obj.Len())
	default:
		return ""
	}
}

// DeepCopy returns a value whose mutable branches (array, object) are
// independent of v's, per design note: the document tree is a DAG only
// through repeated sub-document values, which must be deep-copied on
// ingest.
func (v Value) DeepCopy() Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.DeepCopy()
		}
		return Array(out)
	case KindObject:
		return Object(v.obj.DeepCopy())
	default:
		return v
	}
}
