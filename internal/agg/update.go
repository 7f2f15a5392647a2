package agg

import (
	"fmt"

	"github.com/bunbase/docstore/internal/document"
)

// ApplyUpdate mutates a deep copy of doc according to an update document
// using the operator set from spec §4.6: $set, $unset, $inc, $push, $pull,
// $rename. _id and _version are never touched by an update operator; the
// caller (transaction layer) is responsible for version bookkeeping.
func ApplyUpdate(doc *document.Document, update *document.Document) (*document.Document, error) {
	out := doc.DeepCopy()
	for _, op := range update.Keys() {
		argVal, _ := update.Get(op)
		if argVal.Kind() != document.KindObject {
			return nil, fmt.Errorf("agg: update operator %q requires an object operand", op)
		}
		arg := argVal.AsObject()
		switch op {
		case "$set":
			for _, f := range arg.Keys() {
				v, _ := arg.Get(f)
				document.SetPath(out, f, v)
			}
		case "$unset":
			for _, f := range arg.Keys() {
				document.UnsetPath(out, f)
			}
		case "$inc":
			for _, f := range arg.Keys() {
				delta, _ := arg.Get(f)
				dn, ok := delta.Numeric()
				if !ok {
					return nil, fmt.Errorf("agg: $inc operand for %q must be numeric", f)
				}
				cur, ok := document.GetPath(out, f)
				if !ok {
					document.SetPath(out, f, delta)
					continue
				}
				cn, ok := cur.Numeric()
				if !ok {
					return nil, fmt.Errorf("agg: $inc target %q is not numeric", f)
				}
				if cur.Kind() == document.KindInt && delta.Kind() == document.KindInt {
					document.SetPath(out, f, document.Int(cur.AsInt()+delta.AsInt()))
				} else {
					document.SetPath(out, f, document.Float(cn+dn))
				}
			}
		case "$push":
			for _, f := range arg.Keys() {
				v, _ := arg.Get(f)
				cur, ok := document.GetPath(out, f)
				var arr []document.Value
				if ok {
					if cur.Kind() != document.KindArray {
						return nil, fmt.Errorf("agg: $push target %q is not an array", f)
					}
					arr = append(arr, cur.AsArray()...)
				}
				arr = append(arr, v)
				document.SetPath(out, f, document.Array(arr))
			}
		case "$pull":
			for _, f := range arg.Keys() {
				v, _ := arg.Get(f)
				cur, ok := document.GetPath(out, f)
				if !ok || cur.Kind() != document.KindArray {
					continue
				}
				filtered := make([]document.Value, 0, len(cur.AsArray()))
				for _, e := range cur.AsArray() {
					if !document.Equal(e, v) {
						filtered = append(filtered, e)
					}
				}
				document.SetPath(out, f, document.Array(filtered))
			}
		case "$rename":
			for _, f := range arg.Keys() {
				v, _ := arg.Get(f)
				to, ok := v.ToAny().(string)
				if !ok {
					return nil, fmt.Errorf("agg: $rename target for %q must be a string", f)
				}
				document.RenamePath(out, f, to)
			}
		default:
			return nil, fmt.Errorf("agg: unknown update operator %q", op)
		}
	}
	for _, k := range []string{"_id", "_version"} {
		if v, ok := doc.Get(k); ok {
			out.Set(k, v)
		} else {
			out.Delete(k)
		}
	}
	return out, nil
}
