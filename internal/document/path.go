package document

import "strconv"

import "strings"

// splitPath splits a dot-separated field path ("a.b.c") into its segments.
func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// GetPath resolves a dot-separated field path against a document, descending
// through nested objects and, when a segment parses as an integer, through
// arrays by index (spec §4.5: "nested field path traversal").
func GetPath(d *Document, path string) (Value, bool) {
	segs := splitPath(path)
	cur := Object(d)
	for _, seg := range segs {
		switch cur.Kind() {
		case KindObject:
			v, ok := cur.AsObject().Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = v
		case KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.AsArray()) {
				return Value{}, false
			}
			cur = cur.AsArray()[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// SetPath writes value at a dot-separated field path, creating intermediate
// objects as needed. Array traversal by numeric index is supported only
// when the segment addresses an existing element; SetPath never grows
// arrays (update operators that need that use $push instead).
func SetPath(d *Document, path string, value Value) {
	segs := splitPath(path)
	if len(segs) == 1 {
		d.Set(segs[0], value)
		return
	}

	cur := d
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		existing, ok := cur.Get(seg)
		if ok && existing.Kind() == KindArray {
			arr := existing.AsArray()
			if idx, err := strconv.Atoi(segs[i+1]); err == nil && idx >= 0 && idx < len(arr) {
				if i+1 == len(segs)-1 {
					arr[idx] = value
					return
				}
				if arr[idx].Kind() != KindObject {
					arr[idx] = Object(NewDocument())
				}
				cur = arr[idx].AsObject()
				i++
				continue
			}
		}
		if !ok || existing.Kind() != KindObject {
			existing = Object(NewDocument())
			cur.Set(seg, existing)
		}
		cur = existing.AsObject()
	}
	cur.Set(segs[len(segs)-1], value)
}

// UnsetPath removes the value at a dot-separated field path, if present.
func UnsetPath(d *Document, path string) {
	segs := splitPath(path)
	if len(segs) == 1 {
		d.Delete(segs[0])
		return
	}

	cur := d
	for i := 0; i < len(segs)-1; i++ {
		v, ok := cur.Get(segs[i])
		if !ok || v.Kind() != KindObject {
			return
		}
		cur = v.AsObject()
	}
	cur.Delete(segs[len(segs)-1])
}

// RenamePath moves the value at path `from` to path `to`, both dot-separated.
// Matches oxidb's $rename: overwrites whatever already lives at `to`.
func RenamePath(d *Document, from, to string) {
	v, ok := GetPath(d, from)
	if !ok {
		return
	}
	UnsetPath(d, from)
	SetPath(d, to, v)
}
