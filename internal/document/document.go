package document

// Document is an ordered mapping from string to Value: keys are unique
// within a mapping, and iteration order follows insertion order (or decode
// order, for a document that arrived over the wire), matching the data
// model's "ordered mapping" requirement.
type Document struct {
	keys []string
	vals map[string]Value
}

// NewDocument returns an empty, ready-to-use Document.
func NewDocument() *Document {
	return &Document{vals: make(map[string]Value)}
}

// Set inserts or overwrites key. Overwriting an existing key preserves its
// original position; a new key is appended.
func (d *Document) Set(key string, v Value) {
	if _, exists := d.vals[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.vals[key] = v
}

// Get returns the value at key and whether it was present.
func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.vals[key]
	return v, ok
}

// Delete removes key, if present.
func (d *Document) Delete(key string) {
	if _, exists := d.vals[key]; !exists {
		return
	}
	delete(d.vals, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Rename moves the value at from to to. Both from's and to's old
// positions are dropped and the value is appended as the last key
// (matches the original implementation's $rename semantics: renaming onto
// an existing field overwrites it).
func (d *Document) Rename(from, to string) {
	v, ok := d.vals[from]
	if !ok {
		return
	}
	d.Delete(from)
	d.Delete(to)
	d.Set(to, v)
}

// Keys returns the ordered key list. Callers must not mutate the slice.
func (d *Document) Keys() []string { return d.keys }

// Len returns the number of keys.
func (d *Document) Len() int { return len(d.keys) }

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.vals[key]
	return ok
}

// DeepCopy returns an independent copy of d and every sub-document/array it
// contains.
func (d *Document) DeepCopy() *Document {
	out := NewDocument()
	for _, k := range d.keys {
		out.Set(k, d.vals[k].DeepCopy())
	}
	return out
}

// ID returns the document's injected _id field as a string, if present.
func (d *Document) ID() (string, bool) {
	v, ok := d.Get("_id")
	if !ok || v.Kind() != KindString {
		return "", false
	}
	return v.AsString(), true
}

// SetID sets the _id field: in place if the document already has one,
// otherwise appended as the last key (so it comes first only in a
// document that has no keys yet).
func (d *Document) SetID(id string) {
	d.Set("_id", String(id))
}

// Version returns the injected _version field.
func (d *Document) Version() (int64, bool) {
	v, ok := d.Get("_version")
	if !ok {
		return 0, false
	}
	n, ok := v.Numeric()
	if !ok {
		return 0, false
	}
	return int64(n), true
}

func (d *Document) SetVersion(v int64) {
	d.Set("_version", Int(v))
}

// ToMap converts d into the plain map[string]interface{} shape used at
// rule-evaluation and schema-validation boundaries (CEL, gojsonschema),
// which both expect native Go values rather than Value/Document.
func (d *Document) ToMap() map[string]interface{} {
	return Object(d).ToAny().(map[string]interface{})
}
