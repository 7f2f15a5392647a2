package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// bufPool mirrors the teacher's storage.Document buffer pool: Serialize is
// on the hot path of every commit, so its scratch buffer is reused instead
// of allocated per call.
var bufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

func putBuffer(b *bytes.Buffer) {
	b.Reset()
	bufPool.Put(b)
}

// Decode parses JSON bytes into a Document, preserving key order and the
// int/float distinction (via json.Number) that encoding/json's default
// map[string]interface{} decode loses.
func Decode(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return nil, fmt.Errorf("document: top-level JSON value must be an object")
	}
	d, err := decodeObject(dec)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func decodeObject(dec *json.Decoder) (*Document, error) {
	d := NewDocument()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("document: expected object key, got %v", keyTok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		d.Set(key, val)
	}
	// consume closing '}'
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeArray(dec *json.Decoder) ([]Value, error) {
	var out []Value
	for dec.More() {
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if _, err := dec.Token(); err != nil { // consume ']'
		return nil, err
	}
	return out, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			d, err := decodeObject(dec)
			if err != nil {
				return Value{}, err
			}
			return Object(d), nil
		case '[':
			arr, err := decodeArray(dec)
			if err != nil {
				return Value{}, err
			}
			return Array(arr), nil
		default:
			return Value{}, fmt.Errorf("document: unexpected delimiter %v", t)
		}
	case json.Number:
		return parseNumber(t)
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("document: unexpected token %v (%T)", tok, tok)
	}
}

func parseNumber(n json.Number) (Value, error) {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return Value{}, fmt.Errorf("document: invalid number %q: %w", s, err)
	}
	return Float(f), nil
}

// Encode serializes d to JSON, preserving key order.
func Encode(d *Document) ([]byte, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	if err := encodeObject(buf, d); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func encodeObject(buf *bytes.Buffer, d *Document) error {
	buf.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v, _ := d.Get(k)
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.AsBool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.AsInt(), 10))
	case KindFloat:
		fb, err := json.Marshal(v.AsFloat())
		if err != nil {
			return err
		}
		buf.Write(fb)
	case KindString:
		sb, err := json.Marshal(v.AsString())
		if err != nil {
			return err
		}
		buf.Write(sb)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.AsArray() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return encodeObject(buf, v.AsObject())
	}
	return nil
}
