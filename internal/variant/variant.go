// Package variant implements the tagged-union value type that backs
// MethodCache entries, STORE blobs, and the UI/session data bags passed
// to and from plugin workers. It mirrors the original daemon's
// GVariant-based dictionary but restricted to the closed tag set the
// persisted schema commits to: b, n, q, i, u, x, t, d, s, ay.
package variant

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Tag identifies the type carried by a Value.
type Tag byte

const (
	TagBool   Tag = 'b' // bool
	TagInt16  Tag = 'n' // int16
	TagUint16 Tag = 'q' // uint16
	TagInt32  Tag = 'i' // int32
	TagUint32 Tag = 'u' // uint32
	TagInt64  Tag = 'x' // int64
	TagUint64 Tag = 't' // uint64
	TagDouble Tag = 'd' // float64
	TagString Tag = 's' // string
	TagBytes  Tag = "ay"[0]
)

// tagName maps a Tag to its wire string (TagBytes is two bytes, "ay").
func tagName(t Tag) (string, error) {
	switch t {
	case TagBool:
		return "b", nil
	case TagInt16:
		return "n", nil
	case TagUint16:
		return "q", nil
	case TagInt32:
		return "i", nil
	case TagUint32:
		return "u", nil
	case TagInt64:
		return "x", nil
	case TagUint64:
		return "t", nil
	case TagDouble:
		return "d", nil
	case TagString:
		return "s", nil
	case TagBytes:
		return "ay", nil
	default:
		return "", fmt.Errorf("variant: unknown tag %q", byte(t))
	}
}

func tagFromName(name string) (Tag, error) {
	switch name {
	case "b":
		return TagBool, nil
	case "n":
		return TagInt16, nil
	case "q":
		return TagUint16, nil
	case "i":
		return TagInt32, nil
	case "u":
		return TagUint32, nil
	case "x":
		return TagInt64, nil
	case "t":
		return TagUint64, nil
	case "d":
		return TagDouble, nil
	case "s":
		return TagString, nil
	case "ay":
		return TagBytes, nil
	default:
		return 0, fmt.Errorf("variant: unknown type tag %q", name)
	}
}

// Value is a single typed value, tagged so its exact shape survives a
// round trip through a byte-oriented store.
type Value struct {
	tag Tag
	raw []byte // pre-encoded value bytes, tag-specific layout
}

// Tag reports the concrete type carried by v.
func (v Value) Tag() Tag { return v.tag }

func Bool(b bool) Value {
	v := byte(0)
	if b {
		v = 1
	}
	return Value{tag: TagBool, raw: []byte{v}}
}

func Int16(i int16) Value {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(i))
	return Value{tag: TagInt16, raw: buf}
}

func Uint16(i uint16) Value {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, i)
	return Value{tag: TagUint16, raw: buf}
}

func Int32(i int32) Value {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(i))
	return Value{tag: TagInt32, raw: buf}
}

func Uint32(i uint32) Value {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, i)
	return Value{tag: TagUint32, raw: buf}
}

func Int64(i int64) Value {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return Value{tag: TagInt64, raw: buf}
}

func Uint64(i uint64) Value {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i)
	return Value{tag: TagUint64, raw: buf}
}

func Double(f float64) Value {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(f))
	return Value{tag: TagDouble, raw: buf}
}

func String(s string) Value {
	return Value{tag: TagString, raw: []byte(s)}
}

func Bytes(b []byte) Value {
	raw := make([]byte, len(b))
	copy(raw, b)
	return Value{tag: TagBytes, raw: raw}
}

// Bool returns the decoded value. ok is false if the tag doesn't match.
func (v Value) Bool() (bool, bool) {
	if v.tag != TagBool || len(v.raw) != 1 {
		return false, false
	}
	return v.raw[0] != 0, true
}

func (v Value) Int16() (int16, bool) {
	if v.tag != TagInt16 || len(v.raw) != 2 {
		return 0, false
	}
	return int16(binary.BigEndian.Uint16(v.raw)), true
}

func (v Value) Uint16() (uint16, bool) {
	if v.tag != TagUint16 || len(v.raw) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v.raw), true
}

func (v Value) Int32() (int32, bool) {
	if v.tag != TagInt32 || len(v.raw) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(v.raw)), true
}

func (v Value) Uint32() (uint32, bool) {
	if v.tag != TagUint32 || len(v.raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v.raw), true
}

func (v Value) Int64() (int64, bool) {
	if v.tag != TagInt64 || len(v.raw) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v.raw)), true
}

func (v Value) Uint64() (uint64, bool) {
	if v.tag != TagUint64 || len(v.raw) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v.raw), true
}

func (v Value) Double() (float64, bool) {
	if v.tag != TagDouble || len(v.raw) != 8 {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v.raw)), true
}

func (v Value) String() (string, bool) {
	if v.tag != TagString {
		return "", false
	}
	return string(v.raw), true
}

func (v Value) Bytes() ([]byte, bool) {
	if v.tag != TagBytes {
		return nil, false
	}
	out := make([]byte, len(v.raw))
	copy(out, v.raw)
	return out, true
}

// wireValue is Value's JSON-wire shape: the type tag by name plus its
// raw bytes, base64-encoded by encoding/json's []byte handling. Used to
// carry Request/Signal Data dicts over the plugin worker's JSON framing.
type wireValue struct {
	Tag string `json:"tag"`
	Raw []byte `json:"raw"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	name, err := tagName(v.tag)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Tag: name, Raw: v.raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	tag, err := tagFromName(w.Tag)
	if err != nil {
		return err
	}
	v.tag = tag
	v.raw = w.Raw
	return nil
}

// Equal reports whether v and other carry the same tag and bytes.
func (v Value) Equal(other Value) bool {
	if v.tag != other.tag || len(v.raw) != len(other.raw) {
		return false
	}
	for i := range v.raw {
		if v.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}

// Encode produces the bit-exact STORE blob layout: the type tag as a
// null-terminated string followed by the raw value bytes.
func Encode(v Value) ([]byte, error) {
	name, err := tagName(v.tag)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(name)+1+len(v.raw))
	out = append(out, []byte(name)...)
	out = append(out, 0)
	out = append(out, v.raw...)
	return out, nil
}

// Decode reverses Encode.
func Decode(blob []byte) (Value, error) {
	nul := -1
	for i, b := range blob {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return Value{}, fmt.Errorf("variant: blob has no type tag terminator")
	}
	tag, err := tagFromName(string(blob[:nul]))
	if err != nil {
		return Value{}, err
	}
	raw := blob[nul+1:]
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return Value{tag: tag, raw: cp}, nil
}

// Dict is an ordered-insensitive string-keyed bag of Values, used for
// MethodCache, UI data, and session data.
type Dict map[string]Value

// Size returns the STORE-accounting byte size of the dict: for each
// entry, len(key) + len(type_tag) + 1 + len(value_bytes).
func (d Dict) Size() (int, error) {
	total := 0
	for k, v := range d {
		name, err := tagName(v.tag)
		if err != nil {
			return 0, err
		}
		total += len(k) + len(name) + 1 + len(v.raw)
	}
	return total, nil
}
