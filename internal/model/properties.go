package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind discriminates the value forms a property may take.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindArray
	KindObject
)

// Value is a tagged property value: string | int64 | float64 | bool | null |
// array | object. Events carry arbitrary property maps; representing them as
// a closed sum keeps reflection out of the hot path while still round-tripping
// any JSON document.
type Value struct {
	kind Kind
	str  string
	num  float64 // also holds int64 payloads, exact below 2^53
	i    int64
	b    bool
	arr  []Value
	obj  Properties
}

// Properties is an opaque structured map attached to events, experiments,
// and assignment contexts.
type Properties map[string]Value

func Null() Value              { return Value{kind: KindNull} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Int(i int64) Value        { return Value{kind: KindInt, i: i, num: float64(i)} }
func Float(f float64) Value    { return Value{kind: KindFloat, num: f} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Array(vs ...Value) Value  { return Value{kind: KindArray, arr: vs} }
func Object(p Properties) Value { return Value{kind: KindObject, obj: p} }

// Kind returns the value's discriminator.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string payload, or "" for any other kind.
func (v Value) AsString() (string, bool) {
	if v.kind == KindString {
		return v.str, true
	}
	return "", false
}

// AsFloat returns a numeric payload as float64. Ints coerce losslessly
// below 2^53, which covers every value the platform materializes.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.num, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsInt returns an integer payload. Floats coerce when integral.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.num == math.Trunc(v.num) {
			return int64(v.num), true
		}
	}
	return 0, false
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.kind == KindBool {
		return v.b, true
	}
	return false, false
}

// AsObject returns the nested object payload.
func (v Value) AsObject() (Properties, bool) {
	if v.kind == KindObject {
		return v.obj, true
	}
	return nil, false
}

// AsArray returns the array payload.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind == KindArray {
		return v.arr, true
	}
	return nil, false
}

// MarshalJSON encodes the tagged value as plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	case KindFloat:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes arbitrary JSON into the tagged form. Numbers without
// a fractional part decode as ints so that downstream extraction is exact.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	var dec = json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case []interface{}:
		var arr = make([]Value, len(t))
		for i, e := range t {
			arr[i] = fromDecoded(e)
		}
		return Array(arr...)
	case map[string]interface{}:
		var obj = make(Properties, len(t))
		for k, e := range t {
			obj[k] = fromDecoded(e)
		}
		return Object(obj)
	}
	return Null()
}

// GetString extracts a string-typed property, or "" if absent or mistyped.
func (p Properties) GetString(key string) string {
	if v, ok := p[key]; ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return ""
}

// GetFloat extracts a numeric property, or 0 if absent or mistyped.
func (p Properties) GetFloat(key string) float64 {
	if v, ok := p[key]; ok {
		if f, ok := v.AsFloat(); ok {
			return f
		}
	}
	return 0
}

// EncodeJSON serializes the map. A nil map encodes as an empty object so the
// columnar projection never stores SQL NULL property blobs.
func (p Properties) EncodeJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodeProperties parses a JSON object into a property map.
func DecodeProperties(data []byte) (Properties, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	if obj, ok := v.AsObject(); ok {
		return obj, nil
	}
	return nil, fmt.Errorf("properties must be a JSON object")
}

// CanonicalJSON serializes with sorted keys, for use in cache keys where the
// same logical map must always produce the same bytes.
func (p Properties) CanonicalJSON() []byte {
	var keys = make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := p[k].MarshalJSON()
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf
}
