// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package value

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// ToJSON converts v into a plain any tree (map[string]any, []any, string,
// float64, bool, nil) suitable for encoding/json or JSON-schema validation.
// Undefined and Error values both become nil, since neither has a wire
// representation of its own.
func ToJSON(v Value) any {
	switch v.Kind() {
	case KindUndefined, KindError:
		return nil
	case KindNull:
		return nil
	case KindBoolean:
		return v.Bool()
	case KindNumber:
		f, _ := v.Num().Float64()
		return f
	case KindText:
		return v.Str()
	case KindArray:
		items := v.Items()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = ToJSON(item)
		}
		return out
	case KindObject:
		keys := v.orderedKeysForJSON()
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			fv, _ := v.Get(k)
			out[k] = ToJSON(fv)
		}
		return out
	default:
		return nil
	}
}

func (v Value) orderedKeysForJSON() []string {
	keys := v.Keys()
	if len(keys) == len(v.object) {
		return keys
	}
	out := make([]string, 0, len(v.object))
	for k := range v.object {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes v as its canonical JSON wire form.
func MarshalJSON(v Value) ([]byte, error) {
	return json.Marshal(ToJSON(v))
}

// FromJSON converts a decoded any tree (as produced by json.Unmarshal into an
// any) into a Value. Unknown types become an Error value rather than
// panicking, since the input may originate from untrusted CLI or network
// input.
func FromJSON(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return NumberFromFloat(t)
	case string:
		return Text(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromJSON(item)
		}
		return Array(items...)
	case map[string]any:
		keys := make([]string, 0, len(t))
		fields := make(map[string]Value, len(t))
		for k, fv := range t {
			keys = append(keys, k)
			fields[k] = FromJSON(fv)
		}
		sort.Strings(keys)
		return Object(keys, fields)
	default:
		return Errorf(nil, "unsupported JSON value type %T", t)
	}
}

// UnmarshalJSON decodes raw JSON bytes into a Value.
func UnmarshalJSON(data []byte) (Value, error) {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return Undefined(), err
	}
	return fromJSONNumber(decoded), nil
}

// fromJSONNumber mirrors FromJSON but additionally handles json.Number,
// which UnmarshalJSON requests via UseNumber to avoid float64 precision loss
// on decode; decimal.NewFromString gives exact values for arbitrary-precision
// policy-visible numbers.
func fromJSONNumber(v any) Value {
	if n, ok := v.(json.Number); ok {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return Errorf(nil, "invalid number literal %q", n.String())
		}
		return Number(d)
	}
	switch t := v.(type) {
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = fromJSONNumber(item)
		}
		return Array(items...)
	case map[string]any:
		keys := make([]string, 0, len(t))
		fields := make(map[string]Value, len(t))
		for k, fv := range t {
			keys = append(keys, k)
			fields[k] = fromJSONNumber(fv)
		}
		sort.Strings(keys)
		return Object(keys, fields)
	default:
		return FromJSON(v)
	}
}
