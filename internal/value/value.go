// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package value implements the Value tagged union: the single data type that
// flows through expression evaluation, policy decisions, and attribute
// streams. Every arithmetic and comparison operator is defined here as a
// total function — a type mismatch never panics, it produces an Error value.
package value

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.DivisionPrecision = 34
}

// Kind discriminates the Value tagged union.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBoolean
	KindNumber
	KindText
	KindArray
	KindObject
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		return "boolean"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// SourceLocation pinpoints a span in SAPL source text, carried by Error
// values and compile diagnostics for human-readable formatting.
type SourceLocation struct {
	File       string
	Source     string
	StartLine  int
	StartCol   int
	EndLine    int
	EndCol     int
	StartByte  int
	EndByte    int
}

// Metadata is immutable, carried by every Value. Operators merge metadata
// from their operands; Secret is sticky — once true on either operand it
// stays true on the result.
type Metadata struct {
	Secret bool
	Trace  any
}

func mergeMetadata(a, b Metadata) Metadata {
	return Metadata{Secret: a.Secret || b.Secret}
}

// Value is an immutable tagged union. The zero Value is Undefined.
type Value struct {
	kind     Kind
	boolean  bool
	number   decimal.Decimal
	text     string
	array    []Value
	object   map[string]Value
	objOrder []string
	errMsg   string
	errLoc   *SourceLocation
	meta     Metadata
}

func Undefined() Value { return Value{kind: KindUndefined} }
func Null() Value      { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBoolean, boolean: b} }

func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, number: d} }

func NumberFromInt(i int64) Value { return Number(decimal.NewFromInt(i)) }

func NumberFromFloat(f float64) Value { return Number(decimal.NewFromFloat(f)) }

func Text(s string) Value { return Value{kind: KindText, text: s} }

func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, array: cp}
}

// Object builds an object Value preserving the given key order. Equality and
// membership tests are order-irrelevant; only String() rendering is stable.
func Object(keys []string, fields map[string]Value) Value {
	order := make([]string, len(keys))
	copy(order, keys)
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindObject, object: m, objOrder: order}
}

// Errorf builds an Error value carrying a message and optional source
// location, with empty metadata; Error also merges in operand metadata.
func Errorf(loc *SourceLocation, format string, args ...any) Value {
	return Value{kind: KindError, errMsg: fmt.Sprintf(format, args...), errLoc: loc}
}

func (v Value) Kind() Kind             { return v.kind }
func (v Value) IsUndefined() bool      { return v.kind == KindUndefined }
func (v Value) IsNull() bool           { return v.kind == KindNull }
func (v Value) IsBoolean() bool        { return v.kind == KindBoolean }
func (v Value) IsNumber() bool         { return v.kind == KindNumber }
func (v Value) IsText() bool           { return v.kind == KindText }
func (v Value) IsArray() bool          { return v.kind == KindArray }
func (v Value) IsObject() bool         { return v.kind == KindObject }
func (v Value) IsError() bool          { return v.kind == KindError }

func (v Value) Bool() bool { return v.boolean }
func (v Value) Num() decimal.Decimal { return v.number }
func (v Value) Str() string { return v.text }

func (v Value) Items() []Value {
	out := make([]Value, len(v.array))
	copy(out, v.array)
	return out
}

func (v Value) Fields() map[string]Value {
	out := make(map[string]Value, len(v.object))
	for k, val := range v.object {
		out[k] = val
	}
	return out
}

func (v Value) Keys() []string {
	out := make([]string, len(v.objOrder))
	copy(out, v.objOrder)
	return out
}

func (v Value) Get(key string) (Value, bool) {
	val, ok := v.object[key]
	return val, ok
}

func (v Value) ErrMsg() string              { return v.errMsg }
func (v Value) ErrLoc() *SourceLocation     { return v.errLoc }
func (v Value) Metadata() Metadata          { return v.meta }
func (v Value) Secret() bool                { return v.meta.Secret }

// WithMetadata returns a copy of v carrying the given metadata.
func (v Value) WithMetadata(m Metadata) Value {
	v.meta = m
	return v
}

// WithSecret marks v (and, transitively, nothing else — callers merge via
// mergeMetadata when combining operands) as carrying secret data.
func (v Value) WithSecret(secret bool) Value {
	v.meta.Secret = v.meta.Secret || secret
	return v
}

// Error constructs an Error value whose metadata is the merge of the given
// operand metadata, following the rule that a secret operand taints the
// result even when the result is itself an Error.
func Error(loc *SourceLocation, operandMeta []Metadata, format string, args ...any) Value {
	e := Errorf(loc, format, args...)
	for _, m := range operandMeta {
		e.meta = mergeMetadata(e.meta, m)
	}
	return e
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBoolean:
		if v.boolean {
			return "true"
		}
		return "false"
	case KindNumber:
		return v.number.String()
	case KindText:
		return fmt.Sprintf("%q", v.text)
	case KindArray:
		s := "["
		for i, item := range v.array {
			if i > 0 {
				s += ","
			}
			s += item.String()
		}
		return s + "]"
	case KindObject:
		keys := v.orderedKeys()
		s := "{"
		for i, k := range keys {
			if i > 0 {
				s += ","
			}
			s += fmt.Sprintf("%q:%s", k, v.object[k].String())
		}
		return s + "}"
	case KindError:
		return fmt.Sprintf("Error[%s]", v.errMsg)
	default:
		return "?"
	}
}

func (v Value) orderedKeys() []string {
	if len(v.objOrder) == len(v.object) {
		return v.objOrder
	}
	keys := make([]string, 0, len(v.object))
	for k := range v.object {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal implements structural equality: reflexive, symmetric, transitive.
// Object comparison ignores key order. Two Error values are equal when they
// carry the same message and source location — Error is a Value variant
// like any other and must satisfy v == v like the rest.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBoolean:
		return a.boolean == b.boolean
	case KindNumber:
		return a.number.Equal(b.number)
	case KindText:
		return a.text == b.text
	case KindArray:
		if len(a.array) != len(b.array) {
			return false
		}
		for i := range a.array {
			if !Equal(a.array[i], b.array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.object) != len(b.object) {
			return false
		}
		for k, av := range a.object {
			bv, ok := b.object[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindError:
		return a.errMsg == b.errMsg && sourceLocationEqual(a.errLoc, b.errLoc)
	}
	return false
}

func sourceLocationEqual(a, b *SourceLocation) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
