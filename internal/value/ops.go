// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package value

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

func mismatch(loc *SourceLocation, op string, a, b Value) Value {
	return Error(loc, []Metadata{a.meta, b.meta}, "%s: type mismatch (%s, %s)", op, a.kind, b.kind)
}

// Add implements '+': text concatenation when either side is text,
// exact decimal sum when both sides are numbers, else a type-mismatch error.
func Add(loc *SourceLocation, a, b Value) Value {
	if a.kind == KindError {
		return a
	}
	if b.kind == KindError {
		return b
	}
	if a.kind == KindText || b.kind == KindText {
		return Value{kind: KindText, text: renderText(a) + renderText(b), meta: mergeMetadata(a.meta, b.meta)}
	}
	if a.kind == KindNumber && b.kind == KindNumber {
		return Value{kind: KindNumber, number: a.number.Add(b.number), meta: mergeMetadata(a.meta, b.meta)}
	}
	return mismatch(loc, "+", a, b)
}

func renderText(v Value) string {
	if v.kind == KindText {
		return v.text
	}
	return v.String()
}

func numericBinOp(loc *SourceLocation, op string, a, b Value, f func(x, y decimal.Decimal) (decimal.Decimal, bool, string)) Value {
	if a.kind == KindError {
		return a
	}
	if b.kind == KindError {
		return b
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return mismatch(loc, op, a, b)
	}
	result, ok, errMsg := f(a.number, b.number)
	if !ok {
		return Error(loc, []Metadata{a.meta, b.meta}, "%s: %s", op, errMsg)
	}
	return Value{kind: KindNumber, number: result, meta: mergeMetadata(a.meta, b.meta)}
}

func Sub(loc *SourceLocation, a, b Value) Value {
	return numericBinOp(loc, "-", a, b, func(x, y decimal.Decimal) (decimal.Decimal, bool, string) {
		return x.Sub(y), true, ""
	})
}

func Mul(loc *SourceLocation, a, b Value) Value {
	return numericBinOp(loc, "*", a, b, func(x, y decimal.Decimal) (decimal.Decimal, bool, string) {
		return x.Mul(y), true, ""
	})
}

// Div implements '/' at 34-digit decimal precision; division by zero is an
// Error, never a panic or an infinity.
func Div(loc *SourceLocation, a, b Value) Value {
	return numericBinOp(loc, "/", a, b, func(x, y decimal.Decimal) (decimal.Decimal, bool, string) {
		if y.IsZero() {
			return decimal.Zero, false, "division by zero"
		}
		return x.DivRound(y, 34), true, ""
	})
}

// Mod implements '%' as Euclidean modulo: the result is always
// non-negative when the divisor is positive, matching the spec's explicit
// deviation from Go's truncated '%'.
func Mod(loc *SourceLocation, a, b Value) Value {
	return numericBinOp(loc, "%", a, b, func(x, y decimal.Decimal) (decimal.Decimal, bool, string) {
		if y.IsZero() {
			return decimal.Zero, false, "division by zero"
		}
		r := x.Mod(y)
		if r.IsNegative() {
			r = r.Add(y.Abs())
		}
		return r, true, ""
	})
}

func UnaryPlus(loc *SourceLocation, a Value) Value {
	if a.kind == KindError {
		return a
	}
	if a.kind != KindNumber {
		return Error(loc, []Metadata{a.meta}, "unary +: expected number, got %s", a.kind)
	}
	return a
}

func UnaryMinus(loc *SourceLocation, a Value) Value {
	if a.kind == KindError {
		return a
	}
	if a.kind != KindNumber {
		return Error(loc, []Metadata{a.meta}, "unary -: expected number, got %s", a.kind)
	}
	return Value{kind: KindNumber, number: a.number.Neg(), meta: a.meta}
}

func Not(loc *SourceLocation, a Value) Value {
	if a.kind == KindError {
		return a
	}
	if a.kind != KindBoolean {
		return Error(loc, []Metadata{a.meta}, "!: expected boolean, got %s", a.kind)
	}
	return Value{kind: KindBoolean, boolean: !a.boolean, meta: a.meta}
}

func compareNumeric(loc *SourceLocation, op string, a, b Value, cmp func(c int) bool) Value {
	if a.kind == KindError {
		return a
	}
	if b.kind == KindError {
		return b
	}
	if a.kind != KindNumber || b.kind != KindNumber {
		return mismatch(loc, op, a, b)
	}
	return Value{kind: KindBoolean, boolean: cmp(a.number.Cmp(b.number)), meta: mergeMetadata(a.meta, b.meta)}
}

func Lt(loc *SourceLocation, a, b Value) Value {
	return compareNumeric(loc, "<", a, b, func(c int) bool { return c < 0 })
}

func Le(loc *SourceLocation, a, b Value) Value {
	return compareNumeric(loc, "<=", a, b, func(c int) bool { return c <= 0 })
}

func Gt(loc *SourceLocation, a, b Value) Value {
	return compareNumeric(loc, ">", a, b, func(c int) bool { return c > 0 })
}

func Ge(loc *SourceLocation, a, b Value) Value {
	return compareNumeric(loc, ">=", a, b, func(c int) bool { return c >= 0 })
}

// Eq/Neq implement structural '==' / '!=' — never type errors, since any
// type combination is a legal (usually false) comparison.
func Eq(a, b Value) Value {
	if a.kind == KindError {
		return a
	}
	if b.kind == KindError {
		return b
	}
	return Value{kind: KindBoolean, boolean: Equal(a, b), meta: mergeMetadata(a.meta, b.meta)}
}

func Neq(a, b Value) Value {
	eq := Eq(a, b)
	if eq.kind == KindError {
		return eq
	}
	return Value{kind: KindBoolean, boolean: !eq.boolean, meta: eq.meta}
}

// In implements the 'in' operator: element-equal membership in an array,
// value-equal membership of values in an object, or substring test between
// two texts.
func In(loc *SourceLocation, needle, haystack Value) Value {
	if needle.kind == KindError {
		return needle
	}
	if haystack.kind == KindError {
		return haystack
	}
	switch haystack.kind {
	case KindArray:
		for _, item := range haystack.array {
			if Equal(needle, item) {
				return Value{kind: KindBoolean, boolean: true, meta: mergeMetadata(needle.meta, haystack.meta)}
			}
		}
		return Value{kind: KindBoolean, boolean: false, meta: mergeMetadata(needle.meta, haystack.meta)}
	case KindObject:
		for _, v := range haystack.object {
			if Equal(needle, v) {
				return Value{kind: KindBoolean, boolean: true, meta: mergeMetadata(needle.meta, haystack.meta)}
			}
		}
		return Value{kind: KindBoolean, boolean: false, meta: mergeMetadata(needle.meta, haystack.meta)}
	case KindText:
		if needle.kind != KindText {
			return mismatch(loc, "in", needle, haystack)
		}
		return Value{kind: KindBoolean, boolean: strings.Contains(haystack.text, needle.text), meta: mergeMetadata(needle.meta, haystack.meta)}
	default:
		return Error(loc, []Metadata{needle.meta, haystack.meta}, "in: right-hand side must be array, object or text, got %s", haystack.kind)
	}
}

// RegexMatch implements '=~': both operands must be text, and the
// right-hand side must be a syntactically valid regular expression.
func RegexMatch(loc *SourceLocation, a, pattern Value) Value {
	if a.kind == KindError {
		return a
	}
	if pattern.kind == KindError {
		return pattern
	}
	if a.kind != KindText || pattern.kind != KindText {
		return Error(loc, []Metadata{a.meta, pattern.meta}, "=~: both operands must be text")
	}
	re, err := regexp.Compile(pattern.text)
	if err != nil {
		return Error(loc, []Metadata{a.meta, pattern.meta}, "=~: invalid regex: %s", err)
	}
	return Value{kind: KindBoolean, boolean: re.MatchString(a.text), meta: mergeMetadata(a.meta, pattern.meta)}
}

// Concat appends b's elements to a's, used for array '+' and for collecting
// obligations/advice across combined policies.
func Concat(a, b []Value) []Value {
	out := make([]Value, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
