// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualReflexiveSymmetricTransitive(t *testing.T) {
	vals := []Value{
		Undefined(), Null(), Bool(true), Bool(false),
		NumberFromInt(5), Text("hi"), Array(NumberFromInt(1), NumberFromInt(2)),
		Errorf(nil, "boom"),
		Errorf(&SourceLocation{StartLine: 1, StartCol: 2}, "boom at %d", 3),
	}
	for _, v := range vals {
		assert.True(t, Equal(v, v), "reflexive: %v", v)
	}

	a := Array(NumberFromInt(1), Text("x"))
	b := Array(NumberFromInt(1), Text("x"))
	c := Array(NumberFromInt(1), Text("x"))
	require.True(t, Equal(a, b))
	assert.Equal(t, Equal(a, b), Equal(b, a), "symmetric")
	assert.True(t, Equal(b, c))
	assert.True(t, Equal(a, c), "transitive")
}

func TestErrorEqualityComparesMessageAndLocation(t *testing.T) {
	a := Errorf(nil, "boom")
	b := Errorf(nil, "boom")
	c := Errorf(nil, "bang")
	d := Errorf(&SourceLocation{StartLine: 1}, "boom")
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, d))
}

func TestObjectEqualityIgnoresKeyOrder(t *testing.T) {
	a := Object([]string{"x", "y"}, map[string]Value{"x": NumberFromInt(1), "y": NumberFromInt(2)})
	b := Object([]string{"y", "x"}, map[string]Value{"y": NumberFromInt(2), "x": NumberFromInt(1)})
	assert.True(t, Equal(a, b))
}

func TestArithmeticIdentities(t *testing.T) {
	n := NumberFromInt(7)
	zero := NumberFromInt(0)
	two := NumberFromInt(2)

	assert.True(t, Equal(Add(nil, n, zero), n), "n + 0 == n")
	assert.True(t, Equal(Sub(nil, n, n), zero), "n - n == 0")

	doubled := Mul(nil, n, two)
	halved := Div(nil, doubled, two)
	assert.True(t, Equal(halved, n), "(n*2)/2 == n")
}

func TestDivisionByZeroIsError(t *testing.T) {
	result := Div(nil, NumberFromInt(1), NumberFromInt(0))
	assert.True(t, result.IsError())
}

func TestModEuclidean(t *testing.T) {
	result := Mod(nil, NumberFromInt(-1), NumberFromInt(3))
	require.True(t, result.IsNumber())
	assert.True(t, result.Num().IsPositive() || result.Num().IsZero())
}

func TestSecretMetadataPropagates(t *testing.T) {
	secret := NumberFromInt(1).WithSecret(true)
	plain := NumberFromInt(2)
	sum := Add(nil, secret, plain)
	assert.True(t, sum.Secret())
}

func TestErrorPropagatesThroughArithmetic(t *testing.T) {
	errVal := Errorf(nil, "boom")
	result := Add(nil, errVal, NumberFromInt(1))
	assert.True(t, result.IsError())
	assert.Equal(t, "boom", result.ErrMsg())
}

func TestTypeMismatchProducesError(t *testing.T) {
	result := Lt(nil, Text("a"), NumberFromInt(5))
	assert.True(t, result.IsError())
}

func TestInOperatorVariants(t *testing.T) {
	arr := Array(NumberFromInt(1), NumberFromInt(2), NumberFromInt(3))
	assert.True(t, In(nil, NumberFromInt(2), arr).Bool())
	assert.False(t, In(nil, NumberFromInt(9), arr).Bool())

	obj := Object([]string{"a"}, map[string]Value{"a": Text("x")})
	assert.True(t, In(nil, Text("x"), obj).Bool())

	assert.True(t, In(nil, Text("ell"), Text("hello")).Bool())
}

func TestRegexMatch(t *testing.T) {
	result := RegexMatch(nil, Text("hello123"), Text("^[a-z]+[0-9]+$"))
	require.True(t, result.IsBoolean())
	assert.True(t, result.Bool())
}

func TestConcatPreservesLength(t *testing.T) {
	a := []Value{NumberFromInt(1), NumberFromInt(2)}
	b := []Value{NumberFromInt(3)}
	out := Concat(a, b)
	assert.Len(t, out, len(a)+len(b))
}
