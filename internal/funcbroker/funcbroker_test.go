// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package funcbroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/value"
)

func TestInvokeCallsRegisteredFunction(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("string.length", Registration{
		MinArgs: 1,
		MaxArgs: 1,
		Fn: func(args []value.Value) value.Value {
			return value.NumberFromInt(int64(len(args[0].Str())))
		},
	}))

	result := b.Invoke("string.length", []value.Value{value.Text("hello")})
	require.True(t, result.IsNumber())
	assert.True(t, result.Num().Equal(value.NumberFromInt(5).Num()))
}

func TestInvokeUnknownFunctionIsError(t *testing.T) {
	b := New()
	result := b.Invoke("no.such.fn", nil)
	assert.True(t, result.IsError())
}

func TestRegisterRejectsDuplicateFQN(t *testing.T) {
	b := New()
	reg := Registration{Fn: func(args []value.Value) value.Value { return value.Undefined() }}
	require.NoError(t, b.Register("a.b", reg))
	assert.Error(t, b.Register("a.b", reg))
}

func TestInvokeEnforcesArgCount(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("needs.two", Registration{
		MinArgs: 2,
		MaxArgs: 2,
		Fn:      func(args []value.Value) value.Value { return value.Bool(true) },
	}))

	result := b.Invoke("needs.two", []value.Value{value.NumberFromInt(1)})
	assert.True(t, result.IsError())
}

func TestInvokePropagatesArgumentErrors(t *testing.T) {
	b := New()
	called := false
	require.NoError(t, b.Register("f", Registration{
		Fn: func(args []value.Value) value.Value {
			called = true
			return value.Bool(true)
		},
	}))
	result := b.Invoke("f", []value.Value{value.Errorf(nil, "upstream failure")})
	assert.True(t, result.IsError())
	assert.False(t, called, "function must not run when an argument is already an error")
}

func TestInvokeRecoversPanicAsError(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("boom", Registration{
		Fn: func(args []value.Value) value.Value {
			panic("kaboom")
		},
	}))

	result := b.Invoke("boom", nil)
	require.True(t, result.IsError())
	assert.Contains(t, result.ErrMsg(), "boom execution failed")
	assert.Contains(t, result.ErrMsg(), "kaboom")
}

func TestNames(t *testing.T) {
	b := New()
	require.NoError(t, b.Register("a.b", Registration{Fn: func(args []value.Value) value.Value { return value.Undefined() }}))
	require.NoError(t, b.Register("c.d", Registration{Fn: func(args []value.Value) value.Value { return value.Undefined() }}))
	assert.ElementsMatch(t, []string{"a.b", "c.d"}, b.Names())
}
