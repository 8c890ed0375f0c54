// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package eval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/lang"
	"github.com/saplpdp/saplpdp/internal/value"
)

type stubFunctions struct {
	calls map[string][][]value.Value
}

func newStubFunctions() *stubFunctions {
	return &stubFunctions{calls: map[string][][]value.Value{}}
}

func (s *stubFunctions) Invoke(fqn string, args []value.Value) value.Value {
	s.calls[fqn] = append(s.calls[fqn], args)
	switch fqn {
	case "string.length":
		if len(args) != 1 || !args[0].IsText() {
			return value.Errorf(nil, "string.length: expected one text argument")
		}
		return value.NumberFromInt(int64(len(args[0].Str())))
	default:
		return value.Errorf(nil, "unknown function %q", fqn)
	}
}

type stubAttrs struct {
	values map[string]value.Value
	err    map[string]error
	calls  int
}

func (s *stubAttrs) ResolveOnce(fqn string, entity *value.Value, args []value.Value) (value.Value, error) {
	s.calls++
	if err, ok := s.err[fqn]; ok {
		return value.Undefined(), err
	}
	if v, ok := s.values[fqn]; ok {
		return v, nil
	}
	return value.Undefined(), nil
}

func parseWhereExpr(t *testing.T, src string) *lang.Expr {
	t.Helper()
	doc, err := lang.Parse("t", fmt.Sprintf("policy \"T\" permit where %s;", src))
	require.NoError(t, err)
	require.Len(t, doc.Policy.Where, 1)
	require.NotNil(t, doc.Policy.Where[0].Condition)
	return doc.Policy.Where[0].Condition
}

func baseContext() *Context {
	return NewContext(
		value.Object([]string{"role"}, map[string]value.Value{"role": value.Text("admin")}),
		value.Text("read"),
		value.Object([]string{"owner"}, map[string]value.Value{"owner": value.Text("alice")}),
		value.Undefined(),
	)
}

func TestEvalArithmetic(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, "(1 + 2) * 3 > 5"))
	require.True(t, result.IsBoolean())
	assert.True(t, result.Bool())
}

func TestEvalEuclideanModulo(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, "-1 % 3 == 2"))
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.True(t, result.Bool())
}

func TestEvalSubjectFieldAccess(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `subject.role == "admin"`))
	require.True(t, result.IsBoolean())
	assert.True(t, result.Bool())
}

func TestEvalUndefinedFieldAccessIsUndefinedNotError(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, "subject.nickname == null"))
	require.True(t, result.IsBoolean())
	assert.False(t, result.Bool())
}

func TestEvalAndOrShortCircuit(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `true || (1/0 > 0)`))
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.True(t, result.Bool())

	result = Expr(ctx, parseWhereExpr(t, `false && (1/0 > 0)`))
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.False(t, result.Bool())
}

func TestEvalIfThenElse(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `if subject.role == "admin" then "yes" else "no"`))
	require.True(t, result.IsText())
	assert.Equal(t, "yes", result.Str())
}

func TestEvalFunctionCall(t *testing.T) {
	ctx := baseContext()
	ctx.Functions = newStubFunctions()
	result := Expr(ctx, parseWhereExpr(t, `string.length(subject.role) == 5`))
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.True(t, result.Bool())
}

func TestEvalFunctionCallWithoutBrokerIsError(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `string.length(subject.role) == 5`))
	assert.True(t, result.IsError())
}

func TestEvalAttributeFinder(t *testing.T) {
	ctx := baseContext()
	ctx.Attrs = &stubAttrs{values: map[string]value.Value{
		"user.roles": value.Array(value.Text("admin"), value.Text("user")),
	}}
	result := Expr(ctx, parseWhereExpr(t, `subject.<user.roles> in ["admin"]`))
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.False(t, result.Bool(), "finder value is an array, 'in' with array lhs is membership of the whole array, not found")
}

func TestEvalAttributeFinderError(t *testing.T) {
	ctx := baseContext()
	ctx.Attrs = &stubAttrs{err: map[string]error{"user.roles": assertErr{}}}
	result := Expr(ctx, parseWhereExpr(t, `subject.<user.roles> == null`))
	assert.True(t, result.IsError())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestEvalRelativeNodeOverArray(t *testing.T) {
	ctx := baseContext()
	doc, err := lang.Parse("t2", `policy "T" permit where [1, 2, 3] :: (@ * 2) == [1, 2, 3];`)
	require.NoError(t, err)
	cond := doc.Policy.Where[0].Condition
	// The relative template applied elementwise produces an array [2,4,6];
	// comparing arrays of different content is false, not an error.
	result := Expr(ctx, cond)
	require.True(t, result.IsBoolean(), "got %s", result)
	assert.False(t, result.Bool())
}

func TestEvalArrayAndObjectLiterals(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `[1, 2, 3] == [1, 2, 3]`))
	require.True(t, result.IsBoolean())
	assert.True(t, result.Bool())

	result = Expr(ctx, parseWhereExpr(t, `{"a": 1} == {"a": 1}`))
	require.True(t, result.IsBoolean())
	assert.True(t, result.Bool())
}

func TestEvalTypeMismatchProducesError(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `subject.role > 1`))
	assert.True(t, result.IsError())
}

func TestEvalUndefinedVariableIsError(t *testing.T) {
	ctx := baseContext()
	result := Expr(ctx, parseWhereExpr(t, `nosuchvar == 1`))
	assert.True(t, result.IsError())
}

func TestIsSubscriptionScopedDetectsAttrRef(t *testing.T) {
	e := parseWhereExpr(t, `subject.role == "admin"`)
	assert.True(t, IsSubscriptionScoped(e))
}

func TestIsSubscriptionScopedConstantExpressionIsNotScoped(t *testing.T) {
	e := parseWhereExpr(t, `1 + 2 == 3`)
	assert.False(t, IsSubscriptionScoped(e))
}

func TestReferencesAttributeFinder(t *testing.T) {
	withFinder := parseWhereExpr(t, `subject.<user.roles> == null`)
	assert.True(t, ReferencesAttributeFinder(withFinder))

	withoutFinder := parseWhereExpr(t, `subject.role == "admin"`)
	assert.False(t, ReferencesAttributeFinder(withoutFinder))
}
