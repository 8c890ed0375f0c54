// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package compile turns a parsed policy document into a form the pdp
// package can repeatedly evaluate against live subscriptions without
// re-parsing or re-folding constants on every decision. Every expression in
// a document becomes exactly one of: a folded constant Value, a
// PureExpression (no attribute finder reachable from it, safe to call
// synchronously per decision), or a StreamExpression (references at least
// one attribute finder and must be evaluated through the broker).
package compile

import (
	"fmt"

	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/eval"
	"github.com/saplpdp/saplpdp/internal/lang"
	"github.com/saplpdp/saplpdp/internal/value"
)

// Kind discriminates a CompiledExpression.
type Kind int

const (
	KindValue Kind = iota
	KindPure
	KindStream
)

// CompiledExpression is the result of folding one AST expression at compile
// time. Exactly one of the three forms applies, selected by Kind.
type CompiledExpression struct {
	kind   Kind
	value  value.Value
	expr   *lang.Expr
	pure   bool // true when expr touches nothing subscription-scoped; kept for diagnostics
}

func (c *CompiledExpression) Kind() Kind { return c.kind }

// Eval runs the compiled form against ctx. For a folded constant this is
// free; for a pure expression it walks the AST; for a stream expression it
// walks the AST the same way, resolving each attribute finder through
// ctx.Attrs — Kind only distinguishes what is safe to fold or skip at
// compile time, not how evaluation happens. Re-evaluating a stream
// expression when an attribute it touched changes is internal/pdp's job: it
// tracks every attribute finder an evaluation touches (via
// ctx.TrackAttributes) and re-runs Eval when one of them reports a new
// value, rather than Eval itself holding any subscription open.
func (c *CompiledExpression) Eval(ctx *eval.Context) value.Value {
	switch c.kind {
	case KindValue:
		return c.value
	default:
		return eval.Expr(ctx, c.expr)
	}
}

// CompileError reports a compile-time failure with source location when
// available.
type CompileError struct {
	DocumentID string
	Loc        *value.SourceLocation
	Err        error
}

func (e *CompileError) Error() string {
	if e.Loc != nil {
		return fmt.Sprintf("%s:%d:%d: %s", e.DocumentID, e.Loc.StartLine, e.Loc.StartCol, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.DocumentID, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// VariableScope is a chain of variable bindings: document-level variables at
// the root, with one child scope pushed per policy's `where` block.
type VariableScope struct {
	parent *VariableScope
	values map[string]*CompiledExpression
}

// NewVariableScope starts a fresh root scope (document level).
func NewVariableScope() *VariableScope {
	return &VariableScope{values: map[string]*CompiledExpression{}}
}

// Child returns a new scope nested under s, used when entering a policy's
// `where` block so policy-local variables shadow document variables without
// mutating them.
func (s *VariableScope) Child() *VariableScope {
	return &VariableScope{parent: s, values: map[string]*CompiledExpression{}}
}

// ResetForNextPolicy discards this scope's own bindings, keeping the parent
// chain intact, so the same *VariableScope object can be reused across
// sibling policies in a set without reallocating the chain.
func (s *VariableScope) ResetForNextPolicy() {
	s.values = map[string]*CompiledExpression{}
}

func (s *VariableScope) bind(name string, c *CompiledExpression) {
	s.values[name] = c
}

func (s *VariableScope) lookup(name string) (*CompiledExpression, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if c, ok := cur.values[name]; ok {
			return c, true
		}
	}
	return nil, false
}

// Context carries everything needed to compile one document: the import
// table, the document-level and policy-local variable scopes, and the trace
// level to embed in diagnostics. Attribute and function resolution
// themselves are deferred to evaluation time via eval.Context; Context here
// only tracks what's known statically.
type Context struct {
	DocumentID string
	Imports    map[string]string
	Variables  *VariableScope
	TraceLevel TraceLevel

	// Declared accumulates, in source order, every var decl compiled directly
	// through this Context (not through a child policy Context), so the
	// caller can replay the bindings at decision time in the same order they
	// were declared. A child Context created by CompilePolicy starts with its
	// own empty Declared, so policy-local vars never leak into a document or
	// set's own list.
	Declared []*CompiledVarDecl
}

// CompiledVarDecl is one `var name = expr;` declaration after compilation,
// kept around so internal/pdp can bind Name to the expression's evaluated
// result in an eval.Context before evaluating whatever references it.
type CompiledVarDecl struct {
	Name string
	Expr *CompiledExpression
}

// TraceLevel controls how much intermediate evaluation detail the pdp
// package records per decision.
type TraceLevel int

const (
	TraceNone TraceLevel = iota
	TraceBasic
	TraceFull
)

// NewContext builds a compile Context for one document.
func NewContext(documentID string, imports map[string]string) *Context {
	return &Context{
		DocumentID: documentID,
		Imports:    imports,
		Variables:  NewVariableScope(),
	}
}

// CompileExpr folds e into a constant when it is not subscription-scoped,
// leaves it as a StreamExpression when it reaches an attribute finder, and
// otherwise wraps it as a PureExpression to be walked at decision time.
func (c *Context) CompileExpr(e *lang.Expr) (*CompiledExpression, error) {
	if e == nil {
		return &CompiledExpression{kind: KindValue, value: value.Undefined()}, nil
	}
	if eval.ReferencesAttributeFinder(e) {
		return &CompiledExpression{kind: KindStream, expr: e}, nil
	}
	if !eval.IsSubscriptionScoped(e) {
		result := eval.Expr(constFoldingContext(c), e)
		if result.IsError() {
			return nil, &CompileError{DocumentID: c.DocumentID, Loc: result.ErrLoc(), Err: oops.Errorf("%s", result.ErrMsg())}
		}
		return &CompiledExpression{kind: KindValue, value: result}, nil
	}
	return &CompiledExpression{kind: KindPure, expr: e, pure: true}, nil
}

// constFoldingContext builds a throwaway eval.Context usable only for
// constant expressions: it has no subscription bags bound (they are never
// touched, since CompileExpr only calls this when IsSubscriptionScoped is
// false) and no function/attribute collaborators (constant expressions
// never call either).
func constFoldingContext(c *Context) *eval.Context {
	ctx := eval.NewContext(value.Undefined(), value.Undefined(), value.Undefined(), value.Undefined())
	ctx.Imports = c.Imports
	return ctx
}

// CompileVarDecl compiles and binds a `var name = expr;` declaration into
// the current variable scope.
func (c *Context) CompileVarDecl(v *lang.VarDecl) error {
	compiled, err := c.CompileExpr(v.Value)
	if err != nil {
		return err
	}
	c.Variables.bind(v.Name, compiled)
	c.Declared = append(c.Declared, &CompiledVarDecl{Name: v.Name, Expr: compiled})
	return nil
}

// LookupVariable resolves a compiled variable binding by name, searching the
// policy-local scope outward to the document-level scope.
func (c *Context) LookupVariable(name string) (*CompiledExpression, bool) {
	return c.Variables.lookup(name)
}

// CompiledPolicy is one `policy` block after compilation: its target,
// where-clause conditions, its policy-local variable bindings (Variables, in
// source order, replayed at decision time), and its constraint expressions.
type CompiledPolicy struct {
	Name        string
	Entitlement string // "permit" or "deny"
	Variables   []*CompiledVarDecl
	Target      *CompiledExpression
	Conditions  []*CompiledExpression
	Obligations []*CompiledExpression
	Advice      []*CompiledExpression
	Transform   *CompiledExpression
}

// CompilePolicy compiles one Policy AST node in its own variable scope
// (inheriting the enclosing document or set's document-level variables).
func (c *Context) CompilePolicy(p *lang.Policy) (*CompiledPolicy, error) {
	policyCtx := &Context{
		DocumentID: c.DocumentID,
		Imports:    c.Imports,
		Variables:  c.Variables.Child(),
		TraceLevel: c.TraceLevel,
	}

	target, err := policyCtx.CompileExpr(p.Target)
	if err != nil {
		return nil, err
	}

	conditions := make([]*CompiledExpression, 0, len(p.Where))
	for _, w := range p.Where {
		if w.VarDecl != nil {
			if err := policyCtx.CompileVarDecl(w.VarDecl); err != nil {
				return nil, err
			}
			continue
		}
		cond, err := policyCtx.CompileExpr(w.Condition)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}

	obligations := make([]*CompiledExpression, 0, len(p.Obligations))
	for _, o := range p.Obligations {
		compiled, err := policyCtx.CompileExpr(o)
		if err != nil {
			return nil, err
		}
		obligations = append(obligations, compiled)
	}

	advice := make([]*CompiledExpression, 0, len(p.Advice))
	for _, a := range p.Advice {
		compiled, err := policyCtx.CompileExpr(a)
		if err != nil {
			return nil, err
		}
		advice = append(advice, compiled)
	}

	var transform *CompiledExpression
	if p.Transform != nil {
		transform, err = policyCtx.CompileExpr(p.Transform)
		if err != nil {
			return nil, err
		}
	}

	return &CompiledPolicy{
		Name:        p.Name,
		Entitlement: p.Entitlement,
		Variables:   policyCtx.Declared,
		Target:      target,
		Conditions:  conditions,
		Obligations: obligations,
		Advice:      advice,
		Transform:   transform,
	}, nil
}

// CompiledPolicySet is a compiled `set` block: its combining algorithm and
// member policies, sharing one document-level variable scope.
type CompiledPolicySet struct {
	Name      string
	Algorithm lang.Algorithm
	Variables []*CompiledVarDecl
	Policies  []*CompiledPolicy
}

// CompiledDocument is the top-level compiled unit: exactly one of Policy or
// PolicySet is set, mirroring lang.Document.
type CompiledDocument struct {
	ID        string
	Imports   map[string]string
	Policy    *CompiledPolicy
	PolicySet *CompiledPolicySet
}

// Document compiles a full parsed document, resolving imports into an FQN
// table and folding every reachable expression.
func Document(id string, doc *lang.Document) (*CompiledDocument, error) {
	imports := make(map[string]string, len(doc.Imports))
	for _, im := range doc.Imports {
		imports[im.ShortName()] = im.FQN()
	}
	ctx := NewContext(id, imports)

	if doc.PolicySet != nil {
		for _, v := range doc.PolicySet.Variables {
			if err := ctx.CompileVarDecl(v); err != nil {
				return nil, err
			}
		}
		policies := make([]*CompiledPolicy, 0, len(doc.PolicySet.Policies))
		for _, p := range doc.PolicySet.Policies {
			compiled, err := ctx.CompilePolicy(p)
			if err != nil {
				return nil, err
			}
			policies = append(policies, compiled)
		}
		return &CompiledDocument{
			ID:      id,
			Imports: imports,
			PolicySet: &CompiledPolicySet{
				Name:      doc.PolicySet.Name,
				Algorithm: lang.Algorithm(doc.PolicySet.Algorithm),
				Variables: ctx.Declared,
				Policies:  policies,
			},
		}, nil
	}

	compiled, err := ctx.CompilePolicy(doc.Policy)
	if err != nil {
		return nil, err
	}
	return &CompiledDocument{ID: id, Imports: imports, Policy: compiled}, nil
}
