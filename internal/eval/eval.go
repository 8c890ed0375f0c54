// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package eval

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
	"github.com/shopspring/decimal"

	"github.com/saplpdp/saplpdp/internal/lang"
	"github.com/saplpdp/saplpdp/internal/value"
)

func loc(pos lexer.Position) *value.SourceLocation {
	return &value.SourceLocation{
		Source:    pos.Filename,
		StartLine: pos.Line,
		StartCol:  pos.Column,
		StartByte: pos.Offset,
	}
}

// Expr evaluates a full expression (the Or-precedence entry point).
func Expr(ctx *Context, e *lang.Expr) value.Value {
	if e == nil {
		return value.Undefined()
	}
	return orExpr(ctx, e.Or)
}

func orExpr(ctx *Context, o *lang.OrExpr) value.Value {
	result := andExpr(ctx, o.Head)
	for _, next := range o.Tail {
		if result.IsBoolean() && result.Bool() {
			// short circuit, but still must surface errors from later terms? No:
			// OR short-circuits per the teacher's evalBlock convention.
			continue
		}
		rhs := andExpr(ctx, next)
		result = boolOr(result, rhs)
	}
	return result
}

func boolOr(a, b value.Value) value.Value {
	if a.IsError() {
		return a
	}
	if a.IsBoolean() && a.Bool() {
		return a
	}
	if b.IsError() {
		return b
	}
	if !a.IsBoolean() {
		return value.Errorf(nil, "||: left operand is not boolean (%s)", a.Kind())
	}
	if !b.IsBoolean() {
		return value.Errorf(nil, "||: right operand is not boolean (%s)", b.Kind())
	}
	return value.Bool(a.Bool() || b.Bool())
}

func andExpr(ctx *Context, a *lang.AndExpr) value.Value {
	result := eqExpr(ctx, a.Head)
	for _, next := range a.Tail {
		if result.IsBoolean() && !result.Bool() {
			continue
		}
		rhs := eqExpr(ctx, next)
		result = boolAnd(result, rhs)
	}
	return result
}

func boolAnd(a, b value.Value) value.Value {
	if a.IsError() {
		return a
	}
	if a.IsBoolean() && !a.Bool() {
		return a
	}
	if b.IsError() {
		return b
	}
	if !a.IsBoolean() {
		return value.Errorf(nil, "&&: left operand is not boolean (%s)", a.Kind())
	}
	if !b.IsBoolean() {
		return value.Errorf(nil, "&&: right operand is not boolean (%s)", b.Kind())
	}
	return value.Bool(a.Bool() && b.Bool())
}

func eqExpr(ctx *Context, e *lang.EqExpr) value.Value {
	left := relExpr(ctx, e.Left)
	if e.Right == nil {
		return left
	}
	right := relExpr(ctx, e.Right)
	switch e.Op {
	case "==":
		return value.Eq(left, right)
	case "!=":
		return value.Neq(left, right)
	default:
		return value.Errorf(loc(e.Pos), "unknown equality operator %q", e.Op)
	}
}

func relExpr(ctx *Context, r *lang.RelExpr) value.Value {
	left := addExpr(ctx, r.Left)
	if r.Right == nil {
		return left
	}
	right := addExpr(ctx, r.Right)
	l := loc(r.Pos)
	switch r.Op {
	case ">=":
		return value.Ge(l, left, right)
	case "<=":
		return value.Le(l, left, right)
	case ">":
		return value.Gt(l, left, right)
	case "<":
		return value.Lt(l, left, right)
	case "=~":
		return value.RegexMatch(l, left, right)
	case "in":
		return value.In(l, left, right)
	default:
		return value.Errorf(l, "unknown relational operator %q", r.Op)
	}
}

func addExpr(ctx *Context, a *lang.AddExpr) value.Value {
	result := mulExpr(ctx, a.Head)
	for i, op := range a.Ops {
		rhs := mulExpr(ctx, a.Rest[i])
		l := loc(a.Pos)
		if op == "+" {
			result = value.Add(l, result, rhs)
		} else {
			result = value.Sub(l, result, rhs)
		}
	}
	return result
}

func mulExpr(ctx *Context, m *lang.MulExpr) value.Value {
	result := unaryExpr(ctx, m.Head)
	for i, op := range m.Ops {
		rhs := unaryExpr(ctx, m.Rest[i])
		l := loc(m.Pos)
		switch op {
		case "*":
			result = value.Mul(l, result, rhs)
		case "/":
			result = value.Div(l, result, rhs)
		case "%":
			result = value.Mod(l, result, rhs)
		}
	}
	return result
}

func unaryExpr(ctx *Context, u *lang.UnaryExpr) value.Value {
	if u.Inner != nil {
		inner := unaryExpr(ctx, u.Inner)
		l := loc(u.Pos)
		switch u.Op {
		case "!":
			return value.Not(l, inner)
		case "-":
			return value.UnaryMinus(l, inner)
		case "+":
			return value.UnaryPlus(l, inner)
		}
	}
	return relativeExpr(ctx, u.Atom)
}

func relativeExpr(ctx *Context, r *lang.RelativeExpr) value.Value {
	base := primary(ctx, r.Base)
	if r.Template == nil {
		return base
	}
	if base.IsError() {
		return base
	}
	if base.IsArray() {
		items := base.Items()
		out := make([]value.Value, 0, len(items))
		for _, item := range items {
			child := ctx.WithRelative(item)
			result := primary(child, r.Template)
			if result.IsError() {
				return result
			}
			out = append(out, result)
		}
		return value.Array(out...)
	}
	child := ctx.WithRelative(base)
	return primary(child, r.Template)
}

func primary(ctx *Context, p *lang.Primary) value.Value {
	switch {
	case p.IfThenElse != nil:
		cond := Expr(ctx, p.IfThenElse.If)
		if cond.IsError() {
			return cond
		}
		if !cond.IsBoolean() {
			return value.Errorf(loc(p.Pos), "if condition must be boolean, got %s", cond.Kind())
		}
		if cond.Bool() {
			return Expr(ctx, p.IfThenElse.Then)
		}
		return Expr(ctx, p.IfThenElse.Else)
	case p.Finder != nil:
		return attributeFinder(ctx, p.Finder)
	case p.Call != nil:
		return funcCall(ctx, p.Call)
	case p.AttrRef != nil:
		return attrRef(ctx, p.AttrRef)
	case p.Paren != nil:
		return Expr(ctx, p.Paren)
	case p.ArrayLit != nil:
		items := make([]value.Value, 0, len(p.ArrayLit.Values))
		for _, v := range p.ArrayLit.Values {
			item := Expr(ctx, v)
			if item.IsError() {
				return item
			}
			items = append(items, item)
		}
		return value.Array(items...)
	case p.ObjectLit != nil:
		keys := make([]string, 0, len(p.ObjectLit.Fields))
		fields := make(map[string]value.Value, len(p.ObjectLit.Fields))
		for _, f := range p.ObjectLit.Fields {
			v := Expr(ctx, f.Value)
			if v.IsError() {
				return v
			}
			keys = append(keys, f.Key)
			fields[f.Key] = v
		}
		return value.Object(keys, fields)
	case p.Literal != nil:
		return literal(p.Literal)
	default:
		return value.Errorf(loc(p.Pos), "empty expression node")
	}
}

func literal(l *lang.Literal) value.Value {
	switch {
	case l.Str != nil:
		return value.Text(*l.Str)
	case l.Number != nil:
		d, err := decimal.NewFromString(*l.Number)
		if err != nil {
			return value.Errorf(loc(l.Pos), "invalid number literal %q", *l.Number)
		}
		return value.Number(d)
	case l.Bool != nil:
		return value.Bool(*l.Bool)
	case l.Null:
		return value.Null()
	case l.Undefined:
		return value.Undefined()
	default:
		return value.Undefined()
	}
}

func attrRef(ctx *Context, ref *lang.AttrRef) value.Value {
	if ref.At {
		if rel, ok := ctx.relative(); ok {
			return navigate(rel, ref.Path)
		}
		return value.Errorf(loc(ref.Pos), "'@' used outside a relative-node template")
	}
	if bag, ok := ctx.ReservedRootValue(ref.Root); ok {
		return navigate(bag, ref.Path)
	}
	if v, ok := ctx.Variables[ref.Root]; ok {
		return navigate(v, ref.Path)
	}
	return value.Errorf(loc(ref.Pos), "undefined variable %q", ref.Root)
}

func navigate(v value.Value, path []string) value.Value {
	cur := v
	for _, seg := range path {
		if cur.IsError() {
			return cur
		}
		if cur.IsUndefined() || cur.IsNull() {
			return value.Undefined()
		}
		if !cur.IsObject() {
			return value.Errorf(nil, "cannot access field %q on %s", seg, cur.Kind())
		}
		next, ok := cur.Get(seg)
		if !ok {
			return value.Undefined()
		}
		cur = next
	}
	return cur
}

func funcCall(ctx *Context, call *lang.FuncCall) value.Value {
	args := make([]value.Value, 0, len(call.Args))
	for _, a := range call.Args {
		v := Expr(ctx, a)
		if v.IsError() {
			return v
		}
		args = append(args, v)
	}
	fqn := ctx.resolveImport(call.FQN())
	if ctx.Functions == nil {
		return value.Errorf(loc(call.Pos), "no function broker configured")
	}
	return ctx.Functions.Invoke(fqn, args)
}

func attributeFinder(ctx *Context, f *lang.AttributeFinder) value.Value {
	args := make([]value.Value, 0, len(f.Args))
	for _, a := range f.Args {
		v := Expr(ctx, a)
		if v.IsError() {
			return v
		}
		args = append(args, v)
	}
	var entity *value.Value
	if f.Entity != nil {
		ev := attrRef(ctx, f.Entity)
		if ev.IsError() {
			return ev
		}
		entity = &ev
	}
	fqn := ctx.resolveImport(strings.Join(f.Path, "."))
	ctx.recordTouch(fqn, entity, args)
	if ctx.Attrs == nil {
		return value.Errorf(loc(f.Pos), "no attribute broker configured")
	}
	result, err := ctx.Attrs.ResolveOnce(fqn, entity, args)
	if err != nil {
		return value.Errorf(loc(f.Pos), "resolving attribute %q: %s", fqn, err)
	}
	return result
}

// IsSubscriptionScoped reports whether e references anything that depends
// on the live subscription: the four reserved bags, a bound variable, an
// attribute finder, or the relative-node marker. Constant folding is only
// safe when this returns false.
func IsSubscriptionScoped(e *lang.Expr) bool {
	return exprScoped(e)
}

func exprScoped(e *lang.Expr) bool {
	if e == nil {
		return false
	}
	ands := append([]*lang.AndExpr{e.Or.Head}, e.Or.Tail...)
	for _, a := range ands {
		eqs := append([]*lang.EqExpr{a.Head}, a.Tail...)
		for _, eq := range eqs {
			if relScoped(eq.Left) || relScoped(eq.Right) {
				return true
			}
		}
	}
	return false
}

func relScoped(r *lang.RelExpr) bool {
	if r == nil {
		return false
	}
	return addScoped(r.Left) || addScoped(r.Right)
}

func addScoped(a *lang.AddExpr) bool {
	if a == nil {
		return false
	}
	if mulScoped(a.Head) {
		return true
	}
	for _, m := range a.Rest {
		if mulScoped(m) {
			return true
		}
	}
	return false
}

func mulScoped(m *lang.MulExpr) bool {
	if m == nil {
		return false
	}
	if unaryScoped(m.Head) {
		return true
	}
	for _, u := range m.Rest {
		if unaryScoped(u) {
			return true
		}
	}
	return false
}

func unaryScoped(u *lang.UnaryExpr) bool {
	if u == nil {
		return false
	}
	if u.Inner != nil {
		return unaryScoped(u.Inner)
	}
	return relativeScoped(u.Atom)
}

func relativeScoped(r *lang.RelativeExpr) bool {
	if r == nil {
		return false
	}
	return primaryScoped(r.Base) || primaryScoped(r.Template)
}

func primaryScoped(p *lang.Primary) bool {
	if p == nil {
		return false
	}
	switch {
	case p.Finder != nil:
		return true
	case p.AttrRef != nil:
		return true
	case p.IfThenElse != nil:
		return exprScoped(p.IfThenElse.If) || exprScoped(p.IfThenElse.Then) || exprScoped(p.IfThenElse.Else)
	case p.Call != nil:
		for _, a := range p.Call.Args {
			if exprScoped(a) {
				return true
			}
		}
		return false
	case p.Paren != nil:
		return exprScoped(p.Paren)
	case p.ArrayLit != nil:
		for _, v := range p.ArrayLit.Values {
			if exprScoped(v) {
				return true
			}
		}
		return false
	case p.ObjectLit != nil:
		for _, f := range p.ObjectLit.Fields {
			if exprScoped(f.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// ReferencesAttributeFinder reports whether e contains any attribute-finder
// node, meaning its CompiledExpression must be a StreamExpression rather
// than a PureExpression.
func ReferencesAttributeFinder(e *lang.Expr) bool {
	return scopedByFinder(e)
}

func scopedByFinder(e *lang.Expr) bool {
	// An expression is finder-scoped iff the scoped walk finds a Finder
	// specifically; reuse the same walk but check Finder rather than AttrRef too.
	return anyPrimary(e, func(p *lang.Primary) bool { return p.Finder != nil })
}

func anyPrimary(e *lang.Expr, pred func(*lang.Primary) bool) bool {
	if e == nil {
		return false
	}
	found := false
	var walkP func(p *lang.Primary)
	var walkE func(e *lang.Expr)
	walkP = func(p *lang.Primary) {
		if p == nil || found {
			return
		}
		if pred(p) {
			found = true
			return
		}
		switch {
		case p.IfThenElse != nil:
			walkE(p.IfThenElse.If)
			walkE(p.IfThenElse.Then)
			walkE(p.IfThenElse.Else)
		case p.Call != nil:
			for _, a := range p.Call.Args {
				walkE(a)
			}
		case p.Finder != nil:
			for _, a := range p.Finder.Args {
				walkE(a)
			}
		case p.Paren != nil:
			walkE(p.Paren)
		case p.ArrayLit != nil:
			for _, v := range p.ArrayLit.Values {
				walkE(v)
			}
		case p.ObjectLit != nil:
			for _, f := range p.ObjectLit.Fields {
				walkE(f.Value)
			}
		}
	}
	walkE = func(e *lang.Expr) {
		if e == nil || found {
			return
		}
		ands := append([]*lang.AndExpr{e.Or.Head}, e.Or.Tail...)
		for _, a := range ands {
			eqs := append([]*lang.EqExpr{a.Head}, a.Tail...)
			for _, eq := range eqs {
				walkRel(eq.Left, walkP)
				walkRel(eq.Right, walkP)
			}
		}
	}
	walkE(e)
	return found
}

func walkRel(r *lang.RelExpr, walkP func(*lang.Primary)) {
	if r == nil {
		return
	}
	walkAdd(r.Left, walkP)
	walkAdd(r.Right, walkP)
}

func walkAdd(a *lang.AddExpr, walkP func(*lang.Primary)) {
	if a == nil {
		return
	}
	walkMul(a.Head, walkP)
	for _, m := range a.Rest {
		walkMul(m, walkP)
	}
}

func walkMul(m *lang.MulExpr, walkP func(*lang.Primary)) {
	if m == nil {
		return
	}
	walkUnary(m.Head, walkP)
	for _, u := range m.Rest {
		walkUnary(u, walkP)
	}
}

func walkUnary(u *lang.UnaryExpr, walkP func(*lang.Primary)) {
	if u == nil {
		return
	}
	if u.Inner != nil {
		walkUnary(u.Inner, walkP)
		return
	}
	walkRelative(u.Atom, walkP)
}

func walkRelative(r *lang.RelativeExpr, walkP func(*lang.Primary)) {
	if r == nil {
		return
	}
	walkP(r.Base)
	walkP(r.Template)
}
