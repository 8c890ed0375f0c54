// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lang defines the AST types for SAPL policy source and provides a
// parser built with participle. The AST nodes are designed to survive JSON
// serialization round-trips for a compiled-document cache.
package lang

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// saplLexer defines the token types for SAPL source.
// Order matters: longer patterns must come before shorter ones that share
// a prefix (">=" before ">", "&&" before "&", etc).
var saplLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `//[^\n]*`},
	{Name: "String", Pattern: `"(?:[^"\\]|\\.)*"`},
	{Name: "Number", Pattern: `-?[0-9]+(\.[0-9]+)?([eE][+-]?[0-9]+)?`},
	{Name: "OpAnd", Pattern: `&&`},
	{Name: "OpOr", Pattern: `\|\|`},
	{Name: "OpEq", Pattern: `==`},
	{Name: "OpNe", Pattern: `!=`},
	{Name: "OpGe", Pattern: `>=`},
	{Name: "OpLe", Pattern: `<=`},
	{Name: "OpRegex", Pattern: `=~`},
	{Name: "OpRelative", Pattern: `::`},
	{Name: "OpGt", Pattern: `>`},
	{Name: "OpLt", Pattern: `<`},
	{Name: "Bang", Pattern: `!`},
	{Name: "Plus", Pattern: `\+`},
	{Name: "Minus", Pattern: `-`},
	{Name: "Star", Pattern: `\*`},
	{Name: "Slash", Pattern: `/`},
	{Name: "Percent", Pattern: `%`},
	{Name: "At", Pattern: `@`},
	{Name: "Dot", Pattern: `\.`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[(){}\[\]<>,;=:]`},
	{Name: "whitespace", Pattern: `\s+`},
})

// GrammarVersion is the current version of the SAPL grammar this parser
// implements. It is stored alongside every compiled document so a future
// grammar revision can detect and reject stale caches.
const GrammarVersion = "1.0.0"

// reservedWords MUST NOT appear as a variable name or import alias.
var reservedWords = map[string]bool{
	"subject": true, "action": true, "resource": true, "environment": true,
	"permit": true, "deny": true, "policy": true, "set": true,
	"where": true, "obligation": true, "advice": true, "transform": true,
	"var": true, "import": true, "as": true,
	"true": true, "false": true, "null": true, "undefined": true,
	"if": true, "then": true, "else": true, "in": true,
}

// IsReservedWord reports whether word is a SAPL reserved word.
func IsReservedWord(word string) bool { return reservedWords[word] }

// Algorithm names a policy combining algorithm, valid both as a PolicySet's
// own algorithm and, for the two *-unless-* members, only at PDP top level.
type Algorithm string

const (
	AlgDenyOverrides     Algorithm = "deny-overrides"
	AlgPermitOverrides   Algorithm = "permit-overrides"
	AlgOnlyOneApplicable Algorithm = "only-one-applicable"
	AlgFirstApplicable   Algorithm = "first-applicable"
	AlgDenyUnlessPermit  Algorithm = "deny-unless-permit"
	AlgPermitUnlessDeny  Algorithm = "permit-unless-deny"
)

// TopLevelOnly reports whether alg may only be used as the PDP's top-level
// combining algorithm, never as a PolicySet's own algorithm.
func (a Algorithm) TopLevelOnly() bool {
	return a == AlgDenyUnlessPermit || a == AlgPermitUnlessDeny
}

// Document is the top-level parse result: exactly one of Policy or
// PolicySet is non-nil.
type Document struct {
	Pos       lexer.Position `parser:"" json:"-"`
	Imports   []*Import      `parser:"@@*" json:"imports,omitempty"`
	PolicySet *PolicySet     `parser:"( @@" json:"policy_set,omitempty"`
	Policy    *Policy        `parser:"| @@ )" json:"policy,omitempty"`
}

// Import maps a short name (or explicit alias) to a fully qualified
// function/attribute name, e.g. `import time.now` or `import geo.* as g`.
type Import struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Path  []string       `parser:"'import' @Ident (Dot @Ident)*" json:"path"`
	Alias string         `parser:"('as' @Ident)?" json:"alias,omitempty"`
}

// FQN returns the dotted fully qualified name this import targets.
func (im *Import) FQN() string { return strings.Join(im.Path, ".") }

// ShortName returns the name this import binds: the alias if given, else
// the last path segment.
func (im *Import) ShortName() string {
	if im.Alias != "" {
		return im.Alias
	}
	return im.Path[len(im.Path)-1]
}

// PolicySet groups policies under one combining algorithm with shared
// document-level variables.
type PolicySet struct {
	Pos       lexer.Position `parser:"" json:"-"`
	Name      string         `parser:"'set' @String" json:"name"`
	Algorithm string         `parser:"@Ident" json:"algorithm"`
	Variables []*VarDecl     `parser:"@@*" json:"variables,omitempty"`
	Policies  []*Policy      `parser:"@@+" json:"policies"`
}

// VarDecl is a `var name = expr;` binding.
type VarDecl struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Name  string         `parser:"'var' @Ident '='" json:"name"`
	Value *Expr          `parser:"@@ ';'" json:"value"`
}

// Policy is a single `policy "name" permit|deny ...` document or PolicySet
// member.
type Policy struct {
	Pos         lexer.Position `parser:"" json:"-"`
	Name        string         `parser:"'policy' @String" json:"name"`
	Entitlement string         `parser:"@('permit' | 'deny')" json:"entitlement"`
	Target      *Expr          `parser:"@@?" json:"target,omitempty"`
	Where       []*WhereStmt   `parser:"('where' @@+)?" json:"where,omitempty"`
	Obligations []*Expr        `parser:"('obligation' @@)*" json:"obligations,omitempty"`
	Advice      []*Expr        `parser:"('advice' @@)*" json:"advice,omitempty"`
	Transform   *Expr          `parser:"('transform' @@)?" json:"transform,omitempty"`
}

// WhereStmt is either a policy-local variable binding or a boolean
// condition expression statement, each terminated by ';'.
type WhereStmt struct {
	Pos       lexer.Position `parser:"" json:"-"`
	VarDecl   *VarDecl       `parser:"  @@"`
	Condition *Expr          `parser:"| @@ ';'" json:"condition,omitempty"`
}

// --- Expression grammar ---
//
// Precedence, loosest to tightest:
//   Or > And > Equality > Relational > Additive > Multiplicative > Unary > Relative(::) > Primary

type Expr struct {
	Pos lexer.Position `parser:"" json:"-"`
	Or  *OrExpr        `parser:"@@" json:"or"`
}

type OrExpr struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Head *AndExpr       `parser:"@@" json:"head"`
	Tail []*AndExpr     `parser:"(OpOr @@)*" json:"tail,omitempty"`
}

type AndExpr struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Head *EqExpr        `parser:"@@" json:"head"`
	Tail []*EqExpr      `parser:"(OpAnd @@)*" json:"tail,omitempty"`
}

type EqExpr struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Left  *RelExpr       `parser:"@@" json:"left"`
	Op    string         `parser:"(@(OpEq | OpNe)" json:"op,omitempty"`
	Right *RelExpr       `parser:"  @@)?" json:"right,omitempty"`
}

type RelExpr struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Left  *AddExpr       `parser:"@@" json:"left"`
	Op    string         `parser:"(@(OpGe | OpLe | OpGt | OpLt | OpRegex | 'in')" json:"op,omitempty"`
	Right *AddExpr       `parser:"  @@)?" json:"right,omitempty"`
}

type AddExpr struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Head *MulExpr       `parser:"@@" json:"head"`
	Ops  []string       `parser:"(@(Plus | Minus)" json:"ops,omitempty"`
	Rest []*MulExpr     `parser:"  @@)*" json:"rest,omitempty"`
}

type MulExpr struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Head *UnaryExpr     `parser:"@@" json:"head"`
	Ops  []string       `parser:"(@(Star | Slash | Percent)" json:"ops,omitempty"`
	Rest []*UnaryExpr   `parser:"  @@)*" json:"rest,omitempty"`
}

type UnaryExpr struct {
	Pos    lexer.Position `parser:"" json:"-"`
	Op     string         `parser:"(@(Bang | Minus | Plus)" json:"op,omitempty"`
	Inner  *UnaryExpr     `parser:"  @@)" json:"inner,omitempty"`
	Atom   *RelativeExpr  `parser:"| @@" json:"atom,omitempty"`
}

// RelativeExpr handles the `::` subtemplate operator: `expr :: template`.
type RelativeExpr struct {
	Pos      lexer.Position `parser:"" json:"-"`
	Base     *Primary       `parser:"@@" json:"base"`
	Template *Primary       `parser:"(OpRelative @@)?" json:"template,omitempty"`
}

// Primary is the tightest-binding production: literals, attribute
// references, attribute finders, function calls, parenthesized
// expressions, arrays, objects, and if-then-else.
type Primary struct {
	Pos        lexer.Position `parser:"" json:"-"`
	IfThenElse *IfThenElse    `parser:"  @@" json:"if_then_else,omitempty"`
	Finder     *AttributeFinder `parser:"| @@" json:"finder,omitempty"`
	Call       *FuncCall      `parser:"| @@" json:"call,omitempty"`
	AttrRef    *AttrRef       `parser:"| @@" json:"attr_ref,omitempty"`
	Paren      *Expr          `parser:"| '(' @@ ')'" json:"paren,omitempty"`
	ArrayLit   *ArrayLit      `parser:"| @@" json:"array,omitempty"`
	ObjectLit  *ObjectLit     `parser:"| @@" json:"object,omitempty"`
	Literal    *Literal       `parser:"| @@" json:"literal,omitempty"`
}

type IfThenElse struct {
	Pos  lexer.Position `parser:"" json:"-"`
	If   *Expr          `parser:"'if' @@" json:"if"`
	Then *Expr          `parser:"'then' @@" json:"then"`
	Else *Expr          `parser:"'else' @@" json:"else"`
}

// AttributeFinder is `<fqn(args)>` or, on an entity, `base.<fqn(args)>`.
type AttributeFinder struct {
	Pos    lexer.Position `parser:"" json:"-"`
	Entity *AttrRef       `parser:"(@@ Dot)?" json:"entity,omitempty"`
	Open   string         `parser:"'<'" json:"-"`
	Path   []string       `parser:"@Ident (Dot @Ident)*" json:"path"`
	Args   []*Expr        `parser:"('(' (@@ (',' @@)*)? ')')?" json:"args,omitempty"`
	Close  string         `parser:"'>'" json:"-"`
}

func (f *AttributeFinder) FQN() string { return strings.Join(f.Path, ".") }

// FuncCall is a pure function invocation: `fqn(args)`.
type FuncCall struct {
	Pos  lexer.Position `parser:"" json:"-"`
	Path []string       `parser:"@Ident (Dot @Ident)+" json:"path"`
	Args []*Expr        `parser:"'(' (@@ (',' @@)*)? ')'" json:"args,omitempty"`
}

func (c *FuncCall) FQN() string { return strings.Join(c.Path, ".") }

// AttrRef is a dotted path rooted at one of the four subscription elements,
// a bound variable, or the relative-node marker '@'.
type AttrRef struct {
	Pos  lexer.Position `parser:"" json:"-"`
	At   bool           `parser:"( @At" json:"at,omitempty"`
	Root string         `parser:"| @('subject' | 'action' | 'resource' | 'environment' | Ident) )" json:"root"`
	Path []string       `parser:"(Dot @Ident)*" json:"path,omitempty"`
}

type ArrayLit struct {
	Pos    lexer.Position `parser:"" json:"-"`
	Values []*Expr        `parser:"'[' (@@ (',' @@)*)? ']'" json:"values"`
}

type ObjectField struct {
	Pos   lexer.Position `parser:"" json:"-"`
	Key   string         `parser:"@String ':'" json:"key"`
	Value *Expr          `parser:"@@" json:"value"`
}

type ObjectLit struct {
	Pos    lexer.Position `parser:"" json:"-"`
	Fields []*ObjectField `parser:"'{' (@@ (',' @@)*)? '}'" json:"fields"`
}

// Literal is a scalar constant.
type Literal struct {
	Pos       lexer.Position `parser:"" json:"-"`
	Str       *string        `parser:"(  @String" json:"str,omitempty"`
	Number    *string        `parser:" | @Number" json:"number,omitempty"`
	Bool      *bool          `parser:" | @('true' | 'false')" json:"bool,omitempty"`
	Null      bool           `parser:" | @'null'" json:"null,omitempty"`
	Undefined bool           `parser:" | @'undefined' )" json:"undefined,omitempty"`
}

// --- String() rendering ---

func (d *Document) String() string {
	var b strings.Builder
	for _, im := range d.Imports {
		b.WriteString(im.String())
		b.WriteByte('\n')
	}
	if d.PolicySet != nil {
		b.WriteString(d.PolicySet.String())
	} else if d.Policy != nil {
		b.WriteString(d.Policy.String())
	}
	return b.String()
}

func (im *Import) String() string {
	s := "import " + strings.Join(im.Path, ".")
	if im.Alias != "" {
		s += " as " + im.Alias
	}
	return s
}

func (ps *PolicySet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "set %q %s\n", ps.Name, ps.Algorithm)
	for _, v := range ps.Variables {
		b.WriteString(v.String())
		b.WriteByte('\n')
	}
	for _, p := range ps.Policies {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func (v *VarDecl) String() string {
	return "var " + v.Name + " = " + v.Value.String() + ";"
}

func (p *Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "policy %q %s", p.Name, p.Entitlement)
	if p.Target != nil {
		b.WriteString(" " + p.Target.String())
	}
	if len(p.Where) > 0 {
		b.WriteString(" where")
		for _, w := range p.Where {
			b.WriteString(" " + w.String())
		}
	}
	for _, o := range p.Obligations {
		b.WriteString(" obligation " + o.String())
	}
	for _, a := range p.Advice {
		b.WriteString(" advice " + a.String())
	}
	if p.Transform != nil {
		b.WriteString(" transform " + p.Transform.String())
	}
	return b.String()
}

func (w *WhereStmt) String() string {
	if w.VarDecl != nil {
		return w.VarDecl.String()
	}
	return w.Condition.String() + ";"
}

func (e *Expr) String() string { return e.Or.String() }

func (o *OrExpr) String() string {
	parts := []string{o.Head.String()}
	for _, t := range o.Tail {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, " || ")
}

func (a *AndExpr) String() string {
	parts := []string{a.Head.String()}
	for _, t := range a.Tail {
		parts = append(parts, t.String())
	}
	return strings.Join(parts, " && ")
}

func (e *EqExpr) String() string {
	if e.Right == nil {
		return e.Left.String()
	}
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (r *RelExpr) String() string {
	if r.Right == nil {
		return r.Left.String()
	}
	return r.Left.String() + " " + r.Op + " " + r.Right.String()
}

func (a *AddExpr) String() string {
	s := a.Head.String()
	for i, op := range a.Ops {
		s += " " + op + " " + a.Rest[i].String()
	}
	return s
}

func (m *MulExpr) String() string {
	s := m.Head.String()
	for i, op := range m.Ops {
		s += " " + op + " " + m.Rest[i].String()
	}
	return s
}

func (u *UnaryExpr) String() string {
	if u.Inner != nil {
		return u.Op + u.Inner.String()
	}
	return u.Atom.String()
}

func (r *RelativeExpr) String() string {
	if r.Template != nil {
		return r.Base.String() + " :: " + r.Template.String()
	}
	return r.Base.String()
}

func (p *Primary) String() string {
	switch {
	case p.IfThenElse != nil:
		return p.IfThenElse.String()
	case p.Finder != nil:
		return p.Finder.String()
	case p.Call != nil:
		return p.Call.String()
	case p.AttrRef != nil:
		return p.AttrRef.String()
	case p.Paren != nil:
		return "(" + p.Paren.String() + ")"
	case p.ArrayLit != nil:
		return p.ArrayLit.String()
	case p.ObjectLit != nil:
		return p.ObjectLit.String()
	case p.Literal != nil:
		return p.Literal.String()
	default:
		return "<empty>"
	}
}

func (i *IfThenElse) String() string {
	return "if " + i.If.String() + " then " + i.Then.String() + " else " + i.Else.String()
}

func (f *AttributeFinder) String() string {
	s := ""
	if f.Entity != nil {
		s = f.Entity.String() + "."
	}
	s += "<" + strings.Join(f.Path, ".")
	if len(f.Args) > 0 {
		parts := make([]string, len(f.Args))
		for i, a := range f.Args {
			parts[i] = a.String()
		}
		s += "(" + strings.Join(parts, ", ") + ")"
	}
	return s + ">"
}

func (c *FuncCall) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return strings.Join(c.Path, ".") + "(" + strings.Join(parts, ", ") + ")"
}

func (ar *AttrRef) String() string {
	root := ar.Root
	if ar.At {
		root = "@"
	}
	if len(ar.Path) == 0 {
		return root
	}
	return root + "." + strings.Join(ar.Path, ".")
}

func (a *ArrayLit) String() string {
	parts := make([]string, len(a.Values))
	for i, v := range a.Values {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (o *ObjectLit) String() string {
	parts := make([]string, len(o.Fields))
	for i, f := range o.Fields {
		parts[i] = fmt.Sprintf("%q: %s", f.Key, f.Value.String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (l *Literal) String() string {
	switch {
	case l.Str != nil:
		return fmt.Sprintf("%q", *l.Str)
	case l.Number != nil:
		return *l.Number
	case l.Bool != nil:
		if *l.Bool {
			return "true"
		}
		return "false"
	case l.Null:
		return "null"
	case l.Undefined:
		return "undefined"
	default:
		return "<empty>"
	}
}

// --- serialization helpers ---

// WrapAST wraps a parsed Document's JSON with a grammar_version field, so a
// cached compiled document can reject itself when the grammar evolves.
func WrapAST(ast map[string]any) map[string]any {
	if ast == nil {
		ast = map[string]any{}
	}
	result := make(map[string]any, len(ast)+1)
	for k, v := range ast {
		result[k] = v
	}
	result["grammar_version"] = GrammarVersion
	return result
}

// MarshalDocument serializes a parsed Document to JSON including
// grammar_version.
func MarshalDocument(doc *Document) (json.RawMessage, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var ast map[string]any
	if err := json.Unmarshal(data, &ast); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	wrapped := WrapAST(ast)
	out, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("marshal wrapped document: %w", err)
	}
	return json.RawMessage(out), nil
}

// NewParser constructs a participle parser for the SAPL grammar.
// MaxLookahead enables full backtracking: several Primary alternatives
// share a common Ident-prefix (AttrRef vs FuncCall vs AttributeFinder's
// optional entity prefix), which requires speculative parsing.
func NewParser() (*participle.Parser[Document], error) {
	return participle.Build[Document](
		participle.Lexer(saplLexer),
		participle.Unquote("String"),
		participle.UseLookahead(participle.MaxLookahead),
		participle.Elide("Comment"),
	)
}
