// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lang

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alecthomas/participle/v2"
	"github.com/samber/oops"
)

// MaxNestingDepth bounds parenthesized expression nesting to guard against
// pathological or adversarial source documents.
const MaxNestingDepth = 64

// trojanSourceRunes are bidirectional control characters that can make
// source text render differently than it parses ("trojan source" attacks).
// They are rejected outright before the lexer ever sees them.
var trojanSourceRunes = []rune{'⁦', '⁧', '⁩', '‮'}

var parser *participle.Parser[Document]

func init() {
	var err error
	parser, err = NewParser()
	if err != nil {
		panic(fmt.Sprintf("failed to build SAPL parser: %v", err))
	}
}

// Parse parses SAPL source text into an AST, after a trojan-source guard
// and a post-parse validation pass (reserved words, nesting depth).
func Parse(id, source string) (*Document, error) {
	if err := checkTrojanSource(source); err != nil {
		return nil, err
	}
	if !utf8.ValidString(source) {
		return nil, oops.Code("INVALID_ENCODING").With("document_id", id).Errorf("source is not valid UTF-8")
	}
	source = strings.TrimPrefix(source, "﻿") // strip BOM if present

	doc, err := parser.ParseString(id, source)
	if err != nil {
		return nil, oops.Code("PARSE_ERROR").With("document_id", id).Wrapf(err, "parsing SAPL document")
	}

	if err := validateDocument(doc); err != nil {
		return nil, oops.Code("VALIDATION_ERROR").With("document_id", id).Wrapf(err, "validating SAPL document")
	}

	return doc, nil
}

func checkTrojanSource(source string) error {
	for _, bad := range trojanSourceRunes {
		if strings.ContainsRune(source, bad) {
			return oops.Code("TROJAN_SOURCE").Errorf("source contains disallowed bidirectional control character U+%04X", bad)
		}
	}
	return nil
}

func validateDocument(doc *Document) error {
	for _, im := range doc.Imports {
		if IsReservedWord(im.ShortName()) {
			return fmt.Errorf("import alias %q is a reserved word", im.ShortName())
		}
	}
	if doc.PolicySet != nil {
		return validatePolicySet(doc.PolicySet)
	}
	if doc.Policy != nil {
		return validatePolicy(doc.Policy)
	}
	return fmt.Errorf("document contains neither a policy nor a policy set")
}

func validatePolicySet(ps *PolicySet) error {
	alg := Algorithm(ps.Algorithm)
	switch alg {
	case AlgDenyOverrides, AlgPermitOverrides, AlgOnlyOneApplicable, AlgFirstApplicable:
		// valid as a set algorithm
	case AlgDenyUnlessPermit, AlgPermitUnlessDeny:
		return fmt.Errorf("combining algorithm %q is only valid as the PDP top-level algorithm, not as a policy set algorithm", alg)
	default:
		return fmt.Errorf("unknown combining algorithm %q", ps.Algorithm)
	}
	for _, v := range ps.Variables {
		if IsReservedWord(v.Name) {
			return fmt.Errorf("variable name %q is a reserved word", v.Name)
		}
		if err := validateExpr(v.Value, 0); err != nil {
			return err
		}
	}
	if len(ps.Policies) == 0 {
		return fmt.Errorf("policy set %q has no member policies", ps.Name)
	}
	for _, p := range ps.Policies {
		if err := validatePolicy(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePolicy(p *Policy) error {
	if p.Target != nil {
		if err := validateExpr(p.Target, 0); err != nil {
			return err
		}
	}
	for _, w := range p.Where {
		if w.VarDecl != nil {
			if IsReservedWord(w.VarDecl.Name) {
				return fmt.Errorf("variable name %q is a reserved word", w.VarDecl.Name)
			}
			if err := validateExpr(w.VarDecl.Value, 0); err != nil {
				return err
			}
			continue
		}
		if err := validateExpr(w.Condition, 0); err != nil {
			return err
		}
	}
	for _, o := range p.Obligations {
		if err := validateExpr(o, 0); err != nil {
			return err
		}
	}
	for _, a := range p.Advice {
		if err := validateExpr(a, 0); err != nil {
			return err
		}
	}
	if p.Transform != nil {
		if err := validateExpr(p.Transform, 0); err != nil {
			return err
		}
	}
	return nil
}

func validateExpr(e *Expr, depth int) error {
	if depth > MaxNestingDepth {
		return fmt.Errorf("expression nesting depth exceeds maximum of %d", MaxNestingDepth)
	}
	if e == nil {
		return nil
	}
	for _, and := range append([]*AndExpr{e.Or.Head}, e.Or.Tail...) {
		for _, eq := range append([]*EqExpr{and.Head}, and.Tail...) {
			if err := validateRel(eq.Left, depth); err != nil {
				return err
			}
			if err := validateRel(eq.Right, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateRel(r *RelExpr, depth int) error {
	if r == nil {
		return nil
	}
	if err := validateAdd(r.Left, depth); err != nil {
		return err
	}
	return validateAdd(r.Right, depth)
}

func validateAdd(a *AddExpr, depth int) error {
	if a == nil {
		return nil
	}
	if err := validateMul(a.Head, depth); err != nil {
		return err
	}
	for _, m := range a.Rest {
		if err := validateMul(m, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateMul(m *MulExpr, depth int) error {
	if m == nil {
		return nil
	}
	if err := validateUnary(m.Head, depth); err != nil {
		return err
	}
	for _, u := range m.Rest {
		if err := validateUnary(u, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateUnary(u *UnaryExpr, depth int) error {
	if u == nil {
		return nil
	}
	if u.Inner != nil {
		return validateUnary(u.Inner, depth)
	}
	return validateRelative(u.Atom, depth)
}

func validateRelative(r *RelativeExpr, depth int) error {
	if r == nil {
		return nil
	}
	if err := validatePrimary(r.Base, depth); err != nil {
		return err
	}
	return validatePrimary(r.Template, depth)
}

func validatePrimary(p *Primary, depth int) error {
	if p == nil {
		return nil
	}
	switch {
	case p.Paren != nil:
		return validateExpr(p.Paren, depth+1)
	case p.IfThenElse != nil:
		if err := validateExpr(p.IfThenElse.If, depth+1); err != nil {
			return err
		}
		if err := validateExpr(p.IfThenElse.Then, depth+1); err != nil {
			return err
		}
		return validateExpr(p.IfThenElse.Else, depth+1)
	case p.AttrRef != nil:
		return validatePath(p.AttrRef.Path)
	case p.Finder != nil:
		if err := validatePath(p.Finder.Path); err != nil {
			return err
		}
		for _, a := range p.Finder.Args {
			if err := validateExpr(a, depth+1); err != nil {
				return err
			}
		}
	case p.Call != nil:
		for _, a := range p.Call.Args {
			if err := validateExpr(a, depth+1); err != nil {
				return err
			}
		}
	case p.ArrayLit != nil:
		for _, v := range p.ArrayLit.Values {
			if err := validateExpr(v, depth+1); err != nil {
				return err
			}
		}
	case p.ObjectLit != nil:
		for _, f := range p.ObjectLit.Fields {
			if err := validateExpr(f.Value, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePath(path []string) error {
	for _, seg := range path {
		if IsReservedWord(seg) {
			return fmt.Errorf("reserved word %q cannot be used as an attribute path segment", seg)
		}
	}
	return nil
}
