// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package combine implements the policy combining algorithms that reduce
// several individual policy (or policy set) decisions into one. Four
// algorithms are valid inside a policy set: deny-overrides, permit-overrides,
// only-one-applicable, first-applicable. Two more, deny-unless-permit and
// permit-unless-deny, are valid only as the PDP's own top-level fallback
// wrapper around a document's root decision, never inside a set — the
// compiler in internal/lang already rejects them at set scope.
package combine

import (
	"github.com/saplpdp/saplpdp/internal/value"
)

// Verdict is the outcome of evaluating one policy or the combination of
// several.
type Verdict int

const (
	NotApplicable Verdict = iota
	Permit
	Deny
	Indeterminate
)

func (v Verdict) String() string {
	switch v {
	case Permit:
		return "PERMIT"
	case Deny:
		return "DENY"
	case Indeterminate:
		return "INDETERMINATE"
	default:
		return "NOT_APPLICABLE"
	}
}

// Decision is one authorization decision: a verdict plus the obligations and
// advice collected from the policies that contributed to it, and an
// optional resource transform.
type Decision struct {
	Verdict     Verdict
	Obligations []value.Value
	Advice      []value.Value
	Transform   *value.Value
	PolicyName  string
	Err         error
}

// PolicyResult is one policy's contribution to a combination: its verdict
// and, only when the verdict is Permit or Deny, the constraints it attaches.
type PolicyResult struct {
	PolicyName  string
	Verdict     Verdict
	Obligations []value.Value
	Advice      []value.Value
	Transform   *value.Value
	Err         error
}

// Algorithm combines a set of PolicyResults into one Decision.
type Algorithm func(results []PolicyResult) Decision

// DenyOverrides returns Deny if any result denies, else Permit if any
// result permits, else Indeterminate if any result is indeterminate, else
// NotApplicable. Obligations and advice come from every result that shares
// the final verdict, in result order; permits never add to a Deny.
func DenyOverrides(results []PolicyResult) Decision {
	sawIndeterminate := false
	var denies []PolicyResult
	for _, r := range results {
		if r.Verdict == Deny {
			denies = append(denies, r)
		}
	}
	if len(denies) > 0 {
		return collectFrom(Deny, denies)
	}
	var permits []PolicyResult
	for _, r := range results {
		switch r.Verdict {
		case Permit:
			permits = append(permits, r)
		case Indeterminate:
			sawIndeterminate = true
		}
	}
	if len(permits) > 0 {
		return collectFrom(Permit, permits)
	}
	if sawIndeterminate {
		return Decision{Verdict: Indeterminate}
	}
	return Decision{Verdict: NotApplicable}
}

// PermitOverrides returns Permit if any result permits, else Deny if any
// result denies, else Indeterminate if any result is indeterminate, else
// NotApplicable.
func PermitOverrides(results []PolicyResult) Decision {
	sawIndeterminate := false
	var permits []PolicyResult
	for _, r := range results {
		if r.Verdict == Permit {
			permits = append(permits, r)
		}
	}
	if len(permits) > 0 {
		return collectFrom(Permit, permits)
	}
	var denies []PolicyResult
	for _, r := range results {
		switch r.Verdict {
		case Deny:
			denies = append(denies, r)
		case Indeterminate:
			sawIndeterminate = true
		}
	}
	if len(denies) > 0 {
		return collectFrom(Deny, denies)
	}
	if sawIndeterminate {
		return Decision{Verdict: Indeterminate}
	}
	return Decision{Verdict: NotApplicable}
}

// OnlyOneApplicable allows at most one applicable result (any verdict other
// than NotApplicable) and returns it; two or more applicable results is
// Indeterminate, an authoring error surfaced rather than silently resolved.
func OnlyOneApplicable(results []PolicyResult) Decision {
	var applicable []PolicyResult
	for _, r := range results {
		if r.Verdict != NotApplicable {
			applicable = append(applicable, r)
		}
	}
	switch len(applicable) {
	case 0:
		return Decision{Verdict: NotApplicable}
	case 1:
		return fromResult(applicable[0])
	default:
		return Decision{Verdict: Indeterminate}
	}
}

// FirstApplicable returns the first result that is Permit, Deny, or
// Indeterminate, in policy order, with no constraint collection beyond that
// single policy's own.
func FirstApplicable(results []PolicyResult) Decision {
	for _, r := range results {
		if r.Verdict != NotApplicable {
			return fromResult(r)
		}
	}
	return Decision{Verdict: NotApplicable}
}

// DenyUnlessPermit maps every non-Permit outcome, including Indeterminate
// and NotApplicable, to Deny. Valid only as the PDP top-level algorithm.
func DenyUnlessPermit(results []PolicyResult) Decision {
	var permits []PolicyResult
	for _, r := range results {
		if r.Verdict == Permit {
			permits = append(permits, r)
		}
	}
	if len(permits) > 0 {
		return collectFrom(Permit, permits)
	}
	return Decision{Verdict: Deny}
}

// PermitUnlessDeny maps every non-Deny outcome, including Indeterminate and
// NotApplicable, to Permit. Valid only as the PDP top-level algorithm.
func PermitUnlessDeny(results []PolicyResult) Decision {
	var denies []PolicyResult
	for _, r := range results {
		if r.Verdict == Deny {
			denies = append(denies, r)
		}
	}
	if len(denies) > 0 {
		return collectFrom(Deny, denies)
	}
	return Decision{Verdict: Permit}
}

func fromResult(r PolicyResult) Decision {
	return Decision{
		Verdict:     r.Verdict,
		Obligations: r.Obligations,
		Advice:      r.Advice,
		Transform:   r.Transform,
		PolicyName:  r.PolicyName,
		Err:         r.Err,
	}
}

// collectFrom gathers obligations and advice from every contributing result
// of the given verdict, per the rule that only results that share the final
// verdict contribute their constraints — a losing Deny never leaks its
// obligations into a Permit decision, and vice versa. The transform
// uncertainty rule governs Transform: a transform is carried through when
// every contributing policy that specifies one agrees on its value; it is
// only Indeterminate when two contributing policies compute genuinely
// different transforms for the same resource.
func collectFrom(verdict Verdict, contributing []PolicyResult) Decision {
	d := Decision{Verdict: verdict}
	var transforms []value.Value
	var transformOwner string
	for _, r := range contributing {
		d.Obligations = append(d.Obligations, r.Obligations...)
		d.Advice = append(d.Advice, r.Advice...)
		if r.Transform != nil {
			transforms = append(transforms, *r.Transform)
			transformOwner = r.PolicyName
		}
	}
	switch len(transforms) {
	case 0:
		// no transform
	default:
		for _, t := range transforms[1:] {
			if !value.Equal(transforms[0], t) {
				// Transform uncertainty: contributing policies disagree on the
				// resource's transformed value. The decision becomes
				// Indeterminate rather than silently picking one.
				return Decision{Verdict: Indeterminate}
			}
		}
		d.Transform = &transforms[0]
		d.PolicyName = transformOwner
	}
	if d.PolicyName == "" && len(contributing) == 1 {
		d.PolicyName = contributing[0].PolicyName
	}
	return d
}

// ByName resolves an algorithm by its SAPL name.
func ByName(name string) (Algorithm, bool) {
	switch name {
	case "deny-overrides":
		return DenyOverrides, true
	case "permit-overrides":
		return PermitOverrides, true
	case "only-one-applicable":
		return OnlyOneApplicable, true
	case "first-applicable":
		return FirstApplicable, true
	case "deny-unless-permit":
		return DenyUnlessPermit, true
	case "permit-unless-deny":
		return PermitUnlessDeny, true
	default:
		return nil, false
	}
}
