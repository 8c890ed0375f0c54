// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package combine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/value"
)

func TestDenyOverrides(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Permit},
		{PolicyName: "p2", Verdict: Deny},
	}
	d := DenyOverrides(results)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, "p2", d.PolicyName)
}

func TestDenyOverridesAllNotApplicable(t *testing.T) {
	d := DenyOverrides([]PolicyResult{{Verdict: NotApplicable}, {Verdict: NotApplicable}})
	assert.Equal(t, NotApplicable, d.Verdict)
}

func TestDenyOverridesIndeterminateWhenNoDenyOrPermit(t *testing.T) {
	d := DenyOverrides([]PolicyResult{{Verdict: Indeterminate}, {Verdict: NotApplicable}})
	assert.Equal(t, Indeterminate, d.Verdict)
}

func TestPermitOverrides(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Deny},
		{PolicyName: "p2", Verdict: Permit},
	}
	d := PermitOverrides(results)
	assert.Equal(t, Permit, d.Verdict)
}

func TestOnlyOneApplicableSingleMatch(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: NotApplicable},
		{PolicyName: "p2", Verdict: Permit},
	}
	d := OnlyOneApplicable(results)
	assert.Equal(t, Permit, d.Verdict)
	assert.Equal(t, "p2", d.PolicyName)
}

func TestOnlyOneApplicableMultipleMatchIsIndeterminate(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Permit},
		{PolicyName: "p2", Verdict: Deny},
	}
	d := OnlyOneApplicable(results)
	assert.Equal(t, Indeterminate, d.Verdict)
}

func TestFirstApplicable(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: NotApplicable},
		{PolicyName: "p2", Verdict: Deny},
		{PolicyName: "p3", Verdict: Permit},
	}
	d := FirstApplicable(results)
	assert.Equal(t, Deny, d.Verdict)
	assert.Equal(t, "p2", d.PolicyName)
}

func TestDenyUnlessPermitDefaultsToDeny(t *testing.T) {
	d := DenyUnlessPermit([]PolicyResult{{Verdict: NotApplicable}, {Verdict: Indeterminate}})
	assert.Equal(t, Deny, d.Verdict)
}

func TestDenyUnlessPermitWithPermit(t *testing.T) {
	d := DenyUnlessPermit([]PolicyResult{{Verdict: Deny}, {PolicyName: "p", Verdict: Permit}})
	assert.Equal(t, Permit, d.Verdict)
}

func TestPermitUnlessDenyDefaultsToPermit(t *testing.T) {
	d := PermitUnlessDeny([]PolicyResult{{Verdict: NotApplicable}, {Verdict: Indeterminate}})
	assert.Equal(t, Permit, d.Verdict)
}

func TestObligationsAdviceCollectedOnlyFromWinningVerdict(t *testing.T) {
	results := []PolicyResult{
		{PolicyName: "loser", Verdict: Permit, Obligations: []value.Value{value.Text("log-permit")}},
		{PolicyName: "winner", Verdict: Deny, Obligations: []value.Value{value.Text("log-deny")}},
	}
	d := DenyOverrides(results)
	require.Len(t, d.Obligations, 1)
	assert.Equal(t, "log-deny", d.Obligations[0].Str())
}

func TestTransformUncertaintyBecomesIndeterminate(t *testing.T) {
	t1 := value.Text("t1")
	t2 := value.Text("t2")
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Permit, Transform: &t1},
		{PolicyName: "p2", Verdict: Permit, Transform: &t2},
	}
	d := PermitOverrides(results)
	assert.Equal(t, Indeterminate, d.Verdict)
}

func TestEqualTransformsCarryThroughAsPermit(t *testing.T) {
	t1 := value.Text("same")
	t2 := value.Text("same")
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Permit, Transform: &t1},
		{PolicyName: "p2", Verdict: Permit, Transform: &t2},
	}
	d := PermitOverrides(results)
	require.Equal(t, Permit, d.Verdict)
	require.NotNil(t, d.Transform)
	assert.Equal(t, "same", d.Transform.Str())
}

func TestSingleTransformCarriesThrough(t *testing.T) {
	tr := value.Text("redacted")
	results := []PolicyResult{
		{PolicyName: "p1", Verdict: Permit, Transform: &tr},
	}
	d := PermitOverrides(results)
	require.NotNil(t, d.Transform)
	assert.Equal(t, "redacted", d.Transform.Str())
}

func TestByName(t *testing.T) {
	for _, name := range []string{
		"deny-overrides", "permit-overrides", "only-one-applicable",
		"first-applicable", "deny-unless-permit", "permit-unless-deny",
	} {
		alg, ok := ByName(name)
		require.True(t, ok, name)
		assert.NotNil(t, alg)
	}
	_, ok := ByName("nonexistent")
	assert.False(t, ok)
}
