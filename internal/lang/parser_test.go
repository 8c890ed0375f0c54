// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimplePermit(t *testing.T) {
	doc, err := Parse("p1", `policy "P" permit`)
	require.NoError(t, err)
	require.NotNil(t, doc.Policy)
	assert.Equal(t, "P", doc.Policy.Name)
	assert.Equal(t, "permit", doc.Policy.Entitlement)
	assert.Nil(t, doc.Policy.Target)
}

func TestParseWithTargetAndWhere(t *testing.T) {
	doc, err := Parse("p2", `policy "P" permit subject.role == "admin" where resource.owner == subject.id;`)
	require.NoError(t, err)
	require.NotNil(t, doc.Policy.Target)
	require.Len(t, doc.Policy.Where, 1)
}

func TestParseObligationsAdviceTransform(t *testing.T) {
	doc, err := Parse("p3", `policy "P" permit obligation "log" advice "notify" transform resource`)
	require.NoError(t, err)
	require.Len(t, doc.Policy.Obligations, 1)
	require.Len(t, doc.Policy.Advice, 1)
	require.NotNil(t, doc.Policy.Transform)
}

func TestParsePolicySet(t *testing.T) {
	doc, err := Parse("s1", `set "S" deny-overrides
		var threshold = 5;
		policy "P1" permit
		policy "P2" deny`)
	require.NoError(t, err)
	require.NotNil(t, doc.PolicySet)
	assert.Equal(t, "deny-overrides", doc.PolicySet.Algorithm)
	require.Len(t, doc.PolicySet.Variables, 1)
	require.Len(t, doc.PolicySet.Policies, 2)
}

func TestParseRejectsTopLevelOnlyAlgorithmInSet(t *testing.T) {
	_, err := Parse("s2", `set "S" deny-unless-permit
		policy "P1" permit`)
	assert.Error(t, err)
}

func TestParseAttributeFinder(t *testing.T) {
	doc, err := Parse("p4", `policy "P" permit subject.<user.roles> in ["admin"]`)
	require.NoError(t, err)
	require.NotNil(t, doc.Policy.Target)
}

func TestParseImport(t *testing.T) {
	doc, err := Parse("p5", "import time.now as now\npolicy \"P\" permit")
	require.NoError(t, err)
	require.Len(t, doc.Imports, 1)
	assert.Equal(t, "now", doc.Imports[0].ShortName())
	assert.Equal(t, "time.now", doc.Imports[0].FQN())
}

func TestParseRejectsReservedWordAttributePath(t *testing.T) {
	_, err := Parse("p6", `policy "P" permit resource.action == 1`)
	assert.Error(t, err)
}

func TestParseRejectsTrojanSource(t *testing.T) {
	_, err := Parse("p7", "policy \"P‮\" permit")
	assert.Error(t, err)
}

func TestParseArithmeticAndRelative(t *testing.T) {
	doc, err := Parse("p8", `policy "P" permit where (1 + 2) * 3 > 5;`)
	require.NoError(t, err)
	require.Len(t, doc.Policy.Where, 1)
}

func TestDocumentStringRoundTripsReadably(t *testing.T) {
	doc, err := Parse("p9", `policy "P" permit subject.role == "admin"`)
	require.NoError(t, err)
	rendered := doc.String()
	assert.Contains(t, rendered, "policy \"P\" permit")
}
