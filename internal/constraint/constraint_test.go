// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package constraint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/value"
)

type stubProvider struct {
	kind     string
	fails    bool
	deferOK  bool
	deferErr error
	ran      *[]string
}

func (p *stubProvider) Responsible(node value.Value) bool {
	obj, ok := node.Get("type")
	return ok && obj.Str() == p.kind
}

func (p *stubProvider) PreRun(node value.Value) (PreRunHandler, bool) {
	if p.kind != "prerun" {
		return nil, false
	}
	return func() error {
		*p.ran = append(*p.ran, "prerun")
		if p.fails {
			return errors.New("prerun failed")
		}
		return nil
	}, true
}

func (p *stubProvider) Consumer(node value.Value) (ConsumerHandler, bool) {
	if p.kind != "consumer" {
		return nil, false
	}
	return func(ctx context.Context, dctx Context) error {
		*p.ran = append(*p.ran, "consumer")
		if p.fails {
			return errors.New("consumer failed")
		}
		return nil
	}, true
}

func (p *stubProvider) Deferred(node value.Value) (DeferredHandler, bool) {
	if p.kind != "deferred" {
		return nil, false
	}
	return func(ctx context.Context, dctx Context) (bool, error) {
		*p.ran = append(*p.ran, "deferred")
		if p.deferErr != nil {
			return false, p.deferErr
		}
		return p.deferOK, nil
	}, true
}

func node(kind string) value.Value {
	return value.Object([]string{"type"}, map[string]value.Value{"type": value.Text(kind)})
}

func TestBuildFailsClosedWhenObligationUnhandled(t *testing.T) {
	_, err := Build(context.Background(), []value.Value{node("unknown")}, nil, nil)
	assert.Error(t, err)
}

func TestBuildSkipsUnhandledAdvice(t *testing.T) {
	b, err := Build(context.Background(), nil, []value.Value{node("unknown")}, nil)
	require.NoError(t, err)
	ok, err := b.Run(context.Background(), Context{})
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestRunExecutesHandlersInOrder(t *testing.T) {
	var ran []string
	providers := []Provider{
		&stubProvider{kind: "deferred", deferOK: true, ran: &ran},
		&stubProvider{kind: "prerun", ran: &ran},
		&stubProvider{kind: "consumer", ran: &ran},
	}
	b, err := Build(context.Background(), []value.Value{node("prerun"), node("consumer"), node("deferred")}, nil, providers)
	require.NoError(t, err)

	ok, err := b.Run(context.Background(), Context{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"prerun", "consumer", "deferred"}, ran)
}

func TestObligationFailureDeniesDecision(t *testing.T) {
	var ran []string
	providers := []Provider{&stubProvider{kind: "prerun", fails: true, ran: &ran}}
	b, err := Build(context.Background(), []value.Value{node("prerun")}, nil, providers)
	require.NoError(t, err)

	ok, err := b.Run(context.Background(), Context{})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAdviceFailureIsSwallowed(t *testing.T) {
	var ran []string
	providers := []Provider{&stubProvider{kind: "consumer", fails: true, ran: &ran}}
	b, err := Build(context.Background(), nil, []value.Value{node("consumer")}, providers)
	require.NoError(t, err)

	ok, err := b.Run(context.Background(), Context{})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestDeferredObligationVetoDeniesDecision(t *testing.T) {
	var ran []string
	providers := []Provider{&stubProvider{kind: "deferred", deferOK: false, ran: &ran}}
	b, err := Build(context.Background(), []value.Value{node("deferred")}, nil, providers)
	require.NoError(t, err)

	ok, err := b.Run(context.Background(), Context{})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDeferredAdviceVetoDoesNotDenyDecision(t *testing.T) {
	var ran []string
	providers := []Provider{&stubProvider{kind: "deferred", deferOK: false, ran: &ran}}
	b, err := Build(context.Background(), nil, []value.Value{node("deferred")}, providers)
	require.NoError(t, err)

	ok, err := b.Run(context.Background(), Context{})
	assert.True(t, ok)
	assert.NoError(t, err)
}
