// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pdp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saplpdp/saplpdp/internal/combine"
	"github.com/saplpdp/saplpdp/internal/constraint"
	"github.com/saplpdp/saplpdp/internal/value"
)

func subject(role string) value.Value {
	return value.Object([]string{"role"}, map[string]value.Value{"role": value.Text(role)})
}

func TestDecideOncePermitsWhenTargetMatches(t *testing.T) {
	p := New()
	require.NoError(t, p.Put("t", `policy "P" permit subject.role == "admin"`))

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("admin"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Permit, d.Verdict)
}

func TestDecideOnceNotApplicableWhenTargetFails(t *testing.T) {
	p := New()
	require.NoError(t, p.Put("t", `policy "P" permit subject.role == "admin"`))

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("guest"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Deny, d.Verdict, "deny-unless-permit top-level algorithm defaults not-applicable to deny")
}

func TestDecideOncePolicySetCombinesWithItsOwnAlgorithm(t *testing.T) {
	p := New()
	require.NoError(t, p.Put("t", `set "S" deny-overrides
		policy "Allow" permit
		policy "Block" deny subject.role == "banned"`))

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("banned"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Deny, d.Verdict)
}

func TestDecideWithUnhandledObligationDeniesDecision(t *testing.T) {
	p := New()
	require.NoError(t, p.Put("t", `policy "P" permit obligation {"type": "log"}`))

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("admin"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Deny, d.Verdict, "an unhandled obligation must fail closed")
}

type allowAllProvider struct{}

func (allowAllProvider) Responsible(node value.Value) bool { return true }
func (allowAllProvider) PreRun(node value.Value) (constraint.PreRunHandler, bool) {
	return func() error { return nil }, true
}
func (allowAllProvider) Consumer(node value.Value) (constraint.ConsumerHandler, bool) {
	return nil, false
}
func (allowAllProvider) Deferred(node value.Value) (constraint.DeferredHandler, bool) {
	return nil, false
}

func TestDecideWithHandledObligationPermits(t *testing.T) {
	p := New(WithConstraintProviders(allowAllProvider{}))
	require.NoError(t, p.Put("t", `policy "P" permit obligation {"type": "log"}`))

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("admin"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Permit, d.Verdict)
}

func TestRemoveWithdrawsDocument(t *testing.T) {
	p := New()
	require.NoError(t, p.Put("t", `policy "P" permit`))
	p.Remove("t")

	d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
		Subject:  subject("admin"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)
	assert.Equal(t, combine.Deny, d.Verdict)
}

type fixedSource struct {
	updates chan SourceUpdate
}

func (s *fixedSource) Documents(ctx context.Context) (<-chan SourceUpdate, error) {
	return s.updates, nil
}

// liveAttrResolver implements both eval.AttributeResolver (via ResolveOnce)
// and pdp.AttributeSubscriber (via SubscribeLive) backed by a single
// manually-driven value slot, so a test can push a new attribute value and
// observe Decide produce a second decision for it.
type liveAttrResolver struct {
	mu   sync.Mutex
	val  value.Value
	subs []chan value.Value
}

func newLiveAttrResolver(initial value.Value) *liveAttrResolver {
	return &liveAttrResolver{val: initial}
}

func (r *liveAttrResolver) ResolveOnce(fqn string, entity *value.Value, args []value.Value) (value.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.val, nil
}

func (r *liveAttrResolver) SubscribeLive(ctx context.Context, fqn string, entity *value.Value, args []value.Value) (<-chan value.Value, func(), error) {
	ch := make(chan value.Value, 1)
	r.mu.Lock()
	ch <- r.val
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
	}
	go func() {
		<-ctx.Done()
		release()
	}()
	return ch, release, nil
}

func (r *liveAttrResolver) push(v value.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.val = v
	for _, s := range r.subs {
		select {
		case s <- v:
		default:
		}
	}
}

func TestDecideStreamsSecondDecisionAfterAttributeChange(t *testing.T) {
	attrs := newLiveAttrResolver(value.Bool(false))
	p := New(WithAttributes(attrs))
	require.NoError(t, p.Put("t", `policy "P" permit <flag.enabled>`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Decide(ctx, AuthorizationSubscription{
		Subject:  subject("admin"),
		Action:   value.Text("read"),
		Resource: value.Text("doc"),
	})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, combine.Deny, first.Verdict)

	require.Eventually(t, func() bool {
		attrs.mu.Lock()
		n := len(attrs.subs)
		attrs.mu.Unlock()
		return n > 0
	}, time.Second, 10*time.Millisecond, "Decide must hold the attribute subscription open after the first decision")

	attrs.push(value.Bool(true))

	select {
	case second := <-ch:
		assert.Equal(t, combine.Permit, second.Verdict)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a second decision after the attribute change")
	}
}

func TestSubscribeCompilesIncomingDocuments(t *testing.T) {
	p := New()
	src := &fixedSource{updates: make(chan SourceUpdate, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Subscribe(ctx, src))
	src.updates <- SourceUpdate{ID: "t", Source: `policy "P" permit`}

	require.Eventually(t, func() bool {
		d, err := p.DecideOnce(context.Background(), AuthorizationSubscription{
			Subject:  subject("admin"),
			Action:   value.Text("read"),
			Resource: value.Text("doc"),
		})
		return err == nil && d.Verdict == combine.Permit
	}, time.Second, 10*time.Millisecond)
}
