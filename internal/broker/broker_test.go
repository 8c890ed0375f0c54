// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/saplpdp/saplpdp/internal/streamutil"
	"github.com/saplpdp/saplpdp/internal/value"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counterPIP struct {
	invocations int
}

func (p *counterPIP) Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error) {
	p.invocations++
	ch := make(chan value.Value, 1)
	ch <- value.NumberFromInt(int64(p.invocations))
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func TestPublishRejectsDuplicateFQN(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	require.NoError(t, b.Publish("user.roles", Spec{PIP: &counterPIP{}}))
	err := b.Publish("user.roles", Spec{PIP: &counterPIP{}})
	assert.Error(t, err)
}

func TestResolveOnceReturnsFirstValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	pip := &counterPIP{}
	require.NoError(t, b.Publish("user.roles", Spec{PIP: pip, InitialTimeout: time.Second}))

	v, err := b.ResolveOnce("user.roles", nil, nil)
	require.NoError(t, err)
	require.True(t, v.IsNumber())
}

func TestResolveOnceUnknownFQNIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	_, err := b.ResolveOnce("no.such.attr", nil, nil)
	assert.Error(t, err)
}

func TestSharedInvocationReusesUpstreamStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	pip := &counterPIP{}
	require.NoError(t, b.Publish("user.roles", Spec{PIP: pip, InitialTimeout: time.Second, CacheGrace: 50 * time.Millisecond}))

	sub1, release1, err := b.Subscribe(ctx, "user.roles", nil, nil, false)
	require.NoError(t, err)
	<-sub1

	sub2, release2, err := b.Subscribe(ctx, "user.roles", nil, nil, false)
	require.NoError(t, err)
	<-sub2

	assert.Equal(t, 1, pip.invocations, "second subscriber should reuse the cached upstream stream")

	release1()
	release2()
}

func TestFreshSubscriptionBypassesCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	pip := &counterPIP{}
	require.NoError(t, b.Publish("user.roles", Spec{PIP: pip, InitialTimeout: time.Second}))

	sub1, release1, err := b.Subscribe(ctx, "user.roles", nil, nil, true)
	require.NoError(t, err)
	<-sub1
	release1()

	sub2, release2, err := b.Subscribe(ctx, "user.roles", nil, nil, true)
	require.NoError(t, err)
	<-sub2
	release2()

	assert.Equal(t, 2, pip.invocations, "fresh subscriptions must never share the cached invocation")
}

type streamingPIP struct {
	values []value.Value
	delay  time.Duration
}

func (p *streamingPIP) Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error) {
	ch := make(chan value.Value)
	go func() {
		for _, v := range p.values {
			select {
			case ch <- v:
			case <-ctx.Done():
				return
			}
			time.Sleep(p.delay)
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func TestSubscribeLiveDeliversSubsequentValues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	pip := &streamingPIP{
		values: []value.Value{value.NumberFromInt(1), value.NumberFromInt(2)},
		delay:  20 * time.Millisecond,
	}
	require.NoError(t, b.Publish("sensor.level", Spec{PIP: pip, InitialTimeout: time.Second}))

	ch, release, err := b.SubscribeLive(ctx, "sensor.level", nil, nil)
	require.NoError(t, err)
	defer release()

	first := <-ch
	assert.Equal(t, int64(1), first.Num().IntPart())
	second := <-ch
	assert.Equal(t, int64(2), second.Num().IntPart())
}

type timeoutPIP struct{}

func (timeoutPIP) Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error) {
	ch := make(chan value.Value)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestResolveOnceTimesOutAsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	require.NoError(t, b.Publish("slow.attr", Spec{PIP: timeoutPIP{}, InitialTimeout: 10 * time.Millisecond}))

	_, err := b.ResolveOnce("slow.attr", nil, nil)
	assert.Error(t, err)
}

type failingPIP struct {
	calls int
}

func (p *failingPIP) Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error) {
	p.calls++
	return nil, errors.New("connection refused")
}

func TestResolveOnceRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx)
	pip := &failingPIP{}
	require.NoError(t, b.Publish("broken.attr", Spec{
		PIP:            pip,
		InitialTimeout: time.Second,
		Retry:          streamutil.RetryConfig{InitialDelay: time.Millisecond, MaxRetries: 2},
	}))

	_, err := b.ResolveOnce("broken.attr", nil, nil)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, pip.calls, 1)
}
