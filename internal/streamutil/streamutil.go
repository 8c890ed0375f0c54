// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package streamutil provides the channel-based building blocks the
// attribute broker assembles into cached, multicast, retried attribute
// streams: a fan-out multicaster with replay-1 semantics for late
// subscribers, refcounted teardown with a grace period, retry with
// exponential backoff around a producer function, a timeout wrapper, and a
// default-value fallback for streams that close without ever emitting.
package streamutil

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/saplpdp/saplpdp/internal/value"
)

// Producer yields Values onto out until ctx is cancelled or it gives up.
// Implementations are expected to never close out themselves; the caller
// that started the producer owns closing it.
type Producer func(ctx context.Context, out chan<- value.Value)

// Multicaster fans a single upstream Value stream out to any number of
// subscribers, replaying the most recent value to a subscriber that joins
// after the stream has already produced one. It is the channel-based
// replacement for a reactor library's hot Flux with replay(1).
type Multicaster struct {
	subscribe   chan chan value.Value
	unsubscribe chan chan value.Value
	done        chan struct{}
}

// NewMulticaster starts consuming from upstream in a background goroutine
// and returns a Multicaster that can be subscribed to until upstream closes
// or ctx is cancelled.
func NewMulticaster(ctx context.Context, upstream <-chan value.Value) *Multicaster {
	m := &Multicaster{
		subscribe:   make(chan chan value.Value),
		unsubscribe: make(chan chan value.Value),
		done:        make(chan struct{}),
	}
	go m.run(ctx, upstream)
	return m
}

func (m *Multicaster) run(ctx context.Context, upstream <-chan value.Value) {
	defer close(m.done)
	subscribers := map[chan value.Value]struct{}{}
	var last value.Value
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-upstream:
			if !ok {
				return
			}
			last, haveLast = v, true
			for sub := range subscribers {
				sendNonBlocking(sub, v)
			}
		case sub := <-m.subscribe:
			if haveLast {
				sendNonBlocking(sub, last)
			}
			subscribers[sub] = struct{}{}
		case sub := <-m.unsubscribe:
			delete(subscribers, sub)
		}
	}
}

func sendNonBlocking(ch chan value.Value, v value.Value) {
	select {
	case ch <- v:
	default:
		// Slow subscriber: drop rather than block the multicaster. The next
		// emission (or the replayed value on resubscribe) supersedes it.
	}
}

// Subscribe returns a channel that receives every value broadcast from this
// point on (plus an immediate replay of the last value, if any). Call the
// returned cancel function to unsubscribe; it is safe to call more than
// once.
func (m *Multicaster) Subscribe() (<-chan value.Value, func()) {
	ch := make(chan value.Value, 1)
	select {
	case m.subscribe <- ch:
	case <-m.done:
		close(ch)
		return ch, func() {}
	}
	var once bool
	cancel := func() {
		if once {
			return
		}
		once = true
		select {
		case m.unsubscribe <- ch:
		case <-m.done:
		}
	}
	return ch, cancel
}

// RefCounted wraps a cached resource with a subscriber count and a grace
// period before teardown: the last unsubscribe (count back to zero) starts a timer, and
// only tears down if no new subscriber arrives before it fires. This is what
// lets a rapid unsubscribe/resubscribe pair (e.g. a PDP restarting a
// subscription) reuse the same upstream PIP stream instead of churning it.
type RefCounted struct {
	grace   time.Duration
	count   int
	timer   *time.Timer
	onIdle  func()
	onEvict chan struct{}
}

// NewRefCounted builds a RefCounted teardown guard. onIdle is called at most
// once, when the grace period elapses with the count still at zero.
func NewRefCounted(grace time.Duration, onIdle func()) *RefCounted {
	return &RefCounted{grace: grace, onIdle: onIdle, onEvict: make(chan struct{})}
}

// Acquire increments the subscriber count, cancelling any pending teardown
// timer.
func (r *RefCounted) Acquire() {
	r.count++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Evicted returns a channel that closes once onIdle has actually run,
// letting tests (and the broker's own bookkeeping) observe teardown
// deterministically instead of sleeping past the grace period.
func (r *RefCounted) Evicted() <-chan struct{} { return r.onEvict }

// Release decrements the subscriber count. When it reaches zero, a teardown
// timer starts; if nothing calls Acquire before it fires, onIdle runs.
func (r *RefCounted) Release() {
	r.count--
	if r.count > 0 {
		return
	}
	r.timer = time.AfterFunc(r.grace, func() {
		close(r.onEvict)
		r.onIdle()
	})
}

// RetryConfig configures RetryProducer's exponential backoff.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxRetries   uint64
}

// DefaultRetryConfig matches the broker's default PIP polling retry policy.
var DefaultRetryConfig = RetryConfig{InitialDelay: 50 * time.Millisecond, MaxRetries: 3}

// RetryOnce calls fn, retrying with exponential backoff per cfg when fn
// returns an error. It returns the final error if every attempt fails.
func RetryOnce(ctx context.Context, cfg RetryConfig, label string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(cfg.MaxRetries, retry.NewExponential(cfg.InitialDelay))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := fn(ctx); err != nil {
			slog.DebugContext(ctx, "attribute resolution attempt failed, retrying",
				"label", label, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		slog.WarnContext(ctx, "attribute resolution exhausted retries", "label", label, "attempts", attempt, "error", err)
	}
	return err
}

// WithTimeout wraps producer so that if no value arrives within d of ctx
// starting, out receives a single Error value and then producer is
// abandoned (its goroutine is left to exit on its own when it next checks
// ctx, since Producer implementations are required to select on ctx).
func WithTimeout(ctx context.Context, d time.Duration, producer Producer) <-chan value.Value {
	out := make(chan value.Value, 1)
	inner := make(chan value.Value, 1)
	go producer(ctx, inner)
	go func() {
		defer close(out)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case v, ok := <-inner:
			if !ok {
				return
			}
			out <- v
		case <-timer.C:
			out <- value.Errorf(nil, "attribute resolution timed out after %s", d)
		case <-ctx.Done():
			return
		}
		for v := range inner {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// DefaultIfEmpty returns a channel that forwards every value from in, except
// that if in closes having produced nothing at all, def is emitted first.
func DefaultIfEmpty(ctx context.Context, in <-chan value.Value, def value.Value) <-chan value.Value {
	out := make(chan value.Value, 1)
	go func() {
		defer close(out)
		produced := false
		for {
			select {
			case v, ok := <-in:
				if !ok {
					if !produced {
						select {
						case out <- def:
						case <-ctx.Done():
						}
					}
					return
				}
				produced = true
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
