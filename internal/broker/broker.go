// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package broker implements the attribute stream broker: it registers
// Policy Information Points (PIPs) by fully qualified name, multiplexes
// concurrent subscribers to the same (fqn, entity, args) invocation onto one
// cached upstream PIP stream, and tears that stream down only after every
// subscriber has been gone for a grace period. Two independent locks guard
// the fqn registry and the invocation index; every Broker method that needs
// both always takes the registry lock first, never the reverse, to rule out
// deadlock between a concurrent PIP registration and a concurrent
// subscription lookup.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/streamutil"
	"github.com/saplpdp/saplpdp/internal/value"
)

// PIP resolves one attribute stream. Implementations publish values onto out
// until ctx is cancelled; a PIP that only ever has one value to give should
// send it once and then block on ctx.Done(), not close out.
type PIP interface {
	Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error)
}

// PIPFunc adapts a plain function to the PIP interface.
type PIPFunc func(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error)

func (f PIPFunc) Subscribe(ctx context.Context, entity *value.Value, args []value.Value) (<-chan value.Value, error) {
	return f(ctx, entity, args)
}

// Spec configures one registered PIP's timing behavior.
type Spec struct {
	PIP            PIP
	InitialTimeout time.Duration
	PollInterval   time.Duration
	Retry          streamutil.RetryConfig
	CacheGrace     time.Duration
}

func (s Spec) withDefaults() Spec {
	if s.InitialTimeout <= 0 {
		s.InitialTimeout = 10 * time.Second
	}
	if s.Retry.MaxRetries == 0 && s.Retry.InitialDelay == 0 {
		s.Retry = streamutil.DefaultRetryConfig
	}
	if s.CacheGrace <= 0 {
		s.CacheGrace = 3 * time.Second
	}
	return s
}

type cachedInvocation struct {
	cast *streamutil.Multicaster
	ref  *streamutil.RefCounted
	stop context.CancelFunc
}

// Broker is the runtime attribute stream broker. The zero value is not
// usable; construct with New.
type Broker struct {
	registryMu sync.RWMutex
	specs      map[string]Spec

	indexMu sync.Mutex
	index   map[string]*cachedInvocation

	baseCtx context.Context
}

// New builds a Broker whose cached streams are torn down when baseCtx is
// cancelled (typically the PDP process lifetime context).
func New(baseCtx context.Context) *Broker {
	return &Broker{
		specs:   map[string]Spec{},
		index:   map[string]*cachedInvocation{},
		baseCtx: baseCtx,
	}
}

// Publish registers a PIP under fqn. Registering the same fqn twice is a
// configuration error: PIP identity must be unambiguous so the invocation
// index can key purely on fqn plus arguments.
func (b *Broker) Publish(fqn string, spec Spec) error {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	if _, exists := b.specs[fqn]; exists {
		return oops.Code("PIP_ALREADY_REGISTERED").With("fqn", fqn).Errorf("attribute finder %q is already published", fqn)
	}
	b.specs[fqn] = spec.withDefaults()
	return nil
}

// Withdraw removes a PIP registration. In-flight cached streams for that fqn
// keep running until their own subscribers release them; Withdraw only
// blocks new invocation lookups, not existing ones.
func (b *Broker) Withdraw(fqn string) {
	b.registryMu.Lock()
	defer b.registryMu.Unlock()
	delete(b.specs, fqn)
}

func (b *Broker) lookupSpec(fqn string) (Spec, bool) {
	b.registryMu.RLock()
	defer b.registryMu.RUnlock()
	spec, ok := b.specs[fqn]
	return spec, ok
}

func invocationKey(fqn string, entity *value.Value, args []value.Value) string {
	key := fqn
	if entity != nil {
		key += "|e=" + entity.String()
	}
	for _, a := range args {
		key += "|a=" + a.String()
	}
	return key
}

// Subscribe opens a live attribute stream for (fqn, entity, args). When
// fresh is false, concurrent subscribers to the same invocation share one
// upstream PIP stream through a replay-1 multicaster, refcounted with a
// grace period so a quick resubscribe doesn't churn the PIP. When fresh is
// true, a brand new independent stream is created every time, bypassing the
// shared index entirely: it is never inserted into it and its teardown never
// touches any cached entry.
//
// The registry lock (via lookupSpec) is always acquired before the
// invocation index lock, and the two are never held simultaneously — this
// method takes the registry lock only long enough to read the spec, then
// releases it before touching b.indexMu.
func (b *Broker) Subscribe(ctx context.Context, fqn string, entity *value.Value, args []value.Value, fresh bool) (<-chan value.Value, func(), error) {
	spec, ok := b.lookupSpec(fqn)
	if !ok {
		return nil, nil, oops.Code("PIP_NOT_FOUND").With("fqn", fqn).Errorf("no attribute finder published for %q", fqn)
	}

	if fresh {
		return b.subscribeFresh(ctx, fqn, spec, entity, args)
	}

	key := invocationKey(fqn, entity, args)

	b.indexMu.Lock()
	cached, exists := b.index[key]
	if !exists {
		runCtx, cancel := context.WithCancel(b.baseCtx)
		upstream := b.run(runCtx, fqn, spec, entity, args)
		cast := streamutil.NewMulticaster(runCtx, upstream)
		cached = &cachedInvocation{cast: cast, stop: cancel}
		cached.ref = streamutil.NewRefCounted(spec.CacheGrace, func() {
			b.indexMu.Lock()
			if b.index[key] == cached {
				delete(b.index, key)
			}
			b.indexMu.Unlock()
			cancel()
		})
		b.index[key] = cached
	}
	cached.ref.Acquire()
	b.indexMu.Unlock()

	sub, unsub := cached.cast.Subscribe()
	release := func() {
		unsub()
		cached.ref.Release()
	}
	return sub, release, nil
}

func (b *Broker) subscribeFresh(ctx context.Context, fqn string, spec Spec, entity *value.Value, args []value.Value) (<-chan value.Value, func(), error) {
	runCtx, cancel := context.WithCancel(ctx)
	upstream := b.run(runCtx, fqn, spec, entity, args)
	return upstream, cancel, nil
}

// run wraps the PIP invocation with the timeout and retry policy from spec:
// the first value must arrive within InitialTimeout or the stream yields an
// Error value; connection attempts that return an error are retried with
// exponential backoff up to spec.Retry.MaxRetries before giving up.
func (b *Broker) run(ctx context.Context, fqn string, spec Spec, entity *value.Value, args []value.Value) <-chan value.Value {
	producer := func(ctx context.Context, out chan<- value.Value) {
		var upstream <-chan value.Value
		err := streamutil.RetryOnce(ctx, spec.Retry, fqn, func(ctx context.Context) error {
			ch, err := spec.PIP.Subscribe(ctx, entity, args)
			if err != nil {
				return err
			}
			upstream = ch
			return nil
		})
		if err != nil {
			select {
			case out <- value.Errorf(nil, "resolving %q: %s", fqn, err):
			case <-ctx.Done():
			}
			return
		}
		for {
			select {
			case v, ok := <-upstream:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
	return streamutil.WithTimeout(ctx, spec.InitialTimeout, producer)
}

// SubscribeLive opens a non-fresh live subscription for (fqn, entity, args)
// and leaves it open until ctx is cancelled or release is called, implementing
// pdp.AttributeSubscriber. Unlike ResolveOnce, the returned channel keeps
// delivering every value the underlying PIP stream produces, so a caller can
// react to attribute changes instead of only ever seeing the value current
// at subscribe time.
func (b *Broker) SubscribeLive(ctx context.Context, fqn string, entity *value.Value, args []value.Value) (<-chan value.Value, func(), error) {
	return b.Subscribe(ctx, fqn, entity, args, false)
}

// ResolveOnce implements eval.AttributeResolver: it opens a subscription,
// takes the first value (or error), and releases the subscription
// immediately. Repeated calls for the same invocation within the cache
// grace period reuse the cached upstream stream rather than re-invoking the
// PIP.
func (b *Broker) ResolveOnce(fqn string, entity *value.Value, args []value.Value) (value.Value, error) {
	ctx, cancel := context.WithCancel(b.baseCtx)
	defer cancel()

	sub, release, err := b.Subscribe(ctx, fqn, entity, args, false)
	if err != nil {
		return value.Undefined(), err
	}
	defer release()

	select {
	case v, ok := <-sub:
		if !ok {
			return value.Undefined(), fmt.Errorf("attribute stream for %q closed without producing a value", fqn)
		}
		if v.IsError() {
			return value.Undefined(), fmt.Errorf("%s", v.ErrMsg())
		}
		return v, nil
	case <-ctx.Done():
		return value.Undefined(), ctx.Err()
	}
}
