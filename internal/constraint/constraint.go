// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package constraint assembles and runs the obligation/advice handler bundle
// for one authorization decision. Obligations are fail-closed: if no
// registered provider is responsible for an obligation node, or a handler
// tied to an obligation fails, the decision is denied. Advice is best
// effort: an unhandled or failing advice node is logged and otherwise
// ignored.
package constraint

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/value"
)

// Context is handed to consumer and deferred handlers so they can act on the
// request that produced the decision they are constraining.
type Context struct {
	Subject     value.Value
	Action      value.Value
	Resource    value.Value
	Environment value.Value
}

// PreRunHandler runs once, before the decision is released to the caller,
// with no access to the request context.
type PreRunHandler func() error

// ConsumerHandler runs with the request context but reports no outcome
// beyond success or failure.
type ConsumerHandler func(ctx context.Context, dctx Context) error

// DeferredHandler runs last and can veto the decision: a false result (with
// no error) degrades an otherwise-permitted decision to deny.
type DeferredHandler func(ctx context.Context, dctx Context) (bool, error)

// Provider is a constraint handler provider. Responsible reports whether the
// provider recognizes a given obligation or advice node; the three accessor
// methods each return a handler and true only when the provider offers that
// kind of handler for the node. A provider may offer any subset of the three
// kinds, including none (a provider that is merely "aware" of a node but has
// nothing to run for it).
type Provider interface {
	Responsible(node value.Value) bool
	PreRun(node value.Value) (PreRunHandler, bool)
	Consumer(node value.Value) (ConsumerHandler, bool)
	Deferred(node value.Value) (DeferredHandler, bool)
}

type boundHandler struct {
	node       value.Value
	obligation bool
	preRun     PreRunHandler
	consumer   ConsumerHandler
	deferred   DeferredHandler
}

// Bundle is the assembled set of handlers for one decision's obligations and
// advice, ready to run in pre-run, consumer, deferred order.
type Bundle struct {
	handlers []boundHandler
}

// Build resolves obligation and advice nodes against the given providers.
// An obligation node with no responsible provider fails the whole build
// (fail-closed); an advice node with no responsible provider is logged and
// dropped.
func Build(ctx context.Context, obligations, advice []value.Value, providers []Provider) (*Bundle, error) {
	b := &Bundle{}
	for _, node := range obligations {
		bound, responsible := resolve(node, true, providers)
		if !responsible {
			return nil, oops.Code("OBLIGATION_UNHANDLED").With("obligation", node.String()).
				Errorf("no constraint handler provider is responsible for obligation %s", node.String())
		}
		b.handlers = append(b.handlers, bound)
	}
	for _, node := range advice {
		bound, responsible := resolve(node, false, providers)
		if !responsible {
			slog.WarnContext(ctx, "no constraint handler provider responsible for advice", "advice", node.String())
			continue
		}
		b.handlers = append(b.handlers, bound)
	}
	return b, nil
}

func resolve(node value.Value, obligation bool, providers []Provider) (boundHandler, bool) {
	bound := boundHandler{node: node, obligation: obligation}
	responsible := false
	for _, p := range providers {
		if !p.Responsible(node) {
			continue
		}
		responsible = true
		if fn, ok := p.PreRun(node); ok {
			bound.preRun = fn
		}
		if fn, ok := p.Consumer(node); ok {
			bound.consumer = fn
		}
		if fn, ok := p.Deferred(node); ok {
			bound.deferred = fn
		}
	}
	return bound, responsible
}

// Run executes the bundle in pre-run, consumer, deferred order. It returns
// false when the decision must degrade to deny: either an obligation-tied
// handler failed, or an obligation-tied deferred handler resolved falsy.
// Advice-tied failures are logged and otherwise ignored.
func (b *Bundle) Run(ctx context.Context, dctx Context) (bool, error) {
	for _, h := range b.handlers {
		if h.preRun == nil {
			continue
		}
		if err := h.preRun(); err != nil {
			if h.obligation {
				return false, oops.With("obligation", h.node.String()).Wrapf(err, "pre-run obligation handler failed")
			}
			slog.WarnContext(ctx, "advice pre-run handler failed", "advice", h.node.String(), "error", err)
		}
	}
	for _, h := range b.handlers {
		if h.consumer == nil {
			continue
		}
		if err := h.consumer(ctx, dctx); err != nil {
			if h.obligation {
				return false, oops.With("obligation", h.node.String()).Wrapf(err, "consumer obligation handler failed")
			}
			slog.WarnContext(ctx, "advice consumer handler failed", "advice", h.node.String(), "error", err)
		}
	}
	for _, h := range b.handlers {
		if h.deferred == nil {
			continue
		}
		ok, err := h.deferred(ctx, dctx)
		if err != nil {
			if h.obligation {
				return false, oops.With("obligation", h.node.String()).Wrapf(err, "deferred obligation handler failed")
			}
			slog.WarnContext(ctx, "advice deferred handler failed", "advice", h.node.String(), "error", err)
			continue
		}
		if !ok {
			if h.obligation {
				return false, oops.Code("OBLIGATION_VETOED").With("obligation", h.node.String()).
					Errorf("deferred obligation handler for %s vetoed the decision", h.node.String())
			}
			slog.WarnContext(ctx, "advice deferred handler vetoed but advice failures do not degrade the decision", "advice", h.node.String())
		}
	}
	return true, nil
}
