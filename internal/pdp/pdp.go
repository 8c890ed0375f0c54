// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package pdp is the policy decision point: it holds the live set of
// compiled documents, resolves a subscription against every candidate
// document, combines the per-document decisions with the configured
// top-level algorithm, runs the constraint bundle, and streams the
// resulting decisions to the caller. It orchestrates internal/compile,
// internal/eval, internal/combine, internal/broker, internal/funcbroker and
// internal/constraint without duplicating any of their logic.
package pdp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/saplpdp/saplpdp/internal/combine"
	"github.com/saplpdp/saplpdp/internal/compile"
	"github.com/saplpdp/saplpdp/internal/constraint"
	"github.com/saplpdp/saplpdp/internal/eval"
	"github.com/saplpdp/saplpdp/internal/lang"
	"github.com/saplpdp/saplpdp/internal/metrics"
	"github.com/saplpdp/saplpdp/internal/value"
)

// AuthorizationSubscription is the single-request input to a decision: the
// four SAPL subscription bags.
type AuthorizationSubscription struct {
	Subject     value.Value
	Action      value.Value
	Resource    value.Value
	Environment value.Value
}

// Decision is one authorization decision delivered to a PEP.
type Decision struct {
	Verdict     combine.Verdict
	Obligations []value.Value
	Advice      []value.Value
	Resource    *value.Value
}

func decisionFromCombined(d combine.Decision) Decision {
	return Decision{
		Verdict:     d.Verdict,
		Obligations: d.Obligations,
		Advice:      d.Advice,
		Resource:    d.Transform,
	}
}

// SourceUpdate is one change delivered by a PolicySource: a document's
// current (id, source) pair, or a removal when Removed is true.
type SourceUpdate struct {
	ID      string
	Source  string
	Removed bool
}

// PolicySource delivers policy document updates. The pdp package does not
// prescribe how a source discovers or watches documents; it only consumes
// whatever it is handed.
type PolicySource interface {
	Documents(ctx context.Context) (<-chan SourceUpdate, error)
}

type documentSet struct {
	documents map[string]*compile.CompiledDocument
}

// PDP is the runtime policy decision point. The zero value is not usable;
// construct with New.
type PDP struct {
	mu   sync.RWMutex
	snap *documentSet

	functions           eval.FunctionInvoker
	attrs               eval.AttributeResolver
	constraintProviders []constraint.Provider
	topLevel            combine.Algorithm
	traceLevel          compile.TraceLevel
	logger              *slog.Logger
}

// Option configures a PDP at construction time.
type Option func(*PDP)

// WithFunctions injects the function broker used to resolve function calls.
func WithFunctions(f eval.FunctionInvoker) Option {
	return func(p *PDP) { p.functions = f }
}

// WithAttributes injects the attribute stream broker used to resolve
// attribute finders.
func WithAttributes(a eval.AttributeResolver) Option {
	return func(p *PDP) { p.attrs = a }
}

// WithConstraintProviders registers the constraint handler providers used to
// build each decision's obligation/advice bundle.
func WithConstraintProviders(providers ...constraint.Provider) Option {
	return func(p *PDP) { p.constraintProviders = providers }
}

// WithTopLevelAlgorithm sets the PDP's top-level combining algorithm, applied
// across documents. Only "deny-unless-permit" and "permit-unless-deny" are
// valid here; any other name panics at construction time since it reflects a
// configuration error, not a runtime condition.
func WithTopLevelAlgorithm(name string) Option {
	alg, ok := combine.ByName(name)
	if !ok || !lang.Algorithm(name).TopLevelOnly() {
		panic("pdp: top-level algorithm must be deny-unless-permit or permit-unless-deny, got " + name)
	}
	return func(p *PDP) { p.topLevel = alg }
}

// WithTraceLevel sets how much evaluation detail DecideTraced records.
func WithTraceLevel(l compile.TraceLevel) Option {
	return func(p *PDP) { p.traceLevel = l }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *PDP) { p.logger = l }
}

// New builds an empty PDP. Documents are added with Put or streamed in via
// Subscribe to a PolicySource.
func New(opts ...Option) *PDP {
	p := &PDP{
		snap:     &documentSet{documents: map[string]*compile.CompiledDocument{}},
		topLevel: combine.DenyUnlessPermit,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Put compiles source under id and publishes it, replacing any prior
// document registered under the same id. The write lock is held only for
// the map pointer swap, following the same atomic-snapshot pattern as the
// document index it replaces.
func (p *PDP) Put(id, source string) error {
	doc, err := lang.Parse(id, source)
	if err != nil {
		metrics.RecordCompileError(id)
		return err
	}
	compiled, err := compile.Document(id, doc)
	if err != nil {
		metrics.RecordCompileError(id)
		return err
	}
	p.publish(id, compiled)
	return nil
}

func (p *PDP) publish(id string, doc *compile.CompiledDocument) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*compile.CompiledDocument, len(p.snap.documents)+1)
	for k, v := range p.snap.documents {
		next[k] = v
	}
	next[id] = doc
	p.snap = &documentSet{documents: next}
	metrics.SetDocumentsLoaded(len(next))
}

// Remove withdraws a document.
func (p *PDP) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.snap.documents[id]; !ok {
		return
	}
	next := make(map[string]*compile.CompiledDocument, len(p.snap.documents)-1)
	for k, v := range p.snap.documents {
		if k != id {
			next[k] = v
		}
	}
	p.snap = &documentSet{documents: next}
	metrics.SetDocumentsLoaded(len(next))
}

func (p *PDP) documents() []*compile.CompiledDocument {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*compile.CompiledDocument, 0, len(p.snap.documents))
	ids := make([]string, 0, len(p.snap.documents))
	for id := range p.snap.documents {
		ids = append(ids, id)
	}
	sortStrings(ids)
	for _, id := range ids {
		out = append(out, p.snap.documents[id])
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Subscribe consumes updates from src until ctx is cancelled, compiling and
// publishing (or removing) documents as they arrive. Compile failures are
// logged and the prior version of that document, if any, is left in place —
// a bad edit to one document must never take the whole PDP offline.
func (p *PDP) Subscribe(ctx context.Context, src PolicySource) error {
	updates, err := src.Documents(ctx)
	if err != nil {
		return oops.Wrapf(err, "subscribing to policy source")
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Removed {
					p.Remove(u.ID)
					continue
				}
				if err := p.Put(u.ID, u.Source); err != nil {
					p.logger.ErrorContext(ctx, "policy document failed to compile", "document_id", u.ID, "error", err)
				}
			}
		}
	}()
	return nil
}

// DecideOnce evaluates sub once and returns the single resulting decision,
// after running its constraint bundle.
func (p *PDP) DecideOnce(ctx context.Context, sub AuthorizationSubscription) (Decision, error) {
	ch, err := p.Decide(ctx, sub)
	if err != nil {
		return Decision{}, err
	}
	select {
	case d, ok := <-ch:
		if !ok {
			return Decision{Verdict: combine.Indeterminate}, oops.Errorf("decision stream closed without producing a decision")
		}
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// AttributeSubscriber is implemented by an attribute resolver that can also
// hold a live subscription open, instead of only ever resolving the current
// value once. internal/broker.Broker implements it. Decide type-asserts for
// it: when present, every attribute finder a decision's expressions touched
// is held open for the channel's lifetime and a new upstream value triggers
// a full re-evaluation; when absent, Decide produces exactly one decision,
// same as DecideOnce.
type AttributeSubscriber interface {
	SubscribeLive(ctx context.Context, fqn string, entity *value.Value, args []value.Value) (<-chan value.Value, func(), error)
}

// Decide evaluates sub against every published document and returns a
// channel carrying the combined, constraint-enforced decision. When the
// configured attribute resolver implements AttributeSubscriber, the channel
// keeps delivering a fresh decision every time an attribute finder the
// evaluation touched reports a new value, per the streaming subscription
// contract; it closes only when ctx is cancelled. Otherwise it delivers one
// decision and closes.
func (p *PDP) Decide(ctx context.Context, sub AuthorizationSubscription) (<-chan Decision, error) {
	out := make(chan Decision, 1)
	go p.stream(ctx, sub, out)
	return out, nil
}

func (p *PDP) stream(ctx context.Context, sub AuthorizationSubscription, out chan<- Decision) {
	defer close(out)
	subscriber, canStream := p.attrs.(AttributeSubscriber)
	for {
		d, touched := p.evaluate(ctx, sub)
		select {
		case out <- d:
		case <-ctx.Done():
			return
		}
		if !canStream || len(touched) == 0 {
			return
		}
		if !waitForAttributeChange(ctx, subscriber, touched) {
			return
		}
	}
}

// waitForAttributeChange holds a live subscription open for every touched
// attribute invocation and blocks until one of them delivers a value beyond
// the one already used for the current decision, or ctx is cancelled. It
// reuses the broker's cached/multicast invocation index rather than opening
// a second, independent PIP stream: a live subscription to an invocation
// already resolved via ResolveOnce shares the same cached upstream stream.
func waitForAttributeChange(ctx context.Context, subscriber AttributeSubscriber, touched []eval.TouchedAttribute) bool {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	changed := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, inv := range touched {
		ch, release, err := subscriber.SubscribeLive(watchCtx, inv.FQN, inv.Entity, inv.Args)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(ch <-chan value.Value, release func()) {
			defer wg.Done()
			defer release()
			seenReplay := false
			for {
				select {
				case _, ok := <-ch:
					if !ok {
						return
					}
					if !seenReplay {
						// The subscription immediately replays the value
						// already used for this decision; only a value that
						// arrives after that one is an actual change.
						seenReplay = true
						continue
					}
					select {
					case changed <- struct{}{}:
					default:
					}
					return
				case <-watchCtx.Done():
					return
				}
			}
		}(ch, release)
	}

	select {
	case <-changed:
		cancel()
		wg.Wait()
		return true
	case <-ctx.Done():
		cancel()
		wg.Wait()
		return false
	}
}

// TracedDecision pairs a Decision with a human-readable evaluation trace,
// populated only when the PDP's trace level is at least TraceBasic.
type TracedDecision struct {
	Decision
	Trace []DocumentTrace
}

// DocumentTrace records one document's contribution to a traced decision.
type DocumentTrace struct {
	DocumentID string
	Verdict    combine.Verdict
	Policies   []PolicyTrace
}

// PolicyTrace records one policy's target/condition outcome within a traced
// document.
type PolicyTrace struct {
	Name    string
	Target  value.Value
	Verdict combine.Verdict
}

// DecideTraced behaves like Decide but also returns the evaluation trace,
// gated behind the PDP's configured trace level.
func (p *PDP) DecideTraced(ctx context.Context, sub AuthorizationSubscription) (<-chan TracedDecision, error) {
	out := make(chan TracedDecision, 1)
	go func() {
		defer close(out)
		d, trace, _ := p.evaluateTraced(ctx, sub)
		select {
		case out <- TracedDecision{Decision: d, Trace: trace}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *PDP) evaluate(ctx context.Context, sub AuthorizationSubscription) (Decision, []eval.TouchedAttribute) {
	d, _, touched := p.evaluateTraced(ctx, sub)
	return d, touched
}

func (p *PDP) evaluateTraced(ctx context.Context, sub AuthorizationSubscription) (Decision, []DocumentTrace, []eval.TouchedAttribute) {
	start := time.Now()
	decision, trace, touched := p.evaluateTracedUntimed(ctx, sub)
	metrics.RecordDecision(time.Since(start), decision.Verdict.String())
	return decision, trace, touched
}

func (p *PDP) evaluateTracedUntimed(ctx context.Context, sub AuthorizationSubscription) (Decision, []DocumentTrace, []eval.TouchedAttribute) {
	docs := p.documents()
	results := make([]combine.PolicyResult, 0, len(docs))
	var trace []DocumentTrace
	var touched []eval.TouchedAttribute

	for _, doc := range docs {
		result, docTrace := p.evaluateDocument(doc, sub, &touched)
		results = append(results, result)
		if p.traceLevel >= compile.TraceBasic {
			trace = append(trace, docTrace)
		}
	}

	combined := p.topLevel(results)
	decision := decisionFromCombined(combined)

	if decision.Verdict == combine.Permit || decision.Verdict == combine.Deny {
		ok, err := p.enforce(ctx, sub, decision)
		if err != nil {
			p.logger.ErrorContext(ctx, "obligation enforcement failed, denying", "error", err)
			metrics.RecordObligationFailure()
			return Decision{Verdict: combine.Deny}, trace, touched
		}
		if !ok {
			metrics.RecordObligationFailure()
			return Decision{Verdict: combine.Deny}, trace, touched
		}
	}

	return decision, trace, touched
}

func (p *PDP) enforce(ctx context.Context, sub AuthorizationSubscription, d Decision) (bool, error) {
	bundle, err := constraint.Build(ctx, d.Obligations, d.Advice, p.constraintProviders)
	if err != nil {
		return false, err
	}
	return bundle.Run(ctx, constraint.Context{
		Subject:     sub.Subject,
		Action:      sub.Action,
		Resource:    sub.Resource,
		Environment: sub.Environment,
	})
}

func (p *PDP) baseEvalContext(doc *compile.CompiledDocument, sub AuthorizationSubscription, touched *[]eval.TouchedAttribute) *eval.Context {
	ctx := eval.NewContext(sub.Subject, sub.Action, sub.Resource, sub.Environment)
	ctx.Imports = doc.Imports
	ctx.Functions = p.functions
	ctx.Attrs = p.attrs
	if touched != nil {
		ctx.TrackAttributes(touched)
	}
	return ctx
}

func (p *PDP) evaluateDocument(doc *compile.CompiledDocument, sub AuthorizationSubscription, touched *[]eval.TouchedAttribute) (combine.PolicyResult, DocumentTrace) {
	ctx := p.baseEvalContext(doc, sub, touched)
	trace := DocumentTrace{DocumentID: doc.ID}

	if doc.Policy != nil {
		result, policyTrace := evaluatePolicy(ctx, doc.Policy)
		trace.Verdict = result.Verdict
		trace.Policies = []PolicyTrace{policyTrace}
		return result, trace
	}

	bindVars(ctx, doc.PolicySet.Variables)
	results := make([]combine.PolicyResult, 0, len(doc.PolicySet.Policies))
	for _, cp := range doc.PolicySet.Policies {
		result, policyTrace := evaluatePolicy(ctx, cp)
		results = append(results, result)
		trace.Policies = append(trace.Policies, policyTrace)
	}
	alg, ok := combine.ByName(string(doc.PolicySet.Algorithm))
	if !ok {
		alg = combine.DenyOverrides
	}
	combined := alg(results)
	trace.Verdict = combined.Verdict
	return combine.PolicyResult{
		PolicyName:  doc.ID,
		Verdict:     combined.Verdict,
		Obligations: combined.Obligations,
		Advice:      combined.Advice,
		Transform:   combined.Transform,
		Err:         combined.Err,
	}, trace
}

func bindVars(ctx *eval.Context, decls []*compile.CompiledVarDecl) {
	for _, decl := range decls {
		ctx.Variables[decl.Name] = decl.Expr.Eval(ctx)
	}
}

func evaluatePolicy(base *eval.Context, cp *compile.CompiledPolicy) (combine.PolicyResult, PolicyTrace) {
	ctx := base.Child()
	bindVars(ctx, cp.Variables)

	target := cp.Target.Eval(ctx)
	if target.IsUndefined() {
		// No target expression was written: the policy applies to every
		// subscription, matching SAPL's "absent target means always
		// applicable" rule.
		target = value.Bool(true)
	}
	policyTrace := PolicyTrace{Name: cp.Name, Target: target}

	if target.IsError() {
		policyTrace.Verdict = combine.Indeterminate
		return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("%s", target.ErrMsg())}, policyTrace
	}
	if !target.IsBoolean() {
		policyTrace.Verdict = combine.Indeterminate
		return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("policy %q target did not evaluate to a boolean", cp.Name)}, policyTrace
	}
	if !target.Bool() {
		policyTrace.Verdict = combine.NotApplicable
		return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.NotApplicable}, policyTrace
	}

	for _, cond := range cp.Conditions {
		v := cond.Eval(ctx)
		if v.IsError() {
			policyTrace.Verdict = combine.Indeterminate
			return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("%s", v.ErrMsg())}, policyTrace
		}
		if !v.IsBoolean() {
			policyTrace.Verdict = combine.Indeterminate
			return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("policy %q condition did not evaluate to a boolean", cp.Name)}, policyTrace
		}
		if !v.Bool() {
			policyTrace.Verdict = combine.NotApplicable
			return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.NotApplicable}, policyTrace
		}
	}

	verdict := combine.Permit
	if cp.Entitlement == "deny" {
		verdict = combine.Deny
	}
	policyTrace.Verdict = verdict

	result := combine.PolicyResult{PolicyName: cp.Name, Verdict: verdict}
	for _, o := range cp.Obligations {
		v := o.Eval(ctx)
		if v.IsError() {
			policyTrace.Verdict = combine.Indeterminate
			return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("%s", v.ErrMsg())}, policyTrace
		}
		result.Obligations = append(result.Obligations, v)
	}
	for _, a := range cp.Advice {
		v := a.Eval(ctx)
		if v.IsError() {
			continue
		}
		result.Advice = append(result.Advice, v)
	}
	if cp.Transform != nil {
		v := cp.Transform.Eval(ctx)
		if v.IsError() {
			policyTrace.Verdict = combine.Indeterminate
			return combine.PolicyResult{PolicyName: cp.Name, Verdict: combine.Indeterminate, Err: oops.Errorf("%s", v.ErrMsg())}, policyTrace
		}
		result.Transform = &v
	}

	return result, policyTrace
}
