// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package eval evaluates SAPL expression ASTs against a Context into
// value.Value results. Attribute-finder nodes are resolved through an
// injected Broker so the evaluator itself never knows about channels,
// timeouts or caching — those live in internal/broker.
package eval

import (
	"github.com/saplpdp/saplpdp/internal/value"
)

// AttributeResolver resolves a single attribute-finder invocation to its
// current value. Implemented by internal/broker.Broker; kept as a narrow
// interface here so the evaluator has no dependency on broker internals.
type AttributeResolver interface {
	ResolveOnce(fqn string, entity *value.Value, args []value.Value) (value.Value, error)
}

// FunctionInvoker resolves and calls a pure function by fully qualified
// name. Implemented by internal/funcbroker.Broker.
type FunctionInvoker interface {
	Invoke(fqn string, args []value.Value) value.Value
}

// TouchedAttribute records one attribute-finder invocation resolved while
// walking an expression tree: the fully qualified name plus the entity and
// argument values it was resolved against. A caller that wants to hold a
// live subscription open for the lifetime of a decision (rather than only
// resolving the attribute once) uses this to know which invocations to
// subscribe to.
type TouchedAttribute struct {
	FQN    string
	Entity *value.Value
	Args   []value.Value
}

// Context carries everything needed to evaluate one expression: the four
// subscription bags, the import table, document/policy variable scopes,
// the relative-node stack (bound by '::' / '@'), and the attribute and
// function collaborators.
type Context struct {
	Subject     value.Value
	Action      value.Value
	Resource    value.Value
	Environment value.Value

	Imports   map[string]string // short name -> FQN
	Variables map[string]value.Value

	relativeStack []value.Value

	Functions FunctionInvoker
	Attrs     AttributeResolver

	touched *[]TouchedAttribute
}

// TrackAttributes makes every attribute-finder resolution performed through
// ctx, and any Child derived from it, append to sink. Passing the same sink
// into multiple independent Contexts (e.g. one per document) accumulates
// every invocation across all of them.
func (c *Context) TrackAttributes(sink *[]TouchedAttribute) {
	c.touched = sink
}

func (c *Context) recordTouch(fqn string, entity *value.Value, args []value.Value) {
	if c.touched == nil {
		return
	}
	*c.touched = append(*c.touched, TouchedAttribute{FQN: fqn, Entity: entity, Args: args})
}

// NewContext builds a Context for a single authorization subscription.
func NewContext(subject, action, resource, environment value.Value) *Context {
	return &Context{
		Subject:     subject,
		Action:      action,
		Resource:    resource,
		Environment: environment,
		Imports:     map[string]string{},
		Variables:   map[string]value.Value{},
	}
}

// Child returns a copy of ctx with its own variable scope (used when
// entering a policy's `where` block, which may shadow document variables)
// while sharing the same subscription bags and collaborators.
func (c *Context) Child() *Context {
	vars := make(map[string]value.Value, len(c.Variables))
	for k, v := range c.Variables {
		vars[k] = v
	}
	cp := *c
	cp.Variables = vars
	cp.relativeStack = append([]value.Value{}, c.relativeStack...)
	return &cp
}

// WithRelative returns a child context with @ bound to elem.
func (c *Context) WithRelative(elem value.Value) *Context {
	cp := c.Child()
	cp.relativeStack = append(cp.relativeStack, elem)
	return cp
}

func (c *Context) relative() (value.Value, bool) {
	if len(c.relativeStack) == 0 {
		return value.Undefined(), false
	}
	return c.relativeStack[len(c.relativeStack)-1], true
}

func (c *Context) resolveImport(fqn string) string {
	if resolved, ok := c.Imports[fqn]; ok {
		return resolved
	}
	return fqn
}

// ReservedRootValue returns the bag bound to one of the four reserved
// root names, or ok=false if name is not one of them.
func (c *Context) ReservedRootValue(name string) (value.Value, bool) {
	switch name {
	case "subject":
		return c.Subject, true
	case "action":
		return c.Action, true
	case "resource":
		return c.Resource, true
	case "environment":
		return c.Environment, true
	default:
		return value.Undefined(), false
	}
}

