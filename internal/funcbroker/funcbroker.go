// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package funcbroker registers and invokes the pure functions SAPL
// expressions call by fully qualified name. Unlike the attribute broker,
// function invocation is synchronous and has no caching or streaming
// concerns: a function call always runs to completion (or produces an Error
// value) before the expression that called it can continue.
package funcbroker

import (
	"bytes"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/saplpdp/saplpdp/internal/value"
)

// Func is a registered pure function: it receives already-evaluated
// arguments and returns a Value, following the same "never panic, return an
// Error value" contract as the internal/value operators.
type Func func(args []value.Value) value.Value

// Registration pairs a function with optional argument-schema validation.
// Schema, when non-nil, is compiled once at registration time and checked
// against every call's arguments before Fn runs; a schema violation short
// circuits to an Error value without ever calling Fn.
type Registration struct {
	Fn     Func
	MinArgs int
	MaxArgs int // 0 means unbounded
	Schema *jsonschema.Schema
}

type compiledEntry struct {
	reg    Registration
	schema *jsonschemav6.Schema
}

// Broker holds the registered function table, keyed by fully qualified name.
type Broker struct {
	mu      sync.RWMutex
	entries map[string]compiledEntry
}

// New returns an empty function broker.
func New() *Broker {
	return &Broker{entries: map[string]compiledEntry{}}
}

// Register publishes fn under fqn. Registering the same fqn twice is a
// configuration error.
func (b *Broker) Register(fqn string, reg Registration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[fqn]; exists {
		return oops.Code("FUNCTION_ALREADY_REGISTERED").With("fqn", fqn).Errorf("function %q is already registered", fqn)
	}

	entry := compiledEntry{reg: reg}
	if reg.Schema != nil {
		compiled, err := compileSchema(fqn, reg.Schema)
		if err != nil {
			return err
		}
		entry.schema = compiled
	}
	b.entries[fqn] = entry
	return nil
}

func compileSchema(fqn string, schema *jsonschema.Schema) (*jsonschemav6.Schema, error) {
	data, err := schema.MarshalJSON()
	if err != nil {
		return nil, oops.With("fqn", fqn).Wrapf(err, "marshal argument schema")
	}
	raw, err := jsonschemav6.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.With("fqn", fqn).Wrapf(err, "unmarshal argument schema")
	}
	compiler := jsonschemav6.NewCompiler()
	resourceURL := "mem://" + fqn + ".json"
	if err := compiler.AddResource(resourceURL, raw); err != nil {
		return nil, oops.With("fqn", fqn).Wrapf(err, "add argument schema resource")
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, oops.With("fqn", fqn).Wrapf(err, "compile argument schema")
	}
	return compiled, nil
}

// Invoke implements eval.FunctionInvoker. Argument-count and schema
// violations, and calling an unregistered function, all produce an Error
// value rather than panicking — functions participate in the same
// total-function contract as the built-in operators.
func (b *Broker) Invoke(fqn string, args []value.Value) value.Value {
	b.mu.RLock()
	entry, ok := b.entries[fqn]
	b.mu.RUnlock()
	if !ok {
		return value.Errorf(nil, "unknown function %q", fqn)
	}
	if entry.reg.MinArgs > 0 && len(args) < entry.reg.MinArgs {
		return value.Errorf(nil, "%s: expected at least %d arguments, got %d", fqn, entry.reg.MinArgs, len(args))
	}
	if entry.reg.MaxArgs > 0 && len(args) > entry.reg.MaxArgs {
		return value.Errorf(nil, "%s: expected at most %d arguments, got %d", fqn, entry.reg.MaxArgs, len(args))
	}
	for _, a := range args {
		if a.IsError() {
			return a
		}
	}
	if entry.schema != nil {
		if err := validateArgs(entry.schema, args); err != nil {
			return value.Errorf(nil, "%s: argument validation failed: %s", fqn, err)
		}
	}
	return callFn(fqn, entry.reg.Fn, args)
}

// callFn runs fn with the same "never let a panic escape the evaluator"
// guarantee the built-in operators give: a panicking registered function
// degrades the single call to an Error value instead of taking down the PDP.
func callFn(fqn string, fn Func, args []value.Value) (result value.Value) {
	defer func() {
		if r := recover(); r != nil {
			result = value.Errorf(nil, "%s execution failed: %v", fqn, r)
		}
	}()
	return fn(args)
}

func validateArgs(schema *jsonschemav6.Schema, args []value.Value) error {
	instance := make([]any, len(args))
	for i, a := range args {
		instance[i] = value.ToJSON(a)
	}
	return schema.Validate(instance)
}

// Names returns every registered function's fully qualified name in map
// iteration order, neither sorted nor in registration order; callers needing
// a stable order sort the result themselves.
func (b *Broker) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for name := range b.entries {
		out = append(out, name)
	}
	return out
}
