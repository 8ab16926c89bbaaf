// Package filter evaluates a sandboxed JavaScript predicate against knot
// identifiers, letting a run restrict classification to a subset of the
// corpus without re-splitting it. Programs are compiled once; evaluators are
// cheap and must not be shared between goroutines.
package filter

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// Program is a compiled record predicate. The source is a JavaScript
// expression over the bindings label (string), crossings (int) and seq
// (int): for example "crossings >= 13 && seq % 2 == 0".
type Program struct {
	src  string
	prog *goja.Program
}

// Compile compiles a predicate expression. Compilation failures are
// configuration errors and surface before any shard is processed.
func Compile(src string) (*Program, error) {
	if src == "" {
		return nil, errors.New("empty filter expression")
	}
	wrapped := fmt.Sprintf("(function(label, crossings, seq) { return (%s); })", src)
	prog, err := goja.Compile("filter", wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter expression: %w", err)
	}
	return &Program{src: src, prog: prog}, nil
}

// Source returns the original expression.
func (p *Program) Source() string { return p.src }

// Evaluator runs a compiled predicate inside a restricted VM. Evaluators are
// not safe for concurrent use; each worker goroutine creates its own.
type Evaluator struct {
	vm *goja.Runtime
	fn goja.Callable
}

// NewEvaluator instantiates a VM for the program and applies the sandbox
// restrictions before any user code runs.
func (p *Program) NewEvaluator() (*Evaluator, error) {
	vm := goja.New()
	if err := restrict(vm); err != nil {
		return nil, err
	}
	v, err := vm.RunProgram(p.prog)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate filter: %w", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("filter program did not produce a function")
	}
	return &Evaluator{vm: vm, fn: fn}, nil
}

// Match evaluates the predicate for one record.
func (e *Evaluator) Match(label string, crossings int, seq int64) (bool, error) {
	v, err := e.fn(goja.Undefined(),
		e.vm.ToValue(label),
		e.vm.ToValue(crossings),
		e.vm.ToValue(seq))
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}
	return v.ToBoolean(), nil
}

// restrict removes host-environment globals so predicate code cannot reach
// outside the expression's three bindings.
func restrict(vm *goja.Runtime) error {
	blocked := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"globalThis",
		"eval",
		"Function",
	}
	for _, name := range blocked {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}
