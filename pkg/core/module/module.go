// Package module defines the module tree that gets sharded: a Module is a node with named children,
// parameters, buffers, a forward function and hooks that wrap its execution.
//
// A tree is built top-down with New and AddChild, and executed by Module.Call, which runs the pre-hooks,
// the forward function and the post-hooks, in that order. Hooks are ordered by Priority.
//
// Modules are not safe for concurrent mutation. Call is expected to be driven from a single goroutine.
package module

import (
	"context"
	"fmt"
	"iter"
	"path"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/pkg/errors"
)

// PathSeparator separates the names of modules (and parameters) in a path.
const PathSeparator = "/"

// ForwardFn is the computation of a module. It's free to call its children's Call method.
type ForwardFn func(ctx context.Context, m *Module, input any) (output any, err error)

// Module is one node of a module tree.
type Module struct {
	name, kind string
	parent     *Module
	children   []*Module
	params     []*Parameter
	buffers    []*Buffer
	forward    ForwardFn

	preHooks       hookList[ForwardPreHook]
	postHooks      hookList[ForwardPostHook]
	stateDictHooks hookList[StateDictHook]
	loadPreHooks   hookList[LoadStateDictPreHook]
	loadPostHooks  hookList[LoadStateDictPostHook]

	extensions map[string]any
}

// New creates a module with the given name and kind. The kind is a class-like label, e.g. "Linear".
func New(name, kind string) *Module {
	return &Module{name: name, kind: kind}
}

// Name of the module within its parent.
func (m *Module) Name() string { return m.name }

// Kind of the module.
func (m *Module) Kind() string { return m.kind }

// Parent returns the parent module, or nil for a root.
func (m *Module) Parent() *Module { return m.parent }

// String implements fmt.Stringer.
func (m *Module) String() string {
	return fmt.Sprintf("%s(%q)", m.kind, m.name)
}

// AddChild appends child to the module's children and returns m, for chaining.
//
// It panics if the child already has a parent, if the name is already used by a sibling, or if it
// would create a cycle.
func (m *Module) AddChild(child *Module) *Module {
	if child.parent != nil {
		exceptions.Panicf("module.AddChild(%s): child %s already has parent %s", m, child, child.parent)
	}
	if m.Child(child.name) != nil {
		exceptions.Panicf("module.AddChild(%s): there is already a child named %q", m, child.name)
	}
	for ancestor := m; ancestor != nil; ancestor = ancestor.parent {
		if ancestor == child {
			exceptions.Panicf("module.AddChild(%s): adding %s would create a cycle", m, child)
		}
	}
	child.parent = m
	m.children = append(m.children, child)
	return m
}

// AddParameter appends the parameter to the module and returns m, for chaining.
// The same *Parameter may be added to different modules (weight tying).
func (m *Module) AddParameter(p *Parameter) *Module {
	m.params = append(m.params, p)
	return m
}

// AddBuffer appends the buffer to the module and returns m, for chaining.
func (m *Module) AddBuffer(b *Buffer) *Module {
	m.buffers = append(m.buffers, b)
	return m
}

// WithForward sets the forward function of the module and returns m, for chaining.
//
// A module without a forward function calls its children in order, feeding the output of one
// as the input of the next.
func (m *Module) WithForward(fn ForwardFn) *Module {
	m.forward = fn
	return m
}

// Children returns the direct children, in declaration order.
func (m *Module) Children() []*Module { return slices.Clone(m.children) }

// Child returns the direct child with the given name, or nil.
func (m *Module) Child(name string) *Module {
	for _, child := range m.children {
		if child.name == name {
			return child
		}
	}
	return nil
}

// Parameters returns the parameters declared directly by this module.
func (m *Module) Parameters() []*Parameter { return slices.Clone(m.params) }

// Buffers returns the buffers declared directly by this module.
func (m *Module) Buffers() []*Buffer { return slices.Clone(m.buffers) }

// Modules iterates over m and all its descendants in pre-order: parents before children, and children in
// declaration order.
func (m *Module) Modules() iter.Seq[*Module] {
	return func(yield func(*Module) bool) {
		m.walk("", 0, func(_ string, _ int, node *Module) bool { return yield(node) })
	}
}

// NamedModules iterates over m and all its descendants in pre-order, along with their paths relative
// to m. The path of m itself is "".
func (m *Module) NamedModules() iter.Seq2[string, *Module] {
	return func(yield func(string, *Module) bool) {
		m.walk("", 0, func(p string, _ int, node *Module) bool { return yield(p, node) })
	}
}

// Walk visits m and its descendants in pre-order with their path relative to m and depth (m is at
// depth 0). It stops at the first error returned by fn.
func (m *Module) Walk(fn func(path string, depth int, node *Module) error) error {
	var err error
	m.walk("", 0, func(p string, depth int, node *Module) bool {
		err = fn(p, depth, node)
		return err == nil
	})
	return err
}

func (m *Module) walk(p string, depth int, fn func(string, int, *Module) bool) bool {
	if !fn(p, depth, m) {
		return false
	}
	for _, child := range m.children {
		childPath := child.name
		if p != "" {
			childPath = p + PathSeparator + child.name
		}
		if !child.walk(childPath, depth+1, fn) {
			return false
		}
	}
	return true
}

// Depth returns the number of ancestors of the module.
func (m *Module) Depth() int {
	depth := 0
	for ancestor := m.parent; ancestor != nil; ancestor = ancestor.parent {
		depth++
	}
	return depth
}

// IsDescendantOf returns whether m is ancestor or one of its descendants.
func (m *Module) IsDescendantOf(ancestor *Module) bool {
	for node := m; node != nil; node = node.parent {
		if node == ancestor {
			return true
		}
	}
	return false
}

// PathFrom returns the path of m relative to ancestor, or an error if m is not in ancestor's subtree.
func (m *Module) PathFrom(ancestor *Module) (string, error) {
	var names []string
	node := m
	for ; node != nil && node != ancestor; node = node.parent {
		names = append(names, node.name)
	}
	if node == nil {
		return "", errors.Errorf("module %s is not a descendant of %s", m, ancestor)
	}
	slices.Reverse(names)
	return path.Join(names...), nil
}

// AllParameters returns the parameters of m and its descendants in pre-order, each *Parameter listed once
// even if tied to more than one module.
func (m *Module) AllParameters() []*Parameter {
	seen := sets.Make[*Parameter]()
	var params []*Parameter
	for node := range m.Modules() {
		for _, p := range node.params {
			if !seen.Has(p) {
				seen.Insert(p)
				params = append(params, p)
			}
		}
	}
	return params
}

// NumParameters returns the total number of elements of AllParameters.
func (m *Module) NumParameters() int {
	total := 0
	for _, p := range m.AllParameters() {
		total += p.Size()
	}
	return total
}

// Extension returns the value stored under key in the module's extension slots.
func (m *Module) Extension(key string) (value any, found bool) {
	value, found = m.extensions[key]
	return
}

// SetExtension stores value under key in the module's extension slots. A nil value clears the slot.
func (m *Module) SetExtension(key string, value any) {
	if value == nil {
		delete(m.extensions, key)
		return
	}
	if m.extensions == nil {
		m.extensions = make(map[string]any)
	}
	m.extensions[key] = value
}

// Call executes the module: forward pre-hooks, the forward function and the forward post-hooks.
// Panics in the forward function are returned as errors.
func (m *Module) Call(ctx context.Context, input any) (output any, err error) {
	for _, hook := range m.preHooks.hooks {
		if err = hook.fn(ctx, m, input); err != nil {
			return nil, errors.WithMessagef(err, "forward pre-hook %q of %s", hook.name, m)
		}
	}
	exception := exceptions.Try(func() { output, err = m.runForward(ctx, input) })
	if exception != nil {
		if e, ok := exception.(error); ok {
			err = e
		} else {
			err = errors.Errorf("forward of %s panicked: %v", m, exception)
		}
	}
	if err != nil {
		return nil, err
	}
	for _, hook := range m.postHooks.hooks {
		if err = hook.fn(ctx, m, input, output); err != nil {
			return nil, errors.WithMessagef(err, "forward post-hook %q of %s", hook.name, m)
		}
	}
	return output, nil
}

func (m *Module) runForward(ctx context.Context, input any) (any, error) {
	if m.forward != nil {
		output, err := m.forward(ctx, m, input)
		return output, errors.WithMessagef(err, "forward of %s", m)
	}
	var err error
	for _, child := range m.children {
		input, err = child.Call(ctx, input)
		if err != nil {
			return nil, err
		}
	}
	return input, nil
}
