package module

import (
	"context"
	"slices"

	"github.com/pkg/errors"
)

// Priority for hooks: the lowest values are run first. Defaults to 0, but negative values are ok.
// Hooks with the same priority run in the order they were registered.
type Priority int

// ForwardPreHook is called before the forward function of a module.
type ForwardPreHook func(ctx context.Context, m *Module, input any) error

// ForwardPostHook is called after the forward function of a module, with its output.
type ForwardPostHook func(ctx context.Context, m *Module, input, output any) error

// StateDictHook is called after the parameters of a module were collected into state, under the given
// prefix. It can rewrite the entries of its module.
type StateDictHook func(m *Module, prefix string, state map[string][]float32) error

// LoadStateDictPreHook is called before the parameters of a module are loaded from state.
type LoadStateDictPreHook func(m *Module, prefix string, state map[string][]float32) error

// LoadStateDictPostHook is called after the parameters of a module were loaded.
type LoadStateDictPostHook func(m *Module) error

// namedHook is a hook with its name (used for error reporting and lookups) and priority.
type namedHook[F any] struct {
	name     string
	priority Priority
	fn       F
}

// hookList keeps hooks sorted by priority, stable on registration order.
type hookList[F any] struct {
	hooks []*namedHook[F]
}

func (l *hookList[F]) has(name string) bool {
	return slices.ContainsFunc(l.hooks, func(h *namedHook[F]) bool { return h.name == name })
}

func (l *hookList[F]) add(name string, priority Priority, fn F) error {
	if l.has(name) {
		return errors.Errorf("hook %q already registered", name)
	}
	pos := len(l.hooks)
	for pos > 0 && l.hooks[pos-1].priority > priority {
		pos--
	}
	l.hooks = slices.Insert(l.hooks, pos, &namedHook[F]{name: name, priority: priority, fn: fn})
	return nil
}

func (l *hookList[F]) remove(name string) bool {
	before := len(l.hooks)
	l.hooks = slices.DeleteFunc(l.hooks, func(h *namedHook[F]) bool { return h.name == name })
	return len(l.hooks) != before
}

func (l *hookList[F]) names() []string {
	names := make([]string, len(l.hooks))
	for i, h := range l.hooks {
		names[i] = h.name
	}
	return names
}

// RegisterForwardPreHook adds a hook run before the module's forward function.
// It returns an error if a hook with the same name is already registered in the module.
func (m *Module) RegisterForwardPreHook(name string, priority Priority, hook ForwardPreHook) error {
	return errors.WithMessagef(m.preHooks.add(name, priority, hook), "module %q", m.name)
}

// RegisterForwardPostHook adds a hook run after the module's forward function.
// It returns an error if a hook with the same name is already registered in the module.
func (m *Module) RegisterForwardPostHook(name string, priority Priority, hook ForwardPostHook) error {
	return errors.WithMessagef(m.postHooks.add(name, priority, hook), "module %q", m.name)
}

// RegisterStateDictHook adds a hook run by StateDict after the module's parameters are collected.
func (m *Module) RegisterStateDictHook(name string, hook StateDictHook) error {
	return errors.WithMessagef(m.stateDictHooks.add(name, 0, hook), "module %q", m.name)
}

// RegisterLoadStateDictPreHook adds a hook run by LoadStateDict before the module's parameters are loaded.
func (m *Module) RegisterLoadStateDictPreHook(name string, hook LoadStateDictPreHook) error {
	return errors.WithMessagef(m.loadPreHooks.add(name, 0, hook), "module %q", m.name)
}

// RegisterLoadStateDictPostHook adds a hook run by LoadStateDict after the module's parameters are loaded.
func (m *Module) RegisterLoadStateDictPostHook(name string, hook LoadStateDictPostHook) error {
	return errors.WithMessagef(m.loadPostHooks.add(name, 0, hook), "module %q", m.name)
}

// HasHook returns whether a hook (of any kind) with the given name is registered in the module.
func (m *Module) HasHook(name string) bool {
	return m.preHooks.has(name) || m.postHooks.has(name) || m.stateDictHooks.has(name) ||
		m.loadPreHooks.has(name) || m.loadPostHooks.has(name)
}

// RemoveHook removes the hooks (of any kind) with the given name. It returns whether anything was removed.
func (m *Module) RemoveHook(name string) bool {
	removed := m.preHooks.remove(name)
	removed = m.postHooks.remove(name) || removed
	removed = m.stateDictHooks.remove(name) || removed
	removed = m.loadPreHooks.remove(name) || removed
	removed = m.loadPostHooks.remove(name) || removed
	return removed
}

// ForwardPreHookNames returns the names of the forward pre-hooks, in the order they are executed.
func (m *Module) ForwardPreHookNames() []string { return m.preHooks.names() }

// ForwardPostHookNames returns the names of the forward post-hooks, in the order they are executed.
func (m *Module) ForwardPostHookNames() []string { return m.postHooks.names() }
