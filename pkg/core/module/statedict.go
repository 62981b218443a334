package module

import (
	"slices"

	"github.com/pkg/errors"
)

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + PathSeparator + name
}

// StateDict collects the values of the parameters and buffers of m and its descendants, keyed by path.
// Tied parameters appear under the path of each module that holds them. Not materialized parameters are
// stored as nil.
//
// After a module's entries are collected, its StateDictHook's are called, and they can rewrite them.
func (m *Module) StateDict() (map[string][]float32, error) {
	state := make(map[string][]float32)
	err := m.Walk(func(prefix string, _ int, node *Module) error {
		for _, p := range node.params {
			state[joinPath(prefix, p.Name)] = slices.Clone(p.Data)
		}
		for _, b := range node.buffers {
			state[joinPath(prefix, b.Name)] = slices.Clone(b.Data)
		}
		for _, hook := range node.stateDictHooks.hooks {
			if err := hook.fn(node, prefix, state); err != nil {
				return errors.WithMessagef(err, "state-dict hook %q of %s", hook.name, node)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// LoadStateDict sets the parameters and buffers of m and its descendants from state, keyed as in StateDict.
// Entries missing from state are left untouched; entries with the wrong size are an error.
//
// For each module the LoadStateDictPreHook's are called before its entries are loaded, and
// the LoadStateDictPostHook's after.
func (m *Module) LoadStateDict(state map[string][]float32) error {
	return m.Walk(func(prefix string, _ int, node *Module) error {
		for _, hook := range node.loadPreHooks.hooks {
			if err := hook.fn(node, prefix, state); err != nil {
				return errors.WithMessagef(err, "load-state-dict pre-hook %q of %s", hook.name, node)
			}
		}
		for _, p := range node.params {
			values, found := state[joinPath(prefix, p.Name)]
			if !found || values == nil {
				continue
			}
			if len(values) != p.Size() {
				return errors.Errorf("LoadStateDict: parameter %q has shape %v (%d values), got %d values",
					joinPath(prefix, p.Name), p.Shape, p.Size(), len(values))
			}
			p.Data = slices.Clone(values)
		}
		for _, b := range node.buffers {
			if values, found := state[joinPath(prefix, b.Name)]; found && values != nil {
				b.Data = slices.Clone(values)
			}
		}
		for _, hook := range node.loadPostHooks.hooks {
			if err := hook.fn(node); err != nil {
				return errors.WithMessagef(err, "load-state-dict post-hook %q of %s", hook.name, node)
			}
		}
		return nil
	})
}
