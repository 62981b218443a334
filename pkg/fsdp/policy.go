package fsdp

import (
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/sets"
)

// WrapPolicy decides which modules become the root of their own sharding unit.
// Parameters of a module belong to the unit of its nearest ancestor (or itself) chosen by the policy.
//
// The depth is the number of ancestors of the module up to the root being sharded (the root is at depth 0).
type WrapPolicy interface {
	ShouldWrap(m *module.Module, depth int) bool
}

// PolicyFunc adapts a function to a WrapPolicy.
type PolicyFunc func(m *module.Module, depth int) bool

// ShouldWrap implements WrapPolicy.
func (fn PolicyFunc) ShouldWrap(m *module.Module, depth int) bool { return fn(m, depth) }

// ModuleSizePolicy wraps modules whose subtree holds at least MinNumParams parameter elements.
// Parameters of ignored modules are not counted.
type ModuleSizePolicy struct {
	MinNumParams int

	ignored sets.Set[*module.Module]
}

// ShouldWrap implements WrapPolicy.
func (p ModuleSizePolicy) ShouldWrap(m *module.Module, _ int) bool {
	seen := sets.Make[*module.Parameter]()
	total := 0
	for node := range m.Modules() {
		if p.ignored.Has(node) {
			continue
		}
		for _, param := range node.Parameters() {
			if !seen.Has(param) {
				seen.Insert(param)
				total += param.Size()
			}
		}
	}
	return total >= p.MinNumParams
}

func (p ModuleSizePolicy) withIgnored(ignored sets.Set[*module.Module]) WrapPolicy {
	p.ignored = ignored
	return p
}

// DepthPolicy wraps every module up to MaxDepth.
type DepthPolicy struct {
	MaxDepth int
}

// ShouldWrap implements WrapPolicy.
func (p DepthPolicy) ShouldWrap(_ *module.Module, depth int) bool {
	return depth <= p.MaxDepth
}

// KindPolicy wraps modules of the given kinds (e.g. "TransformerBlock").
type KindPolicy struct {
	kinds sets.Set[string]
}

// NewKindPolicy creates a KindPolicy.
func NewKindPolicy(kinds ...string) KindPolicy {
	return KindPolicy{kinds: sets.MakeWith(kinds...)}
}

// ShouldWrap implements WrapPolicy.
func (p KindPolicy) ShouldWrap(m *module.Module, _ int) bool {
	return p.kinds.Has(m.Kind())
}

// ModuleSetPolicy wraps exactly the given modules.
type ModuleSetPolicy struct {
	modules sets.Set[*module.Module]
}

// NewModuleSetPolicy creates a ModuleSetPolicy.
func NewModuleSetPolicy(modules ...*module.Module) ModuleSetPolicy {
	return ModuleSetPolicy{modules: sets.MakeWith(modules...)}
}

// ShouldWrap implements WrapPolicy.
func (p ModuleSetPolicy) ShouldWrap(m *module.Module, _ int) bool {
	return p.modules.Has(m)
}

// AnyPolicy wraps a module if any of its policies does.
type AnyPolicy []WrapPolicy

// ShouldWrap implements WrapPolicy.
func (policies AnyPolicy) ShouldWrap(m *module.Module, depth int) bool {
	for _, p := range policies {
		if p.ShouldWrap(m, depth) {
			return true
		}
	}
	return false
}

func (policies AnyPolicy) withIgnored(ignored sets.Set[*module.Module]) WrapPolicy {
	bound := make(AnyPolicy, len(policies))
	for i, p := range policies {
		bound[i] = bindIgnored(p, ignored)
	}
	return bound
}

// bindIgnored hands the set of ignored modules to the policies that depend on it.
func bindIgnored(policy WrapPolicy, ignored sets.Set[*module.Module]) WrapPolicy {
	if p, ok := policy.(interface {
		withIgnored(sets.Set[*module.Module]) WrapPolicy
	}); ok {
		return p.withIgnored(ignored)
	}
	return policy
}

// resolvePolicy normalizes the policies accepted by Builder.Policy. It returns nil for a nil policy.
func resolvePolicy(policy any) (WrapPolicy, error) {
	switch p := policy.(type) {
	case nil:
		return nil, nil
	case WrapPolicy:
		return p, nil
	case func(*module.Module, int) bool:
		return PolicyFunc(p), nil
	default:
		return nil, configErrorf("wrap policy must be a fsdp.WrapPolicy or a func(*module.Module, int) bool, got %T",
			policy)
	}
}
