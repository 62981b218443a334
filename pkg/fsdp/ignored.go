package fsdp

import (
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/sets"
)

// resolveIgnored returns the closure of the explicitly ignored modules over their descendants.
func resolveIgnored(root *module.Module, explicit []*module.Module) (sets.Set[*module.Module], error) {
	ignored := sets.Make[*module.Module]()
	for _, m := range explicit {
		switch {
		case m == nil:
			return nil, configErrorf("nil module in the ignored modules")
		case m == root:
			return nil, configErrorf("the root module %s can't be ignored", root)
		case !m.IsDescendantOf(root):
			return nil, configErrorf("ignored module %s is not part of the tree rooted at %s", m, root)
		}
		for node := range m.Modules() {
			ignored.Insert(node)
		}
	}
	return ignored, nil
}
