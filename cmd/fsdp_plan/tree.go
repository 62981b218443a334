package main

import (
	"fmt"
	"io"

	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// moduleSpec is the YAML description of a module tree.
//
// Example:
//
//	name: model
//	kind: Transformer
//	children:
//	  - name: embed
//	    kind: Embedding
//	    params: [{name: w, shape: [32000, 512]}]
//	  - name: block
//	    kind: TransformerBlock
//	    repeat: 12
//	    children:
//	      - {name: attn, kind: Attention, params: [{name: qkv, shape: [512, 1536]}]}
//	  - name: head
//	    kind: Linear
//	    params: [{name: w, tie: embed/w}]
type moduleSpec struct {
	Name     string       `yaml:"name"`
	Kind     string       `yaml:"kind"`
	Repeat   int          `yaml:"repeat"`
	Params   []paramSpec  `yaml:"params"`
	Buffers  []paramSpec  `yaml:"buffers"`
	Children []moduleSpec `yaml:"children"`
}

// paramSpec describes a parameter or a buffer. A parameter with Tie refers to a parameter declared
// earlier (in pre-order), by its path.
type paramSpec struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
	Tie   string `yaml:"tie"`
}

// loadTree parses the YAML description and builds the module tree. Parameters are not materialized.
func loadTree(r io.Reader) (*module.Module, error) {
	var spec moduleSpec
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "parsing module tree")
	}
	b := &treeBuilder{params: make(map[string]*module.Parameter)}
	root, err := b.build(spec, "")
	if err != nil {
		return nil, err
	}
	return root, nil
}

type treeBuilder struct {
	params map[string]*module.Parameter
}

func (b *treeBuilder) build(spec moduleSpec, path string) (*module.Module, error) {
	if spec.Kind == "" {
		return nil, errors.Errorf("module %q has no kind", path)
	}
	m := module.New(spec.Name, spec.Kind)
	for _, ps := range spec.Params {
		p, err := b.param(ps, path)
		if err != nil {
			return nil, err
		}
		m.AddParameter(p)
	}
	for _, bs := range spec.Buffers {
		size := 1
		for _, dim := range bs.Shape {
			size *= dim
		}
		m.AddBuffer(&module.Buffer{Name: bs.Name, Data: make([]float32, size)})
	}
	for _, childSpec := range spec.Children {
		if childSpec.Name == "" {
			return nil, errors.Errorf("child of module %q has no name", path)
		}
		copies := max(childSpec.Repeat, 1)
		for i := range copies {
			instance := childSpec
			if childSpec.Repeat > 0 {
				instance.Name = fmt.Sprintf("%s_%d", childSpec.Name, i)
			}
			if m.Child(instance.Name) != nil {
				return nil, errors.Errorf("module %q has more than one child named %q", path, instance.Name)
			}
			child, err := b.build(instance, joinPath(path, instance.Name))
			if err != nil {
				return nil, err
			}
			m.AddChild(child)
		}
	}
	return m, nil
}

func (b *treeBuilder) param(spec paramSpec, path string) (*module.Parameter, error) {
	paramPath := joinPath(path, spec.Name)
	if spec.Tie != "" {
		p, found := b.params[spec.Tie]
		if !found {
			return nil, errors.Errorf("parameter %q is tied to %q, which is not declared before it", paramPath,
				spec.Tie)
		}
		b.params[paramPath] = p
		return p, nil
	}
	if spec.Name == "" || len(spec.Shape) == 0 {
		return nil, errors.Errorf("parameter %q requires a name and a shape", paramPath)
	}
	for _, dim := range spec.Shape {
		if dim <= 0 {
			return nil, errors.Errorf("parameter %q has invalid shape %v", paramPath, spec.Shape)
		}
	}
	p := module.NewParameter(spec.Name, spec.Shape...)
	b.params[paramPath] = p
	return p, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + module.PathSeparator + name
}

// findModules returns the modules with the given paths.
func findModules(root *module.Module, paths []string) ([]*module.Module, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	byPath := make(map[string]*module.Module)
	for p, m := range root.NamedModules() {
		byPath[p] = m
	}
	var modules []*module.Module
	for _, p := range paths {
		m, found := byPath[p]
		if !found {
			return nil, errors.Errorf("no module with path %q", p)
		}
		modules = append(modules, m)
	}
	return modules, nil
}
