package module

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fsdp/pkg/core/distributed"
)

// Parameter is a trainable tensor of a Module, stored flat as float32 values.
//
// A Parameter may be referenced by more than one Module (weight tying): it's the same *Parameter.
type Parameter struct {
	// Name of the parameter within the module that declares it.
	Name string

	// Shape of the parameter. An empty shape is a scalar.
	Shape []int

	// Device where the parameter is expected to be used.
	Device distributed.DeviceNum

	// Data holds the values, len(Data) == Size(). It's nil if the parameter is not materialized: either it
	// was created without values (see NewParameter) or its storage is currently owned by someone else
	// (a sharded parameter, for instance).
	Data []float32

	// Grad holds the gradient of the parameter, if one was computed.
	Grad []float32
}

// NewParameter creates a parameter with the given shape, not materialized: its values are supposed to be
// set later by an initializer.
func NewParameter(name string, shape ...int) *Parameter {
	for _, dim := range shape {
		if dim <= 0 {
			exceptions.Panicf("module.NewParameter(%q, %v): dimensions must be positive", name, shape)
		}
	}
	return &Parameter{Name: name, Shape: slices.Clone(shape)}
}

// NewParameterWithData creates a materialized parameter. The number of values must match the shape.
func NewParameterWithData(name string, data []float32, shape ...int) *Parameter {
	p := NewParameter(name, shape...)
	if len(data) != p.Size() {
		exceptions.Panicf("module.NewParameterWithData(%q): shape %v requires %d values, got %d",
			name, shape, p.Size(), len(data))
	}
	p.Data = data
	return p
}

// Size returns the number of elements of the parameter.
func (p *Parameter) Size() int {
	size := 1
	for _, dim := range p.Shape {
		size *= dim
	}
	return size
}

// IsMaterialized returns whether the parameter holds its values.
func (p *Parameter) IsMaterialized() bool {
	return p.Data != nil
}

// String implements fmt.Stringer.
func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%q, shape=%v, %s)", p.Name, p.Shape, p.Device)
}

// Buffer is non-trainable state of a module (running statistics, for instance).
type Buffer struct {
	Name string
	Data []float32
}
