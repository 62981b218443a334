package fsdp

import (
	"github.com/x448/float16"
)

// DType is the floating point precision used to communicate or compute values.
// Values are always stored as float32: a lower precision only rounds them.
type DType int

//go:generate go tool enumer -type DType -output=gen_dtype_enumer.go precision.go

const (
	// Float32 is the full precision. It's the zero value, meaning "no mixed precision".
	Float32 DType = iota

	// Float16 rounds values to IEEE 754 half precision.
	Float16
)

// MixedPrecision configures the precision of gathered parameters, of the gradient reduction and of
// buffers. The zero value uses full precision everywhere.
type MixedPrecision struct {
	// ParamDType is the precision of the gathered parameters used for computation. The sharded copy
	// is always kept in full precision.
	ParamDType DType

	// ReduceDType is the precision in which gradients are communicated.
	ReduceDType DType

	// BufferDType is the precision in which buffers are kept.
	BufferDType DType
}

// IsEnabled returns whether any precision was lowered.
func (mp MixedPrecision) IsEnabled() bool {
	return mp.ParamDType != Float32 || mp.ReduceDType != Float32 || mp.BufferDType != Float32
}

// CPUOffload configures where the parameter shards live while not in use.
type CPUOffload struct {
	// Params keeps the local shards (and sharded gradients) on the CPU, and moves them to the compute
	// device only to gather them.
	Params bool
}

// roundTo returns values rounded to the given precision. It returns values itself for Float32.
func roundTo(dtype DType, values []float32) []float32 {
	if dtype != Float16 || values == nil {
		return values
	}
	rounded := make([]float32, len(values))
	for i, v := range values {
		rounded[i] = float16.Fromfloat32(v).Float32()
	}
	return rounded
}
