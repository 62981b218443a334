package fsdp

import (
	"context"
	"fmt"
	"slices"

	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/pkg/errors"
)

// HandleState is the lifecycle state of a ShardHandle:
//
//	Sharded -> Gathering -> Gathered -> Scattering -> Sharded
type HandleState int

//go:generate go tool enumer -type HandleState -output=gen_handlestate_enumer.go handle.go

const (
	// Sharded means only the local shard is held.
	Sharded HandleState = iota

	// Gathering means a gather was issued and is in flight.
	Gathering

	// Gathered means the full parameters are available.
	Gathered

	// Scattering means the full parameters were released and the local shard is being updated.
	Scattering
)

// ShardHandle owns the parameters of one sharding unit: it keeps their values flattened into one buffer,
// padded to a multiple of the shard group size, of which only the local shard is held while not in use.
//
// Handles are created by FullyShard and driven by the hooks it installs. Their methods are not safe for
// concurrent use.
type ShardHandle struct {
	index      int
	unit       *module.Module
	unitPath   string
	modules    []*module.Module
	params     []*module.Parameter
	paramPaths []string
	offsets    []int
	numel      int
	padded     int

	strategy      distributed.ShardingStrategy
	precision     MixedPrecision
	useOrigParams bool
	computeDevice distributed.DeviceNum
	shardDevice   distributed.DeviceNum
	comm          collective.Communicator
	replicateComm collective.Communicator

	state      HandleState
	shard      []float32
	full       []float32
	gradShard  []float32
	gather     *collective.Future[[]float32]
	scatter    *collective.Future[[]float32]
	gradReduce *collective.Future[[]float32]
}

// Index of the handle in the State, in pre-order of their unit roots.
func (h *ShardHandle) Index() int { return h.index }

// Unit returns the root module of the handle's unit.
func (h *ShardHandle) Unit() *module.Module { return h.unit }

// UnitPath returns the path of the unit root, relative to the sharded root.
func (h *ShardHandle) UnitPath() string { return h.unitPath }

// Modules returns the modules whose parameters belong to the handle, in pre-order.
func (h *ShardHandle) Modules() []*module.Module { return slices.Clone(h.modules) }

// Parameters returns the parameters owned by the handle, in the order they are flattened.
func (h *ShardHandle) Parameters() []*module.Parameter { return slices.Clone(h.params) }

// ParameterPaths returns the path of each parameter, relative to the sharded root.
func (h *ShardHandle) ParameterPaths() []string { return slices.Clone(h.paramPaths) }

// NumElements returns the number of parameter elements owned by the handle.
func (h *ShardHandle) NumElements() int { return h.numel }

// PaddedSize returns the size of the flat buffer, a multiple of the shard group size.
func (h *ShardHandle) PaddedSize() int { return h.padded }

// ShardSize returns the number of elements of the local shard.
func (h *ShardHandle) ShardSize() int { return h.padded / h.numShards() }

// State returns the current state of the handle. A finished scatter is only observed by the hooks, so
// a handle may report Scattering after its local shard was already updated.
func (h *ShardHandle) State() HandleState { return h.state }

// ComputeDevice is where the gathered parameters are used.
func (h *ShardHandle) ComputeDevice() distributed.DeviceNum { return h.computeDevice }

// ShardDevice is where the local shard lives while not in use.
func (h *ShardHandle) ShardDevice() distributed.DeviceNum { return h.shardDevice }

// Shard returns a copy of the local shard. If the handle is being scattered, it waits for it first.
func (h *ShardHandle) Shard() []float32 {
	if h.scatter != nil {
		<-h.scatter.Done()
	}
	return slices.Clone(h.shard)
}

// GradShard returns a copy of the local shard of the reduced gradients, or nil if no backward pass
// was run since the gradients were last zeroed.
func (h *ShardHandle) GradShard() []float32 { return slices.Clone(h.gradShard) }

// String implements fmt.Stringer.
func (h *ShardHandle) String() string {
	return fmt.Sprintf("ShardHandle#%d(%q, %d params, %s)", h.index, h.unitPath, len(h.params), h.state)
}

// numShards is the number of pieces the flat buffer is split into.
func (h *ShardHandle) numShards() int {
	if !h.strategy.IsSharded() {
		return 1
	}
	return h.comm.Group().Size()
}

// shardOffset is where the local shard starts in the flat buffer.
func (h *ShardHandle) shardOffset() int {
	if !h.strategy.IsSharded() {
		return 0
	}
	return h.comm.Group().GroupRank() * h.ShardSize()
}

// layout computes the offsets of the parameters and the padded size.
func (h *ShardHandle) layout() {
	h.offsets = make([]int, len(h.params))
	h.numel = 0
	for i, p := range h.params {
		h.offsets[i] = h.numel
		h.numel += p.Size()
	}
	numShards := h.numShards()
	h.padded = (h.numel + numShards - 1) / numShards * numShards
}

// flatten returns the parameter values concatenated into a padded buffer.
func (h *ShardHandle) flatten() []float32 {
	flat := make([]float32, h.padded)
	for i, p := range h.params {
		copy(flat[h.offsets[i]:], p.Data)
	}
	return flat
}

// setShard keeps the local piece of flat and detaches the parameters from their values.
func (h *ShardHandle) setShard(flat []float32) {
	offset := h.shardOffset()
	h.shard = slices.Clone(flat[offset : offset+h.ShardSize()])
	for _, p := range h.params {
		p.Data = nil
		p.Device = h.computeDevice
	}
	h.state = Sharded
}

func (h *ShardHandle) transitionError(op string) error {
	return errors.Errorf("%s: can't %s in state %s", h, op, h.state)
}

// startGather issues the gather of the full parameters. The handle must be Sharded.
func (h *ShardHandle) startGather(ctx context.Context) error {
	if h.state != Sharded {
		return h.transitionError("start gather")
	}
	if h.strategy.IsSharded() {
		h.gather = h.comm.AllGather(ctx, h.shard)
	} else {
		h.gather = collective.Resolved(slices.Clone(h.shard), nil)
	}
	h.state = Gathering
	return nil
}

// finishGather waits for the gather and exposes the values in the parameters.
// On failure the handle goes back to Sharded.
func (h *ShardHandle) finishGather(ctx context.Context) error {
	if h.state != Gathering {
		return h.transitionError("finish gather")
	}
	full, err := h.gather.Await(ctx)
	h.gather = nil
	if err != nil {
		h.state = Sharded
		return errors.WithMessagef(err, "gathering %s", h)
	}
	h.full = roundTo(h.precision.ParamDType, full)
	for i, p := range h.params {
		values := h.full[h.offsets[i] : h.offsets[i]+p.Size() : h.offsets[i]+p.Size()]
		if !h.useOrigParams {
			values = slices.Clone(values)
		}
		p.Data = values
	}
	h.state = Gathered
	return nil
}

// reshard releases the full parameters. When the parameters are views of the full buffer, the local
// shard is updated from it asynchronously, so changes made while gathered are kept.
func (h *ShardHandle) reshard() error {
	if h.state != Gathered {
		return h.transitionError("reshard")
	}
	full := h.full
	h.full = nil
	for _, p := range h.params {
		p.Data = nil
	}
	h.scatter = collective.NewFuture[[]float32]()
	h.state = Scattering
	writeBack := h.useOrigParams && h.precision.ParamDType == Float32
	shard, offset, scatter := h.shard, h.shardOffset(), h.scatter
	go func() {
		if writeBack {
			copy(shard, full[offset:offset+len(shard)])
		}
		scatter.Resolve(nil, nil)
	}()
	return nil
}

// waitScatter waits for a pending scatter, if any.
func (h *ShardHandle) waitScatter(ctx context.Context) error {
	if h.state != Scattering {
		return nil
	}
	if _, err := h.scatter.Await(ctx); err != nil {
		return errors.WithMessagef(err, "resharding %s", h)
	}
	h.scatter = nil
	h.state = Sharded
	return nil
}

// startGradReduce flattens the gradients of the parameters and issues their reduction.
// The handle must be Gathered. The gradients are moved out of the parameters.
func (h *ShardHandle) startGradReduce(ctx context.Context) error {
	if h.state != Gathered {
		return h.transitionError("reduce gradients")
	}
	if h.gradReduce != nil {
		return errors.Errorf("%s: gradients reduced twice in the same backward pass", h)
	}
	grads := make([]float32, h.padded)
	for i, p := range h.params {
		if p.Grad == nil {
			continue
		}
		if len(p.Grad) != p.Size() {
			return errors.Errorf("%s: gradient of %q has %d values, expected %d",
				h, h.paramPaths[i], len(p.Grad), p.Size())
		}
		copy(grads[h.offsets[i]:], p.Grad)
		p.Grad = nil
	}
	grads = roundTo(h.precision.ReduceDType, grads)
	if h.strategy.IsSharded() {
		h.gradReduce = h.comm.ReduceScatter(ctx, grads)
	} else {
		h.gradReduce = h.comm.AllReduce(ctx, grads)
	}
	return nil
}

// discardGradReduce waits for a pending gradient reduction, if any, and drops its result.
func (h *ShardHandle) discardGradReduce(ctx context.Context) error {
	if h.gradReduce == nil {
		return nil
	}
	_, err := h.gradReduce.Await(ctx)
	h.gradReduce = nil
	return errors.WithMessagef(err, "discarding gradient reduction of %s", h)
}

// finishGradReduce waits for the gradient reduction, reduces across the replicate group if any, and
// accumulates the average into the sharded gradient.
func (h *ShardHandle) finishGradReduce(ctx context.Context) error {
	if h.gradReduce == nil {
		return nil
	}
	grads, err := h.gradReduce.Await(ctx)
	h.gradReduce = nil
	if err != nil {
		return errors.WithMessagef(err, "reducing gradients of %s", h)
	}
	numReplicas := h.comm.Group().Size()
	if h.replicateComm != nil {
		grads, err = h.replicateComm.AllReduce(ctx, grads).Await(ctx)
		if err != nil {
			return errors.WithMessagef(err, "reducing gradients of %s across replicas", h)
		}
		numReplicas *= h.replicateComm.Group().Size()
	}
	scale := 1 / float32(numReplicas)
	if h.gradShard == nil {
		h.gradShard = make([]float32, len(grads))
	}
	for i, g := range grads {
		h.gradShard[i] += g * scale
	}
	return nil
}
