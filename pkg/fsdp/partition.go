package fsdp

import (
	"context"

	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// unitPlan is a sharding unit before its handle is built.
type unitPlan struct {
	root       *module.Module
	path       string
	modules    []*module.Module
	params     []*module.Parameter
	paramPaths []string
}

// planUnits traverses the non-ignored modules in pre-order and assigns each parameter to the unit of its
// nearest enclosing unit root. The root is always a unit root; the policy decides for the other modules.
//
// Units without parameters are kept in the plan: their modules still get hooks, but no handle is built.
func planUnits(root *module.Module, ignored sets.Set[*module.Module], policy WrapPolicy) ([]*unitPlan, error) {
	ignoredParams := sets.Make[*module.Parameter]()
	for m := range ignored {
		ignoredParams.Insert(m.Parameters()...)
	}
	if policy != nil {
		policy = bindIgnored(policy, ignored)
	}

	var units []*unitPlan
	owners := make(map[*module.Parameter]*unitPlan)
	unitOf := make(map[*module.Module]*unitPlan)
	err := root.Walk(func(path string, depth int, m *module.Module) error {
		if ignored.Has(m) {
			return nil
		}
		var unit *unitPlan
		isUnitRoot := m == root
		if !isUnitRoot && policy != nil {
			var err error
			isUnitRoot, err = shouldWrap(policy, m, depth)
			if err != nil {
				return partitionErrorf("wrap policy failed for module %q: %v", path, err)
			}
		}
		if isUnitRoot {
			unit = &unitPlan{root: m, path: path}
			units = append(units, unit)
		} else {
			unit = unitOf[m.Parent()]
		}
		unitOf[m] = unit
		unit.modules = append(unit.modules, m)

		for _, p := range m.Parameters() {
			paramPath := joinPath(path, p.Name)
			if ignoredParams.Has(p) {
				return partitionErrorf("parameter %q is shared with an ignored module", paramPath)
			}
			if owner, found := owners[p]; found {
				if owner != unit {
					return partitionErrorf("parameter %q is shared by the units rooted at %q and %q",
						paramPath, owner.path, unit.path)
				}
				continue
			}
			owners[p] = unit
			unit.params = append(unit.params, p)
			unit.paramPaths = append(unit.paramPaths, paramPath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// shouldWrap calls the policy, converting a panic into an error.
func shouldWrap(policy WrapPolicy, m *module.Module, depth int) (wrap bool, err error) {
	err = callUser(func() error {
		wrap = policy.ShouldWrap(m, depth)
		return nil
	})
	return
}

// materialize calls the ParamInitFn for modules with parameters not materialized, and checks that all
// parameters to be sharded have values.
func materialize(units []*unitPlan, initFn ParamInitFn) error {
	for _, unit := range units {
		for _, m := range unit.modules {
			needsInit := false
			for _, p := range m.Parameters() {
				if !p.IsMaterialized() {
					needsInit = true
					break
				}
			}
			if !needsInit || initFn == nil {
				continue
			}
			if err := callUser(func() error { return initFn(m) }); err != nil {
				return configErrorf("ParamInitFn failed for %s: %v", m, err)
			}
		}
		for i, p := range unit.params {
			if !p.IsMaterialized() {
				return configErrorf("parameter %q is not materialized", unit.paramPaths[i])
			}
			if len(p.Data) != p.Size() {
				return configErrorf("parameter %q has shape %v but %d values", unit.paramPaths[i], p.Shape,
					len(p.Data))
			}
		}
	}
	return nil
}

// buildHandles creates one handle per unit with parameters, optionally synchronizing their values from
// the first rank of the groups, and keeps only the local shards.
func buildHandles(ctx context.Context, units []*unitPlan, cfg Config, comms communicators) (
	handles []*ShardHandle, flats [][]float32, err error) {
	shardDevice := cfg.DeviceID
	if cfg.CPUOffload.Params {
		shardDevice = distributed.CPU
	}
	for _, unit := range units {
		if len(unit.params) == 0 {
			continue
		}
		h := &ShardHandle{
			index:         len(handles),
			unit:          unit.root,
			unitPath:      unit.path,
			modules:       unit.modules,
			params:        unit.params,
			paramPaths:    unit.paramPaths,
			strategy:      cfg.Strategy,
			precision:     cfg.MixedPrecision,
			useOrigParams: cfg.UseOrigParams,
			computeDevice: cfg.DeviceID,
			shardDevice:   shardDevice,
			comm:          comms.shard,
			replicateComm: comms.replicate,
		}
		h.layout()
		handles = append(handles, h)
	}

	flats = make([][]float32, len(handles))
	for i, h := range handles {
		flats[i] = h.flatten()
	}
	if cfg.SyncModuleStates {
		for _, comm := range []collective.Communicator{comms.shard, comms.replicate} {
			if comm == nil {
				continue
			}
			if err := broadcastAll(ctx, comm, flats); err != nil {
				return nil, nil, err
			}
		}
	}
	return handles, flats, nil
}

// broadcastAll replaces each buffer by the one of the group's first member.
// Broadcasts are issued in order, and awaited concurrently.
func broadcastAll(ctx context.Context, comm collective.Communicator, buffers [][]float32) error {
	futures := make([]*collective.Future[[]float32], len(buffers))
	for i, buf := range buffers {
		futures[i] = comm.Broadcast(ctx, buf, 0)
	}
	g, gCtx := errgroup.WithContext(ctx)
	for i, future := range futures {
		g.Go(func() error {
			value, err := future.Await(gCtx)
			if err != nil {
				return err
			}
			buffers[i] = value
			return nil
		})
	}
	return errors.WithMessagef(g.Wait(), "synchronizing module states over %s", comm.Group())
}
