package main

import (
	"bytes"
	"context"

	"github.com/gomlx/fsdp/pkg/core/collective/loopback"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/fsdp"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// planOptions are the options of a simulated sharding.
type planOptions struct {
	Strategy        distributed.ShardingStrategy
	Policy          fsdp.WrapPolicy
	Ignore          []string // Paths of the modules to ignore.
	WorldSize       int
	LocalSize       int
	Rank            int // Rank whose plan is reported.
	ForwardPrefetch bool
	Steps           int // Forward and backward passes to simulate.
}

// plan is the result of a simulated sharding, as seen by one rank.
type plan struct {
	Root  *module.Module
	State *fsdp.State
}

// simulate loads one copy of the tree per rank, shards each of them over an in-process world, and runs
// Steps forward and backward passes. It returns the plan of the requested rank, whose State is already
// closed.
func simulate(ctx context.Context, treeYAML []byte, opts planOptions) (*plan, error) {
	if opts.Rank < 0 || opts.Rank >= opts.WorldSize {
		return nil, errors.Errorf("rank %d out of range for a world of size %d", opts.Rank, opts.WorldSize)
	}
	lbWorld := loopback.NewWorld(opts.WorldSize)
	plans := make([]*plan, opts.WorldSize)
	g, gCtx := errgroup.WithContext(ctx)
	for rank := range opts.WorldSize {
		g.Go(func() error {
			p, err := simulateRank(gCtx, lbWorld, treeYAML, opts, rank)
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			plans[rank] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans[opts.Rank], nil
}

func simulateRank(ctx context.Context, lbWorld *loopback.World, treeYAML []byte, opts planOptions, rank int) (
	*plan, error) {
	root, err := loadTree(bytes.NewReader(treeYAML))
	if err != nil {
		return nil, err
	}
	ignored, err := findModules(root, opts.Ignore)
	if err != nil {
		return nil, err
	}
	nodeSize := opts.LocalSize
	if nodeSize == 0 {
		nodeSize = opts.WorldSize
	}
	world := distributed.World{Size: opts.WorldSize, Rank: rank, LocalSize: opts.LocalSize, LocalRank: rank % nodeSize}
	builder := fsdp.FullyShard(root).
		World(world).
		Communicator(lbWorld.Factory()).
		Strategy(opts.Strategy).
		IgnoredModules(ignored...).
		ForwardPrefetch(opts.ForwardPrefetch).
		SyncModuleStates().
		ParamInitFn(zeroInit)
	if opts.Policy != nil {
		builder.Policy(opts.Policy)
	}
	state, err := builder.Done(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := state.Close(); err != nil {
			klog.Warningf("rank %d: %+v", rank, err)
		}
	}()
	for step := range opts.Steps {
		if _, err := root.Call(ctx, nil); err != nil {
			return nil, errors.WithMessagef(err, "forward of step %d", step)
		}
		if err := state.Backward(ctx, zeroGrad); err != nil {
			return nil, errors.WithMessagef(err, "backward of step %d", step)
		}
	}
	return &plan{Root: root, State: state}, nil
}

// zeroInit materializes the parameters of a module with zeros.
func zeroInit(m *module.Module) error {
	for _, p := range m.Parameters() {
		if !p.IsMaterialized() {
			p.Data = make([]float32, p.Size())
		}
	}
	return nil
}

// zeroGrad sets zero gradients for the parameters of a module.
func zeroGrad(_ context.Context, m *module.Module) error {
	for _, p := range m.Parameters() {
		p.Grad = make([]float32, p.Size())
	}
	return nil
}
