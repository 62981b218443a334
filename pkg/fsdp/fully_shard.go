// Package fsdp shards the parameters of a module tree across the ranks of a process group, in the style
// of fully sharded data parallelism.
//
// FullyShard partitions the parameters into units (one ShardHandle per unit, chosen by a WrapPolicy),
// keeps only the local shard of each handle, and installs forward hooks that gather the parameters
// right before a unit is executed and reshard them after it. State.Backward runs the matching backward
// pass, reducing the gradients across the ranks.
//
// Example:
//
//	state, err := fsdp.FullyShard(model).
//		Policy(fsdp.NewKindPolicy("TransformerBlock")).
//		Communicator(factory).
//		Done(ctx)
//	if err != nil { ... }
//	output, err := model.Call(ctx, input)
//	err = state.Backward(ctx, gradFn)
package fsdp

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"k8s.io/klog/v2"
)

// TracerName is the name of the OpenTelemetry tracer used for the spans of the hooks.
const TracerName = "github.com/gomlx/fsdp/pkg/fsdp"

// Done resolves the configuration, partitions the parameters into handles and installs the hooks.
//
// Errors are wrapping ErrConfiguration, ErrGroupResolution, ErrPartition or ErrAlreadySharded. If it
// fails, no State and no hook is attached to the module tree. The tree itself is returned structurally
// unchanged: the parameters of the sharded modules only hold values while gathered.
func (b *Builder) Done(ctx context.Context) (*State, error) {
	cfg, err := b.resolveConfig()
	if err != nil {
		return nil, err
	}
	root := b.root
	ignored, err := resolveIgnored(root, cfg.IgnoredModules)
	if err != nil {
		return nil, err
	}
	s := &State{
		id:       uuid.New(),
		root:     root,
		config:   cfg,
		ignored:  ignored,
		paths:    make(map[*module.Module]string),
		byModule: make(map[*module.Module][]*ShardHandle),
		runtime:  newRuntime(cfg),
	}
	for path, m := range root.NamedModules() {
		if ignored.Has(m) {
			continue
		}
		s.modules = append(s.modules, m)
		s.paths[m] = path
		for _, buf := range m.Buffers() {
			s.bufferNames = append(s.bufferNames, joinPath(path, buf.Name))
		}
	}
	if err = checkNotSharded(s.modules); err != nil {
		return nil, err
	}

	s.groups, err = resolveProcessGroups(cfg)
	if err != nil {
		return nil, err
	}
	units, err := planUnits(root, ignored, cfg.Policy)
	if err != nil {
		return nil, err
	}
	if err = materialize(units, cfg.ParamInitFn); err != nil {
		return nil, err
	}
	s.comms, err = newCommunicators(cfg, s.groups)
	if err != nil {
		return nil, err
	}
	var flats [][]float32
	s.handles, flats, err = buildHandles(ctx, units, cfg, s.comms)
	if err != nil {
		if closeErr := s.comms.Close(); closeErr != nil {
			klog.Warningf("fsdp: closing communicators after failure: %+v", closeErr)
		}
		return nil, err
	}
	for _, h := range s.handles {
		s.byModule[h.unit] = append(s.byModule[h.unit], h)
	}

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(TracerName)
	if err = s.installHooks(); err != nil {
		s.uninstallHooks()
		if closeErr := s.comms.Close(); closeErr != nil {
			klog.Warningf("fsdp: closing communicators after failure: %+v", closeErr)
		}
		return nil, err
	}
	// Parameters are only detached once nothing can fail anymore.
	for i, h := range s.handles {
		h.setShard(flats[i])
		klog.V(2).Infof("fsdp: %s: %d elements, shard of %d on %s", h, h.numel, h.ShardSize(), h.shardDevice)
	}
	for _, m := range s.modules {
		for _, buf := range m.Buffers() {
			buf.Data = roundTo(cfg.MixedPrecision.BufferDType, buf.Data)
		}
	}
	if klog.V(1).Enabled() {
		numel := 0
		for _, h := range s.handles {
			numel += h.numel
		}
		klog.Infof("fsdp: sharded %s with %s over %s: %d modules (%d ignored), %d handles, %s parameters (%s)",
			root, cfg.Strategy, s.groups.shard, len(s.modules), len(ignored), len(s.handles),
			humanize.Comma(int64(numel)), humanize.Bytes(uint64(numel)*4))
	}
	return s, nil
}

// MustDone calls Done and panics on error.
func (b *Builder) MustDone(ctx context.Context) *State {
	s, err := b.Done(ctx)
	if err != nil {
		panic(err)
	}
	return s
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + module.PathSeparator + name
}
