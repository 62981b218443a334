package fsdp

import (
	"slices"

	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"go.opentelemetry.io/otel/trace"
)

// BackwardPrefetch selects when the gather of the next handle is issued during the backward pass.
type BackwardPrefetch int

//go:generate go tool enumer -type BackwardPrefetch -output=gen_backwardprefetch_enumer.go config.go

const (
	// BackwardPre issues the next gather before the gradients of the current handle are computed.
	// It overlaps communication the most, at the cost of memory. It's the default.
	BackwardPre BackwardPrefetch = iota

	// BackwardPost issues the next gather after the gradients of the current handle were computed.
	BackwardPost

	// NoBackwardPrefetch disables prefetching in the backward pass.
	NoBackwardPrefetch
)

// Default values of the options.
const (
	DefaultBackwardPrefetchLimit = 1
	DefaultForwardPrefetchLimit  = 1
	DefaultMaxInflightAllGathers = 2
)

// ParamInitFn materializes the parameters of a module, whose parameters were created without values.
type ParamInitFn func(m *module.Module) error

// StateDictHooks are the bodies of the state-dict hooks attached to every sharded module.
// Any of them can be nil.
type StateDictHooks struct {
	Save     module.StateDictHook
	LoadPre  module.LoadStateDictPreHook
	LoadPost module.LoadStateDictPostHook
}

// Config is the resolved, read-only configuration of a sharded module tree.
type Config struct {
	Strategy         distributed.ShardingStrategy
	MixedPrecision   MixedPrecision
	CPUOffload       CPUOffload
	Policy           WrapPolicy // nil means only the root is a unit.
	IgnoredModules   []*module.Module
	DeviceID         distributed.DeviceNum
	ParamInitFn      ParamInitFn
	SyncModuleStates bool

	BackwardPrefetch      BackwardPrefetch
	ForwardPrefetch       bool
	BackwardPrefetchLimit int
	ForwardPrefetchLimit  int
	LimitAllGathers       bool
	MaxInflightAllGathers int
	UseOrigParams         bool

	World          distributed.World
	ProcessGroup   *distributed.ProcessGroup // Explicit shard group, or nil.
	ReplicateGroup *distributed.ProcessGroup // Explicit replicate group for hybrid strategies, or nil.
	Communicator   collective.Factory
	StateDictHooks *StateDictHooks
	TracerProvider trace.TracerProvider
}

// Builder configures how a module tree is sharded. Create it with FullyShard, set the options and
// call Done.
type Builder struct {
	root   *module.Module
	config Config

	worldSet, deviceSet bool
	err                 error
}

// FullyShard starts the configuration of the sharding of the module tree under root.
// Call Done to resolve the configuration, partition the parameters and install the hooks.
//
// Example:
//
//	state, err := fsdp.FullyShard(model).
//		Policy(fsdp.ModuleSizePolicy{MinNumParams: 1_000_000}).
//		Strategy(distributed.HybridShard).
//		Done(ctx)
func FullyShard(root *module.Module) *Builder {
	return &Builder{
		root: root,
		config: Config{
			Strategy:              distributed.FullShard,
			BackwardPrefetch:      BackwardPre,
			BackwardPrefetchLimit: DefaultBackwardPrefetchLimit,
			ForwardPrefetchLimit:  DefaultForwardPrefetchLimit,
			LimitAllGathers:       true,
			MaxInflightAllGathers: DefaultMaxInflightAllGathers,
			UseOrigParams:         true,
		},
	}
}

func (b *Builder) setError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// ProcessGroup sets the group over which parameters are sharded. By default, it's the whole World
// (or, for hybrid strategies, the ranks of the node).
func (b *Builder) ProcessGroup(pg *distributed.ProcessGroup) *Builder {
	b.config.ProcessGroup = pg
	return b
}

// HybridProcessGroups sets both the shard group and the replicate group for hybrid strategies.
func (b *Builder) HybridProcessGroups(shard, replicate *distributed.ProcessGroup) *Builder {
	b.config.ProcessGroup = shard
	b.config.ReplicateGroup = replicate
	return b
}

// World sets the World of the job. By default, it's read from the environment with distributed.WorldFromEnv.
func (b *Builder) World(w distributed.World) *Builder {
	b.config.World = w
	b.worldSet = true
	return b
}

// Communicator sets the factory of communicators for the resolved process groups.
// The default only supports groups with a single member.
func (b *Builder) Communicator(factory collective.Factory) *Builder {
	b.config.Communicator = factory
	return b
}

// Policy sets the wrap policy that decides which modules become roots of their own sharding unit.
// It accepts a WrapPolicy or a func(*module.Module, int) bool. Anything else is a configuration error.
//
// Without a policy only the root is a unit: all parameters go to a single handle.
func (b *Builder) Policy(policy any) *Builder {
	wrapPolicy, err := resolvePolicy(policy)
	if err != nil {
		b.setError(err)
		return b
	}
	b.config.Policy = wrapPolicy
	return b
}

// Strategy sets the sharding strategy. Default is distributed.FullShard.
func (b *Builder) Strategy(strategy distributed.ShardingStrategy) *Builder {
	b.config.Strategy = strategy
	return b
}

// MixedPrecision sets the precision of gathered parameters, reduced gradients and buffers.
func (b *Builder) MixedPrecision(mp MixedPrecision) *Builder {
	b.config.MixedPrecision = mp
	return b
}

// CPUOffload sets where parameter shards live while not in use.
func (b *Builder) CPUOffload(offload CPUOffload) *Builder {
	b.config.CPUOffload = offload
	return b
}

// IgnoredModules excludes the given modules, and all their descendants, from sharding: they get no
// handle and no hook.
func (b *Builder) IgnoredModules(modules ...*module.Module) *Builder {
	b.config.IgnoredModules = append(b.config.IgnoredModules, modules...)
	return b
}

// DeviceID sets the compute device. Default is the local rank of the World.
func (b *Builder) DeviceID(device distributed.DeviceNum) *Builder {
	b.config.DeviceID = device
	b.deviceSet = true
	return b
}

// ParamInitFn sets the function called for modules with parameters that are not materialized.
func (b *Builder) ParamInitFn(fn ParamInitFn) *Builder {
	b.config.ParamInitFn = fn
	return b
}

// SyncModuleStates broadcasts the parameters of the group's first rank to all others before sharding.
func (b *Builder) SyncModuleStates() *Builder {
	b.config.SyncModuleStates = true
	return b
}

// BackwardPrefetch sets the backward prefetch policy. Default is BackwardPre.
func (b *Builder) BackwardPrefetch(policy BackwardPrefetch) *Builder {
	b.config.BackwardPrefetch = policy
	return b
}

// ForwardPrefetch enables prefetching the next handles during the forward pass, following the order of
// the previous pass. Default is false.
func (b *Builder) ForwardPrefetch(enabled bool) *Builder {
	b.config.ForwardPrefetch = enabled
	return b
}

// BackwardPrefetchLimit sets how many handles ahead are prefetched during the backward pass. Default is 1.
func (b *Builder) BackwardPrefetchLimit(limit int) *Builder {
	b.config.BackwardPrefetchLimit = limit
	return b
}

// ForwardPrefetchLimit sets how many handles ahead are prefetched during the forward pass, if enabled.
// Default is 1.
func (b *Builder) ForwardPrefetchLimit(limit int) *Builder {
	b.config.ForwardPrefetchLimit = limit
	return b
}

// LimitAllGathers caps the number of gathers in flight. Default is true.
func (b *Builder) LimitAllGathers(enabled bool) *Builder {
	b.config.LimitAllGathers = enabled
	return b
}

// MaxInflightAllGathers sets the cap used when LimitAllGathers is enabled. Default is 2.
func (b *Builder) MaxInflightAllGathers(n int) *Builder {
	b.config.MaxInflightAllGathers = n
	return b
}

// UseOrigParams makes the module's own parameters point to the gathered values while in use.
// Default is true.
func (b *Builder) UseOrigParams(enabled bool) *Builder {
	b.config.UseOrigParams = enabled
	return b
}

// StateDictHooks sets the state-dict hooks attached to every sharded module.
func (b *Builder) StateDictHooks(hooks StateDictHooks) *Builder {
	b.config.StateDictHooks = &hooks
	return b
}

// TracerProvider sets the OpenTelemetry provider used for the hooks' spans.
// Default is the global provider.
func (b *Builder) TracerProvider(tp trace.TracerProvider) *Builder {
	b.config.TracerProvider = tp
	return b
}

// resolveConfig validates the options and fills in the defaults. It doesn't traverse the module tree.
func (b *Builder) resolveConfig() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	if b.root == nil {
		return Config{}, configErrorf("FullyShard(nil): a root module is required")
	}
	cfg := b.config
	cfg.IgnoredModules = slices.Clone(cfg.IgnoredModules)

	if !cfg.Strategy.IsAShardingStrategy() {
		return Config{}, configErrorf("invalid sharding strategy %s", cfg.Strategy)
	}
	if !cfg.BackwardPrefetch.IsABackwardPrefetch() {
		return Config{}, configErrorf("invalid backward prefetch %s", cfg.BackwardPrefetch)
	}
	for _, dtype := range []DType{cfg.MixedPrecision.ParamDType, cfg.MixedPrecision.ReduceDType,
		cfg.MixedPrecision.BufferDType} {
		if !dtype.IsADType() {
			return Config{}, configErrorf("invalid mixed precision dtype %s", dtype)
		}
	}
	if cfg.BackwardPrefetchLimit < 0 || cfg.ForwardPrefetchLimit < 0 {
		return Config{}, configErrorf("prefetch limits must be non-negative, got backward=%d, forward=%d",
			cfg.BackwardPrefetchLimit, cfg.ForwardPrefetchLimit)
	}
	if cfg.LimitAllGathers && cfg.MaxInflightAllGathers < 1 {
		return Config{}, configErrorf("MaxInflightAllGathers must be at least 1, got %d", cfg.MaxInflightAllGathers)
	}
	if cfg.Strategy.IsHybrid() && cfg.Policy == nil {
		return Config{}, configErrorf("strategy %s requires a wrap policy", cfg.Strategy)
	}
	if cfg.ReplicateGroup != nil && !cfg.Strategy.IsHybrid() {
		return Config{}, configErrorf("a replicate group was given, but strategy %s is not hybrid", cfg.Strategy)
	}

	var err error
	if !b.worldSet {
		cfg.World, err = distributed.WorldFromEnv()
		if err != nil {
			return Config{}, configErrorf("%v", err)
		}
	} else if err = cfg.World.Validate(); err != nil {
		return Config{}, configErrorf("%v", err)
	}
	if !b.deviceSet {
		cfg.DeviceID = distributed.DeviceNum(cfg.World.LocalRank)
	} else if cfg.DeviceID < 0 {
		return Config{}, configErrorf("invalid device id %s", cfg.DeviceID)
	}
	return cfg, nil
}

// ForwardPrefetchDepth is the effective number of handles prefetched ahead during the forward pass.
func (c Config) ForwardPrefetchDepth() int {
	if !c.ForwardPrefetch {
		return 0
	}
	return c.ForwardPrefetchLimit
}

// BackwardPrefetchDepth is the effective number of handles prefetched ahead during the backward pass.
func (c Config) BackwardPrefetchDepth() int {
	if c.BackwardPrefetch == NoBackwardPrefetch {
		return 0
	}
	return c.BackwardPrefetchLimit
}
