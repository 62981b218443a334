package fsdp

import (
	"slices"

	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

// StateExtensionKey is the module extension slot where the State of a sharded module is stored.
const StateExtensionKey = "fsdp.State"

// State is the orchestration state of a sharded module tree. It's created by FullyShard and attached to
// the root and every sharded module, see StateOf.
//
// Its methods must be called from the goroutine driving the forward and backward passes.
type State struct {
	id       uuid.UUID
	root     *module.Module
	config   Config
	groups   processGroups
	comms    communicators
	ignored  sets.Set[*module.Module]
	modules  []*module.Module // Sharded modules, pre-order.
	paths    map[*module.Module]string
	handles  []*ShardHandle
	byModule map[*module.Module][]*ShardHandle

	bufferNames   []string
	registrations []HookRegistration
	installed     []installedHook

	tracer  trace.Tracer
	runtime *runtime
}

// StateOf returns the State attached to a module by FullyShard.
func StateOf(m *module.Module) (*State, bool) {
	value, found := m.Extension(StateExtensionKey)
	if !found {
		return nil, false
	}
	s, ok := value.(*State)
	return s, ok
}

// ID uniquely identifies the State.
func (s *State) ID() uuid.UUID { return s.id }

// Root returns the module FullyShard was applied to.
func (s *State) Root() *module.Module { return s.root }

// Config returns the resolved configuration.
func (s *State) Config() Config {
	cfg := s.config
	cfg.IgnoredModules = slices.Clone(cfg.IgnoredModules)
	return cfg
}

// ProcessGroup returns the group over which parameters are sharded.
func (s *State) ProcessGroup() *distributed.ProcessGroup { return s.groups.shard }

// ReplicateGroup returns the group over which the shards are replicated, for hybrid strategies. It's nil
// otherwise.
func (s *State) ReplicateGroup() *distributed.ProcessGroup { return s.groups.replicate }

// IsIgnored returns whether the module was excluded from sharding.
func (s *State) IsIgnored(m *module.Module) bool { return s.ignored.Has(m) }

// IgnoredModules returns the excluded modules, including the descendants of the explicitly ignored ones.
func (s *State) IgnoredModules() sets.Set[*module.Module] { return s.ignored.Clone() }

// Modules returns the sharded (not ignored) modules, in pre-order.
func (s *State) Modules() []*module.Module { return slices.Clone(s.modules) }

// Path returns the path of a sharded module relative to the root.
func (s *State) Path(m *module.Module) string { return s.paths[m] }

// Handles returns the handles in pre-order of their unit roots.
func (s *State) Handles() []*ShardHandle { return slices.Clone(s.handles) }

// HandlesOf returns the handles whose unit is rooted at m.
func (s *State) HandlesOf(m *module.Module) []*ShardHandle { return slices.Clone(s.byModule[m]) }

// BufferNames returns the paths of the buffers of the sharded modules.
func (s *State) BufferNames() []string { return slices.Clone(s.bufferNames) }

// HookRegistrations returns the forward hooks installed, in installation order.
func (s *State) HookRegistrations() []HookRegistration { return slices.Clone(s.registrations) }

// ForwardPrefetchDepth returns the number of handles prefetched ahead in the forward pass.
func (s *State) ForwardPrefetchDepth() int { return s.runtime.forwardDepth }

// BackwardPrefetchDepth returns the number of handles prefetched ahead in the backward pass.
func (s *State) BackwardPrefetchDepth() int { return s.runtime.backwardDepth }

// ExecutionOrder returns the handles in the order they were used in the current (or last) forward pass.
func (s *State) ExecutionOrder() []*ShardHandle { return slices.Clone(s.runtime.execOrder) }

// Stats returns the counters of the runtime.
func (s *State) Stats() Stats { return s.runtime.stats }

// ZeroGrad clears the sharded gradients accumulated by Backward.
func (s *State) ZeroGrad() {
	for _, h := range s.handles {
		h.gradShard = nil
	}
}

// Close waits for the operations in flight and closes the communicators. The hooks stay installed,
// but the module can't be executed afterwards.
func (s *State) Close() error {
	for _, h := range s.handles {
		if h.scatter != nil {
			<-h.scatter.Done()
		}
	}
	return errors.WithMessage(s.comms.Close(), "closing fsdp state")
}

// attach stores the State in the extension slot of the root and of every sharded module.
func (s *State) attach() {
	for _, m := range s.modules {
		m.SetExtension(StateExtensionKey, s)
	}
}
