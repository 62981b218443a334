package fsdp

import (
	"context"
	"slices"

	"github.com/gomlx/fsdp/pkg/core/module"
	"github.com/gomlx/fsdp/pkg/support/xslices"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"
)

// Stats counts what the runtime did since the State was created.
type Stats struct {
	Passes          int // Forward passes started by the root.
	DemandGathers   int // Gathers issued when a handle was needed and not prefetched.
	Prefetches      int // Gathers issued ahead of use.
	SkippedPrefetch int // Prefetches not issued because the limit of gathers in flight was reached.
	Reshards        int
	GradReductions  int
}

// runtime holds the per-pass bookkeeping of the hooks.
type runtime struct {
	forwardDepth, backwardDepth int
	backwardPolicy              BackwardPrefetch

	// limiter caps the number of handles in Gathering state. It's nil when unlimited.
	limiter *semaphore.Weighted
	// inflight are the handles in Gathering state, in the order their gathers were issued.
	inflight []*ShardHandle

	execOrder, prevExecOrder []*ShardHandle
	stats                    Stats
}

func newRuntime(cfg Config) *runtime {
	r := &runtime{
		forwardDepth:   cfg.ForwardPrefetchDepth(),
		backwardDepth:  cfg.BackwardPrefetchDepth(),
		backwardPolicy: cfg.BackwardPrefetch,
	}
	if cfg.LimitAllGathers {
		r.limiter = semaphore.NewWeighted(int64(cfg.MaxInflightAllGathers))
	}
	return r
}

func (r *runtime) tryAcquire() bool {
	return r.limiter == nil || r.limiter.TryAcquire(1)
}

// issueGather starts the gather of a Sharded handle, for which a slot was acquired.
func (r *runtime) issueGather(ctx context.Context, h *ShardHandle) error {
	if err := h.startGather(ctx); err != nil {
		if r.limiter != nil {
			r.limiter.Release(1)
		}
		return err
	}
	r.inflight = append(r.inflight, h)
	return nil
}

// completeGather waits for the gather of a Gathering handle and releases its slot.
func (r *runtime) completeGather(ctx context.Context, h *ShardHandle) error {
	idx := slices.Index(r.inflight, h)
	if idx < 0 {
		return errors.Errorf("%s is not being gathered", h)
	}
	r.inflight = slices.Delete(r.inflight, idx, idx+1)
	if r.limiter != nil {
		r.limiter.Release(1)
	}
	return h.finishGather(ctx)
}

// unshard makes sure the handle is Gathered: it waits for its prefetch, or for a pending scatter and
// then gathers it. When the limit of gathers in flight is reached, the oldest one is completed first.
func (r *runtime) unshard(ctx context.Context, h *ShardHandle) error {
	switch h.state {
	case Gathered:
		return nil
	case Gathering:
		return r.completeGather(ctx, h)
	case Scattering:
		if err := h.waitScatter(ctx); err != nil {
			return err
		}
	}
	for !r.tryAcquire() {
		if len(r.inflight) == 0 {
			return errors.Errorf("no slot for gathering %s, but no gather in flight", h)
		}
		if err := r.completeGather(ctx, r.inflight[0]); err != nil {
			return err
		}
	}
	r.stats.DemandGathers++
	if err := r.issueGather(ctx, h); err != nil {
		return err
	}
	return r.completeGather(ctx, h)
}

// prefetch issues the gather of up to depth handles of order, starting at from. Handles already gathered
// or being gathered count towards depth. It doesn't wait for gathers: it stops when the limit of gathers
// in flight is reached.
//
// The decisions only depend on the sequence of hooks, so every rank issues the same collectives in the
// same order.
func (r *runtime) prefetch(ctx context.Context, order []*ShardHandle, from, depth int) error {
	for i := from; i < len(order) && i < from+depth; i++ {
		h := order[i]
		if err := h.waitScatter(ctx); err != nil {
			return err
		}
		if h.state != Sharded {
			continue
		}
		if !r.tryAcquire() {
			r.stats.SkippedPrefetch++
			klog.V(3).Infof("fsdp: prefetch of %s skipped: %d gathers in flight", h, len(r.inflight))
			return nil
		}
		if err := r.issueGather(ctx, h); err != nil {
			return err
		}
		r.stats.Prefetches++
	}
	return nil
}

func (r *runtime) recordExecution(h *ShardHandle) {
	if !slices.Contains(r.execOrder, h) {
		r.execOrder = append(r.execOrder, h)
	}
}

func (s *State) startSpan(ctx context.Context, name string, m *module.Module) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("fsdp.module", s.paths[m]),
		attribute.String("fsdp.state", s.id.String())))
}

// rootPreForward starts a new forward pass.
func (s *State) rootPreForward(ctx context.Context, m *module.Module, _ any) error {
	ctx, span := s.startSpan(ctx, "fsdp.RootPreForward", m)
	defer span.End()
	r := s.runtime
	for _, h := range s.handles {
		if err := h.waitScatter(ctx); err != nil {
			return err
		}
		for i, p := range h.params {
			if p.Device != h.computeDevice {
				return errors.Errorf("parameter %q is on %s, but it's sharded for %s", h.paramPaths[i], p.Device,
					h.computeDevice)
			}
		}
	}
	if len(r.execOrder) > 0 {
		r.prevExecOrder = r.execOrder
	}
	r.execOrder = nil
	r.stats.Passes++
	return nil
}

// preForward gathers the handles rooted at m and prefetches the ones used next in the previous pass.
func (s *State) preForward(ctx context.Context, m *module.Module, _ any) error {
	handles := s.byModule[m]
	if len(handles) == 0 {
		return nil
	}
	ctx, span := s.startSpan(ctx, "fsdp.PreForward", m)
	defer span.End()
	r := s.runtime
	for _, h := range handles {
		if err := r.unshard(ctx, h); err != nil {
			return err
		}
		r.recordExecution(h)
	}
	if r.forwardDepth > 0 {
		last := xslices.Last(handles)
		if idx := slices.Index(r.prevExecOrder, last); idx >= 0 {
			return r.prefetch(ctx, r.prevExecOrder, idx+1, r.forwardDepth)
		}
	}
	return nil
}

// postForward reshards the handles rooted at m, unless the strategy keeps them for the backward pass.
// The handle of the root is always kept.
func (s *State) postForward(ctx context.Context, m *module.Module, _, _ any) error {
	handles := s.byModule[m]
	if len(handles) == 0 || m == s.root || !s.config.Strategy.ReshardAfterForward() {
		return nil
	}
	_, span := s.startSpan(ctx, "fsdp.PostForward", m)
	defer span.End()
	for _, h := range handles {
		if h.state != Gathered {
			continue
		}
		if err := h.reshard(); err != nil {
			return err
		}
		s.runtime.stats.Reshards++
	}
	return nil
}

// GradFn computes the gradients of the parameters declared by m, storing them in Parameter.Grad.
// The parameters hold their full values while it's called.
type GradFn func(ctx context.Context, m *module.Module) error

// Backward runs the backward pass over the handles, in the reverse order of the last forward pass.
//
// For each handle it gathers the parameters (prefetching the next ones, according to the backward
// prefetch policy), calls gradFn for each of its modules in reverse pre-order, reduces the gradients across
// the groups and reshards the parameters. The averaged gradients are accumulated in the handles'
// GradShard until ZeroGrad is called.
//
// Every handle is Sharded when it returns. If it fails, the gradient reductions still pending are
// discarded, and so are the gradients left in the parameters.
func (s *State) Backward(ctx context.Context, gradFn GradFn) error {
	r := s.runtime
	if len(r.execOrder) == 0 {
		return errors.New("fsdp: Backward called before a forward pass")
	}
	ctx, span := s.tracer.Start(ctx, "fsdp.Backward",
		trace.WithAttributes(attribute.String("fsdp.state", s.id.String())))
	defer span.End()

	order := slices.Clone(r.execOrder)
	slices.Reverse(order)
	err := s.runBackward(ctx, order, gradFn)
	if err != nil {
		span.RecordError(err)
		if abortErr := s.abortBackward(ctx); abortErr != nil {
			klog.Warningf("fsdp: cleaning up after failed backward pass: %+v", abortErr)
		}
	}
	return err
}

func (s *State) runBackward(ctx context.Context, order []*ShardHandle, gradFn GradFn) error {
	for i, h := range order {
		if err := s.backwardHandle(ctx, order, i, gradFn); err != nil {
			return errors.WithMessagef(err, "backward of %s", h)
		}
	}
	return s.finalizeBackward(ctx, order)
}

// abortBackward drops what a failed backward pass left behind, so the next pass starts from Sharded.
func (s *State) abortBackward(ctx context.Context) error {
	var firstErr error
	for _, h := range s.handles {
		if err := h.discardGradReduce(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, p := range h.params {
			p.Grad = nil
		}
	}
	if err := s.releaseHandles(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *State) backwardHandle(ctx context.Context, order []*ShardHandle, i int, gradFn GradFn) error {
	r := s.runtime
	h := order[i]
	preCtx, span := s.startSpan(ctx, "fsdp.PreBackward", h.unit)
	err := r.unshard(preCtx, h)
	if err == nil && r.backwardPolicy == BackwardPre {
		err = r.prefetch(preCtx, order, i+1, r.backwardDepth)
	}
	span.End()
	if err != nil {
		return err
	}

	for j := len(h.modules) - 1; j >= 0; j-- {
		m := h.modules[j]
		if err := callUser(func() error { return gradFn(ctx, m) }); err != nil {
			return errors.WithMessagef(err, "gradient of module %q", s.paths[m])
		}
	}

	postCtx, span := s.startSpan(ctx, "fsdp.PostBackward", h.unit)
	defer span.End()
	if err := h.startGradReduce(postCtx); err != nil {
		return err
	}
	r.stats.GradReductions++
	if err := h.reshard(); err != nil {
		return err
	}
	r.stats.Reshards++
	if r.backwardPolicy == BackwardPost {
		return r.prefetch(postCtx, order, i+1, r.backwardDepth)
	}
	return nil
}

// finalizeBackward waits for the gradient reductions, in order, and leaves every handle Sharded.
func (s *State) finalizeBackward(ctx context.Context, order []*ShardHandle) error {
	ctx, span := s.tracer.Start(ctx, "fsdp.FinalizeBackward")
	defer span.End()
	for _, h := range order {
		if err := h.finishGradReduce(ctx); err != nil {
			return err
		}
	}
	return s.releaseHandles(ctx)
}

// releaseHandles brings every handle back to Sharded, completing the gathers in flight.
func (s *State) releaseHandles(ctx context.Context) error {
	r := s.runtime
	for _, h := range s.handles {
		if h.state == Gathering {
			if err := r.completeGather(ctx, h); err != nil {
				return err
			}
		}
		if h.state == Gathered {
			if err := h.reshard(); err != nil {
				return err
			}
			r.stats.Reshards++
		}
		if err := h.waitScatter(ctx); err != nil {
			return err
		}
	}
	return nil
}
