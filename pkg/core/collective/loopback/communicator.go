package loopback

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Communicator implements collective.Communicator for one member of a group of a loopback World.
type Communicator struct {
	world     *World
	group     *distributed.ProcessGroup
	groupRank int
	groupKey  string

	mu     sync.Mutex
	seq    int
	closed atomic.Bool

	inflight *xsync.DynamicWaitGroup
}

var _ collective.Communicator = (*Communicator)(nil)

// Group implements collective.Communicator.
func (c *Communicator) Group() *distributed.ProcessGroup { return c.group }

// AllGather implements collective.Communicator.
func (c *Communicator) AllGather(ctx context.Context, shard []float32) *collective.Future[[]float32] {
	return c.issue(ctx, opAllGather, 0, shard)
}

// ReduceScatter implements collective.Communicator.
func (c *Communicator) ReduceScatter(ctx context.Context, full []float32) *collective.Future[[]float32] {
	if len(full)%c.group.Size() != 0 {
		return collective.Resolved[[]float32](nil, errors.Errorf(
			"ReduceScatter buffer of length %d is not divisible by the group size %d", len(full), c.group.Size()))
	}
	return c.issue(ctx, opReduceScatter, 0, full)
}

// AllReduce implements collective.Communicator.
func (c *Communicator) AllReduce(ctx context.Context, data []float32) *collective.Future[[]float32] {
	return c.issue(ctx, opAllReduce, 0, data)
}

// Broadcast implements collective.Communicator.
func (c *Communicator) Broadcast(ctx context.Context, data []float32, srcGroupRank int) *collective.Future[[]float32] {
	if srcGroupRank < 0 || srcGroupRank >= c.group.Size() {
		return collective.Resolved[[]float32](nil, errors.Errorf(
			"Broadcast source %d out of range for group of size %d", srcGroupRank, c.group.Size()))
	}
	return c.issue(ctx, opBroadcast, srcGroupRank, data)
}

// Close waits for the operations in flight. Operations issued after Close fail.
func (c *Communicator) Close() error {
	c.closed.Store(true)
	c.inflight.Wait()
	return nil
}

func (c *Communicator) issue(ctx context.Context, op opKind, src int, data []float32) *collective.Future[[]float32] {
	if c.closed.Load() {
		return collective.Resolved[[]float32](nil, errors.Errorf("%s on closed communicator for %s", op, c.group))
	}
	c.mu.Lock()
	key := rendezvousKey{group: c.groupKey, seq: c.seq}
	c.seq++
	c.mu.Unlock()

	// Contributions are read by other members: take a copy so the caller keeps ownership of data.
	contribution := slices.Clone(data)
	future := collective.NewFuture[[]float32]()
	c.inflight.Add(1)
	c.world.pool.WaitToStart(func() {
		defer c.inflight.Done()
		result, err := c.run(ctx, key, op, src, contribution)
		future.Resolve(result, err)
	})
	return future
}

func (c *Communicator) run(ctx context.Context, key rendezvousKey, op opKind, src int, data []float32) (
	[]float32, error) {
	size := c.group.Size()
	r, last := c.world.join(key, size, c.groupRank, op, src, data)
	if last {
		if r.err == nil {
			r.results, r.err = compute(r, size)
		}
		if klog.V(3).Enabled() {
			klog.Infof("loopback: %s #%d in group %s completed (err=%v)", op, key.seq, key.group, r.err)
		}
		r.done.Trigger()
	} else {
		c.world.pool.WorkerIsAsleep()
		select {
		case <-r.done.WaitChan():
		case <-ctx.Done():
			c.world.pool.WorkerRestarted()
			return nil, errors.Wrapf(context.Cause(ctx), "%s #%d in group %s", op, key.seq, key.group)
		}
		c.world.pool.WorkerRestarted()
	}
	if r.err != nil {
		return nil, r.err
	}
	// Each member gets its own copy of the result.
	return slices.Clone(r.results[c.groupRank]), nil
}

// compute the result of the collective for each member.
func compute(r *rendezvous, size int) ([][]float32, error) {
	results := make([][]float32, size)
	switch r.op {
	case opAllGather:
		shardLen := len(r.contributions[0])
		full := make([]float32, 0, shardLen*size)
		for i, shard := range r.contributions {
			if len(shard) != shardLen {
				return nil, errors.Errorf("AllGather shard of member %d has length %d, member 0 has %d",
					i, len(shard), shardLen)
			}
			full = append(full, shard...)
		}
		for i := range results {
			results[i] = full
		}

	case opReduceScatter, opAllReduce:
		sum, err := sumAll(r.contributions)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s", r.op)
		}
		if r.op == opAllReduce {
			for i := range results {
				results[i] = sum
			}
			break
		}
		chunk := len(sum) / size
		for i := range results {
			results[i] = sum[i*chunk : (i+1)*chunk]
		}

	case opBroadcast:
		for i := range results {
			results[i] = r.contributions[r.src]
		}
	}
	return results, nil
}

func sumAll(buffers [][]float32) ([]float32, error) {
	sum := make([]float32, len(buffers[0]))
	for i, buf := range buffers {
		if len(buf) != len(sum) {
			return nil, errors.Errorf("buffer of member %d has length %d, member 0 has %d", i, len(buf), len(sum))
		}
		for j, v := range buf {
			sum[j] += v
		}
	}
	return sum, nil
}
