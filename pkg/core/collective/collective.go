// Package collective defines the interface to the collective-communication layer used to shard and
// gather parameters, and the Future returned by its asynchronous operations.
//
// Implementations bind a Communicator to one distributed.ProcessGroup. Every member of the group must
// issue the same sequence of operations, with buffers of the same size.
package collective

import (
	"context"

	"github.com/gomlx/fsdp/pkg/core/distributed"
)

// Communicator runs collectives over the members of a process group. All operations are asynchronous:
// they return immediately, and the result is delivered through the Future.
//
// Buffers passed in are not modified, and must not be modified by the caller until the Future is done.
type Communicator interface {
	// Group the communicator is bound to.
	Group() *distributed.ProcessGroup

	// AllGather concatenates the shards of all members, in group order. All shards must have the same length.
	AllGather(ctx context.Context, shard []float32) *Future[[]float32]

	// ReduceScatter sums the full buffers of all members and returns the member's chunk of the sum.
	// The buffer length must be divisible by the group size.
	ReduceScatter(ctx context.Context, full []float32) *Future[[]float32]

	// AllReduce sums the buffers of all members.
	AllReduce(ctx context.Context, data []float32) *Future[[]float32]

	// Broadcast returns the buffer of the member at position srcGroupRank to every member.
	Broadcast(ctx context.Context, data []float32, srcGroupRank int) *Future[[]float32]

	// Close waits for the operations in flight and releases resources.
	Close() error
}

// Factory creates the Communicator for a resolved process group.
type Factory func(pg *distributed.ProcessGroup) (Communicator, error)
