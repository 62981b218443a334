// Package loopback implements collective.Communicator for ranks that live in the same process.
//
// Each rank runs on its own goroutine (or goroutines) and gets its own Communicator from a shared World.
// Collectives meet at a rendezvous identified by the group and the sequence number of the operation
// within that group: the last member to arrive computes the result and releases the others.
//
// It's used by tests and by tools that simulate a multi-worker job in a single process.
package loopback

import (
	"fmt"
	"sync"

	"github.com/gomlx/fsdp/internal/workerspool"
	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/gomlx/fsdp/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// World connects the ranks of a simulated job.
type World struct {
	id   string
	size int
	pool *workerspool.Pool

	mu         sync.Mutex
	rendezvous map[rendezvousKey]*rendezvous
}

// NewWorld creates a World with `size` ranks.
func NewWorld(size int) *World {
	return &World{
		id:         uuid.NewString(),
		size:       size,
		pool:       workerspool.New(),
		rendezvous: make(map[rendezvousKey]*rendezvous),
	}
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// String implements fmt.Stringer.
func (w *World) String() string {
	return fmt.Sprintf("loopback.World(id=%s, size=%d)", w.id, w.size)
}

// Communicator returns a new communicator for the group, for the member pg.Rank().
func (w *World) Communicator(pg *distributed.ProcessGroup) (*Communicator, error) {
	for _, r := range pg.Ranks() {
		if r >= w.size {
			return nil, errors.Errorf("%s: rank %d of %s is out of range", w, r, pg)
		}
	}
	groupRank := pg.GroupRank()
	if groupRank < 0 {
		return nil, errors.Errorf("%s: rank %d is not a member of %s", w, pg.Rank(), pg)
	}
	return &Communicator{
		world:     w,
		group:     pg,
		groupRank: groupRank,
		groupKey:  fmt.Sprintf("%s%v", pg.Name(), pg.Ranks()),
		inflight:  xsync.NewDynamicWaitGroup(),
	}, nil
}

// Factory returns a collective.Factory bound to this World.
func (w *World) Factory() collective.Factory {
	return func(pg *distributed.ProcessGroup) (collective.Communicator, error) {
		return w.Communicator(pg)
	}
}

// Singleton returns a Communicator for a group with a single member: collectives are trivial, but
// still asynchronous.
func Singleton(pg *distributed.ProcessGroup) (collective.Communicator, error) {
	if pg.Size() != 1 {
		return nil, errors.Errorf("loopback.Singleton requires a group of size 1, got %s", pg)
	}
	return NewWorld(pg.Rank() + 1).Communicator(pg)
}

type opKind int

const (
	opAllGather opKind = iota
	opReduceScatter
	opAllReduce
	opBroadcast
)

var opNames = [...]string{"AllGather", "ReduceScatter", "AllReduce", "Broadcast"}

func (op opKind) String() string { return opNames[op] }

type rendezvousKey struct {
	group string
	seq   int
}

// rendezvous of one collective operation.
type rendezvous struct {
	op            opKind
	src           int
	contributions [][]float32
	arrived       int
	done          *xsync.Latch

	// Set by the last member to arrive, before done is triggered.
	results [][]float32
	err     error
}

// join registers the contribution of member groupRank, and returns the rendezvous, plus whether this
// member was the last to arrive.
func (w *World) join(key rendezvousKey, groupSize, groupRank int, op opKind, src int, data []float32) (
	r *rendezvous, last bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, found := w.rendezvous[key]
	if !found {
		r = &rendezvous{
			op:            op,
			src:           src,
			contributions: make([][]float32, groupSize),
			done:          xsync.NewLatch(),
		}
		w.rendezvous[key] = r
	}
	if r.op != op || r.src != src {
		r.err = errors.Errorf("collective mismatch in group %s, operation #%d: %s(src=%d) and %s(src=%d)",
			key.group, key.seq, r.op, r.src, op, src)
	}
	r.contributions[groupRank] = data
	r.arrived++
	if r.arrived == groupSize {
		delete(w.rendezvous, key)
		return r, true
	}
	return r, false
}
