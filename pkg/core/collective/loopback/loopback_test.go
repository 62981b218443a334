package loopback_test

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/collective/loopback"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runRanks runs fn concurrently for each rank of a world of the given size, each with a communicator
// for the world group.
func runRanks(t *testing.T, size int, fn func(rank int, comm collective.Communicator) error) {
	world := loopback.NewWorld(size)
	var g errgroup.Group
	for rank := range size {
		g.Go(func() error {
			pg := distributed.World{Size: size, Rank: rank}.DefaultGroup()
			comm, err := world.Communicator(pg)
			if err != nil {
				return err
			}
			defer func() { _ = comm.Close() }()
			return fn(rank, comm)
		})
	}
	require.NoError(t, g.Wait())
}

func TestCollectives(t *testing.T) {
	ctx := context.Background()
	const size = 3
	runRanks(t, size, func(rank int, comm collective.Communicator) error {
		r := float32(rank)

		gathered, err := comm.AllGather(ctx, []float32{r, r + 10}).Await(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{0, 10, 1, 11, 2, 12}, gathered)

		// Sum is {3, 6, 9, 12, 15, 18}: each rank gets 2 values.
		chunk, err := comm.ReduceScatter(ctx, []float32{1 + r, 2, 3, 4, 5 + r, 6}).Await(ctx)
		if err != nil {
			return err
		}
		want := [][]float32{{6, 6}, {9, 12}, {18, 18}}
		assert.Equal(t, want[rank], chunk)

		sum, err := comm.AllReduce(ctx, []float32{r}).Await(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{3}, sum)

		bcast, err := comm.Broadcast(ctx, []float32{r * 100}, 2).Await(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, []float32{200}, bcast)
		return nil
	})
}

func TestPipelinedCollectives(t *testing.T) {
	// Several operations in flight at once must be matched by sequence number.
	ctx := context.Background()
	runRanks(t, 4, func(rank int, comm collective.Communicator) error {
		futures := make([]*collective.Future[[]float32], 8)
		for i := range futures {
			futures[i] = comm.AllReduce(ctx, []float32{float32(i)})
		}
		for i, f := range futures {
			got, err := f.Await(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, []float32{float32(4 * i)}, got)
		}
		return nil
	})
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	world := loopback.NewWorld(2)

	_, err := world.Communicator(must.M1(distributed.NewProcessGroup("g", []int{0, 5}, 0)))
	require.ErrorContains(t, err, "out of range")
	_, err = world.Communicator(must.M1(distributed.NewProcessGroup("g", []int{1}, 0)))
	require.ErrorContains(t, err, "not a member")

	comm := must.M1(world.Communicator(distributed.World{Size: 2, Rank: 0}.DefaultGroup()))
	_, err = comm.ReduceScatter(ctx, []float32{1, 2, 3}).Await(ctx)
	require.ErrorContains(t, err, "not divisible")
	_, err = comm.Broadcast(ctx, nil, 3).Await(ctx)
	require.ErrorContains(t, err, "out of range")

	// The peer never shows up.
	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = comm.AllReduce(timeoutCtx, []float32{1}).Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, comm.Close())
	_, err = comm.AllReduce(ctx, []float32{1}).Await(ctx)
	require.ErrorContains(t, err, "closed")
}

func TestMismatchedCollectives(t *testing.T) {
	ctx := context.Background()
	var gotErr [2]error
	runRanks(t, 2, func(rank int, comm collective.Communicator) error {
		if rank == 0 {
			_, gotErr[rank] = comm.AllReduce(ctx, []float32{1}).Await(ctx)
		} else {
			_, gotErr[rank] = comm.AllGather(ctx, []float32{1}).Await(ctx)
		}
		return nil
	})
	for _, err := range gotErr {
		require.ErrorContains(t, err, "collective mismatch")
	}
}

func TestSingleton(t *testing.T) {
	ctx := context.Background()
	pg := must.M1(distributed.NewProcessGroup("solo", []int{3}, 3))
	comm := must.M1(loopback.Singleton(pg))
	defer func() { _ = comm.Close() }()
	got, err := comm.AllGather(ctx, []float32{1, 2}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	_, err = loopback.Singleton(distributed.World{Size: 2}.DefaultGroup())
	require.Error(t, err)
}
