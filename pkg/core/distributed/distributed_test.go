package distributed_test

import (
	"testing"

	"github.com/gomlx/fsdp/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}, "must have the same length"},
			{"empty shape", []int{}, []string{}, "cannot be empty"},
			{"empty axis name", []int{4}, []string{""}, "is not a valid identifier"},
			{"duplicate axis names", []int{2, 4}, []string{"x", "x"}, "axis name \"x\" is duplicated"},
			{"zero sized axis", []int{0}, []string{"x"}, "must have a positive size"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, 8, mesh.NumRanks())
		assert.Equal(t, 2, mesh.Rank())
		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4})", mesh.String())
		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.Error(t, err)

		// Returned slices are copies.
		names := mesh.AxesNames()
		names[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"replicate", "shard"})
		require.NoError(t, err)

		groups, err := mesh.ComputeReplicaGroups([]string{"replicate"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"shard"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"replicate", "shard"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups(nil)
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

		_, err = mesh.ComputeReplicaGroups([]string{"nonexistent"})
		require.Error(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"shard", "shard"})
		require.Error(t, err)
	})

	t.Run("3D", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
		require.NoError(t, err)
		groups, err := mesh.ComputeReplicaGroups([]string{"x"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}, groups)
		group, err := mesh.GroupOf([]string{"x", "y"}, 5)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 5, 7}, group)
	})
}

func TestProcessGroup(t *testing.T) {
	pg, err := distributed.NewProcessGroup("pg", []int{4, 2, 6}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pg.Size())
	assert.Equal(t, 1, pg.GroupRank())
	assert.True(t, pg.Contains(6))
	assert.False(t, pg.Contains(0))

	outsider, err := distributed.NewProcessGroup("pg", []int{4, 6}, 2)
	require.NoError(t, err)
	assert.Equal(t, -1, outsider.GroupRank())

	_, err = distributed.NewProcessGroup("empty", nil, 0)
	require.Error(t, err)
	_, err = distributed.NewProcessGroup("dup", []int{1, 1}, 1)
	require.ErrorContains(t, err, "duplicated")
	_, err = distributed.NewProcessGroup("neg", []int{-1}, 0)
	require.ErrorContains(t, err, "negative")
}

func TestWorld(t *testing.T) {
	t.Run("FromEnv", func(t *testing.T) {
		t.Setenv("WORLD_SIZE", "8")
		t.Setenv("RANK", "5")
		t.Setenv("LOCAL_WORLD_SIZE", "4")
		t.Setenv("LOCAL_RANK", "1")
		w, err := distributed.WorldFromEnv()
		require.NoError(t, err)
		assert.Equal(t, distributed.World{Size: 8, Rank: 5, LocalSize: 4, LocalRank: 1}, w)

		pg := w.DefaultGroup()
		assert.Equal(t, distributed.WorldGroupName, pg.Name())
		assert.Equal(t, 8, pg.Size())
		assert.Equal(t, 5, pg.GroupRank())

		mesh, err := w.HybridMesh()
		require.NoError(t, err)
		shardGroup, err := mesh.GroupOf([]string{distributed.ShardAxis}, w.Rank)
		require.NoError(t, err)
		assert.Equal(t, []int{4, 5, 6, 7}, shardGroup)
		replicateGroup, err := mesh.GroupOf([]string{distributed.ReplicateAxis}, w.Rank)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 5}, replicateGroup)
	})

	t.Run("Defaults", func(t *testing.T) {
		w, err := distributed.WorldFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 1, w.Size)
		assert.Equal(t, 1, w.NodeSize())
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Setenv("WORLD_SIZE", "2")
		t.Setenv("RANK", "2")
		_, err := distributed.WorldFromEnv()
		require.ErrorContains(t, err, "out of range")

		w := distributed.World{Size: 6, LocalSize: 4}
		_, err = w.HybridMesh()
		require.ErrorContains(t, err, "not divisible")
	})
}

func TestShardingStrategy(t *testing.T) {
	s, err := distributed.ShardingStrategyString("hybridshard")
	require.NoError(t, err)
	assert.Equal(t, distributed.HybridShard, s)
	assert.True(t, s.IsHybrid())
	assert.True(t, s.ReshardAfterForward())
	assert.False(t, distributed.ShardGradOp.ReshardAfterForward())
	assert.False(t, distributed.NoShard.IsSharded())
	assert.Equal(t, "ShardingStrategy(17)", distributed.ShardingStrategy(17).String())
}
