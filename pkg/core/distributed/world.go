package distributed

import (
	"github.com/caarlos0/env/v11"
	"github.com/gomlx/fsdp/pkg/support/xslices"
	"github.com/pkg/errors"
)

// World describes the set of workers of a job and the position of the current worker in it.
//
// It's resolved once (usually from the environment, see WorldFromEnv) and threaded explicitly into
// whatever needs it: there is no process-wide default.
type World struct {
	// Size is the total number of workers (ranks).
	Size int `env:"WORLD_SIZE" envDefault:"1"`

	// Rank of the current worker, in [0, Size).
	Rank int `env:"RANK" envDefault:"0"`

	// LocalSize is the number of workers per node. 0 means all workers are in one node.
	LocalSize int `env:"LOCAL_WORLD_SIZE" envDefault:"0"`

	// LocalRank is the rank of the worker within its node. It's also the default accelerator used.
	LocalRank int `env:"LOCAL_RANK" envDefault:"0"`
}

// WorldGroupName is the name of the default process group spanning the whole World.
const WorldGroupName = "world"

// WorldFromEnv reads the World from the conventional launcher environment variables
// (WORLD_SIZE, RANK, LOCAL_WORLD_SIZE, LOCAL_RANK), with defaults for a single worker.
func WorldFromEnv() (World, error) {
	var w World
	if err := env.Parse(&w); err != nil {
		return World{}, errors.Wrap(err, "parse world from environment")
	}
	if err := w.Validate(); err != nil {
		return World{}, err
	}
	return w, nil
}

// SingleWorker returns the World of a job with only one worker.
func SingleWorker() World {
	return World{Size: 1, LocalSize: 1}
}

// Validate returns an error if the World is inconsistent.
func (w World) Validate() error {
	if w.Size <= 0 {
		return errors.Errorf("world size must be positive, got %d", w.Size)
	}
	if w.Rank < 0 || w.Rank >= w.Size {
		return errors.Errorf("rank %d out of range for world size %d", w.Rank, w.Size)
	}
	if w.LocalSize < 0 || w.LocalSize > w.Size {
		return errors.Errorf("local world size %d out of range for world size %d", w.LocalSize, w.Size)
	}
	return nil
}

// NodeSize returns the number of workers per node, resolving the LocalSize default.
func (w World) NodeSize() int {
	if w.LocalSize == 0 {
		return w.Size
	}
	return w.LocalSize
}

// DefaultGroup returns the process group with every rank of the World.
func (w World) DefaultGroup() *ProcessGroup {
	return &ProcessGroup{name: WorldGroupName, ranks: xslices.Iota(0, w.Size), rank: w.Rank}
}

// HybridMesh returns the 2D mesh {ReplicateAxis: numNodes, ShardAxis: nodeSize} used by hybrid sharding.
func (w World) HybridMesh() (*DeviceMesh, error) {
	nodeSize := w.NodeSize()
	if w.Size%nodeSize != 0 {
		return nil, errors.Errorf("world size %d is not divisible by the local world size %d", w.Size, nodeSize)
	}
	return NewDeviceMesh([]int{w.Size / nodeSize, nodeSize}, []string{ReplicateAxis, ShardAxis})
}
