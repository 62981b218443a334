package fsdp

import (
	"github.com/gomlx/fsdp/pkg/core/collective"
	"github.com/gomlx/fsdp/pkg/core/collective/loopback"
	"github.com/gomlx/fsdp/pkg/core/distributed"
	"k8s.io/klog/v2"
)

// processGroups are the resolved groups of a sharded tree. The replicate group is only set for hybrid
// strategies.
type processGroups struct {
	shard, replicate *distributed.ProcessGroup
}

// resolveProcessGroups validates the explicit groups or derives them from the World.
func resolveProcessGroups(cfg Config) (processGroups, error) {
	world := cfg.World
	var groups processGroups
	if cfg.ProcessGroup != nil {
		if err := validateGroup(cfg.ProcessGroup, world); err != nil {
			return processGroups{}, err
		}
		groups.shard = cfg.ProcessGroup
		if cfg.Strategy.IsHybrid() {
			if cfg.ReplicateGroup == nil {
				return processGroups{}, groupErrorf("strategy %s with an explicit process group also requires "+
					"the replicate group, see Builder.HybridProcessGroups", cfg.Strategy)
			}
			if err := validateGroup(cfg.ReplicateGroup, world); err != nil {
				return processGroups{}, err
			}
			if cfg.ReplicateGroup.Size()*groups.shard.Size() != world.Size {
				return processGroups{}, groupErrorf("shard group %s and replicate group %s don't span the world of "+
					"size %d", groups.shard, cfg.ReplicateGroup, world.Size)
			}
			groups.replicate = cfg.ReplicateGroup
		}
		return groups, nil
	}

	if !cfg.Strategy.IsHybrid() {
		groups.shard = world.DefaultGroup()
		return groups, nil
	}
	mesh, err := world.HybridMesh()
	if err != nil {
		return processGroups{}, groupErrorf("%v", err)
	}
	groups.shard, err = meshGroup(mesh, distributed.ShardAxis, world.Rank)
	if err != nil {
		return processGroups{}, err
	}
	groups.replicate, err = meshGroup(mesh, distributed.ReplicateAxis, world.Rank)
	if err != nil {
		return processGroups{}, err
	}
	return groups, nil
}

func meshGroup(mesh *distributed.DeviceMesh, axis string, rank int) (*distributed.ProcessGroup, error) {
	ranks, err := mesh.GroupOf([]string{axis}, rank)
	if err != nil {
		return nil, groupErrorf("%s group of rank %d: %v", axis, rank, err)
	}
	pg, err := distributed.NewProcessGroup(axis, ranks, rank)
	if err != nil {
		return nil, groupErrorf("%v", err)
	}
	return pg, nil
}

func validateGroup(pg *distributed.ProcessGroup, world distributed.World) error {
	// Construction by NewProcessGroup already guarantees non-empty and unique ranks.
	if pg.Size() == 0 {
		return groupErrorf("process group %s is empty", pg)
	}
	for _, rank := range pg.Ranks() {
		if rank >= world.Size {
			return groupErrorf("process group %s has rank %d outside the world of size %d", pg, rank, world.Size)
		}
	}
	if pg.Rank() != world.Rank || pg.GroupRank() < 0 {
		return groupErrorf("process group %s doesn't contain the current rank %d", pg, world.Rank)
	}
	return nil
}

// communicators bound to the resolved groups.
type communicators struct {
	shard, replicate collective.Communicator
}

func (c communicators) Close() error {
	var err error
	for _, comm := range []collective.Communicator{c.shard, c.replicate} {
		if comm == nil {
			continue
		}
		if closeErr := comm.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// newCommunicators creates the communicators of the groups using the configured factory.
func newCommunicators(cfg Config, groups processGroups) (communicators, error) {
	factory := cfg.Communicator
	if factory == nil {
		factory = loopback.Singleton
	}
	var comms communicators
	var err error
	comms.shard, err = factory(groups.shard)
	if err != nil {
		return communicators{}, configErrorf("communicator for group %s: %v", groups.shard, err)
	}
	if groups.replicate != nil {
		comms.replicate, err = factory(groups.replicate)
		if err != nil {
			if closeErr := comms.Close(); closeErr != nil {
				klog.Warningf("closing communicator of %s: %+v", groups.shard, closeErr)
			}
			return communicators{}, configErrorf("communicator for group %s: %v", groups.replicate, err)
		}
	}
	return comms, nil
}
