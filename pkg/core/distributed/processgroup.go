package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/pkg/errors"
)

// ProcessGroup is an ordered set of ranks that take part together in collective operations, as seen by
// one of its members.
//
// It's immutable once created.
type ProcessGroup struct {
	name  string
	ranks []int
	rank  int
}

// NewProcessGroup creates a group with the given global ranks, seen by the worker with global rank `rank`.
//
// It returns an error if ranks is empty, has negative or duplicate values. Whether `rank` is a member is
// not checked here, see ProcessGroup.Contains.
func NewProcessGroup(name string, ranks []int, rank int) (*ProcessGroup, error) {
	if len(ranks) == 0 {
		return nil, errors.Errorf("process group %q has no ranks", name)
	}
	seen := sets.Make[int](len(ranks))
	for _, r := range ranks {
		if r < 0 {
			return nil, errors.Errorf("process group %q has negative rank %d", name, r)
		}
		if seen.Has(r) {
			return nil, errors.Errorf("process group %q has rank %d duplicated", name, r)
		}
		seen.Insert(r)
	}
	return &ProcessGroup{name: name, ranks: slices.Clone(ranks), rank: rank}, nil
}

// Name of the group.
func (pg *ProcessGroup) Name() string { return pg.name }

// Size returns the number of members of the group.
func (pg *ProcessGroup) Size() int { return len(pg.ranks) }

// Ranks returns a copy of the global ranks of the members, in group order.
func (pg *ProcessGroup) Ranks() []int { return slices.Clone(pg.ranks) }

// Rank returns the global rank of the worker this group is seen from.
func (pg *ProcessGroup) Rank() int { return pg.rank }

// Contains returns whether the global rank is a member of the group.
func (pg *ProcessGroup) Contains(rank int) bool {
	return slices.Contains(pg.ranks, rank)
}

// GroupRank returns the position of the worker within the group, or -1 if it is not a member.
func (pg *ProcessGroup) GroupRank() int {
	return slices.Index(pg.ranks, pg.rank)
}

// String implements fmt.Stringer.
func (pg *ProcessGroup) String() string {
	return fmt.Sprintf("ProcessGroup(%q, ranks=%v, rank=%d)", pg.name, pg.ranks, pg.rank)
}
