// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fsdp/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of the ranks of a World, organized in named axes.
//
// Hybrid sharding strategies use a 2D mesh {"replicate": numNodes, "shard": localWorldSize}: parameters are
// sharded along the "shard" axis and replicated along the "replicate" axis.
type DeviceMesh struct {
	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numRanks is the total number of ranks in the mesh.
	numRanks int
}

// Axes names used for hybrid sharding.
const (
	ReplicateAxis = "replicate"
	ShardAxis     = "shard"
)

// IsNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of ranks.
//
//   - axesSizes: defines the number of ranks along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// Ranks are laid out in row-major order: the last axis varies fastest.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}

	return &DeviceMesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// NumRanks returns the total number of ranks in the mesh.
func (m *DeviceMesh) NumRanks() int {
	return m.numRanks
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of ranks participating in a collective operation performed
// along the given axes.
//
// Each group (a []int) includes the ranks for the axes specified; the other axes split the ranks into
// different groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"replicate", "shard"})
//	replicateGroups, _ := m.ComputeReplicaGroups([]string{"replicate"})  // -> [][]int{{0, 2}, {1, 3}}
//	shardGroups, _ := m.ComputeReplicaGroups([]string{"shard"})          // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"replicate", "shard"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numRanks / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	indices := make([]int, len(m.axesSizes))
	for flatIdx := 0; flatIdx < m.numRanks; flatIdx++ {
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index from the non-axis indices, position in group from the axis indices.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		groups[groupIdx][posInGroup] = flatIdx
	}
	return groups, nil
}

// GroupOf returns the group, among those computed by ComputeReplicaGroups for the given axes, that
// contains rank.
func (m *DeviceMesh) GroupOf(axes []string, rank int) ([]int, error) {
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, rank) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d is not part of %s", rank, m)
}
