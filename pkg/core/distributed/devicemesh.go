package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/texora/redco/backends"
	"github.com/texora/redco/pkg/support/errdefs"
)

// DeviceMesh defines the logical topology of the devices participating in a
// training run: all available devices grouped into named axes.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int
}

const DefaultMeshName = "mesh"

// Names of the two axes of the mesh built by MeshForShards.
const (
	// DataParallelAxis is the mesh axis along which the batch is partitioned.
	DataParallelAxis = "dp"

	// ModelParallelAxis is the mesh axis along which parameters are sharded.
	ModelParallelAxis = "mp"
)

// IsNameValid checks whether a name is a valid identifier for a mesh name or
// axis name.
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

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis.
//
// Most callers want MeshForShards, which builds the canonical two-axis
// (DataParallelAxis, ModelParallelAxis) mesh from a shard count.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with an ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// MeshForShards plans the device mesh for the requested number of model shards.
//
// With nShards == 1 it returns nil: no explicit sharding, the execution layer
// uses simple replication. Otherwise, it partitions all devices of the backend
// into a ModelParallelAxis of size nShards and a DataParallelAxis of size
// total/nShards.
//
// It fails with errdefs.ErrConfiguration if the total device count is not
// evenly divisible by nShards.
func MeshForShards(backend backends.Backend, nShards int) (*DeviceMesh, error) {
	if nShards <= 0 {
		return nil, errdefs.Configurationf("number of model shards must be positive, got %d", nShards)
	}
	if nShards == 1 {
		return nil, nil
	}
	totalDevices := backends.GlobalDeviceCount(backend)
	if totalDevices%nShards != 0 {
		return nil, errdefs.Configurationf(
			"total device count %d is not divisible by the requested %d model shards", totalDevices, nShards)
	}
	return NewDeviceMesh(
		[]int{totalDevices / nShards, nShards},
		[]string{DataParallelAxis, ModelParallelAxis})
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axis sizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
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
	sb.WriteString("DeviceMesh({")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the device groups participating in a collective
// operation performed along the given mesh axes.
//
// Each replica group (a []int of device indices) spans the specified axes; the
// remaining axes split the devices into different groups.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"dp", "mp"})
//	dpGroups, _ := m.ComputeReplicaGroups([]string{"dp"})  // -> [][]int{{0, 2}, {1, 3}}
//	mpGroups, _ := m.ComputeReplicaGroups([]string{"mp"})  // -> [][]int{{0, 1}, {2, 3}}
//	all, _ := m.ComputeReplicaGroups([]string{"dp", "mp"}) // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	seen := make(map[int]bool, len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if seen[idx] {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		seen[idx] = true
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numDevices / groupSize

	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for flatIdx := 0; flatIdx < m.numDevices; flatIdx++ {
		// Convert flat index to per-axis indices.
		indices := make([]int, len(m.axesSizes))
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index comes from the non-participating axes.
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Position within the group comes from the participating axes.
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
