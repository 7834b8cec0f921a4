package distributed

import (
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/texora/redco/pkg/core/tensor"
)

// ShardSpec (known as a PartitionSpec in JAX) defines how a logical tensor is
// sharded (partitioned) across a DeviceMesh.
//
// It has one element per axis of the tensor. If it has fewer elements than the
// tensor's rank, the remaining axes are considered replicated. For each
// specified tensor axis, the element is:
//  1. A mesh axis name: the tensor axis is sharded (split) across that mesh
//     axis, and replicated over the other mesh axes.
//  2. The empty string (Replicated): the tensor axis is simply replicated.
type ShardSpec []string

// Replicated is the ShardSpec element marking a tensor axis as replicated.
const Replicated = ""

// NewShardSpec creates a new ShardSpec.
func NewShardSpec(axes ...string) ShardSpec {
	return axes
}

// FullyReplicated is the spec of a tensor that is not sharded along any axis.
// It is the default for parameters no shard rule matches.
var FullyReplicated = ShardSpec(nil)

// Rank returns the number of tensor axes this ShardSpec describes.
func (s ShardSpec) Rank() int {
	return len(s)
}

// IsReplicated returns true if the tensor is fully replicated
// (i.e., not sharded along any axis).
func (s ShardSpec) IsReplicated() bool {
	for _, axisName := range s {
		if axisName != Replicated {
			return false
		}
	}
	return true
}

// Validate checks that the ShardSpec is valid for the given mesh.
func (s ShardSpec) Validate(mesh *DeviceMesh) error {
	meshAxesUsed := make(map[string]bool)
	for i, axisName := range s {
		if axisName == Replicated {
			continue
		}
		if _, ok := mesh.nameToAxis[axisName]; !ok {
			return errors.Errorf("ShardSpec axis %d refers to unknown mesh axis %q", i, axisName)
		}
		if meshAxesUsed[axisName] {
			return errors.Errorf("mesh axis %q used more than once in ShardSpec", axisName)
		}
		meshAxesUsed[axisName] = true
	}
	return nil
}

// NumShardsAxis returns the number of devices the tensor is split across along
// the given tensor axis. Replicated axes (including axes beyond the spec's
// rank) return 1.
func (s ShardSpec) NumShardsAxis(mesh *DeviceMesh, axis int) int {
	if axis >= len(s) || s[axis] == Replicated {
		return 1
	}
	return mesh.axesSizes[mesh.nameToAxis[s[axis]]]
}

// ShardShape calculates the per-device shape of a tensor with the given
// logical dimensions. It returns an error if any sharded dimension is not
// divisible by the number of shards.
func (s ShardSpec) ShardShape(mesh *DeviceMesh, logicalDims []int) ([]int, error) {
	if len(s) > len(logicalDims) {
		return nil, errors.Errorf("ShardSpec has rank %d but tensor has rank %d", len(s), len(logicalDims))
	}
	shardDims := slices.Clone(logicalDims)
	for axis := range logicalDims {
		numShards := s.NumShardsAxis(mesh, axis)
		if numShards == 1 {
			continue
		}
		if logicalDims[axis]%numShards != 0 {
			return nil, errors.Errorf(
				"tensor dimension %d of axis %d is not divisible by %d shards (mesh axis %q)",
				logicalDims[axis], axis, numShards, s[axis])
		}
		shardDims[axis] = logicalDims[axis] / numShards
	}
	return shardDims, nil
}

// ValidateForTensor checks the spec against both the mesh and a concrete
// tensor: known mesh axes, no reuse, rank compatible and dimensions divisible.
func (s ShardSpec) ValidateForTensor(mesh *DeviceMesh, t *tensor.Tensor) error {
	if err := s.Validate(mesh); err != nil {
		return err
	}
	_, err := s.ShardShape(mesh, t.Shape())
	return err
}

// String returns a compact human-readable representation: "R" for a replicated
// axis, "S(axis)" for a sharded one.
func (s ShardSpec) String() string {
	if len(s) == 0 {
		return "ShardSpec[R]"
	}
	var sb strings.Builder
	sb.WriteString("ShardSpec[")
	for i, axisName := range s {
		if i > 0 {
			sb.WriteString(", ")
		}
		if axisName == Replicated {
			sb.WriteString("R")
		} else {
			sb.WriteString("S(" + axisName + ")")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
