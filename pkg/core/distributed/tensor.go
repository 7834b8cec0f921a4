// Package distributed defines the objects describing cross-device execution:
//
//   - DeviceMesh: the topology of the participating devices, as named axes.
//   - ShardSpec: how a logical tensor is partitioned across a DeviceMesh.
//   - ShardRule: declarative (pattern, spec) rules deriving per-parameter specs.
//   - Tensor: a logical tensor physically split into per-device shards.
package distributed

import (
	"github.com/pkg/errors"

	"github.com/texora/redco/pkg/core/tensor"
)

// Tensor is a logical tensor distributed across the devices of a DeviceMesh.
//
// It holds one physical shard per device and the ShardSpec describing the
// partitioning. Devices along mesh axes a tensor axis is not sharded on hold
// replicas of the same shard.
type Tensor struct {
	mesh *DeviceMesh
	spec ShardSpec

	// shards holds the physical data for each device, indexed by the device's
	// flat index in the mesh (0 to NumDevices-1).
	shards []*tensor.Tensor

	// logicalDims is the shape of the assembled logical tensor.
	logicalDims []int
}

// ShardTensor splits a logical tensor into its per-device shards according to
// the given spec.
func ShardTensor(t *tensor.Tensor, spec ShardSpec, mesh *DeviceMesh) (*Tensor, error) {
	if err := spec.ValidateForTensor(mesh, t); err != nil {
		return nil, errors.WithMessage(err, "ShardTensor")
	}
	shardDims, err := spec.ShardShape(mesh, t.Shape())
	if err != nil {
		return nil, err
	}

	dt := &Tensor{
		mesh:        mesh,
		spec:        spec,
		shards:      make([]*tensor.Tensor, mesh.NumDevices()),
		logicalDims: t.Shape(),
	}
	for device := 0; device < mesh.NumDevices(); device++ {
		offsets := dt.shardOffsets(device, shardDims)
		dt.shards[device] = sliceTensor(t, offsets, shardDims)
	}
	return dt, nil
}

// Mesh returns the DeviceMesh this tensor is distributed on.
func (dt *Tensor) Mesh() *DeviceMesh { return dt.mesh }

// Spec returns the sharding specification.
func (dt *Tensor) Spec() ShardSpec { return dt.spec }

// Shard returns the physical shard held by the given device.
func (dt *Tensor) Shard(device int) *tensor.Tensor { return dt.shards[device] }

// NumShards returns the number of per-device shards (== mesh.NumDevices()).
func (dt *Tensor) NumShards() int { return len(dt.shards) }

// LogicalShape returns the shape of the assembled logical tensor.
func (dt *Tensor) LogicalShape() []int {
	dims := make([]int, len(dt.logicalDims))
	copy(dims, dt.logicalDims)
	return dims
}

// Assemble reconstructs the logical tensor from the shards. Together with
// ShardTensor it forms a lossless round trip.
func (dt *Tensor) Assemble() *tensor.Tensor {
	out := tensor.New(dt.logicalDims...)
	shardDims := dt.shards[0].Shape()
	for device, shard := range dt.shards {
		offsets := dt.shardOffsets(device, shardDims)
		pasteTensor(out, shard, offsets)
	}
	return out
}

// shardOffsets computes, for one device, the start offset of its shard along
// every tensor axis. A device's position along a mesh axis selects the slice
// for tensor axes sharded on that mesh axis; axes sharded on no mesh axis (or
// mesh axes the device merely replicates over) get offset 0.
func (dt *Tensor) shardOffsets(device int, shardDims []int) []int {
	// Device flat index -> per-mesh-axis coordinates (row-major, like
	// ComputeReplicaGroups).
	coords := make([]int, dt.mesh.Rank())
	remaining := device
	for i := dt.mesh.Rank() - 1; i >= 0; i-- {
		coords[i] = remaining % dt.mesh.axesSizes[i]
		remaining /= dt.mesh.axesSizes[i]
	}

	offsets := make([]int, len(dt.logicalDims))
	for axis := range dt.logicalDims {
		if axis >= len(dt.spec) || dt.spec[axis] == Replicated {
			continue
		}
		meshAxis := dt.mesh.nameToAxis[dt.spec[axis]]
		offsets[axis] = coords[meshAxis] * shardDims[axis]
	}
	return offsets
}

// sliceTensor copies out the sub-tensor of t starting at offsets with the
// given dimensions.
func sliceTensor(t *tensor.Tensor, offsets, dims []int) *tensor.Tensor {
	out := tensor.New(dims...)
	copyRegion(t, out, offsets, dims, true)
	return out
}

// pasteTensor copies shard into dst at the given offsets.
func pasteTensor(dst, shard *tensor.Tensor, offsets []int) {
	copyRegion(dst, shard, offsets, shard.Shape(), false)
}

// copyRegion copies the region [offsets, offsets+dims) between the full tensor
// and the region tensor. Direction: fullToRegion extracts, otherwise inserts.
func copyRegion(full, region *tensor.Tensor, offsets, dims []int, fullToRegion bool) {
	fullDims := full.Shape()
	if len(dims) == 0 {
		// Scalars: single element.
		if fullToRegion {
			region.Data()[0] = full.Data()[0]
		} else {
			full.Data()[0] = region.Data()[0]
		}
		return
	}

	// Row-major strides of the full tensor.
	strides := make([]int, len(fullDims))
	stride := 1
	for i := len(fullDims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= fullDims[i]
	}

	// Iterate over all rows of the region (all but the last axis), copying the
	// innermost contiguous runs.
	rowLen := dims[len(dims)-1]
	numRows := 1
	for _, dim := range dims[:len(dims)-1] {
		numRows *= dim
	}
	idx := make([]int, len(dims)-1)
	regionPos := 0
	for row := 0; row < numRows; row++ {
		fullPos := offsets[len(dims)-1] * strides[len(dims)-1]
		for i, coord := range idx {
			fullPos += (offsets[i] + coord) * strides[i]
		}
		if fullToRegion {
			copy(region.Data()[regionPos:regionPos+rowLen], full.Data()[fullPos:fullPos+rowLen])
		} else {
			copy(full.Data()[fullPos:fullPos+rowLen], region.Data()[regionPos:regionPos+rowLen])
		}
		regionPos += rowLen

		// Advance the multi-index over the leading axes.
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i] {
				break
			}
			idx[i] = 0
		}
	}
}
