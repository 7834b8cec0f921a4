// Package data implements the host-side data pipeline: deterministic
// partitioning of examples across hosts, and a lazy iterator of collated,
// device-sharded batches.
package data

import (
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/support/errdefs"
)

// Batch maps field names (e.g. "input_ids", "attention_mask", "labels") to
// fixed-shape tensors whose leading dimension is the local batch size.
//
// Batches are ephemeral: constructed per iteration and consumed immediately by
// a step function.
type Batch map[string]*tensor.Tensor

// CollateFn converts a chunk of raw examples into a Batch. The leading
// dimension of every produced field must equal len(examples).
type CollateFn[T any] func(examples []T) (Batch, error)

// Signature captures the shape of every field of a batch. It is the key for
// lazily compiled step programs: all batches of a pass must share it.
type Signature map[string]string

// SignatureOf computes the Signature of a batch.
func SignatureOf(batch Batch) Signature {
	sig := make(Signature, len(batch))
	for name, t := range batch {
		sig[name] = shapeKey(t.Shape())
	}
	return sig
}

// Matches reports whether another signature is identical to sig, returning a
// descriptive error when it is not.
func (sig Signature) Matches(other Signature) error {
	if len(sig) != len(other) {
		return errdefs.ShapeMismatchf("batch has fields %v, step program was compiled for %v",
			sortedKeys(other), sortedKeys(sig))
	}
	for name, shape := range sig {
		otherShape, found := other[name]
		if !found {
			return errdefs.ShapeMismatchf("batch is missing field %q, step program was compiled with it", name)
		}
		if otherShape != shape {
			return errdefs.ShapeMismatchf("batch field %q has shape %s, step program was compiled for %s",
				name, otherShape, shape)
		}
	}
	return nil
}

// HostExamples returns the slice of examples this host should materialize for
// one pass over the data.
//
//   - If shuffle is set, examples are permuted deterministically from
//     shuffleRNG: the same key always produces the same order.
//   - The sequence is padded by wrapping around to the start of the (possibly
//     shuffled) sequence until its length is a multiple of globalBatchSize, so
//     no example is dropped across epochs while batch shapes stay fixed.
//   - With a nil mesh every host sees the identical sequence (the execution
//     layer handles pure data-parallel replication). With a mesh, each global
//     batch is partitioned into contiguous per-host slices, and only this
//     host's slices are returned.
func HostExamples[T any](examples []T, globalBatchSize int, shuffle bool, shuffleRNG random.Key,
	mesh *distributed.DeviceMesh, numProcesses, processIndex int) ([]T, error) {
	if globalBatchSize <= 0 {
		return nil, errdefs.Configurationf("global batch size must be positive, got %d", globalBatchSize)
	}

	ordered := examples
	if shuffle {
		perm := shuffleRNG.Perm(len(examples))
		ordered = make([]T, len(examples))
		for i, j := range perm {
			ordered[i] = examples[j]
		}
	}

	// Wrap-around padding to a whole number of global batches.
	if remainder := len(ordered) % globalBatchSize; remainder != 0 {
		padded := make([]T, 0, len(ordered)+globalBatchSize-remainder)
		padded = append(padded, ordered...)
		for i := 0; len(padded)%globalBatchSize != 0; i++ {
			padded = append(padded, ordered[i%len(ordered)])
		}
		ordered = padded
	}

	if mesh == nil {
		return ordered, nil
	}

	if globalBatchSize%numProcesses != 0 {
		return nil, errdefs.Configurationf(
			"global batch size %d is not divisible across %d host processes", globalBatchSize, numProcesses)
	}
	hostShare := globalBatchSize / numProcesses
	local := make([]T, 0, len(ordered)/numProcesses)
	for start := 0; start < len(ordered); start += globalBatchSize {
		begin := start + processIndex*hostShare
		local = append(local, ordered[begin:begin+hostShare]...)
	}
	return local, nil
}

// validateBatch checks that every collated field has the expected leading
// dimension.
func validateBatch(batch Batch, batchSize int) error {
	if len(batch) == 0 {
		return errors.New("collate function produced an empty batch")
	}
	for name, t := range batch {
		if t.Rank() == 0 || t.Dim(0) != batchSize {
			return errdefs.ShapeMismatchf(
				"collated field %q has shape %v, leading dimension must be the batch size %d",
				name, t.Shape(), batchSize)
		}
	}
	return nil
}

// shardBatch reshapes every field's leading dimension batchSize into
// (numDevices, batchSize/numDevices) so a replicated execution layer can map
// over the device axis.
func shardBatch(batch Batch, numDevices int) (Batch, error) {
	sharded := make(Batch, len(batch))
	for name, t := range batch {
		if t.Dim(0)%numDevices != 0 {
			return nil, errdefs.ShapeMismatchf(
				"field %q batch dimension %d is not divisible across %d devices", name, t.Dim(0), numDevices)
		}
		dims := append([]int{numDevices, t.Dim(0) / numDevices}, t.Shape()[1:]...)
		sharded[name] = t.Reshape(dims...)
	}
	return sharded, nil
}

func shapeKey(dims []int) string {
	key := "("
	for i, dim := range dims {
		if i > 0 {
			key += ","
		}
		key += strconv.Itoa(dim)
	}
	return key + ")"
}

func sortedKeys(sig Signature) []string {
	keys := maps.Keys(sig)
	sort.Strings(keys)
	return keys
}
