package data_test

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/support/errdefs"
)

type example struct {
	x float64
	y float64
}

func makeExamples(n int) []example {
	examples := make([]example, n)
	for i := range examples {
		examples[i] = example{x: float64(i), y: 2 * float64(i)}
	}
	return examples
}

func collate(chunk []example) (data.Batch, error) {
	xs := make([]float64, len(chunk))
	ys := make([]float64, len(chunk))
	for i, ex := range chunk {
		xs[i] = ex.x
		ys[i] = ex.y
	}
	return data.Batch{
		"x": tensor.FromFlat(xs, len(chunk), 1),
		"y": tensor.FromFlat(ys, len(chunk), 1),
	}, nil
}

func TestHostExamples(t *testing.T) {
	t.Run("pads by wrapping around", func(t *testing.T) {
		examples := makeExamples(10)
		out, err := data.HostExamples(examples, 8, false, random.Key{}, nil, 1, 0)
		require.NoError(t, err)
		require.Len(t, out, 16)
		assert.Equal(t, examples, out[:10])
		assert.Equal(t, examples[:6], out[10:])
	})

	t.Run("shuffle is deterministic in the key", func(t *testing.T) {
		examples := makeExamples(32)
		key := random.NewKey(3)
		a, err := data.HostExamples(examples, 8, true, key, nil, 1, 0)
		require.NoError(t, err)
		b, err := data.HostExamples(examples, 8, true, key, nil, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		c, err := data.HostExamples(examples, 8, true, random.NewKey(4), nil, 1, 0)
		require.NoError(t, err)
		assert.NotEqual(t, a, c)
		assert.ElementsMatch(t, a, c)
	})

	t.Run("hosts split each global batch under a mesh", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "mp"})
		require.NoError(t, err)

		examples := makeExamples(10)
		host0, err := data.HostExamples(examples, 8, false, random.Key{}, mesh, 2, 0)
		require.NoError(t, err)
		host1, err := data.HostExamples(examples, 8, false, random.Key{}, mesh, 2, 1)
		require.NoError(t, err)

		// 10 examples pad to 16 (two global batches), 8 per host.
		require.Len(t, host0, 8)
		require.Len(t, host1, 8)

		// Contiguous per-host slices of each global batch.
		assert.Equal(t, examples[0:4], host0[0:4])
		assert.Equal(t, examples[4:8], host1[0:4])
		assert.Equal(t, examples[8:10], host0[4:6])

		// Together, the hosts cover the padded sequence exactly.
		merged := append(append([]example{}, host0[0:4]...), host1[0:4]...)
		assert.Equal(t, examples[:8], merged)
	})

	t.Run("configuration errors", func(t *testing.T) {
		_, err := data.HostExamples(makeExamples(4), 0, false, random.Key{}, nil, 1, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

		mesh, err := distributed.NewDeviceMesh([]int{2}, []string{"dp"})
		require.NoError(t, err)
		_, err = data.HostExamples(makeExamples(9), 3, false, random.Key{}, mesh, 2, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration), "global batch not divisible by hosts")
	})
}

func TestBatches(t *testing.T) {
	t.Run("collates and device-shards lazily", func(t *testing.T) {
		batches := data.NewBatches(makeExamples(12), 6, collate, true, 2, "test")
		defer batches.Close()
		assert.Equal(t, 2, batches.Len())

		count := 0
		for batches.Next() {
			batch := batches.Batch()
			require.Contains(t, batch, "x")
			assert.Equal(t, []int{2, 3, 1}, batch["x"].Shape())
			count++
		}
		require.NoError(t, batches.Err())
		assert.Equal(t, 2, count)
	})

	t.Run("no sharding keeps the batch dimension", func(t *testing.T) {
		batches := data.NewBatches(makeExamples(6), 3, collate, false, 1, "test")
		defer batches.Close()
		require.True(t, batches.Next())
		assert.Equal(t, []int{3, 1}, batches.Batch()["x"].Shape())
	})

	t.Run("indivisible device sharding fails", func(t *testing.T) {
		batches := data.NewBatches(makeExamples(6), 3, collate, true, 2, "test")
		defer batches.Close()
		assert.False(t, batches.Next())
		require.Error(t, batches.Err())
		assert.True(t, errors.Is(batches.Err(), errdefs.ErrShapeMismatch))
	})

	t.Run("bad collate leading dimension fails", func(t *testing.T) {
		bad := func(chunk []example) (data.Batch, error) {
			return data.Batch{"x": tensor.New(1, 1)}, nil
		}
		batches := data.NewBatches(makeExamples(4), 2, bad, false, 1, "test")
		defer batches.Close()
		assert.False(t, batches.Next())
		assert.True(t, errors.Is(batches.Err(), errdefs.ErrShapeMismatch))
	})
}

func TestSignature(t *testing.T) {
	sig := data.SignatureOf(must.M1(collate(makeExamples(4))))
	require.NoError(t, sig.Matches(data.SignatureOf(must.M1(collate(makeExamples(4))))))

	smaller := must.M1(collate(makeExamples(2)))
	err := sig.Matches(data.SignatureOf(smaller))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch))

	err = sig.Matches(data.Signature{"x": sig["x"]})
	require.Error(t, err, "missing field")
}
