package train_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/data"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/ml/train"
	"github.com/texora/redco/pkg/ml/train/optimizers"
	"github.com/texora/redco/pkg/support/errdefs"
)

func newParams() *train.Params {
	params := ptree.Branch[*tensor.Tensor]()
	params.Set("dense/kernel", tensor.FromFlat([]float64{1, 2, 3, 4}, 2, 2))
	params.Set("dense/bias", tensor.FromFlat([]float64{0, 0}, 2))
	return params
}

func newState(t *testing.T) *train.State {
	opt := optimizers.AdamW().WithLearningRate(0.01).Done()
	state, err := train.NewState(nil, newParams(), opt, random.NewKey(0), optimizers.Constant(0.01))
	require.NoError(t, err)
	return state
}

func zeroGrads(params *train.Params) *train.Params {
	return ptree.Map(params, func(path string, t *tensor.Tensor) *tensor.Tensor {
		return tensor.ZerosLike(t)
	})
}

func TestNewState(t *testing.T) {
	state := newState(t)
	assert.Equal(t, int64(0), state.Step())
	assert.Equal(t, train.Unplaced, state.Placement().Kind())
	assert.NotNil(t, state.OptState())

	lr, ok := state.LearningRate()
	require.True(t, ok)
	assert.Equal(t, 0.01, lr)

	_, err := train.NewState(nil, ptree.Branch[*tensor.Tensor](), optimizers.AdamW().Done(),
		random.NewKey(0), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))

	noSchedule, err := train.NewState(nil, newParams(), optimizers.AdamW().Done(), random.NewKey(0), nil)
	require.NoError(t, err)
	_, ok = noSchedule.LearningRate()
	assert.False(t, ok)
}

func TestApplyGradients(t *testing.T) {
	state := newState(t)

	next, err := state.ApplyGradients(zeroGrads(state.Params()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Step())
	assert.NotEqual(t, state.DropoutRNG(), next.DropoutRNG(), "RNG must advance")
	assert.Equal(t, int64(0), state.Step(), "previous state stays untouched")
	assert.Equal(t, int64(1), next.OptState().NumUpdates())

	// Replaying from the same state is deterministic.
	again, err := state.ApplyGradients(zeroGrads(state.Params()))
	require.NoError(t, err)
	assert.Equal(t, next.DropoutRNG(), again.DropoutRNG())
}

func TestPlacement(t *testing.T) {
	t.Run("replicate", func(t *testing.T) {
		state := newState(t)
		replicated, err := state.Replicate(4)
		require.NoError(t, err)
		assert.Equal(t, train.Replicated, replicated.Placement().Kind())
		assert.Equal(t, 4, replicated.Placement().NumReplicas())
		assert.Equal(t, train.Unplaced, state.Placement().Kind())

		_, err = state.Replicate(0)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})

	t.Run("shard by specs", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"dp", "mp"})
		require.NoError(t, err)
		state := newState(t)

		specs, err := distributed.DerivePartitionSpecs(state.Params(),
			[]distributed.ShardRule{distributed.Rule(`kernel`, distributed.NewShardSpec("", "mp"))}, mesh)
		require.NoError(t, err)

		sharded, err := state.ShardBySpecs(specs, mesh)
		require.NoError(t, err)
		placement := sharded.Placement()
		assert.Equal(t, train.Sharded, placement.Kind())
		assert.Same(t, mesh, placement.Mesh())

		shards := placement.ShardedParams()
		require.NotNil(t, shards)
		kernel, found := shards.Get("dense/kernel")
		require.True(t, found)
		assert.Equal(t, []int{2, 1}, kernel.Shard(0).Shape())
		assert.Equal(t, []float64{1, 2, 3, 4}, kernel.Assemble().Data())

		// Placement survives an update, re-sharding the new parameters.
		next, err := sharded.ApplyGradients(zeroGrads(sharded.Params()))
		require.NoError(t, err)
		assert.Equal(t, train.Sharded, next.Placement().Kind())
		assert.NotNil(t, next.Placement().ShardedParams())
	})

	t.Run("shard topology mismatch", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2}, []string{"mp"})
		require.NoError(t, err)
		state := newState(t)

		specs := ptree.Branch[distributed.ShardSpec]()
		specs.Set("dense/kernel", distributed.FullyReplicated)
		_, err = state.ShardBySpecs(specs, mesh)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrShapeMismatch))
	})
}

func TestSteps(t *testing.T) {
	batch := data.Batch{"x": tensor.FromFlat([]float64{1, 2}, 2, 1)}

	lossAndGrad := func(rng random.Key, params *train.Params, b data.Batch) (float64, *train.Params, error) {
		return 0.5, zeroGrads(params), nil
	}
	lossFn := func(rng random.Key, params *train.Params, b data.Batch, isTraining bool) (float64, error) {
		assert.False(t, isTraining)
		return 0.25, nil
	}

	state := newState(t)
	next, metrics, err := train.TrainStep(state, batch, lossAndGrad)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Step())
	assert.Equal(t, 0.5, metrics[train.MetricLoss])
	assert.Equal(t, 0.0, metrics[train.MetricStep])
	assert.Equal(t, 0.01, metrics[train.MetricLR])

	evalMetrics, err := train.EvalStep(next, batch, lossFn)
	require.NoError(t, err)
	assert.Equal(t, train.Metrics{train.MetricLoss: 0.25}, evalMetrics)
	assert.Equal(t, int64(1), next.Step(), "eval must not advance the state")
}

func TestMeanGradsAndMetrics(t *testing.T) {
	a := ptree.Branch[*tensor.Tensor]()
	a.Set("w", tensor.FromFlat([]float64{1, 3}, 2))
	b := ptree.Branch[*tensor.Tensor]()
	b.Set("w", tensor.FromFlat([]float64{3, 5}, 2))

	mean, err := train.MeanGrads([]*train.Params{a, b})
	require.NoError(t, err)
	w, found := mean.Get("w")
	require.True(t, found)
	assert.Equal(t, []float64{2, 4}, w.Data())

	metrics := train.MeanMetrics([]train.Metrics{
		{"loss": 1, "lr": 0.1},
		{"loss": 3, "lr": 0.1},
	})
	assert.Equal(t, train.Metrics{"loss": 2, "lr": 0.1}, metrics)
}
