package optimizers_test

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/train/optimizers"
	"github.com/texora/redco/pkg/support/errdefs"
)

func singleParam(value float64) *optimizers.Params {
	params := ptree.Branch[*tensor.Tensor]()
	params.Set("w", tensor.FromScalar(value))
	return params
}

func gradsLike(params *optimizers.Params, value float64) *optimizers.Params {
	return ptree.Map(params, func(path string, t *tensor.Tensor) *tensor.Tensor {
		return tensor.FromScalar(value)
	})
}

func paramValue(t *testing.T, params *optimizers.Params, path string) float64 {
	value, found := params.Get(path)
	require.True(t, found)
	return value.Scalar()
}

func TestWarmupLinearDecaySchedule(t *testing.T) {
	schedule := optimizers.WarmupLinearDecaySchedule(0.1, 10, 100)
	assert.Equal(t, 0.0, schedule(0))
	assert.InDelta(t, 0.05, schedule(5), 1e-12)
	assert.InDelta(t, 0.1, schedule(10), 1e-12)
	assert.InDelta(t, 0.05, schedule(55), 1e-12)
	assert.Equal(t, 0.0, schedule(100))
	assert.Equal(t, 0.0, schedule(1000))
}

func TestTrainingSchedule(t *testing.T) {
	schedule, total, warmup := optimizers.TrainingSchedule(800, 8, 1, 0.1, 1, 0.1)
	assert.Equal(t, int64(100), total)
	assert.Equal(t, int64(10), warmup)
	assert.Equal(t, 0.0, schedule(0))
	assert.InDelta(t, 0.1, schedule(10), 1e-12)

	// A partial last batch still counts as a step, and gradient accumulation
	// divides the number of optimizer updates.
	_, total, _ = optimizers.TrainingSchedule(810, 8, 2, 0.1, 2, 0.1)
	assert.Equal(t, int64(102), total)
}

func TestAdamW(t *testing.T) {
	t.Run("first step moves by about the learning rate", func(t *testing.T) {
		opt := optimizers.AdamW().WithLearningRate(0.01).Done()
		params := singleParam(1)
		state := opt.Init(params)

		newParams, newState, err := opt.Update(gradsLike(params, 0.5), state, params)
		require.NoError(t, err)
		// With debiasing, a constant gradient gives mhat/sqrt(vhat) == 1 on
		// the first step, whatever the gradient's magnitude.
		assert.InDelta(t, 1-0.01, paramValue(t, newParams, "w"), 1e-4)
		assert.Equal(t, int64(1), newState.NumUpdates())
		assert.Equal(t, 1.0, paramValue(t, params, "w"), "inputs must not be mutated")
	})

	t.Run("converges on a quadratic", func(t *testing.T) {
		opt := optimizers.AdamW().WithLearningRate(0.1).Done()
		params := singleParam(5)
		state := opt.Init(params)

		var err error
		for i := 0; i < 200; i++ {
			w := paramValue(t, params, "w")
			params, state, err = opt.Update(gradsLike(params, 2*w), state, params)
			require.NoError(t, err)
		}
		assert.Less(t, math.Abs(paramValue(t, params, "w")), 0.5)
	})

	t.Run("weight decay shrinks parameters without gradients", func(t *testing.T) {
		opt := optimizers.AdamW().WithLearningRate(0.1).WithWeightDecay(0.5).Done()
		params := singleParam(2)
		state := opt.Init(params)

		newParams, _, err := opt.Update(gradsLike(params, 0), state, params)
		require.NoError(t, err)
		// Zero gradient: the whole step is the decoupled decay lr*wd*w.
		assert.InDelta(t, 2-0.1*0.5*2, paramValue(t, newParams, "w"), 1e-9)
	})

	t.Run("schedule is evaluated at the update count", func(t *testing.T) {
		var seen []int64
		schedule := func(step int64) float64 {
			seen = append(seen, step)
			return 0.01
		}
		opt := optimizers.AdamW().WithSchedule(schedule).Done()
		params := singleParam(1)
		state := opt.Init(params)

		var err error
		for i := 0; i < 3; i++ {
			params, state, err = opt.Update(gradsLike(params, 1), state, params)
			require.NoError(t, err)
		}
		assert.Equal(t, []int64{0, 1, 2}, seen)
	})

	t.Run("rejects a foreign state", func(t *testing.T) {
		opt := optimizers.AdamW().Done()
		other, err := optimizers.MultiSteps(optimizers.AdamW().Done(), 2)
		require.NoError(t, err)

		params := singleParam(1)
		_, _, err = opt.Update(gradsLike(params, 1), other.Init(params), params)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})
}

func TestMultiSteps(t *testing.T) {
	t.Run("defers updates until the accumulation boundary", func(t *testing.T) {
		opt, err := optimizers.MultiSteps(optimizers.AdamW().WithLearningRate(0.01).Done(), 3)
		require.NoError(t, err)
		params := singleParam(1)
		state := opt.Init(params)

		for i := 0; i < 2; i++ {
			var newParams *optimizers.Params
			newParams, state, err = opt.Update(gradsLike(params, 1), state, params)
			require.NoError(t, err)
			assert.Equal(t, 1.0, paramValue(t, newParams, "w"), "micro step %d must not update", i)
			assert.Equal(t, int64(0), state.NumUpdates())
			params = newParams
		}
		params, state, err = opt.Update(gradsLike(params, 1), state, params)
		require.NoError(t, err)
		assert.NotEqual(t, 1.0, paramValue(t, params, "w"))
		assert.Equal(t, int64(1), state.NumUpdates())
	})

	t.Run("k micro batches equal one k-times-larger batch", func(t *testing.T) {
		const k = 4
		micro := []float64{0.5, 1.5, -1, 3}
		mean := 0.0
		for _, g := range micro {
			mean += g
		}
		mean /= k

		accumOpt, err := optimizers.MultiSteps(optimizers.AdamW().WithLearningRate(0.01).Done(), k)
		require.NoError(t, err)
		accumParams := singleParam(1)
		accumState := accumOpt.Init(accumParams)
		for _, g := range micro {
			accumParams, accumState, err = accumOpt.Update(gradsLike(accumParams, g), accumState, accumParams)
			require.NoError(t, err)
		}

		plainOpt := optimizers.AdamW().WithLearningRate(0.01).Done()
		plainParams := singleParam(1)
		plainParams, _, err = plainOpt.Update(gradsLike(plainParams, mean), plainOpt.Init(plainParams), plainParams)
		require.NoError(t, err)

		assert.InDelta(t, paramValue(t, plainParams, "w"), paramValue(t, accumParams, "w"), 1e-12)
	})

	t.Run("every of one is the inner optimizer", func(t *testing.T) {
		inner := optimizers.AdamW().Done()
		opt, err := optimizers.MultiSteps(inner, 1)
		require.NoError(t, err)
		assert.Equal(t, inner, opt)
	})

	t.Run("invalid accumulation factor", func(t *testing.T) {
		_, err := optimizers.MultiSteps(optimizers.AdamW().Done(), 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	})
}

func TestMultiStepAdamWForTraining(t *testing.T) {
	opt, err := optimizers.MultiStepAdamWForTraining(800, 8, 1, 0.1, 2, 0.1, 0.01)
	require.NoError(t, err)
	require.NotNil(t, opt)

	_, err = optimizers.MultiStepAdamWForTraining(800, 0, 1, 0.1, 1, 0.1, 0)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
	_, err = optimizers.MultiStepAdamWForTraining(800, 8, 1, 0.1, 0, 0.1, 0)
	assert.True(t, errors.Is(err, errdefs.ErrConfiguration))
}
