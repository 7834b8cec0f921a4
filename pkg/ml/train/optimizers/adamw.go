package optimizers

import (
	"math"

	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/support/errdefs"
)

const (
	// AdamWDefaultLearningRate is used by AdamW if no learning rate is set.
	AdamWDefaultLearningRate = 0.001
)

// AdamW returns a configuration object for the AdamW optimizer: Adam with
// decoupled weight decay (Loshchilov & Hutter). Configure it with the With*
// methods and call Done to build the optimizer.
func AdamW() *AdamWConfig {
	return &AdamWConfig{
		schedule:    Constant(AdamWDefaultLearningRate),
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: 0,
	}
}

// AdamWConfig holds the configuration of an AdamW optimizer, created with
// AdamW(). Once configured, call Done.
type AdamWConfig struct {
	schedule     Schedule
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// WithLearningRate sets a constant learning rate.
func (c *AdamWConfig) WithLearningRate(value float64) *AdamWConfig {
	c.schedule = Constant(value)
	return c
}

// WithSchedule sets a learning rate schedule, evaluated at the optimizer's
// update count on every update.
func (c *AdamWConfig) WithSchedule(schedule Schedule) *AdamWConfig {
	c.schedule = schedule
	return c
}

// WithBetas sets the two moving-average constants (exponential decays).
// They default to 0.9 and 0.999.
func (c *AdamWConfig) WithBetas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// WithEpsilon sets the small denominator constant for stability.
func (c *AdamWConfig) WithEpsilon(epsilon float64) *AdamWConfig {
	c.epsilon = epsilon
	return c
}

// WithWeightDecay sets the decoupled weight decay factor.
func (c *AdamWConfig) WithWeightDecay(weightDecay float64) *AdamWConfig {
	c.weightDecay = weightDecay
	return c
}

// Done finishes the configuration and builds the optimizer.
func (c *AdamWConfig) Done() Interface {
	return &adamW{config: *c}
}

// MultiStepAdamWForTraining builds the standard optimizer for a training run:
// AdamW with a warmup-then-linear-decay learning rate schedule derived from
// the dataset size and epoch count, wrapped with gradient accumulation when
// accumulateGradBatches > 1.
func MultiStepAdamWForTraining(trainSize, globalBatchSize, nEpochs int, learningRate float64,
	accumulateGradBatches int, warmupRate, weightDecay float64) (Interface, error) {
	if globalBatchSize <= 0 {
		return nil, errdefs.Configurationf("global batch size must be positive, got %d", globalBatchSize)
	}
	if accumulateGradBatches < 1 {
		return nil, errdefs.Configurationf("gradient accumulation factor must be >= 1, got %d", accumulateGradBatches)
	}
	schedule, _, _ := TrainingSchedule(trainSize, globalBatchSize, nEpochs, learningRate, accumulateGradBatches, warmupRate)
	opt := AdamW().WithSchedule(schedule).WithWeightDecay(weightDecay).Done()
	return MultiSteps(opt, accumulateGradBatches)
}

// adamW implements Interface.
type adamW struct {
	config AdamWConfig
}

// adamWState holds the first and second gradient moments and the update count.
type adamWState struct {
	moment1, moment2 *Params
	numUpdates       int64
}

func (s *adamWState) NumUpdates() int64 { return s.numUpdates }

func (s *adamWState) EnumerateSlots(fn func(name string, slots *Params)) {
	fn("moment1", s.moment1)
	fn("moment2", s.moment2)
}

// Init implements Interface.
func (o *adamW) Init(params *Params) State {
	return &adamWState{
		moment1: zerosLike(params),
		moment2: zerosLike(params),
	}
}

// Update implements Interface. It applies one AdamW update:
//
//	m = b1*m + (1-b1)*g          v = b2*v + (1-b2)*g^2
//	mhat = m/(1-b1^t)            vhat = v/(1-b2^t)
//	p = p - lr * (mhat/(sqrt(vhat)+eps) + weightDecay*p)
func (o *adamW) Update(grads *Params, state State, params *Params) (*Params, State, error) {
	prev, ok := state.(*adamWState)
	if !ok {
		return nil, nil, errdefs.Configurationf("AdamW.Update got a state of type %T, created by a different optimizer", state)
	}
	t := prev.numUpdates + 1
	learningRate := o.config.schedule(prev.numUpdates)
	debias1 := 1 / (1 - math.Pow(o.config.beta1, float64(t)))
	debias2 := 1 / (1 - math.Pow(o.config.beta2, float64(t)))

	moment1, err := zipApply("AdamW first moment", prev.moment1, grads,
		func(m, g *tensor.Tensor) (*tensor.Tensor, error) {
			out := tensor.Scale(o.config.beta1, m)
			out.AddScaledInPlace(1-o.config.beta1, g)
			return out, nil
		})
	if err != nil {
		return nil, nil, err
	}
	moment2, err := zipApply("AdamW second moment", prev.moment2, grads,
		func(v, g *tensor.Tensor) (*tensor.Tensor, error) {
			out := tensor.Scale(o.config.beta2, v)
			out.AddScaledInPlace(1-o.config.beta2, tensor.Mul(g, g))
			return out, nil
		})
	if err != nil {
		return nil, nil, err
	}

	// One fused pass per parameter for the debiased step.
	newParams, err := ptree.Combine(params, moment1, func(path string, p, m *tensor.Tensor) (*tensor.Tensor, error) {
		v, found := moment2.Get(path)
		if !found {
			return nil, errdefs.ShapeMismatchf("missing second moment for parameter %q", path)
		}
		out := p.Clone()
		pData, mData, vData := out.Data(), m.Data(), v.Data()
		for i := range pData {
			mhat := mData[i] * debias1
			vhat := vData[i] * debias2
			step := mhat/(math.Sqrt(vhat)+o.config.epsilon) + o.config.weightDecay*pData[i]
			pData[i] -= learningRate * step
		}
		return out, nil
	})
	if err != nil {
		return nil, nil, err
	}

	return newParams, &adamWState{moment1: moment1, moment2: moment2, numUpdates: t}, nil
}
