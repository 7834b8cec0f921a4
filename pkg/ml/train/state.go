package train

import (
	"github.com/texora/redco/pkg/core/distributed"
	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
	"github.com/texora/redco/pkg/ml/random"
	"github.com/texora/redco/pkg/ml/train/optimizers"
	"github.com/texora/redco/pkg/support/errdefs"
)

// PlacementKind discriminates the Placement tagged type.
type PlacementKind int

const (
	// Unplaced is a freshly created state, before the deployer decided where
	// it lives. Steps can still run on it, on a single device.
	Unplaced PlacementKind = iota
	// Replicated means every data-parallel replica holds a full copy of the
	// parameters. The invariant is that all copies are identical, which the
	// replicated runner guarantees by averaging gradients before the single
	// update.
	Replicated
	// Sharded means parameters are split across a device mesh per a tree of
	// partition specs.
	Sharded
)

func (k PlacementKind) String() string {
	switch k {
	case Replicated:
		return "replicated"
	case Sharded:
		return "sharded"
	default:
		return "unplaced"
	}
}

// Placement describes where a training state lives. The zero value is
// Unplaced.
type Placement struct {
	kind        PlacementKind
	numReplicas int
	mesh        *distributed.DeviceMesh
	specs       *distributed.SpecTree
	shards      *ptree.Tree[*distributed.Tensor]
}

// Kind returns the discriminant.
func (p Placement) Kind() PlacementKind { return p.kind }

// NumReplicas returns the replica count of a Replicated placement, 1 otherwise.
func (p Placement) NumReplicas() int {
	if p.kind != Replicated {
		return 1
	}
	return p.numReplicas
}

// Mesh returns the device mesh of a Sharded placement, nil otherwise.
func (p Placement) Mesh() *distributed.DeviceMesh { return p.mesh }

// Specs returns the partition specs of a Sharded placement, nil otherwise.
func (p Placement) Specs() *distributed.SpecTree { return p.specs }

// ShardedParams returns the physically sharded parameter tensors of a Sharded
// placement, nil otherwise.
func (p Placement) ShardedParams() *ptree.Tree[*distributed.Tensor] { return p.shards }

// State is the complete immutable snapshot of a training run at one step:
// parameters, optimizer and its state, step counter, and the dropout RNG key.
// Every transform (ApplyGradients, Replicate, ShardBySpecs) returns a new
// State and leaves the receiver untouched.
type State struct {
	apply     ApplyFn
	params    *Params
	optimizer optimizers.Interface
	optState  optimizers.State
	step      int64
	rng       random.Key
	schedule  optimizers.Schedule
	placement Placement
}

// NewState creates a step-0 training state. The optimizer state is
// initialized from params. schedule may be nil when the learning rate is not
// tracked as a metric.
func NewState(apply ApplyFn, params *Params, optimizer optimizers.Interface,
	rng random.Key, schedule optimizers.Schedule) (*State, error) {
	if params == nil || params.NumLeaves() == 0 {
		return nil, errdefs.Configurationf("training state needs at least one parameter")
	}
	if optimizer == nil {
		return nil, errdefs.Configurationf("training state needs an optimizer")
	}
	return &State{
		apply:     apply,
		params:    params,
		optimizer: optimizer,
		optState:  optimizer.Init(params),
		rng:       rng,
		schedule:  schedule,
	}, nil
}

// Apply returns the model forward function.
func (s *State) Apply() ApplyFn { return s.apply }

// Params returns the logical parameter tree.
func (s *State) Params() *Params { return s.params }

// Optimizer returns the optimizer.
func (s *State) Optimizer() optimizers.Interface { return s.optimizer }

// OptState returns the current optimizer state.
func (s *State) OptState() optimizers.State { return s.optState }

// Step returns the number of train steps applied so far.
func (s *State) Step() int64 { return s.step }

// Placement returns where the state lives.
func (s *State) Placement() Placement { return s.placement }

// DropoutRNG returns the RNG key for the current step. It changes on every
// ApplyGradients, never in place.
func (s *State) DropoutRNG() random.Key { return s.rng }

// LearningRate returns the learning rate the next update will use, evaluated
// at the optimizer's update count. ok is false when no schedule was set.
func (s *State) LearningRate() (lr float64, ok bool) {
	if s.schedule == nil {
		return 0, false
	}
	return s.schedule(s.optState.NumUpdates()), true
}

// ApplyGradients applies one optimizer update and returns the next state:
// step+1, a freshly split RNG key, and the placement carried over. Under a
// Sharded placement the new parameters are re-sharded with the same specs.
func (s *State) ApplyGradients(grads *Params) (*State, error) {
	newParams, newOptState, err := s.optimizer.Update(grads, s.optState, s.params)
	if err != nil {
		return nil, err
	}
	nextRNG, _ := s.rng.Split2()
	next := &State{
		apply:     s.apply,
		params:    newParams,
		optimizer: s.optimizer,
		optState:  newOptState,
		step:      s.step + 1,
		rng:       nextRNG,
		schedule:  s.schedule,
		placement: s.placement,
	}
	if s.placement.kind == Sharded {
		next.placement.shards, err = shardParams(newParams, s.placement.specs, s.placement.mesh)
		if err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Replicate marks the state as replicated over n data-parallel replicas.
func (s *State) Replicate(n int) (*State, error) {
	if n < 1 {
		return nil, errdefs.Configurationf("cannot replicate over %d replicas", n)
	}
	out := *s
	out.placement = Placement{kind: Replicated, numReplicas: n}
	return &out, nil
}

// ShardBySpecs physically shards the parameters over the mesh per the given
// partition specs and marks the state as sharded. The optimizer state shares
// the parameter topology, so the same specs govern it; each spec is validated
// against both.
func (s *State) ShardBySpecs(specs *distributed.SpecTree, mesh *distributed.DeviceMesh) (*State, error) {
	if mesh == nil {
		return nil, errdefs.Configurationf("sharding needs a device mesh")
	}
	if !ptree.SameTopology(s.params, specs) {
		return nil, errdefs.ShapeMismatchf("partition specs do not match parameter topology")
	}
	shards, err := shardParams(s.params, specs, mesh)
	if err != nil {
		return nil, err
	}
	var slotErr error
	s.optState.EnumerateSlots(func(name string, slots *Params) {
		if slotErr != nil || slots == nil {
			return
		}
		if _, err := shardParams(slots, specs, mesh); err != nil {
			slotErr = err
		}
	})
	if slotErr != nil {
		return nil, slotErr
	}
	out := *s
	out.placement = Placement{kind: Sharded, mesh: mesh, specs: specs, shards: shards}
	return &out, nil
}

func shardParams(params *Params, specs *distributed.SpecTree, mesh *distributed.DeviceMesh) (*ptree.Tree[*distributed.Tensor], error) {
	return ptree.Combine(params, specs, func(path string, t *tensor.Tensor, spec distributed.ShardSpec) (*distributed.Tensor, error) {
		return distributed.ShardTensor(t, spec, mesh)
	})
}
