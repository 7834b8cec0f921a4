package distributed

import (
	"regexp"

	"github.com/pkg/errors"

	"github.com/texora/redco/pkg/core/ptree"
	"github.com/texora/redco/pkg/core/tensor"
)

// ShardRule pairs a pattern over parameter name paths with the ShardSpec to
// assign to matching parameters.
//
// Rules are kept in an ordered list and matched first-to-last: ordering
// determines priority and must be preserved. Parameters no rule matches
// default to FullyReplicated.
type ShardRule struct {
	// Pattern is matched (unanchored) against the parameter's "/"-joined path.
	Pattern *regexp.Regexp

	// Spec assigned to matching parameters.
	Spec ShardSpec
}

// Rule builds a ShardRule from a pattern string. It panics on an invalid
// pattern, so rule lists can be declared as package-level values.
func Rule(pattern string, spec ShardSpec) ShardRule {
	return ShardRule{Pattern: regexp.MustCompile(pattern), Spec: spec}
}

// DefaultShardRules returns the default rule list for transformer-style
// parameter trees: embedding and attention/MLP projection kernels are split
// along the ModelParallelAxis, everything else (biases, layer norms) is
// replicated.
//
// The row/column split alternates so that matmul-contracted axes line up: an
// input projection splits its output features, the following output projection
// splits its input features.
func DefaultShardRules() []ShardRule {
	return []ShardRule{
		Rule(`embed.*/(embedding|kernel)`, NewShardSpec(ModelParallelAxis)),
		Rule(`(attention|self_attn)/(q|k|v|query|key|value)/kernel`, NewShardSpec(Replicated, ModelParallelAxis)),
		Rule(`(attention|self_attn)/(o|out|output)/kernel`, NewShardSpec(ModelParallelAxis, Replicated)),
		Rule(`(mlp|DenseReluDense|feed_forward)/(wi|wi_0|wi_1|up|gate)/kernel`, NewShardSpec(Replicated, ModelParallelAxis)),
		Rule(`(mlp|DenseReluDense|feed_forward)/(wo|down)/kernel`, NewShardSpec(ModelParallelAxis, Replicated)),
		Rule(`(layer_norm|layernorm|ln|scale|bias)`, FullyReplicated),
	}
}

// SpecTree is a tree of ShardSpec with the same topology as a parameter tree.
type SpecTree = ptree.Tree[ShardSpec]

// DerivePartitionSpecs walks the parameter tree and returns the matching tree
// of ShardSpec: for each parameter, the spec of the first rule whose pattern
// matches its path, or FullyReplicated if none does.
//
// Every derived spec is validated against the mesh and the parameter's shape.
// The result is deterministic: identical tree topology and rule list always
// yield an identical spec tree.
func DerivePartitionSpecs(params *ptree.Tree[*tensor.Tensor], rules []ShardRule, mesh *DeviceMesh) (*SpecTree, error) {
	var firstErr error
	specs := ptree.Map(params, func(path string, t *tensor.Tensor) ShardSpec {
		spec := FullyReplicated
		for _, rule := range rules {
			if rule.Pattern.MatchString(path) {
				spec = rule.Spec
				break
			}
		}
		if firstErr == nil {
			if err := spec.ValidateForTensor(mesh, t); err != nil {
				firstErr = errors.WithMessagef(err, "deriving partition spec for parameter %q", path)
			}
		}
		return spec
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return specs, nil
}
