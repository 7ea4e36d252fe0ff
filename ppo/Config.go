package ppo

import (
	"fmt"

	"sfneuman.com/goppo/initwfn"
	"sfneuman.com/goppo/solver"
)

// Relative weights of the value and entropy terms in the training
// objective
const (
	valueLossWeight   float64 = 0.6
	entropyLossWeight float64 = 0.01
)

// Default hidden layer sizes of the policy and value networks
var (
	defaultPolicyLayers  = []int{256, 128}
	defaultValueFnLayers = []int{256, 64}
)

// Config implements the configuration of a PPO agent
type Config struct {
	// PolicyLayers and ValueFnLayers are the hidden layer sizes of the
	// policy and value networks. When nil, the defaults of (256, 128)
	// for the policy and (256, 64) for the value network are used.
	PolicyLayers  []int
	ValueFnLayers []int

	InitWFn *initwfn.InitWFn
	Solver  *solver.Solver

	// Gamma is the discount factor applied to future rewards
	Gamma float64

	// EpsClip determines how far the probability ratio between the
	// updated and the behaviour policy may move from 1 before its
	// contribution to the objective is clipped
	EpsClip float64

	// Epochs is the number of gradient steps taken on each batch
	Epochs int

	// Train denotes whether the agent starts in training mode
	Train bool
}

// Validate ensures that the Config is valid
func (c Config) Validate() error {
	if c.InitWFn == nil {
		return fmt.Errorf("validate: no weight initializer provided")
	}
	if c.Solver == nil {
		return fmt.Errorf("validate: no solver provided")
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return fmt.Errorf("validate: discount must be in (0, 1]"+
			"\n\thave(%v)", c.Gamma)
	}
	if c.EpsClip <= 0 {
		return fmt.Errorf("validate: clipping radius must be positive"+
			"\n\thave(%v)", c.EpsClip)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("validate: at least one training epoch "+
			"required\n\thave(%v)", c.Epochs)
	}
	for _, size := range c.PolicyLayers {
		if size < 1 {
			return fmt.Errorf("validate: policy hidden layer sizes must "+
				"be positive\n\thave(%v)", c.PolicyLayers)
		}
	}
	for _, size := range c.ValueFnLayers {
		if size < 1 {
			return fmt.Errorf("validate: value function hidden layer "+
				"sizes must be positive\n\thave(%v)", c.ValueFnLayers)
		}
	}
	return nil
}

// policyLayers gets the hidden layer sizes of the policy network,
// applying the default when unset.
func (c Config) policyLayers() []int {
	if c.PolicyLayers == nil {
		return defaultPolicyLayers
	}
	return c.PolicyLayers
}

// valueFnLayers gets the hidden layer sizes of the value network,
// applying the default when unset.
func (c Config) valueFnLayers() []int {
	if c.ValueFnLayers == nil {
		return defaultValueFnLayers
	}
	return c.ValueFnLayers
}
