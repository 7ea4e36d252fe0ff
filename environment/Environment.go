// Package environment outlines the interfaces and structs needed to
// implement concrete environments with discrete actions.
package environment

import "gonum.org/v1/gonum/mat"

// Environment implements a sequential decision making task with a
// fixed number of discrete actions.
type Environment interface {
	// Reset resets the environment to some starting state and returns
	// the first observation of the new episode
	Reset() *mat.VecDense

	// Step takes one environmental step given an action, returning
	// the next observation, the reward for the transition, and
	// whether the episode has ended
	Step(action int) (*mat.VecDense, float64, bool)

	// ObsDim returns the dimensionality of state observations
	ObsDim() int

	// NumActions returns the number of available actions
	NumActions() int
}
