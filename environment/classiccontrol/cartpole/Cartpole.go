// Package cartpole implements the classic control problem of
// balancing a pole on a cart. The environment follows the dynamics
// described in "Neuronlike adaptive elements that can solve difficult
// learning control problems" (Barto, Sutton, Anderson; 1983).
package cartpole

import (
	"math"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
)

// Physical constants of the cart-pole system
const (
	Gravity        float64 = 9.8
	CartMass       float64 = 1.0
	PoleMass       float64 = 0.1
	TotalMass      float64 = CartMass + PoleMass
	HalfPoleLength float64 = 0.5
	ForceMag       float64 = 10.0
	Dt             float64 = 0.02

	// Episodes end once the cart leaves the track or the pole falls
	// beyond this angle (12 degrees in radians)
	PositionBound float64 = 2.4
	AngleBound    float64 = 12.0 * 2.0 * math.Pi / 360.0

	// Number of available actions: apply force left, apply no force,
	// or apply force right
	Actions int = 3

	// Dimensionality of state observations: cart position and
	// velocity, pole angle and angular velocity
	ObservationDims int = 4

	// Bound on the magnitude of each state feature at the start of an
	// episode
	startBound float64 = 0.05
)

// Cartpole implements the classic control cart-pole environment. In
// this environment, a pole is attached to a cart which can move along
// a frictionless horizontal track. Applying horizontal forces to the
// cart keeps the pole balanced upright. Episodes end when the pole
// falls past a fixed angle, when the cart leaves the track, or after
// a step limit, and each step gives a reward of 1.
type Cartpole struct {
	position        float64
	velocity        float64
	angle           float64
	angularVelocity float64

	steps    int
	maxSteps int

	rng *rand.Rand
}

// New returns a new Cartpole ending episodes after maxSteps steps.
func New(maxSteps int, seed uint64) *Cartpole {
	return &Cartpole{
		maxSteps: maxSteps,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Reset resets the environment so that a new episode can begin. Each
// state feature is drawn uniformly from a small interval around 0.
func (c *Cartpole) Reset() *mat.VecDense {
	c.position = c.uniform()
	c.velocity = c.uniform()
	c.angle = c.uniform()
	c.angularVelocity = c.uniform()
	c.steps = 0

	return c.observation()
}

// Step takes one environmental step given an action, returning the
// next observation, the reward for the transition, and whether the
// episode has ended. Actions outside the legal range apply no force.
func (c *Cartpole) Step(action int) (*mat.VecDense, float64, bool) {
	force := 0.0
	switch action {
	case 0:
		force = -ForceMag
	case 2:
		force = ForceMag
	}

	sinAngle := math.Sin(c.angle)
	cosAngle := math.Cos(c.angle)

	poleMassLength := PoleMass * HalfPoleLength
	temp := (force + poleMassLength*math.Pow(c.angularVelocity, 2)*
		sinAngle) / TotalMass
	angularAccel := (Gravity*sinAngle - cosAngle*temp) /
		(HalfPoleLength * (4.0/3.0 - PoleMass*math.Pow(cosAngle, 2)/
			TotalMass))
	accel := temp - poleMassLength*angularAccel*cosAngle/TotalMass

	c.position += Dt * c.velocity
	c.velocity += Dt * accel
	c.angle += Dt * c.angularVelocity
	c.angularVelocity += Dt * angularAccel
	c.steps++

	done := math.Abs(c.position) > PositionBound ||
		math.Abs(c.angle) > AngleBound ||
		c.steps >= c.maxSteps

	return c.observation(), 1.0, done
}

// ObsDim returns the dimensionality of state observations.
func (c *Cartpole) ObsDim() int {
	return ObservationDims
}

// NumActions returns the number of available actions.
func (c *Cartpole) NumActions() int {
	return Actions
}

// observation constructs the current state observation.
func (c *Cartpole) observation() *mat.VecDense {
	return mat.NewVecDense(ObservationDims, []float64{
		c.position,
		c.velocity,
		c.angle,
		c.angularVelocity,
	})
}

// uniform draws a starting state feature.
func (c *Cartpole) uniform() float64 {
	return startBound * (2.0*c.rng.Float64() - 1.0)
}
