// Trains a PPO agent on the cart-pole balancing task and records the
// training metrics to disk.
package main

import (
	"fmt"

	"sfneuman.com/goppo/environment/classiccontrol/cartpole"
	"sfneuman.com/goppo/experiment"
	"sfneuman.com/goppo/experiment/tracker"
	"sfneuman.com/goppo/initwfn"
	"sfneuman.com/goppo/ppo"
	"sfneuman.com/goppo/solver"
)

func main() {
	var seed uint64 = 192382

	env := cartpole.New(500, seed)

	init, err := initwfn.NewGlorotN(1.0)
	if err != nil {
		panic(err)
	}
	adam, err := solver.NewDefaultAdam(3e-4, 1)
	if err != nil {
		panic(err)
	}

	config := ppo.Config{
		PolicyLayers:  []int{256, 128},
		ValueFnLayers: []int{256, 64},
		InitWFn:       init,
		Solver:        adam,
		Gamma:         0.99,
		EpsClip:       0.2,
		Epochs:        4,
		Train:         true,
	}

	agent, err := ppo.New(env.ObsDim(), env.NumActions(), config, seed)
	if err != nil {
		panic(err)
	}
	defer agent.Close()

	data := tracker.NewScalars("data.bin")
	exp, err := experiment.NewOnline(env, agent, 100_000, 2048, data)
	if err != nil {
		panic(err)
	}

	if err := exp.Run(); err != nil {
		panic(err)
	}
	if err := exp.Save(); err != nil {
		panic(err)
	}
	if err := agent.Save("ppo_weights.bin"); err != nil {
		panic(err)
	}

	fmt.Println("Saved tracked data to data.bin and weights to " +
		"ppo_weights.bin")
}
