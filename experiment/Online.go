// Package experiment implements functionality for running an
// agent-environment interaction loop and recording its results.
package experiment

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
	"sfneuman.com/goppo/environment"
	"sfneuman.com/goppo/experiment/tracker"
	"sfneuman.com/goppo/utils/progressbar"
)

// ReturnTag is the tag under which episodic returns are tracked
const ReturnTag string = "Train/Return"

// Agent implements an agent that learns online from interaction with
// an environment.
type Agent interface {
	// SelectAction returns an action for the argument state
	SelectAction(state *mat.VecDense) int

	// Observe records the consequences of the last selected action
	Observe(reward float64, terminal bool)

	// Update performs one learning step on buffered experience,
	// recording training metrics with t
	Update(t tracker.Tracker) error
}

// Online implements an online experiment, where an agent learns while
// interacting with an environment for a fixed number of environmental
// steps. The agent is updated every updateInterval steps and once
// more at the end of the experiment.
type Online struct {
	env   environment.Environment
	agent Agent

	maxSteps       int
	updateInterval int

	t tracker.Tracker
}

// NewOnline returns a new online experiment on env lasting maxSteps
// environmental steps. The tracker t records episodic returns and the
// agent's training metrics; a nil t drops all metrics.
func NewOnline(env environment.Environment, agent Agent, maxSteps,
	updateInterval int, t tracker.Tracker) (*Online, error) {
	if maxSteps < 1 {
		return nil, fmt.Errorf("newonline: experiment must last at "+
			"least one step\n\thave(%v)", maxSteps)
	}
	if updateInterval < 1 {
		return nil, fmt.Errorf("newonline: update interval must be "+
			"positive\n\thave(%v)", updateInterval)
	}

	return &Online{
		env:            env,
		agent:          agent,
		maxSteps:       maxSteps,
		updateInterval: updateInterval,
		t:              t,
	}, nil
}

// Run runs the experiment. Each episode's return is tracked at the
// environmental step on which the episode ended.
func (o *Online) Run() error {
	bar := progressbar.NewProgressBar(80, o.maxSteps, time.Second, false)
	bar.Display()
	defer bar.Close()

	episode := 0
	episodeReturn := 0.0
	state := o.env.Reset()

	for step := 1; step <= o.maxSteps; step++ {
		action := o.agent.SelectAction(state)
		nextState, reward, done := o.env.Step(action)
		o.agent.Observe(reward, done)
		episodeReturn += reward

		if done {
			if o.t != nil {
				o.t.Track(ReturnTag, episodeReturn, step)
			}
			episode++
			episodeReturn = 0.0
			state = o.env.Reset()
		} else {
			state = nextState
		}

		if step%o.updateInterval == 0 {
			if err := o.agent.Update(o.t); err != nil {
				return fmt.Errorf("run: could not update agent at step "+
					"%v: %v", step, err)
			}
		}

		bar.Increment()
	}

	// Consume whatever experience is left over
	if err := o.agent.Update(o.t); err != nil {
		return fmt.Errorf("run: could not perform final update: %v", err)
	}

	return nil
}

// Save saves the experiment's tracked data to disk.
func (o *Online) Save() error {
	if o.t == nil {
		return nil
	}
	if err := o.t.Save(); err != nil {
		return fmt.Errorf("save: could not save tracked data: %v", err)
	}
	return nil
}
