package ppo

import (
	"fmt"
)

// Buffer stores the trajectory of one rollout: states, selected
// actions, and the log-probabilities the behaviour policy assigned to
// them at sampling time, together with the rewards and terminal flags
// observed afterwards. Storage is append-only and order-preserving;
// the only removal operation is a full Reset.
//
// The state, action, and log-probability sequences are index-aligned
// at all times. The reward and terminal sequences may lag by the most
// recent step whose outcome has not been observed yet.
type Buffer struct {
	obsDim int

	states    []float64 // Flat, row major
	actions   []int
	logProbs  []float64
	rewards   []float64
	terminals []bool
}

// NewBuffer returns a new empty Buffer for states of dimension obsDim.
func NewBuffer(obsDim int) *Buffer {
	return &Buffer{obsDim: obsDim}
}

// Store appends a single sampled step to the buffer. It must be
// called exactly once per action selection.
func (b *Buffer) Store(state []float64, action int, logProb float64) error {
	if len(state) != b.obsDim {
		return fmt.Errorf("store: illegal state length \n\twant(%v)"+
			"\n\thave(%v)", b.obsDim, len(state))
	}

	b.states = append(b.states, state...)
	b.actions = append(b.actions, action)
	b.logProbs = append(b.logProbs, logProb)
	return nil
}

// StoreOutcome appends the reward and terminal flag observed for the
// most recently stored step. It must be called exactly once per
// environment step, after the corresponding Store.
func (b *Buffer) StoreOutcome(reward float64, terminal bool) {
	b.rewards = append(b.rewards, reward)
	b.terminals = append(b.terminals, terminal)
}

// Len returns the number of sampled steps stored since the last
// reset.
func (b *Buffer) Len() int {
	return len(b.actions)
}

// Empty returns whether no steps have been stored since the last
// reset.
func (b *Buffer) Empty() bool {
	return len(b.actions) == 0
}

// Reset clears all five sequences.
func (b *Buffer) Reset() {
	b.states = nil
	b.actions = nil
	b.logProbs = nil
	b.rewards = nil
	b.terminals = nil
}
