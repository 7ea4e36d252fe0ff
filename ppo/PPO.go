// Package ppo implements the Proximal Policy Optimization algorithm
// with the clipped surrogate objective for discrete action spaces:
//
// https://arxiv.org/abs/1707.06347
//
// The update follows the widely used single-buffer variant of PPO
// popularized by:
//
// https://github.com/nikhilbarhate99/PPO-PyTorch
//
// The agent keeps two persistent networks: a behaviour network which
// selects actions and whose log-probabilities anchor the probability
// ratios, and a live network which receives the optimized weights. A
// third, transient network with the batch size of the collected data
// is cloned from the live network for each update, trained for a
// fixed number of epochs on the full batch, and finally copied back
// into both persistent networks.
package ppo

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"sfneuman.com/goppo/experiment/tracker"
	"sfneuman.com/goppo/utils/op"
)

// Tags under which per-epoch training metrics are tracked
const (
	LossTag      string = "PPO/Loss"
	RatioTag     string = "PPO/Ratios"
	AdvantageTag string = "PPO/Advantage"
)

// stabilizer avoids division by zero when normalizing returns
const stabilizer float64 = 1e-8

// PPO implements the Proximal Policy Optimization algorithm. A PPO
// gathers experience through SelectAction and Observe into an
// internal buffer and consumes the whole buffer on each call to
// Update.
type PPO struct {
	live      *ActorCritic
	behaviour *ActorCritic

	buffer *Buffer
	solver G.Solver

	features   int
	numActions int

	gamma   float64
	epsClip float64
	epochs  int

	// epochCount indexes tracked metrics and increases monotonically
	// across updates
	epochCount int

	eval bool
}

// New returns a new PPO agent acting in an environment with
// feature-dimensional states and numActions discrete actions.
func New(features, numActions int, c Config, seed uint64) (*PPO, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("new: invalid configuration: %v", err)
	}
	if features < 1 {
		return nil, fmt.Errorf("new: features must be positive"+
			"\n\thave(%v)", features)
	}
	if numActions < 2 {
		return nil, fmt.Errorf("new: at least two actions required"+
			"\n\thave(%v)", numActions)
	}

	live, err := NewActorCritic(features, numActions, 1,
		c.policyLayers(), c.valueFnLayers(), c.InitWFn.InitWFn(), seed)
	if err != nil {
		return nil, fmt.Errorf("new: could not create live network: %v",
			err)
	}

	behaviour, err := NewActorCritic(features, numActions, 1,
		c.policyLayers(), c.valueFnLayers(), G.Zeroes(), seed+1)
	if err != nil {
		return nil, fmt.Errorf("new: could not create behaviour "+
			"network: %v", err)
	}
	if err := behaviour.Set(live); err != nil {
		return nil, fmt.Errorf("new: could not synchronize behaviour "+
			"network: %v", err)
	}

	return &PPO{
		live:       live,
		behaviour:  behaviour,
		buffer:     NewBuffer(features),
		solver:     c.Solver,
		features:   features,
		numActions: numActions,
		gamma:      c.Gamma,
		epsClip:    c.EpsClip,
		epochs:     c.Epochs,
		eval:       !c.Train,
	}, nil
}

// SelectAction samples an action for the argument state from the
// behaviour policy. In training mode, the state, the sampled action,
// and its log-probability under the behaviour policy are recorded for
// the next update.
//
// SelectAction panics when the forward pass through the behaviour
// network fails. Such failures indicate an unusable agent, e.g. one
// fed states of the wrong dimensionality, and are not recoverable.
func (p *PPO) SelectAction(state *mat.VecDense) int {
	obs := state.RawVector().Data
	action, logProb := p.behaviour.SelectAction(obs)

	if !p.eval {
		if err := p.buffer.Store(obs, action, logProb); err != nil {
			panic(fmt.Sprintf("selectaction: could not store "+
				"transition: %v", err))
		}
	}

	return action
}

// Observe records the reward consequent to the last selected action
// and whether that action ended the episode. Observe is a no-op in
// evaluation mode.
func (p *PPO) Observe(reward float64, terminal bool) {
	if p.eval {
		return
	}
	p.buffer.StoreOutcome(reward, terminal)
}

// Train sets the agent to training mode, where experience is buffered
// and updates modify the networks.
func (p *PPO) Train() {
	p.eval = false
}

// Eval sets the agent to evaluation mode, where no experience is
// gathered and Update is a no-op.
func (p *PPO) Eval() {
	p.eval = true
}

// IsEval returns whether the agent is in evaluation mode.
func (p *PPO) IsEval() bool {
	return p.eval
}

// Update performs a full PPO update on the buffered experience:
// discounted returns are computed and normalized, a training network
// is cloned from the live network, optimized on the whole batch for a
// fixed number of epochs against the clipped surrogate objective, and
// copied back into the live and behaviour networks. The buffer is
// emptied afterwards.
//
// Actions without an observed reward are discarded. When no complete
// transition is buffered, or in evaluation mode, Update changes
// nothing.
//
// Per-epoch loss, mean probability ratio, and mean advantage are
// recorded with t. A nil t drops the metrics.
func (p *PPO) Update(t tracker.Tracker) error {
	if p.eval {
		return nil
	}

	returns := discountedReturns(p.buffer.rewards, p.buffer.terminals,
		p.gamma)

	// Rewards may lag behind states when the last action has not been
	// followed by Observe. Only transitions with both are usable.
	n := p.buffer.Len()
	if len(returns) < n {
		n = len(returns)
	}
	if n == 0 {
		return nil
	}
	returns = returns[:n]
	normalizeReturns(returns)

	train, err := p.live.CloneWithBatch(n)
	if err != nil {
		return fmt.Errorf("update: could not clone training network: %v",
			err)
	}
	defer train.Close()

	valueFn, err := p.live.CloneWithBatch(n)
	if err != nil {
		return fmt.Errorf("update: could not clone baseline network: %v",
			err)
	}
	defer valueFn.Close()

	ug, err := newUpdateGraph(train, p.epsClip)
	if err != nil {
		return fmt.Errorf("update: could not construct update graph: %v",
			err)
	}
	defer ug.vm.Close()

	valueVM := G.NewTapeMachine(valueFn.Graph())
	defer valueVM.Close()

	states := p.buffer.states[:n*p.features]
	oneHot := oneHotActions(p.buffer.actions[:n], p.numActions)
	oldLogProbs := p.buffer.logProbs[:n]

	if err := train.SetInput(states); err != nil {
		return fmt.Errorf("update: %v", err)
	}
	if err := train.SetActions(oneHot); err != nil {
		return fmt.Errorf("update: %v", err)
	}
	if err := valueFn.SetInput(states); err != nil {
		return fmt.Errorf("update: %v", err)
	}
	if err := ug.setOldLogProbs(oldLogProbs); err != nil {
		return fmt.Errorf("update: %v", err)
	}
	if err := ug.setReturns(returns); err != nil {
		return fmt.Errorf("update: %v", err)
	}

	advantages := make([]float64, n)
	for epoch := 0; epoch < p.epochs; epoch++ {
		// Advantages are computed against a frozen snapshot of the
		// training network so that no gradient flows through the
		// baseline
		if err := valueFn.Set(train); err != nil {
			return fmt.Errorf("update: could not synchronize baseline "+
				"network: %v", err)
		}
		if err := valueVM.RunAll(); err != nil {
			return fmt.Errorf("update: could not run baseline forward "+
				"pass: %v", err)
		}
		values := valueFn.ValueVal().Data().([]float64)
		for i := range advantages {
			advantages[i] = returns[i] - values[i]
		}
		valueVM.Reset()

		if err := ug.setAdvantages(advantages); err != nil {
			return fmt.Errorf("update: %v", err)
		}

		if err := ug.vm.RunAll(); err != nil {
			return fmt.Errorf("update: could not run training pass: %v",
				err)
		}
		if err := p.solver.Step(train.Model()); err != nil {
			return fmt.Errorf("update: could not step solver: %v", err)
		}

		if t != nil {
			t.Track(LossTag, ug.loss(), p.epochCount)
			t.Track(RatioTag, ug.meanRatio(), p.epochCount)
			t.Track(AdvantageTag, stat.Mean(advantages, nil),
				p.epochCount)
		}
		p.epochCount++

		ug.vm.Reset()
	}

	if err := p.live.Set(train); err != nil {
		return fmt.Errorf("update: could not copy trained weights into "+
			"live network: %v", err)
	}
	if err := p.behaviour.Set(train); err != nil {
		return fmt.Errorf("update: could not copy trained weights into "+
			"behaviour network: %v", err)
	}
	p.buffer.Reset()

	return nil
}

// Save serializes the agent's weights to the file at path.
func (p *PPO) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("save: could not create %v: %v", path, err)
	}
	defer file.Close()

	enc := gob.NewEncoder(file)
	if err := enc.Encode(p.behaviour); err != nil {
		return fmt.Errorf("save: could not encode weights: %v", err)
	}
	return nil
}

// Load sets the agent's weights to previously saved weights, read
// from the file at path. The saved weights must describe networks of
// the same dimensions as the agent's.
func (p *PPO) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load: could not open %v: %v", path, err)
	}
	defer file.Close()

	loaded := new(ActorCritic)
	dec := gob.NewDecoder(file)
	if err := dec.Decode(loaded); err != nil {
		return fmt.Errorf("load: could not decode weights: %v", err)
	}
	defer loaded.Close()

	if loaded.Features() != p.features {
		return fmt.Errorf("load: invalid number of features"+
			"\n\twant(%v)\n\thave(%v)", p.features, loaded.Features())
	}
	if loaded.NumActions() != p.numActions {
		return fmt.Errorf("load: invalid number of actions"+
			"\n\twant(%v)\n\thave(%v)", p.numActions, loaded.NumActions())
	}

	if err := p.live.Set(loaded); err != nil {
		return fmt.Errorf("load: could not set live network: %v", err)
	}
	if err := p.behaviour.Set(loaded); err != nil {
		return fmt.Errorf("load: could not set behaviour network: %v",
			err)
	}
	return nil
}

// Close releases the agent's resources.
func (p *PPO) Close() error {
	if err := p.live.Close(); err != nil {
		return fmt.Errorf("close: %v", err)
	}
	return p.behaviour.Close()
}

// discountedReturns computes the discounted return from each timestep
// onwards. The walk runs backwards through time, and the accumulator
// is cleared when a terminal timestep is reached so that no reward
// leaks across episode boundaries.
func discountedReturns(rewards []float64, terminals []bool,
	gamma float64) []float64 {
	returns := make([]float64, len(rewards))

	discounted := 0.0
	for i := len(rewards) - 1; i >= 0; i-- {
		if terminals[i] {
			discounted = 0.0
		}
		discounted = rewards[i] + gamma*discounted
		returns[i] = discounted
	}

	return returns
}

// normalizeReturns standardizes returns in place to mean 0 and unit
// variance.
func normalizeReturns(returns []float64) {
	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)
	if math.IsNaN(std) {
		std = 0.0
	}
	for i := range returns {
		returns[i] = (returns[i] - mean) / (std + stabilizer)
	}
}

// oneHotActions expands a slice of action indices to one-hot rows.
func oneHotActions(actions []int, numActions int) []float64 {
	oneHot := make([]float64, len(actions)*numActions)
	for i, action := range actions {
		oneHot[i*numActions+action] = 1.0
	}
	return oneHot
}

// updateGraph extends the computational graph of a training network
// with the clipped surrogate objective and its gradient.
type updateGraph struct {
	vm G.VM

	oldLogProbs *G.Node
	advantages  *G.Node
	returns     *G.Node

	lossVal  G.Value
	ratioVal G.Value
}

// newUpdateGraph builds the training objective on net's graph. The
// old log-probabilities, advantages, and normalized returns enter the
// graph as inputs, so no gradient flows through them.
func newUpdateGraph(net *ActorCritic, epsClip float64) (*updateGraph,
	error) {
	g := net.Graph()
	batch := net.BatchSize()

	oldLogProbs := G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("OldLogProbs"), G.WithInit(G.Zeroes()))
	advantages := G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("Advantages"), G.WithInit(G.Zeroes()))
	returns := G.NewVector(g, tensor.Float64, G.WithShape(batch),
		G.WithName("Returns"), G.WithInit(G.Zeroes()))

	// Probability ratio between the updated and behaviour policies
	ratio := G.Must(G.Exp(G.Must(G.Sub(net.LogProbNode(), oldLogProbs))))
	meanRatio := G.Must(G.Mean(ratio))

	clippedRatio, err := op.Clip(ratio, 1.0-epsClip, 1.0+epsClip)
	if err != nil {
		return nil, fmt.Errorf("newupdategraph: could not clip "+
			"probability ratios: %v", err)
	}

	surrogate := G.Must(G.HadamardProd(ratio, advantages))
	clippedSurrogate := G.Must(G.HadamardProd(clippedRatio, advantages))
	pessimistic, err := op.Min(surrogate, clippedSurrogate)
	if err != nil {
		return nil, fmt.Errorf("newupdategraph: could not take "+
			"pessimistic surrogate: %v", err)
	}
	policyLoss := G.Must(G.Neg(pessimistic))

	valueError := G.Must(G.Sub(net.ValueNode(), returns))
	valueLoss := G.Must(G.Square(valueError))
	valueWeight := G.NewConstant(valueLossWeight)
	valueLoss = G.Must(G.HadamardProd(valueLoss, valueWeight))

	entropyWeight := G.NewConstant(entropyLossWeight)
	entropyBonus := G.Must(G.HadamardProd(net.EntropyNode(),
		entropyWeight))

	loss := G.Must(G.Add(policyLoss, valueLoss))
	loss = G.Must(G.Sub(loss, entropyBonus))
	loss = G.Must(G.Mean(loss))

	ug := &updateGraph{
		oldLogProbs: oldLogProbs,
		advantages:  advantages,
		returns:     returns,
	}
	G.Read(loss, &ug.lossVal)
	G.Read(meanRatio, &ug.ratioVal)

	if _, err := G.Grad(loss, net.Learnables()...); err != nil {
		return nil, fmt.Errorf("newupdategraph: could not compute "+
			"gradient: %v", err)
	}
	ug.vm = G.NewTapeMachine(g,
		G.BindDualValues(net.Learnables()...))

	return ug, nil
}

// setOldLogProbs sets the behaviour policy log-probabilities for the
// next training pass.
func (u *updateGraph) setOldLogProbs(logProbs []float64) error {
	return setVector(u.oldLogProbs, logProbs)
}

// setAdvantages sets the advantage estimates for the next training
// pass.
func (u *updateGraph) setAdvantages(advantages []float64) error {
	return setVector(u.advantages, advantages)
}

// setReturns sets the normalized returns for the next training pass.
func (u *updateGraph) setReturns(returns []float64) error {
	return setVector(u.returns, returns)
}

// setVector copies data into the backing of a vector input node.
func setVector(node *G.Node, data []float64) error {
	data = append([]float64(nil), data...)
	return G.Let(node, tensor.New(
		tensor.WithBacking(data),
		tensor.WithShape(len(data)),
	))
}

// loss returns the objective value of the last training pass.
func (u *updateGraph) loss() float64 {
	return u.lossVal.Data().(float64)
}

// meanRatio returns the mean probability ratio of the last training
// pass.
func (u *updateGraph) meanRatio() float64 {
	return u.ratioVal.Data().(float64)
}
