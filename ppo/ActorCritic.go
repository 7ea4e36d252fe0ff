package ppo

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"sfneuman.com/goppo/network"
	"sfneuman.com/goppo/utils/op"
)

// ActorCritic packages the agent's two function approximators: a
// categorical policy over discrete actions ("actor") and a scalar
// state-value estimate ("critic"). The two networks hold disjoint
// parameter sets but share a single input node on one computational
// graph, so a batch of states is fed once and evaluated by both.
//
// Alongside the raw network outputs, the graph computes the
// quantities the PPO update needs: per-row log-probabilities of the
// actions fed through the Actions input node, the entropy of the
// policy distribution, and the squeezed value estimates. Softmax
// normalization of the actor's outputs is expressed through a
// numerically stable log-sum-exp.
type ActorCritic struct {
	g  *G.ExprGraph
	vm G.VM // Batch-1 sampling only

	actor  network.NeuralNet
	critic network.NeuralNet

	features   int
	numActions int
	batchSize  int

	actorHidden  []int
	criticHidden []int

	input   *G.Node // (batch, features) states
	actions *G.Node // (batch, numActions) one-hot selected actions

	logDist    *G.Node // (batch, numActions) log π(·|s)
	logDistVal G.Value

	logProb    *G.Node // (batch) log π(a|s) of the input actions
	logProbVal G.Value

	entropy    *G.Node // (batch) policy distribution entropy
	entropyVal G.Value

	value    *G.Node // (batch) state-value estimates
	valueVal G.Value

	seed uint64
	rng  rand.Source
}

// NewActorCritic returns a new ActorCritic evaluating batch states
// per forward pass. The actorHidden and criticHidden parameters are
// the hidden layer sizes of the two networks; hyperbolic-tangent
// activations are used between all hidden layers, and both networks
// end in a linear layer. A batch-1 model additionally owns a virtual
// machine so that it can sample actions.
func NewActorCritic(features, numActions, batch int, actorHidden,
	criticHidden []int, init G.InitWFn, seed uint64) (*ActorCritic, error) {
	if features < 1 {
		return nil, fmt.Errorf("newactorcritic: features must be positive")
	}
	if numActions < 2 {
		return nil, fmt.Errorf("newactorcritic: at least two actions " +
			"required for a categorical policy")
	}
	if batch < 1 {
		return nil, fmt.Errorf("newactorcritic: batch size must be positive")
	}

	g := G.NewGraph()
	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName("States"), G.WithInit(G.Zeroes()))

	actor, err := network.NewMLPFromInput(input, numActions, actorHidden,
		trues(len(actorHidden)), init, tanhs(len(actorHidden)), "Actor")
	if err != nil {
		return nil, fmt.Errorf("newactorcritic: could not create actor "+
			"network: %v", err)
	}

	critic, err := network.NewMLPFromInput(input, 1, criticHidden,
		trues(len(criticHidden)), init, tanhs(len(criticHidden)), "Critic")
	if err != nil {
		return nil, fmt.Errorf("newactorcritic: could not create critic "+
			"network: %v", err)
	}

	// Log-probabilities of each action per row
	logits := actor.Prediction()
	logSumExp := op.LogSumExp(logits, 1)
	logDist := G.Must(G.BroadcastSub(logits, logSumExp, nil, []byte{1}))

	// Distribution entropy per row: -Σ π(a|s) log π(a|s)
	probs := G.Must(G.Exp(logDist))
	pLogP := G.Must(G.HadamardProd(probs, logDist))
	entropy := G.Must(G.Neg(G.Must(G.Sum(pLogP, 1))))

	// Log-probability of actions inputted through the Actions node
	actions := G.NewMatrix(g, tensor.Float64,
		G.WithShape(batch, numActions), G.WithName("Actions"),
		G.WithInit(G.Zeroes()))
	logProb := G.Must(G.Sum(G.Must(G.HadamardProd(actions, logDist)), 1))

	// Squeeze the critic's (batch, 1) output to a vector
	value := G.Must(G.Sum(critic.Prediction(), 1))

	ac := &ActorCritic{
		g:            g,
		actor:        actor,
		critic:       critic,
		features:     features,
		numActions:   numActions,
		batchSize:    batch,
		actorHidden:  actorHidden,
		criticHidden: criticHidden,
		input:        input,
		actions:      actions,
		logDist:      logDist,
		logProb:      logProb,
		entropy:      entropy,
		value:        value,
		seed:         seed,
		rng:          rand.NewSource(seed),
	}
	G.Read(ac.logDist, &ac.logDistVal)
	G.Read(ac.logProb, &ac.logProbVal)
	G.Read(ac.entropy, &ac.entropyVal)
	G.Read(ac.value, &ac.valueVal)

	if batch == 1 {
		ac.vm = G.NewTapeMachine(g)
	}

	return ac, nil
}

// tanhs returns n tanh activations.
func tanhs(n int) []*network.Activation {
	activations := make([]*network.Activation, n)
	for i := range activations {
		activations[i] = network.TanH()
	}
	return activations
}

// trues returns n true bias flags.
func trues(n int) []bool {
	biases := make([]bool, n)
	for i := range biases {
		biases[i] = true
	}
	return biases
}

// SelectAction samples an action for a single state from the policy,
// returning the action together with the log-probability the policy
// assigned to it at sampling time. This is a pure forward query: no
// gradient information is retained.
//
// SelectAction panics when called on a model with batch size != 1 or
// when the underlying graph execution fails, e.g. on a state of the
// wrong dimensionality.
func (a *ActorCritic) SelectAction(state []float64) (int, float64) {
	if a.vm == nil {
		panic("selectaction: action selection requires a batch-1 model")
	}

	if err := a.SetInput(state); err != nil {
		panic(fmt.Sprintf("selectaction: %v", err))
	}
	if err := a.vm.RunAll(); err != nil {
		panic(fmt.Sprintf("selectaction: could not run forward pass: %v",
			err))
	}
	logProbs := make([]float64, a.numActions)
	copy(logProbs, a.logDistVal.Data().([]float64))
	a.vm.Reset()

	probs := make([]float64, len(logProbs))
	for i, logProb := range logProbs {
		probs[i] = math.Exp(logProb)
	}

	dist := distuv.NewCategorical(probs, a.rng)
	action := int(dist.Rand())

	return action, logProbs[action]
}

// SetInput sets the states fed to both networks on the next forward
// pass. The input is row major with one state per row.
func (a *ActorCritic) SetInput(states []float64) error {
	if len(states) != a.batchSize*a.features {
		return fmt.Errorf("setinput: invalid number of inputs"+
			"\n\twant(%v)\n\thave(%v)", a.batchSize*a.features, len(states))
	}
	states = append([]float64(nil), states...)
	statesTensor := tensor.New(
		tensor.WithBacking(states),
		tensor.WithShape(a.batchSize, a.features),
	)
	return G.Let(a.input, statesTensor)
}

// SetActions sets the one-hot action rows whose log-probabilities the
// graph computes on the next forward pass.
func (a *ActorCritic) SetActions(oneHot []float64) error {
	if len(oneHot) != a.batchSize*a.numActions {
		return fmt.Errorf("setactions: invalid number of actions"+
			"\n\twant(%v)\n\thave(%v)", a.batchSize*a.numActions,
			len(oneHot))
	}
	oneHot = append([]float64(nil), oneHot...)
	actionsTensor := tensor.New(
		tensor.WithBacking(oneHot),
		tensor.WithShape(a.batchSize, a.numActions),
	)
	return G.Let(a.actions, actionsTensor)
}

// Set sets the weights of the ActorCritic to be equal to the weights
// of another ActorCritic. This is a full verbatim replacement of both
// the actor's and the critic's parameters.
func (dest *ActorCritic) Set(source *ActorCritic) error {
	if err := dest.actor.Set(source.actor); err != nil {
		return fmt.Errorf("set: could not set actor weights: %v", err)
	}
	if err := dest.critic.Set(source.critic); err != nil {
		return fmt.Errorf("set: could not set critic weights: %v", err)
	}
	return nil
}

// CloneWithBatch clones the ActorCritic, weights included, onto a new
// computational graph with a new input batch size.
func (a *ActorCritic) CloneWithBatch(batch int) (*ActorCritic, error) {
	clone, err := NewActorCritic(a.features, a.numActions, batch,
		a.actorHidden, a.criticHidden, G.Zeroes(), a.seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := clone.Set(a); err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	return clone, nil
}

// Graph returns the computational graph both networks live on.
func (a *ActorCritic) Graph() *G.ExprGraph {
	return a.g
}

// BatchSize returns the number of states evaluated per forward pass.
func (a *ActorCritic) BatchSize() int {
	return a.batchSize
}

// Features returns the dimensionality of a single state vector.
func (a *ActorCritic) Features() int {
	return a.features
}

// NumActions returns the number of discrete actions.
func (a *ActorCritic) NumActions() int {
	return a.numActions
}

// Learnables returns the learnable nodes of both networks.
func (a *ActorCritic) Learnables() G.Nodes {
	actorLearnables := a.actor.Learnables()
	criticLearnables := a.critic.Learnables()

	learnables := make(G.Nodes, 0,
		len(actorLearnables)+len(criticLearnables))
	learnables = append(learnables, actorLearnables...)
	return append(learnables, criticLearnables...)
}

// Model returns the learnable nodes of both networks with their
// gradients.
func (a *ActorCritic) Model() []G.ValueGrad {
	learnables := a.Learnables()
	model := make([]G.ValueGrad, 0, len(learnables))
	for _, learnable := range learnables {
		model = append(model, learnable)
	}
	return model
}

// LogProbNode returns the node holding the log-probabilities of the
// actions fed through SetActions.
func (a *ActorCritic) LogProbNode() *G.Node {
	return a.logProb
}

// EntropyNode returns the node holding the per-row policy entropy.
func (a *ActorCritic) EntropyNode() *G.Node {
	return a.entropy
}

// ValueNode returns the node holding the per-row value estimates.
func (a *ActorCritic) ValueNode() *G.Node {
	return a.value
}

// LogProbVal returns the value of LogProbNode after a forward pass.
func (a *ActorCritic) LogProbVal() G.Value {
	return a.logProbVal
}

// EntropyVal returns the value of EntropyNode after a forward pass.
func (a *ActorCritic) EntropyVal() G.Value {
	return a.entropyVal
}

// ValueVal returns the value of ValueNode after a forward pass.
func (a *ActorCritic) ValueVal() G.Value {
	return a.valueVal
}

// Close releases the virtual machine of a batch-1 model.
func (a *ActorCritic) Close() error {
	if a.vm == nil {
		return nil
	}
	return a.vm.Close()
}

// GobEncode implements the gob.GobEncoder interface by serializing
// the model's dimensions and all learnable weights.
func (a *ActorCritic) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(a.features); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode features: %v",
			err)
	}
	if err := enc.Encode(a.numActions); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode number of "+
			"actions: %v", err)
	}
	if err := enc.Encode(a.actorHidden); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode actor hidden "+
			"sizes: %v", err)
	}
	if err := enc.Encode(a.criticHidden); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode critic hidden "+
			"sizes: %v", err)
	}
	if err := enc.Encode(a.seed); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode seed: %v", err)
	}

	learnables := a.Learnables()
	if err := enc.Encode(len(learnables)); err != nil {
		return nil, fmt.Errorf("gobencode: could not encode number of "+
			"learnables: %v", err)
	}
	for i, learnable := range learnables {
		weights, ok := learnable.Value().(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("gobencode: learnable %v is not a "+
				"dense tensor", i)
		}
		if err := enc.Encode([]int(weights.Shape())); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode shape of "+
				"learnable %v: %v", i, err)
		}
		if err := enc.Encode(weights.Data().([]float64)); err != nil {
			return nil, fmt.Errorf("gobencode: could not encode learnable "+
				"%v: %v", i, err)
		}
	}

	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface. The decoded
// model always has batch size 1.
func (a *ActorCritic) GobDecode(in []byte) error {
	buf := bytes.NewReader(in)
	dec := gob.NewDecoder(buf)

	var features, numActions int
	if err := dec.Decode(&features); err != nil {
		return fmt.Errorf("gobdecode: could not decode features: %v", err)
	}
	if err := dec.Decode(&numActions); err != nil {
		return fmt.Errorf("gobdecode: could not decode number of "+
			"actions: %v", err)
	}

	var actorHidden, criticHidden []int
	if err := dec.Decode(&actorHidden); err != nil {
		return fmt.Errorf("gobdecode: could not decode actor hidden "+
			"sizes: %v", err)
	}
	if err := dec.Decode(&criticHidden); err != nil {
		return fmt.Errorf("gobdecode: could not decode critic hidden "+
			"sizes: %v", err)
	}

	var seed uint64
	if err := dec.Decode(&seed); err != nil {
		return fmt.Errorf("gobdecode: could not decode seed: %v", err)
	}

	decoded, err := NewActorCritic(features, numActions, 1, actorHidden,
		criticHidden, G.Zeroes(), seed)
	if err != nil {
		return fmt.Errorf("gobdecode: could not construct new model: %v",
			err)
	}

	var numLearnables int
	if err := dec.Decode(&numLearnables); err != nil {
		return fmt.Errorf("gobdecode: could not decode number of "+
			"learnables: %v", err)
	}
	learnables := decoded.Learnables()
	if numLearnables != len(learnables) {
		return fmt.Errorf("gobdecode: invalid number of learnables"+
			"\n\twant(%v)\n\thave(%v)", len(learnables), numLearnables)
	}

	for i, learnable := range learnables {
		var shape []int
		if err := dec.Decode(&shape); err != nil {
			return fmt.Errorf("gobdecode: could not decode shape of "+
				"learnable %v: %v", i, err)
		}
		var data []float64
		if err := dec.Decode(&data); err != nil {
			return fmt.Errorf("gobdecode: could not decode learnable "+
				"%v: %v", i, err)
		}

		weights := tensor.New(
			tensor.WithShape(shape...),
			tensor.WithBacking(data),
		)
		if err := G.Let(learnable, weights); err != nil {
			return fmt.Errorf("gobdecode: could not set learnable %v: %v",
				i, err)
		}
	}

	*a = *decoded
	return nil
}
