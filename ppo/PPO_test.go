package ppo

import (
	"math"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"sfneuman.com/goppo/initwfn"
	"sfneuman.com/goppo/solver"
)

const tolerance float64 = 1e-10

// testConfig returns a small configuration so that tests run quickly
func testConfig(t *testing.T) Config {
	t.Helper()

	init, err := initwfn.NewGlorotN(1.0)
	if err != nil {
		t.Fatalf("could not create weight initializer: %v", err)
	}
	adam, err := solver.NewDefaultAdam(1e-3, 1)
	if err != nil {
		t.Fatalf("could not create solver: %v", err)
	}

	return Config{
		PolicyLayers:  []int{8},
		ValueFnLayers: []int{8},
		InitWFn:       init,
		Solver:        adam,
		Gamma:         0.99,
		EpsClip:       0.2,
		Epochs:        2,
		Train:         true,
	}
}

// weights snapshots all learnable weights of an ActorCritic
func weights(net *ActorCritic) [][]float64 {
	var snapshot [][]float64
	for _, learnable := range net.Learnables() {
		data := learnable.Value().Data().([]float64)
		snapshot = append(snapshot, append([]float64(nil), data...))
	}
	return snapshot
}

// equalWeights returns whether two weight snapshots are bit-identical
func equalWeights(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestDiscountedReturns(t *testing.T) {
	rewards := []float64{1.0, 1.0, 1.0}
	terminals := []bool{false, false, true}

	returns := discountedReturns(rewards, terminals, 0.99)

	expected := []float64{2.9701, 1.99, 1.0}
	for i := range expected {
		if math.Abs(returns[i]-expected[i]) > tolerance {
			t.Errorf("invalid return at timestep %v \n\twant(%v)"+
				"\n\thave(%v)", i, expected[i], returns[i])
		}
	}
}

func TestDiscountedReturnsEpisodeBoundary(t *testing.T) {
	rewards := []float64{1.0, 2.0, 3.0, 4.0}
	terminals := []bool{false, true, false, false}

	returns := discountedReturns(rewards, terminals, 0.5)

	// The terminal at timestep 1 starts a new accumulation, so no
	// reward from timesteps 2 and 3 may reach timesteps 0 and 1
	expected := []float64{2.0, 2.0, 5.0, 4.0}
	for i := range expected {
		if math.Abs(returns[i]-expected[i]) > tolerance {
			t.Errorf("invalid return at timestep %v \n\twant(%v)"+
				"\n\thave(%v)", i, expected[i], returns[i])
		}
	}
}

func TestDiscountedReturnsRecurrence(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	gamma := 0.9

	rewards := make([]float64, 50)
	terminals := make([]bool, 50)
	for i := range rewards {
		rewards[i] = rng.Float64()*2.0 - 1.0
		terminals[i] = rng.Float64() < 0.1
	}

	returns := discountedReturns(rewards, terminals, gamma)
	for i := 0; i < len(returns)-1; i++ {
		expected := rewards[i]
		if !terminals[i+1] {
			expected += gamma * returns[i+1]
		}
		if math.Abs(returns[i]-expected) > tolerance {
			t.Errorf("return at timestep %v violates the recurrence"+
				"\n\twant(%v)\n\thave(%v)", i, expected, returns[i])
		}
	}
}

func TestNormalizeReturns(t *testing.T) {
	returns := []float64{1.0, 2.0, 3.0, 4.0, 5.0}
	normalizeReturns(returns)

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	if math.Abs(mean) > 1e-7 {
		t.Errorf("normalized returns should have mean 0 \n\thave(%v)",
			mean)
	}

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if math.Abs(math.Sqrt(variance)-1.0) > 1e-7 {
		t.Errorf("normalized returns should have standard deviation 1"+
			"\n\thave(%v)", math.Sqrt(variance))
	}
}

func TestUpdateEmptyBuffer(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	liveBefore := weights(agent.live)
	behaviourBefore := weights(agent.behaviour)
	if err := agent.Update(nil); err != nil {
		t.Fatalf("update on an empty buffer should be a no-op: %v", err)
	}
	if !equalWeights(liveBefore, weights(agent.live)) {
		t.Error("update on an empty buffer changed the live network")
	}
	if !equalWeights(behaviourBefore, weights(agent.behaviour)) {
		t.Error("update on an empty buffer changed the behaviour network")
	}
	if !agent.buffer.Empty() {
		t.Error("buffer should remain empty")
	}
}

func TestUpdateUnobservedActions(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	// Actions with no observed reward cannot contribute to an update
	state := mat.NewVecDense(4, []float64{0.1, -0.2, 0.3, -0.4})
	for i := 0; i < 5; i++ {
		agent.SelectAction(state)
	}

	before := weights(agent.live)
	if err := agent.Update(nil); err != nil {
		t.Fatalf("update with no observed rewards should be a no-op: %v",
			err)
	}
	if !equalWeights(before, weights(agent.live)) {
		t.Error("update with no observed rewards changed the live " +
			"network")
	}
}

func TestUpdate(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 8; i++ {
		state := mat.NewVecDense(4, []float64{
			rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64(),
		})
		agent.SelectAction(state)
		agent.Observe(1.0, i == 7)
	}

	before := weights(agent.live)
	if err := agent.Update(nil); err != nil {
		t.Fatalf("could not update agent: %v", err)
	}

	if equalWeights(before, weights(agent.live)) {
		t.Error("update did not change the live network")
	}
	if !equalWeights(weights(agent.live), weights(agent.behaviour)) {
		t.Error("behaviour and live networks should be equal after an " +
			"update")
	}
	if !agent.buffer.Empty() {
		t.Error("buffer should be empty after an update")
	}
}

func TestUpdateEvalMode(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	agent.Eval()
	if !agent.IsEval() {
		t.Fatal("agent should be in evaluation mode")
	}

	state := mat.NewVecDense(4, []float64{0.1, 0.2, 0.3, 0.4})
	agent.SelectAction(state)
	agent.Observe(1.0, false)

	if !agent.buffer.Empty() {
		t.Error("no experience should be gathered in evaluation mode")
	}

	before := weights(agent.live)
	if err := agent.Update(nil); err != nil {
		t.Fatalf("update in evaluation mode should be a no-op: %v", err)
	}
	if !equalWeights(before, weights(agent.live)) {
		t.Error("update in evaluation mode changed the live network")
	}
}

func TestSaveLoad(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := agent.Save(path); err != nil {
		t.Fatalf("could not save agent: %v", err)
	}

	other, err := New(4, 3, testConfig(t), 43)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer other.Close()

	if err := other.Load(path); err != nil {
		t.Fatalf("could not load agent: %v", err)
	}

	if !equalWeights(weights(agent.behaviour), weights(other.behaviour)) {
		t.Error("loaded behaviour network differs from the saved one")
	}
	if !equalWeights(weights(agent.live), weights(other.live)) {
		t.Error("loaded live network differs from the saved one")
	}
}

func TestLoadDimensionMismatch(t *testing.T) {
	agent, err := New(4, 3, testConfig(t), 42)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer agent.Close()

	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := agent.Save(path); err != nil {
		t.Fatalf("could not save agent: %v", err)
	}

	other, err := New(6, 3, testConfig(t), 43)
	if err != nil {
		t.Fatalf("could not create agent: %v", err)
	}
	defer other.Close()

	if err := other.Load(path); err == nil {
		t.Error("expected error when loading weights of different " +
			"dimensions")
	}
}

// preparedUpdateGraph builds an update graph on a small batched
// network with fixed states and actions, runs one forward pass, and
// returns the graph together with the network's own log-probability,
// value, and entropy outputs for those inputs.
func preparedUpdateGraph(t *testing.T, epsClip float64) (ug *updateGraph,
	logProbs, values, entropies, returns []float64) {
	t.Helper()

	const batch = 4

	net, err := NewActorCritic(3, 2, batch, []int{8}, []int{8},
		G.GlorotN(1.0), 7)
	if err != nil {
		t.Fatalf("could not create network: %v", err)
	}

	ug, err = newUpdateGraph(net, epsClip)
	if err != nil {
		t.Fatalf("could not construct update graph: %v", err)
	}
	t.Cleanup(func() { ug.vm.Close() })

	states := []float64{
		0.1, -0.2, 0.3,
		-0.4, 0.5, -0.6,
		0.7, -0.8, 0.9,
		-1.0, 1.1, -1.2,
	}
	oneHot := oneHotActions([]int{0, 1, 1, 0}, 2)
	returns = []float64{0.5, -0.25, 1.0, 0.0}

	if err := net.SetInput(states); err != nil {
		t.Fatalf("could not set states: %v", err)
	}
	if err := net.SetActions(oneHot); err != nil {
		t.Fatalf("could not set actions: %v", err)
	}
	if err := ug.setReturns(returns); err != nil {
		t.Fatalf("could not set returns: %v", err)
	}
	if err := ug.setOldLogProbs(make([]float64, batch)); err != nil {
		t.Fatalf("could not set old log-probabilities: %v", err)
	}
	if err := ug.setAdvantages(make([]float64, batch)); err != nil {
		t.Fatalf("could not set advantages: %v", err)
	}

	// A first pass reads the network's own outputs; the weights never
	// change, so these stay fixed across later passes
	if err := ug.vm.RunAll(); err != nil {
		t.Fatalf("could not run forward pass: %v", err)
	}
	logProbs = append([]float64(nil),
		net.LogProbVal().Data().([]float64)...)
	values = append([]float64(nil),
		net.ValueVal().Data().([]float64)...)
	entropies = append([]float64(nil),
		net.EntropyVal().Data().([]float64)...)
	ug.vm.Reset()

	return ug, logProbs, values, entropies, returns
}

// expectedLoss combines per-sample policy terms with the value and
// entropy terms and mean-reduces
func expectedLoss(policyTerms, values, entropies,
	returns []float64) float64 {
	loss := 0.0
	for i := range policyTerms {
		valueErr := values[i] - returns[i]
		loss += policyTerms[i] + valueLossWeight*valueErr*valueErr -
			entropyLossWeight*entropies[i]
	}
	return loss / float64(len(policyTerms))
}

func TestUpdateGraphUnitRatio(t *testing.T) {
	ug, logProbs, values, entropies, returns := preparedUpdateGraph(t,
		0.2)

	// Old log-probabilities equal to the current ones give a ratio of
	// exactly 1, so neither surrogate is clipped and the policy term
	// reduces to the negated advantage
	advantages := []float64{0.5, -1.0, 2.0, 0.1}
	if err := ug.setOldLogProbs(logProbs); err != nil {
		t.Fatalf("could not set old log-probabilities: %v", err)
	}
	if err := ug.setAdvantages(advantages); err != nil {
		t.Fatalf("could not set advantages: %v", err)
	}
	if err := ug.vm.RunAll(); err != nil {
		t.Fatalf("could not run training pass: %v", err)
	}

	if math.Abs(ug.meanRatio()-1.0) > 1e-10 {
		t.Errorf("invalid mean probability ratio \n\twant(1.0)"+
			"\n\thave(%v)", ug.meanRatio())
	}

	policyTerms := make([]float64, len(advantages))
	for i, adv := range advantages {
		policyTerms[i] = -adv
	}
	expected := expectedLoss(policyTerms, values, entropies, returns)
	if math.Abs(ug.loss()-expected) > 1e-8 {
		t.Errorf("invalid objective at unit ratio \n\twant(%v)"+
			"\n\thave(%v)", expected, ug.loss())
	}
}

func TestUpdateGraphClipBoundary(t *testing.T) {
	epsClip := 0.2
	ug, logProbs, values, entropies, returns := preparedUpdateGraph(t,
		epsClip)

	// Shifting every old log-probability down by ln(2) puts the ratio
	// at 2, above the ceiling of 1.2. With positive advantages the
	// clipped surrogate is the smaller one, so it must be the term
	// the objective keeps
	shifted := make([]float64, len(logProbs))
	for i, logProb := range logProbs {
		shifted[i] = logProb - math.Log(2.0)
	}
	advantages := []float64{1.0, 1.0, 1.0, 1.0}

	if err := ug.setOldLogProbs(shifted); err != nil {
		t.Fatalf("could not set old log-probabilities: %v", err)
	}
	if err := ug.setAdvantages(advantages); err != nil {
		t.Fatalf("could not set advantages: %v", err)
	}
	if err := ug.vm.RunAll(); err != nil {
		t.Fatalf("could not run training pass: %v", err)
	}

	if math.Abs(ug.meanRatio()-2.0) > 1e-8 {
		t.Errorf("invalid mean probability ratio \n\twant(2.0)"+
			"\n\thave(%v)", ug.meanRatio())
	}

	policyTerms := []float64{
		-(1.0 + epsClip), -(1.0 + epsClip),
		-(1.0 + epsClip), -(1.0 + epsClip),
	}
	expected := expectedLoss(policyTerms, values, entropies, returns)
	if math.Abs(ug.loss()-expected) > 1e-8 {
		t.Errorf("objective did not keep the clipped surrogate above "+
			"the ceiling \n\twant(%v)\n\thave(%v)", expected, ug.loss())
	}
	ug.vm.Reset()

	// Symmetric case: ratio 0.5, below the floor of 0.8, with
	// negative advantages. The clipped surrogate -0.8 is again the
	// smaller term
	for i, logProb := range logProbs {
		shifted[i] = logProb + math.Log(2.0)
	}
	advantages = []float64{-1.0, -1.0, -1.0, -1.0}

	if err := ug.setOldLogProbs(shifted); err != nil {
		t.Fatalf("could not set old log-probabilities: %v", err)
	}
	if err := ug.setAdvantages(advantages); err != nil {
		t.Fatalf("could not set advantages: %v", err)
	}
	if err := ug.vm.RunAll(); err != nil {
		t.Fatalf("could not run training pass: %v", err)
	}

	if math.Abs(ug.meanRatio()-0.5) > 1e-8 {
		t.Errorf("invalid mean probability ratio \n\twant(0.5)"+
			"\n\thave(%v)", ug.meanRatio())
	}

	policyTerms = []float64{
		1.0 - epsClip, 1.0 - epsClip,
		1.0 - epsClip, 1.0 - epsClip,
	}
	expected = expectedLoss(policyTerms, values, entropies, returns)
	if math.Abs(ug.loss()-expected) > 1e-8 {
		t.Errorf("objective did not keep the clipped surrogate below "+
			"the floor \n\twant(%v)\n\thave(%v)", expected, ug.loss())
	}
}
