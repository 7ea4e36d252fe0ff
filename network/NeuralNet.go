// Package network implements multilayer perceptrons on Gorgonia
// computational graphs.
package network

import (
	G "gorgonia.org/gorgonia"
)

// NeuralNet is a parameterized function approximator built on a
// Gorgonia computational graph.
type NeuralNet interface {
	Graph() *G.ExprGraph
	BatchSize() int
	Features() int
	Outputs() int
	SetInput([]float64) error
	Set(NeuralNet) error
	Learnables() G.Nodes
	Model() []G.ValueGrad
	Prediction() *G.Node
	Output() G.Value
}

// Set sets the weights of dest to be equal to the weights of source.
func Set(dest, source NeuralNet) error {
	return dest.Set(source)
}
