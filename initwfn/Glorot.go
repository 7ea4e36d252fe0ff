package initwfn

import G "gorgonia.org/gorgonia"

// GlorotUConfig describes Glorot uniform weight initialization with a
// given gain.
type GlorotUConfig struct {
	Gain float64
}

// NewGlorotU returns a wrapped Glorot uniform weight initializer.
func NewGlorotU(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotUConfig{Gain: gain})
}

// Type returns the type of initializer the config describes.
func (g GlorotUConfig) Type() Type {
	return GlorotU
}

// Create returns the described initializer as a Gorgonia InitWFn.
func (g GlorotUConfig) Create() G.InitWFn {
	return G.GlorotU(g.Gain)
}

// GlorotNConfig describes Glorot normal weight initialization with a
// given gain.
type GlorotNConfig struct {
	Gain float64
}

// NewGlorotN returns a wrapped Glorot normal weight initializer.
func NewGlorotN(gain float64) (*InitWFn, error) {
	return newInitWFn(GlorotNConfig{Gain: gain})
}

// Type returns the type of initializer the config describes.
func (g GlorotNConfig) Type() Type {
	return GlorotN
}

// Create returns the described initializer as a Gorgonia InitWFn.
func (g GlorotNConfig) Create() G.InitWFn {
	return G.GlorotN(g.Gain)
}
