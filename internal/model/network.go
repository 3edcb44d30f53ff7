package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Activation names an element-wise (or softmax) layer nonlinearity.
type Activation string

const (
	ActivationIdentity Activation = "identity"
	ActivationSigmoid  Activation = "sigmoid"
	ActivationTanh     Activation = "tanh"
	ActivationReLU     Activation = "relu"
	ActivationSoftmax  Activation = "softmax"
)

// LossFunction names the output loss.
type LossFunction string

const (
	// LossMCXENT is multi-class cross entropy, normally paired with softmax.
	LossMCXENT LossFunction = "mcxent"
	// LossMSE is mean squared error.
	LossMSE LossFunction = "mse"
)

// probabilityFloor keeps log() finite for saturated softmax outputs.
const probabilityFloor = 1e-12

// LayerConfig describes one dense layer.
type LayerConfig struct {
	NIn        int        `json:"nIn" yaml:"n_in"`
	NOut       int        `json:"nOut" yaml:"n_out"`
	Activation Activation `json:"activation" yaml:"activation"`
}

// NetworkConfig describes a feed-forward network. It is the architecture
// descriptor stored in snapshots.
type NetworkConfig struct {
	Layers []LayerConfig `json:"layers" yaml:"layers"`
	Loss   LossFunction  `json:"loss" yaml:"loss"`
	Seed   int64         `json:"seed" yaml:"seed"`
	L2     float64       `json:"l2,omitempty" yaml:"l2"`
}

// NewDenseConfig builds a network with the given hidden layer widths. The
// output layer uses softmax with cross entropy.
func NewDenseConfig(nIn int, hidden []int, nOut int, hiddenActivation Activation, seed int64) NetworkConfig {
	conf := NetworkConfig{Loss: LossMCXENT, Seed: seed}
	prev := nIn
	for _, width := range hidden {
		conf.Layers = append(conf.Layers, LayerConfig{NIn: prev, NOut: width, Activation: hiddenActivation})
		prev = width
	}
	conf.Layers = append(conf.Layers, LayerConfig{NIn: prev, NOut: nOut, Activation: ActivationSoftmax})
	return conf
}

// Validate checks layer shapes and names.
func (c NetworkConfig) Validate() error {
	if len(c.Layers) == 0 {
		return errors.New("network needs at least one layer")
	}
	for i, l := range c.Layers {
		if l.NIn <= 0 || l.NOut <= 0 {
			return fmt.Errorf("layer %d: nIn and nOut must be positive", i)
		}
		if i > 0 && l.NIn != c.Layers[i-1].NOut {
			return fmt.Errorf("layer %d: nIn %d does not match previous nOut %d", i, l.NIn, c.Layers[i-1].NOut)
		}
		switch l.Activation {
		case ActivationIdentity, ActivationSigmoid, ActivationTanh, ActivationReLU:
		case ActivationSoftmax:
			if i != len(c.Layers)-1 {
				return fmt.Errorf("layer %d: softmax is only supported on the output layer", i)
			}
		default:
			return fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
	}
	switch c.Loss {
	case LossMCXENT, LossMSE:
	default:
		return fmt.Errorf("unknown loss function %q", c.Loss)
	}
	if c.L2 < 0 {
		return errors.New("l2 must be non-negative")
	}
	return nil
}

// NumParams is the total number of weights and biases.
func (c NetworkConfig) NumParams() int {
	n := 0
	for _, l := range c.Layers {
		n += l.NIn*l.NOut + l.NOut
	}
	return n
}

// Network is a multi-layer perceptron over a flat parameter vector.
// For every layer the vector holds W (row-major, nIn x nOut) then b (nOut).
type Network struct {
	conf   NetworkConfig
	params []float64
}

// NewNetwork creates an uninitialized network; call Init before use.
func NewNetwork(conf NetworkConfig) *Network {
	return &Network{conf: conf}
}

// Config returns the architecture descriptor.
func (n *Network) Config() NetworkConfig {
	return n.conf
}

func (n *Network) Kind() Kind { return KindNetwork }

func (n *Network) NumParams() int { return n.conf.NumParams() }

// Init draws weights from a Xavier normal N(0, 2/(nIn+nOut)) using the
// configured seed; biases start at zero.
func (n *Network) Init() error {
	if err := n.conf.Validate(); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}

	rng := rand.New(rand.NewSource(n.conf.Seed))
	n.params = make([]float64, n.conf.NumParams())

	offset := 0
	for _, l := range n.conf.Layers {
		std := math.Sqrt(2.0 / float64(l.NIn+l.NOut))
		for i := 0; i < l.NIn*l.NOut; i++ {
			n.params[offset+i] = rng.NormFloat64() * std
		}
		offset += l.NIn*l.NOut + l.NOut
	}
	return nil
}

func (n *Network) Params() []float64 {
	return append([]float64(nil), n.params...)
}

func (n *Network) SetParams(params []float64) error {
	if len(params) != n.NumParams() {
		return fmt.Errorf("parameter length mismatch: got %d, want %d", len(params), n.NumParams())
	}
	n.params = append(n.params[:0:0], params...)
	return nil
}

// Output runs a forward pass for a single example at the current parameters.
func (n *Network) Output(features []float64) []float64 {
	acts, _ := n.forward(n.params, features)
	return acts[len(acts)-1]
}

// Predict returns the arg-max class for one example.
func (n *Network) Predict(features []float64) int {
	out := n.Output(features)
	best := 0
	for j := range out {
		if out[j] > out[best] {
			best = j
		}
	}
	return best
}

// Accuracy is the fraction of examples whose arg-max matches the label.
func (n *Network) Accuracy(data *Dataset) float64 {
	if data.NumExamples() == 0 {
		return 0
	}
	correct := 0
	for i := range data.Features {
		pred := n.Predict(data.Features[i])
		if data.Labels[i][pred] == 1 {
			correct++
		}
	}
	return float64(correct) / float64(data.NumExamples())
}

func (n *Network) Score(params []float64, data *Dataset) float64 {
	checkLength(n, params)
	if data.NumExamples() == 0 {
		return 0
	}

	var total float64
	for i := range data.Features {
		acts, _ := n.forward(params, data.Features[i])
		total += n.loss(acts[len(acts)-1], data.Labels[i])
	}
	return total/float64(data.NumExamples()) + n.l2Penalty(params)
}

func (n *Network) Gradient(params []float64, data *Dataset) (float64, []float64) {
	checkLength(n, params)
	grad := make([]float64, len(params))
	if data.NumExamples() == 0 {
		return 0, grad
	}

	var total float64
	for i := range data.Features {
		total += n.backprop(params, data.Features[i], data.Labels[i], grad)
	}

	scale := 1 / float64(data.NumExamples())
	for i := range grad {
		grad[i] *= scale
	}
	n.addL2Gradient(params, grad)

	return total*scale + n.l2Penalty(params), grad
}

// forward returns the activations of every layer (index 0 is the input) and
// the pre-activations of every layer.
func (n *Network) forward(params, input []float64) (acts, zs [][]float64) {
	acts = make([][]float64, len(n.conf.Layers)+1)
	zs = make([][]float64, len(n.conf.Layers))
	acts[0] = input

	offset := 0
	for li, l := range n.conf.Layers {
		w := params[offset : offset+l.NIn*l.NOut]
		b := params[offset+l.NIn*l.NOut : offset+l.NIn*l.NOut+l.NOut]
		offset += l.NIn*l.NOut + l.NOut

		z := make([]float64, l.NOut)
		copy(z, b)
		in := acts[li]
		for i := 0; i < l.NIn; i++ {
			a := in[i]
			if a == 0 {
				continue
			}
			row := w[i*l.NOut : (i+1)*l.NOut]
			for j, wij := range row {
				z[j] += a * wij
			}
		}
		zs[li] = z
		acts[li+1] = activate(l.Activation, z)
	}
	return acts, zs
}

// backprop accumulates the gradient of one example's loss into grad and
// returns that loss.
func (n *Network) backprop(params, features, labels, grad []float64) float64 {
	acts, zs := n.forward(params, features)
	out := acts[len(acts)-1]
	loss := n.loss(out, labels)

	// dL/d(output activation)
	upstream := n.lossDerivative(out, labels)

	offsets := n.layerOffsets()
	for li := len(n.conf.Layers) - 1; li >= 0; li-- {
		l := n.conf.Layers[li]
		delta := activationBackward(l.Activation, zs[li], acts[li+1], upstream)

		offset := offsets[li]
		w := params[offset : offset+l.NIn*l.NOut]
		gw := grad[offset : offset+l.NIn*l.NOut]
		gb := grad[offset+l.NIn*l.NOut : offset+l.NIn*l.NOut+l.NOut]

		in := acts[li]
		for i := 0; i < l.NIn; i++ {
			row := gw[i*l.NOut : (i+1)*l.NOut]
			for j := range row {
				row[j] += in[i] * delta[j]
			}
		}
		for j := range gb {
			gb[j] += delta[j]
		}

		if li == 0 {
			break
		}
		next := make([]float64, l.NIn)
		for i := 0; i < l.NIn; i++ {
			row := w[i*l.NOut : (i+1)*l.NOut]
			var sum float64
			for j, wij := range row {
				sum += wij * delta[j]
			}
			next[i] = sum
		}
		upstream = next
	}

	return loss
}

func (n *Network) layerOffsets() []int {
	offsets := make([]int, len(n.conf.Layers))
	offset := 0
	for i, l := range n.conf.Layers {
		offsets[i] = offset
		offset += l.NIn*l.NOut + l.NOut
	}
	return offsets
}

func (n *Network) loss(out, labels []float64) float64 {
	var sum float64
	switch n.conf.Loss {
	case LossMCXENT:
		for j, y := range labels {
			if y != 0 {
				sum -= y * math.Log(math.Max(out[j], probabilityFloor))
			}
		}
	case LossMSE:
		for j, y := range labels {
			d := out[j] - y
			sum += d * d
		}
		sum /= float64(len(labels))
	}
	return sum
}

func (n *Network) lossDerivative(out, labels []float64) []float64 {
	g := make([]float64, len(out))
	switch n.conf.Loss {
	case LossMCXENT:
		for j, y := range labels {
			if y != 0 {
				g[j] = -y / math.Max(out[j], probabilityFloor)
			}
		}
	case LossMSE:
		scale := 2 / float64(len(labels))
		for j, y := range labels {
			g[j] = scale * (out[j] - y)
		}
	}
	return g
}

func (n *Network) l2Penalty(params []float64) float64 {
	if n.conf.L2 == 0 {
		return 0
	}
	var sum float64
	for li, offset := range n.layerOffsets() {
		l := n.conf.Layers[li]
		for _, w := range params[offset : offset+l.NIn*l.NOut] {
			sum += w * w
		}
	}
	return 0.5 * n.conf.L2 * sum
}

func (n *Network) addL2Gradient(params, grad []float64) {
	if n.conf.L2 == 0 {
		return
	}
	for li, offset := range n.layerOffsets() {
		l := n.conf.Layers[li]
		for i := offset; i < offset+l.NIn*l.NOut; i++ {
			grad[i] += n.conf.L2 * params[i]
		}
	}
}

func activate(act Activation, z []float64) []float64 {
	out := make([]float64, len(z))
	switch act {
	case ActivationSigmoid:
		for i, v := range z {
			out[i] = 1 / (1 + math.Exp(-v))
		}
	case ActivationTanh:
		for i, v := range z {
			out[i] = math.Tanh(v)
		}
	case ActivationReLU:
		for i, v := range z {
			if v > 0 {
				out[i] = v
			}
		}
	case ActivationSoftmax:
		maxZ := math.Inf(-1)
		for _, v := range z {
			maxZ = math.Max(maxZ, v)
		}
		var sum float64
		for i, v := range z {
			out[i] = math.Exp(v - maxZ)
			sum += out[i]
		}
		for i := range out {
			out[i] /= sum
		}
	default:
		copy(out, z)
	}
	return out
}

// activationBackward maps dL/da to dL/dz for one layer.
func activationBackward(act Activation, z, a, upstream []float64) []float64 {
	delta := make([]float64, len(z))
	switch act {
	case ActivationSigmoid:
		for i := range delta {
			delta[i] = upstream[i] * a[i] * (1 - a[i])
		}
	case ActivationTanh:
		for i := range delta {
			delta[i] = upstream[i] * (1 - a[i]*a[i])
		}
	case ActivationReLU:
		for i := range delta {
			if z[i] > 0 {
				delta[i] = upstream[i]
			}
		}
	case ActivationSoftmax:
		// dL/dz_j = a_j * (g_j - sum_i g_i a_i)
		var dot float64
		for i := range a {
			dot += upstream[i] * a[i]
		}
		for j := range delta {
			delta[j] = a[j] * (upstream[j] - dot)
		}
	default:
		copy(delta, upstream)
	}
	return delta
}

type networkDescriptor struct {
	Config NetworkConfig `json:"config"`
}

func (n *Network) MarshalBinary() ([]byte, error) {
	if len(n.params) != n.NumParams() {
		return nil, errors.New("network is not initialized")
	}
	return encodeModel(networkDescriptor{Config: n.conf}, n.params)
}

func (n *Network) UnmarshalBinary(data []byte) error {
	var desc networkDescriptor
	params, err := decodeModel(data, &desc)
	if err != nil {
		return err
	}
	if err := desc.Config.Validate(); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}
	if len(params) != desc.Config.NumParams() {
		return fmt.Errorf("parameter length mismatch: got %d, want %d", len(params), desc.Config.NumParams())
	}
	n.conf = desc.Config
	n.params = params
	return nil
}
