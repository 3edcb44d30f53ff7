package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func newIrisNetwork(t *testing.T, hidden []int, act Activation) *Network {
	t.Helper()
	net := NewNetwork(NewDenseConfig(4, hidden, 3, act, 12345))
	require.NoError(t, net.Init())
	return net
}

func TestNetworkConfig_NumParams(t *testing.T) {
	conf := NewDenseConfig(4, []int{100}, 3, ActivationSigmoid, 1)
	// 4*100+100 + 100*3+3
	assert.Equal(t, 803, conf.NumParams())
}

func TestNetworkConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		conf NetworkConfig
	}{
		{"no layers", NetworkConfig{Loss: LossMCXENT}},
		{"shape mismatch", NetworkConfig{Loss: LossMCXENT, Layers: []LayerConfig{
			{NIn: 4, NOut: 5, Activation: ActivationReLU},
			{NIn: 6, NOut: 3, Activation: ActivationSoftmax},
		}}},
		{"hidden softmax", NetworkConfig{Loss: LossMCXENT, Layers: []LayerConfig{
			{NIn: 4, NOut: 5, Activation: ActivationSoftmax},
			{NIn: 5, NOut: 3, Activation: ActivationSoftmax},
		}}},
		{"unknown activation", NetworkConfig{Loss: LossMCXENT, Layers: []LayerConfig{
			{NIn: 4, NOut: 3, Activation: "swish"},
		}}},
		{"unknown loss", NetworkConfig{Loss: "hinge", Layers: []LayerConfig{
			{NIn: 4, NOut: 3, Activation: ActivationSoftmax},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.conf.Validate())
		})
	}
}

func TestNetwork_InitDeterministic(t *testing.T) {
	a := newIrisNetwork(t, []int{5}, ActivationReLU)
	b := newIrisNetwork(t, []int{5}, ActivationReLU)
	assert.Equal(t, a.Params(), b.Params())

	other := NewNetwork(NewDenseConfig(4, []int{5}, 3, ActivationReLU, 99))
	require.NoError(t, other.Init())
	assert.NotEqual(t, a.Params(), other.Params())
}

func TestNetwork_SoftmaxOutputSumsToOne(t *testing.T) {
	net := newIrisNetwork(t, []int{6}, ActivationTanh)
	out := net.Output([]float64{0.1, -0.4, 1.2, 0.3})

	var sum float64
	for _, p := range out {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestNetwork_GradientMatchesFiniteDifference(t *testing.T) {
	data := Iris().Head(6)
	data.NormalizeZeroMeanUnitVariance()

	for _, act := range []Activation{ActivationSigmoid, ActivationTanh, ActivationIdentity} {
		t.Run(string(act), func(t *testing.T) {
			net := newIrisNetwork(t, []int{4}, act)
			net.conf.L2 = 0.01
			params := net.Params()

			_, analytic := net.Gradient(params, data)
			numeric := fd.Gradient(nil, func(x []float64) float64 {
				return net.Score(x, data)
			}, params, &fd.Settings{Formula: fd.Central, Step: 1e-6})

			require.Len(t, analytic, len(numeric))
			for i := range analytic {
				assert.InDelta(t, numeric[i], analytic[i], 1e-5, "param %d", i)
			}
		})
	}
}

func TestNetwork_MSEGradientMatchesFiniteDifference(t *testing.T) {
	data := Iris().Head(4)
	conf := NetworkConfig{
		Loss: LossMSE,
		Seed: 7,
		Layers: []LayerConfig{
			{NIn: 4, NOut: 3, Activation: ActivationSigmoid},
			{NIn: 3, NOut: 3, Activation: ActivationSoftmax},
		},
	}
	net := NewNetwork(conf)
	require.NoError(t, net.Init())
	params := net.Params()

	_, analytic := net.Gradient(params, data)
	numeric := fd.Gradient(nil, func(x []float64) float64 {
		return net.Score(x, data)
	}, params, &fd.Settings{Formula: fd.Central, Step: 1e-6})

	for i := range analytic {
		assert.InDelta(t, numeric[i], analytic[i], 1e-6, "param %d", i)
	}
}

func TestNetwork_ScoreDoesNotMutate(t *testing.T) {
	net := newIrisNetwork(t, nil, ActivationSoftmax)
	before := net.Params()

	probe := make([]float64, len(before))
	_ = net.Score(probe, Iris())
	_, _ = net.Gradient(probe, Iris())

	assert.Equal(t, before, net.Params())
}

func TestNetwork_SetParamsLength(t *testing.T) {
	net := newIrisNetwork(t, nil, ActivationSoftmax)
	assert.Error(t, net.SetParams([]float64{1, 2}))
	assert.NoError(t, net.SetParams(make([]float64, net.NumParams())))
}

func TestNetwork_MarshalRoundTrip(t *testing.T) {
	net := newIrisNetwork(t, []int{8}, ActivationReLU)
	data := Iris()

	raw, err := net.MarshalBinary()
	require.NoError(t, err)

	restored := &Network{}
	require.NoError(t, restored.UnmarshalBinary(raw))

	assert.Equal(t, net.Config(), restored.Config())
	assert.Equal(t, net.Params(), restored.Params())
	assert.Equal(t, net.Score(net.Params(), data), restored.Score(restored.Params(), data))
}

func TestNetwork_UnmarshalRejectsTruncated(t *testing.T) {
	net := newIrisNetwork(t, nil, ActivationSoftmax)
	raw, err := net.MarshalBinary()
	require.NoError(t, err)

	restored := &Network{}
	assert.Error(t, restored.UnmarshalBinary(raw[:len(raw)-3]))
	assert.Error(t, restored.UnmarshalBinary(nil))
}

func TestNetwork_MarshalUninitialized(t *testing.T) {
	_, err := NewNetwork(NewDenseConfig(4, nil, 3, ActivationReLU, 1)).MarshalBinary()
	assert.Error(t, err)
}

func TestNetwork_Accuracy(t *testing.T) {
	net := newIrisNetwork(t, nil, ActivationSoftmax)
	acc := net.Accuracy(Iris())
	assert.False(t, math.IsNaN(acc))
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
}
