package nat

import (
	"fmt"
	"testing"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
	"github.com/example/go-nat-tts/internal/safetensors"
)

// vals produces a small deterministic weight pattern so forward passes stay
// well inside float32 range.
func vals(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.01 * float32((i*7)%11-5)
	}

	return out
}

func ones(n int64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}

	return out
}

func elemCount(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	return n
}

type checkpoint struct {
	tensors []safetensors.Tensor
}

func (c *checkpoint) add(name string, shape []int64, data []float32) {
	c.tensors = append(c.tensors, safetensors.Tensor{Name: name, Shape: shape, Data: data})
}

func (c *checkpoint) addVals(name string, shape ...int64) {
	c.add(name, shape, vals(elemCount(shape)))
}

func (c *checkpoint) addNorm(prefix string, channels int64) {
	c.add(prefix+".weight", []int64{channels}, ones(channels))
	c.add(prefix+".bias", []int64{channels}, make([]float32, channels))
	c.add(prefix+".running_mean", []int64{channels}, make([]float32, channels))
	c.add(prefix+".running_var", []int64{channels}, ones(channels))
}

func (c *checkpoint) addGRU(prefix string, layer, in, hidden int64, bidirectional bool) {
	suffixes := []string{fmt.Sprintf("l%d", layer)}
	if bidirectional {
		suffixes = append(suffixes, fmt.Sprintf("l%d_reverse", layer))
	}

	for _, s := range suffixes {
		c.addVals(prefix+".weight_ih_"+s, 3*hidden, in)
		c.addVals(prefix+".weight_hh_"+s, 3*hidden, hidden)
		c.addVals(prefix+".bias_ih_"+s, 3*hidden)
		c.addVals(prefix+".bias_hh_"+s, 3*hidden)
	}
}

func (c *checkpoint) addLinear(prefix string, in, out int64) {
	c.addVals(prefix+".weight", out, in)
	c.addVals(prefix+".bias", out)
}

func (c *checkpoint) build(t *testing.T) *VarBuilder {
	t.Helper()

	payload, err := safetensors.EncodeTensors(c.tensors)
	if err != nil {
		t.Fatalf("encode checkpoint: %v", err)
	}

	store, err := safetensors.OpenStoreFromBytes(payload)
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return NewVarBuilder(store)
}

func tinyConfig() Config {
	return Config{
		Vocabs:          10,
		Embeddings:      8,
		Channels:        8,
		SpkEmbed:        4,
		EncPrenet:       []int64{8},
		CbhgBanks:       2,
		CbhgPool:        2,
		CbhgKernels:     3,
		CbhgHighways:    2,
		UpsamplerLayers: 1,
		DecPrenet:       []int64{8, 6},
		DecLayers:       1,
		Reduction:       2,
		Mel:             3,
	}
}

// tinyCheckpoint produces a complete checkpoint matching tinyConfig.
func tinyCheckpoint(t *testing.T) *VarBuilder {
	t.Helper()

	cfg := tinyConfig()
	half := cfg.Channels / 2
	featDim := cfg.Channels + cfg.SpkEmbed
	frameSize := cfg.Reduction * cfg.Mel

	var c checkpoint

	c.addVals("embedding.weight", cfg.Vocabs, cfg.Embeddings)

	encSizes := append(append([]int64(nil), cfg.EncPrenet...), half)

	prev := cfg.Embeddings
	for i, size := range encSizes {
		c.addLinear(fmt.Sprintf("encoder.prenet.layers.%d", i), prev, size)
		prev = size
	}

	for k := int64(1); k <= cfg.CbhgBanks; k++ {
		prefix := fmt.Sprintf("encoder.cbhg.bank.%d", k-1)
		c.addVals(prefix+".conv.weight", half, half, k)
		c.addVals(prefix+".conv.bias", half)
		c.addNorm(prefix+".norm", half)
	}

	c.addVals("encoder.cbhg.proj1.conv.weight", half, cfg.CbhgBanks*half, cfg.CbhgKernels)
	c.addVals("encoder.cbhg.proj1.conv.bias", half)
	c.addNorm("encoder.cbhg.proj1.norm", half)

	c.addVals("encoder.cbhg.proj2.conv.weight", half, half, cfg.CbhgKernels)
	c.addVals("encoder.cbhg.proj2.conv.bias", half)
	c.addNorm("encoder.cbhg.proj2.norm", half)

	for i := int64(0); i < cfg.CbhgHighways; i++ {
		c.addLinear(fmt.Sprintf("encoder.cbhg.highways.%d.H", i), half, half)
		c.addLinear(fmt.Sprintf("encoder.cbhg.highways.%d.T", i), half, half)
	}

	c.addGRU("encoder.cbhg.gru", 0, half, half, true)

	in := featDim
	for i := int64(0); i < cfg.UpsamplerLayers; i++ {
		c.addGRU("upsampler.gru", i, in, half, true)
		in = 2 * half
	}

	c.addLinear("upsampler.proj", 2*half, 2)

	prev = frameSize
	for i, size := range cfg.DecPrenet {
		c.addLinear(fmt.Sprintf("decoder.prenet.layers.%d", i), prev, size)
		prev = size
	}

	in = cfg.DecPrenet[len(cfg.DecPrenet)-1] + featDim
	for i := int64(0); i < cfg.DecLayers; i++ {
		c.addGRU("decoder.gru", i, in, cfg.Channels, false)
		in = cfg.Channels
	}

	c.addLinear("decoder.proj", cfg.Channels, frameSize)

	return c.build(t)
}

// testUpsampler builds a one-layer upsampler directly from weights. With
// zeroGRU the recurrent stack outputs zeros, so the projection bias alone
// decides the per-token predictions.
func testUpsampler(t *testing.T, feat, hidden int64, zeroGRU bool, projBias [2]float32) *upsampler {
	t.Helper()

	gruData := func(n int64) []float32 {
		if zeroGRU {
			return make([]float32, n)
		}

		return vals(n)
	}

	mk := func(data []float32, shape []int64) *tensor.Tensor {
		t.Helper()

		out, err := tensor.New(data, shape)
		if err != nil {
			t.Fatalf("tensor %v: %v", shape, err)
		}

		return out
	}

	dir := func() ops.GRUWeights {
		return ops.GRUWeights{
			WIH: mk(gruData(3*hidden*feat), []int64{3 * hidden, feat}),
			WHH: mk(gruData(3*hidden*hidden), []int64{3 * hidden, hidden}),
			BIH: mk(gruData(3*hidden), []int64{3 * hidden}),
			BHH: mk(gruData(3*hidden), []int64{3 * hidden}),
		}
	}

	projWeight := make([]float32, 2*2*hidden)
	if !zeroGRU {
		projWeight = vals(2 * 2 * hidden)
	}

	return &upsampler{
		layers: []biGRULayer{{forward: dir(), backward: dir()}},
		proj: &linear{
			weight: mk(projWeight, []int64{2, 2 * hidden}),
			bias:   mk([]float32{projBias[0], projBias[1]}, []int64{2}),
		},
	}
}

func mustTensor(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor %v: %v", shape, err)
	}

	return out
}
