// Package testutil generates deterministic model fixtures for tests:
// complete untrained checkpoints and speaker embeddings in safetensors
// format, laid out exactly the way the model loader expects.
package testutil

import (
	"fmt"

	"github.com/example/go-nat-tts/internal/nat"
	"github.com/example/go-nat-tts/internal/safetensors"
)

// Weights returns a small deterministic weight pattern. Values stay well
// inside float32 range so untrained forward passes remain finite.
func Weights(n int64) []float32 {
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

// Builder accumulates named tensors for a synthetic checkpoint.
type Builder struct {
	tensors []safetensors.Tensor
}

// Add appends a tensor with explicit data.
func (b *Builder) Add(name string, shape []int64, data []float32) {
	b.tensors = append(b.tensors, safetensors.Tensor{Name: name, Shape: shape, Data: data})
}

// AddWeights appends a tensor filled with the deterministic pattern.
func (b *Builder) AddWeights(name string, shape ...int64) {
	b.Add(name, shape, Weights(elemCount(shape)))
}

// AddNorm appends identity batch-norm statistics under prefix.
func (b *Builder) AddNorm(prefix string, channels int64) {
	b.Add(prefix+".weight", []int64{channels}, ones(channels))
	b.Add(prefix+".bias", []int64{channels}, make([]float32, channels))
	b.Add(prefix+".running_mean", []int64{channels}, make([]float32, channels))
	b.Add(prefix+".running_var", []int64{channels}, ones(channels))
}

// AddGRU appends one torch-convention GRU layer under prefix, optionally
// with a reverse direction.
func (b *Builder) AddGRU(prefix string, layer, in, hidden int64, bidirectional bool) {
	suffixes := []string{fmt.Sprintf("l%d", layer)}
	if bidirectional {
		suffixes = append(suffixes, fmt.Sprintf("l%d_reverse", layer))
	}

	for _, s := range suffixes {
		b.AddWeights(prefix+".weight_ih_"+s, 3*hidden, in)
		b.AddWeights(prefix+".weight_hh_"+s, 3*hidden, hidden)
		b.AddWeights(prefix+".bias_ih_"+s, 3*hidden)
		b.AddWeights(prefix+".bias_hh_"+s, 3*hidden)
	}
}

// AddLinear appends a linear layer (weight and bias) under prefix.
func (b *Builder) AddLinear(prefix string, in, out int64) {
	b.AddWeights(prefix+".weight", out, in)
	b.AddWeights(prefix+".bias", out)
}

// Tensors returns the accumulated tensor list.
func (b *Builder) Tensors() []safetensors.Tensor {
	return b.tensors
}

// CheckpointTensors builds a complete untrained checkpoint matching cfg.
func CheckpointTensors(cfg nat.Config) []safetensors.Tensor {
	half := cfg.Channels / 2
	featDim := cfg.Channels + cfg.SpkEmbed
	frameSize := cfg.Reduction * cfg.Mel

	var b Builder

	b.AddWeights("embedding.weight", cfg.Vocabs, cfg.Embeddings)

	encSizes := append(append([]int64(nil), cfg.EncPrenet...), half)

	prev := cfg.Embeddings
	for i, size := range encSizes {
		b.AddLinear(fmt.Sprintf("encoder.prenet.layers.%d", i), prev, size)
		prev = size
	}

	for k := int64(1); k <= cfg.CbhgBanks; k++ {
		prefix := fmt.Sprintf("encoder.cbhg.bank.%d", k-1)
		b.AddWeights(prefix+".conv.weight", half, half, k)
		b.AddWeights(prefix+".conv.bias", half)
		b.AddNorm(prefix+".norm", half)
	}

	b.AddWeights("encoder.cbhg.proj1.conv.weight", half, cfg.CbhgBanks*half, cfg.CbhgKernels)
	b.AddWeights("encoder.cbhg.proj1.conv.bias", half)
	b.AddNorm("encoder.cbhg.proj1.norm", half)

	b.AddWeights("encoder.cbhg.proj2.conv.weight", half, half, cfg.CbhgKernels)
	b.AddWeights("encoder.cbhg.proj2.conv.bias", half)
	b.AddNorm("encoder.cbhg.proj2.norm", half)

	for i := int64(0); i < cfg.CbhgHighways; i++ {
		b.AddLinear(fmt.Sprintf("encoder.cbhg.highways.%d.H", i), half, half)
		b.AddLinear(fmt.Sprintf("encoder.cbhg.highways.%d.T", i), half, half)
	}

	b.AddGRU("encoder.cbhg.gru", 0, half, half, true)

	in := featDim
	for i := int64(0); i < cfg.UpsamplerLayers; i++ {
		b.AddGRU("upsampler.gru", i, in, half, true)
		in = 2 * half
	}

	b.AddLinear("upsampler.proj", 2*half, 2)

	prev = frameSize
	for i, size := range cfg.DecPrenet {
		b.AddLinear(fmt.Sprintf("decoder.prenet.layers.%d", i), prev, size)
		prev = size
	}

	in = cfg.DecPrenet[len(cfg.DecPrenet)-1] + featDim
	for i := int64(0); i < cfg.DecLayers; i++ {
		b.AddGRU("decoder.gru", i, in, cfg.Channels, false)
		in = cfg.Channels
	}

	b.AddLinear("decoder.proj", cfg.Channels, frameSize)

	return b.Tensors()
}

// WriteCheckpoint writes a complete untrained checkpoint for cfg to path.
func WriteCheckpoint(path string, cfg nat.Config) error {
	return safetensors.WriteFile(path, CheckpointTensors(cfg))
}

// WriteSpeaker writes a deterministic [1, dim] speaker embedding to path.
func WriteSpeaker(path string, dim int64) error {
	return safetensors.WriteFile(path, []safetensors.Tensor{{
		Name:  "speaker",
		Shape: []int64{1, dim},
		Data:  Weights(dim),
	}})
}
