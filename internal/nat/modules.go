package nat

import (
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

const batchNormEps = 1e-5

type linear struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func loadLinear(vb *VarBuilder, in, out int64) (*linear, error) {
	weight, err := vb.Tensor("weight", out, in)
	if err != nil {
		return nil, err
	}

	bias, _, err := vb.TensorMaybe("bias", out)
	if err != nil {
		return nil, err
	}

	return &linear{weight: weight, bias: bias}, nil
}

func (l *linear) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.weight, l.bias)
}

type embedding struct {
	weight *tensor.Tensor
	dim    int64
}

func loadEmbedding(vb *VarBuilder, vocabs, dim int64) (*embedding, error) {
	weight, err := vb.Tensor("weight", vocabs, dim)
	if err != nil {
		return nil, err
	}

	return &embedding{weight: weight, dim: dim}, nil
}

// forward looks up padded token ids [batch, seq] into [batch, seq, dim].
// Padding positions carry id 0 and resolve to the pad symbol row.
func (e *embedding) forward(ids [][]int64, seq int64) (*tensor.Tensor, error) {
	batch := int64(len(ids))

	out, err := tensor.Zeros([]int64{batch, seq, e.dim})
	if err != nil {
		return nil, err
	}

	vocabs := e.weight.Shape()[0]
	wData := e.weight.RawData()
	outData := out.RawData()
	dim := int(e.dim)

	for b, row := range ids {
		if int64(len(row)) > seq {
			return nil, fmt.Errorf("nat: token row %d length %d exceeds padded length %d", b, len(row), seq)
		}

		for s, id := range row {
			if id < 0 || id >= vocabs {
				return nil, fmt.Errorf("nat: token id %d out of range [0, %d)", id, vocabs)
			}

			dst := (b*int(seq) + s) * dim
			copy(outData[dst:dst+dim], wData[int(id)*dim:(int(id)+1)*dim])
		}
	}

	return out, nil
}

type batchNorm struct {
	gamma    *tensor.Tensor
	beta     *tensor.Tensor
	mean     *tensor.Tensor
	variance *tensor.Tensor
}

func loadBatchNorm(vb *VarBuilder, channels int64) (*batchNorm, error) {
	gamma, err := vb.Tensor("weight", channels)
	if err != nil {
		return nil, err
	}

	beta, err := vb.Tensor("bias", channels)
	if err != nil {
		return nil, err
	}

	mean, err := vb.Tensor("running_mean", channels)
	if err != nil {
		return nil, err
	}

	variance, err := vb.Tensor("running_var", channels)
	if err != nil {
		return nil, err
	}

	return &batchNorm{gamma: gamma, beta: beta, mean: mean, variance: variance}, nil
}

func (bn *batchNorm) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.BatchNorm1D(x, bn.gamma, bn.beta, bn.mean, bn.variance, batchNormEps)
}

// convBN is a 1-D convolution followed by inference-mode batch normalization,
// with same-length padding. The CBHG bank and projections are built from it.
type convBN struct {
	kernel *tensor.Tensor
	bias   *tensor.Tensor
	norm   *batchNorm
}

func loadConvBN(vb *VarBuilder, in, out, kernelSize int64) (*convBN, error) {
	kernel, err := vb.Path("conv").Tensor("weight", out, in, kernelSize)
	if err != nil {
		return nil, err
	}

	bias, _, err := vb.Path("conv").TensorMaybe("bias", out)
	if err != nil {
		return nil, err
	}

	norm, err := loadBatchNorm(vb.Path("norm"), out)
	if err != nil {
		return nil, err
	}

	return &convBN{kernel: kernel, bias: bias, norm: norm}, nil
}

func (c *convBN) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := ops.Conv1DSame(x, c.kernel, c.bias)
	if err != nil {
		return nil, err
	}

	return c.norm.forward(y)
}

func (c *convBN) forwardReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := c.forward(x)
	if err != nil {
		return nil, err
	}

	return ops.ReLU(y)
}

// loadGRULayer reads one direction of a torch nn.GRU layer. Names follow the
// checkpoint convention: weight_ih_l<n>, weight_hh_l<n>, bias_ih_l<n>,
// bias_hh_l<n>, with a _reverse suffix for the backward direction.
func loadGRULayer(vb *VarBuilder, layer int64, reverse bool, in, hidden int64) (ops.GRUWeights, error) {
	suffix := fmt.Sprintf("l%d", layer)
	if reverse {
		suffix += "_reverse"
	}

	wih, err := vb.Tensor("weight_ih_"+suffix, 3*hidden, in)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	whh, err := vb.Tensor("weight_hh_"+suffix, 3*hidden, hidden)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	bih, _, err := vb.TensorMaybe("bias_ih_"+suffix, 3*hidden)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	bhh, _, err := vb.TensorMaybe("bias_hh_"+suffix, 3*hidden)
	if err != nil {
		return ops.GRUWeights{}, err
	}

	return ops.GRUWeights{WIH: wih, WHH: whh, BIH: bih, BHH: bhh}, nil
}

// biGRULayer is one bidirectional layer: forward and backward weights.
type biGRULayer struct {
	forward  ops.GRUWeights
	backward ops.GRUWeights
}

func loadBiGRULayer(vb *VarBuilder, layer, in, hidden int64) (biGRULayer, error) {
	fwd, err := loadGRULayer(vb, layer, false, in, hidden)
	if err != nil {
		return biGRULayer{}, err
	}

	bwd, err := loadGRULayer(vb, layer, true, in, hidden)
	if err != nil {
		return biGRULayer{}, err
	}

	return biGRULayer{forward: fwd, backward: bwd}, nil
}

func (l biGRULayer) run(x *tensor.Tensor) (*tensor.Tensor, error) {
	return ops.BiGRU(x, l.forward, l.backward)
}
