package nat

import (
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// prenet is a stack of fully connected layers with ReLU activations. The
// encoder runs one over token embeddings, the decoder runs one over the
// previous frame group. Dropout is a training-time regularizer and is not
// applied here.
type prenet struct {
	layers []*linear
}

func loadPrenet(vb *VarBuilder, in int64, sizes []int64) (*prenet, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("nat: prenet needs at least one layer")
	}

	layers := make([]*linear, 0, len(sizes))

	prev := in
	for i, size := range sizes {
		layer, err := loadLinear(vb.Path("layers", fmt.Sprintf("%d", i)), prev, size)
		if err != nil {
			return nil, fmt.Errorf("nat: prenet layer %d: %w", i, err)
		}

		layers = append(layers, layer)
		prev = size
	}

	return &prenet{layers: layers}, nil
}

func (p *prenet) outDim() int64 {
	last := p.layers[len(p.layers)-1]
	return last.weight.Shape()[0]
}

func (p *prenet) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x

	for i, layer := range p.layers {
		var err error

		y, err = layer.forward(y)
		if err != nil {
			return nil, fmt.Errorf("nat: prenet layer %d: %w", i, err)
		}

		y, err = ops.ReLU(y)
		if err != nil {
			return nil, err
		}
	}

	return y, nil
}
