package nat

import (
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// cbhg is the 1-D convolution bank + highway network + bidirectional GRU
// block the encoder uses to turn prenet features into token representations.
// It operates on half the encoder width and doubles it back on the way out
// through the bidirectional recurrence.
type cbhg struct {
	bank     []*convBN
	pool     int64
	proj1    *convBN
	proj2    *convBN
	highways []highway
	gru      biGRULayer
}

type highway struct {
	h *linear
	t *linear
}

func loadCBHG(vb *VarBuilder, cfg Config) (*cbhg, error) {
	half := cfg.Channels / 2

	bank := make([]*convBN, 0, cfg.CbhgBanks)

	for k := int64(1); k <= cfg.CbhgBanks; k++ {
		conv, err := loadConvBN(vb.Path("bank", fmt.Sprintf("%d", k-1)), half, half, k)
		if err != nil {
			return nil, fmt.Errorf("nat: cbhg bank k=%d: %w", k, err)
		}

		bank = append(bank, conv)
	}

	proj1, err := loadConvBN(vb.Path("proj1"), cfg.CbhgBanks*half, half, cfg.CbhgKernels)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg proj1: %w", err)
	}

	proj2, err := loadConvBN(vb.Path("proj2"), half, half, cfg.CbhgKernels)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg proj2: %w", err)
	}

	highways := make([]highway, 0, cfg.CbhgHighways)

	for i := int64(0); i < cfg.CbhgHighways; i++ {
		hvb := vb.Path("highways", fmt.Sprintf("%d", i))

		h, err := loadLinear(hvb.Path("H"), half, half)
		if err != nil {
			return nil, fmt.Errorf("nat: cbhg highway %d H: %w", i, err)
		}

		t, err := loadLinear(hvb.Path("T"), half, half)
		if err != nil {
			return nil, fmt.Errorf("nat: cbhg highway %d T: %w", i, err)
		}

		highways = append(highways, highway{h: h, t: t})
	}

	gru, err := loadBiGRULayer(vb.Path("gru"), 0, half, half)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg gru: %w", err)
	}

	return &cbhg{
		bank:     bank,
		pool:     cfg.CbhgPool,
		proj1:    proj1,
		proj2:    proj2,
		highways: highways,
		gru:      gru,
	}, nil
}

// forward maps [batch, seq, half] prenet features to [batch, seq, 2*half]
// token representations.
func (c *cbhg) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	// Convolutions run channel-first.
	cf, err := x.Transpose(1, 2)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg transpose in: %w", err)
	}

	banked := make([]*tensor.Tensor, 0, len(c.bank))

	for k, conv := range c.bank {
		y, err := conv.forwardReLU(cf)
		if err != nil {
			return nil, fmt.Errorf("nat: cbhg bank k=%d: %w", k+1, err)
		}

		banked = append(banked, y)
	}

	stacked, err := tensor.Concat(banked, 1)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg bank concat: %w", err)
	}

	pooled, err := ops.MaxPool1DSame(stacked, c.pool)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg maxpool: %w", err)
	}

	proj, err := c.proj1.forwardReLU(pooled)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg proj1: %w", err)
	}

	proj, err = c.proj2.forward(proj)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg proj2: %w", err)
	}

	// Residual connection back onto the prenet features.
	res, err := tensor.BroadcastAdd(proj, cf)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg residual: %w", err)
	}

	y, err := res.Transpose(1, 2)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg transpose out: %w", err)
	}

	for i, hw := range c.highways {
		y, err = hw.forward(y)
		if err != nil {
			return nil, fmt.Errorf("nat: cbhg highway %d: %w", i, err)
		}
	}

	out, err := c.gru.run(y)
	if err != nil {
		return nil, fmt.Errorf("nat: cbhg gru: %w", err)
	}

	return out, nil
}

// forward computes H(x)*T(x) + x*(1-T(x)) with a ReLU carry gate H and a
// sigmoid transform gate T.
func (hw highway) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := hw.h.forward(x)
	if err != nil {
		return nil, err
	}

	h, err = ops.ReLU(h)
	if err != nil {
		return nil, err
	}

	t, err := hw.t.forward(x)
	if err != nil {
		return nil, err
	}

	t, err = ops.Sigmoid(t)
	if err != nil {
		return nil, err
	}

	hData := h.RawData()
	tData := t.RawData()
	xData := x.RawData()

	outData := make([]float32, len(xData))
	for i := range outData {
		outData[i] = hData[i]*tData[i] + xData[i]*(1-tData[i])
	}

	out, err := tensor.New(outData, x.Shape())
	if err != nil {
		return nil, err
	}

	return out, nil
}
