package nat

import (
	"errors"
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// decoder autoregressively predicts grouped spectrogram frames from the
// upsampled feature sequence. Each step runs the previous frame group through
// a prenet, concatenates the step's upsampled feature and advances a stack of
// unidirectional GRU cells; a final projection emits reduction*mel channels.
type decoder struct {
	prenet    *prenet
	cells     []ops.GRUWeights
	proj      *linear
	hidden    int64
	frameSize int64
}

func loadDecoder(vb *VarBuilder, cfg Config, featDim int64) (*decoder, error) {
	frameSize := cfg.Reduction * cfg.Mel

	pre, err := loadPrenet(vb.Path("prenet"), frameSize, cfg.DecPrenet)
	if err != nil {
		return nil, fmt.Errorf("nat: decoder prenet: %w", err)
	}

	if cfg.DecLayers < 1 {
		return nil, errors.New("nat: decoder needs at least one recurrent layer")
	}

	cells := make([]ops.GRUWeights, 0, cfg.DecLayers)

	in := pre.outDim() + featDim
	for i := int64(0); i < cfg.DecLayers; i++ {
		cell, err := loadGRULayer(vb.Path("gru"), i, false, in, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("nat: decoder gru layer %d: %w", i, err)
		}

		cells = append(cells, cell)
		in = cfg.Channels
	}

	proj, err := loadLinear(vb.Path("proj"), cfg.Channels, frameSize)
	if err != nil {
		return nil, fmt.Errorf("nat: decoder projection: %w", err)
	}

	return &decoder{
		prenet:    pre,
		cells:     cells,
		proj:      proj,
		hidden:    cfg.Channels,
		frameSize: frameSize,
	}, nil
}

// forward consumes upsampled features [batch, steps, feat] and returns
// grouped frames [batch, steps, frameSize]. When targets is non-nil the
// recurrence is teacher-forced: the previous frame group at step t is the
// ground-truth group t-1 instead of the model's own prediction.
func (d *decoder) forward(upsampled, targets *tensor.Tensor) (*tensor.Tensor, error) {
	if upsampled == nil || upsampled.Rank() != 3 {
		return nil, errors.New("nat: decoder input must be [batch, steps, feat]")
	}

	shape := upsampled.Shape()
	batch, steps := shape[0], shape[1]

	if targets != nil {
		tShape := targets.Shape()
		if len(tShape) != 3 || tShape[0] != batch || tShape[1] != steps || tShape[2] != d.frameSize {
			return nil, fmt.Errorf("nat: decoder targets must be [%d, %d, %d], got %v", batch, steps, d.frameSize, tShape)
		}
	}

	out, err := tensor.Zeros([]int64{batch, steps, d.frameSize})
	if err != nil {
		return nil, err
	}

	prev, err := tensor.Zeros([]int64{batch, d.frameSize})
	if err != nil {
		return nil, err
	}

	hs := make([]*tensor.Tensor, len(d.cells))
	for i := range hs {
		hs[i], err = tensor.Zeros([]int64{batch, d.hidden})
		if err != nil {
			return nil, err
		}
	}

	outData := out.RawData()
	frameI := int(d.frameSize)
	stepsI := int(steps)

	for t := range stepsI {
		pre, err := d.prenet.forward(prev)
		if err != nil {
			return nil, fmt.Errorf("nat: decoder step %d prenet: %w", t, err)
		}

		feat, err := upsampled.Narrow(1, int64(t), 1)
		if err != nil {
			return nil, err
		}

		feat, err = feat.Reshape([]int64{batch, shape[2]})
		if err != nil {
			return nil, err
		}

		x, err := tensor.Concat([]*tensor.Tensor{pre, feat}, -1)
		if err != nil {
			return nil, fmt.Errorf("nat: decoder step %d concat: %w", t, err)
		}

		for i, cell := range d.cells {
			hs[i], err = ops.GRUStep(x, hs[i], cell)
			if err != nil {
				return nil, fmt.Errorf("nat: decoder step %d gru %d: %w", t, i, err)
			}

			x = hs[i]
		}

		frame, err := d.proj.forward(x)
		if err != nil {
			return nil, fmt.Errorf("nat: decoder step %d projection: %w", t, err)
		}

		frameData := frame.RawData()
		for b := int64(0); b < batch; b++ {
			dst := (int(b)*stepsI + t) * frameI
			copy(outData[dst:dst+frameI], frameData[int(b)*frameI:(int(b)+1)*frameI])
		}

		if targets != nil {
			next, err := targets.Narrow(1, int64(t), 1)
			if err != nil {
				return nil, err
			}

			prev, err = next.Reshape([]int64{batch, d.frameSize})
			if err != nil {
				return nil, err
			}
		} else {
			prev = frame
		}
	}

	return out, nil
}
