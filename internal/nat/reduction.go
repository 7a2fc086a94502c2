package nat

import (
	"errors"
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// foldFrames groups a [batch, frames, mel] spectrogram into reduced decoder
// steps [batch, ceil(frames/factor), factor*mel]. A trailing partial group is
// zero-padded.
func foldFrames(x *tensor.Tensor, factor int64) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, errors.New("nat: fold input must be [batch, frames, mel]")
	}

	if factor < 1 {
		return nil, fmt.Errorf("nat: reduction factor %d must be positive", factor)
	}

	shape := x.Shape()
	batch, frames, mel := shape[0], shape[1], shape[2]
	steps := (frames + factor - 1) / factor

	out, err := tensor.Zeros([]int64{batch, steps, factor * mel})
	if err != nil {
		return nil, err
	}

	inData := x.RawData()
	outData := out.RawData()
	melI := int(mel)

	for b := int64(0); b < batch; b++ {
		for f := int64(0); f < frames; f++ {
			src := int(b*frames+f) * melI
			dst := int((b*steps+f/factor)*factor*mel + (f%factor)*mel)
			copy(outData[dst:dst+melI], inData[src:src+melI])
		}
	}

	return out, nil
}

// unfoldFrames expands grouped decoder output [batch, steps, factor*mel]
// back to frame rate and trims to length frames.
func unfoldFrames(x *tensor.Tensor, factor, length int64) (*tensor.Tensor, error) {
	if x == nil || x.Rank() != 3 {
		return nil, errors.New("nat: unfold input must be [batch, steps, factor*mel]")
	}

	shape := x.Shape()
	if shape[2]%factor != 0 {
		return nil, fmt.Errorf("nat: unfold channel dim %d not divisible by factor %d", shape[2], factor)
	}

	batch, steps := shape[0], shape[1]
	mel := shape[2] / factor

	full, err := x.Reshape([]int64{batch, steps * factor, mel})
	if err != nil {
		return nil, err
	}

	if length < 0 || length > steps*factor {
		return nil, fmt.Errorf("nat: unfold length %d out of range [0, %d]", length, steps*factor)
	}

	if length == steps*factor {
		return full, nil
	}

	return full.Narrow(1, 0, length)
}
