package ops

import (
	"fmt"
	"math"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels, kernel_size]
// Asymmetric padding (padLeft, padRight) supports "same"-length outputs for
// even kernel widths, which the encoder's convolution bank needs.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padLeft, padRight int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, fmt.Errorf("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 {
		return nil, fmt.Errorf("ops: conv1d stride must be > 0, got %d", stride)
	}

	if padLeft < 0 || padRight < 0 {
		return nil, fmt.Errorf("ops: conv1d padding must be >= 0, got (%d, %d)", padLeft, padRight)
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	batch, inChannels, length := inShape[0], inShape[1], inShape[2]
	outChannels, kInChannels, kernelSize := kShape[0], kShape[1], kShape[2]

	if kInChannels != inChannels {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels mismatch: got %d want %d", kInChannels, inChannels)
	}

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outChannels {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, outChannels)
		}
	}

	outLength := (length+padLeft+padRight-kernelSize)/stride + 1
	if outLength <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", outLength)
	}

	out, err := tensor.Zeros([]int64{batch, outChannels, outLength})
	if err != nil {
		return nil, err
	}

	inputData := input.RawData()
	kernelData := kernel.RawData()
	outData := out.RawData()

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	outChI := int(outChannels)

	for b := int64(0); b < batch; b++ {
		// Output channels write disjoint slices and read shared immutable
		// input/kernel data, so the channel loop is safely parallel.
		parallelFor(outChI, getWorkers(), func(ocLo, ocHi int) {
			for oc := int64(ocLo); oc < int64(ocHi); oc++ {
				for ox := int64(0); ox < outLength; ox++ {
					sum := float32(0)
					if biasData != nil {
						sum = biasData[oc]
					}

					for ic := int64(0); ic < inChannels; ic++ {
						for kx := int64(0); kx < kernelSize; kx++ {
							inPos := ox*stride - padLeft + kx
							if inPos < 0 || inPos >= length {
								continue
							}

							inputIdx := ((b*inChannels + ic) * length) + inPos
							kernelIdx := ((oc*inChannels + ic) * kernelSize) + kx
							sum += inputData[inputIdx] * kernelData[kernelIdx]
						}
					}

					outIdx := ((b*outChannels + oc) * outLength) + ox
					outData[outIdx] = sum
				}
			}
		})
	}

	return out, nil
}

// Conv1DSame runs Conv1D with stride 1 and padding chosen so the output
// length equals the input length, for any kernel width.
func Conv1DSame(input, kernel, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if kernel == nil {
		return nil, fmt.Errorf("ops: conv1d same requires non-nil kernel")
	}

	kShape := kernel.Shape()
	if len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d same expects kernel rank 3, got %v", kShape)
	}

	kernelSize := kShape[2]
	padLeft := (kernelSize - 1) / 2
	padRight := kernelSize / 2

	return Conv1D(input, kernel, bias, 1, padLeft, padRight)
}

// BatchNorm1D applies inference-mode batch normalization over the channel
// dimension of a [batch, channels, length] tensor using stored running
// statistics.
func BatchNorm1D(x, gamma, beta, mean, variance *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	if x == nil || gamma == nil || beta == nil || mean == nil || variance == nil {
		return nil, fmt.Errorf("ops: batchnorm requires non-nil tensors")
	}

	if eps <= 0 {
		return nil, fmt.Errorf("ops: batchnorm eps must be > 0")
	}

	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: batchnorm expects input rank 3, got %v", shape)
	}

	channels := shape[1]
	for name, t := range map[string]*tensor.Tensor{"gamma": gamma, "beta": beta, "mean": mean, "var": variance} {
		s := t.Shape()
		if len(s) != 1 || s[0] != channels {
			return nil, fmt.Errorf("ops: batchnorm %s shape %v does not match channels %d", name, s, channels)
		}
	}

	out := x.Clone()
	outData := out.RawData()
	gData := gamma.RawData()
	bData := beta.RawData()
	mData := mean.RawData()
	vData := variance.RawData()

	batch, length := shape[0], shape[2]
	for b := int64(0); b < batch; b++ {
		for c := int64(0); c < channels; c++ {
			scale := gData[c] / float32(math.Sqrt(float64(vData[c])+float64(eps)))
			shift := bData[c] - mData[c]*scale

			base := (b*channels + c) * length
			row := outData[base : base+length]
			for i := range row {
				row[i] = row[i]*scale + shift
			}
		}
	}

	return out, nil
}

// MaxPool1DSame applies max pooling with stride 1 and same-length output.
// input: [batch, channels, length].
func MaxPool1DSame(input *tensor.Tensor, width int64) (*tensor.Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("ops: maxpool requires non-nil input")
	}

	if width <= 0 {
		return nil, fmt.Errorf("ops: maxpool width must be > 0, got %d", width)
	}

	shape := input.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: maxpool expects input rank 3, got %v", shape)
	}

	batch, channels, length := shape[0], shape[1], shape[2]

	out, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	inData := input.RawData()
	outData := out.RawData()
	padLeft := (width - 1) / 2

	for b := int64(0); b < batch; b++ {
		for c := int64(0); c < channels; c++ {
			base := (b*channels + c) * length
			for ox := int64(0); ox < length; ox++ {
				first := true

				var best float32
				for kx := int64(0); kx < width; kx++ {
					inPos := ox - padLeft + kx
					if inPos < 0 || inPos >= length {
						continue
					}

					v := inData[base+inPos]
					if first || v > best {
						best = v
						first = false
					}
				}

				outData[base+ox] = best
			}
		}
	}

	return out, nil
}
