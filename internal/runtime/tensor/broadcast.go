package tensor

import (
	"fmt"
)

// BroadcastAdd performs element-wise add with NumPy-style broadcasting.
// The CBHG encoder uses it to add the residual token features back onto the
// projected conv-bank output.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x + y }, "add")
}

// BroadcastMul performs element-wise multiply with NumPy-style broadcasting.
// The model uses it to mask the predicted spectrogram: [B, T, M] frames times
// a [B, T, 1] validity mask zeroes everything past each row's frame length.
func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float32) float32 { return x * y }, "mul")
}

// broadcastBinary walks the output in row-major order with an odometer over
// the output coordinates, carrying both source offsets incrementally. A
// broadcast dimension has effective stride zero, so its coordinate never
// moves the offset.
func broadcastBinary(a, b *Tensor, fn func(x, y float32) float32, opName string) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", opName)
	}

	outShape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", opName, err)
	}

	out, err := Zeros(outShape)
	if err != nil {
		return nil, err
	}

	rank := len(outShape)
	aStrides := effectiveStrides(a.shape, rank)
	bStrides := effectiveStrides(b.shape, rank)
	coord := make([]int64, rank)

	var aOff, bOff int64

	for i := range out.data {
		out.data[i] = fn(a.data[aOff], b.data[bOff])

		for d := rank - 1; d >= 0; d-- {
			coord[d]++
			aOff += aStrides[d]
			bOff += bStrides[d]

			if coord[d] < outShape[d] {
				break
			}

			aOff -= aStrides[d] * outShape[d]
			bOff -= bStrides[d] * outShape[d]
			coord[d] = 0
		}
	}

	return out, nil
}

func broadcastShape(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// effectiveStrides right-aligns shape into rank dimensions and returns its
// row-major strides with every size-1 (broadcast) dimension zeroed, so an
// output coordinate dotted with the result is the source offset directly.
func effectiveStrides(shape []int64, rank int) []int64 {
	strides := make([]int64, rank)
	pad := rank - len(shape)

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] != 1 {
			strides[pad+i] = stride
		}

		stride *= shape[i]
	}

	return strides
}
