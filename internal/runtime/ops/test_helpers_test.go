package ops

import (
	"math"
	"testing"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

func mustTensorT(t *testing.T, data []float32, shape []int64) *tensor.Tensor {
	t.Helper()

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New(%v): %v", shape, err)
	}

	return out
}

func seqDataT(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%13) * 0.25
	}

	return out
}

func equalApprox(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}

	return true
}
