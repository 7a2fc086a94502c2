// Package ops provides the neural-network building blocks of the acoustic
// model on top of the tensor kernels: gated recurrent units, 1-D
// convolutions, pooling and inference-mode batch normalization.
package ops

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// workers controls the number of goroutines used by the batched fast paths
// (convolution output channels, recurrent batch rows). A value of 0 or 1
// means sequential. Set via SetWorkers, typically wired to --workers.
var workers atomic.Int32

// SetWorkers sets the maximum number of goroutines used for parallel
// execution inside ops kernels. n <= 1 disables parallelism.
func SetWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 0 {
		n = 0
	}

	if n > maxInt32 {
		n = maxInt32
	}

	workers.Store(int32(n))
}

func getWorkers() int { return int(workers.Load()) }

// parallelFor splits the range [0, n) into chunks and runs fn(lo, hi)
// concurrently. When workers <= 1 the call is sequential (no goroutines).
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup

	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()

			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}

func sigmoid(x float32) float32 {
	return 1 / (1 + float32(math.Exp(float64(-x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func relu(x float32) float32 {
	if x < 0 {
		return 0
	}

	return x
}

// Softplus computes log(1 + exp(x)) with the standard overflow guard: for
// large x the result is x itself. The upsampler maps its raw range
// prediction through this to keep kernel widths positive.
func Softplus(x float32) float32 {
	const threshold = 20

	if x > threshold {
		return x
	}

	return float32(math.Log1p(math.Exp(float64(x))))
}

// ReLU applies max(0, x) elementwise and returns a new tensor.
func ReLU(x *tensor.Tensor) (*tensor.Tensor, error) {
	return apply(x, relu)
}

// Sigmoid applies the logistic function elementwise and returns a new tensor.
func Sigmoid(x *tensor.Tensor) (*tensor.Tensor, error) {
	return apply(x, sigmoid)
}

// Tanh applies the hyperbolic tangent elementwise and returns a new tensor.
func Tanh(x *tensor.Tensor) (*tensor.Tensor, error) {
	return apply(x, tanh)
}

func apply(x *tensor.Tensor, fn func(float32) float32) (*tensor.Tensor, error) {
	if x == nil {
		return nil, errors.New("ops: elementwise op on nil tensor")
	}

	out := x.Clone()

	data := out.RawData()
	for i, v := range data {
		data[i] = fn(v)
	}

	return out, nil
}
