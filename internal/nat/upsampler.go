package nat

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// alignEpsilon stabilizes the per-frame weight normalization against
// all-zero rows.
const alignEpsilon = 1e-5

// upsampler predicts a duration and a kernel range for every token, then
// expands the token features to frame rate through a soft alignment matrix.
// A stack of bidirectional GRU layers refines the conditioned token features
// before a single linear projection to (log-duration, raw range).
type upsampler struct {
	layers []biGRULayer
	proj   *linear
}

// UpsampleResult carries everything one forward pass of the upsampler
// produces. Factor is nil when no target lengths were supplied.
type UpsampleResult struct {
	// Upsampled is the per-frame feature sequence [batch, outLen, feat].
	Upsampled *tensor.Tensor
	// Alignment is the soft frame-to-token assignment [batch, outLen, seq].
	// Rows of valid frames sum to one over valid tokens; rows of masked
	// frames are all zero. Exposed for diagnostics, not used by the decoder.
	Alignment *tensor.Tensor
	// Durations is the per-token frame count [batch, seq], zero on padding.
	Durations *tensor.Tensor
	// Ranges is the per-token kernel width [batch, seq], zero on padding.
	Ranges *tensor.Tensor
	// Centers is the temporal center of each token's span [batch, seq].
	Centers *tensor.Tensor
	// Lengths is the per-row frame count: the target lengths when supplied,
	// otherwise the rounded-up sum of predicted durations.
	Lengths []int64
	// Factor is the per-row additive log-duration shift that reconciles
	// predicted durations with the target lengths. Nil at inference.
	Factor []float32
}

func loadUpsampler(vb *VarBuilder, in, hidden, layers int64) (*upsampler, error) {
	if layers < 1 {
		return nil, errors.New("nat: upsampler needs at least one recurrent layer")
	}

	stack := make([]biGRULayer, 0, layers)

	layerIn := in
	for i := int64(0); i < layers; i++ {
		layer, err := loadBiGRULayer(vb.Path("gru"), i, layerIn, hidden)
		if err != nil {
			return nil, fmt.Errorf("nat: upsampler gru layer %d: %w", i, err)
		}

		stack = append(stack, layer)
		layerIn = 2 * hidden
	}

	proj, err := loadLinear(vb.Path("proj"), 2*hidden, 2)
	if err != nil {
		return nil, fmt.Errorf("nat: upsampler projection: %w", err)
	}

	return &upsampler{layers: stack, proj: proj}, nil
}

// forward expands token features [batch, seq, feat] to frame rate. textLens
// gives the number of valid tokens per row (the rest is padding); every row
// must have at least one valid token. targetLens, when non-nil, supplies the
// ground-truth frame counts and turns on length reconciliation.
func (u *upsampler) forward(features *tensor.Tensor, textLens, targetLens []int64) (*UpsampleResult, error) {
	if features == nil || features.Rank() != 3 {
		return nil, errors.New("nat: upsampler input must be [batch, seq, feat]")
	}

	shape := features.Shape()
	batch, seq, feat := shape[0], shape[1], shape[2]

	if int64(len(textLens)) != batch {
		return nil, fmt.Errorf("nat: got %d text lengths for batch %d", len(textLens), batch)
	}

	for b, n := range textLens {
		if n < 1 {
			return nil, fmt.Errorf("nat: row %d has no valid tokens", b)
		}

		if n > seq {
			return nil, fmt.Errorf("nat: row %d text length %d exceeds seq %d", b, n, seq)
		}
	}

	if targetLens != nil {
		if int64(len(targetLens)) != batch {
			return nil, fmt.Errorf("nat: got %d target lengths for batch %d", len(targetLens), batch)
		}

		for b, n := range targetLens {
			if n < 1 {
				return nil, fmt.Errorf("nat: row %d target length %d must be positive", b, n)
			}
		}
	}

	x := features

	for i, layer := range u.layers {
		var err error

		x, err = layer.run(x)
		if err != nil {
			return nil, fmt.Errorf("nat: upsampler gru layer %d: %w", i, err)
		}
	}

	// [batch, seq, 2]: channel 0 is log-duration, channel 1 is raw range.
	pred, err := u.proj.forward(x)
	if err != nil {
		return nil, fmt.Errorf("nat: upsampler projection: %w", err)
	}

	predData := pred.RawData()
	batchI, seqI := int(batch), int(seq)

	logDur := make([]float64, batchI*seqI)
	rawRange := make([]float32, batchI*seqI)

	for i := range batchI * seqI {
		logDur[i] = float64(predData[2*i])
		rawRange[i] = predData[2*i+1]
	}

	var factor []float32

	if targetLens != nil {
		// Shift every log-duration so the masked exponentiated sum matches
		// the target exactly; padding contributes nothing to the reduction.
		factor = make([]float32, batchI)

		for b := range batchI {
			row := logDur[b*seqI : (b+1)*seqI]
			shift := math.Log(float64(targetLens[b])) - logSumExp(row[:textLens[b]])
			factor[b] = float32(shift)

			for i := range row {
				row[i] += shift
			}
		}
	}

	durations, err := tensor.Zeros([]int64{batch, seq})
	if err != nil {
		return nil, err
	}

	ranges, err := tensor.Zeros([]int64{batch, seq})
	if err != nil {
		return nil, err
	}

	durData := durations.RawData()
	rngData := ranges.RawData()

	for b := range batchI {
		for i := range int(textLens[b]) {
			idx := b*seqI + i
			durData[idx] = float32(math.Exp(logDur[idx]))
			rngData[idx] = ops.Softplus(rawRange[idx])
		}
	}

	lengths := make([]int64, batchI)

	if targetLens != nil {
		copy(lengths, targetLens)
	} else {
		for b := range batchI {
			var sum float64
			for i := range int(textLens[b]) {
				sum += float64(durData[b*seqI+i])
			}

			lengths[b] = int64(math.Ceil(sum))
		}
	}

	outLen := int64(0)
	for _, n := range lengths {
		outLen = max(outLen, n)
	}

	// center[b,i] = cumsum(dur)[b,i] - dur[b,i]/2: spans laid end to end,
	// each token centered in its own span.
	centers, err := tensor.CumSum(durations, -1)
	if err != nil {
		return nil, err
	}

	centerData := centers.RawData()
	for i, d := range durData {
		centerData[i] -= d / 2
	}

	alignment, err := u.buildAlignment(rngData, centerData, textLens, lengths, seq, outLen)
	if err != nil {
		return nil, err
	}

	upsampled, err := tensor.MatMul(alignment, features)
	if err != nil {
		return nil, fmt.Errorf("nat: upsample matmul: %w", err)
	}

	if got := upsampled.Shape(); got[2] != feat {
		return nil, fmt.Errorf("nat: upsampled feature dim %d, want %d", got[2], feat)
	}

	return &UpsampleResult{
		Upsampled: upsampled,
		Alignment: alignment,
		Durations: durations,
		Ranges:    ranges,
		Centers:   centers,
		Lengths:   lengths,
		Factor:    factor,
	}, nil
}

// buildAlignment constructs the [batch, outLen, seq] soft alignment. The
// weight of (frame t, token i) is the squared normalized distance
// ((t - center) / range)^2 divided by the masked row sum plus epsilon. This
// is the normalization the training graph uses; it is not a softmax and must
// not be replaced by one. Cells outside the valid frame/token region are
// written as exact zeros.
func (u *upsampler) buildAlignment(rng, centers []float32, textLens, lengths []int64, seq, outLen int64) (*tensor.Tensor, error) {
	batch := int64(len(textLens))

	out, err := tensor.Zeros([]int64{batch, outLen, seq})
	if err != nil {
		return nil, err
	}

	outData := out.RawData()
	seqI, outI := int(seq), int(outLen)

	row := make([]float64, seqI)

	for b := range int(batch) {
		valid := int(textLens[b])
		frames := int(lengths[b])

		for t := range frames {
			var sum float64

			for i := range valid {
				idx := b*seqI + i
				d := (float64(t) - float64(centers[idx])) / float64(rng[idx])
				w := d * d
				row[i] = w
				sum += w
			}

			denom := sum + alignEpsilon

			base := (b*outI + t) * seqI
			for i := range valid {
				outData[base+i] = float32(row[i] / denom)
			}
		}
	}

	return out, nil
}

// logSumExp reduces log(sum(exp(x))) with the max-subtraction trick.
func logSumExp(x []float64) float64 {
	maxV := math.Inf(-1)
	for _, v := range x {
		maxV = math.Max(maxV, v)
	}

	if math.IsInf(maxV, -1) {
		return maxV
	}

	var sum float64
	for _, v := range x {
		sum += math.Exp(v - maxV)
	}

	return maxV + math.Log(sum)
}
