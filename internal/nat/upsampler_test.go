package nat

import (
	"math"
	"testing"
)

func TestUpsamplerReconciliationExactness(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, false, [2]float32{0, 0})
	features := mustTensor(t, vals(2*3*feat), []int64{2, 3, feat})

	target := []int64{10, 20}

	res, err := u.forward(features, []int64{3, 3}, target)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if res.Factor == nil || len(res.Factor) != 2 {
		t.Fatalf("factor = %v, want length 2", res.Factor)
	}

	durData := res.Durations.RawData()
	for b := range 2 {
		var sum float64
		for i := range 3 {
			sum += float64(durData[b*3+i])
		}

		if math.Abs(sum-float64(target[b])) > 1e-3 {
			t.Fatalf("row %d durations sum to %v, want %d", b, sum, target[b])
		}
	}
}

func TestUpsamplerRowSumInvariant(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, true, [2]float32{0, 0})
	features := mustTensor(t, vals(2*3*feat), []int64{2, 3, feat})

	res, err := u.forward(features, []int64{3, 3}, []int64{6, 4})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	alignData := res.Alignment.RawData()
	shape := res.Alignment.Shape()

	if shape[1] != 6 {
		t.Fatalf("alignment grid %d frames, want 6", shape[1])
	}

	for b, frames := range []int{6, 4} {
		for frame := range int(shape[1]) {
			var sum float64
			for i := range 3 {
				sum += float64(alignData[(b*int(shape[1])+frame)*3+i])
			}

			if frame < frames {
				if math.Abs(sum-1) > 1e-4 {
					t.Fatalf("row %d frame %d sums to %v, want 1", b, frame, sum)
				}
			} else if sum != 0 {
				t.Fatalf("row %d masked frame %d sums to %v, want exact 0", b, frame, sum)
			}
		}
	}
}

func TestUpsamplerMaskingInvariant(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, false, [2]float32{0, 0})
	features := mustTensor(t, vals(2*3*feat), []int64{2, 3, feat})

	res, err := u.forward(features, []int64{3, 2}, []int64{6, 6})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	durData := res.Durations.RawData()
	rngData := res.Ranges.RawData()

	// Row 1 token 2 is padding.
	if durData[1*3+2] != 0 || rngData[1*3+2] != 0 {
		t.Fatalf("padding duration/range = %v/%v, want exact 0", durData[1*3+2], rngData[1*3+2])
	}

	alignData := res.Alignment.RawData()

	outLen := int(res.Alignment.Shape()[1])
	for frame := range outLen {
		if got := alignData[(1*outLen+frame)*3+2]; got != 0 {
			t.Fatalf("padding alignment column at frame %d = %v, want exact 0", frame, got)
		}
	}
}

func TestUpsamplerCentersMonotonic(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, false, [2]float32{0, 0})
	features := mustTensor(t, vals(1*5*feat), []int64{1, 5, feat})

	res, err := u.forward(features, []int64{5}, []int64{12})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	centers := res.Centers.RawData()
	for i := 1; i < 5; i++ {
		if centers[i] < centers[i-1] {
			t.Fatalf("centers not monotonic: %v", centers)
		}
	}
}

func TestUpsamplerUniformTarget(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, true, [2]float32{0, 0})
	features := mustTensor(t, vals(1*3*feat), []int64{1, 3, feat})

	res, err := u.forward(features, []int64{3}, []int64{6})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	// Equal raw durations shifted to sum 6: two frames per token, centered
	// at 1, 3 and 5.
	durData := res.Durations.RawData()
	for i, d := range durData {
		if math.Abs(float64(d)-2) > 1e-5 {
			t.Fatalf("duration[%d] = %v, want 2", i, d)
		}
	}

	wantCenters := []float32{1, 3, 5}

	centers := res.Centers.RawData()
	for i, want := range wantCenters {
		if math.Abs(float64(centers[i]-want)) > 1e-5 {
			t.Fatalf("center[%d] = %v, want %v", i, centers[i], want)
		}
	}

	wantFactor := math.Log(2)
	if math.Abs(float64(res.Factor[0])-wantFactor) > 1e-5 {
		t.Fatalf("factor = %v, want ln 2", res.Factor[0])
	}
}

func TestUpsamplerInferenceLengthIsCeilOfDurations(t *testing.T) {
	const feat, hidden = 4, 3

	// Raw duration exp(bias) = 7.4/3 per token.
	bias := float32(math.Log(7.4 / 3.0))

	u := testUpsampler(t, feat, hidden, true, [2]float32{bias, 0})
	features := mustTensor(t, vals(2*3*feat), []int64{2, 3, feat})

	res, err := u.forward(features, []int64{3, 2}, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if res.Factor != nil {
		t.Fatalf("factor = %v, want nil at inference", res.Factor)
	}

	// Row 0: durations sum to 7.4 -> 8 frames. Row 1 has two valid tokens:
	// 4.93 -> 5 frames. The grid is sized to the batch max.
	if res.Lengths[0] != 8 || res.Lengths[1] != 5 {
		t.Fatalf("lengths = %v, want [8 5]", res.Lengths)
	}

	if got := res.Upsampled.Shape(); got[0] != 2 || got[1] != 8 || got[2] != feat {
		t.Fatalf("upsampled shape = %v, want [2 8 %d]", got, feat)
	}

	if got := res.Alignment.Shape(); got[0] != 2 || got[1] != 8 || got[2] != 3 {
		t.Fatalf("alignment shape = %v, want [2 8 3]", got)
	}
}

func TestUpsamplerSingleTokenCollapsesToItsFeature(t *testing.T) {
	const feat, hidden = 4, 3

	// One valid token: every frame's alignment row is w/(w+eps), all of its
	// mass on token 0, so upsampling reproduces that token's feature vector.
	bias := float32(math.Log(3.0))

	u := testUpsampler(t, feat, hidden, true, [2]float32{bias, 0})

	features := mustTensor(t, []float32{
		1, 2, 3, 4,
		9, 9, 9, 9,
	}, []int64{1, 2, feat})

	res, err := u.forward(features, []int64{1}, nil)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if res.Lengths[0] != 3 {
		t.Fatalf("length = %d, want 3", res.Lengths[0])
	}

	upData := res.Upsampled.RawData()

	want := []float32{1, 2, 3, 4}
	for frame := range 3 {
		for j, w := range want {
			if got := upData[frame*feat+j]; math.Abs(float64(got-w)) > 1e-3 {
				t.Fatalf("upsampled[%d][%d] = %v, want %v", frame, j, got, w)
			}
		}
	}
}

func TestUpsamplerRejectsDegenerateRows(t *testing.T) {
	const feat, hidden = 4, 3

	u := testUpsampler(t, feat, hidden, true, [2]float32{0, 0})
	features := mustTensor(t, vals(1*3*feat), []int64{1, 3, feat})

	if _, err := u.forward(features, []int64{0}, nil); err == nil {
		t.Fatal("expected error for zero valid tokens")
	}

	if _, err := u.forward(features, []int64{4}, nil); err == nil {
		t.Fatal("expected error for text length beyond seq")
	}

	if _, err := u.forward(features, []int64{3}, []int64{0}); err == nil {
		t.Fatal("expected error for non-positive target length")
	}

	if _, err := u.forward(features, []int64{3, 3}, nil); err == nil {
		t.Fatal("expected error for text length count mismatch")
	}
}
