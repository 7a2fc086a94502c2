package nat

import (
	"math"
	"testing"
)

func TestModelForwardInference(t *testing.T) {
	cfg := tinyConfig()

	model, err := LoadModel(tinyCheckpoint(t), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	speaker := mustTensor(t, vals(cfg.SpkEmbed), []int64{1, cfg.SpkEmbed})

	out, err := model.Forward(ForwardInput{
		Tokens:  [][]int64{{1, 2, 3, 4}, {5, 6}},
		Speaker: speaker,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	shape := out.Mel.Shape()
	if shape[0] != 2 || shape[2] != cfg.Mel {
		t.Fatalf("mel shape = %v, want [2 T %d]", shape, cfg.Mel)
	}

	maxFrames := max(out.FrameLengths[0], out.FrameLengths[1])
	if shape[1] != maxFrames {
		t.Fatalf("mel has %d frames, want max length %d", shape[1], maxFrames)
	}

	if out.Factor != nil {
		t.Fatalf("factor = %v, want nil at inference", out.Factor)
	}

	for b, n := range out.FrameLengths {
		if n < 1 || n%cfg.Reduction != 0 {
			t.Fatalf("row %d frame length %d not a positive multiple of %d", b, n, cfg.Reduction)
		}
	}

	for i, v := range out.Mel.RawData() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("mel[%d] = %v is not finite", i, v)
		}
	}
}

func TestModelForwardTeacherForced(t *testing.T) {
	cfg := tinyConfig()

	model, err := LoadModel(tinyCheckpoint(t), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	speaker := mustTensor(t, vals(2*cfg.SpkEmbed), []int64{2, cfg.SpkEmbed})
	melLens := []int64{8, 6}
	mel := mustTensor(t, vals(2*8*cfg.Mel), []int64{2, 8, cfg.Mel})

	out, err := model.Forward(ForwardInput{
		Tokens:  [][]int64{{1, 2, 3}, {4, 5}},
		Speaker: speaker,
		Mel:     mel,
		MelLens: melLens,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	if out.Factor == nil || len(out.Factor) != 2 {
		t.Fatalf("factor = %v, want length 2", out.Factor)
	}

	if out.FrameLengths[0] != 8 || out.FrameLengths[1] != 6 {
		t.Fatalf("frame lengths = %v, want [8 6]", out.FrameLengths)
	}

	shape := out.Mel.Shape()
	if shape[0] != 2 || shape[1] != 8 || shape[2] != cfg.Mel {
		t.Fatalf("mel shape = %v, want [2 8 %d]", shape, cfg.Mel)
	}

	// Reconciled durations sum to the reduced step counts.
	durData := out.Durations.RawData()
	seq := out.Durations.Shape()[1]

	for b, steps := range []float64{4, 3} {
		var sum float64
		for i := int64(0); i < seq; i++ {
			sum += float64(durData[int64(b)*seq+i])
		}

		if math.Abs(sum-steps) > 1e-3 {
			t.Fatalf("row %d durations sum to %v, want %v", b, sum, steps)
		}
	}
}

func TestModelForwardMasksShortRowTails(t *testing.T) {
	cfg := tinyConfig()

	model, err := LoadModel(tinyCheckpoint(t), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	speaker := mustTensor(t, vals(2*cfg.SpkEmbed), []int64{2, cfg.SpkEmbed})
	melLens := []int64{8, 4}
	mel := mustTensor(t, vals(2*8*cfg.Mel), []int64{2, 8, cfg.Mel})

	out, err := model.Forward(ForwardInput{
		Tokens:  [][]int64{{1, 2, 3}, {4, 5}},
		Speaker: speaker,
		Mel:     mel,
		MelLens: melLens,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	shape := out.Mel.Shape()
	if shape[1] != 8 {
		t.Fatalf("mel has %d frames, want 8", shape[1])
	}

	data := out.Mel.RawData()

	for b, n := range out.FrameLengths {
		for f := n; f < shape[1]; f++ {
			for c := int64(0); c < cfg.Mel; c++ {
				v := data[(int64(b)*shape[1]+f)*cfg.Mel+c]
				if v != 0 {
					t.Fatalf("row %d frame %d channel %d = %v, want 0 (masked)", b, f, c, v)
				}
			}
		}
	}

	// The valid region of the short row is untouched by the mask.
	live := false

	for f := int64(0); f < melLens[1]; f++ {
		for c := int64(0); c < cfg.Mel; c++ {
			if data[(1*shape[1]+f)*cfg.Mel+c] != 0 {
				live = true
				break
			}
		}
	}

	if !live {
		t.Fatal("masking zeroed the valid frames of row 1")
	}
}

func TestModelForwardValidatesInputs(t *testing.T) {
	cfg := tinyConfig()

	model, err := LoadModel(tinyCheckpoint(t), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	speaker := mustTensor(t, vals(cfg.SpkEmbed), []int64{1, cfg.SpkEmbed})

	if _, err := model.Forward(ForwardInput{Speaker: speaker}); err == nil {
		t.Fatal("expected error for empty batch")
	}

	if _, err := model.Forward(ForwardInput{Tokens: [][]int64{{}}, Speaker: speaker}); err == nil {
		t.Fatal("expected error for empty token row")
	}

	if _, err := model.Forward(ForwardInput{Tokens: [][]int64{{1}}}); err == nil {
		t.Fatal("expected error for missing speaker")
	}

	badSpeaker := mustTensor(t, vals(3), []int64{1, 3})
	if _, err := model.Forward(ForwardInput{Tokens: [][]int64{{1}}, Speaker: badSpeaker}); err == nil {
		t.Fatal("expected error for speaker width mismatch")
	}

	twoSpeakers := mustTensor(t, vals(2*cfg.SpkEmbed), []int64{2, cfg.SpkEmbed})
	if _, err := model.Forward(ForwardInput{Tokens: [][]int64{{1}, {2}, {3}}, Speaker: twoSpeakers}); err == nil {
		t.Fatal("expected error for speaker batch mismatch")
	}

	mel := mustTensor(t, vals(1*4*cfg.Mel), []int64{1, 4, cfg.Mel})
	if _, err := model.Forward(ForwardInput{Tokens: [][]int64{{1}}, Speaker: speaker, Mel: mel}); err == nil {
		t.Fatal("expected error for mel without lengths")
	}
}

func TestLoadModelRejectsIncompleteCheckpoint(t *testing.T) {
	var c checkpoint

	c.addVals("embedding.weight", 10, 8)

	if _, err := LoadModel(c.build(t), tinyConfig()); err == nil {
		t.Fatal("expected error for missing encoder weights")
	}
}

func TestDecoderTeacherForcingChangesOutput(t *testing.T) {
	cfg := tinyConfig()
	vb := tinyCheckpoint(t)

	featDim := cfg.Channels + cfg.SpkEmbed

	dec, err := loadDecoder(vb.Path("decoder"), cfg, featDim)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	upsampled := mustTensor(t, vals(1*4*featDim), []int64{1, 4, featDim})

	free, err := dec.forward(upsampled, nil)
	if err != nil {
		t.Fatalf("free running: %v", err)
	}

	targets := mustTensor(t, ones(1*4*cfg.Reduction*cfg.Mel), []int64{1, 4, cfg.Reduction * cfg.Mel})

	forced, err := dec.forward(upsampled, targets)
	if err != nil {
		t.Fatalf("teacher forced: %v", err)
	}

	// The first step sees the same zero go-frame either way; later steps
	// must diverge once the forced history differs.
	frameSize := int(cfg.Reduction * cfg.Mel)
	for j := range frameSize {
		if free.RawData()[j] != forced.RawData()[j] {
			t.Fatalf("step 0 differs at %d: %v vs %v", j, free.RawData()[j], forced.RawData()[j])
		}
	}

	differs := false

	for i := frameSize; i < len(free.RawData()); i++ {
		if free.RawData()[i] != forced.RawData()[i] {
			differs = true
			break
		}
	}

	if !differs {
		t.Fatal("teacher forcing produced identical trajectories")
	}
}
