package nat

import (
	"errors"
	"fmt"

	"github.com/example/go-nat-tts/internal/runtime/tensor"
)

// Model is the full acoustic model: embedding, encoder prenet, CBHG, speaker
// conditioning, duration upsampler and autoregressive decoder.
type Model struct {
	cfg       Config
	embedding *embedding
	encPrenet *prenet
	cbhg      *cbhg
	upsampler *upsampler
	decoder   *decoder
}

// ForwardInput is one batch of synthesis or teacher-forcing inputs.
type ForwardInput struct {
	// Tokens holds one id sequence per batch row; rows may have different
	// lengths and are padded internally. Every row needs at least one token.
	Tokens [][]int64
	// Speaker is the speaker embedding, [batch, E] or [1, E] shared across
	// the batch.
	Speaker *tensor.Tensor
	// Mel optionally supplies ground-truth frames [batch, frames, mel] for
	// teacher forcing. When set, MelLens must give the valid frame count per
	// row and duration reconciliation is enabled.
	Mel *tensor.Tensor
	// MelLens gives per-row ground-truth frame counts; nil at inference.
	MelLens []int64
}

// ForwardOutput carries the predicted spectrogram and the upsampler
// diagnostics for one forward pass.
type ForwardOutput struct {
	// Mel is the predicted spectrogram [batch, maxFrames, mel], trimmed to
	// the longest row; shorter rows are zero-padded at the tail.
	Mel *tensor.Tensor
	// FrameLengths is the valid frame count per row.
	FrameLengths []int64
	// Alignment, Durations, Ranges, Centers and Factor are the upsampler
	// outputs, at the reduced decoder-step rate.
	Alignment *tensor.Tensor
	Durations *tensor.Tensor
	Ranges    *tensor.Tensor
	Centers   *tensor.Tensor
	Factor    []float32
}

// Load opens a safetensors checkpoint and assembles the model.
func Load(path string, cfg Config) (*Model, error) {
	vb, err := OpenVarBuilder(path)
	if err != nil {
		return nil, err
	}

	return LoadModel(vb, cfg)
}

// LoadModel assembles the model from an already-open variable builder.
func LoadModel(vb *VarBuilder, cfg Config) (*Model, error) {
	if vb == nil {
		return nil, errors.New("nat: nil variable builder")
	}

	half := cfg.Channels / 2

	emb, err := loadEmbedding(vb.Path("embedding"), cfg.Vocabs, cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("nat: embedding: %w", err)
	}

	encSizes := append(append([]int64(nil), cfg.EncPrenet...), half)

	encPre, err := loadPrenet(vb.Path("encoder", "prenet"), cfg.Embeddings, encSizes)
	if err != nil {
		return nil, fmt.Errorf("nat: encoder prenet: %w", err)
	}

	enc, err := loadCBHG(vb.Path("encoder", "cbhg"), cfg)
	if err != nil {
		return nil, err
	}

	featDim := cfg.Channels + cfg.SpkEmbed

	ups, err := loadUpsampler(vb.Path("upsampler"), featDim, half, cfg.UpsamplerLayers)
	if err != nil {
		return nil, err
	}

	dec, err := loadDecoder(vb.Path("decoder"), cfg, featDim)
	if err != nil {
		return nil, err
	}

	return &Model{
		cfg:       cfg,
		embedding: emb,
		encPrenet: encPre,
		cbhg:      enc,
		upsampler: ups,
		decoder:   dec,
	}, nil
}

// Config returns the hyperparameters the model was loaded with.
func (m *Model) Config() Config {
	return m.cfg
}

// Forward runs the full pipeline. With in.Mel set the decoder is
// teacher-forced and durations are reconciled against the ground-truth
// lengths; otherwise lengths come from the predicted durations.
//
//nolint:funlen // The pipeline stages are clearer laid out in one place.
func (m *Model) Forward(in ForwardInput) (*ForwardOutput, error) {
	if m == nil {
		return nil, errors.New("nat: forward on nil model")
	}

	if len(in.Tokens) == 0 {
		return nil, errors.New("nat: forward needs at least one token sequence")
	}

	batch := int64(len(in.Tokens))
	textLens := make([]int64, batch)

	seq := int64(0)
	for b, row := range in.Tokens {
		if len(row) == 0 {
			return nil, fmt.Errorf("nat: token row %d is empty", b)
		}

		textLens[b] = int64(len(row))
		seq = max(seq, textLens[b])
	}

	embedded, err := m.embedding.forward(in.Tokens, seq)
	if err != nil {
		return nil, err
	}

	pre, err := m.encPrenet.forward(embedded)
	if err != nil {
		return nil, fmt.Errorf("nat: encoder prenet: %w", err)
	}

	encoded, err := m.cbhg.forward(pre)
	if err != nil {
		return nil, err
	}

	cond, err := m.attachSpeaker(encoded, in.Speaker)
	if err != nil {
		return nil, err
	}

	var (
		stepLens []int64
		folded   *tensor.Tensor
	)

	if in.Mel != nil {
		if int64(len(in.MelLens)) != batch {
			return nil, fmt.Errorf("nat: got %d mel lengths for batch %d", len(in.MelLens), batch)
		}

		folded, err = foldFrames(in.Mel, m.cfg.Reduction)
		if err != nil {
			return nil, err
		}

		stepLens = make([]int64, batch)
		for b, n := range in.MelLens {
			if n < 1 {
				return nil, fmt.Errorf("nat: row %d mel length %d must be positive", b, n)
			}

			stepLens[b] = (n + m.cfg.Reduction - 1) / m.cfg.Reduction
		}
	}

	ups, err := m.upsampler.forward(cond, textLens, stepLens)
	if err != nil {
		return nil, err
	}

	if folded != nil {
		// The decoder runs over the alignment grid, which is sized to the
		// longest row; pad or trim the teacher-forcing targets to match.
		folded, err = fitSteps(folded, ups.Upsampled.Shape()[1])
		if err != nil {
			return nil, err
		}
	}

	grouped, err := m.decoder.forward(ups.Upsampled, folded)
	if err != nil {
		return nil, err
	}

	frameLens := make([]int64, batch)

	if in.Mel != nil {
		copy(frameLens, in.MelLens)
	} else {
		for b, n := range ups.Lengths {
			frameLens[b] = n * m.cfg.Reduction
		}
	}

	maxFrames := int64(0)
	for _, n := range frameLens {
		maxFrames = max(maxFrames, n)
	}

	mel, err := unfoldFrames(grouped, m.cfg.Reduction, maxFrames)
	if err != nil {
		return nil, err
	}

	mel, err = maskFrames(mel, frameLens)
	if err != nil {
		return nil, err
	}

	return &ForwardOutput{
		Mel:          mel,
		FrameLengths: frameLens,
		Alignment:    ups.Alignment,
		Durations:    ups.Durations,
		Ranges:       ups.Ranges,
		Centers:      ups.Centers,
		Factor:       ups.Factor,
	}, nil
}

// attachSpeaker concatenates the speaker embedding onto every token feature:
// [batch, seq, C] + [batch, E] -> [batch, seq, C+E]. A [1, E] embedding is
// shared across the batch.
func (m *Model) attachSpeaker(encoded, speaker *tensor.Tensor) (*tensor.Tensor, error) {
	if speaker == nil {
		return nil, errors.New("nat: speaker embedding is required")
	}

	encShape := encoded.Shape()
	batch, seq := encShape[0], encShape[1]

	spkShape := speaker.Shape()
	if len(spkShape) != 2 || spkShape[1] != m.cfg.SpkEmbed {
		return nil, fmt.Errorf("nat: speaker embedding must be [batch, %d], got %v", m.cfg.SpkEmbed, spkShape)
	}

	if spkShape[0] != 1 && spkShape[0] != batch {
		return nil, fmt.Errorf("nat: speaker batch %d does not match token batch %d", spkShape[0], batch)
	}

	tiled, err := tensor.Zeros([]int64{batch, seq, m.cfg.SpkEmbed})
	if err != nil {
		return nil, err
	}

	spkData := speaker.RawData()
	tiledData := tiled.RawData()
	dim := int(m.cfg.SpkEmbed)

	for b := int64(0); b < batch; b++ {
		src := 0
		if spkShape[0] != 1 {
			src = int(b) * dim
		}

		row := spkData[src : src+dim]
		for s := int64(0); s < seq; s++ {
			dst := int(b*seq+s) * dim
			copy(tiledData[dst:dst+dim], row)
		}
	}

	out, err := tensor.Concat([]*tensor.Tensor{encoded, tiled}, -1)
	if err != nil {
		return nil, fmt.Errorf("nat: speaker concat: %w", err)
	}

	return out, nil
}

// maskFrames multiplies the spectrogram by a [batch, frames, 1] validity
// mask, so rows shorter than the batch max end in exact zero padding rather
// than live decoder output.
func maskFrames(mel *tensor.Tensor, frameLens []int64) (*tensor.Tensor, error) {
	shape := mel.Shape()
	frames := shape[1]

	mask, err := tensor.Zeros([]int64{shape[0], frames, 1})
	if err != nil {
		return nil, err
	}

	maskData := mask.RawData()
	for b, n := range frameLens {
		row := maskData[int64(b)*frames : (int64(b)+1)*frames]
		for f := int64(0); f < min(n, frames); f++ {
			row[f] = 1
		}
	}

	out, err := tensor.BroadcastMul(mel, mask)
	if err != nil {
		return nil, fmt.Errorf("nat: frame mask: %w", err)
	}

	return out, nil
}

// fitSteps pads or trims the step dimension of [batch, steps, ch] to want.
func fitSteps(x *tensor.Tensor, want int64) (*tensor.Tensor, error) {
	shape := x.Shape()
	if shape[1] == want {
		return x, nil
	}

	if shape[1] > want {
		return x.Narrow(1, 0, want)
	}

	pad, err := tensor.Zeros([]int64{shape[0], want - shape[1], shape[2]})
	if err != nil {
		return nil, err
	}

	return tensor.Concat([]*tensor.Tensor{x, pad}, 1)
}
