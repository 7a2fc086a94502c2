// Package nat implements a non-attentive Tacotron acoustic model: a text
// encoder, a duration-based Gaussian upsampler and an autoregressive frame
// decoder, rebuilt from safetensors checkpoints on the pure-Go tensor
// runtime. Alignment between text and spectrogram comes from predicted
// per-token durations instead of a learned attention mechanism.
package nat

// Config holds the model hyperparameters. Values must match the checkpoint
// the model is loaded from.
type Config struct {
	// Vocabs is the symbol-table size of the embedding lookup.
	Vocabs int64
	// Embeddings is the token embedding width.
	Embeddings int64
	// Channels is the encoder output width; the encoder prenet and the CBHG
	// operate on Channels/2.
	Channels int64
	// SpkEmbed is the speaker embedding width concatenated onto every token.
	SpkEmbed int64

	// EncPrenet lists the hidden sizes of the encoder prenet; Channels/2 is
	// appended as the final layer.
	EncPrenet []int64

	// CbhgBanks is the number of convolution-bank kernels (sizes 1..K).
	CbhgBanks int64
	// CbhgPool is the max-pooling width after the bank.
	CbhgPool int64
	// CbhgKernels is the kernel size of the two projection convolutions.
	CbhgKernels int64
	// CbhgHighways is the number of highway layers.
	CbhgHighways int64

	// UpsamplerLayers is the number of bidirectional GRU layers in the
	// duration/range predictor.
	UpsamplerLayers int64

	// DecPrenet lists the hidden sizes of the decoder prenet.
	DecPrenet []int64
	// DecLayers is the number of unidirectional GRU layers in the decoder.
	DecLayers int64

	// Reduction is the frame-grouping factor: the decoder predicts
	// Reduction*Mel channels per step.
	Reduction int64
	// Mel is the number of mel-spectrogram channels.
	Mel int64
}

// DefaultConfig returns the hyperparameters of the reference multi-speaker
// checkpoint.
func DefaultConfig() Config {
	return Config{
		Vocabs:          128,
		Embeddings:      256,
		Channels:        256,
		SpkEmbed:        192,
		EncPrenet:       []int64{256},
		CbhgBanks:       16,
		CbhgPool:        2,
		CbhgKernels:     3,
		CbhgHighways:    4,
		UpsamplerLayers: 2,
		DecPrenet:       []int64{256, 128},
		DecLayers:       2,
		Reduction:       2,
		Mel:             80,
	}
}
