// Package tts wires the text frontend, the acoustic model and the speaker
// embedding into a synthesis service.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/go-nat-tts/internal/config"
	"github.com/example/go-nat-tts/internal/nat"
	"github.com/example/go-nat-tts/internal/runtime/ops"
	"github.com/example/go-nat-tts/internal/runtime/tensor"
	"github.com/example/go-nat-tts/internal/safetensors"
	"github.com/example/go-nat-tts/internal/text"
)

type Service struct {
	cfg     config.Config
	model   *nat.Model
	speaker *tensor.Tensor
}

// SynthesisResult is one synthesized utterance plus the alignment
// diagnostics the upsampler produced for it.
type SynthesisResult struct {
	// Mel is the predicted spectrogram [1, frames, mel].
	Mel *tensor.Tensor
	// Frames is the number of valid frames in Mel.
	Frames int64
	// Tokens is the number of encoded input symbols.
	Tokens int
	// Alignment is the frame-to-token assignment at the reduced decoder-step
	// rate, [1, steps, tokens].
	Alignment *tensor.Tensor
	// Durations is the predicted per-token duration in decoder steps,
	// [1, tokens].
	Durations *tensor.Tensor
	// Centers is the temporal center of each token's span, [1, tokens].
	Centers *tensor.Tensor
}

// NewService loads the model checkpoint and the speaker embedding named in
// the configuration.
func NewService(cfg config.Config) (*Service, error) {
	ops.SetWorkers(cfg.Runtime.Workers)

	start := time.Now()

	model, err := nat.Load(cfg.Paths.ModelPath, nat.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.Paths.ModelPath, err)
	}

	slog.Info("model loaded", "path", cfg.Paths.ModelPath, "elapsed", time.Since(start))

	data, shape, err := safetensors.LoadSpeakerEmbedding(cfg.Paths.SpeakerPath)
	if err != nil {
		return nil, fmt.Errorf("load speaker %s: %w", cfg.Paths.SpeakerPath, err)
	}

	speaker, err := tensor.New(data, shape)
	if err != nil {
		return nil, fmt.Errorf("speaker tensor: %w", err)
	}

	if want := model.Config().SpkEmbed; shape[1] != want {
		return nil, fmt.Errorf("speaker embedding width %d, model expects %d", shape[1], want)
	}

	slog.Info("speaker embedding loaded", "path", cfg.Paths.SpeakerPath, "dim", shape[1])

	return &Service{cfg: cfg, model: model, speaker: speaker}, nil
}

// Synthesize encodes the input text and runs one inference pass. The context
// is checked before the model forward; a configured timeout bounds the call.
func (s *Service) Synthesize(ctx context.Context, input string) (*SynthesisResult, error) {
	if limit := s.cfg.Synth.MaxTextBytes; limit > 0 && len(input) > limit {
		return nil, fmt.Errorf("input is %d bytes, limit is %d", len(input), limit)
	}

	if s.cfg.Synth.TimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Synth.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	ids, err := text.Encode(input)
	if err != nil {
		return nil, fmt.Errorf("encode text: %w", err)
	}

	slog.Debug("text encoded", "tokens", len(ids))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	out, err := s.model.Forward(nat.ForwardInput{
		Tokens:  [][]int64{ids},
		Speaker: s.speaker,
	})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Info("synthesized",
		"tokens", len(ids),
		"frames", out.FrameLengths[0],
		"elapsed", time.Since(start),
	)

	return &SynthesisResult{
		Mel:       out.Mel,
		Frames:    out.FrameLengths[0],
		Tokens:    len(ids),
		Alignment: out.Alignment,
		Durations: out.Durations,
		Centers:   out.Centers,
	}, nil
}

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}
