package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/example/go-nat-tts/internal/safetensors"
	"github.com/example/go-nat-tts/internal/tts"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	var text string
	var out string

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize text to a mel spectrogram",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			inputText, err := readSynthText(text, cmd.InOrStdin())
			if err != nil {
				return err
			}

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			res, err := svc.Synthesize(cmd.Context(), inputText)
			if err != nil {
				return err
			}

			melShape := res.Mel.Shape()

			if err := safetensors.WriteFile(out, []safetensors.Tensor{{
				Name:  "mel",
				Shape: []int64{res.Frames, melShape[2]},
				Data:  res.Mel.RawData()[:res.Frames*melShape[2]],
			}}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames (%d tokens) to %s\n", res.Frames, res.Tokens, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to synthesize (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "mel.safetensors", "Output spectrogram path")

	return cmd
}

func readSynthText(text string, stdin io.Reader) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	input := strings.TrimSpace(string(b))
	if input == "" {
		return "", fmt.Errorf("either provide --text or pipe text on stdin")
	}
	return input, nil
}
