package main

import (
	"fmt"

	"github.com/example/go-nat-tts/internal/safetensors"
	"github.com/example/go-nat-tts/internal/tts"
	"github.com/spf13/cobra"
)

func newAlignCmd() *cobra.Command {
	var text string
	var out string
	var table bool

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Dump the predicted alignment for a text",
		Long: "Runs the duration predictor and Gaussian upsampler for the given text " +
			"and writes the soft alignment matrix, per-token durations and span " +
			"centers as safetensors for inspection.",
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

			tensors := []safetensors.Tensor{
				{Name: "alignment", Shape: res.Alignment.Shape(), Data: res.Alignment.RawData()},
				{Name: "durations", Shape: res.Durations.Shape(), Data: res.Durations.RawData()},
				{Name: "centers", Shape: res.Centers.Shape(), Data: res.Centers.RawData()},
			}

			if err := safetensors.WriteFile(out, tensors); err != nil {
				return err
			}

			if table {
				printDurationTable(cmd, res)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote alignment for %d tokens over %d frames to %s\n",
				res.Tokens, res.Frames, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Text to align (if empty, read from stdin)")
	cmd.Flags().StringVar(&out, "out", "align.safetensors", "Output path")
	cmd.Flags().BoolVar(&table, "table", false, "Print a per-token duration table")

	return cmd
}

func printDurationTable(cmd *cobra.Command, res *tts.SynthesisResult) {
	durData := res.Durations.RawData()
	centerData := res.Centers.RawData()

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "token\tduration\tcenter")

	for i := range res.Tokens {
		fmt.Fprintf(w, "%d\t%.3f\t%.3f\n", i, durData[i], centerData[i])
	}
}
