package main

import (
	"context"
	"fmt"
	"os"

	"github.com/example/go-nat-tts/internal/nat"
	"github.com/example/go-nat-tts/internal/safetensors"
	"github.com/example/go-nat-tts/internal/tts"
	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Model inspection and verification commands",
	}

	cmd.AddCommand(newModelInfoCmd())
	cmd.AddCommand(newModelVerifyCmd())
	return cmd
}

func newModelInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "List the tensors in the configured checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			store, err := safetensors.OpenStore(cfg.Paths.ModelPath)
			if err != nil {
				return err
			}
			defer store.Close()

			w := cmd.OutOrStdout()

			names := store.Names()
			for _, name := range names {
				shape, err := store.Shape(name)
				if err != nil {
					return err
				}

				fmt.Fprintf(w, "%s\t%v\n", name, shape)
			}

			fmt.Fprintf(w, "%d tensors in %s\n", len(names), cfg.Paths.ModelPath)
			return nil
		},
	}

	return cmd
}

func newModelVerifyCmd() *cobra.Command {
	var smokeText string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Load the configured model and run a smoke synthesis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "verifying model: %s\n", cfg.Paths.ModelPath)

			if _, err := os.Stat(cfg.Paths.ModelPath); err != nil {
				return fmt.Errorf("model file not found: %w", err)
			}

			fmt.Fprintln(w, "  file exists")

			if _, err := nat.Load(cfg.Paths.ModelPath, nat.DefaultConfig()); err != nil {
				return fmt.Errorf("smoke load failed: %w", err)
			}

			fmt.Fprintln(w, "  model loads successfully")

			svc, err := tts.NewService(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			res, err := svc.Synthesize(ctx, smokeText)
			if err != nil {
				return fmt.Errorf("smoke synthesis failed: %w", err)
			}

			fmt.Fprintf(w, "  smoke synthesis produced %d frames\n", res.Frames)
			fmt.Fprintln(w, "model verification passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&smokeText, "text", "Hello world", "Text for the smoke synthesis")

	return cmd
}
