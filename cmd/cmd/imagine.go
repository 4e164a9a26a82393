// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/loom/lib/diffusion"
)

var imagineCmd = &cobra.Command{
	Use:   "imagine <prompt>",
	Short: "Generate an image with a diffusion model",
	Long: `Run a text-to-image diffusion pipeline and write the result as PNG.

Examples:
  loom imagine --model stabilityai/sd-turbo "a lighthouse at dusk"

  loom imagine --model stabilityai/sd-turbo \
    --steps 25 --guidance 7.5 --seed 42 -o lighthouse.png \
    --negative "blurry, low quality" "a lighthouse at dusk"`,
	Args: cobra.ExactArgs(1),
	RunE: runImagine,
}

func init() {
	rootCmd.AddCommand(imagineCmd)

	imagineCmd.Flags().String("model", "", "diffuser model name (owner/name)")
	_ = imagineCmd.MarkFlagRequired("model")
	imagineCmd.Flags().StringP("output", "o", "out.png", "output file (numbered when generating several images)")
	imagineCmd.Flags().String("negative", "", "negative prompt")
	imagineCmd.Flags().Int("images", 1, "number of images to generate")
	imagineCmd.Flags().Int("steps", 0, "denoising steps (0 = config default)")
	imagineCmd.Flags().Float32("guidance", 0, "classifier-free guidance scale (0 = config default)")
	imagineCmd.Flags().Int("width", 0, "output width in pixels (0 = config default)")
	imagineCmd.Flags().Int("height", 0, "output height in pixels (0 = config default)")
	imagineCmd.Flags().Int64("seed", 0, "noise seed")
}

func runImagine(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	model, _ := cmd.Flags().GetString("model")
	output, _ := cmd.Flags().GetString("output")
	negative, _ := cmd.Flags().GetString("negative")
	images, _ := cmd.Flags().GetInt("images")
	steps, _ := cmd.Flags().GetInt("steps")
	guidance, _ := cmd.Flags().GetFloat32("guidance")
	width, _ := cmd.Flags().GetInt("width")
	height, _ := cmd.Flags().GetInt("height")
	seed, _ := cmd.Flags().GetInt64("seed")

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	l, err := newLoom(logger)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	results, err := l.Imagine(ctx, model, diffusion.Request{
		Prompt:         args[0],
		NegativePrompt: negative,
		NumImages:      images,
		Seed:           seed,
		Steps:          steps,
		GuidanceScale:  guidance,
		Width:          width,
		Height:         height,
	})
	if err != nil {
		return err
	}

	for i, result := range results {
		path := output
		if len(results) > 1 {
			path = numberedPath(output, i)
		}
		if result.Flagged {
			fmt.Printf("image %d flagged by the safety checker, writing placeholder to %s\n", i, path)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		if err := png.Encode(f, result.Image); err != nil {
			_ = f.Close()
			return fmt.Errorf("encoding %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}
	return nil
}

// numberedPath turns "out.png" into "out-3.png".
func numberedPath(path string, i int) string {
	if idx := strings.LastIndex(path, "."); idx > 0 {
		return fmt.Sprintf("%s-%d%s", path[:idx], i, path[idx:])
	}
	return fmt.Sprintf("%s-%d", path, i)
}
