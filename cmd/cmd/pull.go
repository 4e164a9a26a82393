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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/loom/lib/cli"
	"github.com/antflydb/loom/lib/hub"
)

var pullCmd = &cobra.Command{
	Use:   "pull <model-ref> [model-ref...]",
	Short: "Pull model(s) from the registry or HuggingFace",
	Long: `Download one or more ONNX model bundles.

Models land under the models directory by type:
  - Embedders:   models/embedders/<owner>/<name>/
  - Generators:  models/generators/<owner>/<name>/
  - Diffusers:   models/diffusers/<owner>/<name>/

Variants:
  f32     - FP32 baseline (default, highest accuracy)
  f16     - FP16 half precision (~50% smaller)
  i8      - INT8 dynamic quantization (smallest, fastest CPU)

Examples:
  # Pull from the Antfly registry
  loom pull sentence-transformers/all-MiniLM-L6-v2

  # Pull only the INT8 variant (smaller download)
  loom pull sentence-transformers/all-MiniLM-L6-v2:i8

  # Pull directly from HuggingFace (type auto-detected)
  loom pull hf:optimum/t5-small

  # Pull from HuggingFace with explicit type
  loom pull hf:onnx-community/all-MiniLM-L6-v2-ONNX --type embedder

  # Pull to a custom directory
  loom pull --models-dir /opt/loom/models sentence-transformers/all-MiniLM-L6-v2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	pullCmd.Flags().String("type", "",
		"Model type (embedder, generator, diffuser) - auto-detected when omitted")
	pullCmd.Flags().String("hf-token", "",
		"HuggingFace API token for gated models (or use LOOM_HF_TOKEN env var)")
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	modelTypeStr, _ := cmd.Flags().GetString("type")
	hfToken, _ := cmd.Flags().GetString("hf-token")
	if hfToken == "" {
		hfToken = os.Getenv("LOOM_HF_TOKEN")
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	for _, modelRef := range args {
		fmt.Printf("\n=== Pulling %s ===\n", modelRef)

		ref, err := hub.ParseRef(modelRef)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", modelRef, err)
		}

		if ref.IsHuggingFace {
			if err := cli.PullFromHuggingFace(ctx, modelRef, cli.HuggingFaceOptions{
				ModelsDir: modelsDir,
				ModelType: modelTypeStr,
				HFToken:   hfToken,
				Logger:    logger,
			}); err != nil {
				return fmt.Errorf("failed to pull %s: %w", modelRef, err)
			}
			continue
		}

		if err := cli.PullFromRegistry(ctx, modelRef, cli.PullOptions{
			RegistryURL: registryURL,
			ModelsDir:   modelsDir,
			Logger:      logger,
		}); err != nil {
			return fmt.Errorf("failed to pull %s: %w", modelRef, err)
		}
	}
	return nil
}
