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

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var embedCmd = &cobra.Command{
	Use:   "embed <text> [text...]",
	Short: "Embed text with an embedding model",
	Long: `Run a text embedding model over one or more inputs and print the
vectors as JSON, one array per line.

Examples:
  loom embed --model sentence-transformers/all-MiniLM-L6-v2 "hello world"
  loom embed --model sentence-transformers/all-MiniLM-L6-v2 "first" "second"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().String("model", "", "embedder model name (owner/name)")
	_ = embedCmd.MarkFlagRequired("model")
	embedCmd.Flags().String("pooling", "", "pooling strategy (mean, cls, max, eos)")
	embedCmd.Flags().Bool("no-normalize", false, "skip L2 normalization")

	mustBindPFlag("embedding.pooling", embedCmd.Flags().Lookup("pooling"))
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	model, _ := cmd.Flags().GetString("model")
	if noNormalize, _ := cmd.Flags().GetBool("no-normalize"); noNormalize {
		viper.Set("embedding.normalize", false)
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	l, err := newLoom(logger)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	embeddings, err := l.Embed(ctx, model, args)
	if err != nil {
		return err
	}

	enc := sonic.ConfigDefault.NewEncoder(os.Stdout)
	for _, embedding := range embeddings {
		if err := enc.Encode(embedding); err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
	}
	return nil
}
