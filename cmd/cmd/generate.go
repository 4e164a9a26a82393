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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Generate text with a seq2seq model",
	Long: `Run an encoder-decoder generation model over a prompt and print the
output. Tokens stream to stdout as they are selected.

Examples:
  # Greedy generation
  loom generate --model optimum/t5-small "translate English to German: Hello"

  # Sampling with a fixed seed
  loom generate --model optimum/t5-small \
    --strategy sampling --temperature 0.8 --seed 42 "summarize: ..."`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("model", "", "generator model name (owner/name)")
	_ = generateCmd.MarkFlagRequired("model")
	generateCmd.Flags().Int("max-length", 0, "maximum total sequence length (0 = model default)")
	generateCmd.Flags().String("strategy", "greedy", "token selection strategy (greedy, sampling)")
	generateCmd.Flags().Float32("temperature", 0, "sampling temperature")
	generateCmd.Flags().Int("top-k", 0, "sample from the k most probable tokens")
	generateCmd.Flags().Float32("top-p", 0, "nucleus sampling threshold")
	generateCmd.Flags().Int64("seed", 0, "sampling seed")
	generateCmd.Flags().Bool("no-stream", false, "print the full result instead of streaming tokens")

	mustBindPFlag("generation.max_length", generateCmd.Flags().Lookup("max-length"))
	mustBindPFlag("generation.strategy", generateCmd.Flags().Lookup("strategy"))
	mustBindPFlag("generation.temperature", generateCmd.Flags().Lookup("temperature"))
	mustBindPFlag("generation.top_k", generateCmd.Flags().Lookup("top-k"))
	mustBindPFlag("generation.top_p", generateCmd.Flags().Lookup("top-p"))
	mustBindPFlag("generation.seed", generateCmd.Flags().Lookup("seed"))
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	model, _ := cmd.Flags().GetString("model")
	noStream, _ := cmd.Flags().GetBool("no-stream")

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	l, err := newLoom(logger)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	prompt := args[0]
	if noStream {
		results, err := l.Generate(ctx, model, []string{prompt})
		if err != nil {
			return err
		}
		fmt.Println(results[0].Text)
		return nil
	}

	_, err = l.GenerateStreaming(ctx, model, []string{prompt}, func(seq int, token string) error {
		fmt.Print(token)
		return nil
	})
	fmt.Println()
	return err
}
