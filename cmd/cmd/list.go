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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antflydb/loom/lib/cli"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available ONNX models",
	Long: `List ONNX models available locally or from the remote registry.

By default, shows locally installed models. Use --remote to show models
available for download from the registry.

Examples:
  # List local models
  loom list

  # List remote models available for download
  loom list --remote

  # Filter by model type
  loom list --type embedder`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("remote", false, "List models from remote registry")
	listCmd.Flags().String("type", "", "Filter by model type (embedder, generator, diffuser)")
}

func runList(cmd *cobra.Command, args []string) error {
	remote, _ := cmd.Flags().GetBool("remote")
	typeFilter, _ := cmd.Flags().GetString("type")

	opts := cli.ListOptions{
		RegistryURL: registryURL,
		ModelsDir:   modelsDir,
		TypeFilter:  typeFilter,
		BinaryName:  "loom",
	}

	if remote {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return cli.ListRemoteModels(ctx, opts)
	}
	return cli.ListLocalModels(opts)
}
