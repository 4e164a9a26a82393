// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the model management commands shared by the loom
// binary: pulling bundles from the registry or HuggingFace and listing what
// is installed.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/hub"
)

// PullOptions configures a registry pull.
type PullOptions struct {
	RegistryURL string
	ModelsDir   string
	Logger      *zap.Logger
}

// HuggingFaceOptions configures a HuggingFace pull.
type HuggingFaceOptions struct {
	ModelsDir string
	ModelType string // empty means auto-detect
	HFToken   string
	Logger    *zap.Logger
}

// ListOptions configures model listing.
type ListOptions struct {
	RegistryURL string
	ModelsDir   string
	TypeFilter  string
	BinaryName  string // used in help messages, e.g. "loom"
}

// PullFromRegistry downloads a model bundle from the Antfly registry. The
// ref may carry a variant suffix ("owner/name:i8").
func PullFromRegistry(ctx context.Context, modelRef string, opts PullOptions) error {
	ref, err := hub.ParseRef(modelRef)
	if err != nil {
		return err
	}

	clientOpts := []hub.RegistryOption{hub.WithRegistryProgress(PrintProgress)}
	if opts.RegistryURL != "" {
		clientOpts = append(clientOpts, hub.WithRegistryURL(opts.RegistryURL))
	}
	if opts.Logger != nil {
		clientOpts = append(clientOpts, hub.WithRegistryLogger(opts.Logger))
	}
	client := hub.NewRegistryClient(clientOpts...)

	manifest, err := client.FetchManifest(ctx, ref.FullName())
	if err != nil {
		return err
	}
	dir, err := client.PullModel(ctx, manifest, opts.ModelsDir, ref.Variant)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled %s (%s) to %s\n", ref.FullName(), manifest.Type, dir)
	return nil
}

// PullFromHuggingFace downloads a model bundle straight from a HuggingFace
// repo, generating a local manifest.
func PullFromHuggingFace(ctx context.Context, repoID string, opts HuggingFaceOptions) error {
	var modelType hub.ModelType
	if opts.ModelType != "" {
		var err error
		if modelType, err = hub.ParseModelType(opts.ModelType); err != nil {
			return err
		}
	}

	clientOpts := []hub.ClientOption{hub.WithProgressHandler(PrintProgress)}
	if opts.HFToken != "" {
		clientOpts = append(clientOpts, hub.WithToken(opts.HFToken))
	}
	if opts.Logger != nil {
		clientOpts = append(clientOpts, hub.WithLogger(opts.Logger))
	}
	client := hub.NewClient(clientOpts...)

	dir, err := client.Pull(ctx, repoID, modelType, opts.ModelsDir)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled %s to %s\n", repoID, dir)
	return nil
}

// ListRemoteModels prints the registry index as a table.
func ListRemoteModels(ctx context.Context, opts ListOptions) error {
	clientOpts := []hub.RegistryOption{}
	if opts.RegistryURL != "" {
		clientOpts = append(clientOpts, hub.WithRegistryURL(opts.RegistryURL))
	}
	client := hub.NewRegistryClient(clientOpts...)

	index, err := client.FetchIndex(ctx)
	if err != nil {
		return err
	}

	var filteredType hub.ModelType
	if opts.TypeFilter != "" {
		if filteredType, err = hub.ParseModelType(opts.TypeFilter); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tVARIANTS\tDESCRIPTION")
	for _, model := range index.Models {
		if filteredType != "" && model.Type != filteredType {
			continue
		}

		name := model.Name
		if model.Owner != "" {
			name = model.Owner + "/" + model.Name
		}
		desc := model.Description
		if len(desc) > 50 {
			desc = desc[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			name,
			model.Type,
			FormatBytes(model.Size),
			strings.Join(model.Variants, ","),
			desc,
		)
	}
	return w.Flush()
}

// ListLocalModels prints the installed bundles found under the models
// directory.
func ListLocalModels(opts ListOptions) error {
	fmt.Printf("Local models in %s:\n\n", opts.ModelsDir)

	var filteredType hub.ModelType
	if opts.TypeFilter != "" {
		var err error
		if filteredType, err = hub.ParseModelType(opts.TypeFilter); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tVARIANTS")

	totalModels := 0
	for _, modelType := range hub.SupportedTypes() {
		if filteredType != "" && modelType != filteredType {
			continue
		}

		typeDir := filepath.Join(opts.ModelsDir, modelType.DirName())
		owners, err := os.ReadDir(typeDir)
		if err != nil {
			continue
		}
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			ownerDir := filepath.Join(typeDir, owner.Name())
			names, err := os.ReadDir(ownerDir)
			if err != nil {
				continue
			}
			for _, name := range names {
				if !name.IsDir() {
					continue
				}
				modelDir := filepath.Join(ownerDir, name.Name())
				size, variants, ok := inspectBundle(modelDir)
				if !ok {
					continue
				}
				_, _ = fmt.Fprintf(w, "%s/%s\t%s\t%s\t%s\n",
					owner.Name(),
					name.Name(),
					modelType,
					FormatBytes(size),
					strings.Join(variants, ","),
				)
				totalModels++
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if totalModels == 0 {
		binaryName := opts.BinaryName
		if binaryName == "" {
			binaryName = "loom"
		}
		fmt.Println("No models found locally.")
		fmt.Printf("\nUse '%s pull <model-name>' to download models.\n", binaryName)
		fmt.Printf("Use '%s list --remote' to see available models.\n", binaryName)
	}
	return nil
}

// inspectBundle sizes a model directory. The manifest is authoritative for
// variants when present; otherwise they are inferred from the filenames.
func inspectBundle(modelDir string) (size int64, variants []string, ok bool) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return 0, nil, false
	}

	hasONNX := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(entry.Name(), ".onnx") {
			hasONNX = true
		}
		if info, err := entry.Info(); err == nil {
			size += info.Size()
		}
	}
	if !hasONNX {
		return 0, nil, false
	}

	if manifest, err := hub.LoadManifest(modelDir); err == nil {
		for variantID := range manifest.Variants {
			variants = append(variants, variantID)
		}
		slices.Sort(variants)
	} else {
		for variantID, filename := range hub.VariantFilenames {
			if _, err := os.Stat(filepath.Join(modelDir, filename)); err == nil {
				variants = append(variants, variantID)
			}
		}
	}
	return size, variants, true
}

// FormatBytes renders a byte count as a human-readable string.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// PrintProgress prints download progress to stdout.
func PrintProgress(downloaded, total int64, filename string) {
	if total <= 0 {
		fmt.Printf("\r  %s: %s", filename, FormatBytes(downloaded))
		return
	}

	percent := float64(downloaded) / float64(total) * 100
	barWidth := 30
	filled := int(float64(barWidth) * float64(downloaded) / float64(total))

	bar := strings.Repeat("=", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Printf("\r  %s: [%s] %.1f%% (%s/%s)",
		filename, bar, percent, FormatBytes(downloaded), FormatBytes(total))

	if downloaded >= total {
		fmt.Println()
	}
}
