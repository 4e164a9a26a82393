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

package hub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"go.uber.org/zap"
)

// ProgressHandler is called to report download progress per file.
type ProgressHandler func(downloaded, total int64, filename string)

// Client pulls model bundles from HuggingFace Hub into a local models
// directory, one owner/name subdirectory per model.
type Client struct {
	token           string
	progressHandler ProgressHandler
	logger          *zap.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithToken sets the HuggingFace API token for gated models.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithProgressHandler sets the progress handler for downloads.
func WithProgressHandler(h ProgressHandler) ClientOption {
	return func(c *Client) { c.progressHandler = h }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a hub client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) repo(repoID string) *hub.Repo {
	repo := hub.New(repoID)
	if c.token != "" {
		repo = repo.WithAuth(c.token)
	}
	return repo
}

// ListFiles returns all files in a HuggingFace repo.
func (c *Client) ListFiles(ctx context.Context, repoID string) ([]string, error) {
	var files []string
	for fileName, err := range c.repo(repoID).IterFileNames() {
		if err != nil {
			return nil, fmt.Errorf("listing files: %w", err)
		}
		files = append(files, fileName)
	}
	return files, nil
}

// Pull downloads a model bundle into destDir/<type>s/<owner>/<name>/ and
// writes a manifest alongside the files. modelType may be empty, in which
// case it is detected from the repo contents.
func (c *Client) Pull(ctx context.Context, repoID string, modelType ModelType, destDir string) (string, error) {
	ref, err := ParseRef(repoID)
	if err != nil {
		return "", fmt.Errorf("parsing repo ID: %w", err)
	}

	files, err := c.ListFiles(ctx, ref.FullName())
	if err != nil {
		return "", err
	}
	if modelType == "" {
		modelType, err = DetectModelType(files)
		if err != nil {
			return "", err
		}
		c.logger.Info("Detected model type",
			zap.String("repo", ref.FullName()),
			zap.String("type", string(modelType)))
	}

	toDownload := selectFiles(files, modelType, ref.Variant)
	if len(toDownload) == 0 {
		return "", fmt.Errorf("no model files found in %s", repoID)
	}

	modelDir := filepath.Join(destDir, modelType.DirName(), ref.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	repo := c.repo(ref.FullName())
	for _, fileName := range toDownload {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return "", fmt.Errorf("downloading %s: %w", fileName, err)
		}

		// Flatten subdirectory layouts: "onnx/model.onnx" -> "model.onnx",
		// "unet/model.onnx" -> "unet.onnx".
		destName := flattenName(fileName)
		destPath := filepath.Join(modelDir, destName)

		if c.progressHandler != nil {
			c.progressHandler(0, 0, destName)
		}
		if err := copyFile(localPath, destPath); err != nil {
			return "", fmt.Errorf("copying %s: %w", fileName, err)
		}
		if c.progressHandler != nil {
			if info, err := os.Stat(destPath); err == nil {
				c.progressHandler(info.Size(), info.Size(), destName)
			}
		}
	}

	manifest, err := GenerateManifest(modelDir, ref, modelType)
	if err != nil {
		return "", fmt.Errorf("generating manifest: %w", err)
	}
	manifest.Source = ref.FullName()
	manifest.Provenance.DownloadedFrom = "huggingface"
	if err := manifest.SaveTo(filepath.Join(modelDir, ManifestFilename)); err != nil {
		return "", err
	}

	c.logger.Info("Model pulled",
		zap.String("repo", ref.FullName()),
		zap.String("type", string(modelType)),
		zap.String("destination", modelDir),
		zap.Int("files", len(toDownload)))
	return modelDir, nil
}

// supportFiles are always downloaded when present, regardless of model type.
var supportFiles = map[string]bool{
	"tokenizer.json":          true,
	"tokenizer.model":         true,
	"tokenizer_config.json":   true,
	"config.json":             true,
	"special_tokens_map.json": true,
	"vocab.txt":               true,
	"merges.txt":              true,
	"scheduler_config.json":   true,
}

// diffuserComponents maps diffusion repo subdirectories to the ONNX files
// the pipeline loads.
var diffuserComponents = []string{"text_encoder", "unet", "vae_decoder", "safety_checker"}

// selectFiles chooses which repo files a model type needs. variant narrows
// ONNX selection to a quantized export when requested.
func selectFiles(files []string, modelType ModelType, variant string) []string {
	var result []string

	for _, sf := range sortedKeys(supportFiles) {
		for _, f := range files {
			if filepath.Base(f) == sf {
				result = append(result, f)
				break
			}
		}
	}

	switch modelType {
	case ModelTypeGenerator:
		for _, f := range files {
			base := filepath.Base(f)
			if base == "encoder_model.onnx" || base == "decoder_model.onnx" {
				result = append(result, f)
			}
		}
	case ModelTypeDiffuser:
		for _, component := range diffuserComponents {
			for _, f := range files {
				if strings.HasPrefix(f, component+"/") && strings.HasSuffix(f, ".onnx") {
					result = append(result, f)
					break
				}
			}
		}
	default:
		onnxBase := "model"
		if filename, ok := VariantFilenames[variant]; ok && variant != "" && variant != VariantF32 {
			onnxBase = strings.TrimSuffix(filename, ".onnx")
		}
		for _, f := range files {
			base := filepath.Base(f)
			if base == onnxBase+".onnx" || base == onnxBase+".onnx_data" {
				result = append(result, f)
			}
		}
	}
	return result
}

// flattenName maps a repo path to its local filename. Diffusion component
// subdirectories become the component name itself.
func flattenName(fileName string) string {
	dir := filepath.Dir(fileName)
	base := filepath.Base(fileName)
	for _, component := range diffuserComponents {
		if dir == component && strings.HasSuffix(base, ".onnx") {
			return component + ".onnx"
		}
	}
	return base
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Stable download order makes progress output deterministic.
	slices.Sort(keys)
	return keys
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer func() { _ = srcFile.Close() }()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("copying: %w", err)
	}
	return dstFile.Close()
}
