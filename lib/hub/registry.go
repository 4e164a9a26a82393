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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const (
	// DefaultRegistryURL is the default model registry URL.
	DefaultRegistryURL = "https://registry.antfly.io/v1"

	// DefaultTimeout is the HTTP timeout for metadata requests.
	DefaultTimeout = 30 * time.Second

	// DefaultDownloadTimeout is the timeout for downloading model files.
	DefaultDownloadTimeout = 10 * time.Minute
)

// RegistryIndex lists all models available in a registry.
type RegistryIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	Models        []IndexEntry `json:"models"`
}

// IndexEntry is a model summary in the registry index.
type IndexEntry struct {
	Name        string    `json:"name"`
	Owner       string    `json:"owner,omitempty"`
	Type        ModelType `json:"type"`
	Description string    `json:"description,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Variants    []string  `json:"variants,omitempty"`
}

// RegistryClient is an HTTP client for a content-addressed model registry:
// manifests by name, blobs by digest.
type RegistryClient struct {
	baseURL         string
	httpClient      *http.Client
	downloadClient  *http.Client
	logger          *zap.Logger
	progressHandler ProgressHandler
}

// RegistryOption configures the registry client.
type RegistryOption func(*RegistryClient)

// WithRegistryURL sets the registry base URL.
func WithRegistryURL(url string) RegistryOption {
	return func(c *RegistryClient) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(c *RegistryClient) { c.logger = logger }
}

// WithRegistryProgress sets the progress handler for downloads.
func WithRegistryProgress(h ProgressHandler) RegistryOption {
	return func(c *RegistryClient) { c.progressHandler = h }
}

// NewRegistryClient creates a registry client.
func NewRegistryClient(opts ...RegistryOption) *RegistryClient {
	c := &RegistryClient{
		baseURL:        DefaultRegistryURL,
		httpClient:     &http.Client{Timeout: DefaultTimeout},
		downloadClient: &http.Client{Timeout: DefaultDownloadTimeout},
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchIndex fetches the registry index.
func (c *RegistryClient) FetchIndex(ctx context.Context) (*RegistryIndex, error) {
	data, err := c.fetch(ctx, c.baseURL+"/index.json")
	if err != nil {
		return nil, fmt.Errorf("fetching index: %w", err)
	}
	var index RegistryIndex
	if err := sonic.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parsing registry index: %w", err)
	}
	return &index, nil
}

// FetchManifest fetches the manifest for a model by name.
func (c *RegistryClient) FetchManifest(ctx context.Context, modelName string) (*Manifest, error) {
	data, err := c.fetch(ctx, fmt.Sprintf("%s/manifests/%s.json", c.baseURL, modelName))
	if err != nil {
		return nil, fmt.Errorf("fetching manifest for %s: %w", modelName, err)
	}
	return ParseManifest(data)
}

func (c *RegistryClient) fetch(ctx context.Context, url string) ([]byte, error) {
	c.logger.Debug("Registry request", zap.String("url", url))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("not found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// PullModel downloads a model's files into modelsDir, skipping files that
// already exist with the right digest. variant selects a quantized ONNX
// export in addition to the supporting files; empty means the f32 base.
func (c *RegistryClient) PullModel(ctx context.Context, manifest *Manifest, modelsDir, variant string) (string, error) {
	modelDir := filepath.Join(modelsDir, manifest.Type.DirName(), manifest.DirPath())
	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return "", fmt.Errorf("creating model directory: %w", err)
	}

	c.logger.Info("Pulling model",
		zap.String("name", manifest.FullName()),
		zap.String("type", string(manifest.Type)),
		zap.String("variant", variant),
		zap.String("destination", modelDir))

	for _, file := range manifest.Files {
		if err := c.downloadBlob(ctx, file, modelDir); err != nil {
			return "", fmt.Errorf("downloading %s: %w", file.Name, err)
		}
	}
	if variant != "" && variant != VariantF32 {
		files, ok := manifest.Variants[variant]
		if !ok {
			return "", fmt.Errorf("variant %s not available for %s", variant, manifest.FullName())
		}
		for _, file := range files {
			if err := c.downloadBlob(ctx, file, modelDir); err != nil {
				return "", fmt.Errorf("downloading variant %s file %s: %w", variant, file.Name, err)
			}
		}
	}

	if err := manifest.SaveTo(filepath.Join(modelDir, ManifestFilename)); err != nil {
		return "", err
	}
	return modelDir, nil
}

// downloadBlob fetches one content-addressed blob, verifying size and
// digest before moving it into place.
func (c *RegistryClient) downloadBlob(ctx context.Context, file ModelFile, destDir string) error {
	destPath := filepath.Join(destDir, file.Name)

	if fileMatchesDigest(destPath, file.Digest) {
		c.logger.Debug("File already present, skipping", zap.String("file", file.Name))
		if c.progressHandler != nil {
			c.progressHandler(file.Size, file.Size, file.Name)
		}
		return nil
	}

	url := fmt.Sprintf("%s/blobs/%s", c.baseURL, file.Digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	var reader io.Reader = resp.Body
	if c.progressHandler != nil {
		reader = &progressReader{
			reader:   resp.Body,
			total:    file.Size,
			filename: file.Name,
			handler:  c.progressHandler,
		}
	}

	hasher := sha256.New()
	downloaded, err := io.Copy(io.MultiWriter(tmpFile, hasher), reader)
	if err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	if file.Size > 0 && downloaded != file.Size {
		return fmt.Errorf("size mismatch: expected %d, got %d", file.Size, downloaded)
	}
	actual := "sha256:" + hex.EncodeToString(hasher.Sum(nil))
	if actual != file.Digest {
		return fmt.Errorf("digest mismatch: expected %s, got %s", file.Digest, actual)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return os.Rename(tmpPath, destPath)
}

func fileMatchesDigest(path, expectedDigest string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	return "sha256:"+hex.EncodeToString(hasher.Sum(nil)) == expectedDigest
}

type progressReader struct {
	reader     io.Reader
	downloaded int64
	total      int64
	filename   string
	handler    ProgressHandler
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.handler(pr.downloaded, pr.total, pr.filename)
	}
	return n, err
}
