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

// Package hub pulls ONNX model bundles from HuggingFace Hub or a remote
// registry in an Ollama-style fashion, and tracks what is installed locally
// through per-model manifests.
package hub

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// ModelType classifies what a model bundle is for.
type ModelType string

const (
	// ModelTypeEmbedder is a single-graph text embedding model.
	ModelTypeEmbedder ModelType = "embedder"
	// ModelTypeGenerator is an encoder-decoder text generation model.
	ModelTypeGenerator ModelType = "generator"
	// ModelTypeDiffuser is a text-to-image diffusion bundle (text encoder,
	// denoiser, VAE decoder, optional safety checker).
	ModelTypeDiffuser ModelType = "diffuser"
)

// ParseModelType parses a string into a ModelType, accepting plural forms.
func ParseModelType(s string) (ModelType, error) {
	switch strings.ToLower(s) {
	case "embedder", "embedders":
		return ModelTypeEmbedder, nil
	case "generator", "generators":
		return ModelTypeGenerator, nil
	case "diffuser", "diffusers":
		return ModelTypeDiffuser, nil
	default:
		return "", fmt.Errorf("unknown model type: %s (valid: embedder, generator, diffuser)", s)
	}
}

func (t ModelType) String() string { return string(t) }

// DirName returns the directory name for this model type (plural form).
func (t ModelType) DirName() string { return string(t) + "s" }

// Precision variant identifiers.
const (
	// VariantF32 is the default FP32 model (model.onnx).
	VariantF32 = "f32"
	// VariantF16 is FP16 half precision.
	VariantF16 = "f16"
	// VariantI8 is INT8 dynamic quantization.
	VariantI8 = "i8"
)

// VariantFilenames maps variant identifiers to their ONNX filenames.
var VariantFilenames = map[string]string{
	VariantF32: "model.onnx",
	VariantF16: "model_f16.onnx",
	VariantI8:  "model_i8.onnx",
}

func isValidVariant(variant string) bool {
	switch variant {
	case "", VariantF32, VariantF16, VariantI8:
		return true
	}
	return false
}

func validVariants() []string {
	return []string{VariantF32, VariantF16, VariantI8}
}

// ModelFile is a single file in a model manifest.
type ModelFile struct {
	Name string `json:"name"`
	// Digest is the SHA256 hash in "sha256:..." form.
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Provenance tracks where and when a model was obtained.
type Provenance struct {
	// DownloadedFrom is "registry", "huggingface", or "local".
	DownloadedFrom string    `json:"downloadedFrom"`
	DownloadedAt   time.Time `json:"downloadedAt"`
}

// CurrentSchemaVersion is the manifest format version.
const CurrentSchemaVersion = 1

// ManifestFilename is the standard filename for model manifests.
const ManifestFilename = "model_manifest.json"

// Manifest describes an installed model bundle and its files.
type Manifest struct {
	SchemaVersion int         `json:"schemaVersion"`
	Name          string      `json:"name"`
	Owner         string      `json:"owner,omitempty"`
	Source        string      `json:"source,omitempty"`
	Type          ModelType   `json:"type"`
	Description   string      `json:"description,omitempty"`
	Files         []ModelFile `json:"files"`
	// Variants maps variant identifiers to their ONNX files.
	Variants   map[string][]ModelFile `json:"variants,omitempty"`
	Provenance *Provenance            `json:"provenance,omitempty"`
}

// FullName returns "owner/name", falling back to Name for legacy manifests.
func (m *Manifest) FullName() string {
	if m.Owner != "" {
		return m.Owner + "/" + m.Name
	}
	return m.Name
}

// DirPath returns the model directory path with platform separators.
func (m *Manifest) DirPath() string {
	if m.Owner != "" {
		return filepath.Join(m.Owner, m.Name)
	}
	return m.Name
}

// requiredFiles lists the ONNX files a bundle of each type must carry.
var requiredFiles = map[ModelType][]string{
	ModelTypeEmbedder:  {"model.onnx"},
	ModelTypeGenerator: {"encoder_model.onnx", "decoder_model.onnx"},
	ModelTypeDiffuser:  {"text_encoder.onnx", "unet.onnx", "vae_decoder.onnx"},
}

// Validate checks that the manifest is well-formed for its model type.
func (m *Manifest) Validate() error {
	if m.SchemaVersion < 1 || m.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %d", m.SchemaVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("manifest missing required field: name")
	}
	if m.Type == "" {
		return fmt.Errorf("manifest missing required field: type")
	}
	if _, err := ParseModelType(string(m.Type)); err != nil {
		return fmt.Errorf("invalid model type: %s", m.Type)
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest must have at least one file")
	}

	names := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Name == "" {
			return fmt.Errorf("file entry missing name")
		}
		if f.Digest == "" {
			return fmt.Errorf("file %s missing digest", f.Name)
		}
		if !strings.HasPrefix(f.Digest, "sha256:") {
			return fmt.Errorf("file %s has invalid digest format (expected sha256:...)", f.Name)
		}
		names[f.Name] = true
	}

	for _, required := range requiredFiles[m.Type] {
		if !names[required] {
			return fmt.Errorf("%s model must include %s", m.Type, required)
		}
	}

	for variantID, files := range m.Variants {
		if _, ok := VariantFilenames[variantID]; !ok {
			return fmt.Errorf("unknown variant identifier: %s (valid: %v)", variantID, validVariants())
		}
		if len(files) == 0 {
			return fmt.Errorf("variant %s has no files", variantID)
		}
		for _, f := range files {
			if f.Name == "" || f.Digest == "" {
				return fmt.Errorf("variant %s has an incomplete file entry", variantID)
			}
		}
	}
	return nil
}

// ParseManifest parses and validates a JSON manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := sonic.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// SaveTo writes the manifest to a file as indented JSON.
func (m *Manifest) SaveTo(path string) error {
	data, err := sonic.ConfigDefault.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifest loads and validates a manifest from a model directory.
func LoadManifest(modelDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(modelDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return ParseManifest(data)
}

// ComputeFileDigest computes the SHA256 digest of a file in "sha256:..."
// format.
func ComputeFileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("reading file: %w", err)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

// ScanModelFiles scans a model directory and returns entries for every
// regular file except the manifest itself.
func ScanModelFiles(modelDir string) ([]ModelFile, error) {
	entries, err := os.ReadDir(modelDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []ModelFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == ManifestFilename {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		digest, err := ComputeFileDigest(filepath.Join(modelDir, entry.Name()))
		if err != nil {
			continue
		}
		files = append(files, ModelFile{Name: entry.Name(), Digest: digest, Size: info.Size()})
	}
	return files, nil
}

// GenerateManifest creates a manifest by scanning a model directory.
func GenerateManifest(modelDir string, ref ModelRef, modelType ModelType) (*Manifest, error) {
	files, err := ScanModelFiles(modelDir)
	if err != nil {
		return nil, fmt.Errorf("scanning files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no model files found in directory")
	}

	manifest := &Manifest{
		SchemaVersion: CurrentSchemaVersion,
		Name:          ref.Name,
		Owner:         ref.Owner,
		Source:        ref.FullName(),
		Type:          modelType,
		Files:         files,
		Variants:      discoverVariants(files),
		Provenance: &Provenance{
			DownloadedFrom: "local",
			DownloadedAt:   time.Now(),
		},
	}
	return manifest, nil
}

// discoverVariants examines the file list for quantized ONNX variants. The
// base f32 model stays in Files rather than Variants.
func discoverVariants(files []ModelFile) map[string][]ModelFile {
	variants := make(map[string][]ModelFile)
	for _, f := range files {
		for variantID, filename := range VariantFilenames {
			if variantID == VariantF32 {
				continue
			}
			if f.Name == filename {
				variants[variantID] = []ModelFile{f}
			}
		}
	}
	if len(variants) == 0 {
		return nil
	}
	return variants
}

// DetectModelType infers the model type from a repo's file list.
func DetectModelType(files []string) (ModelType, error) {
	hasEncoder := false
	hasDecoder := false
	hasUnet := false
	hasModel := false
	for _, f := range files {
		switch filepath.Base(f) {
		case "encoder_model.onnx":
			hasEncoder = true
		case "decoder_model.onnx":
			hasDecoder = true
		case "unet.onnx", "model.onnx_unet":
			hasUnet = true
		case "model.onnx":
			hasModel = true
		}
		// Diffusion repos keep each component in its own subdirectory.
		if strings.Contains(f, "unet/") && strings.HasSuffix(f, ".onnx") {
			hasUnet = true
		}
	}

	switch {
	case hasUnet:
		return ModelTypeDiffuser, nil
	case hasEncoder && hasDecoder:
		return ModelTypeGenerator, nil
	case hasModel:
		return ModelTypeEmbedder, nil
	}
	return "", fmt.Errorf("no recognizable model files found in repository")
}

// SupportedTypes lists the model types this build understands.
func SupportedTypes() []ModelType {
	return slices.Clone([]ModelType{ModelTypeEmbedder, ModelTypeGenerator, ModelTypeDiffuser})
}
