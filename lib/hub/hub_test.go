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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		input   string
		want    ModelRef
		wantErr bool
	}{
		{"google/flan-t5-small", ModelRef{Owner: "google", Name: "flan-t5-small"}, false},
		{"google/flan-t5-small:i8", ModelRef{Owner: "google", Name: "flan-t5-small", Variant: "i8"}, false},
		{"hf:google/flan-t5-small", ModelRef{Owner: "google", Name: "flan-t5-small", IsHuggingFace: true}, false},
		{"hf:google/flan-t5-small:f16", ModelRef{Owner: "google", Name: "flan-t5-small", Variant: "f16", IsHuggingFace: true}, false},
		{"flan-t5-small", ModelRef{Name: "flan-t5-small"}, false},
		{"flan-t5-small:f32", ModelRef{Name: "flan-t5-small", Variant: "f32"}, false},
		{"google/flan-t5-small:q4", ModelRef{}, true},
		{"", ModelRef{}, true},
		{":i8", ModelRef{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRef(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestModelRefString(t *testing.T) {
	ref := ModelRef{Owner: "google", Name: "flan-t5-small", Variant: "i8", IsHuggingFace: true}
	if got := ref.String(); got != "hf:google/flan-t5-small:i8" {
		t.Errorf("String() = %v", got)
	}

	parsed, err := ParseRef(ref.String())
	if err != nil {
		t.Fatalf("round-trip parse error: %v", err)
	}
	if parsed != ref {
		t.Errorf("round-trip = %+v, want %+v", parsed, ref)
	}
}

func TestParseModelTypes(t *testing.T) {
	tests := []struct {
		input   string
		want    ModelType
		wantErr bool
	}{
		{"embedder", ModelTypeEmbedder, false},
		{"embedders", ModelTypeEmbedder, false},
		{"GENERATOR", ModelTypeGenerator, false},
		{"diffusers", ModelTypeDiffuser, false},
		{"chunker", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseModelType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseModelType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseModelType(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestManifestValidate(t *testing.T) {
	valid := func() *Manifest {
		return &Manifest{
			SchemaVersion: 1,
			Name:          "flan-t5-small",
			Owner:         "google",
			Type:          ModelTypeGenerator,
			Files: []ModelFile{
				{Name: "encoder_model.onnx", Digest: "sha256:aa", Size: 10},
				{Name: "decoder_model.onnx", Digest: "sha256:bb", Size: 10},
				{Name: "config.json", Digest: "sha256:cc", Size: 1},
			},
		}
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	t.Run("missing decoder", func(t *testing.T) {
		m := valid()
		m.Files = m.Files[:1]
		if err := m.Validate(); err == nil {
			t.Error("generator without decoder_model.onnx accepted")
		}
	})

	t.Run("bad digest format", func(t *testing.T) {
		m := valid()
		m.Files[0].Digest = "md5:nope"
		if err := m.Validate(); err == nil {
			t.Error("non-sha256 digest accepted")
		}
	})

	t.Run("unknown variant", func(t *testing.T) {
		m := valid()
		m.Variants = map[string][]ModelFile{
			"q4": {{Name: "model_q4.onnx", Digest: "sha256:dd"}},
		}
		if err := m.Validate(); err == nil {
			t.Error("unknown variant identifier accepted")
		}
	})

	t.Run("diffuser requires components", func(t *testing.T) {
		m := valid()
		m.Type = ModelTypeDiffuser
		if err := m.Validate(); err == nil {
			t.Error("diffuser without unet.onnx accepted")
		}
	})
}

func TestDetectModelType(t *testing.T) {
	tests := []struct {
		name    string
		files   []string
		want    ModelType
		wantErr bool
	}{
		{"embedder", []string{"model.onnx", "tokenizer.json"}, ModelTypeEmbedder, false},
		{"generator", []string{"encoder_model.onnx", "decoder_model.onnx", "config.json"}, ModelTypeGenerator, false},
		{"diffuser", []string{"unet/model.onnx", "vae_decoder/model.onnx", "text_encoder/model.onnx"}, ModelTypeDiffuser, false},
		{"empty", []string{"README.md"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectModelType(tt.files)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DetectModelType() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DetectModelType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSelectFiles(t *testing.T) {
	repo := []string{
		"config.json",
		"tokenizer.json",
		"README.md",
		"encoder_model.onnx",
		"decoder_model.onnx",
		"model.onnx",
		"model_i8.onnx",
		"unet/model.onnx",
		"text_encoder/model.onnx",
		"vae_decoder/model.onnx",
	}

	t.Run("generator", func(t *testing.T) {
		got := selectFiles(repo, ModelTypeGenerator, "")
		assertContains(t, got, "encoder_model.onnx", "decoder_model.onnx", "config.json", "tokenizer.json")
		assertNotContains(t, got, "README.md", "unet/model.onnx")
	})

	t.Run("embedder i8 variant", func(t *testing.T) {
		got := selectFiles(repo, ModelTypeEmbedder, VariantI8)
		assertContains(t, got, "model_i8.onnx")
		assertNotContains(t, got, "model.onnx")
	})

	t.Run("diffuser components", func(t *testing.T) {
		got := selectFiles(repo, ModelTypeDiffuser, "")
		assertContains(t, got, "unet/model.onnx", "text_encoder/model.onnx", "vae_decoder/model.onnx")
		assertNotContains(t, got, "encoder_model.onnx")
	})
}

func TestFlattenName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"onnx/model.onnx", "model.onnx"},
		{"unet/model.onnx", "unet.onnx"},
		{"vae_decoder/model.onnx", "vae_decoder.onnx"},
		{"tokenizer.json", "tokenizer.json"},
	}
	for _, tt := range tests {
		if got := flattenName(tt.in); got != tt.want {
			t.Errorf("flattenName(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGenerateManifest(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "model.onnx", "weights")
	writeTestFile(t, dir, "model_i8.onnx", "quantized weights")
	writeTestFile(t, dir, "tokenizer.json", "{}")

	manifest, err := GenerateManifest(dir, MustParseRef("BAAI/bge-small-en-v1.5"), ModelTypeEmbedder)
	if err != nil {
		t.Fatalf("GenerateManifest() error = %v", err)
	}
	if err := manifest.Validate(); err != nil {
		t.Fatalf("generated manifest invalid: %v", err)
	}
	if manifest.Owner != "BAAI" {
		t.Errorf("Owner = %v, want BAAI", manifest.Owner)
	}
	if len(manifest.Files) != 3 {
		t.Errorf("len(Files) = %v, want 3", len(manifest.Files))
	}
	if _, ok := manifest.Variants[VariantI8]; !ok {
		t.Errorf("i8 variant not discovered, got %v", manifest.Variants)
	}

	// Round-trip through disk.
	path := filepath.Join(dir, ManifestFilename)
	if err := manifest.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}
	loaded, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if loaded.FullName() != "BAAI/bge-small-en-v1.5" {
		t.Errorf("FullName() = %v", loaded.FullName())
	}
}

func TestRegistryPullModel(t *testing.T) {
	content := []byte("fake onnx weights")
	digest := sha256.Sum256(content)
	digestStr := "sha256:" + hex.EncodeToString(digest[:])

	var blobRequests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/blobs/"+digestStr {
			blobRequests++
			_, _ = w.Write(content)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewRegistryClient(WithRegistryURL(server.URL + "/v1"))
	manifest := &Manifest{
		SchemaVersion: 1,
		Name:          "bge-small",
		Type:          ModelTypeEmbedder,
		Files: []ModelFile{
			{Name: "model.onnx", Digest: digestStr, Size: int64(len(content))},
		},
	}

	modelsDir := t.TempDir()
	modelDir, err := client.PullModel(context.Background(), manifest, modelsDir, "")
	if err != nil {
		t.Fatalf("PullModel() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(modelDir, "model.onnx"))
	if err != nil {
		t.Fatalf("reading pulled file: %v", err)
	}
	if string(data) != string(content) {
		t.Error("pulled file content mismatch")
	}
	if _, err := LoadManifest(modelDir); err != nil {
		t.Errorf("manifest not written: %v", err)
	}

	// Second pull skips the blob, digest already matches.
	if _, err := client.PullModel(context.Background(), manifest, modelsDir, ""); err != nil {
		t.Fatalf("second PullModel() error = %v", err)
	}
	if blobRequests != 1 {
		t.Errorf("blobRequests = %v, want 1", blobRequests)
	}
}

func TestRegistryDigestMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tampered content"))
	}))
	defer server.Close()

	client := NewRegistryClient(WithRegistryURL(server.URL + "/v1"))
	manifest := &Manifest{
		SchemaVersion: 1,
		Name:          "bge-small",
		Type:          ModelTypeEmbedder,
		Files: []ModelFile{
			{Name: "model.onnx", Digest: "sha256:0000000000000000000000000000000000000000000000000000000000000000", Size: 16},
		},
	}

	if _, err := client.PullModel(context.Background(), manifest, t.TempDir(), ""); err == nil {
		t.Fatal("digest mismatch not detected")
	}
}

func TestRegistryFetchIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/index.json" {
			_, _ = w.Write([]byte(`{
				"schemaVersion": 1,
				"models": [
					{"name": "flan-t5-small", "owner": "google", "type": "generator", "variants": ["i8"]}
				]
			}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewRegistryClient(WithRegistryURL(server.URL + "/v1"))
	index, err := client.FetchIndex(context.Background())
	if err != nil {
		t.Fatalf("FetchIndex() error = %v", err)
	}
	if len(index.Models) != 1 || index.Models[0].Type != ModelTypeGenerator {
		t.Errorf("unexpected index: %+v", index)
	}
}

func assertContains(t *testing.T, got []string, want ...string) {
	t.Helper()
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Errorf("missing %q in %v", w, got)
		}
	}
}

func assertNotContains(t *testing.T, got []string, exclude ...string) {
	t.Helper()
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, e := range exclude {
		if set[e] {
			t.Errorf("unexpected %q in %v", e, got)
		}
	}
}

func writeTestFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
