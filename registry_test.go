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

package loom

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/loom/lib/hub"
)

type fakeServing struct {
	name   string
	closed atomic.Bool
}

func (f *fakeServing) Close() error {
	f.closed.Store(true)
	return nil
}

// writeModelDir creates modelsDir/<kind>s/<owner>/<name> with a placeholder
// ONNX file so discovery picks it up.
func writeModelDir(t *testing.T, modelsDir string, kind hub.ModelType, owner, name string) {
	t.Helper()
	dir := filepath.Join(modelsDir, kind.DirName(), owner, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("onnx"), 0644))
}

func newTestRegistry(t *testing.T, modelsDir string, loads *atomic.Int32) *Registry[*fakeServing] {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{ModelsDir: modelsDir}, hub.ModelTypeEmbedder,
		func(name, modelDir string) (*fakeServing, error) {
			loads.Add(1)
			return &fakeServing{name: name}, nil
		}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistryDiscovery(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "sentence-transformers", "all-MiniLM-L6-v2")
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "baai", "bge-small-en")

	// A flat legacy directory without an owner level.
	legacy := filepath.Join(modelsDir, "embedders", "legacy-model")
	require.NoError(t, os.MkdirAll(legacy, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "model.onnx"), []byte("onnx"), 0644))

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	assert.ElementsMatch(t, []string{
		"sentence-transformers/all-MiniLM-L6-v2",
		"baai/bge-small-en",
		"legacy-model",
	}, r.List())

	// Discovery alone loads nothing.
	assert.Equal(t, int32(0), loads.Load())
	assert.Empty(t, r.ListLoaded())
}

func TestRegistryLazyLoad(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "model")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	first, err := r.Get("org/model")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loads.Load())
	assert.True(t, r.IsLoaded("org/model"))

	// Second Get reuses the loaded serving.
	second, err := r.Get("org/model")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), loads.Load())
}

func TestRegistryUnknownModel(t *testing.T) {
	var loads atomic.Int32
	r := newTestRegistry(t, t.TempDir(), &loads)

	_, err := r.Get("org/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistryUnloadCloses(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "model")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	serving, err := r.Get("org/model")
	require.NoError(t, err)

	r.Unload("org/model")
	assert.True(t, serving.closed.Load())
	assert.False(t, r.IsLoaded("org/model"))

	// Reload after unload is a fresh load.
	_, err = r.Get("org/model")
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestRegistryPin(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "model")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	require.NoError(t, r.Pin("org/model"))
	assert.Equal(t, int32(1), loads.Load())

	serving, err := r.Get("org/model")
	require.NoError(t, err)

	// Unload is a no-op for pinned models.
	r.Unload("org/model")
	assert.False(t, serving.closed.Load())
	assert.True(t, r.IsLoaded("org/model"))

	// Pinning twice is idempotent.
	require.NoError(t, r.Pin("org/model"))
	assert.Equal(t, int32(1), loads.Load())
}

func TestRegistryCloseClosesPinned(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "pinned")
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "cached")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	require.NoError(t, r.Pin("org/pinned"))
	pinned, err := r.Get("org/pinned")
	require.NoError(t, err)
	cached, err := r.Get("org/cached")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, pinned.closed.Load())
	assert.True(t, cached.closed.Load())
}

func TestRegistryPreload(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "a")
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "b")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	// A missing model is logged, not fatal, as long as something loads.
	require.NoError(t, r.Preload([]string{"org/a", "org/b", "org/missing"}))
	assert.Equal(t, int32(2), loads.Load())
	assert.True(t, r.IsLoaded("org/a"))
	assert.True(t, r.IsLoaded("org/b"))

	// All failing is an error.
	assert.Error(t, r.Preload([]string{"org/nope"}))
}

func TestRegistryStats(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "a")
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "b")

	var loads atomic.Int32
	r := newTestRegistry(t, modelsDir, &loads)

	_, err := r.Get("org/a")
	require.NoError(t, err)
	require.NoError(t, r.Pin("org/b"))

	stats := r.Stats()
	assert.Equal(t, 2, stats["discovered"])
	assert.Equal(t, 2, stats["loaded"])
	assert.Equal(t, 1, stats["pinned"])
}

func TestRegistryLoadError(t *testing.T) {
	modelsDir := t.TempDir()
	writeModelDir(t, modelsDir, hub.ModelTypeEmbedder, "org", "broken")

	r, err := NewRegistry(RegistryConfig{ModelsDir: modelsDir}, hub.ModelTypeEmbedder,
		func(name, modelDir string) (*fakeServing, error) {
			return nil, os.ErrPermission
		}, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get("org/broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.False(t, r.IsLoaded("org/broken"))
}

func TestRegistryEmptyModelsDir(t *testing.T) {
	var loads atomic.Int32
	r := newTestRegistry(t, "", &loads)
	assert.Empty(t, r.List())
}
