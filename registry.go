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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/hub"
)

// DefaultKeepAlive matches Ollama's 5-minute idle unload window.
const DefaultKeepAlive = 5 * time.Minute

// closer is what a registry entry must provide so eviction can release it.
type closer interface {
	Close() error
}

// LoadFunc builds a serving from a model directory on first use.
type LoadFunc[T closer] func(name, modelDir string) (T, error)

// RegistryConfig configures a lazy registry.
type RegistryConfig struct {
	// ModelsDir is the root directory holding <type>s/<owner>/<name>
	// model bundles.
	ModelsDir string
	// KeepAlive is how long an idle serving stays loaded. 0 means forever.
	KeepAlive time.Duration
	// MaxLoaded bounds the number of loaded servings (0 = unlimited);
	// exceeding it evicts the least recently used.
	MaxLoaded uint64
}

// Registry lazily loads servings by model name and unloads them after a
// keep-alive window. Pinned entries are never evicted.
type Registry[T closer] struct {
	kind   hub.ModelType
	load   LoadFunc[T]
	logger *zap.Logger

	// Discovered model directories by name; not loaded yet.
	discovered map[string]string
	mu         sync.RWMutex

	cache *ttlcache.Cache[string, T]

	pinned   map[string]T
	pinnedMu sync.RWMutex

	keepAlive time.Duration
}

// NewRegistry scans cfg.ModelsDir for bundles of the given kind and returns
// a registry that loads them on demand through load.
func NewRegistry[T closer](cfg RegistryConfig, kind hub.ModelType, load LoadFunc[T], logger *zap.Logger) (*Registry[T], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}

	r := &Registry[T]{
		kind:       kind,
		load:       load,
		logger:     logger,
		discovered: make(map[string]string),
		pinned:     make(map[string]T),
		keepAlive:  keepAlive,
	}

	cacheOpts := []ttlcache.Option[string, T]{
		ttlcache.WithTTL[string, T](keepAlive),
	}
	if cfg.MaxLoaded > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, T](cfg.MaxLoaded))
	}
	r.cache = ttlcache.New(cacheOpts...)

	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, T]) {
		name := item.Key()
		serving := item.Value()

		// A serving promoted to pinned must not be closed by its old
		// cache entry.
		r.pinnedMu.RLock()
		_, isPinned := r.pinned[name]
		r.pinnedMu.RUnlock()
		if isPinned {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		case ttlcache.EvictionReasonDeleted:
			reasonStr = "manually deleted"
		}
		r.logger.Info("Unloading model",
			zap.String("model", name),
			zap.String("type", string(r.kind)),
			zap.String("reason", reasonStr))
		RecordModelUnload(name, string(r.kind))

		if err := serving.Close(); err != nil {
			r.logger.Warn("Error closing model",
				zap.String("model", name),
				zap.Error(err))
		}
	})

	go r.cache.Start()

	if err := r.discover(cfg.ModelsDir); err != nil {
		r.cache.Stop()
		return nil, err
	}
	return r, nil
}

// discover scans modelsDir/<kind>s for owner/name bundles (or legacy flat
// name directories) without loading anything.
func (r *Registry[T]) discover(modelsDir string) error {
	if modelsDir == "" {
		r.logger.Info("No models directory configured",
			zap.String("type", string(r.kind)))
		return nil
	}
	kindDir := filepath.Join(modelsDir, r.kind.DirName())
	if _, err := os.Stat(kindDir); os.IsNotExist(err) {
		r.logger.Debug("Model type directory does not exist",
			zap.String("dir", kindDir))
		return nil
	}

	entries, err := os.ReadDir(kindDir)
	if err != nil {
		return fmt.Errorf("reading models directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ownerDir := filepath.Join(kindDir, entry.Name())

		// owner/name layout first.
		subEntries, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		foundNested := false
		for _, sub := range subEntries {
			if !sub.IsDir() {
				continue
			}
			modelDir := filepath.Join(ownerDir, sub.Name())
			if !hasModelFiles(modelDir) {
				continue
			}
			r.discovered[entry.Name()+"/"+sub.Name()] = modelDir
			foundNested = true
		}
		if foundNested {
			continue
		}

		// Legacy flat layout: <kind>s/<name>.
		if hasModelFiles(ownerDir) {
			r.discovered[entry.Name()] = ownerDir
		}
	}

	r.logger.Info("Model discovery complete",
		zap.String("type", string(r.kind)),
		zap.Int("models", len(r.discovered)),
		zap.Duration("keep_alive", r.keepAlive))
	return nil
}

func hasModelFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".onnx" {
			return true
		}
	}
	return false
}

// Get returns the serving for a model name, loading it on first use.
func (r *Registry[T]) Get(name string) (T, error) {
	var zero T

	r.pinnedMu.RLock()
	if serving, ok := r.pinned[name]; ok {
		r.pinnedMu.RUnlock()
		return serving, nil
	}
	r.pinnedMu.RUnlock()

	if item := r.cache.Get(name); item != nil {
		return item.Value(), nil
	}

	r.mu.RLock()
	modelDir, known := r.discovered[name]
	r.mu.RUnlock()
	if !known {
		return zero, fmt.Errorf("%s model not found: %s", r.kind, name)
	}
	return r.loadModel(name, modelDir)
}

func (r *Registry[T]) loadModel(name, modelDir string) (T, error) {
	var zero T

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have loaded it while we waited.
	if item := r.cache.Get(name); item != nil {
		return item.Value(), nil
	}

	r.logger.Info("Loading model on demand",
		zap.String("model", name),
		zap.String("type", string(r.kind)),
		zap.String("path", modelDir))

	start := time.Now()
	serving, err := r.load(name, modelDir)
	if err != nil {
		return zero, fmt.Errorf("loading %s model %s: %w", r.kind, name, err)
	}
	RecordModelLoadDuration(name, string(r.kind), time.Since(start).Seconds())

	r.cache.Set(name, serving, ttlcache.DefaultTTL)
	r.logger.Info("Model loaded",
		zap.String("model", name),
		zap.Duration("took", time.Since(start)))
	return serving, nil
}

// List returns all discovered model names, loaded or not.
func (r *Registry[T]) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.discovered))
	for name := range r.discovered {
		names = append(names, name)
	}
	return names
}

// ListLoaded returns the names currently in memory, pinned first.
func (r *Registry[T]) ListLoaded() []string {
	keys := r.cache.Keys()

	r.pinnedMu.RLock()
	names := make([]string, 0, len(r.pinned)+len(keys))
	for name := range r.pinned {
		names = append(names, name)
	}
	r.pinnedMu.RUnlock()

	return append(names, keys...)
}

// IsLoaded reports whether a model is currently in memory.
func (r *Registry[T]) IsLoaded(name string) bool {
	r.pinnedMu.RLock()
	_, isPinned := r.pinned[name]
	r.pinnedMu.RUnlock()
	return isPinned || r.cache.Has(name)
}

// Unload evicts a model, closing it. Pinned models are not unloadable.
func (r *Registry[T]) Unload(name string) {
	r.pinnedMu.RLock()
	_, isPinned := r.pinned[name]
	r.pinnedMu.RUnlock()
	if isPinned {
		return
	}
	r.cache.Delete(name)
}

// Pin loads a model if needed and marks it never-evicted.
func (r *Registry[T]) Pin(name string) error {
	r.pinnedMu.RLock()
	_, already := r.pinned[name]
	r.pinnedMu.RUnlock()
	if already {
		return nil
	}

	serving, err := r.Get(name)
	if err != nil {
		return fmt.Errorf("pin model %s: %w", name, err)
	}

	r.pinnedMu.Lock()
	r.pinned[name] = serving
	r.pinnedMu.Unlock()

	// The eviction callback sees the pinned entry and skips closing.
	r.cache.Delete(name)

	r.logger.Info("Pinned model (will not be evicted)", zap.String("model", name))
	return nil
}

// Preload loads the named models up front to avoid first-request latency.
func (r *Registry[T]) Preload(names []string) error {
	if len(names) == 0 {
		return nil
	}
	var loaded, failed int
	for _, name := range names {
		if _, err := r.Get(name); err != nil {
			r.logger.Warn("Failed to preload model",
				zap.String("model", name),
				zap.Error(err))
			failed++
			continue
		}
		loaded++
	}
	r.logger.Info("Preloading complete",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed))
	if failed > 0 && loaded == 0 {
		return fmt.Errorf("all %d models failed to preload", failed)
	}
	return nil
}

// Close stops the eviction loop and unloads everything, pinned models
// included.
func (r *Registry[T]) Close() error {
	r.cache.Stop()
	r.cache.DeleteAll()

	r.pinnedMu.Lock()
	for name, serving := range r.pinned {
		if err := serving.Close(); err != nil {
			r.logger.Warn("Error closing pinned model",
				zap.String("model", name),
				zap.Error(err))
		}
	}
	r.pinned = make(map[string]T)
	r.pinnedMu.Unlock()
	return nil
}

// Stats returns registry counters for introspection and tests.
func (r *Registry[T]) Stats() map[string]any {
	metrics := r.cache.Metrics()

	r.pinnedMu.RLock()
	pinnedCount := len(r.pinned)
	r.pinnedMu.RUnlock()

	r.mu.RLock()
	discovered := len(r.discovered)
	r.mu.RUnlock()

	return map[string]any{
		"discovered": discovered,
		"loaded":     r.cache.Len() + pinnedCount,
		"pinned":     pinnedCount,
		"hits":       metrics.Hits,
		"misses":     metrics.Misses,
	}
}
