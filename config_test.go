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
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/loom/lib/graphs"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "go", cfg.Engine)
	assert.Equal(t, "5m", cfg.KeepAlive)
	assert.Equal(t, "mean", cfg.Embedding.Pooling)
	assert.True(t, cfg.Embedding.Normalize)
	assert.Equal(t, "greedy", cfg.Generation.Strategy)
	assert.Equal(t, 50, cfg.Diffusion.Steps)
	assert.Equal(t, float32(7.5), cfg.Diffusion.GuidanceScale)
	assert.Equal(t, 512, cfg.Diffusion.Size)

	d, err := cfg.keepAliveDuration()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestLoadConfigOverrides(t *testing.T) {
	v := viper.New()
	v.Set("models_dir", "/srv/models")
	v.Set("engine", "xla")
	v.Set("keep_alive", "30s")
	v.Set("max_loaded_models", 3)
	v.Set("embedding.pooling", "cls")
	v.Set("embedding.sequence_bucketing", "linear")
	v.Set("generation.strategy", "sampling")
	v.Set("generation.temperature", 0.7)
	v.Set("diffusion.steps", 25)

	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "/srv/models", cfg.ModelsDir)
	assert.Equal(t, "xla", cfg.Engine)
	assert.Equal(t, uint64(3), cfg.MaxLoadedModels)
	assert.Equal(t, "cls", cfg.Embedding.Pooling)
	assert.Equal(t, "linear", cfg.Embedding.SequenceBucketing)
	assert.Equal(t, "sampling", cfg.Generation.Strategy)
	assert.Equal(t, float32(0.7), cfg.Generation.Temperature)
	assert.Equal(t, 25, cfg.Diffusion.Steps)

	d, err := cfg.keepAliveDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestConfigValidate(t *testing.T) {
	t.Run("bad engine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Engine = "cuda"
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, graphs.IsConfig(err))
	})

	t.Run("bad keep_alive", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.KeepAlive = "forever"
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative keep_alive", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.KeepAlive = "-1m"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero keep_alive means forever", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.KeepAlive = "0"
		require.NoError(t, cfg.Validate())
		d, err := cfg.keepAliveDuration()
		require.NoError(t, err)
		assert.Equal(t, time.Duration(0), d)
	})

	t.Run("bad bucketing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Embedding.BatchBucketing = "fib"
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, graphs.IsConfig(err))
	})

	t.Run("bad pooling", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Embedding.Pooling = "sum"
		assert.True(t, graphs.IsConfig(cfg.Validate()))
	})

	t.Run("bad strategy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Generation.Strategy = "beam"
		assert.True(t, graphs.IsConfig(cfg.Validate()))
	})

	t.Run("bad prompt cache ttl", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Diffusion.PromptCacheTTL = "soon"
		assert.Error(t, cfg.Validate())
	})
}

func TestBucketingStrategy(t *testing.T) {
	for _, name := range []string{"", "none", "pow2", "linear", "exponential"} {
		s, err := bucketingStrategy(name)
		require.NoError(t, err, "strategy %q", name)
		require.NotNil(t, s)
	}
	_, err := bucketingStrategy("golden")
	assert.True(t, graphs.IsConfig(err))
}
