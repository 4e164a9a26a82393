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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/diffusion"
	"github.com/antflydb/loom/lib/generation"
	"github.com/antflydb/loom/lib/hub"
)

func newTestLoom(t *testing.T, mutate func(*Config)) *Loom {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelsDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNewLoomEmptyModelsDir(t *testing.T) {
	l := newTestLoom(t, nil)

	assert.Empty(t, l.Embedders.List())
	assert.Empty(t, l.Generators.List())
	assert.Empty(t, l.Diffusers.List())

	ctx := context.Background()
	_, err := l.Embed(ctx, "org/missing", []string{"text"})
	assert.Error(t, err)
	_, err = l.Generate(ctx, "org/missing", []string{"prompt"})
	assert.Error(t, err)
	_, err = l.Imagine(ctx, "org/missing", diffusion.Request{Prompt: "prompt"})
	assert.Error(t, err)
}

func TestNewLoomRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = "cuda"
	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewLoomRejectsUnknownPin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelsDir = t.TempDir()
	cfg.Pinned = []string{"org/ghost"}
	_, err := New(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinning org/ghost")
}

func TestForFamilyPrefixDispatch(t *testing.T) {
	l := newTestLoom(t, nil)

	var gotKind hub.ModelType
	var gotName string
	err := l.forFamily("generator/org/model", func(kind hub.ModelType, name string) error {
		gotKind = kind
		gotName = name
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, hub.ModelTypeGenerator, gotKind)
	assert.Equal(t, "org/model", gotName)

	// A bare reference not discovered anywhere is an error.
	err = l.forFamily("org/unknown", func(hub.ModelType, string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in any family")
}

func TestGenerationStrategyFromConfig(t *testing.T) {
	l := newTestLoom(t, func(cfg *Config) {
		cfg.Generation = GenerationConfig{
			Strategy:          "sampling",
			Temperature:       0.7,
			TopK:              40,
			TopP:              0.9,
			Seed:              42,
			RepetitionPenalty: 1.2,
		}
	})

	strategy, err := l.generationStrategy()
	require.NoError(t, err)
	assert.Equal(t, generation.StrategySampling, strategy.Kind)
	assert.Equal(t, float32(0.7), strategy.Temperature)
	assert.Equal(t, 40, strategy.TopK)
	assert.Equal(t, float32(0.9), strategy.TopP)
	assert.Equal(t, int64(42), strategy.Seed)
	assert.Equal(t, float32(1.2), strategy.RepetitionPenalty)
}

func TestGenerationStrategyDefaultsToGreedy(t *testing.T) {
	l := newTestLoom(t, func(cfg *Config) {
		cfg.Generation.Strategy = ""
	})

	strategy, err := l.generationStrategy()
	require.NoError(t, err)
	assert.Equal(t, generation.StrategyGreedy, strategy.Kind)
}
