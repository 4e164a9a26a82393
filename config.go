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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"github.com/spf13/viper"

	"github.com/antflydb/loom/lib/graphs"
)

// Config is the top-level configuration, decodable from YAML/JSON/env via
// viper.
type Config struct {
	// ModelsDir is the root directory for model bundles, laid out as
	// <type>s/<owner>/<name>. Defaults to ~/.loom/models.
	ModelsDir string `mapstructure:"models_dir"`

	// Engine selects the GoMLX execution engine, "go" or "xla".
	Engine string `mapstructure:"engine"`

	// KeepAlive is how long an idle model stays loaded before being
	// unloaded, e.g. "5m". Empty or "0" keeps models loaded forever.
	KeepAlive string `mapstructure:"keep_alive"`

	// MaxLoadedModels bounds the number of simultaneously loaded models
	// per family. 0 means unlimited.
	MaxLoadedModels uint64 `mapstructure:"max_loaded_models"`

	// Preload lists models to load at startup, "embedder/owner/name" style
	// prefixed references or bare names resolved against each family.
	Preload []string `mapstructure:"preload"`

	// Pinned lists models that are loaded at startup and never evicted.
	Pinned []string `mapstructure:"pinned"`

	// HFToken authenticates HuggingFace downloads of gated models.
	HFToken string `mapstructure:"hf_token"`

	// RegistryURL overrides the default Antfly model registry endpoint.
	RegistryURL string `mapstructure:"registry_url"`

	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Diffusion  DiffusionConfig  `mapstructure:"diffusion"`
}

// EmbeddingConfig tunes the text embedding servings.
type EmbeddingConfig struct {
	// Pooling is "mean", "cls", "max", or "eos".
	Pooling string `mapstructure:"pooling"`
	// Normalize L2-normalizes pooled embeddings.
	Normalize bool `mapstructure:"normalize"`
	// MaxTokens truncates inputs; 0 disables.
	MaxTokens int `mapstructure:"max_tokens"`

	// CompileBatchSize and CompileSequenceLength precompile the graph for
	// a fixed shape; 0 disables precompilation.
	CompileBatchSize      int `mapstructure:"compile_batch_size"`
	CompileSequenceLength int `mapstructure:"compile_sequence_length"`

	// BatchBucketing and SequenceBucketing pick the shape rounding
	// strategy: "pow2", "linear", "exponential", or "none".
	BatchBucketing    string `mapstructure:"batch_bucketing"`
	SequenceBucketing string `mapstructure:"sequence_bucketing"`
}

// GenerationConfig tunes the text generation servings.
type GenerationConfig struct {
	// MaxLength caps the total sequence length; 0 uses the model default.
	MaxLength int `mapstructure:"max_length"`
	// MinLength suppresses end-of-sequence until this many tokens.
	MinLength int `mapstructure:"min_length"`
	// Strategy is "greedy" or "sampling".
	Strategy          string  `mapstructure:"strategy"`
	Temperature       float32 `mapstructure:"temperature"`
	TopK              int     `mapstructure:"top_k"`
	TopP              float32 `mapstructure:"top_p"`
	Seed              int64   `mapstructure:"seed"`
	RepetitionPenalty float32 `mapstructure:"repetition_penalty"`
}

// DiffusionConfig tunes the image generation pipelines.
type DiffusionConfig struct {
	// Steps is the default number of denoising steps.
	Steps int `mapstructure:"steps"`
	// GuidanceScale is the default classifier-free guidance scale.
	GuidanceScale float32 `mapstructure:"guidance_scale"`
	// Size is the default square output size in pixels.
	Size int `mapstructure:"size"`
	// PromptCacheTTL caches encoded prompts for repeat requests, e.g.
	// "10m". Empty disables.
	PromptCacheTTL string `mapstructure:"prompt_cache_ttl"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	modelsDir := ""
	if home, err := os.UserHomeDir(); err == nil {
		modelsDir = filepath.Join(home, ".loom", "models")
	}
	return Config{
		ModelsDir: modelsDir,
		Engine:    "go",
		KeepAlive: "5m",
		Embedding: EmbeddingConfig{
			Pooling:           "mean",
			Normalize:         true,
			BatchBucketing:    "pow2",
			SequenceBucketing: "pow2",
		},
		Generation: GenerationConfig{
			Strategy: "greedy",
		},
		Diffusion: DiffusionConfig{
			Steps:         50,
			GuidanceScale: 7.5,
			Size:          512,
		},
	}
}

// LoadConfig decodes a Config from a viper instance on top of the defaults.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values eagerly so misconfiguration fails at startup
// rather than on the first request.
func (c Config) Validate() error {
	switch c.Engine {
	case "", "go", "xla":
	default:
		return &graphs.ConfigError{
			Option: "engine",
			Value:  c.Engine,
			Valid:  []string{"go", "xla"},
		}
	}
	if _, err := c.keepAliveDuration(); err != nil {
		return err
	}
	if _, err := bucketingStrategy(c.Embedding.BatchBucketing); err != nil {
		return err
	}
	if _, err := bucketingStrategy(c.Embedding.SequenceBucketing); err != nil {
		return err
	}
	switch c.Embedding.Pooling {
	case "", "mean", "cls", "max", "eos":
	default:
		return &graphs.ConfigError{
			Option: "embedding.pooling",
			Value:  c.Embedding.Pooling,
			Valid:  []string{"mean", "cls", "max", "eos"},
		}
	}
	switch c.Generation.Strategy {
	case "", "greedy", "sampling":
	default:
		return &graphs.ConfigError{
			Option: "generation.strategy",
			Value:  c.Generation.Strategy,
			Valid:  []string{"greedy", "sampling"},
		}
	}
	if c.Diffusion.PromptCacheTTL != "" {
		if _, err := time.ParseDuration(c.Diffusion.PromptCacheTTL); err != nil {
			return fmt.Errorf("parsing diffusion.prompt_cache_ttl: %w", err)
		}
	}
	return nil
}

func (c Config) keepAliveDuration() (time.Duration, error) {
	if c.KeepAlive == "" || c.KeepAlive == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.KeepAlive)
	if err != nil {
		return 0, fmt.Errorf("parsing keep_alive: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("keep_alive must not be negative: %s", c.KeepAlive)
	}
	return d, nil
}

// bucketingStrategy resolves a strategy name from config. Empty means no
// bucketing.
func bucketingStrategy(name string) (bucketing.Strategy, error) {
	switch name {
	case "", "none":
		return bucketing.None(), nil
	case "pow2":
		return bucketing.Pow2(), nil
	case "linear":
		return bucketing.Linear(8), nil
	case "exponential":
		return bucketing.Exponential(1.5), nil
	default:
		return nil, &graphs.ConfigError{
			Option: "bucketing",
			Value:  name,
			Valid:  []string{"pow2", "linear", "exponential", "none"},
		}
	}
}
