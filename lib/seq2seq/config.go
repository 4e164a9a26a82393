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

// Package seq2seq adapts encoder-decoder ONNX models (T5, FLAN-T5, BART)
// to the generation driver: encoder pass, per-step decoder execution with
// an arena KV cache, and config.json geometry parsing.
package seq2seq

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"github.com/antflydb/loom/lib/graphs"
)

// ModelConfig is the decoder geometry and token bookkeeping read from a
// HuggingFace config.json.
type ModelConfig struct {
	ModelType string

	NumLayers int
	NumHeads  int
	HeadDim   int
	VocabSize int
	MaxLength int

	EOSTokenID          int32
	PadTokenID          int32
	BOSTokenID          int32
	DecoderStartTokenID int32
}

// rawConfig mirrors the config.json fields we care about. Token IDs use
// any because HuggingFace exports eos_token_id both as an int and as a
// list.
type rawConfig struct {
	ModelType           string `json:"model_type"`
	NumDecoderLayers    int    `json:"num_decoder_layers"`
	NumLayers           int    `json:"num_layers"`
	DecoderLayers       int    `json:"decoder_layers"`
	NumHeads            int    `json:"num_heads"`
	DecoderAttnHeads    int    `json:"decoder_attention_heads"`
	DKV                 int    `json:"d_kv"`
	DModel              int    `json:"d_model"`
	VocabSize           int    `json:"vocab_size"`
	MaxLength           int    `json:"max_length"`
	EOSTokenID          any    `json:"eos_token_id"`
	PadTokenID          *int   `json:"pad_token_id"`
	BOSTokenID          *int   `json:"bos_token_id"`
	DecoderStartTokenID *int   `json:"decoder_start_token_id"`
}

// ParseModelConfig decodes config.json content into a ModelConfig,
// resolving the model-family defaults.
func ParseModelConfig(content []byte) (ModelConfig, error) {
	var raw rawConfig
	if err := sonic.Unmarshal(content, &raw); err != nil {
		return ModelConfig{}, fmt.Errorf("parsing model config: %w", err)
	}

	cfg := ModelConfig{
		ModelType: raw.ModelType,
		VocabSize: raw.VocabSize,
		MaxLength: raw.MaxLength,
	}

	// Layer count: T5 uses num_decoder_layers (falling back to
	// num_layers), BART uses decoder_layers.
	cfg.NumLayers = firstNonZero(raw.NumDecoderLayers, raw.NumLayers, raw.DecoderLayers)
	cfg.NumHeads = firstNonZero(raw.NumHeads, raw.DecoderAttnHeads)
	if cfg.NumLayers == 0 || cfg.NumHeads == 0 {
		return ModelConfig{}, fmt.Errorf("model config missing decoder layer/head counts")
	}

	// Head dim: T5 exports d_kv directly; otherwise derive from d_model.
	cfg.HeadDim = raw.DKV
	if cfg.HeadDim == 0 && raw.DModel > 0 {
		cfg.HeadDim = raw.DModel / cfg.NumHeads
	}
	if cfg.HeadDim == 0 {
		return ModelConfig{}, fmt.Errorf("model config missing d_kv/d_model")
	}

	if cfg.MaxLength == 0 {
		cfg.MaxLength = 512
	}

	cfg.EOSTokenID = parseEOS(raw.EOSTokenID)
	if raw.PadTokenID != nil {
		cfg.PadTokenID = int32(*raw.PadTokenID)
	}
	if raw.BOSTokenID != nil {
		cfg.BOSTokenID = int32(*raw.BOSTokenID)
	}

	switch {
	case raw.DecoderStartTokenID != nil:
		cfg.DecoderStartTokenID = int32(*raw.DecoderStartTokenID)
	case cfg.ModelType == "t5":
		// T5 starts decoding from the pad token.
		cfg.DecoderStartTokenID = cfg.PadTokenID
	case cfg.ModelType == "bart":
		cfg.DecoderStartTokenID = cfg.BOSTokenID
	default:
		return ModelConfig{}, &graphs.ConfigError{
			Option: "decoder_start_token_id",
			Value:  fmt.Sprintf("missing for model type %q", cfg.ModelType),
		}
	}

	return cfg, nil
}

// LoadModelConfig reads and parses <dir>/config.json.
func LoadModelConfig(dir string) (ModelConfig, error) {
	content, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return ModelConfig{}, fmt.Errorf("reading model config: %w", err)
	}
	return ParseModelConfig(content)
}

// parseEOS handles eos_token_id exported as a number or a list of
// numbers; a list uses its first entry.
func parseEOS(v any) int32 {
	switch val := v.(type) {
	case float64:
		return int32(val)
	case []any:
		if len(val) > 0 {
			if f, ok := val[0].(float64); ok {
				return int32(f)
			}
		}
	}
	return 0
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
