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

package serving

import (
	"context"
	"math"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/generation"
	"github.com/antflydb/loom/lib/graphs"
)

// DecoderModel adapts a concrete model to the generation driver. Prepare
// runs any encoder pass over the tokenized prompts and returns the
// single-step function, a cache sized for the batch, and the decoder-side
// prompt for each sequence (usually empty for encoder-decoder models, the
// prompt itself for decoder-only models).
type DecoderModel interface {
	Prepare(ctx context.Context, inputIDs [][]int32) (generation.StepFunc, *generation.Cache, [][]int32, error)
	Close() error
}

// GeneratedText is one decoded generation result.
type GeneratedText struct {
	Text          string
	TokenCount    int
	FinishedByEOS bool

	// Score is exp(mean log prob) of the generated tokens, when the
	// generation config requests scores; 0 otherwise.
	Score float64
}

// GenerationServing turns prompts into generated text: tokenize, encode,
// drive the generation loop, decode. Output order matches prompt order.
type GenerationServing struct {
	name      string
	model     DecoderModel
	tokenizer tokenizers.Tokenizer
	generator *generation.Generator
	cfg       generation.Config
	logger    *zap.Logger
}

// GenerationOption configures a GenerationServing.
type GenerationOption func(*GenerationServing)

// WithGenerationName labels the serving in logs.
func WithGenerationName(name string) GenerationOption {
	return func(g *GenerationServing) { g.name = name }
}

// WithGenerationLogger sets the logger.
func WithGenerationLogger(logger *zap.Logger) GenerationOption {
	return func(g *GenerationServing) { g.logger = logger }
}

// NewGenerationServing builds a text generation pipeline. Unset special
// tokens in cfg are filled from the tokenizer when it knows them; the
// config is validated eagerly.
func NewGenerationServing(model DecoderModel, tokenizer tokenizers.Tokenizer, cfg generation.Config, opts ...GenerationOption) (*GenerationServing, error) {
	if cfg.EOSToken == 0 {
		if id, err := tokenizer.SpecialTokenID(api.TokEndOfSentence); err == nil {
			cfg.EOSToken = int32(id)
		}
	}
	if cfg.PadToken == 0 {
		if id, err := tokenizer.SpecialTokenID(api.TokPad); err == nil {
			cfg.PadToken = int32(id)
		}
	}

	generator, err := generation.NewGenerator(cfg)
	if err != nil {
		return nil, err
	}

	g := &GenerationServing{
		model:     model,
		tokenizer: tokenizer,
		generator: generator,
		cfg:       cfg,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// GenerateOne generates for a single prompt: single in, single out.
func (g *GenerationServing) GenerateOne(ctx context.Context, prompt string) (GeneratedText, error) {
	results, err := g.Generate(ctx, []string{prompt})
	if err != nil {
		return GeneratedText{}, err
	}
	return results[0], nil
}

// Generate generates for every prompt in one batched run.
func (g *GenerationServing) Generate(ctx context.Context, prompts []string) ([]GeneratedText, error) {
	return g.generate(ctx, prompts, nil)
}

// GenerateStreaming is Generate with a callback receiving each decoded
// token as it is produced.
func (g *GenerationServing) GenerateStreaming(ctx context.Context, prompts []string, onToken func(seq int, token string) error) ([]GeneratedText, error) {
	var cb generation.TokenCallback
	if onToken != nil {
		cb = func(seq int, token int32) error {
			return onToken(seq, g.tokenizer.Decode([]int{int(token)}))
		}
	}
	return g.generate(ctx, prompts, cb)
}

func (g *GenerationServing) generate(ctx context.Context, prompts []string, onToken generation.TokenCallback) ([]GeneratedText, error) {
	if len(prompts) == 0 {
		return nil, &graphs.ValidationError{Field: "prompts", Reason: "must not be empty"}
	}

	inputIDs := make([][]int32, len(prompts))
	for i, prompt := range prompts {
		ids := g.tokenizer.Encode(prompt)
		row := make([]int32, len(ids))
		for j, id := range ids {
			row[j] = int32(id)
		}
		inputIDs[i] = row
	}

	step, cache, decoderPrompts, err := g.model.Prepare(ctx, inputIDs)
	if err != nil {
		return nil, &graphs.ExecutionError{Op: "prepare", Err: err}
	}

	var result *generation.Result
	if onToken != nil {
		result, err = g.generator.GenerateStreaming(ctx, decoderPrompts, step, cache, onToken)
	} else {
		result, err = g.generator.Generate(ctx, decoderPrompts, step, cache)
	}
	if err != nil {
		return nil, err
	}

	out := make([]GeneratedText, len(prompts))
	for i, tokens := range result.Generated {
		ids := make([]int, len(tokens))
		for j, token := range tokens {
			ids[j] = int(token)
		}
		out[i] = GeneratedText{
			Text:          g.tokenizer.Decode(ids),
			TokenCount:    len(tokens),
			FinishedByEOS: result.FinishedByEOS[i],
			Score:         sequenceScore(result.Scores, i),
		}
	}

	g.logger.Debug("generation serving complete",
		zap.String("name", g.name),
		zap.Int("prompts", len(prompts)),
		zap.Int("steps", result.Steps))
	return out, nil
}

// sequenceScore is exp of the mean log probability of sequence i's tokens.
func sequenceScore(scores [][]float32, i int) float64 {
	if scores == nil || i >= len(scores) || len(scores[i]) == 0 {
		return 0
	}
	var sum float64
	for _, p := range scores[i] {
		sum += math.Log(float64(p))
	}
	return math.Exp(sum / float64(len(scores[i])))
}

// Close releases the underlying model.
func (g *GenerationServing) Close() error { return g.model.Close() }
