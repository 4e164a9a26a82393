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

package generation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/graphs"
)

// StepFunc is the model's single-step computation: given the current
// frontier token of every sequence and the shared cache, it returns one
// logits row per sequence. The step writes new K/V entries at the cache's
// current offset; the driver advances the offset afterwards.
type StepFunc func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error)

// Config drives one generation run.
type Config struct {
	// MaxLength bounds the total sequence length including the decoder
	// start token and the prompt.
	MaxLength int

	// MinLength suppresses EOS until at least this many tokens have been
	// generated per sequence. 0 disables.
	MinLength int

	DecoderStartToken int32
	EOSToken          int32
	PadToken          int32

	Strategy Strategy

	// ReturnScores records the selected token's probability at each step.
	ReturnScores bool
}

// Validate checks the config eagerly, before any model work.
func (c Config) Validate() error {
	if c.MaxLength <= 0 {
		return &graphs.ConfigError{Option: "max_length", Value: fmt.Sprintf("%d", c.MaxLength)}
	}
	if c.MinLength < 0 || c.MinLength >= c.MaxLength {
		return &graphs.ConfigError{Option: "min_length", Value: fmt.Sprintf("%d", c.MinLength)}
	}
	return c.Strategy.Validate()
}

// Result is the outcome of one batched generation run.
type Result struct {
	// Sequences holds, per input sequence in input order, the full decoder
	// stream up to (excluding) padding: the decoder start token, the
	// prompt, the generated tokens, and the terminating EOS when the
	// sequence stopped on one.
	Sequences [][]int32

	// Generated holds only the freshly generated tokens per sequence,
	// excluding the start token, the prompt and EOS. This is what callers
	// decode back to text.
	Generated [][]int32

	// Scores holds the probability of each generated token when
	// Config.ReturnScores is set; nil otherwise.
	Scores [][]float32

	// FinishedByEOS reports, per sequence, whether generation stopped on
	// EOS rather than on the length bound.
	FinishedByEOS []bool

	// Steps is the number of model step calls made.
	Steps int
}

// TokenCallback receives each freshly generated token. Returning an error
// aborts the run.
type TokenCallback func(seq int, token int32) error

// Generator runs the batched autoregressive loop. It owns no model state;
// the model is supplied per run as a StepFunc plus Cache.
type Generator struct {
	cfg    Config
	logger *zap.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithLogger sets the logger. Default is a nop logger.
func WithLogger(logger *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// NewGenerator validates the config and builds a driver.
func NewGenerator(cfg Config, opts ...GeneratorOption) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate runs the loop to completion for every prompt. Prompts may be
// empty (generation starts from the decoder start token alone) and may have
// different lengths. Results preserve prompt order. A prompt already at
// MaxLength terminates immediately with no generated tokens.
func (g *Generator) Generate(ctx context.Context, prompts [][]int32, step StepFunc, cache *Cache) (*Result, error) {
	return g.run(ctx, prompts, step, cache, nil)
}

// GenerateStreaming is Generate with a per-token callback, invoked in step
// order as tokens are selected.
func (g *Generator) GenerateStreaming(ctx context.Context, prompts [][]int32, step StepFunc, cache *Cache, onToken TokenCallback) (*Result, error) {
	return g.run(ctx, prompts, step, cache, onToken)
}

func (g *Generator) run(ctx context.Context, prompts [][]int32, step StepFunc, cache *Cache, onToken TokenCallback) (*Result, error) {
	n := len(prompts)
	if n == 0 {
		return nil, &graphs.ValidationError{Field: "prompts", Reason: "must not be empty"}
	}
	if cache != nil && cache.BatchSize() != n {
		return nil, &graphs.ValidationError{
			Field:  "cache",
			Reason: fmt.Sprintf("batch size %d does not match %d prompts", cache.BatchSize(), n),
		}
	}

	// Each sequence is the full decoder input stream: start token, then
	// the prompt, then generated tokens.
	sequences := make([][]int32, n)
	generated := make([][]int32, n)
	finished := make([]bool, n)
	byEOS := make([]bool, n)
	for i, prompt := range prompts {
		seq := make([]int32, 0, len(prompt)+1)
		seq = append(seq, g.cfg.DecoderStartToken)
		seq = append(seq, prompt...)
		sequences[i] = seq
		generated[i] = []int32{}
		if len(seq) >= g.cfg.MaxLength {
			finished[i] = true
		}
	}

	result := &Result{
		Sequences:     sequences,
		Generated:     generated,
		FinishedByEOS: byEOS,
	}
	var scores [][]float32
	if g.cfg.ReturnScores {
		scores = make([][]float32, n)
		result.Scores = scores
	}

	sp := newSampler(g.cfg.Strategy)
	frontier := make([]int32, n)
	eosSuppress := []int32{g.cfg.EOSToken}

	pos := 0
	for !allDone(finished) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for i := range frontier {
			if finished[i] {
				frontier[i] = g.cfg.PadToken
				continue
			}
			frontier[i] = sequences[i][pos]
		}

		logits, err := step(ctx, frontier, cache)
		if err != nil {
			return nil, &graphs.ExecutionError{Op: "generation step", Err: err}
		}
		if len(logits) != n {
			return nil, &graphs.ExecutionError{
				Op:  "generation step",
				Err: fmt.Errorf("step returned %d logits rows for %d sequences", len(logits), n),
			}
		}
		if cache != nil && cache.Offset() < cache.MaxLength() {
			cache.Advance(1)
		}
		result.Steps++

		for i := range sequences {
			if finished[i] {
				continue
			}
			// Sequences still consuming their prompt select nothing
			// this step.
			if pos < len(sequences[i])-1 {
				continue
			}

			var suppress []int32
			if len(generated[i]) < g.cfg.MinLength {
				suppress = eosSuppress
			}
			token, prob := sp.next(logits[i], sequences[i], suppress)

			if token == g.cfg.EOSToken {
				sequences[i] = append(sequences[i], token)
				finished[i] = true
				byEOS[i] = true
				continue
			}

			sequences[i] = append(sequences[i], token)
			generated[i] = append(generated[i], token)
			if g.cfg.ReturnScores {
				scores[i] = append(scores[i], prob)
			}
			if onToken != nil {
				if err := onToken(i, token); err != nil {
					return nil, fmt.Errorf("token callback: %w", err)
				}
			}
			if len(sequences[i]) >= g.cfg.MaxLength {
				finished[i] = true
			}
		}
		pos++
	}

	g.logger.Debug("generation complete",
		zap.Int("sequences", n),
		zap.Int("steps", result.Steps))
	return result, nil
}

func allDone(finished []bool) bool {
	for _, f := range finished {
		if !f {
			return false
		}
	}
	return true
}
