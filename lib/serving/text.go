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
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/graphs"
)

// TextServing is an embedding pipeline: tokenize, execute, pool, normalize.
// A single string in yields a single vector out; a slice in yields a slice
// out, in input order.
type TextServing struct {
	serving   *Serving
	tokenizer tokenizers.Tokenizer
	pooling   Pooling
	normalize bool
	maxLength int
	padID     int64
	logger    *zap.Logger
}

type textOptions struct {
	pooling   string
	normalize bool
	maxLength int
	logger    *zap.Logger
}

// TextOption configures a TextServing.
type TextOption func(*textOptions)

// WithPooling selects the pooling policy by name ("mean", "cls", "max",
// "eos"). Default "mean". Unknown names fail construction.
func WithPooling(name string) TextOption {
	return func(o *textOptions) { o.pooling = name }
}

// WithNormalize enables L2 normalization of the output embeddings.
func WithNormalize(normalize bool) TextOption {
	return func(o *textOptions) { o.normalize = normalize }
}

// WithMaxTokens truncates tokenized inputs to n tokens. 0 disables.
func WithMaxTokens(n int) TextOption {
	return func(o *textOptions) { o.maxLength = n }
}

// WithTextLogger sets the logger.
func WithTextLogger(logger *zap.Logger) TextOption {
	return func(o *textOptions) { o.logger = logger }
}

// NewTextServing wraps an embedding serving with tokenization and pooling.
// The pooling name is resolved here, before any model work.
func NewTextServing(s *Serving, tokenizer tokenizers.Tokenizer, opts ...TextOption) (*TextServing, error) {
	options := &textOptions{pooling: string(PoolingMean), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(options)
	}

	pooling, err := ParsePooling(options.pooling)
	if err != nil {
		return nil, err
	}

	t := &TextServing{
		serving:   s,
		tokenizer: tokenizer,
		pooling:   pooling,
		normalize: options.normalize,
		maxLength: options.maxLength,
		logger:    options.logger.Named("text"),
	}
	if id, err := tokenizer.SpecialTokenID(api.TokPad); err == nil {
		t.padID = int64(id)
	}
	return t, nil
}

// EmbedOne embeds a single text: single in, single out.
func (t *TextServing) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := t.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Embed embeds a slice of texts, preserving order and cardinality.
func (t *TextServing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &graphs.ValidationError{Field: "texts", Reason: "must not be empty"}
	}
	for i, text := range texts {
		if text == "" {
			return nil, &graphs.ValidationError{Field: fmt.Sprintf("texts[%d]", i), Reason: "must not be empty"}
		}
	}

	tokens := make([][]int, len(texts))
	longest := 0
	for i, text := range texts {
		ids := t.tokenizer.Encode(text)
		if t.maxLength > 0 && len(ids) > t.maxLength {
			ids = ids[:t.maxLength]
		}
		tokens[i] = ids
		if len(ids) > longest {
			longest = len(ids)
		}
	}

	target := t.serving.SequenceBucket(longest)
	if t.serving.Compiled() && longest > target {
		return nil, &graphs.ConfigError{
			Option: "sequence_length",
			Value:  fmt.Sprintf("%d exceeds compiled sequence length %d", longest, target),
		}
	}

	batch, mask := t.buildBatch(tokens, target)
	out, err := t.serving.Run(ctx, batch)
	if err != nil {
		return nil, err
	}

	embeddings, err := t.embeddingsFromOutput(out, mask, len(texts))
	if err != nil {
		return nil, err
	}
	if t.normalize {
		NormalizeL2(embeddings)
	}
	return embeddings, nil
}

// buildBatch packs token IDs into input_ids and attention_mask slots, right
// padded to target length with the tokenizer's pad token.
func (t *TextServing) buildBatch(tokens [][]int, target int) (graphs.Batch, [][]int32) {
	n := len(tokens)
	inputIDs := make([]int64, n*target)
	attention := make([]int64, n*target)
	mask := make([][]int32, n)

	for i, ids := range tokens {
		mask[i] = make([]int32, target)
		for j := 0; j < target; j++ {
			if j < len(ids) {
				inputIDs[i*target+j] = int64(ids[j])
				attention[i*target+j] = 1
				mask[i][j] = 1
			} else {
				inputIDs[i*target+j] = t.padID
			}
		}
	}

	shape := []int64{int64(n), int64(target)}
	return graphs.Batch{
		"input_ids":      {Name: "input_ids", Shape: shape, Data: inputIDs},
		"attention_mask": {Name: "attention_mask", Shape: shape, Data: attention},
	}, mask
}

// embeddingsFromOutput pools a 3D hidden-state output, or passes through a
// 2D pre-pooled output unchanged.
func (t *TextServing) embeddingsFromOutput(out graphs.Batch, mask [][]int32, n int) ([][]float32, error) {
	if hidden, ok := find3DOutput(out); ok {
		return PoolHiddenStates(hidden, mask, t.pooling), nil
	}
	for _, nt := range out {
		if nt.Rank() == 2 {
			data, ok := nt.Data.([]float32)
			if !ok {
				continue
			}
			dim := int(nt.Shape[1])
			embeddings := make([][]float32, n)
			for i := 0; i < n; i++ {
				row := make([]float32, dim)
				copy(row, data[i*dim:(i+1)*dim])
				embeddings[i] = row
			}
			return embeddings, nil
		}
	}
	return nil, &graphs.ExecutionError{
		Op:  "embedding output",
		Err: fmt.Errorf("no 3D hidden state or 2D embedding output found"),
	}
}

// find3DOutput locates the hidden-state slot, preferring the conventional
// last_hidden_state name.
func find3DOutput(out graphs.Batch) ([][][]float32, bool) {
	if nt, ok := out["last_hidden_state"]; ok && nt.Rank() == 3 {
		return unflatten3D(nt), true
	}
	for _, nt := range out {
		if nt.Rank() == 3 {
			if _, ok := nt.Data.([]float32); ok {
				return unflatten3D(nt), true
			}
		}
	}
	return nil, false
}

func unflatten3D(nt graphs.NamedTensor) [][][]float32 {
	data := nt.Data.([]float32)
	b, s, h := int(nt.Shape[0]), int(nt.Shape[1]), int(nt.Shape[2])
	out := make([][][]float32, b)
	for i := 0; i < b; i++ {
		out[i] = make([][]float32, s)
		for j := 0; j < s; j++ {
			start := (i*s + j) * h
			out[i][j] = data[start : start+h]
		}
	}
	return out
}
