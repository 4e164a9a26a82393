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

package seq2seq

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/generation"
	"github.com/antflydb/loom/lib/graphs"
	"github.com/antflydb/loom/lib/serving"
)

// Model wires an encoder graph and a single-step decoder graph into the
// generation driver. It implements serving.DecoderModel.
//
// The decoder graph's contract per step:
//
//	inputs:  input_ids [n, 1], encoder_hidden_states, encoder_attention_mask,
//	         past_key_values.{l}.decoder.{key,value} (the full cache arenas),
//	         past_key_values.{l}.encoder.{key,value}, cache_offset [1]
//	outputs: logits [n, vocab] (or [n, 1, vocab]),
//	         present.{l}.decoder.{key,value} [n, heads, 1, dim],
//	         present.{l}.encoder.{key,value} [n, heads, srcLen, dim]
//	         (encoder KV only on the first step)
type Model struct {
	encoder graphs.Graph
	decoder graphs.Graph
	cfg     ModelConfig
	logger  *zap.Logger
	engine  string
}

var _ serving.DecoderModel = (*Model)(nil)

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithModelLogger sets the logger.
func WithModelLogger(logger *zap.Logger) ModelOption {
	return func(m *Model) { m.logger = logger }
}

// WithModelEngine selects the GoMLX engine used by Open, "go" or "xla".
func WithModelEngine(engine string) ModelOption {
	return func(m *Model) { m.engine = engine }
}

// NewModel builds a model from already-open graphs.
func NewModel(encoder, decoder graphs.Graph, cfg ModelConfig, opts ...ModelOption) *Model {
	m := &Model{encoder: encoder, decoder: decoder, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open loads a model directory: config.json plus encoder_model.onnx and
// decoder_model.onnx executed through GoMLX.
func Open(dir string, opts ...ModelOption) (*Model, error) {
	cfg, err := LoadModelConfig(dir)
	if err != nil {
		return nil, err
	}

	probe := &Model{}
	for _, opt := range opts {
		opt(probe)
	}
	var graphOpts []graphs.ONNXOption
	if probe.engine != "" {
		graphOpts = append(graphOpts, graphs.WithEngine(probe.engine))
	}

	encoder, err := graphs.OpenONNX(filepath.Join(dir, "encoder_model.onnx"), graphOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening encoder: %w", err)
	}
	decoder, err := graphs.OpenONNX(filepath.Join(dir, "decoder_model.onnx"), graphOpts...)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("opening decoder: %w", err)
	}
	return NewModel(encoder, decoder, cfg, opts...), nil
}

// Config returns the parsed model geometry.
func (m *Model) Config() ModelConfig { return m.cfg }

// GenerationConfig derives a generation.Config from the model's tokens.
func (m *Model) GenerationConfig(strategy generation.Strategy) generation.Config {
	return generation.Config{
		MaxLength:         m.cfg.MaxLength,
		DecoderStartToken: m.cfg.DecoderStartTokenID,
		EOSToken:          m.cfg.EOSTokenID,
		PadToken:          m.cfg.PadTokenID,
		Strategy:          strategy,
	}
}

// Prepare runs the encoder over the tokenized prompts and returns the
// decoder step function plus a cache sized for the batch. The decoder-side
// prompts are empty: encoder-decoder generation starts from the decoder
// start token alone.
func (m *Model) Prepare(ctx context.Context, inputIDs [][]int32) (generation.StepFunc, *generation.Cache, [][]int32, error) {
	n := len(inputIDs)
	if n == 0 {
		return nil, nil, nil, &graphs.ValidationError{Field: "inputs", Reason: "must not be empty"}
	}

	srcLen := 0
	for _, ids := range inputIDs {
		if len(ids) > srcLen {
			srcLen = len(ids)
		}
	}
	if srcLen == 0 {
		return nil, nil, nil, &graphs.ValidationError{Field: "inputs", Reason: "all prompts empty"}
	}

	encBatch, encMask := m.encoderBatch(inputIDs, srcLen)
	encOut, err := m.encoder.Call(ctx, encBatch)
	if err != nil {
		return nil, nil, nil, &graphs.ExecutionError{Op: "encoder", Err: err}
	}
	hidden, ok := encOut["last_hidden_state"]
	if !ok {
		return nil, nil, nil, &graphs.ExecutionError{
			Op:  "encoder",
			Err: fmt.Errorf("no last_hidden_state output"),
		}
	}

	cache, err := generation.NewCache(n, m.cfg.MaxLength, generation.Layout{
		NumLayers:   m.cfg.NumLayers,
		NumHeads:    m.cfg.NumHeads,
		HeadDim:     m.cfg.HeadDim,
		CrossLength: srcLen,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	step := m.stepFunc(hidden, encMask, srcLen)
	prompts := make([][]int32, n)
	for i := range prompts {
		prompts[i] = []int32{}
	}
	return step, cache, prompts, nil
}

func (m *Model) encoderBatch(inputIDs [][]int32, srcLen int) (graphs.Batch, graphs.NamedTensor) {
	n := len(inputIDs)
	ids := make([]int64, n*srcLen)
	mask := make([]int64, n*srcLen)
	for i, row := range inputIDs {
		for j, id := range row {
			ids[i*srcLen+j] = int64(id)
			mask[i*srcLen+j] = 1
		}
		for j := len(row); j < srcLen; j++ {
			ids[i*srcLen+j] = int64(m.cfg.PadTokenID)
		}
	}
	shape := []int64{int64(n), int64(srcLen)}
	maskTensor := graphs.NamedTensor{Name: "encoder_attention_mask", Shape: shape, Data: mask}
	return graphs.Batch{
		"input_ids":      {Name: "input_ids", Shape: shape, Data: ids},
		"attention_mask": {Name: "attention_mask", Shape: shape, Data: mask},
	}, maskTensor
}

// stepFunc builds the per-token decoder step. Self-attention KV from each
// step lands in the cache at the current offset; cross-attention KV is
// written once into the fixed region on the first step.
func (m *Model) stepFunc(hidden, encMask graphs.NamedTensor, srcLen int) generation.StepFunc {
	firstStep := true
	return func(ctx context.Context, frontier []int32, cache *generation.Cache) ([][]float32, error) {
		n := len(frontier)
		ids := make([]int64, n)
		for i, token := range frontier {
			ids[i] = int64(token)
		}

		inputs := graphs.Batch{
			"input_ids": {
				Name:  "input_ids",
				Shape: []int64{int64(n), 1},
				Data:  ids,
			},
			"encoder_hidden_states":  hidden,
			"encoder_attention_mask": encMask,
			"cache_offset": {
				Name:  "cache_offset",
				Shape: []int64{1},
				Data:  []int64{int64(cache.Offset())},
			},
		}
		for l := 0; l < m.cfg.NumLayers; l++ {
			layer := cache.Layer(l)
			inputs[fmt.Sprintf("past_key_values.%d.decoder.key", l)] = named(layer.Keys, fmt.Sprintf("past_key_values.%d.decoder.key", l))
			inputs[fmt.Sprintf("past_key_values.%d.decoder.value", l)] = named(layer.Values, fmt.Sprintf("past_key_values.%d.decoder.value", l))
			cross := cache.CrossLayer(l)
			inputs[fmt.Sprintf("past_key_values.%d.encoder.key", l)] = named(cross.Keys, fmt.Sprintf("past_key_values.%d.encoder.key", l))
			inputs[fmt.Sprintf("past_key_values.%d.encoder.value", l)] = named(cross.Values, fmt.Sprintf("past_key_values.%d.encoder.value", l))
		}

		out, err := m.decoder.Call(ctx, inputs)
		if err != nil {
			return nil, err
		}

		if err := m.absorbPresent(out, cache, n, firstStep); err != nil {
			return nil, err
		}
		firstStep = false

		return m.extractLogits(out, n)
	}
}

func named(t graphs.NamedTensor, name string) graphs.NamedTensor {
	t.Name = name
	return t
}

// absorbPresent writes the decoder's fresh KV back into the cache.
func (m *Model) absorbPresent(out graphs.Batch, cache *generation.Cache, n int, firstStep bool) error {
	kv := make([][2][]float32, m.cfg.NumLayers)
	have := false
	for l := 0; l < m.cfg.NumLayers; l++ {
		key, okK := out[fmt.Sprintf("present.%d.decoder.key", l)]
		value, okV := out[fmt.Sprintf("present.%d.decoder.value", l)]
		if !okK || !okV {
			continue
		}
		kv[l] = [2][]float32{key.Data.([]float32), value.Data.([]float32)}
		have = true
	}
	if have {
		if err := cache.WriteSelf(cache.Offset(), kv); err != nil {
			return err
		}
	}

	if !firstStep {
		return nil
	}
	for l := 0; l < m.cfg.NumLayers; l++ {
		key, okK := out[fmt.Sprintf("present.%d.encoder.key", l)]
		value, okV := out[fmt.Sprintf("present.%d.encoder.value", l)]
		if !okK || !okV {
			continue
		}
		cross := cache.CrossLayer(l)
		copy(cross.Keys.Data.([]float32), key.Data.([]float32))
		copy(cross.Values.Data.([]float32), value.Data.([]float32))
	}
	return nil
}

// extractLogits pulls one logits row per sequence from a [n, vocab] or
// [n, 1, vocab] output.
func (m *Model) extractLogits(out graphs.Batch, n int) ([][]float32, error) {
	nt, ok := out["logits"]
	if !ok {
		return nil, &graphs.ExecutionError{Op: "decoder", Err: fmt.Errorf("no logits output")}
	}
	data, ok := nt.Data.([]float32)
	if !ok {
		return nil, &graphs.ExecutionError{Op: "decoder", Err: fmt.Errorf("logits are %T, want []float32", nt.Data)}
	}
	vocab := len(data) / n
	logits := make([][]float32, n)
	for i := 0; i < n; i++ {
		logits[i] = data[i*vocab : (i+1)*vocab]
	}
	return logits, nil
}

// Close releases both graphs.
func (m *Model) Close() error {
	errEnc := m.encoder.Close()
	errDec := m.decoder.Close()
	if errEnc != nil {
		return errEnc
	}
	return errDec
}
