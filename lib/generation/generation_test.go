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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/loom/lib/graphs"
)

const (
	testStart int32 = 0
	testEOS   int32 = 1
	testPad   int32 = 2
)

// scriptedStep returns a StepFunc that always makes token want the argmax
// for every sequence, with vocabSize logits per row.
func scriptedStep(vocabSize int, want func(step, seq int) int32) StepFunc {
	step := 0
	return func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error) {
		logits := make([][]float32, len(frontier))
		for i := range frontier {
			row := make([]float32, vocabSize)
			row[want(step, i)] = 10
			logits[i] = row
		}
		step++
		return logits, nil
	}
}

func TestNewCache_Validation(t *testing.T) {
	layout := Layout{NumLayers: 2, NumHeads: 4, HeadDim: 8}

	_, err := NewCache(0, 16, layout)
	require.Error(t, err)
	assert.True(t, graphs.IsValidation(err))

	_, err = NewCache(2, 16, Layout{})
	require.Error(t, err)

	c, err := NewCache(2, 16, layout)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Offset())
	assert.Equal(t, 16, c.MaxLength())
	assert.Nil(t, c.CrossLayer(0))
}

func TestCache_AllocatesZeroFilled(t *testing.T) {
	c, err := NewCache(2, 4, Layout{NumLayers: 1, NumHeads: 2, HeadDim: 3, CrossLength: 5})
	require.NoError(t, err)

	keys := c.Layer(0).Keys
	assert.Equal(t, []int64{2, 2, 4, 3}, keys.Shape)
	for _, v := range keys.Data.([]float32) {
		assert.Zero(t, v)
	}

	cross := c.CrossLayer(0)
	require.NotNil(t, cross)
	assert.Equal(t, []int64{2, 2, 5, 3}, cross.Keys.Shape)
}

func TestCache_AdvancePanicsPastMaxLength(t *testing.T) {
	c, err := NewCache(1, 4, Layout{NumLayers: 1, NumHeads: 1, HeadDim: 1})
	require.NoError(t, err)

	c.Advance(3)
	c.Advance(1)
	assert.Equal(t, 4, c.Offset())
	assert.Panics(t, func() { c.Advance(1) })
}

func TestCache_WriteSelf(t *testing.T) {
	c, err := NewCache(1, 4, Layout{NumLayers: 1, NumHeads: 1, HeadDim: 2})
	require.NoError(t, err)

	require.NoError(t, c.WriteSelf(0, [][2][]float32{{{1, 2}, {3, 4}}}))
	require.NoError(t, c.WriteSelf(1, [][2][]float32{{{5, 6}, {7, 8}}}))

	keys := c.Layer(0).Keys.Data.([]float32)
	values := c.Layer(0).Values.Data.([]float32)
	assert.Equal(t, []float32{1, 2, 5, 6, 0, 0, 0, 0}, keys)
	assert.Equal(t, []float32{3, 4, 7, 8, 0, 0, 0, 0}, values)

	err = c.WriteSelf(7, [][2][]float32{{{1, 2}, {3, 4}}})
	require.Error(t, err)
	assert.True(t, graphs.IsValidation(err))
}

func TestCache_Traverse(t *testing.T) {
	c, err := NewCache(1, 2, Layout{NumLayers: 2, NumHeads: 1, HeadDim: 1, CrossLength: 3})
	require.NoError(t, err)

	var visited []string
	err = c.Traverse(func(nt graphs.NamedTensor) (graphs.NamedTensor, error) {
		visited = append(visited, nt.Name)
		return nt, nil
	})
	require.NoError(t, err)
	// All self tensors, then all cross tensors, layer by layer.
	assert.Equal(t, []string{
		"cache.0.self.keys", "cache.0.self.values",
		"cache.1.self.keys", "cache.1.self.values",
		"cache.0.cross.keys", "cache.0.cross.values",
		"cache.1.cross.keys", "cache.1.cross.values",
	}, visited)

	// Shape changes are rejected.
	err = c.Traverse(func(nt graphs.NamedTensor) (graphs.NamedTensor, error) {
		nt.Shape = []int64{1}
		return nt, nil
	})
	require.Error(t, err)
	assert.True(t, graphs.IsValidation(err))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("greedy")
	require.NoError(t, err)
	assert.Equal(t, StrategyGreedy, s.Kind)

	s, err = ParseStrategy("sampling")
	require.NoError(t, err)
	assert.Equal(t, StrategySampling, s.Kind)

	_, err = ParseStrategy("beam")
	require.Error(t, err)
	assert.True(t, graphs.IsConfig(err))
	assert.Contains(t, err.Error(), "greedy")
	assert.Contains(t, err.Error(), "sampling")
}

func TestSampler_GreedyPicksArgmax(t *testing.T) {
	sp := newSampler(Greedy())
	token, prob := sp.next([]float32{0.1, 3.0, 0.2}, nil, nil)
	assert.Equal(t, int32(1), token)
	assert.Greater(t, prob, float32(0.5))
}

func TestSampler_SuppressedTokenNeverSelected(t *testing.T) {
	sp := newSampler(Greedy())
	token, _ := sp.next([]float32{0.1, 9.0, 0.2}, nil, []int32{1})
	assert.Equal(t, int32(2), token)
}

func TestSampler_DeterministicUnderSeed(t *testing.T) {
	strategy := Strategy{Kind: StrategySampling, Temperature: 1.0, TopK: 3, Seed: 42}
	logits := []float32{1, 2, 3, 4, 0.5}

	a := newSampler(strategy)
	b := newSampler(strategy)
	for i := 0; i < 10; i++ {
		ta, _ := a.next(logits, nil, nil)
		tb, _ := b.next(logits, nil, nil)
		assert.Equal(t, ta, tb)
	}
}

func TestSampler_TopKExcludesTail(t *testing.T) {
	strategy := Strategy{Kind: StrategySampling, Temperature: 1.0, TopK: 2, Seed: 7}
	// Tokens 1 and 3 dominate; everything else is filtered by top-k.
	logits := []float32{0, 8, 0, 9, 0}

	sp := newSampler(strategy)
	for i := 0; i < 50; i++ {
		token, _ := sp.next(logits, nil, nil)
		assert.Contains(t, []int32{1, 3}, token)
	}
}

func TestGenerator_ConfigValidation(t *testing.T) {
	_, err := NewGenerator(Config{MaxLength: 0})
	require.Error(t, err)
	assert.True(t, graphs.IsConfig(err))

	_, err = NewGenerator(Config{MaxLength: 4, MinLength: 4})
	require.Error(t, err)

	_, err = NewGenerator(Config{MaxLength: 4, Strategy: Strategy{Kind: "beam"}})
	require.Error(t, err)
	assert.True(t, graphs.IsConfig(err))
}

func TestGenerator_StopsOnEOS(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         16,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	// Emit 5, 6, then EOS.
	script := []int32{5, 6, testEOS}
	step := scriptedStep(8, func(step, seq int) int32 { return script[step] })

	result, err := g.Generate(context.Background(), [][]int32{{}}, step, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{testStart, 5, 6, testEOS}}, result.Sequences)
	assert.Equal(t, [][]int32{{5, 6}}, result.Generated)
	assert.Equal(t, []bool{true}, result.FinishedByEOS)
	assert.Equal(t, 3, result.Steps)
}

func TestGenerator_SequenceIncludesStartAndEOS(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         5,
		DecoderStartToken: 0,
		EOSToken:          9,
		PadToken:          testPad,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	// The model emits 7, then end-of-sequence.
	script := []int32{7, 9}
	step := scriptedStep(10, func(step, seq int) int32 { return script[step] })

	result, err := g.Generate(context.Background(), [][]int32{{}}, step, nil)
	require.NoError(t, err)
	// The returned sequence is not padded out to the length bound.
	assert.Equal(t, [][]int32{{0, 7, 9}}, result.Sequences)
	assert.Len(t, result.Sequences[0], 3)
	assert.Equal(t, [][]int32{{7}}, result.Generated)
}

func TestGenerator_StopsAtMaxLength(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         4, // start token + 3 generated
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	step := scriptedStep(8, func(step, seq int) int32 { return 5 })

	result, err := g.Generate(context.Background(), [][]int32{{}}, step, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{testStart, 5, 5, 5}}, result.Sequences)
	assert.Equal(t, [][]int32{{5, 5, 5}}, result.Generated)
	assert.Equal(t, []bool{false}, result.FinishedByEOS)
}

func TestGenerator_PromptAtMaxLengthTerminatesImmediately(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         3,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	called := false
	step := func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error) {
		called = true
		return nil, nil
	}

	result, err := g.Generate(context.Background(), [][]int32{{7, 8}}, step, nil)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, []int32{testStart, 7, 8}, result.Sequences[0])
	assert.Empty(t, result.Generated[0])
	assert.Equal(t, 0, result.Steps)
}

func TestGenerator_FinishedSequencesFrozen(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         16,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	var frontiers [][]int32
	// Sequence 0 hits EOS on step 1; sequence 1 keeps going until step 3.
	step := func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error) {
		snapshot := make([]int32, len(frontier))
		copy(snapshot, frontier)
		frontiers = append(frontiers, snapshot)

		logits := make([][]float32, len(frontier))
		for i := range logits {
			row := make([]float32, 8)
			switch {
			case i == 0 && len(frontiers) >= 2:
				row[testEOS] = 10
			case i == 1 && len(frontiers) >= 4:
				row[testEOS] = 10
			default:
				row[4+i] = 10
			}
			logits[i] = row
		}
		return logits, nil
	}

	result, err := g.Generate(context.Background(), [][]int32{{}, {}}, step, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{testStart, 4, testEOS}, {testStart, 5, 5, 5, testEOS}}, result.Sequences)
	assert.Equal(t, [][]int32{{4}, {5, 5, 5}}, result.Generated)
	assert.Equal(t, []bool{true, true}, result.FinishedByEOS)

	// After sequence 0 finished, its frontier slot is fed the pad token.
	for _, f := range frontiers[2:] {
		assert.Equal(t, testPad, f[0])
	}
}

func TestGenerator_MinLengthSuppressesEOS(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         16,
		MinLength:         2,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	// The model always prefers EOS, with token 5 as runner-up.
	step := func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error) {
		logits := make([][]float32, len(frontier))
		for i := range logits {
			row := make([]float32, 8)
			row[testEOS] = 10
			row[5] = 5
			logits[i] = row
		}
		return logits, nil
	}

	result, err := g.Generate(context.Background(), [][]int32{{}}, step, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{testStart, 5, 5, testEOS}}, result.Sequences)
	assert.Equal(t, [][]int32{{5, 5}}, result.Generated)
	assert.Equal(t, []bool{true}, result.FinishedByEOS)
}

func TestGenerator_ReturnScores(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         4,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
		ReturnScores:      true,
	})
	require.NoError(t, err)

	step := scriptedStep(8, func(step, seq int) int32 { return 5 })
	result, err := g.Generate(context.Background(), [][]int32{{}}, step, nil)
	require.NoError(t, err)
	require.Len(t, result.Scores, 1)
	require.Len(t, result.Scores[0], 3)
	for _, p := range result.Scores[0] {
		assert.Greater(t, p, float32(0))
		assert.LessOrEqual(t, p, float32(1))
	}
}

func TestGenerator_Streaming(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         16,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	script := []int32{5, 6, 7, testEOS}
	step := scriptedStep(8, func(step, seq int) int32 { return script[step] })

	var streamed []int32
	result, err := g.GenerateStreaming(context.Background(), [][]int32{{}}, step, nil,
		func(seq int, token int32) error {
			assert.Equal(t, 0, seq)
			streamed = append(streamed, token)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, 7}, streamed)
	assert.Equal(t, result.Generated[0], streamed)
}

func TestGenerator_ContextCancellation(t *testing.T) {
	g, err := NewGenerator(Config{
		MaxLength:         1000,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	step := func(ctx context.Context, frontier []int32, cache *Cache) ([][]float32, error) {
		steps++
		if steps == 3 {
			cancel()
		}
		row := make([]float32, 8)
		row[5] = 10
		return [][]float32{row}, nil
	}

	_, err = g.Generate(ctx, [][]int32{{}}, step, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, steps)
}

func TestGenerator_CacheAdvancedPerStep(t *testing.T) {
	cache, err := NewCache(1, 8, Layout{NumLayers: 1, NumHeads: 1, HeadDim: 2})
	require.NoError(t, err)

	g, err := NewGenerator(Config{
		MaxLength:         4,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	var offsets []int
	step := func(ctx context.Context, frontier []int32, c *Cache) ([][]float32, error) {
		offsets = append(offsets, c.Offset())
		row := make([]float32, 8)
		row[5] = 10
		return [][]float32{row}, nil
	}

	result, err := g.Generate(context.Background(), [][]int32{{}}, step, cache)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, offsets)
	assert.Equal(t, result.Steps, cache.Offset())
}

func TestGenerator_CacheBatchMismatch(t *testing.T) {
	cache, err := NewCache(4, 8, Layout{NumLayers: 1, NumHeads: 1, HeadDim: 2})
	require.NoError(t, err)

	g, err := NewGenerator(Config{
		MaxLength:         4,
		EOSToken:          testEOS,
		PadToken:          testPad,
		DecoderStartToken: testStart,
		Strategy:          Greedy(),
	})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), [][]int32{{}}, scriptedStep(8, func(int, int) int32 { return 5 }), cache)
	require.Error(t, err)
	assert.True(t, graphs.IsValidation(err))
}
