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

package diffusion

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/loom/lib/graphs"
)

// promptEncoder runs the text encoder over tokenized prompts, caching the
// per-prompt conditioning rows with a TTL. Distinct prompts missing from
// the cache are encoded together in one batched encoder pass; concurrent
// requests for the same miss set share one pass.
type promptEncoder struct {
	graph     graphs.Graph
	tokenizer tokenizers.Tokenizer
	maxLength int

	cache   *ttlcache.Cache[string, []float32]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newPromptEncoder(graph graphs.Graph, tokenizer tokenizers.Tokenizer, maxLength int, ttl time.Duration, logger *zap.Logger) *promptEncoder {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []float32](ttl),
		ttlcache.WithDisableTouchOnHit[string, []float32](),
	)
	go cache.Start()

	return &promptEncoder{
		graph:     graph,
		tokenizer: tokenizer,
		maxLength: maxLength,
		cache:     cache,
		sfGroup:   &singleflight.Group{},
		logger:    logger.Named("prompt_cache"),
	}
}

func promptKey(prompt string, maxLength int) string {
	h := xxhash.New()
	_, _ = h.WriteString(prompt)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(strconv.Itoa(maxLength))
	return strconv.FormatUint(h.Sum64(), 16)
}

// encode returns one conditioning row per prompt, in prompt order. Each row
// is the flattened [maxLength, hidden] encoder output for that prompt.
func (p *promptEncoder) encode(ctx context.Context, prompts []string) ([][]float32, error) {
	out := make([][]float32, len(prompts))
	var missing []string
	var missingIdx []int

	for i, prompt := range prompts {
		key := promptKey(prompt, p.maxLength)
		if item := p.cache.Get(key); item != nil {
			p.hits.Add(1)
			out[i] = item.Value()
			continue
		}
		p.misses.Add(1)
		missing = append(missing, prompt)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	// One flight per distinct miss set.
	flightKey := promptKey(fmt.Sprint(missing), p.maxLength)
	v, err, _ := p.sfGroup.Do(flightKey, func() (any, error) {
		return p.encodeBatch(ctx, missing)
	})
	if err != nil {
		return nil, err
	}
	rows := v.([][]float32)
	if len(rows) != len(missing) {
		return nil, &graphs.ExecutionError{
			Op:  "prompt encode",
			Err: fmt.Errorf("encoder returned %d rows for %d prompts", len(rows), len(missing)),
		}
	}

	for j, prompt := range missing {
		p.cache.Set(promptKey(prompt, p.maxLength), rows[j], ttlcache.DefaultTTL)
		out[missingIdx[j]] = rows[j]
	}
	return out, nil
}

// encodeBatch tokenizes and encodes prompts in one graph call.
func (p *promptEncoder) encodeBatch(ctx context.Context, prompts []string) ([][]float32, error) {
	n := len(prompts)
	inputIDs := make([]int64, n*p.maxLength)
	for i, prompt := range prompts {
		ids := p.tokenizer.Encode(prompt)
		if len(ids) > p.maxLength {
			ids = ids[:p.maxLength]
		}
		for j, id := range ids {
			inputIDs[i*p.maxLength+j] = int64(id)
		}
	}

	batch := graphs.Batch{
		"input_ids": {
			Name:  "input_ids",
			Shape: []int64{int64(n), int64(p.maxLength)},
			Data:  inputIDs,
		},
	}
	out, err := p.graph.Call(ctx, batch)
	if err != nil {
		return nil, &graphs.ExecutionError{Op: "prompt encode", Err: err}
	}

	hidden, ok := out["last_hidden_state"]
	if !ok {
		for _, nt := range out {
			if nt.Rank() == 3 {
				hidden = nt
				ok = true
				break
			}
		}
	}
	if !ok {
		return nil, &graphs.ExecutionError{
			Op:  "prompt encode",
			Err: fmt.Errorf("text encoder produced no 3D hidden state"),
		}
	}

	data := hidden.Data.([]float32)
	rowSize := len(data) / n
	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := make([]float32, rowSize)
		copy(row, data[i*rowSize:(i+1)*rowSize])
		rows[i] = row
	}

	p.logger.Debug("encoded prompts", zap.Int("count", n))
	return rows, nil
}

func (p *promptEncoder) stop() {
	p.cache.Stop()
}
