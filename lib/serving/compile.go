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
	"sync"
	"sync/atomic"

	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/loom/lib/graphs"
)

// CompileOptions pins the executable to one batch size and one sequence
// length ahead of time. Smaller batches are padded up and the extra rows
// trimmed from the output; longer sequences are rejected, never coerced.
type CompileOptions struct {
	BatchSize      int
	SequenceLength int
}

func (o CompileOptions) validate() error {
	if o.BatchSize <= 0 {
		return &graphs.ConfigError{Option: "compile.batch_size", Value: fmt.Sprintf("%d", o.BatchSize)}
	}
	if o.SequenceLength <= 0 {
		return &graphs.ConfigError{Option: "compile.sequence_length", Value: fmt.Sprintf("%d", o.SequenceLength)}
	}
	return nil
}

// executor runs a graph either through a single ahead-of-time compiled
// executable (fixed mode) or through a lazy cache of shape-specialized
// executables keyed by the padded input shapes.
//
// In lazy mode, compilation on a cache miss is single-flighted per shape
// key: concurrent callers hitting the same missing shape share one
// compilation; callers for other shapes proceed independently.
type executor struct {
	graph    graphs.Graph
	compiler graphs.CompilingGraph // nil when the graph cannot precompile

	fixed     graphs.Callable
	fixedOpts *CompileOptions

	mu    sync.RWMutex
	cache map[string]graphs.Callable
	sf    singleflight.Group

	batchBucket bucketing.Strategy
	seqBucket   bucketing.Strategy

	hits   atomic.Uint64
	misses atomic.Uint64

	logger *zap.Logger
}

func newExecutor(g graphs.Graph, logger *zap.Logger, batchBucket, seqBucket bucketing.Strategy) *executor {
	e := &executor{
		graph:       g,
		cache:       make(map[string]graphs.Callable),
		batchBucket: batchBucket,
		seqBucket:   seqBucket,
		logger:      logger,
	}
	if cg, ok := g.(graphs.CompilingGraph); ok {
		e.compiler = cg
	}
	if e.batchBucket == nil {
		e.batchBucket = bucketing.None()
	}
	if e.seqBucket == nil {
		e.seqBucket = bucketing.None()
	}
	return e
}

// precompile compiles the fixed executable for opts. Graphs that cannot
// precompile fall back to plain Call with the same pad/trim discipline.
func (e *executor) precompile(ctx context.Context, opts CompileOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	e.fixedOpts = &opts
	if e.compiler == nil {
		return nil
	}
	specs := e.concreteSpecs(opts.BatchSize, opts.SequenceLength)
	callable, err := e.compiler.Compile(ctx, specs)
	if err != nil {
		return fmt.Errorf("precompiling for batch=%d seq=%d: %w", opts.BatchSize, opts.SequenceLength, err)
	}
	e.fixed = callable
	e.logger.Info("precompiled executable",
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("sequence_length", opts.SequenceLength))
	return nil
}

// concreteSpecs fixes the graph's dynamic dims to batch and seq. The first
// dynamic dim of each input is treated as batch, the second as sequence.
func (e *executor) concreteSpecs(batch, seq int) []graphs.TensorSpec {
	in := e.graph.Inputs()
	specs := make([]graphs.TensorSpec, len(in))
	for i, s := range in {
		dims := make([]int64, len(s.Dims))
		copy(dims, s.Dims)
		dynamic := 0
		for j, d := range dims {
			if d != graphs.DynamicDim {
				continue
			}
			switch dynamic {
			case 0:
				dims[j] = int64(batch)
			case 1:
				dims[j] = int64(seq)
			}
			dynamic++
		}
		specs[i] = graphs.TensorSpec{Name: s.Name, Dims: dims, DType: s.DType}
	}
	return specs
}

// execute runs one batch, padding and trimming as required by the mode.
func (e *executor) execute(ctx context.Context, batch graphs.Batch) (graphs.Batch, error) {
	k := batch.Size()
	if k == 0 {
		return nil, &graphs.ValidationError{Field: "batch", Reason: "empty batch"}
	}

	if e.fixedOpts != nil {
		return e.executeFixed(ctx, batch, k)
	}
	return e.executeLazy(ctx, batch, k)
}

func (e *executor) executeFixed(ctx context.Context, batch graphs.Batch, k int) (graphs.Batch, error) {
	opts := *e.fixedOpts
	if k > opts.BatchSize {
		return nil, &graphs.ConfigError{
			Option: "batch_size",
			Value:  fmt.Sprintf("%d exceeds compiled batch size %d", k, opts.BatchSize),
		}
	}
	if seq := sequenceLength(batch); seq > opts.SequenceLength {
		return nil, &graphs.ConfigError{
			Option: "sequence_length",
			Value:  fmt.Sprintf("%d exceeds compiled sequence length %d", seq, opts.SequenceLength),
		}
	}

	padded, err := PadBatch(batch, opts.BatchSize)
	if err != nil {
		return nil, err
	}
	var out graphs.Batch
	if e.fixed != nil {
		out, err = e.fixed(ctx, padded)
	} else {
		out, err = e.graph.Call(ctx, padded)
	}
	if err != nil {
		return nil, err
	}
	return TrimRows(out, k)
}

func (e *executor) executeLazy(ctx context.Context, batch graphs.Batch, k int) (graphs.Batch, error) {
	target := e.batchBucket.Bucket(k)
	padded, err := PadBatch(batch, target)
	if err != nil {
		return nil, err
	}

	if e.compiler == nil {
		out, err := e.graph.Call(ctx, padded)
		if err != nil {
			return nil, err
		}
		return TrimRows(out, k)
	}

	callable, err := e.callableFor(ctx, padded)
	if err != nil {
		return nil, err
	}
	out, err := callable(ctx, padded)
	if err != nil {
		return nil, err
	}
	return TrimRows(out, k)
}

// callableFor returns the executable specialized to the batch's shapes,
// compiling it at most once per shape key.
func (e *executor) callableFor(ctx context.Context, batch graphs.Batch) (graphs.Callable, error) {
	specs := batch.Specs()
	key := graphs.ShapeKey(specs)

	e.mu.RLock()
	callable, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		e.hits.Add(1)
		return callable, nil
	}
	e.misses.Add(1)

	v, err, _ := e.sf.Do(key, func() (any, error) {
		e.mu.RLock()
		cached, ok := e.cache[key]
		e.mu.RUnlock()
		if ok {
			return cached, nil
		}

		e.logger.Debug("compiling for new shape", zap.String("key", key))
		compiled, err := e.compiler.Compile(ctx, specs)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = compiled
		e.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, fmt.Errorf("compiling shape %s: %w", key, err)
	}
	return v.(graphs.Callable), nil
}

// CacheStats reports compile-cache behavior since construction.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

func (e *executor) stats() CacheStats {
	e.mu.RLock()
	entries := len(e.cache)
	e.mu.RUnlock()
	return CacheStats{
		Hits:    e.hits.Load(),
		Misses:  e.misses.Load(),
		Entries: entries,
	}
}

// sequenceLength returns the largest second dim across rank>=2 slots.
func sequenceLength(batch graphs.Batch) int {
	max := 0
	for _, t := range batch {
		if t.Rank() >= 2 && int(t.Shape[1]) > max {
			max = int(t.Shape[1])
		}
	}
	return max
}
