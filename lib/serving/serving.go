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

	"github.com/gomlx/gomlx/pkg/core/tensors/bucketing"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/graphs"
)

// Serving wraps one computation graph into a batched execution stage. It
// validates every incoming batch against the graph's input specs, then runs
// it through the shape-specialized executor. Typed servings (TextServing,
// GenerationServing) layer pre- and postprocessing on top.
type Serving struct {
	name   string
	graph  graphs.Graph
	exec   *executor
	logger *zap.Logger
}

type servingOptions struct {
	name        string
	logger      *zap.Logger
	compile     *CompileOptions
	batchBucket bucketing.Strategy
	seqBucket   bucketing.Strategy
}

// Option configures a Serving.
type Option func(*servingOptions)

// WithName labels the serving in logs and metrics.
func WithName(name string) Option {
	return func(o *servingOptions) { o.name = name }
}

// WithLogger sets the logger. Default is a nop logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *servingOptions) { o.logger = logger }
}

// WithCompile precompiles the graph for a fixed batch size and sequence
// length. Incoming batches are padded to the compiled batch size; inputs
// longer than the compiled sequence length are rejected.
func WithCompile(batchSize, sequenceLength int) Option {
	return func(o *servingOptions) {
		o.compile = &CompileOptions{BatchSize: batchSize, SequenceLength: sequenceLength}
	}
}

// WithBatchBucketing rounds batch sizes up before lazy compilation so
// nearby sizes share one executable. Ignored in fixed-compile mode.
func WithBatchBucketing(strategy bucketing.Strategy) Option {
	return func(o *servingOptions) { o.batchBucket = strategy }
}

// WithSequenceBucketing rounds padded sequence lengths up during
// preprocessing. Ignored in fixed-compile mode.
func WithSequenceBucketing(strategy bucketing.Strategy) Option {
	return func(o *servingOptions) { o.seqBucket = strategy }
}

// New builds a serving around graph. With WithCompile the specialization
// happens here, eagerly; otherwise executables are compiled lazily per
// shape on first use.
func New(graph graphs.Graph, opts ...Option) (*Serving, error) {
	options := &servingOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(options)
	}

	s := &Serving{
		name:   options.name,
		graph:  graph,
		logger: options.logger.Named("serving"),
	}
	s.exec = newExecutor(graph, s.logger, options.batchBucket, options.seqBucket)

	if options.compile != nil {
		if err := s.exec.precompile(context.Background(), *options.compile); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the serving's label.
func (s *Serving) Name() string { return s.name }

// Graph returns the wrapped graph.
func (s *Serving) Graph() graphs.Graph { return s.graph }

// Run validates and executes one batch.
func (s *Serving) Run(ctx context.Context, batch graphs.Batch) (graphs.Batch, error) {
	if err := batch.Validate(s.graph.Inputs()); err != nil {
		return nil, err
	}
	return s.exec.execute(ctx, batch)
}

// Stats reports the executor's compile-cache counters.
func (s *Serving) Stats() CacheStats { return s.exec.stats() }

// SequenceBucket rounds a sequence length per the serving's bucketing
// strategy. Preprocessors use it when padding token sequences.
func (s *Serving) SequenceBucket(n int) int {
	if s.exec.fixedOpts != nil {
		return s.exec.fixedOpts.SequenceLength
	}
	return s.exec.seqBucket.Bucket(n)
}

// Compiled reports whether the serving runs in fixed-compile mode.
func (s *Serving) Compiled() bool { return s.exec.fixedOpts != nil }

// Close releases the wrapped graph.
func (s *Serving) Close() error { return s.graph.Close() }
