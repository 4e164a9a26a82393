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

package graphs

import "context"

// Graph is a pretrained computation graph. Implementations own their weights
// and execution engine; callers only see named tensors in and out.
//
// Call must be safe for concurrent use. Close releases engine resources;
// calling it more than once is allowed.
type Graph interface {
	// Call executes the graph on one batch of inputs.
	Call(ctx context.Context, inputs Batch) (Batch, error)

	// Inputs describes the required input slots. Dims may contain
	// DynamicDim for batch and sequence dimensions.
	Inputs() []TensorSpec

	// Outputs describes the produced output slots.
	Outputs() []TensorSpec

	Close() error
}

// Callable is a graph executable specialized to fixed input shapes.
type Callable func(ctx context.Context, inputs Batch) (Batch, error)

// CompilingGraph is implemented by graphs that can specialize themselves
// ahead of time for fully concrete input specs. Serving wrappers use it to
// avoid recompilation on the hot path; graphs that do not implement it are
// executed through Call directly.
type CompilingGraph interface {
	Graph

	// Compile returns an executable specialized to the given concrete
	// input specs. The specs must not contain DynamicDim.
	Compile(ctx context.Context, specs []TensorSpec) (Callable, error)
}

// GraphFunc adapts a plain function plus spec metadata into a Graph.
// Used by tests and by drivers that compose sub-computations.
type GraphFunc struct {
	Fn      Callable
	In, Out []TensorSpec
}

func (g *GraphFunc) Call(ctx context.Context, inputs Batch) (Batch, error) {
	return g.Fn(ctx, inputs)
}

func (g *GraphFunc) Inputs() []TensorSpec  { return g.In }
func (g *GraphFunc) Outputs() []TensorSpec { return g.Out }
func (g *GraphFunc) Close() error          { return nil }
