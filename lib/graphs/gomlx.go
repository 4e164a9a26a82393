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

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Pure Go engine, always available.
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// ONNXGraph executes an ONNX model through GoMLX. It implements both Graph
// and CompilingGraph: Call converts the ONNX graph on the fly, Compile
// specializes an executable for fixed input shapes.
type ONNXGraph struct {
	path   string
	model  *onnx.Model
	mlCtx  *mlctx.Context
	engine backends.Backend

	inputs      []TensorSpec
	outputs     []TensorSpec
	inputNames  []string
	outputNames []string

	mu sync.Mutex
}

var _ CompilingGraph = (*ONNXGraph)(nil)

type onnxOptions struct {
	engineType string
}

// ONNXOption configures OpenONNX.
type ONNXOption func(*onnxOptions)

// WithEngine selects the GoMLX engine ("go" or "xla"). Default "go".
func WithEngine(engineType string) ONNXOption {
	return func(o *onnxOptions) { o.engineType = engineType }
}

// OpenONNX loads an ONNX model file and prepares it for execution.
func OpenONNX(path string, opts ...ONNXOption) (*ONNXGraph, error) {
	options := &onnxOptions{engineType: "go"}
	for _, opt := range opts {
		opt(options)
	}

	engine, err := newEngine(options.engineType)
	if err != nil {
		return nil, fmt.Errorf("creating %q engine: %w", options.engineType, err)
	}

	model, err := onnx.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ONNX model %s: %w", path, err)
	}

	mc := mlctx.New()
	if err := model.VariablesToContext(mc); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	g := &ONNXGraph{
		path:   path,
		model:  model,
		mlCtx:  mc,
		engine: engine,
	}

	inputNames, inputShapes := model.Inputs()
	g.inputNames = inputNames
	g.inputs = make([]TensorSpec, len(inputNames))
	for i, name := range inputNames {
		g.inputs[i] = specFromGoMLX(name, inputShapes[i].Dimensions, inputShapes[i].DType)
	}

	outputNames, outputShapes := model.Outputs()
	g.outputNames = outputNames
	g.outputs = make([]TensorSpec, len(outputNames))
	for i, name := range outputNames {
		g.outputs[i] = specFromGoMLX(name, outputShapes[i].Dimensions, outputShapes[i].DType)
	}

	return g, nil
}

// newEngine creates a GoMLX engine, catching panics from engines that fail
// hard on missing native dependencies.
func newEngine(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("engine %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

func (g *ONNXGraph) Inputs() []TensorSpec  { return g.inputs }
func (g *ONNXGraph) Outputs() []TensorSpec { return g.outputs }

// Call executes the graph on one batch.
func (g *ONNXGraph) Call(ctx context.Context, inputs Batch) (Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.model == nil {
		return nil, &ExecutionError{Op: "onnx call", Err: fmt.Errorf("graph is closed")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args, err := g.orderedArgs(inputs)
	if err != nil {
		return nil, err
	}

	graphFn := func(mc *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		nodeMap := make(map[string]*graph.Node, len(g.inputNames))
		for i, name := range g.inputNames {
			nodeMap[name] = nodes[i]
		}
		return g.model.CallGraph(mc.Reuse(), nodes[0].Graph(), nodeMap)
	}

	results, err := mlctx.ExecOnceN(g.engine, g.mlCtx, graphFn, args...)
	if err != nil {
		return nil, &ExecutionError{Op: "onnx call", Err: err}
	}
	return g.resultBatch(results)
}

// Compile specializes an executable for the given concrete input specs. The
// returned Callable rejects batches whose shapes drift from the specs.
func (g *ONNXGraph) Compile(ctx context.Context, specs []TensorSpec) (Callable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, s := range specs {
		for _, d := range s.Dims {
			if d == DynamicDim {
				return nil, &ConfigError{Option: "compile spec", Value: s.String()}
			}
		}
	}

	graphFn := func(mc *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		nodeMap := make(map[string]*graph.Node, len(g.inputNames))
		for i, name := range g.inputNames {
			nodeMap[name] = nodes[i]
		}
		return g.model.CallGraph(mc.Reuse(), nodes[0].Graph(), nodeMap)
	}
	exec, err := mlctx.NewExecAny(g.engine, g.mlCtx, graphFn)
	if err != nil {
		return nil, &ExecutionError{Op: "onnx compile", Err: err}
	}

	byName := make(map[string]TensorSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}

	return func(ctx context.Context, inputs Batch) (Batch, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for name, spec := range byName {
			t, ok := inputs[name]
			if !ok {
				return nil, &ValidationError{Field: name, Reason: "required input missing"}
			}
			if !spec.Matches(t) {
				return nil, &ValidationError{
					Field:  name,
					Reason: fmt.Sprintf("shape %v does not match compiled %s", t.Shape, spec),
				}
			}
		}
		args, err := g.orderedArgs(inputs)
		if err != nil {
			return nil, err
		}
		results, err := exec.Exec(args...)
		if err != nil {
			return nil, &ExecutionError{Op: "onnx compiled call", Err: err}
		}
		return g.resultBatch(results)
	}, nil
}

func (g *ONNXGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.model = nil
	g.mlCtx = nil
	return nil
}

// orderedArgs converts batch slots into GoMLX tensors in model input order.
func (g *ONNXGraph) orderedArgs(inputs Batch) ([]any, error) {
	args := make([]any, len(g.inputNames))
	for i, name := range g.inputNames {
		t, ok := inputs[name]
		if !ok {
			return nil, &ValidationError{Field: name, Reason: "required input missing"}
		}
		gt, err := toGoMLXTensor(t)
		if err != nil {
			return nil, &ValidationError{Field: name, Reason: err.Error()}
		}
		args[i] = gt
	}
	return args, nil
}

func (g *ONNXGraph) resultBatch(results []*tensors.Tensor) (Batch, error) {
	out := make(Batch, len(results))
	for i, r := range results {
		name := fmt.Sprintf("output_%d", i)
		if i < len(g.outputNames) {
			name = g.outputNames[i]
		}
		nt, err := fromGoMLXTensor(r, name)
		if err != nil {
			return nil, &ExecutionError{Op: "onnx output conversion", Err: err}
		}
		out[name] = nt
	}
	return out, nil
}

// ===== Tensor conversion =====

func specFromGoMLX(name string, dims []int, dt dtypes.DType) TensorSpec {
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			out[i] = DynamicDim
		} else {
			out[i] = int64(d)
		}
	}
	return TensorSpec{Name: name, Dims: out, DType: fromGoMLXDType(dt)}
}

func fromGoMLXDType(dt dtypes.DType) DataType {
	switch dt {
	case dtypes.Float16, dtypes.BFloat16:
		return Float16
	case dtypes.Int64:
		return Int64
	case dtypes.Int32, dtypes.Int16, dtypes.Int8:
		return Int32
	case dtypes.Bool:
		return Bool
	default:
		return Float32
	}
}

func toGoMLXTensor(t NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int(d)
	}
	switch data := t.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		i64 := make([]int64, len(data))
		for i, v := range data {
			i64[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(i64, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", data)
	}
}

func fromGoMLXTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := make([]int64, shape.Rank())
	for i := range shape.Rank() {
		dims[i] = int64(shape.Dimensions[i])
	}

	var data any
	switch shape.DType {
	case dtypes.Int64:
		data = flattenValue[int64](t.Value())
	case dtypes.Int32:
		data = flattenValue[int32](t.Value())
	case dtypes.Bool:
		data = flattenValue[bool](t.Value())
	default:
		data = flattenValue[float32](t.Value())
	}
	if data == nil {
		return NamedTensor{}, fmt.Errorf("cannot flatten %s output of dtype %s", name, shape.DType)
	}
	return NamedTensor{Name: name, Shape: dims, Data: data}, nil
}

// flattenValue flattens arbitrarily nested slices (as returned by
// tensors.Tensor.Value) into a flat slice of T.
func flattenValue[T any](val any) []T {
	if flat, ok := val.([]T); ok {
		return flat
	}
	var out []T
	var walk func(v reflect.Value) bool
	walk = func(v reflect.Value) bool {
		if v.Kind() != reflect.Slice {
			return false
		}
		if flat, ok := v.Interface().([]T); ok {
			out = append(out, flat...)
			return true
		}
		for i := 0; i < v.Len(); i++ {
			if !walk(v.Index(i)) {
				return false
			}
		}
		return true
	}
	if !walk(reflect.ValueOf(val)) {
		return nil
	}
	return out
}
