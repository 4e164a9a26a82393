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

// Package graphs defines the collaborator surface between model computation
// graphs and the serving, generation, and diffusion drivers built on top of
// them. A Graph is an opaque producer: it consumes a Batch of named tensors
// and returns a Batch of named tensors. Everything architecture-specific
// (attention, FFN wiring, weights) stays behind that interface.
package graphs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ===== Data types =====

// DataType identifies the element type of a tensor.
type DataType string

const (
	Float32 DataType = "float32"
	Float16 DataType = "float16"
	Int64   DataType = "int64"
	Int32   DataType = "int32"
	Bool    DataType = "bool"
)

// ParseDataType returns the DataType for name, failing fast on unknown names.
func ParseDataType(name string) (DataType, error) {
	switch DataType(name) {
	case Float32, Float16, Int64, Int32, Bool:
		return DataType(name), nil
	default:
		return "", &ConfigError{
			Option: "dtype",
			Value:  name,
			Valid:  []string{string(Float32), string(Float16), string(Int64), string(Int32), string(Bool)},
		}
	}
}

// DataTypeOf reports the DataType of a tensor's backing slice.
func DataTypeOf(data any) (DataType, error) {
	switch data.(type) {
	case []float32:
		return Float32, nil
	case []uint16:
		return Float16, nil
	case []int64:
		return Int64, nil
	case []int32:
		return Int32, nil
	case []bool:
		return Bool, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", data)
	}
}

// ===== NamedTensor =====

// NamedTensor is a concrete tensor value: a flat backing slice plus a shape.
// Data must be one of []float32, []uint16 (float16 bits), []int64, []int32,
// or []bool, with len(Data) equal to the product of Shape.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any
}

// Rank returns the number of dimensions.
func (t NamedTensor) Rank() int { return len(t.Shape) }

// NumElements returns the product of the shape dims.
func (t NamedTensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// BatchSize returns the leading dimension, or 0 for a rank-0 tensor.
func (t NamedTensor) BatchSize() int64 {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// DataType returns the element type of the backing slice.
func (t NamedTensor) DataType() (DataType, error) {
	return DataTypeOf(t.Data)
}

// Validate checks that the backing slice length matches the shape.
func (t NamedTensor) Validate() error {
	dt, err := t.DataType()
	if err != nil {
		return &ValidationError{Field: t.Name, Reason: err.Error()}
	}
	var n int64
	switch d := t.Data.(type) {
	case []float32:
		n = int64(len(d))
	case []uint16:
		n = int64(len(d))
	case []int64:
		n = int64(len(d))
	case []int32:
		n = int64(len(d))
	case []bool:
		n = int64(len(d))
	}
	if want := t.NumElements(); n != want {
		return &ValidationError{
			Field:  t.Name,
			Reason: fmt.Sprintf("%s data has %d elements, shape %v requires %d", dt, n, t.Shape, want),
		}
	}
	return nil
}

// ===== TensorSpec =====

// DynamicDim marks a dimension as unconstrained in a TensorSpec.
const DynamicDim int64 = -1

// TensorSpec is a shape and type template for one graph input or output. It
// carries no data. A dim of DynamicDim matches any concrete size.
type TensorSpec struct {
	Name  string
	Dims  []int64
	DType DataType
}

// SpecOf derives the fully concrete spec of an existing tensor.
func SpecOf(t NamedTensor) TensorSpec {
	dt, _ := t.DataType()
	dims := make([]int64, len(t.Shape))
	copy(dims, t.Shape)
	return TensorSpec{Name: t.Name, Dims: dims, DType: dt}
}

// Matches reports whether t conforms to the template: same rank, same dtype,
// and every fixed dim equal. DynamicDim dims match anything.
func (s TensorSpec) Matches(t NamedTensor) bool {
	if len(t.Shape) != len(s.Dims) {
		return false
	}
	if dt, err := t.DataType(); err != nil || dt != s.DType {
		return false
	}
	for i, d := range s.Dims {
		if d != DynamicDim && t.Shape[i] != d {
			return false
		}
	}
	return true
}

// WithBatch returns a copy of the spec with the leading dim fixed to n.
func (s TensorSpec) WithBatch(n int64) TensorSpec {
	dims := make([]int64, len(s.Dims))
	copy(dims, s.Dims)
	if len(dims) > 0 {
		dims[0] = n
	}
	return TensorSpec{Name: s.Name, Dims: dims, DType: s.DType}
}

// Key returns a stable hash key over the spec's name, dims and dtype,
// suitable for indexing a cache of shape-specialized executables.
func (s TensorSpec) Key() string {
	h := xxhash.New()
	_, _ = h.WriteString(s.Name)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(s.DType))
	var buf [8]byte
	for _, d := range s.Dims {
		binary.LittleEndian.PutUint64(buf[:], uint64(d))
		_, _ = h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (s TensorSpec) String() string {
	dims := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		if d == DynamicDim {
			dims[i] = "?"
		} else {
			dims[i] = strconv.FormatInt(d, 10)
		}
	}
	return fmt.Sprintf("%s[%s]%s", s.Name, strings.Join(dims, ","), s.DType)
}

// ShapeKey returns a single stable key over a set of specs, independent of
// their order in the slice.
func ShapeKey(specs []TensorSpec) string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.Key()
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("|")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ===== Batch =====

// Batch maps slot names to tensors. All slots in a well-formed batch share
// the same leading (batch) dimension.
type Batch map[string]NamedTensor

// Size returns the shared leading dim of the batch, or 0 for an empty batch.
func (b Batch) Size() int {
	for _, t := range b {
		return int(t.BatchSize())
	}
	return 0
}

// Specs derives the fully concrete specs of every slot, sorted by name.
func (b Batch) Specs() []TensorSpec {
	specs := make([]TensorSpec, 0, len(b))
	for _, t := range b {
		specs = append(specs, SpecOf(t))
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Validate checks the batch against a set of required specs: every spec must
// have a slot with matching rank, dtype and fixed dims, and all slots must
// share the same leading dim. Extra slots are allowed.
func (b Batch) Validate(required []TensorSpec) error {
	for _, spec := range required {
		t, ok := b[spec.Name]
		if !ok {
			return &ValidationError{Field: spec.Name, Reason: "required input missing"}
		}
		if err := t.Validate(); err != nil {
			return err
		}
		if !spec.Matches(t) {
			dt, _ := t.DataType()
			return &ValidationError{
				Field:  spec.Name,
				Reason: fmt.Sprintf("shape %v (%s) does not match %s", t.Shape, dt, spec),
			}
		}
	}
	size := int64(-1)
	for name, t := range b {
		if t.Rank() == 0 {
			continue
		}
		if size == -1 {
			size = t.BatchSize()
			continue
		}
		if t.BatchSize() != size {
			return &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("leading dim %d differs from batch size %d", t.BatchSize(), size),
			}
		}
	}
	return nil
}
