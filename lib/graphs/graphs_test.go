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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorSpec_Matches(t *testing.T) {
	tests := []struct {
		name   string
		spec   TensorSpec
		tensor NamedTensor
		want   bool
	}{
		{
			name:   "exact match",
			spec:   TensorSpec{Name: "input_ids", Dims: []int64{2, 8}, DType: Int64},
			tensor: NamedTensor{Name: "input_ids", Shape: []int64{2, 8}, Data: make([]int64, 16)},
			want:   true,
		},
		{
			name:   "dynamic dims match anything",
			spec:   TensorSpec{Name: "input_ids", Dims: []int64{DynamicDim, DynamicDim}, DType: Int64},
			tensor: NamedTensor{Name: "input_ids", Shape: []int64{5, 13}, Data: make([]int64, 65)},
			want:   true,
		},
		{
			name:   "rank mismatch",
			spec:   TensorSpec{Name: "x", Dims: []int64{2, 8}, DType: Float32},
			tensor: NamedTensor{Name: "x", Shape: []int64{2, 8, 4}, Data: make([]float32, 64)},
			want:   false,
		},
		{
			name:   "fixed dim mismatch",
			spec:   TensorSpec{Name: "x", Dims: []int64{2, 8}, DType: Float32},
			tensor: NamedTensor{Name: "x", Shape: []int64{3, 8}, Data: make([]float32, 24)},
			want:   false,
		},
		{
			name:   "dtype mismatch",
			spec:   TensorSpec{Name: "x", Dims: []int64{2}, DType: Float32},
			tensor: NamedTensor{Name: "x", Shape: []int64{2}, Data: []int64{1, 2}},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.Matches(tt.tensor))
		})
	}
}

func TestTensorSpec_Key(t *testing.T) {
	a := TensorSpec{Name: "x", Dims: []int64{2, 8}, DType: Float32}
	b := TensorSpec{Name: "x", Dims: []int64{2, 8}, DType: Float32}
	c := TensorSpec{Name: "x", Dims: []int64{2, 9}, DType: Float32}
	d := TensorSpec{Name: "x", Dims: []int64{2, 8}, DType: Int64}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.NotEqual(t, a.Key(), d.Key())
}

func TestShapeKey_OrderIndependent(t *testing.T) {
	a := TensorSpec{Name: "input_ids", Dims: []int64{4, 16}, DType: Int64}
	b := TensorSpec{Name: "attention_mask", Dims: []int64{4, 16}, DType: Int64}

	assert.Equal(t, ShapeKey([]TensorSpec{a, b}), ShapeKey([]TensorSpec{b, a}))
	assert.NotEqual(t, ShapeKey([]TensorSpec{a}), ShapeKey([]TensorSpec{a, b}))
}

func TestTensorSpec_WithBatch(t *testing.T) {
	spec := TensorSpec{Name: "x", Dims: []int64{DynamicDim, 16}, DType: Float32}
	fixed := spec.WithBatch(8)

	assert.Equal(t, []int64{8, 16}, fixed.Dims)
	// Original untouched.
	assert.Equal(t, []int64{DynamicDim, 16}, spec.Dims)
}

func TestBatch_Validate(t *testing.T) {
	specs := []TensorSpec{
		{Name: "input_ids", Dims: []int64{DynamicDim, DynamicDim}, DType: Int64},
		{Name: "attention_mask", Dims: []int64{DynamicDim, DynamicDim}, DType: Int64},
	}

	t.Run("valid", func(t *testing.T) {
		b := Batch{
			"input_ids":      {Name: "input_ids", Shape: []int64{2, 4}, Data: make([]int64, 8)},
			"attention_mask": {Name: "attention_mask", Shape: []int64{2, 4}, Data: make([]int64, 8)},
		}
		require.NoError(t, b.Validate(specs))
		assert.Equal(t, 2, b.Size())
	})

	t.Run("missing required slot", func(t *testing.T) {
		b := Batch{
			"input_ids": {Name: "input_ids", Shape: []int64{2, 4}, Data: make([]int64, 8)},
		}
		err := b.Validate(specs)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("mismatched leading dims", func(t *testing.T) {
		b := Batch{
			"input_ids":      {Name: "input_ids", Shape: []int64{2, 4}, Data: make([]int64, 8)},
			"attention_mask": {Name: "attention_mask", Shape: []int64{3, 4}, Data: make([]int64, 12)},
		}
		err := b.Validate(specs)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("data length mismatch", func(t *testing.T) {
		b := Batch{
			"input_ids":      {Name: "input_ids", Shape: []int64{2, 4}, Data: make([]int64, 7)},
			"attention_mask": {Name: "attention_mask", Shape: []int64{2, 4}, Data: make([]int64, 8)},
		}
		err := b.Validate(specs)
		require.Error(t, err)
		assert.True(t, IsValidation(err))
	})
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("float32")
	require.NoError(t, err)
	assert.Equal(t, Float32, dt)

	_, err = ParseDataType("complex128")
	require.Error(t, err)
	assert.True(t, IsConfig(err))
	assert.Contains(t, err.Error(), "float32")
}

func TestErrorTaxonomy(t *testing.T) {
	execErr := &ExecutionError{Op: "encode", Err: assert.AnError}
	assert.True(t, IsExecution(execErr))
	assert.ErrorIs(t, execErr, assert.AnError)
	assert.False(t, IsValidation(execErr))
	assert.False(t, IsConfig(execErr))
}

func TestFlattenValue(t *testing.T) {
	nested := [][][]float32{
		{{1, 2}, {3, 4}},
		{{5, 6}, {7, 8}},
	}
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, flattenValue[float32](nested))

	flat := []int64{1, 2, 3}
	assert.Equal(t, flat, flattenValue[int64](flat))

	// Wrong element type yields nil.
	assert.Nil(t, flattenValue[float32]([][]int64{{1}}))
}
