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

// Package serving wraps opaque computation graphs into batched inference
// pipelines: input validation and preprocessing, shape-specialized
// execution with padding, and postprocessing that restores the caller's
// input multiplicity.
package serving

import (
	"fmt"

	"github.com/antflydb/loom/lib/graphs"
)

// PadBatch grows every slot's leading dim to target by appending zero rows.
// Slots keep their trailing dims; a batch already at target is returned
// as-is. Shrinking is not supported.
func PadBatch(batch graphs.Batch, target int) (graphs.Batch, error) {
	size := batch.Size()
	if size > target {
		return nil, &graphs.ValidationError{
			Field:  "batch",
			Reason: fmt.Sprintf("size %d exceeds pad target %d", size, target),
		}
	}
	if size == target {
		return batch, nil
	}

	out := make(graphs.Batch, len(batch))
	for name, t := range batch {
		if t.Rank() == 0 {
			out[name] = t
			continue
		}
		padded, err := padTensor(t, target)
		if err != nil {
			return nil, err
		}
		out[name] = padded
	}
	return out, nil
}

func padTensor(t graphs.NamedTensor, target int) (graphs.NamedTensor, error) {
	rows := int(t.Shape[0])
	rowSize := 1
	for _, d := range t.Shape[1:] {
		rowSize *= int(d)
	}

	shape := make([]int64, len(t.Shape))
	copy(shape, t.Shape)
	shape[0] = int64(target)

	var data any
	switch d := t.Data.(type) {
	case []float32:
		data = padRows(d, rows, rowSize, target)
	case []int64:
		data = padRows(d, rows, rowSize, target)
	case []int32:
		data = padRows(d, rows, rowSize, target)
	case []bool:
		data = padRows(d, rows, rowSize, target)
	default:
		return graphs.NamedTensor{}, &graphs.ValidationError{
			Field:  t.Name,
			Reason: fmt.Sprintf("cannot pad data type %T", t.Data),
		}
	}
	return graphs.NamedTensor{Name: t.Name, Shape: shape, Data: data}, nil
}

func padRows[T any](data []T, rows, rowSize, target int) []T {
	out := make([]T, target*rowSize)
	copy(out, data[:rows*rowSize])
	return out
}

// TrimRows drops all but the first k rows of every slot, undoing the
// padding added by PadBatch on the way out of a fixed-shape executable.
func TrimRows(batch graphs.Batch, k int) (graphs.Batch, error) {
	out := make(graphs.Batch, len(batch))
	for name, t := range batch {
		if t.Rank() == 0 {
			out[name] = t
			continue
		}
		if int(t.Shape[0]) < k {
			return nil, &graphs.ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("has %d rows, cannot trim to %d", t.Shape[0], k),
			}
		}
		rowSize := 1
		for _, d := range t.Shape[1:] {
			rowSize *= int(d)
		}
		shape := make([]int64, len(t.Shape))
		copy(shape, t.Shape)
		shape[0] = int64(k)

		var data any
		switch d := t.Data.(type) {
		case []float32:
			data = trimRows(d, rowSize, k)
		case []int64:
			data = trimRows(d, rowSize, k)
		case []int32:
			data = trimRows(d, rowSize, k)
		case []bool:
			data = trimRows(d, rowSize, k)
		default:
			return nil, &graphs.ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("cannot trim data type %T", t.Data),
			}
		}
		out[name] = graphs.NamedTensor{Name: t.Name, Shape: shape, Data: data}
	}
	return out, nil
}

func trimRows[T any](data []T, rowSize, k int) []T {
	out := make([]T, k*rowSize)
	copy(out, data[:k*rowSize])
	return out
}
