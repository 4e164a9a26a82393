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
	"github.com/ajroetker/go-highway/hwy/contrib/vec"

	"github.com/antflydb/loom/lib/graphs"
)

// Pooling names a policy for collapsing per-token hidden states into one
// vector per sequence. The set is closed; unknown names fail at config time.
type Pooling string

const (
	// PoolingMean averages token vectors, weighted by the attention mask.
	PoolingMean Pooling = "mean"
	// PoolingCLS takes the first token's vector (the pre-pooled summary).
	PoolingCLS Pooling = "cls"
	// PoolingMax takes the element-wise maximum over unmasked tokens.
	PoolingMax Pooling = "max"
	// PoolingEOS takes the last unmasked token's vector.
	PoolingEOS Pooling = "eos"
)

// ParsePooling resolves a pooling name, failing fast with the valid set.
func ParsePooling(name string) (Pooling, error) {
	switch Pooling(name) {
	case PoolingMean, PoolingCLS, PoolingMax, PoolingEOS:
		return Pooling(name), nil
	default:
		return "", &graphs.ConfigError{
			Option: "pooling",
			Value:  name,
			Valid:  []string{string(PoolingMean), string(PoolingCLS), string(PoolingMax), string(PoolingEOS)},
		}
	}
}

// PoolHiddenStates collapses hidden states [batch][seq][hidden] into one
// embedding per sequence. mask marks real (1) vs padding (0) tokens; a nil
// mask treats every token as real.
func PoolHiddenStates(hidden [][][]float32, mask [][]int32, pooling Pooling) [][]float32 {
	out := make([][]float32, len(hidden))
	for i, seq := range hidden {
		out[i] = poolSequence(seq, maskRow(mask, i), pooling)
	}
	return out
}

func maskRow(mask [][]int32, i int) []int32 {
	if mask == nil || i >= len(mask) {
		return nil
	}
	return mask[i]
}

func poolSequence(seq [][]float32, mask []int32, pooling Pooling) []float32 {
	if len(seq) == 0 {
		return nil
	}
	dim := len(seq[0])
	live := func(j int) bool { return mask == nil || (j < len(mask) && mask[j] != 0) }

	switch pooling {
	case PoolingCLS:
		out := make([]float32, dim)
		copy(out, seq[0])
		return out

	case PoolingEOS:
		last := 0
		for j := range seq {
			if live(j) {
				last = j
			}
		}
		out := make([]float32, dim)
		copy(out, seq[last])
		return out

	case PoolingMax:
		out := make([]float32, dim)
		first := true
		for j, tok := range seq {
			if !live(j) {
				continue
			}
			if first {
				copy(out, tok)
				first = false
				continue
			}
			for k, v := range tok {
				if v > out[k] {
					out[k] = v
				}
			}
		}
		return out

	default: // PoolingMean
		out := make([]float32, dim)
		var count float32
		for j, tok := range seq {
			if !live(j) {
				continue
			}
			for k, v := range tok {
				out[k] += v
			}
			count++
		}
		if count > 0 {
			inv := 1 / count
			for k := range out {
				out[k] *= inv
			}
		}
		return out
	}
}

// NormalizeL2 scales each embedding to unit length in place.
func NormalizeL2(embeddings [][]float32) {
	for i := range embeddings {
		if len(embeddings[i]) > 0 {
			vec.Normalize(embeddings[i])
		}
	}
}
