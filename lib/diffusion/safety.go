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
	"image"

	"github.com/antflydb/loom/lib/graphs"
)

// safetyInputSize is the classifier's expected square input resolution.
const safetyInputSize = 224

// safetyThreshold marks an image as flagged when the classifier's score
// exceeds it.
const safetyThreshold = 0.5

// runSafety classifies decoded images in one batched pass and reports a
// flag per image, preserving order and cardinality.
func runSafety(ctx context.Context, checker graphs.Graph, images []image.Image) ([]bool, error) {
	n := len(images)
	plane := 3 * safetyInputSize * safetyInputSize
	data := make([]float32, n*plane)
	for i, img := range images {
		copy(data[i*plane:(i+1)*plane], imageToCHW(img, safetyInputSize))
	}

	batch := graphs.Batch{
		"images": {
			Name:  "images",
			Shape: []int64{int64(n), 3, safetyInputSize, safetyInputSize},
			Data:  data,
		},
	}
	out, err := checker.Call(ctx, batch)
	if err != nil {
		return nil, &graphs.ExecutionError{Op: "safety check", Err: err}
	}

	scores, err := safetyScores(out, n)
	if err != nil {
		return nil, err
	}
	flags := make([]bool, n)
	for i, score := range scores {
		flags[i] = score > safetyThreshold
	}
	return flags, nil
}

// safetyScores extracts one score per image from the checker's output,
// accepting either a [n] score vector or a [n, 2] two-class logit layout
// (second column is the unsafe class).
func safetyScores(out graphs.Batch, n int) ([]float32, error) {
	for _, nt := range out {
		data, ok := nt.Data.([]float32)
		if !ok {
			continue
		}
		switch {
		case nt.Rank() == 1 && int(nt.Shape[0]) == n:
			return data, nil
		case nt.Rank() == 2 && int(nt.Shape[0]) == n && nt.Shape[1] == 2:
			scores := make([]float32, n)
			for i := 0; i < n; i++ {
				scores[i] = data[i*2+1]
			}
			return scores, nil
		}
	}
	return nil, &graphs.ExecutionError{
		Op:  "safety check",
		Err: fmt.Errorf("no per-image score output for %d images", n),
	}
}
