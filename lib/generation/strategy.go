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

package generation

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ajroetker/go-highway/hwy/contrib/nn"
	"github.com/ajroetker/go-highway/hwy/contrib/vec"

	"github.com/antflydb/loom/lib/graphs"
)

// StrategyKind names a token selection strategy. The set is closed; unknown
// names are rejected at configuration time.
type StrategyKind string

const (
	StrategyGreedy   StrategyKind = "greedy"
	StrategySampling StrategyKind = "sampling"
)

// Strategy selects the next token from a logits row. Greedy ignores the
// sampling fields. Sampling is deterministic given Seed.
type Strategy struct {
	Kind        StrategyKind
	Temperature float32
	TopK        int
	TopP        float32
	Seed        int64

	// RepetitionPenalty > 1 discounts logits of already generated tokens.
	// Applies to both kinds. 0 means disabled.
	RepetitionPenalty float32
}

// Greedy returns the deterministic argmax strategy.
func Greedy() Strategy {
	return Strategy{Kind: StrategyGreedy}
}

// ParseStrategy resolves a strategy name, failing fast with the valid set.
func ParseStrategy(name string) (Strategy, error) {
	switch StrategyKind(name) {
	case StrategyGreedy:
		return Greedy(), nil
	case StrategySampling:
		return Strategy{Kind: StrategySampling, Temperature: 1.0}, nil
	default:
		return Strategy{}, &graphs.ConfigError{
			Option: "strategy",
			Value:  name,
			Valid:  []string{string(StrategyGreedy), string(StrategySampling)},
		}
	}
}

// Validate checks the strategy fields eagerly.
func (s Strategy) Validate() error {
	switch s.Kind {
	case StrategyGreedy, StrategySampling:
	default:
		return &graphs.ConfigError{
			Option: "strategy",
			Value:  string(s.Kind),
			Valid:  []string{string(StrategyGreedy), string(StrategySampling)},
		}
	}
	if s.Temperature < 0 {
		return &graphs.ConfigError{Option: "temperature", Value: fmt.Sprintf("%g", s.Temperature)}
	}
	if s.TopP < 0 || s.TopP > 1 {
		return &graphs.ConfigError{Option: "top_p", Value: fmt.Sprintf("%g", s.TopP)}
	}
	if s.TopK < 0 {
		return &graphs.ConfigError{Option: "top_k", Value: fmt.Sprintf("%d", s.TopK)}
	}
	if s.RepetitionPenalty < 0 {
		return &graphs.ConfigError{Option: "repetition_penalty", Value: fmt.Sprintf("%g", s.RepetitionPenalty)}
	}
	return nil
}

// sampler holds the per-run RNG so repeated runs with the same seed pick the
// same tokens.
type sampler struct {
	strategy Strategy
	rng      *rand.Rand
}

func newSampler(s Strategy) *sampler {
	return &sampler{
		strategy: s,
		rng:      rand.New(rand.NewSource(s.Seed)),
	}
}

// next picks the next token from one logits row. prior is the tokens already
// in the sequence, used for the repetition penalty. suppress marks token IDs
// that must not be selected this step (e.g. EOS before min length).
// Returns the chosen token and its probability.
func (sp *sampler) next(logits []float32, prior []int32, suppress []int32) (int32, float32) {
	work := make([]float32, len(logits))
	copy(work, logits)

	if sp.strategy.RepetitionPenalty > 1 {
		applyRepetitionPenalty(work, prior, sp.strategy.RepetitionPenalty)
	}
	for _, id := range suppress {
		if int(id) < len(work) {
			work[id] = float32(math.Inf(-1))
		}
	}

	greedy := sp.strategy.Kind == StrategyGreedy || sp.strategy.Temperature == 0
	if greedy {
		idx := vec.Argmax(work)
		probs := make([]float32, len(work))
		nn.Softmax(work, probs)
		return int32(idx), probs[idx]
	}

	if sp.strategy.Temperature != 1 {
		inv := 1 / sp.strategy.Temperature
		for i := range work {
			work[i] *= inv
		}
	}
	probs := make([]float32, len(work))
	nn.Softmax(work, probs)

	if sp.strategy.TopK > 0 {
		topKFilter(probs, sp.strategy.TopK)
	}
	if sp.strategy.TopP > 0 && sp.strategy.TopP < 1 {
		topPFilter(probs, sp.strategy.TopP)
	}
	renormalize(probs)

	idx := sp.sample(probs)
	return int32(idx), probs[idx]
}

// applyRepetitionPenalty discounts tokens already generated: positive logits
// are divided by the penalty, negative multiplied.
func applyRepetitionPenalty(logits []float32, prior []int32, penalty float32) {
	seen := make(map[int32]struct{}, len(prior))
	for _, id := range prior {
		seen[id] = struct{}{}
	}
	for id := range seen {
		if int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

// topKFilter zeroes all but the k most probable entries.
func topKFilter(probs []float32, k int) {
	if k >= len(probs) {
		return
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	for _, i := range idx[k:] {
		probs[i] = 0
	}
}

// topPFilter zeroes the tail outside the smallest nucleus whose cumulative
// probability reaches p. The most probable token always survives.
func topPFilter(probs []float32, p float32) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	var cum float32
	cut := len(idx)
	for rank, i := range idx {
		cum += probs[i]
		if cum >= p {
			cut = rank + 1
			break
		}
	}
	for _, i := range idx[cut:] {
		probs[i] = 0
	}
}

func renormalize(probs []float32) {
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range probs {
		probs[i] *= inv
	}
}

// sample draws an index from a (normalized) probability distribution.
func (sp *sampler) sample(probs []float32) int {
	r := sp.rng.Float32()
	var cum float32
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	// Rounding left us past the end; fall back to the mode.
	return vec.Argmax(probs)
}
