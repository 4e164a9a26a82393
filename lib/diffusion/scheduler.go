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

// Package diffusion drives text-to-image generation over opaque text
// encoder, denoiser and VAE decoder graphs: prompt conditioning with
// classifier-free guidance, the iterative denoising loop, and decoding to
// images with an optional safety pass.
package diffusion

import (
	"fmt"

	"github.com/antflydb/loom/lib/graphs"
)

// State carries a scheduler's position through one denoising run. It is a
// value: Step returns the successor state rather than mutating.
type State struct {
	StepIndex int
	NumSteps  int

	// Sigmas is the noise schedule, len NumSteps+1, strictly decreasing
	// and ending at 0.
	Sigmas []float32
}

// Sigma returns the noise level of the current step.
func (s State) Sigma() float32 { return s.Sigmas[s.StepIndex] }

// Timestep returns the model conditioning value for the current step.
func (s State) Timestep() float32 { return s.Sigma() * 1000 }

// Done reports whether all steps have been consumed.
func (s State) Done() bool { return s.StepIndex >= s.NumSteps }

// Scheduler owns the denoising schedule. The pipeline calls Step exactly
// once per iteration, in strictly increasing step order; schedulers reject
// out-of-order or extra calls.
type Scheduler interface {
	// Init builds the schedule for numSteps iterations.
	Init(numSteps int) (State, error)

	// ScaleInput conditions the latents before the denoiser sees them.
	ScaleInput(state State, latents []float32) []float32

	// Step advances the latents one iteration using the predicted noise
	// and returns the successor state.
	Step(state State, noise, latents []float32) ([]float32, State, error)
}

// FlowMatchEulerScheduler is a flow-matching Euler scheduler: latents move
// along the straight path from noise to data, stepped by the sigma deltas.
// Shift > 1 bends the schedule toward high-noise steps, which larger
// resolutions benefit from; 1 leaves the schedule linear.
type FlowMatchEulerScheduler struct {
	Shift float64
}

// NewFlowMatchEuler returns the scheduler with a linear schedule.
func NewFlowMatchEuler() *FlowMatchEulerScheduler {
	return &FlowMatchEulerScheduler{Shift: 1}
}

func (s *FlowMatchEulerScheduler) Init(numSteps int) (State, error) {
	if numSteps <= 0 {
		return State{}, &graphs.ConfigError{Option: "steps", Value: fmt.Sprintf("%d", numSteps)}
	}
	shift := s.Shift
	if shift <= 0 {
		shift = 1
	}

	sigmas := make([]float32, numSteps+1)
	for i := 0; i < numSteps; i++ {
		sigma := 1 - float64(i)/float64(numSteps)
		if shift != 1 {
			sigma = shift * sigma / (1 + (shift-1)*sigma)
		}
		sigmas[i] = float32(sigma)
	}
	sigmas[numSteps] = 0

	return State{NumSteps: numSteps, Sigmas: sigmas}, nil
}

// ScaleInput is the identity for flow matching.
func (s *FlowMatchEulerScheduler) ScaleInput(state State, latents []float32) []float32 {
	return latents
}

func (s *FlowMatchEulerScheduler) Step(state State, noise, latents []float32) ([]float32, State, error) {
	if state.Done() {
		return nil, state, &graphs.ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("step %d past end of %d-step schedule", state.StepIndex, state.NumSteps),
		}
	}
	if len(noise) != len(latents) {
		return nil, state, &graphs.ValidationError{
			Field:  "noise",
			Reason: fmt.Sprintf("%d values, latents have %d", len(noise), len(latents)),
		}
	}

	dt := state.Sigmas[state.StepIndex+1] - state.Sigmas[state.StepIndex]
	next := make([]float32, len(latents))
	for i := range latents {
		next[i] = latents[i] + dt*noise[i]
	}
	state.StepIndex++
	return next, state, nil
}
