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
	"time"

	"github.com/gomlx/go-huggingface/tokenizers"
	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/graphs"
)

// Components are the collaborator graphs of one diffusion model.
// SafetyChecker is optional; everything else is required.
type Components struct {
	TextEncoder   graphs.Graph
	Denoiser      graphs.Graph
	VAEDecoder    graphs.Graph
	SafetyChecker graphs.Graph
	Tokenizer     tokenizers.Tokenizer
}

// Config holds the model geometry and defaults. Zero fields take the
// Stable Diffusion conventions.
type Config struct {
	LatentChannels  int     // default 4
	VAEScaleFactor  int     // spatial downscale, default 8
	LatentScale     float32 // VAE scaling factor, default 0.18215
	MaxPromptLength int     // default 77
	DefaultSteps    int     // default 50
	DefaultGuidance float32 // default 7.5
	DefaultSize     int     // default 512
}

func (c Config) withDefaults() Config {
	if c.LatentChannels == 0 {
		c.LatentChannels = 4
	}
	if c.VAEScaleFactor == 0 {
		c.VAEScaleFactor = 8
	}
	if c.LatentScale == 0 {
		c.LatentScale = 0.18215
	}
	if c.MaxPromptLength == 0 {
		c.MaxPromptLength = 77
	}
	if c.DefaultSteps == 0 {
		c.DefaultSteps = 50
	}
	if c.DefaultGuidance == 0 {
		c.DefaultGuidance = 7.5
	}
	if c.DefaultSize == 0 {
		c.DefaultSize = 512
	}
	return c
}

// Request describes one generation call.
type Request struct {
	Prompt         string // required
	NegativePrompt string
	NumImages      int // default 1
	Seed           int64
	Steps          int     // default Config.DefaultSteps
	GuidanceScale  float32 // default Config.DefaultGuidance; <= 1 disables guidance
	Width, Height  int // default Config.DefaultSize, multiples of VAEScaleFactor

	// InitLatents, when set, replaces the seeded noise. Must hold
	// NumImages * LatentChannels * (Height/VAEScaleFactor) *
	// (Width/VAEScaleFactor) values.
	InitLatents []float32
}

// ImageResult is one generated image. Flagged images carry a placeholder
// in Image; cardinality is always preserved.
type ImageResult struct {
	Image   image.Image
	Flagged bool
}

// Pipeline drives the five diffusion stages in order: prompt encoding,
// latent initialization, the denoising loop, VAE decoding, and the
// optional safety pass.
type Pipeline struct {
	comps     Components
	cfg       Config
	scheduler Scheduler
	encoder   *promptEncoder
	logger    *zap.Logger
}

type pipelineOptions struct {
	scheduler Scheduler
	logger    *zap.Logger
	cacheTTL  time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineOptions)

// WithScheduler replaces the default flow-match Euler scheduler.
func WithScheduler(s Scheduler) PipelineOption {
	return func(o *pipelineOptions) { o.scheduler = s }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(o *pipelineOptions) { o.logger = logger }
}

// WithPromptCacheTTL sets how long encoded prompts stay cached.
// Default 10 minutes.
func WithPromptCacheTTL(ttl time.Duration) PipelineOption {
	return func(o *pipelineOptions) { o.cacheTTL = ttl }
}

// NewPipeline validates the components and builds the driver.
func NewPipeline(comps Components, cfg Config, opts ...PipelineOption) (*Pipeline, error) {
	if comps.TextEncoder == nil {
		return nil, &graphs.ValidationError{Field: "components.text_encoder", Reason: "required"}
	}
	if comps.Denoiser == nil {
		return nil, &graphs.ValidationError{Field: "components.denoiser", Reason: "required"}
	}
	if comps.VAEDecoder == nil {
		return nil, &graphs.ValidationError{Field: "components.vae_decoder", Reason: "required"}
	}
	if comps.Tokenizer == nil {
		return nil, &graphs.ValidationError{Field: "components.tokenizer", Reason: "required"}
	}

	options := &pipelineOptions{
		scheduler: NewFlowMatchEuler(),
		logger:    zap.NewNop(),
		cacheTTL:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(options)
	}

	cfg = cfg.withDefaults()
	p := &Pipeline{
		comps:     comps,
		cfg:       cfg,
		scheduler: options.scheduler,
		logger:    options.logger.Named("diffusion"),
	}
	p.encoder = newPromptEncoder(comps.TextEncoder, comps.Tokenizer, cfg.MaxPromptLength, options.cacheTTL, p.logger)
	return p, nil
}

// Generate runs the full pipeline for one request and returns exactly
// NumImages results in order.
func (p *Pipeline) Generate(ctx context.Context, req Request) ([]ImageResult, error) {
	req, err := p.normalize(req)
	if err != nil {
		return nil, err
	}

	n := req.NumImages
	guided := req.GuidanceScale > 1
	latentH := req.Height / p.cfg.VAEScaleFactor
	latentW := req.Width / p.cfg.VAEScaleFactor
	latentSize := p.cfg.LatentChannels * latentH * latentW

	// Stage 1: prompt conditioning. Guided runs encode the negative (or
	// empty) prompt alongside the positive one in a single batched pass.
	prompts := []string{req.Prompt}
	if guided {
		prompts = []string{req.NegativePrompt, req.Prompt}
	}
	rows, err := p.encoder.encode(ctx, prompts)
	if err != nil {
		return nil, err
	}

	// Stage 2: seeded latents, replicated per image.
	latents := req.InitLatents
	if latents == nil {
		latents = initNoise(n*latentSize, req.Seed)
	} else if len(latents) != n*latentSize {
		return nil, &graphs.ValidationError{
			Field:  "init_latents",
			Reason: fmt.Sprintf("%d values, need %d", len(latents), n*latentSize),
		}
	}

	// Stage 3: the denoising loop, exactly req.Steps iterations.
	state, err := p.scheduler.Init(req.Steps)
	if err != nil {
		return nil, err
	}
	conditioning := replicateConditioning(rows, n)
	start := time.Now()
	for !state.Done() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		noise, err := p.denoise(ctx, state, latents, conditioning, req, latentH, latentW)
		if err != nil {
			return nil, err
		}
		latents, state, err = p.scheduler.Step(state, noise, latents)
		if err != nil {
			return nil, err
		}
	}

	// Stage 4: VAE decode to images.
	images, err := p.decode(ctx, latents, n, latentH, latentW, req.Width, req.Height)
	if err != nil {
		return nil, err
	}

	// Stage 5: optional safety pass.
	results := make([]ImageResult, n)
	for i := range results {
		results[i] = ImageResult{Image: images[i]}
	}
	if p.comps.SafetyChecker != nil {
		flags, err := runSafety(ctx, p.comps.SafetyChecker, images)
		if err != nil {
			return nil, err
		}
		for i, flagged := range flags {
			if flagged {
				results[i] = ImageResult{
					Image:   placeholderImage(req.Width, req.Height),
					Flagged: true,
				}
			}
		}
	}

	p.logger.Info("generated images",
		zap.Int("images", n),
		zap.Int("steps", req.Steps),
		zap.Bool("guided", guided),
		zap.Duration("elapsed", time.Since(start)))
	return results, nil
}

func (p *Pipeline) normalize(req Request) (Request, error) {
	if req.Prompt == "" {
		return req, &graphs.ValidationError{Field: "prompt", Reason: "required"}
	}
	if req.NumImages == 0 {
		req.NumImages = 1
	}
	if req.NumImages < 0 {
		return req, &graphs.ValidationError{Field: "num_images", Reason: "must be positive"}
	}
	if req.Steps == 0 {
		req.Steps = p.cfg.DefaultSteps
	}
	if req.GuidanceScale == 0 {
		req.GuidanceScale = p.cfg.DefaultGuidance
	}
	if req.Width == 0 {
		req.Width = p.cfg.DefaultSize
	}
	if req.Height == 0 {
		req.Height = p.cfg.DefaultSize
	}
	if req.Width%p.cfg.VAEScaleFactor != 0 || req.Height%p.cfg.VAEScaleFactor != 0 {
		return req, &graphs.ConfigError{
			Option: "resolution",
			Value:  fmt.Sprintf("%dx%d (must be multiples of %d)", req.Width, req.Height, p.cfg.VAEScaleFactor),
		}
	}
	return req, nil
}

// replicateConditioning expands per-prompt rows to per-image rows: for a
// guided run with rows [uncond, cond] it produces n uncond rows followed
// by n cond rows, matching the doubled latent batch.
func replicateConditioning(rows [][]float32, n int) []float32 {
	rowSize := len(rows[0])
	out := make([]float32, 0, len(rows)*n*rowSize)
	for _, row := range rows {
		for i := 0; i < n; i++ {
			out = append(out, row...)
		}
	}
	return out
}

// denoise runs one denoiser pass and recombines guidance halves.
func (p *Pipeline) denoise(ctx context.Context, state State, latents, conditioning []float32, req Request, latentH, latentW int) ([]float32, error) {
	n := req.NumImages
	guided := req.GuidanceScale > 1
	batch := n
	if guided {
		batch = 2 * n
	}

	scaled := p.scheduler.ScaleInput(state, latents)
	sample := scaled
	if guided {
		sample = make([]float32, 2*len(scaled))
		copy(sample, scaled)
		copy(sample[len(scaled):], scaled)
	}

	timesteps := make([]float32, batch)
	for i := range timesteps {
		timesteps[i] = state.Timestep()
	}

	hiddenDim := len(conditioning) / (batch * p.cfg.MaxPromptLength)
	inputs := graphs.Batch{
		"sample": {
			Name:  "sample",
			Shape: []int64{int64(batch), int64(p.cfg.LatentChannels), int64(latentH), int64(latentW)},
			Data:  sample,
		},
		"timestep": {
			Name:  "timestep",
			Shape: []int64{int64(batch)},
			Data:  timesteps,
		},
		"encoder_hidden_states": {
			Name:  "encoder_hidden_states",
			Shape: []int64{int64(batch), int64(p.cfg.MaxPromptLength), int64(hiddenDim)},
			Data:  conditioning,
		},
	}

	out, err := p.comps.Denoiser.Call(ctx, inputs)
	if err != nil {
		return nil, &graphs.ExecutionError{Op: "denoise", Err: err}
	}
	pred, err := noisePrediction(out, batch)
	if err != nil {
		return nil, err
	}

	if !guided {
		return pred, nil
	}

	// uncond + scale * (cond - uncond), split along the doubled batch.
	half := len(pred) / 2
	uncond, cond := pred[:half], pred[half:]
	combined := make([]float32, half)
	for i := range combined {
		combined[i] = uncond[i] + req.GuidanceScale*(cond[i]-uncond[i])
	}
	return combined, nil
}

// noisePrediction extracts the denoiser's [batch, C, H, W] output.
func noisePrediction(out graphs.Batch, batch int) ([]float32, error) {
	if nt, ok := out["out_sample"]; ok {
		if data, ok := nt.Data.([]float32); ok {
			return data, nil
		}
	}
	for _, nt := range out {
		if nt.Rank() == 4 && int(nt.Shape[0]) == batch {
			if data, ok := nt.Data.([]float32); ok {
				return data, nil
			}
		}
	}
	return nil, &graphs.ExecutionError{
		Op:  "denoise",
		Err: fmt.Errorf("denoiser produced no [batch, C, H, W] output"),
	}
}

// decode scales the latents back to VAE space and decodes them to images
// in one batched pass.
func (p *Pipeline) decode(ctx context.Context, latents []float32, n, latentH, latentW, width, height int) ([]image.Image, error) {
	scaled := make([]float32, len(latents))
	inv := 1 / p.cfg.LatentScale
	for i, v := range latents {
		scaled[i] = v * inv
	}

	inputs := graphs.Batch{
		"latent_sample": {
			Name:  "latent_sample",
			Shape: []int64{int64(n), int64(p.cfg.LatentChannels), int64(latentH), int64(latentW)},
			Data:  scaled,
		},
	}
	out, err := p.comps.VAEDecoder.Call(ctx, inputs)
	if err != nil {
		return nil, &graphs.ExecutionError{Op: "vae decode", Err: err}
	}

	var pixels []float32
	for _, nt := range out {
		if nt.Rank() == 4 && int(nt.Shape[0]) == n {
			if data, ok := nt.Data.([]float32); ok {
				pixels = data
				break
			}
		}
	}
	if pixels == nil {
		return nil, &graphs.ExecutionError{
			Op:  "vae decode",
			Err: fmt.Errorf("decoder produced no [batch, 3, H, W] output"),
		}
	}

	plane := 3 * height * width
	images := make([]image.Image, n)
	for i := 0; i < n; i++ {
		images[i] = imageFromCHW(pixels[i*plane:(i+1)*plane], width, height)
	}
	return images, nil
}

// Close stops the prompt cache and releases the component graphs.
func (p *Pipeline) Close() error {
	p.encoder.stop()
	var firstErr error
	for _, g := range []graphs.Graph{p.comps.TextEncoder, p.comps.Denoiser, p.comps.VAEDecoder, p.comps.SafetyChecker} {
		if g == nil {
			continue
		}
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
