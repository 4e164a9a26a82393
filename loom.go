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

// Package loom turns a directory of downloaded model bundles into lazily
// loaded servings: text embedders, seq2seq text generators, and diffusion
// image pipelines. Models load on first use and unload after a keep-alive
// window.
package loom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/loom/lib/diffusion"
	"github.com/antflydb/loom/lib/generation"
	"github.com/antflydb/loom/lib/graphs"
	"github.com/antflydb/loom/lib/hub"
	"github.com/antflydb/loom/lib/seq2seq"
	"github.com/antflydb/loom/lib/serving"
	"github.com/antflydb/loom/lib/tokenizer"
)

// Embedder pairs a TextServing with the Serving whose graph it owns, so
// unloading can release the graph.
type Embedder struct {
	*serving.TextServing
	serving *serving.Serving
}

// Close releases the underlying graph.
func (e *Embedder) Close() error { return e.serving.Close() }

// Stats exposes the compile cache counters of the wrapped serving.
func (e *Embedder) Stats() serving.CacheStats { return e.serving.Stats() }

// Loom holds the three model family registries.
type Loom struct {
	cfg    Config
	logger *zap.Logger

	Embedders  *Registry[*Embedder]
	Generators *Registry[*serving.GenerationServing]
	Diffusers  *Registry[*diffusion.Pipeline]
}

// New builds a Loom from a validated config: discovers models on disk,
// then preloads and pins what the config asks for.
func New(cfg Config, logger *zap.Logger) (*Loom, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive, err := cfg.keepAliveDuration()
	if err != nil {
		return nil, err
	}
	regCfg := RegistryConfig{
		ModelsDir: cfg.ModelsDir,
		KeepAlive: keepAlive,
		MaxLoaded: cfg.MaxLoadedModels,
	}

	l := &Loom{cfg: cfg, logger: logger}

	l.Embedders, err = NewRegistry(regCfg, hub.ModelTypeEmbedder, l.loadEmbedder, logger.Named("embedders"))
	if err != nil {
		return nil, err
	}
	l.Generators, err = NewRegistry(regCfg, hub.ModelTypeGenerator, l.loadGenerator, logger.Named("generators"))
	if err != nil {
		l.Embedders.Close()
		return nil, err
	}
	l.Diffusers, err = NewRegistry(regCfg, hub.ModelTypeDiffuser, l.loadDiffuser, logger.Named("diffusers"))
	if err != nil {
		l.Embedders.Close()
		l.Generators.Close()
		return nil, err
	}

	if err := l.preloadAndPin(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// preloadAndPin resolves the config's preload and pinned lists. Entries may
// carry a "<type>/" prefix ("embedder/org/model"); bare names are tried
// against every family that discovered them.
func (l *Loom) preloadAndPin() error {
	for _, ref := range l.cfg.Preload {
		if err := l.forFamily(ref, func(kind hub.ModelType, name string) error {
			switch kind {
			case hub.ModelTypeEmbedder:
				return l.Embedders.Preload([]string{name})
			case hub.ModelTypeGenerator:
				return l.Generators.Preload([]string{name})
			case hub.ModelTypeDiffuser:
				return l.Diffusers.Preload([]string{name})
			}
			return nil
		}); err != nil {
			l.logger.Warn("Preload failed", zap.String("model", ref), zap.Error(err))
		}
	}
	for _, ref := range l.cfg.Pinned {
		if err := l.forFamily(ref, func(kind hub.ModelType, name string) error {
			switch kind {
			case hub.ModelTypeEmbedder:
				return l.Embedders.Pin(name)
			case hub.ModelTypeGenerator:
				return l.Generators.Pin(name)
			case hub.ModelTypeDiffuser:
				return l.Diffusers.Pin(name)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("pinning %s: %w", ref, err)
		}
	}
	return nil
}

// forFamily dispatches a possibly type-prefixed model reference.
func (l *Loom) forFamily(ref string, fn func(kind hub.ModelType, name string) error) error {
	if prefix, rest, ok := strings.Cut(ref, "/"); ok {
		if kind, err := hub.ParseModelType(prefix); err == nil {
			return fn(kind, rest)
		}
	}

	tried := false
	for kind, has := range map[hub.ModelType]bool{
		hub.ModelTypeEmbedder:  contains(l.Embedders.List(), ref),
		hub.ModelTypeGenerator: contains(l.Generators.List(), ref),
		hub.ModelTypeDiffuser:  contains(l.Diffusers.List(), ref),
	} {
		if !has {
			continue
		}
		tried = true
		if err := fn(kind, ref); err != nil {
			return err
		}
	}
	if !tried {
		return fmt.Errorf("model not found in any family: %s", ref)
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// loadEmbedder builds a TextServing from a model.onnx bundle.
func (l *Loom) loadEmbedder(name, modelDir string) (*Embedder, error) {
	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, err
	}

	graph, err := graphs.OpenONNX(filepath.Join(modelDir, "model.onnx"), l.graphOpts()...)
	if err != nil {
		return nil, err
	}

	ecfg := l.cfg.Embedding
	opts := []serving.Option{
		serving.WithName(name),
		serving.WithLogger(l.logger),
	}
	if ecfg.CompileBatchSize > 0 && ecfg.CompileSequenceLength > 0 {
		opts = append(opts, serving.WithCompile(ecfg.CompileBatchSize, ecfg.CompileSequenceLength))
	}
	if strategy, err := bucketingStrategy(ecfg.BatchBucketing); err == nil {
		opts = append(opts, serving.WithBatchBucketing(strategy))
	}
	if strategy, err := bucketingStrategy(ecfg.SequenceBucketing); err == nil {
		opts = append(opts, serving.WithSequenceBucketing(strategy))
	}

	s, err := serving.New(graph, opts...)
	if err != nil {
		_ = graph.Close()
		return nil, err
	}

	textOpts := []serving.TextOption{
		serving.WithNormalize(ecfg.Normalize),
		serving.WithTextLogger(l.logger),
	}
	if ecfg.Pooling != "" {
		textOpts = append(textOpts, serving.WithPooling(ecfg.Pooling))
	}
	if ecfg.MaxTokens > 0 {
		textOpts = append(textOpts, serving.WithMaxTokens(ecfg.MaxTokens))
	}
	text, err := serving.NewTextServing(s, tok, textOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return &Embedder{TextServing: text, serving: s}, nil
}

// loadGenerator builds a GenerationServing from an encoder/decoder bundle.
func (l *Loom) loadGenerator(name, modelDir string) (*serving.GenerationServing, error) {
	modelOpts := []seq2seq.ModelOption{seq2seq.WithModelLogger(l.logger)}
	if l.cfg.Engine != "" {
		modelOpts = append(modelOpts, seq2seq.WithModelEngine(l.cfg.Engine))
	}
	model, err := seq2seq.Open(modelDir, modelOpts...)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		_ = model.Close()
		return nil, err
	}

	strategy, err := l.generationStrategy()
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	genCfg := model.GenerationConfig(strategy)
	gcfg := l.cfg.Generation
	if gcfg.MaxLength > 0 {
		genCfg.MaxLength = gcfg.MaxLength
	}
	if gcfg.MinLength > 0 {
		genCfg.MinLength = gcfg.MinLength
	}

	gen, err := serving.NewGenerationServing(model, tok, genCfg,
		serving.WithGenerationLogger(l.logger.With(zap.String("model", name))))
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	return gen, nil
}

func (l *Loom) generationStrategy() (generation.Strategy, error) {
	gcfg := l.cfg.Generation
	name := gcfg.Strategy
	if name == "" {
		name = string(generation.StrategyGreedy)
	}
	strategy, err := generation.ParseStrategy(name)
	if err != nil {
		return generation.Strategy{}, err
	}
	if gcfg.Temperature > 0 {
		strategy.Temperature = gcfg.Temperature
	}
	strategy.TopK = gcfg.TopK
	strategy.TopP = gcfg.TopP
	strategy.Seed = gcfg.Seed
	strategy.RepetitionPenalty = gcfg.RepetitionPenalty
	return strategy, nil
}

// loadDiffuser builds a diffusion Pipeline from a component bundle:
// text_encoder.onnx, unet.onnx, vae_decoder.onnx, and an optional
// safety_checker.onnx.
func (l *Loom) loadDiffuser(name, modelDir string) (*diffusion.Pipeline, error) {
	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, err
	}

	var opened []graphs.Graph
	closeOpened := func() {
		for _, g := range opened {
			_ = g.Close()
		}
	}
	open := func(file string) (graphs.Graph, error) {
		g, err := graphs.OpenONNX(filepath.Join(modelDir, file), l.graphOpts()...)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", file, err)
		}
		opened = append(opened, g)
		return g, nil
	}

	comps := diffusion.Components{Tokenizer: tok}
	if comps.TextEncoder, err = open("text_encoder.onnx"); err != nil {
		return nil, err
	}
	if comps.Denoiser, err = open("unet.onnx"); err != nil {
		closeOpened()
		return nil, err
	}
	if comps.VAEDecoder, err = open("vae_decoder.onnx"); err != nil {
		closeOpened()
		return nil, err
	}
	safetyPath := filepath.Join(modelDir, "safety_checker.onnx")
	if _, statErr := os.Stat(safetyPath); statErr == nil {
		if comps.SafetyChecker, err = open("safety_checker.onnx"); err != nil {
			closeOpened()
			return nil, err
		}
	}

	dcfg := l.cfg.Diffusion
	pipeOpts := []diffusion.PipelineOption{
		diffusion.WithPipelineLogger(l.logger.With(zap.String("model", name))),
	}
	if dcfg.PromptCacheTTL != "" {
		ttl, _ := time.ParseDuration(dcfg.PromptCacheTTL)
		pipeOpts = append(pipeOpts, diffusion.WithPromptCacheTTL(ttl))
	}

	pipeline, err := diffusion.NewPipeline(comps, diffusion.Config{
		DefaultSteps:    dcfg.Steps,
		DefaultGuidance: dcfg.GuidanceScale,
		DefaultSize:     dcfg.Size,
	}, pipeOpts...)
	if err != nil {
		closeOpened()
		return nil, err
	}
	return pipeline, nil
}

func (l *Loom) graphOpts() []graphs.ONNXOption {
	if l.cfg.Engine == "" {
		return nil
	}
	return []graphs.ONNXOption{graphs.WithEngine(l.cfg.Engine)}
}

// Embed runs the named embedder over texts.
func (l *Loom) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	embedder, err := l.Embedders.Get(model)
	if err != nil {
		return nil, err
	}
	before := embedder.Stats()
	embeddings, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	after := embedder.Stats()
	RecordCompileCache(model, after.Hits-before.Hits, after.Misses-before.Misses)
	RecordEmbeddingRequest(model, len(embeddings))
	return embeddings, nil
}

// Generate runs the named generator over prompts.
func (l *Loom) Generate(ctx context.Context, model string, prompts []string) ([]serving.GeneratedText, error) {
	gen, err := l.Generators.Get(model)
	if err != nil {
		return nil, err
	}
	results, err := gen.Generate(ctx, prompts)
	if err != nil {
		return nil, err
	}
	recordGenerated(model, results)
	return results, nil
}

// GenerateStreaming is Generate with a per-token callback.
func (l *Loom) GenerateStreaming(ctx context.Context, model string, prompts []string, onToken func(seq int, token string) error) ([]serving.GeneratedText, error) {
	gen, err := l.Generators.Get(model)
	if err != nil {
		return nil, err
	}
	results, err := gen.GenerateStreaming(ctx, prompts, onToken)
	if err != nil {
		return nil, err
	}
	recordGenerated(model, results)
	return results, nil
}

func recordGenerated(model string, results []serving.GeneratedText) {
	var tokens int
	for _, r := range results {
		tokens += r.TokenCount
	}
	RecordGenerationRequest(model, tokens)
}

// Imagine runs the named diffusion pipeline for one request.
func (l *Loom) Imagine(ctx context.Context, model string, req diffusion.Request) ([]diffusion.ImageResult, error) {
	pipeline, err := l.Diffusers.Get(model)
	if err != nil {
		return nil, err
	}
	images, err := pipeline.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	RecordImageRequest(model, len(images))
	return images, nil
}

// Close unloads every model in every family.
func (l *Loom) Close() error {
	var firstErr error
	for _, c := range []interface{ Close() error }{l.Embedders, l.Generators, l.Diffusers} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
