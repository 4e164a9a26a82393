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

package loom

import "github.com/prometheus/client_golang/prometheus"

var (
	embeddingRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "embedding_request_ops_total",
			Help:      "The total number of embedding requests.",
		},
		[]string{"model"},
	)
	embeddingCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "embedding_creation_ops_total",
			Help:      "The total number of embeddings created.",
		},
		[]string{"model"},
	)

	generationRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "generation_request_ops_total",
			Help:      "The total number of text generation requests.",
		},
		[]string{"model"},
	)
	generatedTokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "generated_token_ops_total",
			Help:      "The total number of tokens generated.",
		},
		[]string{"model"},
	)

	imageRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "image_request_ops_total",
			Help:      "The total number of image generation requests.",
		},
		[]string{"model"},
	)
	imageCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "image_creation_ops_total",
			Help:      "The total number of images generated.",
		},
		[]string{"model"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model from disk.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model", "type"},
	)
	modelUnloadOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "model_unload_ops_total",
			Help:      "The total number of model unloads (keep-alive or LRU eviction).",
		},
		[]string{"model", "type"},
	)

	compileCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "compile_cache_hits_total",
			Help:      "The total number of compiled executable reuses.",
		},
		[]string{"serving"},
	)
	compileCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "antfly",
			Subsystem: "loom",
			Name:      "compile_cache_misses_total",
			Help:      "The total number of fresh shape compilations.",
		},
		[]string{"serving"},
	)
)

func init() {
	prometheus.MustRegister(embeddingRequestOps)
	prometheus.MustRegister(embeddingCreationOps)
	prometheus.MustRegister(generationRequestOps)
	prometheus.MustRegister(generatedTokenOps)
	prometheus.MustRegister(imageRequestOps)
	prometheus.MustRegister(imageCreationOps)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(modelUnloadOps)
	prometheus.MustRegister(compileCacheHits)
	prometheus.MustRegister(compileCacheMisses)
}

// RecordEmbeddingRequest increments the embedding request counter and the
// per-request embedding creation counter.
func RecordEmbeddingRequest(model string, count int) {
	embeddingRequestOps.WithLabelValues(model).Inc()
	embeddingCreationOps.WithLabelValues(model).Add(float64(count))
}

// RecordGenerationRequest increments the generation request counter and the
// generated token counter.
func RecordGenerationRequest(model string, tokens int) {
	generationRequestOps.WithLabelValues(model).Inc()
	generatedTokenOps.WithLabelValues(model).Add(float64(tokens))
}

// RecordImageRequest increments the image request counter and the image
// creation counter.
func RecordImageRequest(model string, count int) {
	imageRequestOps.WithLabelValues(model).Inc()
	imageCreationOps.WithLabelValues(model).Add(float64(count))
}

// RecordModelLoadDuration records the time taken to load a model.
func RecordModelLoadDuration(model, modelType string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, modelType).Observe(seconds)
}

// RecordModelUnload increments the model unload counter.
func RecordModelUnload(model, modelType string) {
	modelUnloadOps.WithLabelValues(model, modelType).Inc()
}

// RecordCompileCache adds hit and miss deltas for a serving's compile cache.
func RecordCompileCache(serving string, hits, misses uint64) {
	compileCacheHits.WithLabelValues(serving).Add(float64(hits))
	compileCacheMisses.WithLabelValues(serving).Add(float64(misses))
}
