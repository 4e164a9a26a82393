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

// Package generation drives autoregressive token generation over an opaque
// single-step model computation: a KV cache arena, sampling strategies, and
// a batched generation state machine.
package generation

import (
	"fmt"

	"github.com/antflydb/loom/lib/graphs"
)

// Layout describes the attention geometry of the decoder being cached.
// CrossLength > 0 reserves a fixed cross-attention region per layer for
// encoder-decoder models; 0 means decoder-only.
type Layout struct {
	NumLayers   int
	NumHeads    int
	HeadDim     int
	CrossLength int
}

// LayerCache holds the key and value arenas of one decode layer, shaped
// [batch, heads, length, headDim] with length fixed at allocation.
type LayerCache struct {
	Keys   graphs.NamedTensor
	Values graphs.NamedTensor
}

// Cache is an arena-style KV cache: all storage is allocated zero-filled at
// construction and never resized. Writers fill positions up to Offset;
// Advance moves the offset forward monotonically.
type Cache struct {
	layout    Layout
	batchSize int
	maxLength int
	offset    int
	layers    []LayerCache
	cross     []LayerCache
}

// NewCache allocates a cache for batchSize sequences of at most maxLength
// positions each.
func NewCache(batchSize, maxLength int, layout Layout) (*Cache, error) {
	if batchSize <= 0 {
		return nil, &graphs.ValidationError{Field: "batchSize", Reason: fmt.Sprintf("must be positive, got %d", batchSize)}
	}
	if maxLength <= 0 {
		return nil, &graphs.ValidationError{Field: "maxLength", Reason: fmt.Sprintf("must be positive, got %d", maxLength)}
	}
	if layout.NumLayers <= 0 || layout.NumHeads <= 0 || layout.HeadDim <= 0 {
		return nil, &graphs.ValidationError{
			Field:  "layout",
			Reason: fmt.Sprintf("layers/heads/headDim must be positive, got %+v", layout),
		}
	}
	if layout.CrossLength < 0 {
		return nil, &graphs.ValidationError{Field: "layout.CrossLength", Reason: "must be non-negative"}
	}

	c := &Cache{
		layout:    layout,
		batchSize: batchSize,
		maxLength: maxLength,
		layers:    make([]LayerCache, layout.NumLayers),
	}
	for i := range c.layers {
		c.layers[i] = newLayerCache(i, "self", batchSize, layout.NumHeads, maxLength, layout.HeadDim)
	}
	if layout.CrossLength > 0 {
		c.cross = make([]LayerCache, layout.NumLayers)
		for i := range c.cross {
			c.cross[i] = newLayerCache(i, "cross", batchSize, layout.NumHeads, layout.CrossLength, layout.HeadDim)
		}
	}
	return c, nil
}

func newLayerCache(layer int, kind string, batch, heads, length, headDim int) LayerCache {
	shape := []int64{int64(batch), int64(heads), int64(length), int64(headDim)}
	n := batch * heads * length * headDim
	return LayerCache{
		Keys: graphs.NamedTensor{
			Name:  fmt.Sprintf("cache.%d.%s.keys", layer, kind),
			Shape: shape,
			Data:  make([]float32, n),
		},
		Values: graphs.NamedTensor{
			Name:  fmt.Sprintf("cache.%d.%s.values", layer, kind),
			Shape: shape,
			Data:  make([]float32, n),
		},
	}
}

func (c *Cache) BatchSize() int { return c.batchSize }
func (c *Cache) MaxLength() int { return c.maxLength }
func (c *Cache) Layout() Layout { return c.layout }

// Offset returns the number of positions written so far. Positions at and
// beyond Offset are allocated but undefined.
func (c *Cache) Offset() int { return c.offset }

// Advance moves the offset forward by n positions. Advancing past MaxLength
// is a programming error: the caller owns the length bound, so this panics
// rather than returning an error.
func (c *Cache) Advance(n int) {
	if n < 0 {
		panic(fmt.Sprintf("generation: cache advance by negative %d", n))
	}
	if c.offset+n > c.maxLength {
		panic(fmt.Sprintf("generation: cache overflow, offset %d + %d exceeds max length %d", c.offset, n, c.maxLength))
	}
	c.offset += n
}

// Layer returns the self-attention arena of layer i.
func (c *Cache) Layer(i int) *LayerCache { return &c.layers[i] }

// CrossLayer returns the cross-attention arena of layer i. Nil when the
// layout has no cross-attention region.
func (c *Cache) CrossLayer(i int) *LayerCache {
	if c.cross == nil {
		return nil
	}
	return &c.cross[i]
}

// WriteSelf writes one position of keys and values for every layer.
// kv is indexed [layer][2] with kv[l][0] the key vectors and kv[l][1] the
// value vectors, each flat [batch, heads, headDim].
func (c *Cache) WriteSelf(position int, kv [][2][]float32) error {
	if position < 0 || position >= c.maxLength {
		return &graphs.ValidationError{
			Field:  "position",
			Reason: fmt.Sprintf("%d out of range [0,%d)", position, c.maxLength),
		}
	}
	if len(kv) != c.layout.NumLayers {
		return &graphs.ValidationError{
			Field:  "kv",
			Reason: fmt.Sprintf("%d layers, cache has %d", len(kv), c.layout.NumLayers),
		}
	}
	rowLen := c.layout.NumHeads * c.layout.HeadDim
	want := c.batchSize * rowLen
	for l, pair := range kv {
		if len(pair[0]) != want || len(pair[1]) != want {
			return &graphs.ValidationError{
				Field:  "kv",
				Reason: fmt.Sprintf("layer %d expects %d values per plane", l, want),
			}
		}
		keys := c.layers[l].Keys.Data.([]float32)
		values := c.layers[l].Values.Data.([]float32)
		for b := 0; b < c.batchSize; b++ {
			for h := 0; h < c.layout.NumHeads; h++ {
				src := (b*c.layout.NumHeads + h) * c.layout.HeadDim
				dst := ((b*c.layout.NumHeads+h)*c.maxLength + position) * c.layout.HeadDim
				copy(keys[dst:dst+c.layout.HeadDim], pair[0][src:src+c.layout.HeadDim])
				copy(values[dst:dst+c.layout.HeadDim], pair[1][src:src+c.layout.HeadDim])
			}
		}
	}
	return nil
}

// Traverse applies fn to every cached tensor, in a stable order (self keys,
// self values, then cross keys, cross values, layer by layer), replacing
// each with fn's result. fn must preserve shape; a shape change fails the
// traversal and leaves the remaining tensors untouched. This is the hook
// for beam-search style batch reordering.
func (c *Cache) Traverse(fn func(t graphs.NamedTensor) (graphs.NamedTensor, error)) error {
	apply := func(t *graphs.NamedTensor) error {
		out, err := fn(*t)
		if err != nil {
			return err
		}
		if !shapeEqual(out.Shape, t.Shape) {
			return &graphs.ValidationError{
				Field:  t.Name,
				Reason: fmt.Sprintf("traverse changed shape %v to %v", t.Shape, out.Shape),
			}
		}
		*t = out
		return nil
	}
	for i := range c.layers {
		if err := apply(&c.layers[i].Keys); err != nil {
			return err
		}
		if err := apply(&c.layers[i].Values); err != nil {
			return err
		}
	}
	for i := range c.cross {
		if err := apply(&c.cross[i].Keys); err != nil {
			return err
		}
		if err := apply(&c.cross[i].Values); err != nil {
			return err
		}
	}
	return nil
}

func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
