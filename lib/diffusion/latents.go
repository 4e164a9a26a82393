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
	"image"
	"image/color"
	"math/rand"

	"golang.org/x/image/draw"
)

// initNoise fills n values with standard normal noise, deterministic for a
// given seed.
func initNoise(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

// imageFromCHW converts one [3, height, width] plane of VAE output in
// [-1, 1] into an RGBA image.
func imageFromCHW(data []float32, width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			img.SetRGBA(x, y, color.RGBA{
				R: pixelByte(data[i]),
				G: pixelByte(data[plane+i]),
				B: pixelByte(data[2*plane+i]),
				A: 255,
			})
		}
	}
	return img
}

func pixelByte(v float32) uint8 {
	scaled := (v + 1) / 2 * 255
	if scaled < 0 {
		return 0
	}
	if scaled > 255 {
		return 255
	}
	return uint8(scaled)
}

// imageToCHW scales an image to size x size and flattens it to a
// [3, size, size] plane in [-1, 1], the safety checker's input layout.
func imageToCHW(img image.Image, size int) []float32 {
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Over, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			i := y*size + x
			out[i] = float32(r>>8)/127.5 - 1
			out[plane+i] = float32(g>>8)/127.5 - 1
			out[2*plane+i] = float32(b>>8)/127.5 - 1
		}
	}
	return out
}

// placeholderImage is the stand-in returned for safety-flagged results:
// solid mid-gray at the requested resolution.
func placeholderImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	gray := color.RGBA{R: 127, G: 127, B: 127, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, gray)
		}
	}
	return img
}
