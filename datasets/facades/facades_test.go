// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package facades

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestSplitPair(t *testing.T) {
	combined := image.NewNRGBA(image.Rect(0, 0, 512, 256))
	// Left half red (the photo), right half blue (the label map).
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			combined.Set(x, y, color.NRGBA{R: 255, A: 255})
			combined.Set(x+256, y, color.NRGBA{B: 255, A: 255})
		}
	}
	photo, labelMap := SplitPair(combined)
	assert.Equal(t, 256, photo.Bounds().Dx())
	assert.Equal(t, 256, labelMap.Bounds().Dx())
	r, _, _, _ := photo.At(photo.Bounds().Min.X, photo.Bounds().Min.Y).RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
	_, _, b, _ := labelMap.At(labelMap.Bounds().Min.X, labelMap.Bounds().Min.Y).RGBA()
	assert.Equal(t, uint32(0xFFFF), b)
}

func TestJitterKeepsSize(t *testing.T) {
	ds := &Dataset{size: 64, dtype: dtypes.Float32, rng: rand.New(rand.NewSource(0))}
	photo := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	labelMap := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for range 10 {
		p, l := ds.jitter(photo, labelMap)
		assert.Equal(t, 64, p.Bounds().Dx())
		assert.Equal(t, 64, p.Bounds().Dy())
		assert.Equal(t, 64, l.Bounds().Dx())
		assert.Equal(t, 64, l.Bounds().Dy())
	}
}

func TestImageToTensor(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 128, B: 0, A: 255})
		}
	}
	imageT := imageToTensor(img, 8, dtypes.Float32)
	imageT.Shape().AssertDims(8, 8, 3)
	values := imageT.Value().([][][]float32)
	assert.InDelta(t, 1.0, values[3][3][0], 1e-3)
	assert.InDelta(t, 0.5, values[3][3][1], 2e-2)
	assert.InDelta(t, 0.0, values[3][3][2], 1e-3)
}
