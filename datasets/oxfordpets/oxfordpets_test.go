// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package oxfordpets

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimapToTensor(t *testing.T) {
	const size = 4
	trimap := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Trimap files carry values 1 (pet), 2 (background) and 3 (border).
			trimap.SetGray(x, y, color.Gray{Y: uint8(1 + (x+y)%3)})
		}
	}
	maskT := trimapToTensor(trimap, size)
	maskT.Shape().AssertDims(size, size, 1)
	assert.Equal(t, dtypes.Int32, maskT.DType())

	flat := maskT.Value().([][][]int32)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			assert.Equal(t, int32((x+y)%3), flat[y][x][0])
		}
	}
}

func TestResizeAndCenterCrop(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 300, 200))
	out := resizeAndCenterCrop(img, 64, imaging.Linear)
	assert.Equal(t, 64, out.Bounds().Dx())
	assert.Equal(t, 64, out.Bounds().Dy())

	tall := image.NewNRGBA(image.Rect(0, 0, 100, 250))
	out = resizeAndCenterCrop(tall, 32, imaging.NearestNeighbor)
	assert.Equal(t, 32, out.Bounds().Dx())
	assert.Equal(t, 32, out.Bounds().Dy())
}

func TestImageToTensorRange(t *testing.T) {
	const size = 2
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	img.Set(0, 0, color.NRGBA{R: 255, G: 0, B: 127, A: 255})
	imageT := imageToTensor(img, size, dtypes.Float32)
	imageT.Shape().AssertDims(size, size, 3)
	values := imageT.Value().([][][]float32)
	require.InDelta(t, 1.0, values[0][0][0], 1e-3)
	require.InDelta(t, 0.0, values[0][0][1], 1e-3)
	require.InDelta(t, 0.5, values[0][0][2], 2e-2)
}
