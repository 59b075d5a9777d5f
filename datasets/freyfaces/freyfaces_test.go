// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package freyfaces

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillImagesOrdering(t *testing.T) {
	pixels := make([]float64, NumExamples*Height*Width)
	// Mark the first pixel of the second row of example 3.
	pixels[3*Height*Width+1*Width] = 1
	imagesT := tensors.FromShape(shapes.Make(dtypes.Float32, NumExamples, Height, Width, 1))
	fillImages[float32](imagesT, pixels)

	values := imagesT.Value().([][][][]float32)
	assert.Equal(t, float32(1), values[3][1][0][0])
	assert.Equal(t, float32(0), values[3][0][0][0])
	assert.Equal(t, float32(0), values[2][1][0][0])
}

func TestLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Frey faces download in -short mode")
	}
	dataDir := t.TempDir()
	require.NoError(t, Download(dataDir))
	images, err := Load(dataDir, dtypes.Float32)
	require.NoError(t, err)
	images.Shape().AssertDims(NumExamples, Height, Width, 1)
}
