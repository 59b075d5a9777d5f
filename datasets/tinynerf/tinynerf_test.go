// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tinynerf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraRays(t *testing.T) {
	identity := []float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
	const focal = 100.0
	origins, directions := CameraRays(identity, focal)
	require.Len(t, origins, Height*Width*3)
	require.Len(t, directions, Height*Width*3)

	for _, v := range origins {
		assert.Zero(t, v, "identity pose puts the camera at the origin")
	}

	// The pixel at the image center looks straight down -z.
	center := ((Height/2)*Width + Width/2) * 3
	assert.InDelta(t, 0, directions[center], 1e-6)
	assert.InDelta(t, 0, directions[center+1], 1e-6)
	assert.InDelta(t, -1, directions[center+2], 1e-6)

	// The top-left pixel looks left and up.
	assert.InDelta(t, -float64(Width/2)/focal, directions[0], 1e-6)
	assert.InDelta(t, float64(Height/2)/focal, directions[1], 1e-6)
	assert.InDelta(t, -1, directions[2], 1e-6)
}

func TestPoseAndColorsViews(t *testing.T) {
	d := &Data{
		NumImages: 2,
		Images:    make([]float32, 2*Height*Width*3),
		Poses:     make([]float32, 2*16),
		Focal:     100,
	}
	d.Images[Height*Width*3] = 0.5 // first pixel of the second view
	d.Poses[16] = 2                // first entry of the second pose

	assert.EqualValues(t, 0.5, d.Colors(1)[0])
	assert.EqualValues(t, 2, d.Pose(1)[0])
	assert.Len(t, d.Colors(0), Height*Width*3)
	assert.Len(t, d.Pose(0), 16)
}
