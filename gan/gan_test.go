// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func softplus64(x float64) float64 { return math.Log1p(math.Exp(x)) }

func TestBCEWithLogitsTarget(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	logits := []float32{-2, -0.5, 0, 0.5, 2}

	// Target 1: mean of softplus(-logit).
	got := MustExecOnce(backend, func(x *Node) *Node {
		return BCEWithLogitsTarget(x, 1.0)
	}, logits)
	want := 0.0
	for _, l := range logits {
		want += softplus64(-float64(l))
	}
	want /= float64(len(logits))
	assert.InDelta(t, want, float64(got.Value().(float32)), 1e-5)

	// Target 0: mean of softplus(logit).
	got = MustExecOnce(backend, func(x *Node) *Node {
		return BCEWithLogitsTarget(x, 0.0)
	}, logits)
	want = 0.0
	for _, l := range logits {
		want += softplus64(float64(l))
	}
	want /= float64(len(logits))
	assert.InDelta(t, want, float64(got.Value().(float32)), 1e-5)

	// Smoothed target 0.9.
	got = MustExecOnce(backend, func(x *Node) *Node {
		return BCEWithLogitsTarget(x, 0.9)
	}, logits)
	want = 0.0
	for _, l := range logits {
		want += 0.9*softplus64(-float64(l)) + 0.1*softplus64(float64(l))
	}
	want /= float64(len(logits))
	assert.InDelta(t, want, float64(got.Value().(float32)), 1e-5)
}

func TestDiscriminatorAndGeneratorLosses(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	realLogits := []float32{3, 3}
	fakeLogits := []float32{-3, -3}

	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{
			DiscriminatorBCELoss(ctx, inputs[0], inputs[1]),
			GeneratorBCELoss(inputs[1]),
		}
	})
	outputs := exec.MustExec(realLogits, fakeLogits)

	// A confident discriminator on well separated logits has a small loss,
	// and the corresponding generator loss is large.
	discLoss := float64(outputs[0].Value().(float32))
	genLoss := float64(outputs[1].Value().(float32))
	assert.InDelta(t, softplus64(-3), discLoss, 1e-5)
	assert.InDelta(t, softplus64(3), genLoss, 1e-5)
	assert.Less(t, discLoss, genLoss)
}

func TestImagesToGrid(t *testing.T) {
	// 4 grayscale 2x2 images, each with a constant distinct value.
	imagesT := tensors.FromShape(shapes.Make(dtypes.Float32, 4, 2, 2, 1))
	tensors.MustMutableFlatData[float32](imagesT, func(flat []float32) {
		for img := 0; img < 4; img++ {
			for p := 0; p < 4; p++ {
				flat[img*4+p] = float32(img) / 3.0
			}
		}
	})
	grid, err := ImagesToGrid(imagesT, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, grid.Bounds().Dx())
	assert.Equal(t, 4, grid.Bounds().Dy())

	grayAt := func(x, y int) uint32 {
		r, _, _, _ := grid.At(x, y).RGBA()
		return r >> 8
	}
	assert.EqualValues(t, 0, grayAt(0, 0))   // image 0
	assert.EqualValues(t, 85, grayAt(2, 0))  // image 1
	assert.EqualValues(t, 170, grayAt(0, 2)) // image 2
	assert.EqualValues(t, 255, grayAt(2, 2)) // image 3
}
