// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pix2pix

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"

	"github.com/gomlx/generative/unet"
)

func TestGeneratorAndDiscriminatorShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	g := NewGraph(backend, "pix2pix-model")
	const (
		batchSize = 2
		size      = 64
	)

	labelMaps := Zeros(g, shapes.Make(dtypes.Float32, batchSize, size, size, 3))
	photos := Generator(ctx, labelMaps)
	assert.True(t, photos.Shape().Equal(labelMaps.Shape()),
		"translated photos shaped %s", photos.Shape())

	// PatchGAN logits: one score per 8x8-strided patch.
	logits := Discriminator(ctx, labelMaps, photos)
	assert.True(t, logits.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, size/8, size/8, 1)),
		"patch logits shaped %s", logits.Shape())
	fmt.Printf("\tModel parameters: %d\n", ctx.NumParameters())
}

func TestRangeMapping(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(x *Node) *Node {
		return FromTanhRange(toTanhRange(x))
	}, []float32{0, 0.25, 0.5, 1})
	assert.InDeltaSlice(t, []float32{0, 0.25, 0.5, 1},
		got.Value().([]float32), 1e-6)
}

func TestTranslatorDropoutIsActive(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext().Checked(false)
	// A tiny generator with aggressive dropout keeps the test fast and makes
	// two identical translations vanishingly unlikely.
	ctx.SetParam(unet.ParamChannels, []int{4, 8})
	ctx.SetParam(unet.ParamNumResidualBlocks, 1)
	ctx.SetParam(layers.ParamDropBlockProbability, 0.5)
	const size = 16
	labelMaps := tensors.FromShape(shapes.Make(dtypes.Float32, 1, size, size, 3))

	// Create the generator variables first, the translator then reuses them.
	warmup := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return Generator(ctx, toTanhRange(x))
	})
	warmup.MustExec(labelMaps)
	warmup.Finalize()

	translator := NewTranslator(backend, ctx)
	defer translator.Finalize()
	first := translator.Translate(labelMaps)
	second := translator.Translate(labelMaps)
	differ := false
	tensors.MustConstFlatData[float32](first, func(flatFirst []float32) {
		tensors.MustConstFlatData[float32](second, func(flatSecond []float32) {
			for ii, v := range flatFirst {
				if v != flatSecond[ii] {
					differ = true
					return
				}
			}
		})
	})
	assert.True(t, differ,
		"dropout is the translator's noise source, two translations of the same label map must differ")
}

func TestGeneratorLossIncludesReconstruction(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext().Checked(false)
	g := NewGraph(backend, "pix2pix-generator-phase")
	const (
		batchSize = 1
		size      = 32
	)
	labelMaps := Zeros(g, shapes.Make(dtypes.Float32, batchSize, size, size, 3))
	photos := Zeros(g, shapes.Make(dtypes.Float32, batchSize, size, size, 3))
	outputs := BuildGeneratorTrainGraph()(ctx, nil, []*Node{labelMaps, photos})
	assert.Len(t, outputs, 2)
	assert.True(t, outputs[0].Shape().Equal(labelMaps.Shape()), "fake photos shape")
	assert.True(t, outputs[1].Shape().IsScalar(), "loss must be a scalar")
}
