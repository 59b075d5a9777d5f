// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segmentation

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/generative/unet"
)

func TestMeanIoU(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	// Logits whose argmax segments a 2x2 image as [[0, 1], [1, 2]], against a
	// mask [[0, 1], [2, 2]]:
	//   class 0: intersection 1, union 1 -> IoU 1.
	//   class 1: intersection 1, union 2 -> IoU 0.5.
	//   class 2: intersection 1, union 2 -> IoU 0.5.
	logits := [][][][]float32{{
		{{5, 0, 0}, {0, 5, 0}},
		{{0, 5, 0}, {0, 0, 5}},
	}}
	masks := [][][][]int32{{
		{{0}, {1}},
		{{2}, {2}},
	}}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{MeanIoUGraph(NumClasses)(ctx, inputs[1:], inputs[:1])}
	})
	got := exec.MustExec(logits, masks)[0]
	assert.InDelta(t, 2.0/3.0, float64(got.Value().(float32)), 1e-6)

	// A class absent from both prediction and mask is excluded from the mean:
	// only classes 0 and 1 appear, perfectly predicted.
	logits = [][][][]float32{{
		{{5, 0, 0}, {0, 5, 0}},
		{{5, 0, 0}, {0, 5, 0}},
	}}
	masks = [][][][]int32{{
		{{0}, {1}},
		{{0}, {1}},
	}}
	got = exec.MustExec(logits, masks)[0]
	assert.InDelta(t, 1.0, float64(got.Value().(float32)), 1e-6)
}

func TestComparisonImages(t *testing.T) {
	imgFlat := make([]float32, 12)
	for ii := range imgFlat {
		imgFlat[ii] = float32(ii) / 12
	}
	images := tensors.FromFlatDataAndDimensions(imgFlat, 1, 2, 2, 3)
	masks := tensors.FromFlatDataAndDimensions([]int32{0, 1, 2, 0}, 1, 2, 2, 1)
	predictions := tensors.FromFlatDataAndDimensions([]int32{2, 2, 0, 1}, 1, 2, 2)

	grid, err := ComparisonImages(images, masks, predictions)
	require.NoError(t, err)
	require.True(t, grid.Shape().Equal(shapes.Make(dtypes.Float32, 3, 2, 2, 3)),
		"grid shaped %s", grid.Shape())
	tensors.MustConstFlatData[float32](grid, func(flat []float32) {
		// First row is the photo itself.
		assert.Equal(t, imgFlat, flat[:12])
		// Second row renders the mask classes as gray levels class/(NumClasses-1).
		assert.Equal(t, []float32{0, 0, 0, 0.5, 0.5, 0.5, 1, 1, 1, 0, 0, 0}, flat[12:24])
		// Third row renders the predicted classes the same way.
		assert.Equal(t, []float32{1, 1, 1, 1, 1, 1, 0, 0, 0, 0.5, 0.5, 0.5}, flat[24:36])
	})

	// Shape mismatches are rejected.
	badMasks := tensors.FromFlatDataAndDimensions([]int32{0, 1}, 1, 2, 1, 1)
	_, err = ComparisonImages(images, badMasks, predictions)
	require.Error(t, err)
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext().Checked(false)
	ctx.SetParam(unet.ParamChannels, []int{4, 8})
	ctx.SetParam(unet.ParamNumResidualBlocks, 1)

	// Build the model variables first, as a trained checkpoint would have.
	warmup := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{images})[0]
	})
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 8, 8, 3))
	warmup.MustExec(images)
	warmup.Finalize()

	predictions := Predict(ctx, backend, images)
	require.True(t, predictions.Shape().Equal(shapes.Make(dtypes.Int32, 2, 8, 8)),
		"predictions shaped %s", predictions.Shape())
	tensors.MustConstFlatData[int32](predictions, func(flat []int32) {
		for _, class := range flat {
			assert.GreaterOrEqual(t, class, int32(0))
			assert.Less(t, class, int32(NumClasses))
		}
	})
}

func TestModelGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	g := NewGraph(backend, "segmentation-model")
	images := Zeros(g, shapes.Make(dtypes.Float32, 2, 32, 32, 3))
	outputs := ModelGraph(ctx, nil, []*Node{images})
	require.Len(t, outputs, 1)
	assert.True(t, outputs[0].Shape().Equal(shapes.Make(dtypes.Float32, 2, 32, 32, NumClasses)),
		"logits shaped %s", outputs[0].Shape())
	fmt.Printf("\tModel parameters: %d\n", ctx.NumParameters())
}
