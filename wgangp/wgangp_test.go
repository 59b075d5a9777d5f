// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgangp

import (
	"flag"
	"fmt"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/generative/datasets/freyfaces"
	"github.com/gomlx/generative/gan"
)

var flagDataDir = flag.String("data", "/tmp/gomlx_freyfaces", "Directory to cache downloaded dataset files.")

func TestGeneratorAndCriticShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	g := NewGraph(backend, "wgangp-model")
	const batchSize = 4

	noise := Zeros(g, shapes.Make(dtypes.Float32, batchSize, 128))
	images := Generator(ctx, noise, 28, 20)
	assert.True(t, images.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, 28, 20, 1)),
		"generated images shaped %s", images.Shape())

	scores := Critic(ctx, images)
	assert.True(t, scores.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, 1)),
		"critic scores shaped %s", scores.Shape())
	fmt.Printf("\tModel parameters: %d\n", ctx.NumParameters())
}

func TestGradientPenalty(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	const (
		batchSize = 3
		height    = 4
		width     = 4
	)

	// With the critic c(x) = sum(x), the gradient at any point is all ones, its
	// norm is sqrt(height*width) and the penalty is
	// weight * (sqrt(height*width) - 1)^2, independent of the interpolation.
	sumCritic := func(_ *context.Context, images *Node) *Node {
		return ReduceSum(images, 1, 2, 3)
	}
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{GradientPenalty(ctx, sumCritic, inputs[0], inputs[1])}
	})
	realImages := make([][][][]float32, batchSize)
	fakeImages := make([][][][]float32, batchSize)
	for b := range batchSize {
		realImages[b] = make([][][]float32, height)
		fakeImages[b] = make([][][]float32, height)
		for y := range height {
			realImages[b][y] = make([][]float32, width)
			fakeImages[b][y] = make([][]float32, width)
			for x := range width {
				realImages[b][y][x] = []float32{0.25}
				fakeImages[b][y][x] = []float32{0.75}
			}
		}
	}
	got := exec.MustExec(realImages, fakeImages)[0]
	weight := context.GetParamOr(ctx, ParamGradientPenaltyWeight, 10.0)
	want := weight * math.Pow(math.Sqrt(float64(height*width))-1, 2)
	assert.InDelta(t, want, float64(got.Value().(float32)), 1e-3)
}

func TestCriticTrainStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext().Checked(false)
	// A small critic and generator keep the second-order gradients cheap.
	ctx.SetParam(ParamBaseChannels, 4)
	ctx.SetParam(ParamLatentDim, 8)
	const (
		batchSize = 2
		height    = 8
		width     = 8
	)
	trainers := gan.NewTrainers(backend, ctx,
		BuildGeneratorTrainGraph(height, width), BuildCriticTrainGraph(height, width),
		nil, []metrics.Interface{}, []metrics.Interface{})

	// The critic loss contains Gradient() nodes from the penalty, so this
	// step differentiates through a gradient.
	images := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, height, width, 1))
	stepMetrics, err := trainers.Discriminator.TrainStep(nil, []*tensors.Tensor{images}, nil)
	require.NoError(t, err)
	loss := float64(stepMetrics[0].Value().(float32))
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0), "critic loss %g must be finite", loss)

	var criticVar *context.Variable
	ctx.In(gan.DiscriminatorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		if criticVar == nil && v.Trainable {
			criticVar = v
		}
	})
	require.NotNil(t, criticVar, "the critic phase must have created trainable variables")
	var before []float32
	tensors.MustConstFlatData[float32](criticVar.Value(), func(flat []float32) {
		before = append([]float32{}, flat...)
	})

	_, err = trainers.Discriminator.TrainStep(nil, []*tensors.Tensor{images}, nil)
	require.NoError(t, err)
	changed := false
	tensors.MustConstFlatData[float32](criticVar.Value(), func(flat []float32) {
		for ii, v := range flat {
			if v != before[ii] {
				changed = true
				return
			}
		}
	})
	assert.True(t, changed, "critic variable %q must move under the penalty-bearing loss", criticVar.Name())
}

func TestFreyFacesImagesDataset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping frey faces dataset test: it downloads the data file")
	}
	backend := graphtest.BuildTestBackend()
	const batchSize = 4
	ds := newImagesDataset(backend, DatasetFreyFaces, "freyfaces-test", *flagDataDir, batchSize)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.True(t, inputs[0].Shape().Equal(
		shapes.Make(dtypes.Float32, batchSize, freyfaces.Height, freyfaces.Width, 1)),
		"frey faces batch shaped %s", inputs[0].Shape())
}

func TestWassersteinLossDirection(t *testing.T) {
	// The critic surrogate loss must decrease as real scores grow above fake
	// scores: check the ordering of the loss for separated means.
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(realScores, fakeScores *Node) *Node {
		return Sub(ReduceAllMean(fakeScores), ReduceAllMean(realScores))
	})
	separated := exec.Call1([]float32{2, 2}, []float32{-2, -2})
	confused := exec.Call1([]float32{0, 0}, []float32{0, 0})
	assert.Less(t,
		float64(separated.Value().(float32)),
		float64(confused.Value().(float32)))
}
