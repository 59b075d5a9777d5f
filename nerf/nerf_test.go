// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nerf

import (
	"fmt"
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

func TestPositionalEncoding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := MustExecOnce(backend, func(x *Node) *Node {
		return PositionalEncoding(x, 2)
	}, [][]float32{{1, 0.5, -1}})

	x := []float64{1, 0.5, -1}
	var want []float32
	for _, v := range x {
		want = append(want, float32(v))
	}
	for _, scale := range []float64{1, 2} {
		for _, v := range x {
			want = append(want, float32(math.Sin(scale*v)))
		}
		for _, v := range x {
			want = append(want, float32(math.Cos(scale*v)))
		}
	}
	tensors.MustConstFlatData[float32](got, func(flat []float32) {
		require.Len(t, flat, 15)
		for ii, v := range flat {
			assert.InDelta(t, want[ii], v, 1e-5)
		}
	})
}

func TestSampleDepths(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const (
		numRays    = 2
		numSamples = 4
		near, far  = 2.0, 6.0
	)
	binSize := (far - near) / numSamples

	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, stratified *Node) *Node {
			g := stratified.Graph()
			return SampleDepths(ctx, g, numRays, numSamples, near, far, false)
		})
	tensors.MustConstFlatData[float32](exec.MustExec(int32(0))[0], func(flat []float32) {
		require.Len(t, flat, numRays*numSamples)
		for ii, v := range flat {
			center := near + (float64(ii%numSamples)+0.5)*binSize
			assert.InDelta(t, center, v, 1e-5)
		}
	})

	stratifiedExec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, stratified *Node) *Node {
			g := stratified.Graph()
			return SampleDepths(ctx, g, numRays, numSamples, near, far, true)
		})
	tensors.MustConstFlatData[float32](stratifiedExec.MustExec(int32(0))[0], func(flat []float32) {
		for ii, v := range flat {
			bin := ii % numSamples
			assert.GreaterOrEqual(t, float64(v), near+float64(bin)*binSize)
			assert.Less(t, float64(v), near+float64(bin+1)*binSize)
		}
	})
}

func TestRenderRays(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := MustNewExec(backend, func(inputs []*Node) []*Node {
		colors, accumulated := RenderRays(inputs[0], inputs[1], inputs[2])
		return []*Node{colors, accumulated}
	})

	// One ray, three samples. The middle sample is fully opaque, so the
	// pixel takes its color; the others contribute nothing.
	rgb := [][][]float32{{{1, 0, 0}, {0.2, 0.4, 0.6}, {0, 0, 1}}}
	sigma := [][]float32{{0, 1e9, 5}}
	depths := [][]float32{{1, 2, 3}}
	outputs := exec.Call(rgb, sigma, depths)
	tensors.MustConstFlatData[float32](outputs[0], func(flat []float32) {
		require.Len(t, flat, 3)
		assert.InDelta(t, 0.2, flat[0], 1e-4)
		assert.InDelta(t, 0.4, flat[1], 1e-4)
		assert.InDelta(t, 0.6, flat[2], 1e-4)
	})
	tensors.MustConstFlatData[float32](outputs[1], func(flat []float32) {
		assert.InDelta(t, 1.0, flat[0], 1e-4)
	})

	// Zero density everywhere composites to the white background.
	sigma = [][]float32{{0, 0, 0}}
	outputs = exec.Call(rgb, sigma, depths)
	tensors.MustConstFlatData[float32](outputs[0], func(flat []float32) {
		for _, v := range flat {
			assert.InDelta(t, 1.0, v, 1e-5)
		}
	})
	tensors.MustConstFlatData[float32](outputs[1], func(flat []float32) {
		assert.InDelta(t, 0.0, flat[0], 1e-5)
	})
}

func TestModelGraphShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	// A small field keeps the test fast.
	ctx.SetParam(ParamNumHiddenLayers, 2)
	ctx.SetParam(ParamNumHiddenNodes, 8)
	ctx.SetParam(ParamNumSamples, 8)
	g := NewGraph(backend, "nerf-model")
	const numRays = 4

	origins := Zeros(g, shapes.Make(dtypes.Float32, numRays, 3))
	directions := Zeros(g, shapes.Make(dtypes.Float32, numRays, 3))
	colors := ModelGraph(ctx, nil, []*Node{origins, directions})[0]
	assert.True(t, colors.Shape().Equal(shapes.Make(dtypes.Float32, numRays, 3)),
		"rendered colors shaped %s", colors.Shape())
	fmt.Printf("\tModel parameters: %d\n", ctx.NumParameters())
}

func TestPSNR(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			return []*Node{PSNRGraph(ctx, inputs[:1], inputs[1:])}
		})

	// MSE of 0.01 is exactly 20dB.
	labels := [][]float32{{0, 0, 0}}
	predictions := [][]float32{{0.1, 0.1, 0.1}}
	tensors.MustConstFlatData[float32](exec.MustExec(labels, predictions)[0], func(flat []float32) {
		assert.InDelta(t, 20.0, flat[0], 1e-4)
	})
}

func TestRadianceFieldDefaults(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	numParameters := func(ctx *context.Context) int {
		g := NewGraph(backend, "radiance-field")
		encoded := Zeros(g, shapes.Make(dtypes.Float32, 3, 63))
		_ = RadianceField(ctx, encoded)
		return ctx.NumParameters()
	}
	// A context without hyperparameters must build the same field as the
	// shipped defaults.
	assert.Equal(t, numParameters(CreateDefaultContext()), numParameters(context.New()))
}
