// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nerf fits a tiny neural radiance field to the lego bulldozer
// scene: an MLP maps positionally-encoded 3D points to color and density,
// and pixels are rendered by compositing stratified samples along each
// camera ray with the discrete volume rendering recurrence.
package nerf

import (
	"math"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// Hyperparameters read from the context.
const (
	// ParamNumBands is the number of positional encoding frequency bands.
	ParamNumBands = "nerf_frequency_bands"

	// ParamNumSamples is the number of depths sampled along each ray.
	ParamNumSamples = "nerf_ray_samples"

	// ParamNear and ParamFar bound the depths sampled along rays.
	ParamNear = "nerf_near"
	ParamFar  = "nerf_far"

	// ParamNumHiddenLayers and ParamNumHiddenNodes size the radiance field
	// MLP. The layer count includes both halves around the skip connection,
	// so it must be even and >= 2.
	ParamNumHiddenLayers = "nerf_hidden_layers"
	ParamNumHiddenNodes  = "nerf_hidden_nodes"

	// ParamHeldOutView is the view excluded from the training rays, used for
	// evaluation and rendering monitors.
	ParamHeldOutView = "nerf_held_out_view"
)

// FieldScope is the scope of the radiance field variables.
const FieldScope = "field"

// lastSampleDistance stands in for the unbounded interval past the last
// depth sample.
const lastSampleDistance = 1e10

// PositionalEncoding maps coordinates shaped [..., d] to
// [..., d*(1+2*numBands)]: the raw coordinates followed by sin and cos of
// the coordinates scaled by 2^k, k in [0, numBands).
func PositionalEncoding(x *Node, numBands int) *Node {
	parts := make([]*Node, 0, 1+2*numBands)
	parts = append(parts, x)
	for k := range numBands {
		scaled := MulScalar(x, math.Pow(2, float64(k)))
		parts = append(parts, Sin(scaled), Cos(scaled))
	}
	return Concatenate(parts, -1)
}

// RadianceField is the scene MLP: it maps positionally-encoded points shaped
// [..., encodingDim] to raw [..., 4] outputs, the unbounded rgb logits and
// density. The encoding re-enters through a skip concatenation halfway
// through the stack.
func RadianceField(rootCtx *context.Context, encoded *Node) *Node {
	ctx := rootCtx.In(FieldScope)
	numLayers := context.GetParamOr(ctx, ParamNumHiddenLayers, 8)
	numNodes := context.GetParamOr(ctx, ParamNumHiddenNodes, 256)

	half := numLayers / 2
	h := fnn.New(ctx.In("trunk"), encoded, numNodes).
		NumHiddenLayers(half-1, numNodes).
		Done()
	h = activations.Relu(h)
	h = Concatenate([]*Node{h, encoded}, -1)
	return fnn.New(ctx.In("head"), h, 4).
		NumHiddenLayers(half-1, numNodes).
		Done()
}

// SampleDepths draws numSamples depths per ray in [near, far), shaped
// [numRays, numSamples] and sorted along the last axis. Each depth falls in
// its own uniform bin: jittered inside the bin when stratified, at the bin
// center otherwise.
func SampleDepths(ctx *context.Context, g *Graph, numRays, numSamples int, near, far float64, stratified bool) *Node {
	shape := shapes.Make(dtypes.F32, numRays, numSamples)
	var offsets *Node
	if stratified {
		offsets = ctx.RandomUniform(g, shape)
	} else {
		offsets = AddScalar(Zeros(g, shape), 0.5)
	}
	bins := Iota(g, shape, 1)
	return AddScalar(
		MulScalar(Add(bins, offsets), (far-near)/float64(numSamples)),
		near)
}

// RenderRays composites color and density samples into pixel colors:
// alpha_i = 1-exp(-sigma_i*delta_i), transmittance is the exclusive product
// of (1-alpha), and the pixel is the transmittance-and-alpha weighted sum of
// sample colors, completed with a white background. rgb is shaped
// [numRays, numSamples, 3], sigma and depths [numRays, numSamples]; it
// returns the composite [numRays, 3] colors and the [numRays] accumulated
// opacity.
func RenderRays(rgb, sigma, depths *Node) (colors, accumulated *Node) {
	g := depths.Graph()
	numRays := depths.Shape().Dimensions[0]

	// Distance covered by each sample; the last one extends to infinity.
	deltas := Sub(
		Slice(depths, AxisRange(), AxisRangeToEnd(1)),
		Slice(depths, AxisRange(), AxisRangeFromStart(-1)))
	sentinel := AddScalar(Zeros(g, shapes.Make(depths.DType(), numRays, 1)), lastSampleDistance)
	deltas = Concatenate([]*Node{deltas, sentinel}, -1)

	alpha := OneMinus(Exp(Neg(Mul(sigma, deltas))))

	// Exclusive cumulative product of (1-alpha) in log space.
	logOneMinusAlpha := Log(AddScalar(OneMinus(alpha), 1e-10))
	logTransmittance := Sub(CumSum(logOneMinusAlpha, -1), logOneMinusAlpha)
	weights := Mul(alpha, Exp(logTransmittance))

	colors = ReduceSum(Mul(InsertAxes(weights, -1), rgb), 1)
	accumulated = ReduceSum(weights, 1)
	colors = Add(colors, InsertAxes(OneMinus(accumulated), -1))
	return
}

// ModelGraph renders a batch of rays: inputs are ray origins and directions,
// both shaped [numRays, 3], and the output is the rendered [numRays, 3]
// colors. Depths are stratified while training and deterministic bin centers
// otherwise.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	origins, directions := inputs[0], inputs[1]
	g := origins.Graph()
	numRays := origins.Shape().Dimensions[0]

	numBands := context.GetParamOr(ctx, ParamNumBands, 6)
	numSamples := context.GetParamOr(ctx, ParamNumSamples, 64)
	near := context.GetParamOr(ctx, ParamNear, 2.0)
	far := context.GetParamOr(ctx, ParamFar, 6.0)

	depths := SampleDepths(ctx, g, numRays, numSamples, near, far, ctx.IsTraining(g))
	points := Add(
		InsertAxes(origins, 1),
		Mul(InsertAxes(directions, 1), InsertAxes(depths, -1)))

	raw := RadianceField(ctx, PositionalEncoding(points, numBands))
	rgb := Sigmoid(Slice(raw, AxisRange(), AxisRange(), AxisRangeFromStart(3)))
	sigma := Softplus(Squeeze(Slice(raw, AxisRange(), AxisRange(), AxisElem(3)), -1))

	colors, _ := RenderRays(rgb, sigma, depths)
	return []*Node{colors}
}

// PSNRGraph is the peak signal-to-noise ratio (in dB) of a batch of rendered
// colors against their ground truth pixels, both in [0, 1].
func PSNRGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	mse := ReduceAllMean(Square(Sub(labels[0], predictions[0])))
	return MulScalar(Log(mse), -10/math.Ln10)
}

// PSNRMetric wraps PSNRGraph as a mean metric.
func PSNRMetric() metrics.Interface {
	return metrics.NewMeanMetric("PSNR", "psnr", "psnr", PSNRGraph, nil)
}
