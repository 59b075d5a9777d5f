// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package unet builds the U-Net encoder-decoder architecture shared by the
// generative exercises: per-pixel segmentation, image translation (pix2pix)
// and denoising diffusion.
//
// The network pools the image down through a list of channel sizes, applies
// residual blocks at every resolution, and up-samples back, concatenating
// skip connections from the downward path. Extra conditioning features (a
// noise-level embedding, class embeddings) can be broadcast and concatenated
// at each resolution of the downward path.
//
// Based on the Keras DDIM tutorial architecture, see
// https://keras.io/examples/generative/ddim/.
package unet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// Hyperparameter names read from the context.
const (
	// ParamChannels is the number of channels at each image resolution: the
	// image is pooled to progressively smaller sizes with more channels. At
	// most log2(size) values.
	ParamChannels = "unet_channels"

	// ParamNumResidualBlocks applied per resolution.
	ParamNumResidualBlocks = "unet_residual_blocks"

	// ParamPool selects the pooling: "mean", "max", "sum" or "concat".
	ParamPool = "unet_pool"

	// ParamSinusoidalEmbedSize is the size of SinusoidalEmbedding features.
	ParamSinusoidalEmbedSize = "sinusoidal_embed_size"
	ParamSinusoidalMinFreq   = "sinusoidal_min_freq"
	ParamSinusoidalMaxFreq   = "sinusoidal_max_freq"
)

// SinusoidalEmbedding provides sine/cosine embeddings of `x` at geometrically
// spaced frequencies. It is applied to scalar conditioning signals, like the
// noise variance of a diffusion step, making it easy for the model to
// distinguish nearby levels.
//
// The last axis of the result has size "sinusoidal_embed_size".
func SinusoidalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	halfEmbed := context.GetParamOr(ctx, ParamSinusoidalEmbedSize, 32) / 2
	logMinFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMinFreq, 1.0))
	logMaxFreq := math.Log(context.GetParamOr(ctx, ParamSinusoidalMaxFreq, 1000.0))
	frequencies := IotaFull(g, shapes.Make(x.DType(), halfEmbed))
	frequencies = AddScalar(
		MulScalar(frequencies, (logMaxFreq-logMinFreq)/float64(halfEmbed-1.0)),
		logMinFreq)
	frequencies = Exp(frequencies)

	angularSpeeds := MulScalar(frequencies, 2.0*math.Pi)
	if !x.Shape().IsScalar() {
		angularSpeeds = ExpandLeftToRank(angularSpeeds, x.Rank())
	}
	angles := Mul(angularSpeeds, x)
	return Concatenate([]*Node{Sin(angles), Cos(angles)}, -1)
}

// NormalizeLayer applies the normalization configured with
// layers.ParamNormalization: "none", "batch" or "layer".
func NormalizeLayer(ctx *context.Context, x *Node) *Node {
	norm := context.GetParamOr(ctx, layers.ParamNormalization, "none")
	switch norm {
	case "none":
		// No-op.
	case "batch":
		x = batchnorm.New(ctx, x, -1).Center(false).Scale(false).Done()
	case "layer":
		x = layers.LayerNormalization(ctx, x, 1, 2).Done()
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are none, batch or layer", layers.ParamNormalization, norm)
	}
	return x
}

// ConcatFeatures concatenates contextFeatures, shaped [batchSize, 1, 1, n],
// to every spatial position of x. A nil contextFeatures is a no-op.
func ConcatFeatures(x, contextFeatures *Node) *Node {
	if contextFeatures == nil {
		return x
	}
	broadcastDims := contextFeatures.Shape().Clone().Dimensions
	for _, axis := range timages.GetSpatialAxes(x, timages.ChannelsLast) {
		broadcastDims[axis] = x.Shape().Dimensions[axis]
	}
	contextFeatures = BroadcastToDims(contextFeatures, broadcastDims...)
	return Concatenate([]*Node{x, contextFeatures}, -1)
}

// ResidualBlock with `outputChannels` channels in the output.
//
// `x` must be rank 4, shaped [batchSize, height, width, channels]. When the
// input channels differ from outputChannels, the residual goes through a
// dense projection.
func ResidualBlock(ctx *context.Context, x *Node, outputChannels int) *Node {
	x.AssertRank(4)
	inputChannels := x.Shape().Dimensions[3]
	residual := x
	layerNum := 0
	nextCtx := func(name string) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-%s", layerNum, name)
		layerNum++
		return
	}

	if inputChannels != outputChannels {
		residual = layers.Dense(nextCtx("residual_projection"), x, true, outputChannels)
	}
	x = NormalizeLayer(nextCtx("norm"), x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropBlock(ctx, x).ChannelsAxis(timages.ChannelsLast).Done()
	x = activations.ApplyFromContext(ctx, x)
	x = layers.Convolution(nextCtx("conv"), x).Filters(outputChannels).KernelSize(3).PadSame().Done()
	x = layers.DropBlock(ctx, x).ChannelsAxis(timages.ChannelsLast).Done()
	return Add(x, residual)
}

// DownBlock applies numBlocks residual blocks followed by a pooling of size
// 2, halving the spatial size. The output of each residual block is pushed to
// the skips stack, to be consumed later by the matching UpBlock.
func DownBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	for ii := 0; ii < numBlocks; ii++ {
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
		skips = append(skips, x)
	}
	poolType := context.GetParamOr(ctx, ParamPool, "mean")
	switch poolType {
	case "mean":
		x = MeanPool(x).Window(2).NoPadding().Done()
	case "max":
		x = MaxPool(x).Window(2).NoPadding().Done()
	case "sum":
		x = SumPool(x).Window(2).NoPadding().Done()
	case "concat":
		x = ConcatPool(x).Window(2).NoPadding().Done()
	default:
		exceptions.Panicf("invalid %q setting %q: valid values are mean, max, sum or concat", ParamPool, poolType)
	}
	return x, skips
}

// UpSample2x doubles the spatial dimensions of images, shaped
// [batchSize, height, width, channels], by repeating pixels.
func UpSample2x(images *Node) *Node {
	shape := images.Shape()
	batchSize := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	numChannels := shape.Dimensions[3]
	upSampled := Concatenate([]*Node{images, images}, 3)
	upSampled = Reshape(upSampled, batchSize, height, 2*width, numChannels)
	upSampled = Concatenate([]*Node{upSampled, upSampled}, 2)
	upSampled = Reshape(upSampled, batchSize, 2*height, 2*width, numChannels)
	return upSampled
}

// UpBlock is the counterpart to DownBlock: it up-samples by 2 and applies
// numBlocks residual blocks, concatenating one popped skip connection before
// each. It returns x and skips after popping the consumed connections.
func UpBlock(ctx *context.Context, x *Node, skips []*Node, numBlocks, outputChannels int) (*Node, []*Node) {
	x = UpSample2x(x)
	for ii := 0; ii < numBlocks; ii++ {
		var skip *Node
		skip, skips = xslices.Pop(skips)
		x = Concatenate([]*Node{x, skip}, -1)
		x = ResidualBlock(ctx.Inf("%03d-residual", ii), x, outputChannels)
	}
	return x, skips
}

// Builder configures a U-Net graph. Create it with New, configure, and call
// Done to build.
type Builder struct {
	ctx   *context.Context
	image *Node

	conditioning   []*Node
	channels       []int
	numBlocks      int
	outputChannels int
}

// New creates a U-Net builder over image, shaped
// [batchSize, size, size, channels]. Defaults are read from the context
// hyperparameters ParamChannels and ParamNumResidualBlocks; the number of
// output channels defaults to the image channels.
func New(ctx *context.Context, image *Node) *Builder {
	image.AssertRank(4)
	return &Builder{
		ctx:            ctx,
		image:          image,
		channels:       context.GetParamOr(ctx, ParamChannels, []int{32, 64, 96, 128}),
		numBlocks:      context.GetParamOr(ctx, ParamNumResidualBlocks, 2),
		outputChannels: image.Shape().Dimensions[3],
	}
}

// WithChannels overrides the channels per resolution.
func (b *Builder) WithChannels(channels ...int) *Builder {
	b.channels = channels
	return b
}

// NumResidualBlocks overrides the number of residual blocks per resolution.
func (b *Builder) NumResidualBlocks(n int) *Builder {
	b.numBlocks = n
	return b
}

// WithConditioning adds conditioning features, each shaped
// [batchSize, 1, 1, n]. They are broadcast to the spatial dimensions and
// concatenated to the input of every DownBlock.
func (b *Builder) WithConditioning(features ...*Node) *Builder {
	b.conditioning = append(b.conditioning, features...)
	return b
}

// NumOutputChannels sets the number of channels of the readout. Use the
// number of classes for segmentation, or the image channels for image
// outputs.
func (b *Builder) NumOutputChannels(n int) *Builder {
	b.outputChannels = n
	return b
}

// Done builds the U-Net graph and returns its output, shaped like the input
// image but with NumOutputChannels channels. The readout layer is
// zero-initialized, so the model starts predicting the mean of the target.
func (b *Builder) Done() *Node {
	ctx := b.ctx.WithInitializer(initializers.XavierNormalFn(b.ctx))
	x := b.image
	imgSize := x.Shape().Dimensions[1]
	if imgSize%(1<<len(b.channels)) != 0 {
		exceptions.Panicf("unet: image size %d is not divisible by 2^%d, required by %d resolutions",
			imgSize, len(b.channels), len(b.channels))
	}

	layerNum := 0
	nextCtx := func(format string, args ...any) (scopedCtx *context.Context) {
		scopedCtx = ctx.Inf("%03d-"+format, append([]any{layerNum}, args...)...)
		layerNum++
		return
	}

	var contextFeatures *Node
	if len(b.conditioning) > 0 {
		contextFeatures = b.conditioning[0]
		if len(b.conditioning) > 1 {
			contextFeatures = Concatenate(b.conditioning, -1)
		}
	}

	x = layers.Dense(nextCtx("StartingChannelsProjection"), x, true, b.channels[0])

	// Downward: pool the image to smaller sizes, keeping skip connections.
	skips := make([]*Node, 0, b.numBlocks*len(b.channels))
	for ii, numChannels := range b.channels {
		blockCtx := nextCtx("DownBlock_%d", ii)
		x = ConcatFeatures(x, contextFeatures)
		x, skips = DownBlock(blockCtx, x, skips, b.numBlocks, numChannels)
	}

	// Innermost blocks at the smallest spatial shape.
	lastNumChannels := xslices.Last(b.channels)
	for ii := range b.numBlocks {
		x = ResidualBlock(nextCtx("IntermediaryBlock-%02d", ii), x, lastNumChannels)
	}

	// Upward: up-sample back to the original size.
	for ii := range b.channels {
		blockCtx := nextCtx("UpBlock_%d", ii)
		numChannels := b.channels[len(b.channels)-(ii+1)]
		x, skips = UpBlock(blockCtx, x, skips, b.numBlocks, numChannels)
	}
	if len(skips) != 0 {
		exceptions.Panicf("unet: ended with %d skip connections not accounted for", len(skips))
	}

	x = layers.DenseWithBias(nextCtx("Readout").WithInitializer(initializers.Zero), x, b.outputChannels)
	return x
}
