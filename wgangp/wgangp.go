// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package wgangp trains a Wasserstein GAN with gradient penalty (WGAN-GP) on
// small grayscale image datasets (MNIST digits or the Frey faces).
//
// The critic approximates the Wasserstein-1 distance between the real and the
// generated image distributions, and its 1-Lipschitz constraint is enforced
// softly by penalizing the norm of its gradient at points interpolated
// between real and generated images. Since the penalty is differentiated
// through, the critic cannot use batch normalization; it normalizes with
// layer normalization instead.
package wgangp

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gomlx/generative/gan"
	"github.com/gomlx/generative/unet"
)

// Hyperparameters read from the context.
const (
	// ParamLatentDim is the dimension of the noise fed to the generator.
	ParamLatentDim = "wgan_latent_dim"

	// ParamBaseChannels is the number of channels of the convolutions.
	ParamBaseChannels = "wgan_channels"

	// ParamGradientPenaltyWeight is the weight (lambda) of the gradient
	// penalty term of the critic loss.
	ParamGradientPenaltyWeight = "wgan_gradient_penalty_weight"
)

// Generator maps noise shaped [batch, latentDim] to images shaped
// [batch, height, width, 1] in the tanh range [-1, 1]. Both height and width
// must be divisible by 4.
func Generator(rootCtx *context.Context, noise *Node, height, width int) *Node {
	ctx := rootCtx.In(gan.GeneratorScope)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 64)
	batchSize := noise.Shape().Dimensions[0]

	x := layers.DenseWithBias(ctx.In("projection"), noise, (height/4)*(width/4)*2*channels)
	x = activations.LeakyRelu(x)
	x = Reshape(x, batchSize, height/4, width/4, 2*channels)
	for _, name := range []string{"up_half", "up_full"} {
		x = unet.UpSample2x(x)
		x = layers.Convolution(ctx.In(name), x).Filters(channels).KernelSize(4).PadSame().Done()
		x = activations.LeakyRelu(x)
	}
	x = layers.Convolution(ctx.In("readout"), x).Filters(1).KernelSize(7).PadSame().Done()
	return Tanh(x)
}

// Critic maps images shaped [batch, height, width, 1] in the tanh range to
// unbounded scores shaped [batch, 1]. Higher scores mean "more real".
func Critic(rootCtx *context.Context, images *Node) *Node {
	ctx := rootCtx.In(gan.DiscriminatorScope)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 64)
	batchSize := images.Shape().Dimensions[0]

	x := images
	for ii, name := range []string{"down_half", "down_quarter"} {
		x = layers.Convolution(ctx.In(name), x).Filters(channels << ii).KernelSize(3).Strides(2).PadSame().Done()
		x = layers.LayerNormalization(ctx.In(name), x, 1, 2).Done()
		x = activations.LeakyRelu(x)
	}
	x = Reshape(x, batchSize, -1)
	return layers.DenseWithBias(ctx.In("readout"), x, 1)
}

// CriticFn scores a batch of images, returning [batch, 1].
type CriticFn func(ctx *context.Context, images *Node) *Node

// GradientPenalty evaluates criticFn at per-example random interpolations
// between real and generated images, and penalizes the squared distance of
// its input-gradient norm from 1.
func GradientPenalty(ctx *context.Context, criticFn CriticFn, real, fake *Node) *Node {
	g := real.Graph()
	dtype := real.DType()
	batchSize := real.Shape().Dimensions[0]
	weight := context.GetParamOr(ctx, ParamGradientPenaltyWeight, 10.0)

	epsilon := ctx.RandomUniform(g, shapes.Make(dtype, batchSize, 1, 1, 1))
	interpolated := Add(Mul(real, epsilon), Mul(fake, OneMinus(epsilon)))
	scores := criticFn(ctx, interpolated)
	grads := Gradient(ReduceAllSum(scores), interpolated)[0]
	norms := Sqrt(ReduceSum(Square(grads), 1, 2, 3))
	return MulScalar(ReduceAllMean(Square(AddScalar(norms, -1))), weight)
}

// BuildGeneratorTrainGraph returns the train.ModelFn of the generator phase:
// the generator is trained to maximize the critic's score of its images. The
// scalar loss is returned as the last prediction.
func BuildGeneratorTrainGraph(height, width int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		batchSize := inputs[0].Shape().Dimensions[0]
		latentDim := context.GetParamOr(ctx, ParamLatentDim, 128)

		noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, batchSize, latentDim))
		fake := Generator(ctx, noise, height, width)
		loss := Neg(ReduceAllMean(Critic(ctx, fake)))

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), true)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), false)
		gan.UpdateEMA(ctx, ctx.In(gan.GeneratorScope), g)
		return []*Node{fake, loss}
	}
}

// BuildCriticTrainGraph returns the train.ModelFn of the critic phase: the
// Wasserstein surrogate loss (mean fake score minus mean real score) plus the
// gradient penalty. The scalar loss is returned as the last prediction.
func BuildCriticTrainGraph(height, width int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		// Map images from [0, 1] to the generator's tanh range.
		real := AddScalar(MulScalar(inputs[0], 2), -1)
		batchSize := real.Shape().Dimensions[0]
		latentDim := context.GetParamOr(ctx, ParamLatentDim, 128)

		noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, batchSize, latentDim))
		fake := StopGradient(Generator(ctx, noise, height, width))
		realScores := Critic(ctx, real)
		fakeScores := Critic(ctx, fake)
		loss := Sub(ReduceAllMean(fakeScores), ReduceAllMean(realScores))
		loss = Add(loss, GradientPenalty(ctx, Critic, real, fake))

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), false)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), true)
		return []*Node{realScores, fakeScores, loss}
	}
}
