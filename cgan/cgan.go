// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cgan trains a conditional GAN on MNIST: the generator and
// discriminator are both conditioned on the digit class, so after training
// the generator draws digits of a requested class.
package cgan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gomlx/generative/datasets/mnist"
	"github.com/gomlx/generative/gan"
	"github.com/gomlx/generative/unet"
)

// Hyperparameters read from the context.
const (
	// ParamLatentDim is the dimension of the noise fed to the generator.
	ParamLatentDim = "cgan_latent_dim"

	// ParamLabelEmbedSize is the dimension of the digit class embedding.
	ParamLabelEmbedSize = "cgan_label_embed_size"

	// ParamBaseChannels is the number of channels of the convolutions.
	ParamBaseChannels = "cgan_channels"
)

// labelEmbedding maps the digit classes, shaped [batch], to a dense
// representation shaped [batch, embedSize].
func labelEmbedding(ctx *context.Context, labels *Node) *Node {
	dtype := shapes.F32
	embedSize := context.GetParamOr(ctx, ParamLabelEmbedSize, 50)
	return layers.Embedding(
		ctx.In("label_embedding").WithInitializer(initializers.RandomNormalFn(ctx, 1.0/float64(embedSize))),
		labels, dtype, mnist.NumClasses, embedSize, false)
}

// Generator maps noise shaped [batch, latentDim] and digit classes shaped
// [batch] to images shaped [batch, 28, 28, 1] in the tanh range [-1, 1].
func Generator(rootCtx *context.Context, noise, labels *Node) *Node {
	ctx := rootCtx.In(gan.GeneratorScope)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 128)
	batchSize := noise.Shape().Dimensions[0]

	embed := labelEmbedding(ctx, labels)
	x := Concatenate([]*Node{noise, embed}, -1)

	// Project to a 7x7 feature map and upsample twice to 28x28.
	x = layers.DenseWithBias(ctx.In("projection"), x, 7*7*channels)
	x = activations.LeakyRelu(x)
	x = Reshape(x, batchSize, 7, 7, channels)
	for _, name := range []string{"up_14", "up_28"} {
		x = unet.UpSample2x(x)
		x = layers.Convolution(ctx.In(name), x).Filters(channels).KernelSize(4).PadSame().Done()
		x = activations.LeakyRelu(x)
	}
	x = layers.Convolution(ctx.In("readout"), x).Filters(1).KernelSize(7).PadSame().Done()
	return Tanh(x)
}

// Discriminator maps images shaped [batch, 28, 28, 1] in the tanh range and
// digit classes shaped [batch] to real/fake logits shaped [batch, 1].
func Discriminator(rootCtx *context.Context, images, labels *Node) *Node {
	ctx := rootCtx.In(gan.DiscriminatorScope)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 128)
	dims := images.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]

	// The class conditions the discriminator as an extra image channel.
	embed := labelEmbedding(ctx, labels)
	labelChannel := layers.DenseWithBias(ctx.In("label_projection"), embed, height*width)
	labelChannel = Reshape(labelChannel, batchSize, height, width, 1)
	x := Concatenate([]*Node{images, labelChannel}, -1)

	for _, name := range []string{"down_14", "down_7"} {
		x = layers.Convolution(ctx.In(name), x).Filters(channels).KernelSize(3).Strides(2).PadSame().Done()
		x = activations.LeakyRelu(x)
	}
	x = Reshape(x, batchSize, -1)
	x = layers.DropoutFromContext(ctx, x)
	return layers.DenseWithBias(ctx.In("readout"), x, 1)
}

// BuildGeneratorTrainGraph returns the train.ModelFn of the generator phase:
// it samples noise, generates fake digits for the labels of the batch and
// scores them with the (frozen) discriminator. The scalar loss is returned
// as the last prediction.
func BuildGeneratorTrainGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		labels := inputs[1]
		batchSize := labels.Shape().Dimensions[0]
		latentDim := context.GetParamOr(ctx, ParamLatentDim, 100)

		noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, batchSize, latentDim))
		fake := Generator(ctx, noise, labels)
		fakeLogits := Discriminator(ctx, fake, labels)
		loss := gan.GeneratorBCELoss(fakeLogits)

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), true)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), false)
		gan.UpdateEMA(ctx, ctx.In(gan.GeneratorScope), g)
		return []*Node{fake, loss}
	}
}

// BuildDiscriminatorTrainGraph returns the train.ModelFn of the
// discriminator phase: it scores a batch of real digits and a batch of
// generated ones, conditioned on the same labels. The scalar loss is
// returned as the last prediction.
func BuildDiscriminatorTrainGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		images := mnist.NormalizeToTanhRange(inputs[0])
		labels := inputs[1]
		batchSize := labels.Shape().Dimensions[0]
		latentDim := context.GetParamOr(ctx, ParamLatentDim, 100)

		noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, batchSize, latentDim))
		fake := StopGradient(Generator(ctx, noise, labels))
		realLogits := Discriminator(ctx, images, labels)
		fakeLogits := Discriminator(ctx, fake, labels)
		loss := gan.DiscriminatorBCELoss(ctx, realLogits, fakeLogits)

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), false)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), true)
		return []*Node{realLogits, fakeLogits, loss}
	}
}
