// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pix2pix trains a conditional image-to-image translation model on
// the CMP Facades dataset: a U-Net generator turns architectural label maps
// into photos, and a PatchGAN discriminator judges realism per image patch.
// The generator loss mixes the adversarial term with an L1 reconstruction
// term weighted by ParamL1Weight.
package pix2pix

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gomlx/generative/gan"
	"github.com/gomlx/generative/unet"
)

// Hyperparameters read from the context.
const (
	// ParamL1Weight is the weight of the L1 reconstruction term of the
	// generator loss.
	ParamL1Weight = "pix2pix_l1_weight"

	// ParamBaseChannels is the number of channels of the discriminator's
	// first convolution, doubling at each downsampling.
	ParamBaseChannels = "pix2pix_channels"
)

// Generator translates label maps, shaped [batch, size, size, 3] in the tanh
// range, into photos of the same shape and range.
func Generator(rootCtx *context.Context, labelMaps *Node) *Node {
	ctx := rootCtx.In(gan.GeneratorScope)
	x := unet.New(ctx, labelMaps).NumOutputChannels(3).Done()
	return Tanh(x)
}

// Discriminator is a PatchGAN: it scores realism of (labelMap, photo) pairs
// per receptive-field patch, returning logits shaped
// [batch, size/8, size/8, 1].
func Discriminator(rootCtx *context.Context, labelMaps, photos *Node) *Node {
	ctx := rootCtx.In(gan.DiscriminatorScope)
	channels := context.GetParamOr(ctx, ParamBaseChannels, 64)

	x := Concatenate([]*Node{labelMaps, photos}, -1)
	for ii, name := range []string{"down_2", "down_4", "down_8"} {
		x = layers.Convolution(ctx.In(name), x).Filters(channels << ii).KernelSize(4).Strides(2).PadSame().Done()
		if ii > 0 {
			x = layers.LayerNormalization(ctx.In(name), x, 1, 2).Done()
		}
		x = activations.LeakyRelu(x)
	}
	x = layers.Convolution(ctx.In("features"), x).Filters(channels<<3).KernelSize(4).Strides(1).PadSame().Done()
	x = layers.LayerNormalization(ctx.In("features"), x, 1, 2).Done()
	x = activations.LeakyRelu(x)
	return layers.Convolution(ctx.In("readout"), x).Filters(1).KernelSize(4).Strides(1).PadSame().Done()
}

// toTanhRange maps images from [0, 1] to [-1, 1].
func toTanhRange(images *Node) *Node {
	return AddScalar(MulScalar(images, 2), -1)
}

// FromTanhRange maps images from [-1, 1] back to [0, 1], clipped.
func FromTanhRange(images *Node) *Node {
	return ClipScalar(MulScalar(AddScalar(images, 1), 0.5), 0, 1)
}

// BuildGeneratorTrainGraph returns the train.ModelFn of the generator phase:
// adversarial patch loss plus the weighted L1 distance to the target photo.
// The scalar loss is returned as the last prediction.
func BuildGeneratorTrainGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		labelMaps := toTanhRange(inputs[0])
		photos := toTanhRange(inputs[1])
		l1Weight := context.GetParamOr(ctx, ParamL1Weight, 100.0)

		fake := Generator(ctx, labelMaps)
		fakeLogits := Discriminator(ctx, labelMaps, fake)
		adversarial := gan.GeneratorBCELoss(fakeLogits)
		reconstruction := ReduceAllMean(Abs(Sub(photos, fake)))
		loss := Add(adversarial, MulScalar(reconstruction, l1Weight))

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), true)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), false)
		gan.UpdateEMA(ctx, ctx.In(gan.GeneratorScope), g)
		return []*Node{fake, loss}
	}
}

// BuildDiscriminatorTrainGraph returns the train.ModelFn of the
// discriminator phase: BCE of the patch logits of real pairs against 1 and of
// translated pairs against 0. The scalar loss is returned as the last
// prediction.
func BuildDiscriminatorTrainGraph() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		labelMaps := toTanhRange(inputs[0])
		photos := toTanhRange(inputs[1])

		fake := StopGradient(Generator(ctx, labelMaps))
		realLogits := Discriminator(ctx, labelMaps, photos)
		fakeLogits := Discriminator(ctx, labelMaps, fake)
		loss := gan.DiscriminatorBCELoss(ctx, realLogits, fakeLogits)

		gan.SetScopeTrainability(ctx.In(gan.GeneratorScope), false)
		gan.SetScopeTrainability(ctx.In(gan.DiscriminatorScope), true)
		return []*Node{realLogits, fakeLogits, loss}
	}
}
