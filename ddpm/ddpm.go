// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ddpm trains a denoising diffusion probabilistic model (DDPM) on
// MNIST: a U-Net learns to predict the gaussian noise mixed into images at
// random diffusion steps, and sampling runs the learned denoiser backwards
// from pure noise, one step at a time.
package ddpm

import (
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/compute/dtypes"

	"github.com/gomlx/generative/datasets/mnist"
	"github.com/gomlx/generative/unet"
)

// Hyperparameters read from the context.
const (
	// ParamNumSteps is the number of diffusion steps of the schedule.
	ParamNumSteps = "ddpm_steps"

	// ParamBetaStart and ParamBetaEnd bound the linear noise schedule.
	ParamBetaStart = "ddpm_beta_start"
	ParamBetaEnd   = "ddpm_beta_end"

	// ParamEMACoefficient for the shadow of the denoiser weights used at
	// sampling time. 0 disables it.
	ParamEMACoefficient = "ddpm_ema"
)

// Scopes of the denoiser and of its EMA shadow.
const (
	DenoiserScope = "denoiser"
	EMAScope      = "ema"
)

// ScheduleFromContext builds the linear schedule configured in the context.
func ScheduleFromContext(ctx *context.Context) *Schedule {
	return NewLinearSchedule(
		context.GetParamOr(ctx, ParamNumSteps, 1000),
		context.GetParamOr(ctx, ParamBetaStart, 1e-4),
		context.GetParamOr(ctx, ParamBetaEnd, 0.02))
}

// NoisePredictor is the U-Net denoiser: it maps noisy images and their
// diffusion steps (shaped [batch], in [0, numSteps)) to a prediction of the
// noise they contain.
func NoisePredictor(rootCtx *context.Context, numSteps int, noisyImages, steps *Node) *Node {
	ctx := rootCtx.In(DenoiserScope)
	dtype := noisyImages.DType()

	// The step enters as a sinusoidal embedding of its fraction of the
	// schedule, broadcast over the image.
	stepFraction := InsertAxes(ConvertDType(steps, dtype), -1, -1, -1)
	stepFraction = DivScalar(stepFraction, float64(numSteps))
	conditioning := unet.SinusoidalEmbedding(ctx, stepFraction)
	return unet.New(ctx, noisyImages).WithConditioning(conditioning).Done()
}

// updateEMA maintains a shadow copy of the denoiser weights under EMAScope,
// moved towards the live weights at every training step. A no-op unless
// training and ParamEMACoefficient > 0.
func updateEMA(rootCtx *context.Context, g *Graph) {
	emaCoef := context.GetParamOr(rootCtx, ParamEMACoefficient, 0.0)
	if emaCoef <= 0 || !rootCtx.IsTraining(g) {
		return
	}
	sourceCtx := rootCtx.In(DenoiserScope)
	prefixScope := rootCtx.Scope()
	emaCtx := rootCtx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)
	newPrefixScope := emaCtx.Scope()
	sourceCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		if !strings.HasPrefix(suffix, context.ScopeSeparator) {
			suffix = context.ScopeSeparator + suffix
		}
		emaVar := emaCtx.InAbsPath(newPrefixScope + suffix).
			VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		emaValue := Add(
			MulScalar(emaVar.ValueGraph(g), emaCoef),
			MulScalar(v.ValueGraph(g), 1.0-emaCoef))
		emaVar.SetValueGraph(emaValue)
	})
}

// inferenceCtx returns the context to build the denoiser with at sampling
// time: the EMA shadow scope if one is kept, the live weights otherwise.
func inferenceCtx(rootCtx *context.Context) *context.Context {
	if context.GetParamOr(rootCtx, ParamEMACoefficient, 0.0) > 0 {
		return rootCtx.In(EMAScope)
	}
	return rootCtx
}

// BuildTrainGraph returns the train.ModelFn of the denoiser: each image of
// the batch is diffused to a uniformly random step and the U-Net is trained
// to recover the mixed-in noise, with a mean squared error loss returned as
// the second prediction and the mean absolute error as the third.
func BuildTrainGraph(schedule *Schedule) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		g := inputs[0].Graph()
		images := mnist.NormalizeToTanhRange(inputs[0])
		batchSize := images.Shape().Dimensions[0]
		dtype := images.DType()

		steps := ctx.RandomIntN(g, int32(schedule.NumSteps), shapes.Make(dtypes.Int32, batchSize))
		noise := ctx.RandomNormal(g, shapes.Make(dtype, images.Shape().Dimensions...))
		noisyImages := StopGradient(schedule.ForwardProcess(images, noise, steps))

		predictedNoise := NoisePredictor(ctx, schedule.NumSteps, noisyImages, steps)
		residual := Sub(noise, predictedNoise)
		loss := ReduceAllMean(Square(residual))
		mae := ReduceAllMean(Abs(residual))
		updateEMA(ctx, g)
		return []*Node{predictedNoise, loss, mae}
	}
}

// MAEMetric reports the mean absolute error of the noise prediction, exported
// by BuildTrainGraph as the last element of the predictions.
func MAEMetric() metrics.Interface {
	return metrics.NewMeanMetric("Noise MAE", "mae", "mae",
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return predictions[2]
		}, nil)
}
