// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/gomlx/generative/unet"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          30_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m",

		"batch_size": 64,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// samples_during_training_frequency is the period (in steps) between saving
		// generated samples, growing by the _growth factor each time.
		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		// Diffusion schedule: the DDPM linear betas.
		ParamNumSteps:  1000,
		ParamBetaStart: 1e-4,
		ParamBetaEnd:   0.02,

		// EMA shadow of the denoiser weights, used when sampling.
		ParamEMACoefficient: 0.999,

		// Denoiser U-Net parameters: 2 resolution levels, since the 28x28
		// MNIST images only divide by 4.
		unet.ParamChannels:            []int{32, 64},
		unet.ParamNumResidualBlocks:   2,
		unet.ParamPool:                "mean",
		unet.ParamSinusoidalEmbedSize: 32,

		layers.ParamNormalization: "batch",
		layers.ParamActivation:    "swish",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		optimizers.ParamAdamEpsilon:  1e-7,

		plotly.ParamPlots: true,
	})
	return ctx
}
