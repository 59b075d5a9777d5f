// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgangp

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/gomlx/generative/gan"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          10_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m",

		"batch_size": 64,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		// WGAN-GP model parameters:
		ParamLatentDim:             128,
		ParamBaseChannels:          64,
		ParamGradientPenaltyWeight: 10.0,

		// Five critic steps per generator step, per the WGAN-GP recipe, and an
		// EMA shadow of the generator used for sampling.
		gan.ParamDiscriminatorSteps: 5,
		gan.ParamEMACoefficient:     0.999,

		// The WGAN-GP Adam settings.
		optimizers.ParamOptimizer:          "adam",
		optimizers.ParamLearningRate:       1e-4,
		optimizers.ParamAdamBeta1:          0.0,
		optimizers.ParamAdamBeta2:          0.9,
		optimizers.ParamAdamEpsilon:        1e-7,
		gan.ParamGeneratorLearningRate:     0.0,
		gan.ParamDiscriminatorLearningRate: 0.0,

		plotly.ParamPlots: false,
	})
	return ctx
}
