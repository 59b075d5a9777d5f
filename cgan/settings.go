// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cgan

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/gomlx/generative/gan"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          20_000,
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

		// Conditional GAN model parameters:
		ParamLatentDim:      100,
		ParamLabelEmbedSize: 50,
		ParamBaseChannels:   128,

		// Adversarial training parameters: one discriminator step per generator step,
		// smoothed real targets and an EMA shadow of the generator used for sampling.
		gan.ParamDiscriminatorSteps: 1,
		gan.ParamLabelSmoothing:     0.9,
		gan.ParamEMACoefficient:     0.999,

		layers.ParamDropoutRate: 0.3,

		// The DCGAN-style Adam settings: both sides share them unless the per-side
		// learning rate overrides are set.
		optimizers.ParamOptimizer:          "adam",
		optimizers.ParamLearningRate:       2e-4,
		optimizers.ParamAdamBeta1:          0.5,
		optimizers.ParamAdamEpsilon:        1e-7,
		gan.ParamGeneratorLearningRate:     0.0,
		gan.ParamDiscriminatorLearningRate: 0.0,

		plotly.ParamPlots: false,
	})
	return ctx
}
