// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pix2pix

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/gomlx/generative/gan"
	"github.com/gomlx/generative/unet"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          40_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m",

		"batch_size":      1,
		"eval_batch_size": 8,

		// image_size the facade pairs are resized to.
		"image_size": 256,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		// pix2pix model parameters:
		ParamL1Weight:     100.0,
		ParamBaseChannels: 64,

		// U-Net generator parameters: 4 resolution levels down from 256.
		unet.ParamChannels:          []int{64, 128, 256, 512},
		unet.ParamNumResidualBlocks: 1,
		unet.ParamPool:              "mean",

		// The generator's dropout doubles as its noise source.
		layers.ParamNormalization:        "layer",
		layers.ParamDropoutRate:          0.5,
		layers.ParamDropBlockProbability: 0.1,
		layers.ParamDropBlockSize:        3,
		activations.ParamActivation:      "swish",

		gan.ParamDiscriminatorSteps: 1,
		gan.ParamLabelSmoothing:     1.0,
		gan.ParamEMACoefficient:     0.0,

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
