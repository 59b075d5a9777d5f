// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nerf

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          5_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m",

		// batch_size is the number of rays per training step.
		"batch_size":      4096,
		"eval_batch_size": 4096,

		// dtype to use for the model.
		"dtype": "float32",

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// samples_during_training_frequency is the period (in steps) between renders of
		// the held-out view, growing by the _growth factor each time.
		"samples_during_training_frequency":        200,
		"samples_during_training_frequency_growth": 1.2,

		// Radiance field parameters.
		ParamNumBands:        6,
		ParamNumSamples:      64,
		ParamNear:            2.0,
		ParamFar:             6.0,
		ParamNumHiddenLayers: 8,
		ParamNumHiddenNodes:  256,

		// ParamHeldOutView is excluded from training and used for evaluation
		// and the rendering monitor.
		ParamHeldOutView: 101,

		activations.ParamActivation: "relu",

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 5e-4,
		optimizers.ParamAdamEpsilon:  1e-7,

		plotly.ParamPlots: true,
	})
	return ctx
}
