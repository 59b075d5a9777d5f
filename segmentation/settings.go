// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segmentation

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"

	"github.com/gomlx/generative/unet"
)

// CreateDefaultContext sets the context with default hyperparameters to use with TrainModel.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"train_steps":          5_000,
		"num_checkpoints":      3,
		"checkpoint_frequency": "3m", // How often to save checkpoints. See time.ParseDuration.

		// batch_size for training.
		"batch_size": 32,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 64,

		// image_size the photos and segmentation masks are resized to. It must be divisible
		// by 2 for each U-Net level, so 16 for the default 4 levels.
		"image_size": 128,

		// dtype to use for the model.
		"dtype": "float32",

		// prediction_samples is the number of test photos segmented and saved along
		// the checkpoint at the end of training, one per row: photo, mask, prediction.
		"prediction_samples": 8,

		// rng_reset enables resetting the random number generator state with a new random
		// value -- useful when continuing training.
		"rng_reset": true,

		// U-Net model parameters:
		unet.ParamChannels:          []int{32, 64, 96, 128},
		unet.ParamNumResidualBlocks: 2,
		unet.ParamPool:              "mean",

		layers.ParamNormalization:        "batch",
		activations.ParamActivation:      "swish",
		layers.ParamDropoutRate:          0.0,
		layers.ParamDropBlockProbability: 0.0,
		regularizers.ParamL2:             0.0,

		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamAdamEpsilon:         1e-7,
		optimizers.ParamAdamDType:           "float32",
		optimizers.ParamLearningRate:        1e-3,
		cosineschedule.ParamPeriodSteps:     0,
		cosineschedule.ParamMinLearningRate: 1e-5,

		// "plots" trigger generating intermediary eval data for plotting, and if running in
		// GoNB, to actually draw the plot with Plotly.
		plotly.ParamPlots: true,
	})
	return ctx
}
