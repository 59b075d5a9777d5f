// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nerf

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/generative/datasets/tinynerf"
	"github.com/gomlx/generative/gan"
)

// heldOutDataset builds a finite dataset over every ray of one view, used
// for evaluation.
func heldOutDataset(backend backends.Backend, data *tinynerf.Data, view, batchSize int) *datasets.InMemoryDataset {
	origins, directions := tinynerf.CameraRays(data.Pose(view), data.Focal)
	numRays := tinynerf.Height * tinynerf.Width
	ds := must.M1(datasets.InMemoryFromData(backend, fmt.Sprintf("view-%d", view),
		[]any{
			tensors.FromFlatDataAndDimensions(origins, numRays, 3),
			tensors.FromFlatDataAndDimensions(directions, numRays, 3),
		},
		[]any{
			tensors.FromFlatDataAndDimensions(data.Colors(view), numRays, 3),
		}))
	ds.BatchSize(batchSize, false)
	return ds
}

// TrainModel fits the radiance field to the tiny NeRF scene for
// "train_steps" steps, evaluating on the held-out view, and writes its final
// render next to the checkpoint (if one is given).
func TrainModel(ctx *context.Context, backend backends.Backend, dataDir, checkpointPath string, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	must.M(tinynerf.Download(dataDir))
	data := must.M1(tinynerf.Load(dataDir))

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		checkpoint = must.M1(
			checkpoints.Build(ctx).
				Dir(checkpointPath).
				Keep(context.GetParamOr(ctx, "num_checkpoints", 3)).
				Done())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 4096)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", batchSize)
	heldOutView := context.GetParamOr(ctx, ParamHeldOutView, 101)
	if heldOutView >= data.NumImages {
		heldOutView = data.NumImages - 1
	}
	trainDS := must.M1(tinynerf.NewRaysDataset(backend, data, heldOutView))
	trainDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	validationDS := heldOutDataset(backend, data, heldOutView, evalBatchSize)

	trainer := train.NewTrainer(
		backend, ctx, ModelGraph, losses.MeanSquaredError,
		optimizers.FromContext(ctx),
		[]metrics.Interface{PSNRMetric()}, // trainMetrics
		[]metrics.Interface{PSNRMetric()}) // evalMetrics
	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := must.M1(
			time.ParseDuration(context.GetParamOr(ctx, "checkpoint_frequency", "3m")))
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps, saved along the
	// checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(validationDS)
	}

	// Render the held-out view at exponentially spaced steps to watch the
	// reconstruction sharpen.
	renderer := NewRenderer(backend, ctx)
	defer renderer.Finalize()
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	gan.AttachSamplesMonitor(loop, checkpoint, samplesFrequency, samplesFrequencyGrowth,
		func() *tensors.Tensor { return renderer.RenderView(data.Pose(heldOutView), data.Focal) })

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainDS, numTrainSteps-globalStep)
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if err != nil {
			if checkpoint != nil && loop.LoopStep > loop.StartStep {
				klog.Infof("Debug checkpoint save before crashing at loop step %d", loop.LoopStep)
				if errSave := checkpoint.Save(); errSave != nil {
					klog.Errorf("Error while saving checkpoint before crashing: %+v", errSave)
				}
			}
			klog.Fatalf("Error during training: %+v", err)
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if verbosity >= 1 {
		must.M(commandline.ReportEval(trainer, validationDS))
		fmt.Println()
	}

	if checkpoint != nil {
		must.M(checkpoint.Save())
		view := renderer.RenderView(data.Pose(heldOutView), data.Focal)
		viewPath := path.Join(checkpoint.Dir(), "held_out_view.png")
		must.M(gan.SaveImagesGrid(view, 1, viewPath))
		gan.DisplayImagesGrid(view, 1)
		gan.ReportSamplesSaved(viewPath, 1)
	}
}
