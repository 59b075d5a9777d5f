// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/generative/datasets/mnist"
	"github.com/gomlx/generative/gan"
)

// newImagesDataset creates an images-only dataset over an MNIST partition,
// batched to batchSize.
func newImagesDataset(backend backends.Backend, name, dataDir string, partition mnist.Partition, batchSize int, infinite bool) *datasets.InMemoryDataset {
	images, _ := must.M2(mnist.Load(dataDir, partition, dtypes.Float32))
	ds := must.M1(datasets.InMemoryFromData(backend, name, []any{images}, nil))
	if infinite {
		ds.Shuffle().Infinite(true)
	}
	ds.BatchSize(batchSize, true)
	return ds
}

// TrainModel trains the DDPM denoiser on MNIST for "train_steps" steps, and
// writes a final grid of generated images next to the checkpoint (if one is
// given).
func TrainModel(ctx *context.Context, backend backends.Backend, dataDir, checkpointPath string, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

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

	batchSize := context.GetParamOr(ctx, "batch_size", 64)
	trainDS := newImagesDataset(backend, "mnist-train", dataDir, mnist.Train, batchSize, true)
	trainEvalDS := newImagesDataset(backend, "mnist-train-eval", dataDir, mnist.Train, batchSize, false)
	testDS := newImagesDataset(backend, "mnist-test", dataDir, mnist.Test, batchSize, false)

	schedule := ScheduleFromContext(ctx)

	// The model returns its loss as the second element of the predictions.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	trainer := train.NewTrainer(
		backend, ctx, BuildTrainGraph(schedule), customLoss,
		optimizers.FromContext(ctx),
		[]metrics.Interface{MAEMetric()}, // trainMetrics
		[]metrics.Interface{MAEMetric()}) // evalMetrics
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
			WithDatasets(trainEvalDS, testDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	// Generated samples during training: the reverse process runs the full
	// schedule, so keep the monitor batches small.
	sampler := NewSampler(backend, ctx, schedule, mnist.Height, mnist.Width)
	defer sampler.Finalize()
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	gan.AttachSamplesMonitor(loop, checkpoint, samplesFrequency, samplesFrequencyGrowth,
		func() *tensors.Tensor { return sampler.Generate(16) })

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

		// Update batch normalization averages, if they are used.
		bnUpdated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			klog.Exitf("Error while updating batch normalization averages: %+v", err)
		}
		if bnUpdated {
			fmt.Println("\tUpdated batch normalization mean/variances averages.")
			if checkpoint != nil {
				must.M(checkpoint.Save())
			}
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if verbosity >= 1 {
		must.M(commandline.ReportEval(trainer, trainEvalDS, testDS))
		fmt.Println()
	}

	if checkpoint != nil {
		must.M(checkpoint.Save())
		samples := sampler.Generate(64)
		gridPath := path.Join(checkpoint.Dir(), "generated_images.png")
		must.M(gan.SaveImagesGrid(samples, 8, gridPath))
		gan.DisplayImagesGrid(samples, 8)
		gan.ReportSamplesSaved(gridPath, samples.Shape().Dimensions[0])
	}
}
