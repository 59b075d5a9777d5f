// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pix2pix

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
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/generative/datasets/facades"
	"github.com/gomlx/generative/gan"
)

// Translator runs the trained generator on label maps.
type Translator struct {
	exec *context.Exec
}

// NewTranslator builds a translator from the trained context.
func NewTranslator(backend backends.Backend, ctx *context.Context) *Translator {
	return &Translator{
		exec: context.MustNewExec(backend, ctx.Reuse(),
			func(ctx *context.Context, labelMaps *Node) *Node {
				// The generator's dropout is its noise source and stays
				// active at inference, so repeated translations of the same
				// label map vary.
				ctx.SetTraining(labelMaps.Graph(), true)
				photos := Generator(ctx, toTanhRange(labelMaps))
				return FromTanhRange(photos)
			}),
	}
}

// Translate label maps, shaped [batch, size, size, 3] with values in [0, 1],
// into photos of the same shape and range.
func (t *Translator) Translate(labelMaps *tensors.Tensor) *tensors.Tensor {
	return t.exec.MustExec(labelMaps)[0]
}

// Finalize frees the translator's executor.
func (t *Translator) Finalize() {
	t.exec.Finalize()
}

// TrainModel trains pix2pix on the facades pairs for "train_steps" generator
// steps, and writes a grid of validation translations next to the checkpoint
// (if one is given).
func TrainModel(ctx *context.Context, backend backends.Backend, dataDir, checkpointPath string, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	must.M(facades.Download(dataDir))

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

	imageSize := context.GetParamOr(ctx, "image_size", 256)
	batchSize := context.GetParamOr(ctx, "batch_size", 1)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 8)
	generatorDS, validDS := must.M2(facades.NewBatchedDatasets(
		backend, dataDir, imageSize, batchSize, evalBatchSize, dtypes.Float32))
	rawDiscDS := must.M1(facades.NewDataset("facades-disc", dataDir, facades.Train, imageSize, dtypes.Float32))
	discriminatorDS := datasets.Batch(backend,
		datasets.CustomParallel(rawDiscDS.Augmented().Infinite()).Buffer(16).Start(),
		batchSize, true, true)

	trainers := gan.NewTrainers(backend, ctx,
		BuildGeneratorTrainGraph(), BuildDiscriminatorTrainGraph(),
		discriminatorDS,
		[]metrics.Interface{}, []metrics.Interface{})
	loop := train.NewLoop(trainers.Generator)
	trainers.AttachTo(loop)
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

	// Monitor training by translating a fixed batch of validation label maps.
	translator := NewTranslator(backend, ctx)
	defer translator.Finalize()
	_, monitorInputs, _, err := validDS.Yield()
	if err != nil {
		klog.Fatalf("Failed to read validation batch: %+v", err)
	}
	validDS.Reset()
	monitorLabelMaps := monitorInputs[0]
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	gan.AttachSamplesMonitor(loop, checkpoint, samplesFrequency, samplesFrequencyGrowth,
		func() *tensors.Tensor { return translator.Translate(monitorLabelMaps) })

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainers.Generator.SetContext(ctx.Reuse())
		trainers.Discriminator.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(generatorDS, numTrainSteps-globalStep)
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

	if checkpoint != nil {
		must.M(checkpoint.Save())
		photos := translator.Translate(monitorLabelMaps)
		gridPath := path.Join(checkpoint.Dir(), "translated_facades.png")
		must.M(gan.SaveImagesGrid(photos, 4, gridPath))
		gan.DisplayImagesGrid(photos, 4)
		gan.ReportSamplesSaved(gridPath, photos.Shape().Dimensions[0])
	}
}
