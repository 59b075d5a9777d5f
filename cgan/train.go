// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cgan

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
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

	"github.com/gomlx/generative/datasets/mnist"
	"github.com/gomlx/generative/gan"
)

// Sampler draws digits of requested classes from the trained generator,
// using the EMA shadow of its weights when one is kept.
type Sampler struct {
	exec      *context.Exec
	latentDim int
}

// NewSampler builds a sampler from the trained context.
func NewSampler(backend backends.Backend, ctx *context.Context) *Sampler {
	inferenceCtx := gan.InferenceCtx(ctx).Reuse()
	latentDim := context.GetParamOr(ctx, ParamLatentDim, 100)
	return &Sampler{
		latentDim: latentDim,
		exec: context.MustNewExec(backend, inferenceCtx,
			func(ctx *context.Context, labels *Node) *Node {
				g := labels.Graph()
				batchSize := labels.Shape().Dimensions[0]
				noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, batchSize, latentDim))
				images := Generator(ctx, noise, labels)
				return mnist.DenormalizeFromTanhRange(images)
			}),
	}
}

// Generate one image per given digit class. It returns images shaped
// [len(labels), 28, 28, 1] with values in [0, 1].
func (s *Sampler) Generate(labels []int32) *tensors.Tensor {
	return s.exec.MustExec(labels)[0]
}

// Finalize frees the sampler's executor.
func (s *Sampler) Finalize() {
	s.exec.Finalize()
}

// sampleLabels is the fixed grid of digit classes monitored during training:
// 8 samples of each digit.
func sampleLabels() []int32 {
	labels := make([]int32, 0, 80)
	for row := 0; row < 8; row++ {
		for digit := int32(0); digit < 10; digit++ {
			labels = append(labels, digit)
		}
	}
	return labels
}

// TrainModel trains the conditional GAN for "train_steps" generator steps and
// writes a final grid of generated digits next to the checkpoint (if one is
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
	// Both phases need the digit classes in their model graphs, so the
	// datasets yield them as a second input instead of as labels.
	images, labels := must.M2(mnist.Load(dataDir, mnist.Train, dtypes.Float32))
	generatorDS := must.M1(datasets.InMemoryFromData(backend, "mnist-generator", []any{images, labels}, nil))
	discriminatorDS := must.M1(datasets.InMemoryFromData(backend, "mnist-discriminator", []any{images, labels}, nil))
	generatorDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	discriminatorDS.Shuffle().Infinite(true).BatchSize(batchSize, true)

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

	sampler := NewSampler(backend, ctx)
	defer sampler.Finalize()
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	gan.AttachSamplesMonitor(loop, checkpoint, samplesFrequency, samplesFrequencyGrowth,
		func() *tensors.Tensor { return sampler.Generate(sampleLabels()) })

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
		samples := sampler.Generate(sampleLabels())
		gridPath := path.Join(checkpoint.Dir(), "generated_digits.png")
		must.M(gan.SaveImagesGrid(samples, 10, gridPath))
		gan.DisplayImagesGrid(samples, 10)
		gan.ReportSamplesSaved(gridPath, samples.Shape().Dimensions[0])
	}
}
