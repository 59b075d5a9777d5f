// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package wgangp

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/exceptions"
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

	"github.com/gomlx/generative/datasets/freyfaces"
	"github.com/gomlx/generative/datasets/mnist"
	"github.com/gomlx/generative/gan"
)

// Dataset names accepted by TrainModel.
const (
	DatasetMNIST     = "mnist"
	DatasetFreyFaces = "freyfaces"
)

// Sampler draws images from the trained generator, using the EMA shadow of
// its weights when one is kept.
type Sampler struct {
	exec          *context.Exec
	latentDim     int
	height, width int
}

// NewSampler builds a sampler from the trained context, for the image
// dimensions the generator was trained with.
func NewSampler(backend backends.Backend, ctx *context.Context, height, width int) *Sampler {
	inferenceCtx := gan.InferenceCtx(ctx).Reuse()
	latentDim := context.GetParamOr(ctx, ParamLatentDim, 128)
	return &Sampler{
		latentDim: latentDim,
		height:    height,
		width:     width,
		exec: context.MustNewExec(backend, inferenceCtx,
			func(ctx *context.Context, numImages *Node) *Node {
				// numImages is only a marker input setting the batch size, see Generate.
				g := numImages.Graph()
				noise := ctx.RandomNormal(g, shapes.Make(shapes.F32, numImages.Shape().Dimensions[0], latentDim))
				images := Generator(ctx, noise, height, width)
				// Back to [0, 1] for saving and display.
				return ClipScalar(MulScalar(AddScalar(images, 1), 0.5), 0, 1)
			}),
	}
}

// Generate numImages images, shaped [numImages, height, width, 1] with
// values in [0, 1].
func (s *Sampler) Generate(numImages int) *tensors.Tensor {
	marker := make([]int32, numImages)
	return s.exec.MustExec(marker)[0]
}

// Finalize frees the sampler's executor.
func (s *Sampler) Finalize() {
	s.exec.Finalize()
}

// imageDimensions of the supported datasets.
func imageDimensions(dataset string) (height, width int) {
	switch dataset {
	case DatasetMNIST:
		return mnist.Height, mnist.Width
	case DatasetFreyFaces:
		return freyfaces.Height, freyfaces.Width
	}
	exceptions.Panicf("unknown dataset %q: valid values are %q and %q",
		dataset, DatasetMNIST, DatasetFreyFaces)
	return
}

// newImagesDataset creates an images-only infinite dataset over the chosen
// data, batched to batchSize.
func newImagesDataset(backend backends.Backend, dataset, name, dataDir string, batchSize int) *datasets.InMemoryDataset {
	var images *tensors.Tensor
	switch dataset {
	case DatasetMNIST:
		images, _ = must.M2(mnist.Load(dataDir, mnist.Train, dtypes.Float32))
	case DatasetFreyFaces:
		must.M(freyfaces.Download(dataDir))
		images = must.M1(freyfaces.Load(dataDir, dtypes.Float32))
	default:
		exceptions.Panicf("unknown dataset %q: valid values are %q and %q",
			dataset, DatasetMNIST, DatasetFreyFaces)
	}
	ds := must.M1(datasets.InMemoryFromData(backend, name, []any{images}, nil))
	ds.Shuffle().Infinite(true).BatchSize(batchSize, true)
	return ds
}

// TrainModel trains the WGAN-GP on the chosen dataset ("mnist" or
// "freyfaces") for "train_steps" generator steps, and writes a final grid of
// generated images next to the checkpoint (if one is given).
func TrainModel(ctx *context.Context, backend backends.Backend, dataset, dataDir, checkpointPath string, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	height, width := imageDimensions(dataset)

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
	generatorDS := newImagesDataset(backend, dataset, dataset+"-generator", dataDir, batchSize)
	criticDS := newImagesDataset(backend, dataset, dataset+"-critic", dataDir, batchSize)

	trainers := gan.NewTrainers(backend, ctx,
		BuildGeneratorTrainGraph(height, width), BuildCriticTrainGraph(height, width),
		criticDS,
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

	sampler := NewSampler(backend, ctx, height, width)
	defer sampler.Finalize()
	samplesFrequency := context.GetParamOr(ctx, "samples_during_training_frequency", 200)
	samplesFrequencyGrowth := context.GetParamOr(ctx, "samples_during_training_frequency_growth", 1.2)
	gan.AttachSamplesMonitor(loop, checkpoint, samplesFrequency, samplesFrequencyGrowth,
		func() *tensors.Tensor { return sampler.Generate(64) })

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
		samples := sampler.Generate(64)
		gridPath := path.Join(checkpoint.Dir(), "generated_images.png")
		must.M(gan.SaveImagesGrid(samples, 8, gridPath))
		gan.DisplayImagesGrid(samples, 8)
		gan.ReportSamplesSaved(gridPath, samples.Shape().Dimensions[0])
	}
}
