// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package segmentation trains a U-Net model to segment photos of cats and dogs from
// the Oxford-IIIT Pet dataset: each pixel is classified as pet, background or border,
// matching the dataset's trimap annotations.
package segmentation

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/generative/datasets/oxfordpets"
	"github.com/gomlx/generative/unet"
)

// NumClasses segmented: pet, background and border.
const NumClasses = oxfordpets.NumClasses

// ModelGraph builds the U-Net segmentation model: it takes the photos, shaped
// [batch, height, width, 3], and outputs per-pixel logits shaped
// [batch, height, width, NumClasses].
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	images := inputs[0]
	logits := unet.New(ctx, images).NumOutputChannels(NumClasses).Done()
	return []*Node{logits}
}

// MeanIoUGraph returns a metric function that computes the mean
// intersection-over-union of the predicted segmentation over the given number of
// classes. Classes absent from both the prediction and the mask of a batch are
// excluded from the mean.
func MeanIoUGraph(numClasses int) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, logits []*Node) *Node {
		logits0 := logits[0]
		g := logits0.Graph()
		dtype := logits0.DType()
		predictions := ArgMax(logits0, -1, dtypes.Int32)
		masks := ConvertDType(Squeeze(labels[0], -1), dtypes.Int32)

		var iouSum, presentCount *Node
		for class := 0; class < numClasses; class++ {
			classN := Const(g, int32(class))
			predictedClass := Equal(predictions, classN)
			maskedClass := Equal(masks, classN)
			intersection := ReduceAllSum(ConvertDType(And(predictedClass, maskedClass), dtype))
			union := ReduceAllSum(ConvertDType(Or(predictedClass, maskedClass), dtype))
			present := ConvertDType(GreaterThan(union, ZerosLike(union)), dtype)
			iou := Mul(Div(intersection, MaxScalar(union, 1)), present)
			if iouSum == nil {
				iouSum, presentCount = iou, present
			} else {
				iouSum = Add(iouSum, iou)
				presentCount = Add(presentCount, present)
			}
		}
		return Div(iouSum, MaxScalar(presentCount, 1))
	}
}

// AttachCheckpoint loads a checkpoint from checkpointPath into ctx, if one exists, and
// returns the handler used to save it during training. It returns nil if
// checkpointPath is empty.
func AttachCheckpoint(ctx *context.Context, checkpointPath string) *checkpoints.Handler {
	if checkpointPath == "" {
		return nil
	}
	numCheckpoints := context.GetParamOr(ctx, "num_checkpoints", 3)
	return must.M1(
		checkpoints.Build(ctx).
			Dir(checkpointPath).
			Keep(numCheckpoints).
			Done())
}

// TrainModel trains the segmentation model for "train_steps" steps, reporting an
// evaluation on the train and test datasets at the end.
func TrainModel(ctx *context.Context, backend backends.Backend, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int) {
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	must.M(oxfordpets.DownloadAndParse(dataDir))

	checkpoint := AttachCheckpoint(ctx, checkpointPath)
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	if context.GetParamOr(ctx, "rng_reset", true) {
		ctx.ResetRNGState()
	}

	dtype := must.M1(dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32")))
	imageSize := context.GetParamOr(ctx, "image_size", 128)
	batchSize := context.GetParamOr(ctx, "batch_size", 32)
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 64)

	trainInMemoryDS := must.M1(oxfordpets.NewDataset(backend, "pets-train", oxfordpets.Train, imageSize, dtype))
	testDS := must.M1(oxfordpets.NewDataset(backend, "pets-test", oxfordpets.Test, imageSize, dtype))
	trainEvalDS := trainInMemoryDS.Copy()
	trainInMemoryDS.Shuffle().Infinite(true).BatchSize(batchSize, true)
	trainEvalDS.BatchSize(evalBatchSize, false)
	testDS.BatchSize(evalBatchSize, false)

	meanIoU := metrics.NewMeanMetric(
		"mean intersection-over-union", "IoU", "IoU", MeanIoUGraph(NumClasses), nil)
	pixelAccuracy := metrics.NewSparseCategoricalAccuracy("pixel accuracy", "PixAcc")
	trainer := train.NewTrainer(
		backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{pixelAccuracy},          // trainMetrics
		[]metrics.Interface{pixelAccuracy, meanIoU}) // evalMetrics

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

	// Attach Plotly plots: plot points at exponential steps, saved along the checkpoint
	// directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testDS).
			WithBatchNormalizationAveragesUpdate(trainEvalDS)
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		fmt.Println("Starting training stage:")
		_, err := loop.RunSteps(trainInMemoryDS, numTrainSteps-globalStep)
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

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, trainEvalDS, testDS))
	}

	if checkpoint != nil {
		must.M(checkpoint.Save())
		numExamples := context.GetParamOr(ctx, "prediction_samples", 8)
		gridPath := path.Join(checkpoint.Dir(), "predictions.png")
		must.M(SavePredictions(ctx, backend, dataDir, gridPath, numExamples))
	}
}

// Predict returns the per-pixel predicted classes, shaped [batch, height, width]
// with dtype Int32, for a batch of photos.
func Predict(ctx *context.Context, backend backends.Backend, images *tensors.Tensor) *tensors.Tensor {
	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, images *Node) *Node {
		logits := ModelGraph(ctx, nil, []*Node{images})[0]
		return ArgMax(logits, -1, dtypes.Int32)
	})
	defer exec.Finalize()
	return exec.MustExec(images)[0]
}
