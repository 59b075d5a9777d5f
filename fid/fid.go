// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fid computes the Fréchet Inception Distance (FID,
// https://arxiv.org/abs/1706.08500) between two sets of images: both are
// embedded with a pretrained InceptionV3 network and compared through the
// Fréchet distance of the gaussians fitted to their feature vectors.
package fid

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Extractor embeds batches of images into InceptionV3 feature vectors, with
// the classification top removed and mean pooling over the spatial axes.
type Extractor struct {
	exec *context.Exec
}

// NewExtractor downloads the InceptionV3 weights to weightsDir (if not
// already there) and builds the feature extractor.
//
//   - imageSize: images are resized to imageSize x imageSize before
//     embedding; it must be in [inceptionv3.MinimumImageSize, 299]. Smaller
//     values make the extraction faster.
//   - maxValue: maximum value the image channels can take (e.g. 1.0 or
//     255.0), used to rescale them to the network's expected range.
//
// Grayscale images are broadcast to three channels; channels must be the
// last axis.
func NewExtractor(backend backends.Backend, weightsDir string, imageSize int, maxValue float64) (*Extractor, error) {
	if imageSize < inceptionv3.MinimumImageSize || imageSize > 299 {
		return nil, errors.Errorf("invalid image size %d for feature extraction: valid values are between %d and 299",
			imageSize, inceptionv3.MinimumImageSize)
	}
	weightsDir = fsutil.MustReplaceTildeInDir(weightsDir)
	if err := inceptionv3.DownloadAndUnpackWeights(weightsDir); err != nil {
		return nil, errors.WithMessage(err, "failed to download InceptionV3 weights")
	}
	ctx := context.New().Checked(false)
	return &Extractor{
		exec: context.MustNewExec(backend, ctx,
			func(ctx *context.Context, images *Node) *Node {
				return FeaturesGraph(ctx, weightsDir, imageSize, maxValue, images)
			}),
	}, nil
}

// FeaturesGraph builds the feature extraction: images shaped
// [batchSize, height, width, channels] (1 or 3 channels) to features shaped
// [batchSize, numFeatures]. See NewExtractor for imageSize and maxValue.
func FeaturesGraph(ctx *context.Context, weightsDir string, imageSize int, maxValue float64, images *Node) *Node {
	shape := images.Shape()
	if shape.Rank() != 4 {
		exceptions.Panicf("feature extraction requires images shaped [batch, height, width, channels], got %s", shape)
	}
	if shape.Dimensions[3] == 1 {
		images = Concatenate([]*Node{images, images, images}, -1)
	}
	if shape.Dimensions[1] != imageSize || shape.Dimensions[2] != imageSize {
		images = Interpolate(images, NoInterpolation, imageSize, imageSize, NoInterpolation).Done()
	}
	images = inceptionv3.PreprocessImage(images, maxValue, timages.ChannelsLast)
	return inceptionv3.BuildGraph(ctx.In("inception"), images).
		SetPooling(inceptionv3.MeanPooling).
		ClassificationTop(false).
		PreTrained(weightsDir).
		ChannelsAxis(timages.ChannelsLast).
		Trainable(false).
		Done()
}

// Extract the feature vectors of a batch of images, shaped
// [batchSize, numFeatures].
func (e *Extractor) Extract(images *tensors.Tensor) *tensors.Tensor {
	return e.exec.MustExec(images)[0]
}

// Finalize frees the extractor's executor.
func (e *Extractor) Finalize() {
	e.exec.Finalize()
}
