// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package segmentation

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/generative/datasets/oxfordpets"
	"github.com/gomlx/generative/gan"
)

// imagesToFloat32 returns the flat pixel values of a [batch, height, width, 3]
// images tensor as float32, converting from float64 if needed.
func imagesToFloat32(images *tensors.Tensor) ([]float32, error) {
	switch images.DType() {
	case dtypes.Float32:
		flat := make([]float32, images.Shape().Size())
		tensors.MustConstFlatData[float32](images, func(data []float32) {
			copy(flat, data)
		})
		return flat, nil
	case dtypes.Float64:
		flat := make([]float32, images.Shape().Size())
		tensors.MustConstFlatData[float64](images, func(data []float64) {
			for ii, v := range data {
				flat[ii] = float32(v)
			}
		})
		return flat, nil
	}
	return nil, errors.Errorf("images must be Float32 or Float64, got %s", images.DType())
}

// ComparisonImages interleaves each photo with its reference mask and the
// model's predicted mask, both rendered as grayscale with one gray level per
// class, and returns them as one Float32 tensor shaped
// [3*batch, height, width, 3]. Saved with 3 images per row it reads as one
// example per row: photo, mask, prediction.
//
// images must be shaped [batch, height, width, 3] (Float32 or Float64), masks
// Int32 shaped [batch, height, width, 1] and predictions Int32 shaped
// [batch, height, width], as returned by Predict.
func ComparisonImages(images, masks, predictions *tensors.Tensor) (*tensors.Tensor, error) {
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 3 {
		return nil, errors.Errorf("images must be shaped [batch, height, width, 3], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	if masks.DType() != dtypes.Int32 ||
		!masks.Shape().Equal(shapes.Make(dtypes.Int32, batchSize, height, width, 1)) {
		return nil, errors.Errorf("masks must be Int32 shaped [%d, %d, %d, 1], got %s",
			batchSize, height, width, masks.Shape())
	}
	if predictions.DType() != dtypes.Int32 ||
		!predictions.Shape().Equal(shapes.Make(dtypes.Int32, batchSize, height, width)) {
		return nil, errors.Errorf("predictions must be Int32 shaped [%d, %d, %d], got %s",
			batchSize, height, width, predictions.Shape())
	}

	imgFlat, err := imagesToFloat32(images)
	if err != nil {
		return nil, err
	}
	classToGray := func(class int32) float32 {
		return float32(class) / float32(NumClasses-1)
	}

	pixels := height * width
	grid := tensors.FromShape(shapes.Make(dtypes.Float32, 3*batchSize, height, width, 3))
	tensors.MustMutableFlatData[float32](grid, func(flat []float32) {
		tensors.MustConstFlatData[int32](masks, func(maskFlat []int32) {
			tensors.MustConstFlatData[int32](predictions, func(predFlat []int32) {
				for ex := range batchSize {
					imgBase := 3 * ex * 3 * pixels
					copy(flat[imgBase:imgBase+3*pixels], imgFlat[ex*3*pixels:(ex+1)*3*pixels])
					maskBase := imgBase + 3*pixels
					predBase := maskBase + 3*pixels
					for p := range pixels {
						gray := classToGray(maskFlat[ex*pixels+p])
						flat[maskBase+3*p] = gray
						flat[maskBase+3*p+1] = gray
						flat[maskBase+3*p+2] = gray
						gray = classToGray(predFlat[ex*pixels+p])
						flat[predBase+3*p] = gray
						flat[predBase+3*p+1] = gray
						flat[predBase+3*p+2] = gray
					}
				}
			})
		})
	})
	return grid, nil
}

// SavePredictions reads numExamples photos from the test partition, segments
// them with the trained model held by ctx and saves a PNG grid to filePath,
// one example per row: photo, reference mask, predicted mask. When running in
// a GoNB notebook the grid is also displayed inline.
func SavePredictions(ctx *context.Context, backend backends.Backend, dataDir, filePath string, numExamples int) error {
	if err := oxfordpets.DownloadAndParse(dataDir); err != nil {
		return err
	}
	imageSize := context.GetParamOr(ctx, "image_size", 128)
	dtype, err := dtypes.DTypeString(context.GetParamOr(ctx, "dtype", "float32"))
	if err != nil {
		return err
	}
	ds, err := oxfordpets.NewDataset(backend, "pets-predictions", oxfordpets.Test, imageSize, dtype)
	if err != nil {
		return err
	}
	ds.BatchSize(numExamples, true)
	_, inputs, labels, err := ds.Yield()
	if err != nil {
		return errors.WithMessagef(err, "failed to read %d test examples to segment", numExamples)
	}
	predictions := Predict(ctx, backend, inputs[0])
	grid, err := ComparisonImages(inputs[0], labels[0], predictions)
	if err != nil {
		return err
	}
	if err = gan.SaveImagesGrid(grid, 3, filePath); err != nil {
		return err
	}
	gan.DisplayImagesGrid(grid, 3)
	gan.ReportSamplesSaved(filePath, numExamples)
	return nil
}
