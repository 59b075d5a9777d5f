// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gan

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// GeneratedSamplesPrefix is the file name prefix of the sample tensors saved
// to the checkpoint directory during training, suffixed with the global step.
const GeneratedSamplesPrefix = "generated_samples_"

var samplesStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2, 0, 2)

// AttachSamplesMonitor periodically generates samples from generateFn and
// saves them to the checkpoint directory, at exponentially spaced steps.
// A no-op if checkpoint is nil.
func AttachSamplesMonitor(loop *train.Loop, checkpoint *checkpoints.Handler,
	everyNSteps int, growth float64, generateFn func() *tensors.Tensor) {
	if checkpoint == nil {
		return
	}
	train.ExponentialCallback(loop, everyNSteps, growth, true,
		"generated samples monitor", 0,
		func(loop *train.Loop, _ []*tensors.Tensor) error {
			samples := generateFn()
			samplesPath := path.Join(checkpoint.Dir(),
				fmt.Sprintf("%s%07d.tensor", GeneratedSamplesPrefix, loop.LoopStep))
			if err := samples.Save(samplesPath); err != nil {
				return errors.WithMessagef(err, "failed to save generated samples to %q", samplesPath)
			}
			return nil
		})
}

// ReportSamplesSaved prints a framed notice of where the final samples went.
func ReportSamplesSaved(filePath string, numImages int) {
	fmt.Println(samplesStyle.Render(
		fmt.Sprintf("%d generated samples written to\n%s", numImages, filePath)))
}

// DisplayImagesGrid shows the batch of images as a grid inline in the cell
// output. This only works in a Jupyter (GoNB kernel) notebook, elsewhere it
// is a no-op.
func DisplayImagesGrid(imagesT *tensors.Tensor, perRow int) {
	if !gonbui.IsNotebook {
		return
	}
	grid := must.M1(ImagesToGrid(imagesT, perRow))
	imgSrc := must.M1(gonbui.EmbedImageAsPNGSrc(grid))
	gonbui.DisplayHTML(fmt.Sprintf(`<img src="%s">`, imgSrc))
}

// ImagesToGrid lays a batch of images, shaped [numImages, height, width,
// channels] with values in [0, 1] and 1 or 3 channels, onto one image with
// perRow images per row.
func ImagesToGrid(imagesT *tensors.Tensor, perRow int) (image.Image, error) {
	shape := imagesT.Shape()
	if shape.Rank() != 4 {
		return nil, errors.Errorf("ImagesToGrid requires a [batch, height, width, channels] tensor, got %s", shape)
	}
	numImages := shape.Dimensions[0]
	height, width := shape.Dimensions[1], shape.Dimensions[2]
	channels := shape.Dimensions[3]
	numRows := (numImages + perRow - 1) / perRow

	var images []image.Image
	switch channels {
	case 3:
		images = timages.ToImage().MaxValue(1.0).Batch(imagesT)
	case 1:
		var err error
		images, err = grayImages(imagesT, numImages, height, width)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("ImagesToGrid supports 1 or 3 channels, got %d", channels)
	}

	grid := image.NewNRGBA(image.Rect(0, 0, perRow*width, numRows*height))
	for ii, img := range images {
		offsetX := (ii % perRow) * width
		offsetY := (ii / perRow) * height
		bounds := img.Bounds()
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				grid.Set(offsetX+x, offsetY+y, img.At(bounds.Min.X+x, bounds.Min.Y+y))
			}
		}
	}
	return grid, nil
}

func grayImages(imagesT *tensors.Tensor, numImages, height, width int) ([]image.Image, error) {
	images := make([]image.Image, numImages)
	fill := func(flat []float64) {
		for ii := range numImages {
			img := image.NewGray(image.Rect(0, 0, width, height))
			base := ii * height * width
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					v := flat[base+y*width+x]
					if v < 0 {
						v = 0
					} else if v > 1 {
						v = 1
					}
					img.SetGray(x, y, color.Gray{Y: uint8(v*255 + 0.5)})
				}
			}
			images[ii] = img
		}
	}
	switch imagesT.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData[float32](imagesT, func(flat []float32) {
			flat64 := make([]float64, len(flat))
			for ii, v := range flat {
				flat64[ii] = float64(v)
			}
			fill(flat64)
		})
	case dtypes.Float64:
		tensors.MustConstFlatData[float64](imagesT, fill)
	default:
		return nil, errors.Errorf("grayscale conversion supports float32 or float64, got %s", imagesT.DType())
	}
	return images, nil
}

// SaveImagesGrid writes a batch of images as one PNG grid file.
func SaveImagesGrid(imagesT *tensors.Tensor, perRow int, filePath string) error {
	grid, err := ImagesToGrid(imagesT, perRow)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = png.Encode(f, grid); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode PNG to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
