// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package freyfaces loads the Frey faces dataset: 1965 grayscale frames,
// 20x28 pixels each, of a single face, stored as a Matlab matrix.
//
// It is small enough to make a quick alternative to MNIST for the
// adversarial training exercises.
package freyfaces

import (
	"os"
	"path"

	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/generative/downloader"
)

const (
	DownloadURL = "https://cs.nyu.edu/~roweis/data/frey_rawface.mat"
	Filename    = "frey_rawface.mat"

	// Width and Height of every frame.
	Width  = 20
	Height = 28

	// NumExamples in the file.
	NumExamples = 1965
)

// Download the Frey faces file to baseDir, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return downloader.DownloadIfMissing(DownloadURL, path.Join(baseDir, Filename), "")
}

// Load parses the Matlab file into a tensor shaped
// [NumExamples, Height, Width, 1] of the given float dtype, scaled to [0, 1].
//
// The matrix "ff" is stored column-major with one 560-pixel frame per column.
func Load(baseDir string, dtype dtypes.DType) (*tensors.Tensor, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	filePath := path.Join(baseDir, Filename)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()

	matlabFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse Matlab file %q", filePath)
	}
	matFaces, found := matlabFile.GetVar("ff")
	if !found {
		return nil, errors.Errorf("failed to find var \"ff\" in Matlab file %q", filePath)
	}
	values := matFaces.Value()
	if len(values) != NumExamples*Height*Width {
		return nil, errors.Errorf("Matlab file %q has %d values, wanted %d", filePath, len(values), NumExamples*Height*Width)
	}

	pixels := make([]float64, len(values))
	for ii, value := range values {
		switch v := value.(type) {
		case uint8:
			pixels[ii] = float64(v) / 255
		case int16:
			pixels[ii] = float64(v) / 255
		case float64:
			pixels[ii] = v / 255
		default:
			return nil, errors.Errorf("Matlab file %q has unsupported pixel type %T", filePath, value)
		}
	}

	imagesT := tensors.FromShape(shapes.Make(dtype, NumExamples, Height, Width, 1))
	switch dtype {
	case dtypes.Float32:
		fillImages[float32](imagesT, pixels)
	case dtypes.Float64:
		fillImages[float64](imagesT, pixels)
	default:
		return nil, errors.Errorf("Frey faces only support Float32 or Float64, got %s", dtype)
	}
	return imagesT, nil
}

func fillImages[T float32 | float64](imagesT *tensors.Tensor, pixels []float64) {
	tensors.MustMutableFlatData[T](imagesT, func(flat []T) {
		pos := 0
		for example := 0; example < NumExamples; example++ {
			base := example * Height * Width
			for y := 0; y < Height; y++ {
				for x := 0; x < Width; x++ {
					flat[pos] = T(pixels[base+y*Width+x])
					pos++
				}
			}
		}
	})
}

// NewDataset downloads (if needed) and loads the faces into an
// InMemoryDataset with no labels. Configure batching and shuffling on the
// returned dataset.
func NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	if err := Download(baseDir); err != nil {
		return nil, err
	}
	images, err := Load(baseDir, dtype)
	if err != nil {
		return nil, err
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{images}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "freyfaces.NewDataset(%q)", name)
	}
	return ds, nil
}
