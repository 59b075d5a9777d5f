// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist loads the MNIST database of handwritten digits as GoMLX
// tensors and datasets.
//
// The generative exercises use it both unconditionally (WGAN-GP, DDPM) and
// conditioned on the digit labels (conditional GAN). Images are yielded as
// [batch, 28, 28, 1] with values in [0, 1]; use NormalizeToTanhRange for
// models with tanh outputs.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/generative/downloader"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	// Width and Height of every MNIST image.
	Width  = 28
	Height = 28

	// NumClasses of digit labels.
	NumClasses = 10

	// NumTrainExamples and NumTestExamples in the canonical split.
	NumTrainExamples = 60000
	NumTestExamples  = 10000

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// Partition of the canonical MNIST split.
type Partition int

const (
	Train Partition = iota
	Test
)

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// Download the MNIST files to baseDir, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	files := []string{trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename}
	for _, file := range files {
		fileURL, _ := url.JoinPath(downloadURL, file)
		filePath := path.Join(baseDir, file)
		if err := downloader.DownloadIfMissing(fileURL, filePath, ""); err != nil {
			return errors.WithMessagef(err, "downloading MNIST file %q", file)
		}
	}
	return nil
}

// loadImagesTensor parses an idx3 gzip file into a tensor shaped
// [numImages, Height, Width, 1] of the given float dtype, scaled to [0, 1].
func loadImagesTensor(filePath string, dtype dtypes.DType) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	header := imageFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imageMagic || header.Width != Width || header.Height != Height {
		return nil, errors.Errorf("%q is not a valid MNIST images file", filePath)
	}

	numImages := int(header.NumImages)
	raw := make([]byte, numImages*Height*Width)
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d images from %q", numImages, filePath)
	}

	imagesT := tensors.FromShape(shapes.Make(dtype, numImages, Height, Width, 1))
	switch dtype {
	case dtypes.Float32:
		fillImages[float32](imagesT, raw)
	case dtypes.Float64:
		fillImages[float64](imagesT, raw)
	default:
		return nil, errors.Errorf("MNIST images only support Float32 or Float64, got %s", dtype)
	}
	return imagesT, nil
}

func fillImages[T constraints.Float](imagesT *tensors.Tensor, raw []byte) {
	tensors.MustMutableFlatData[T](imagesT, func(flat []T) {
		for i, b := range raw {
			flat[i] = T(b) / T(255)
		}
	})
}

// loadLabelsTensor parses an idx1 gzip file into an Int32 tensor shaped [numLabels].
func loadLabelsTensor(filePath string) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	header := labelFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelMagic {
		return nil, errors.Errorf("%q is not a valid MNIST labels file", filePath)
	}

	numLabels := int(header.NumLabels)
	raw := make([]byte, numLabels)
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", numLabels, filePath)
	}
	labelsT := tensors.FromShape(shapes.Make(dtypes.Int32, numLabels))
	tensors.MustMutableFlatData[int32](labelsT, func(flat []int32) {
		for i, b := range raw {
			flat[i] = int32(b)
		}
	})
	return labelsT, nil
}

type imagesAndLabels struct {
	images, labels *tensors.Tensor
}

// Cache of loaded data, per dtype, per partition. Multiple datasets over the
// same partition share the underlying tensors.
var tensorsCache = make(map[dtypes.DType][2]imagesAndLabels)

// ResetCache drops the loaded tensors, forcing the next NewDataset to re-read
// the files.
func ResetCache() {
	tensorsCache = make(map[dtypes.DType][2]imagesAndLabels)
}

// Load downloads (if needed) and parses one partition of MNIST into an images
// tensor [n, 28, 28, 1] and a labels tensor [n] (Int32). Results are cached
// in memory.
func Load(baseDir string, partition Partition, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if cached, found := tensorsCache[dtype]; found && cached[partition].images != nil {
		return cached[partition].images, cached[partition].labels, nil
	}
	if err = Download(baseDir); err != nil {
		return nil, nil, err
	}
	imagesFile, labelsFile := trainImagesFilename, trainLabelsFilename
	if partition == Test {
		imagesFile, labelsFile = testImagesFilename, testLabelsFilename
	}
	images, err = loadImagesTensor(path.Join(baseDir, imagesFile), dtype)
	if err != nil {
		return nil, nil, err
	}
	labels, err = loadLabelsTensor(path.Join(baseDir, labelsFile))
	if err != nil {
		return nil, nil, err
	}
	cached := tensorsCache[dtype]
	cached[partition] = imagesAndLabels{images: images, labels: labels}
	tensorsCache[dtype] = cached
	return images, labels, nil
}

// NewDataset creates an InMemoryDataset over one partition of MNIST, yielding
// an images batch as input and digit labels as label. Configure batching and
// shuffling on the returned dataset, e.g.:
//
//	ds := mnist.NewDataset(backend, "train", baseDir, mnist.Train, dtypes.Float32).
//		Shuffle().BatchSize(batchSize, true).Infinite(true)
func NewDataset(backend backends.Backend, name, baseDir string, partition Partition, dtype dtypes.DType) *datasets.InMemoryDataset {
	images, labels, err := Load(baseDir, partition, dtype)
	if err != nil {
		panic(errors.WithMessagef(err, "mnist.NewDataset(%q)", name))
	}
	ds, err := datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
	if err != nil {
		panic(errors.WithMessagef(err, "mnist.NewDataset(%q)", name))
	}
	return ds
}

// NormalizeToTanhRange maps images from [0, 1] to [-1, 1], the output range
// of tanh-activated generators.
func NormalizeToTanhRange(images *graph.Node) *graph.Node {
	return graph.AddScalar(graph.MulScalar(images, 2), -1)
}

// DenormalizeFromTanhRange maps images from [-1, 1] back to [0, 1], clipping
// out-of-range values.
func DenormalizeFromTanhRange(images *graph.Node) *graph.Node {
	return graph.ClipScalar(graph.MulScalar(graph.AddScalar(images, 1), 0.5), 0, 1)
}
