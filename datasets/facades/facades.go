// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package facades loads the CMP Facades paired dataset used by the
// image-to-image translation (pix2pix) exercise.
//
// Each file stores two images side by side: the photo of a building facade on
// the left half, and its architectural label map on the right half. The
// translation task maps the label map to the photo.
package facades

import (
	"image"
	"image/jpeg"
	"io"
	"math/rand"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/generative/downloader"
)

var (
	DownloadURL = "http://efrosgans.eecs.berkeley.edu/pix2pix/datasets/facades.tar.gz"
	TarFilename = "facades.tar.gz"
	UntarDir    = "facades"
)

// Partition of the dataset, matching its directory layout.
type Partition string

const (
	Train Partition = "train"
	Val   Partition = "val"
	Test  Partition = "test"
)

// JitterPadding is how many extra pixels each side is resized up by before
// the random crop, when augmenting.
const JitterPadding = 30

// Download the facades tarball to baseDir and untar it, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create path %q", baseDir)
	}
	return downloader.DownloadAndUntarIfMissing(DownloadURL, baseDir, TarFilename, UntarDir, "")
}

// ListExamples returns the sorted jpg file paths of one partition.
func ListExamples(baseDir string, partition Partition) ([]string, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	dirPath := path.Join(baseDir, UntarDir, string(partition))
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan examples in %q", dirPath)
	}
	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".jpg") {
			files = append(files, path.Join(dirPath, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Errorf("no .jpg examples found in %q", dirPath)
	}
	return files, nil
}

// SplitPair splits a combined A|B image into the photo (left half) and the
// label map (right half).
func SplitPair(combined image.Image) (photo, labelMap image.Image) {
	bounds := combined.Bounds()
	half := bounds.Dx() / 2
	photo = imaging.Crop(combined, image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+half, bounds.Max.Y))
	labelMap = imaging.Crop(combined, image.Rect(bounds.Min.X+half, bounds.Min.Y, bounds.Max.X, bounds.Max.Y))
	return
}

// Dataset yields (label map, photo) pairs, one example at a time, with
// optional random-jitter augmentation. It implements train.Dataset.
type Dataset struct {
	name     string
	files    []string
	size     int
	dtype    dtypes.DType
	augment  bool
	infinite bool

	mu   sync.Mutex
	next int
	rng  *rand.Rand
}

// NewDataset creates a Dataset over one partition. Download must have been
// called. Images are resized to size x size.
func NewDataset(name, baseDir string, partition Partition, size int, dtype dtypes.DType) (*Dataset, error) {
	files, err := ListExamples(baseDir, partition)
	if err != nil {
		return nil, err
	}
	return &Dataset{
		name:  name,
		files: files,
		size:  size,
		dtype: dtype,
		rng:   rand.New(rand.NewSource(42)),
	}, nil
}

// Augmented enables random-jitter augmentation: both halves are resized up by
// JitterPadding pixels, randomly cropped at the same offset and randomly
// mirrored together.
func (ds *Dataset) Augmented() *Dataset {
	ds.augment = true
	return ds
}

// Infinite makes the dataset loop forever, reshuffling at each epoch end,
// instead of returning io.EOF.
func (ds *Dataset) Infinite() *Dataset {
	ds.infinite = true
	return ds
}

// NumExamples in the partition.
func (ds *Dataset) NumExamples() int { return len(ds.files) }

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

func (ds *Dataset) nextFile() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.files) {
		if !ds.infinite {
			return ""
		}
		ds.next = 0
		ds.rng.Shuffle(len(ds.files), func(i, j int) {
			ds.files[i], ds.files[j] = ds.files[j], ds.files[i]
		})
	}
	file := ds.files[ds.next]
	ds.next++
	return file
}

// Yield implements train.Dataset. Inputs hold the label map and the target
// photo, in this order, both shaped [size, size, 3] with values in [0, 1].
// Both go as inputs (labels stay nil) so that model graphs see the two
// halves of each pair.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	filePath := ds.nextFile()
	if filePath == "" {
		return nil, nil, nil, io.EOF
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to open example %q", filePath)
	}
	combined, err := jpeg.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to parse JPEG %q", filePath)
	}
	photo, labelMap := SplitPair(combined)

	if ds.augment {
		photo, labelMap = ds.jitter(photo, labelMap)
	} else {
		photo = imaging.Resize(photo, ds.size, ds.size, imaging.Linear)
		labelMap = imaging.Resize(labelMap, ds.size, ds.size, imaging.Linear)
	}

	return spec,
		[]*tensors.Tensor{
			imageToTensor(labelMap, ds.size, ds.dtype),
			imageToTensor(photo, ds.size, ds.dtype),
		},
		nil, nil
}

// jitter applies the same random resize-crop-mirror to both halves.
func (ds *Dataset) jitter(photo, labelMap image.Image) (image.Image, image.Image) {
	enlarged := ds.size + JitterPadding
	photo = imaging.Resize(photo, enlarged, enlarged, imaging.Linear)
	labelMap = imaging.Resize(labelMap, enlarged, enlarged, imaging.Linear)

	ds.mu.Lock()
	dx := ds.rng.Intn(JitterPadding + 1)
	dy := ds.rng.Intn(JitterPadding + 1)
	mirror := ds.rng.Intn(2) == 1
	ds.mu.Unlock()

	cropRect := image.Rect(dx, dy, dx+ds.size, dy+ds.size)
	photo = imaging.Crop(photo, cropRect)
	labelMap = imaging.Crop(labelMap, cropRect)
	if mirror {
		photo = imaging.FlipH(photo)
		labelMap = imaging.FlipH(labelMap)
	}
	return photo, labelMap
}

func imageToTensor(img image.Image, size int, dtype dtypes.DType) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtype, size, size, 3))
	bounds := img.Bounds()
	switch dtype {
	case dtypes.Float64:
		fillImageTensor[float64](t, img, bounds, size)
	default:
		fillImageTensor[float32](t, img, bounds, size)
	}
	return t
}

func fillImageTensor[T float32 | float64](t *tensors.Tensor, img image.Image, bounds image.Rectangle, size int) {
	tensors.MustMutableFlatData[T](t, func(flat []T) {
		pos := 0
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				flat[pos] = T(r) / T(0xFFFF)
				flat[pos+1] = T(g) / T(0xFFFF)
				flat[pos+2] = T(b) / T(0xFFFF)
				pos += 3
			}
		}
	})
}

// NewBatchedDatasets creates the train and eval datasets used by the pix2pix
// demo: an infinite augmented training dataset and a single-epoch validation
// dataset, both batched on device.
func NewBatchedDatasets(backend backends.Backend, baseDir string, size, batchSize, evalBatchSize int, dtype dtypes.DType) (trainDS, validDS train.Dataset, err error) {
	rawTrain, err := NewDataset("facades-train", baseDir, Train, size, dtype)
	if err != nil {
		return nil, nil, err
	}
	rawValid, err := NewDataset("facades-val", baseDir, Val, size, dtype)
	if err != nil {
		return nil, nil, err
	}
	trainDS = datasets.Batch(backend,
		datasets.CustomParallel(rawTrain.Augmented().Infinite()).Buffer(16).Start(),
		batchSize, true, true)
	validDS = datasets.Batch(backend,
		datasets.CustomParallel(rawValid).Buffer(16).Start(),
		evalBatchSize, true, false)
	return trainDS, validDS, nil
}
