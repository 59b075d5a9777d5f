// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package oxfordpets loads the Oxford-IIIT Pet dataset for the semantic
// segmentation exercise: photos of cats and dogs paired with trimap masks.
//
// The trimap classes are remapped to 0 (pet), 1 (background) and 2 (border),
// so they can be used directly as sparse labels of a 3-class per-pixel
// classifier.
package oxfordpets

import (
	"bufio"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path"
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
	DownloadBaseURL           = "https://www.robots.ox.ac.uk/~vgg/data/pets/data/"
	DownloadFilesAndChecksums = []struct {
		File, UntarDir string
	}{
		// Checksums change across server re-packs, so none are pinned.
		{"images.tar.gz", "images"},
		{"annotations.tar.gz", "annotations"},
	}
)

// NumClasses of the segmentation masks: pet, background and border.
const NumClasses = 3

// Example names per partition, set by DownloadAndParse.
var (
	TrainExamples []string
	TestExamples  []string

	imagesDir  string
	trimapsDir string
)

// Partition of the official split.
type Partition int

const (
	Train Partition = iota
	Test
)

// DownloadAndParse downloads the images and annotations tarballs to baseDir,
// if missing, and parses the official trainval/test example lists.
func DownloadAndParse(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if err := os.MkdirAll(baseDir, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create path %q", baseDir)
	}
	for _, file := range DownloadFilesAndChecksums {
		url := DownloadBaseURL + file.File
		if err := downloader.DownloadAndUntarIfMissing(url, baseDir, file.File, file.UntarDir, ""); err != nil {
			return errors.WithMessagef(err, "failed to download and untar %q", url)
		}
	}
	imagesDir = path.Join(baseDir, "images")
	trimapsDir = path.Join(baseDir, "annotations", "trimaps")

	var err error
	TrainExamples, err = parseExamplesList(path.Join(baseDir, "annotations", "trainval.txt"))
	if err != nil {
		return err
	}
	TestExamples, err = parseExamplesList(path.Join(baseDir, "annotations", "test.txt"))
	if err != nil {
		return err
	}
	return nil
}

// parseExamplesList reads an annotations list file, whose lines look like
// "Abyssinian_100 1 1 1", and returns the example names.
func parseExamplesList(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples list %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		names = append(names, fields[0])
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read examples list %q", filePath)
	}
	return names, nil
}

// ReadExample reads and decodes the photo and the trimap of the named example.
func ReadExample(name string) (img, trimap image.Image, err error) {
	imgPath := path.Join(imagesDir, name+".jpg")
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open image %q", imgPath)
	}
	img, err = jpeg.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse JPEG %q", imgPath)
	}

	trimapPath := path.Join(trimapsDir, name+".png")
	f, err = os.Open(trimapPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open trimap %q", trimapPath)
	}
	trimap, err = png.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse PNG %q", trimapPath)
	}
	return img, trimap, nil
}

// resizeAndCenterCrop resizes the smallest dimension to size, preserving the
// aspect ratio, and then center-crops the largest dimension.
func resizeAndCenterCrop(img image.Image, size int, filter imaging.ResampleFilter) image.Image {
	width := img.Bounds().Dx()
	height := img.Bounds().Dy()
	if width < height {
		ratio := float64(width) / float64(size)
		width = size
		height = int(math.Round(float64(height) / ratio))
	} else if height < width {
		ratio := float64(height) / float64(size)
		height = size
		width = int(math.Round(float64(width) / ratio))
	} else {
		width, height = size, size
	}
	img = imaging.Resize(img, width, height, filter)
	if width > height {
		start := (width - size) / 2
		img = imaging.Crop(img, image.Rect(start, 0, start+size, size))
	} else if height > width {
		start := (height - size) / 2
		img = imaging.Crop(img, image.Rect(0, start, size, start+size))
	}
	return img
}

// rawDataset yields one (photo, mask) example at a time, reading and resizing
// from disk. It is meant to be wrapped by datasets.CustomParallel and cached
// with datasets.InMemory.
type rawDataset struct {
	names []string
	size  int
	dtype dtypes.DType

	mu   sync.Mutex
	next int
}

func (ds *rawDataset) Name() string { return "Oxford-IIIT Pet" }

func (ds *rawDataset) Reset() {
	ds.mu.Lock()
	ds.next = 0
	ds.mu.Unlock()
}

func (ds *rawDataset) nextIndex() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.names) {
		return -1
	}
	index := ds.next
	ds.next++
	return index
}

// Yield implements train.Dataset. Inputs hold the photo shaped
// [size, size, 3] scaled to [0, 1]; labels hold the mask shaped
// [size, size, 1] with int32 classes in {0, 1, 2}.
func (ds *rawDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = ds
	index := ds.nextIndex()
	if index < 0 {
		return nil, nil, nil, io.EOF
	}
	name := ds.names[index]
	img, trimap, err := ReadExample(name)
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "failed to read example %q", name)
	}
	img = resizeAndCenterCrop(img, ds.size, imaging.Linear)
	// Nearest neighbor keeps the trimap classes intact.
	trimap = resizeAndCenterCrop(trimap, ds.size, imaging.NearestNeighbor)

	imageT := imageToTensor(img, ds.size, ds.dtype)
	maskT := trimapToTensor(trimap, ds.size)
	return spec, []*tensors.Tensor{imageT}, []*tensors.Tensor{maskT}, nil
}

func imageToTensor(img image.Image, size int, dtype dtypes.DType) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtype, size, size, 3))
	switch dtype {
	case dtypes.Float64:
		fillImageTensor[float64](t, img, size)
	default:
		fillImageTensor[float32](t, img, size)
	}
	return t
}

func fillImageTensor[T float32 | float64](t *tensors.Tensor, img image.Image, size int) {
	bounds := img.Bounds()
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

// trimapToTensor remaps the trimap values {1: pet, 2: background, 3: border}
// to classes {0, 1, 2}.
func trimapToTensor(trimap image.Image, size int) *tensors.Tensor {
	bounds := trimap.Bounds()
	t := tensors.FromShape(shapes.Make(dtypes.Int32, size, size, 1))
	tensors.MustMutableFlatData[int32](t, func(flat []int32) {
		pos := 0
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				r, _, _, _ := trimap.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				class := int32(r>>8) - 1
				if class < 0 {
					class = 0
				} else if class >= NumClasses {
					class = NumClasses - 1
				}
				flat[pos] = class
				pos++
			}
		}
	})
	return t
}

// NewDataset loads one partition into an InMemoryDataset, reading and
// resizing the images in parallel. DownloadAndParse must have been called.
//
// Configure batching and shuffling on the returned dataset.
func NewDataset(backend backends.Backend, name string, partition Partition, size int, dtype dtypes.DType) (*datasets.InMemoryDataset, error) {
	names := TrainExamples
	if partition == Test {
		names = TestExamples
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no examples for partition %d: oxfordpets.DownloadAndParse must be called first", partition)
	}
	raw := &rawDataset{names: names, size: size, dtype: dtype}
	parallel := datasets.CustomParallel(raw).Buffer(32).Start()
	mds, err := datasets.InMemory(backend, parallel, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load Oxford-IIIT Pet partition %d into memory", partition)
	}
	mds.SetName(name)
	return mds, nil
}
