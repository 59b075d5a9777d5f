// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tinynerf loads the "tiny NeRF" lego bulldozer dataset: 106 renders
// of a synthetic scene, 100x100 pixels each, with their camera poses and the
// shared focal length, stored as a numpy .npz archive.
//
// It also generates the camera rays: each pixel of each view becomes one
// (origin, direction) pair with the pixel color as its label, which is the
// unit of training data for a radiance field.
package tinynerf

import (
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"

	"github.com/gomlx/generative/downloader"
)

const (
	DownloadURL = "https://people.eecs.berkeley.edu/~bmild/nerf/tiny_nerf_data.npz"
	Filename    = "tiny_nerf_data.npz"

	// Width and Height of every view.
	Width  = 100
	Height = 100
)

// Data holds the views, their camera poses and the camera focal length.
type Data struct {
	// NumImages loaded from the archive.
	NumImages int

	// Images pixels, RGB in [0, 1], flat in [NumImages, Height, Width, 3]
	// row-major order.
	Images []float32

	// Poses are the camera-to-world matrices, flat in [NumImages, 4, 4]
	// row-major order.
	Poses []float32

	// Focal length in pixels, shared by all views.
	Focal float64
}

// Download the tiny NeRF archive to baseDir, if not already there.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return downloader.DownloadIfMissing(DownloadURL, path.Join(baseDir, Filename), "")
}

// Load parses the .npz archive from baseDir.
func Load(baseDir string) (*Data, error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	filePath := path.Join(baseDir, Filename)
	f, err := npz.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()

	d := &Data{}
	if err = f.Read("images", &d.Images); err != nil {
		return nil, errors.Wrapf(err, "failed to read \"images\" from %q", filePath)
	}
	if err = f.Read("poses", &d.Poses); err != nil {
		return nil, errors.Wrapf(err, "failed to read \"poses\" from %q", filePath)
	}
	if err = f.Read("focal", &d.Focal); err != nil {
		return nil, errors.Wrapf(err, "failed to read \"focal\" from %q", filePath)
	}

	d.NumImages = len(d.Images) / (Height * Width * 3)
	if len(d.Images) != d.NumImages*Height*Width*3 || d.NumImages == 0 {
		return nil, errors.Errorf("%q has %d image values, wanted a multiple of %d",
			filePath, len(d.Images), Height*Width*3)
	}
	if len(d.Poses) != d.NumImages*16 {
		return nil, errors.Errorf("%q has %d pose values for %d images, wanted %d",
			filePath, len(d.Poses), d.NumImages, d.NumImages*16)
	}
	return d, nil
}

// Pose returns the flat 4x4 camera-to-world matrix of a view.
func (d *Data) Pose(view int) []float32 {
	return d.Poses[view*16 : (view+1)*16]
}

// Colors returns the flat [Height, Width, 3] pixels of a view.
func (d *Data) Colors(view int) []float32 {
	size := Height * Width * 3
	return d.Images[view*size : (view+1)*size]
}

// CameraRays generates one ray per pixel for the given camera-to-world pose
// (a flat 4x4 matrix) and focal length: directions point through the pixel
// centers of a Height x Width grid, in row-major pixel order.
func CameraRays(pose []float32, focal float64) (origins, directions []float32) {
	numRays := Height * Width
	origins = make([]float32, numRays*3)
	directions = make([]float32, numRays*3)

	for y := range Height {
		for x := range Width {
			// Camera space: x right, y up, looking down -z.
			cx := (float32(x) - Width/2) / float32(focal)
			cy := -(float32(y) - Height/2) / float32(focal)
			cz := float32(-1)

			ray := (y*Width + x) * 3
			for axis := range 3 {
				row := pose[axis*4 : axis*4+4]
				directions[ray+axis] = row[0]*cx + row[1]*cy + row[2]*cz
				origins[ray+axis] = row[3]
			}
		}
	}
	return
}

// NewRaysDataset creates a dataset with one example per pixel of every view
// except heldOutView (pass a negative value to use every view). Inputs are
// the ray origin and direction (both [3]) and the label is the pixel color
// ([3]). Callers configure shuffling and batching (see datasets.InMemoryDataset).
func NewRaysDataset(backend backends.Backend, d *Data, heldOutView int) (*datasets.InMemoryDataset, error) {
	numViews := d.NumImages
	if heldOutView >= 0 {
		numViews--
	}
	numRays := numViews * Height * Width
	origins := make([]float32, 0, numRays*3)
	directions := make([]float32, 0, numRays*3)
	colors := make([]float32, 0, numRays*3)
	for view := range d.NumImages {
		if view == heldOutView {
			continue
		}
		viewOrigins, viewDirections := CameraRays(d.Pose(view), d.Focal)
		origins = append(origins, viewOrigins...)
		directions = append(directions, viewDirections...)
		colors = append(colors, d.Colors(view)...)
	}

	ds, err := datasets.InMemoryFromData(backend, "tinynerf",
		[]any{
			tensors.FromFlatDataAndDimensions(origins, numRays, 3),
			tensors.FromFlatDataAndDimensions(directions, numRays, 3),
		},
		[]any{
			tensors.FromFlatDataAndDimensions(colors, numRays, 3),
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build rays dataset")
	}
	return ds, nil
}
