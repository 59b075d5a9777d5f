// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fid

import (
	"flag"
	"testing"

	"github.com/gomlx/gomlx/examples/inceptionv3"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var flagDataDir = flag.String("data", "/tmp/gomlx_inceptionv3", "Directory to cache the InceptionV3 weights.")

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator(2)
	require.NoError(t, acc.Add(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)))
	require.NoError(t, acc.Add(tensors.FromFlatDataAndDimensions([]float64{5, 6, 7, 8}, 2, 2)))
	stats, err := acc.Done()
	require.NoError(t, err)

	assert.Equal(t, 4, stats.NumSamples)
	assert.InDelta(t, 4.0, stats.Mean.AtVec(0), 1e-6)
	assert.InDelta(t, 5.0, stats.Mean.AtVec(1), 1e-6)
	// Deviations are (-3,-3), (-1,-1), (1,1), (3,3), so every covariance
	// entry is 20/3.
	for ii := range 2 {
		for jj := range 2 {
			assert.InDelta(t, 20.0/3.0, stats.Covariance.At(ii, jj), 1e-6)
		}
	}
}

func TestAccumulatorErrors(t *testing.T) {
	acc := NewAccumulator(2)
	assert.Error(t, acc.Add(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 3)),
		"batch with the wrong feature dimension must be rejected")
	assert.Error(t, acc.Add(tensors.FromFlatDataAndDimensions([]int32{1, 2}, 1, 2)),
		"non-float batch must be rejected")

	require.NoError(t, acc.Add(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)))
	_, err := acc.Done()
	assert.Error(t, err, "a single sample cannot fit a covariance")
}

func diagonalStatistics(mean, variances []float64) *Statistics {
	dim := len(mean)
	cov := mat.NewSymDense(dim, nil)
	for ii, v := range variances {
		cov.SetSym(ii, ii, v)
	}
	return &Statistics{NumSamples: 2, Mean: mat.NewVecDense(dim, mean), Covariance: cov}
}

func TestDistance(t *testing.T) {
	s := diagonalStatistics([]float64{1, 2, 3}, []float64{1, 2, 3})
	d, err := Distance(s, s)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, d, 1e-6, "a distribution has distance 0 to itself")

	// For diagonal covariances the distance has a closed form:
	// ||m1-m2||^2 + sum(c1 + c2 - 2*sqrt(c1*c2)).
	s1 := diagonalStatistics([]float64{0, 0}, []float64{1, 4})
	s2 := diagonalStatistics([]float64{1, 2}, []float64{9, 16})
	d, err = Distance(s1, s2)
	require.NoError(t, err)
	assert.InDelta(t, 13.0, d, 1e-6)

	_, err = Distance(s, s1)
	assert.Error(t, err, "mismatching feature dimensions must be rejected")
}

func TestExtractor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping InceptionV3 feature extraction: it downloads the pre-trained weights")
	}
	backend := graphtest.BuildTestBackend()
	extractor, err := NewExtractor(backend, *flagDataDir, inceptionv3.MinimumImageSize, 1.0)
	require.NoError(t, err)
	defer extractor.Finalize()

	// Grayscale images get replicated to 3 channels before extraction.
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 28, 28, 1))
	features := extractor.Extract(images)
	require.Equal(t, 2, features.Rank())
	assert.Equal(t, 2, features.Shape().Dimensions[0])
	assert.Greater(t, features.Shape().Dimensions[1], 1)
}
