// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestNormalizeRoundTrip(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	got := graph.MustExecOnce(backend, func(g *graph.Graph) *graph.Node {
		images := graph.Const(g, [][]float32{{0, 0.25, 0.5, 1}})
		return DenormalizeFromTanhRange(NormalizeToTanhRange(images))
	})
	assert.InDeltaSlice(t, []float32{0, 0.25, 0.5, 1}, got.Value().([][]float32)[0], 1e-6)

	normalized := graph.MustExecOnce(backend, func(g *graph.Graph) *graph.Node {
		return NormalizeToTanhRange(graph.Const(g, []float32{0, 0.5, 1}))
	})
	assert.InDeltaSlice(t, []float32{-1, 0, 1}, normalized.Value().([]float32), 1e-6)
}

func TestDataset(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MNIST download in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	dataDir := t.TempDir()

	const batchSize = 128
	trainDS := NewDataset(backend, "mnist-train", dataDir, Train, dtypes.Float32).
		Shuffle().BatchSize(batchSize, true)
	assert.Equal(t, NumTrainExamples, trainDS.NumExamples())

	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 1)
	inputs[0].Shape().AssertDims(batchSize, Height, Width, 1)
	labels[0].Shape().AssertDims(batchSize)
	assert.Equal(t, dtypes.Int32, labels[0].DType())

	// Pixel values must already be scaled to [0, 1].
	var minV, maxV float32 = 1, 0
	for _, v := range inputs[0].Value().([][][][]float32)[0] {
		for _, row := range v {
			for _, p := range row {
				if p < minV {
					minV = p
				}
				if p > maxV {
					maxV = p
				}
			}
		}
	}
	assert.GreaterOrEqual(t, minV, float32(0))
	assert.LessOrEqual(t, maxV, float32(1))

	testImages, testLabels, err := Load(dataDir, Test, dtypes.Float32)
	require.NoError(t, err)
	testImages.Shape().AssertDims(NumTestExamples, Height, Width, 1)
	testLabels.Shape().AssertDims(NumTestExamples)
}
