// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLinearSchedule(t *testing.T) {
	s := NewLinearSchedule(5, 0.1, 0.5)
	wantBetas := []float64{0.1, 0.2, 0.3, 0.4, 0.5}
	wantCumProd := []float64{0.9, 0.72, 0.504, 0.3024, 0.1512}
	for tt := range 5 {
		assert.InDelta(t, wantBetas[tt], s.Betas[tt], 1e-9)
		assert.InDelta(t, 1-wantBetas[tt], s.Alphas[tt], 1e-9)
		assert.InDelta(t, wantCumProd[tt], s.AlphasCumProd[tt], 1e-9)
		if tt > 0 {
			assert.Less(t, s.AlphasCumProd[tt], s.AlphasCumProd[tt-1],
				"remaining signal variance must strictly decrease")
		}
	}

	// The usual 1000-step schedule should end with almost no signal left.
	s = NewLinearSchedule(1000, 1e-4, 0.02)
	assert.Less(t, s.AlphasCumProd[999], 1e-3)
	assert.InDelta(t, math.Sqrt(s.AlphasCumProd[0]), s.SignalRatio(0), 1e-9)

	assert.Panics(t, func() { NewLinearSchedule(1, 0.1, 0.5) })
	assert.Panics(t, func() { NewLinearSchedule(10, 0, 0.5) })
	assert.Panics(t, func() { NewLinearSchedule(10, 0.5, 0.1) })
}

func TestForwardProcess(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(5, 0.1, 0.5)

	// For images and noise both all ones, the diffused batch element at step t
	// is sqrt(alphaCumProd_t) + sqrt(1-alphaCumProd_t) everywhere.
	ones := [][][][]float32{
		{{{1}, {1}}, {{1}, {1}}},
		{{{1}, {1}}, {{1}, {1}}},
	}
	got := MustExecOnce(backend, func(images, noise, steps *Node) *Node {
		return s.ForwardProcess(images, noise, steps)
	}, ones, ones, []int32{0, 4})

	want0 := float32(math.Sqrt(0.9) + math.Sqrt(0.1))
	want4 := float32(math.Sqrt(0.1512) + math.Sqrt(0.8488))
	tensors.MustConstFlatData[float32](got, func(flat []float32) {
		require.Len(t, flat, 8)
		for ii, v := range flat {
			want := want0
			if ii >= 4 {
				want = want4
			}
			assert.InDelta(t, want, v, 1e-5)
		}
	})
}

func TestReverseStep(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(5, 0.1, 0.5)

	xT, predictedNoise, freshNoise := 1.0, 0.5, 1.0
	const step = 2 // beta=0.3, alpha=0.7, alphaCumProd=0.504
	got := MustExecOnce(backend, func(x, predicted, noise, step *Node) *Node {
		return s.ReverseStep(x, predicted, noise, step)
	},
		[][][][]float32{{{{float32(xT)}}}},
		[][][][]float32{{{{float32(predictedNoise)}}}},
		[][][][]float32{{{{float32(freshNoise)}}}},
		int32(step))

	want := (xT-predictedNoise*0.3/math.Sqrt(1-0.504))/math.Sqrt(0.7) +
		freshNoise*math.Sqrt(0.3)
	tensors.MustConstFlatData[float32](got, func(flat []float32) {
		require.Len(t, flat, 1)
		assert.InDelta(t, want, flat[0], 1e-5)
	})
}
