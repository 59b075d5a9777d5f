// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Schedule holds the precomputed coefficients of a diffusion noise schedule
// with NumSteps steps. Index t of each slice refers to diffusion step t+1.
type Schedule struct {
	NumSteps int

	// Betas are the per-step noise variances.
	Betas []float64

	// Alphas[t] = 1 - Betas[t].
	Alphas []float64

	// AlphasCumProd[t] is the product of Alphas up to and including t, the
	// signal variance remaining after t+1 steps.
	AlphasCumProd []float64
}

// NewLinearSchedule builds the linear schedule: betas grow linearly from
// betaStart to betaEnd over numSteps steps.
func NewLinearSchedule(numSteps int, betaStart, betaEnd float64) *Schedule {
	if numSteps < 2 {
		exceptions.Panicf("diffusion schedule requires at least 2 steps, got %d", numSteps)
	}
	if betaStart <= 0 || betaEnd >= 1 || betaStart > betaEnd {
		exceptions.Panicf("invalid diffusion schedule: need 0 < betaStart <= betaEnd < 1, got %g and %g",
			betaStart, betaEnd)
	}
	s := &Schedule{
		NumSteps:      numSteps,
		Betas:         make([]float64, numSteps),
		Alphas:        make([]float64, numSteps),
		AlphasCumProd: make([]float64, numSteps),
	}
	cumProd := 1.0
	for t := range numSteps {
		s.Betas[t] = betaStart + (betaEnd-betaStart)*float64(t)/float64(numSteps-1)
		s.Alphas[t] = 1 - s.Betas[t]
		cumProd *= s.Alphas[t]
		s.AlphasCumProd[t] = cumProd
	}
	return s
}

// gather looks coefficient values up at the given steps: steps is an integer
// node of any shape with values in [0, NumSteps), and the result has the
// same shape with the image dtype.
func gather(g *Graph, values []float64, steps *Node) *Node {
	table := make([]float32, len(values))
	for ii, v := range values {
		table[ii] = float32(v)
	}
	return Gather(Const(g, table), InsertAxes(steps, -1), true)
}

// ForwardProcess diffuses clean images directly to the given steps:
// q(x_t | x_0) = sqrt(alphaCumProd_t) * x_0 + sqrt(1-alphaCumProd_t) * noise.
// Images and noise are shaped [batch, height, width, channels] and steps
// [batch], with values in [0, NumSteps).
func (s *Schedule) ForwardProcess(images, noise, steps *Node) *Node {
	g := images.Graph()
	alphaCumProd := InsertAxes(gather(g, s.AlphasCumProd, steps), -1, -1, -1)
	alphaCumProd = ConvertDType(alphaCumProd, images.DType())
	return Add(
		Mul(images, Sqrt(alphaCumProd)),
		Mul(noise, Sqrt(OneMinus(alphaCumProd))))
}

// ReverseStep denoises one step: given x_t, the model's noise prediction and
// fresh gaussian noise, it returns x_{t-1}. The step is a scalar integer
// node; at step 0 callers must pass zero noise, since the last step is
// deterministic.
func (s *Schedule) ReverseStep(xT, predictedNoise, noise, step *Node) *Node {
	g := xT.Graph()
	dtype := xT.DType()
	beta := ConvertDType(gather(g, s.Betas, step), dtype)
	alpha := ConvertDType(gather(g, s.Alphas, step), dtype)
	alphaCumProd := ConvertDType(gather(g, s.AlphasCumProd, step), dtype)

	noiseCoef := Div(beta, Sqrt(OneMinus(alphaCumProd)))
	mean := Div(
		Sub(xT, Mul(predictedNoise, noiseCoef)),
		Sqrt(alpha))
	return Add(mean, Mul(noise, Sqrt(beta)))
}

// SignalRatio returns sqrt(AlphasCumProd[t]), the fraction of the original
// signal amplitude left after t+1 diffusion steps.
func (s *Schedule) SignalRatio(t int) float64 {
	return math.Sqrt(s.AlphasCumProd[t])
}
