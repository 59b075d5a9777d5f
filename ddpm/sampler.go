// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ddpm

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
)

// Sampler draws images from the trained denoiser by running the reverse
// diffusion process, using the EMA shadow of the weights when one is kept.
type Sampler struct {
	schedule      *Schedule
	height, width int

	noiseExec  *context.Exec
	stepExec   *context.Exec
	denormExec *Exec
}

// NewSampler builds a sampler from the trained context, for the image
// dimensions the denoiser was trained with.
func NewSampler(backend backends.Backend, ctx *context.Context, schedule *Schedule, height, width int) *Sampler {
	infCtx := inferenceCtx(ctx).Reuse()
	return &Sampler{
		schedule: schedule,
		height:   height,
		width:    width,
		noiseExec: context.MustNewExec(backend, infCtx,
			func(ctx *context.Context, marker *Node) *Node {
				// marker only sets the batch size.
				g := marker.Graph()
				numImages := marker.Shape().Dimensions[0]
				return ctx.RandomNormal(g, shapes.Make(dtypes.Float32, numImages, height, width, 1))
			}),
		stepExec: context.MustNewExec(backend, infCtx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				x, step, noise := inputs[0], inputs[1], inputs[2]
				batchSize := x.Shape().Dimensions[0]
				steps := BroadcastToDims(step, batchSize)
				predictedNoise := NoisePredictor(ctx, schedule.NumSteps, x, steps)
				return []*Node{schedule.ReverseStep(x, predictedNoise, noise, step)}
			}),
		denormExec: MustNewExec(backend, func(x *Node) *Node {
			// Back to [0, 1] for saving and display.
			return ClipScalar(MulScalar(AddScalar(x, 1), 0.5), 0, 1)
		}),
	}
}

// Generate numImages images by denoising pure noise over the full schedule.
// The last step adds no fresh noise. Returns images shaped
// [numImages, height, width, 1] with values in [0, 1].
func (s *Sampler) Generate(numImages int) *tensors.Tensor {
	marker := make([]int32, numImages)
	x := s.noiseExec.MustExec(marker)[0]
	zeroNoise := tensors.FromShape(shapes.Make(dtypes.Float32, numImages, s.height, s.width, 1))
	for step := s.schedule.NumSteps - 1; step >= 0; step-- {
		noise := zeroNoise
		if step > 0 {
			noise = s.noiseExec.MustExec(marker)[0]
		}
		x = s.stepExec.MustExec(x, int32(step), noise)[0]
	}
	return s.denormExec.Call1(x)
}

// Finalize frees the sampler's executors.
func (s *Sampler) Finalize() {
	s.noiseExec.Finalize()
	s.stepExec.Finalize()
	s.denormExec.Finalize()
}
