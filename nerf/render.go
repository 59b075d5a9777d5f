// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nerf

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/generative/datasets/tinynerf"
)

// renderChunkSize is the number of rays rendered per graph execution; it
// divides the number of pixels per view so every chunk reuses the same
// compiled graph.
const renderChunkSize = 2000

// Renderer renders full views from the trained radiance field.
type Renderer struct {
	exec *context.Exec
}

// NewRenderer builds a renderer from the trained context.
func NewRenderer(backend backends.Backend, ctx *context.Context) *Renderer {
	return &Renderer{
		exec: context.MustNewExec(backend, ctx.Reuse(),
			func(ctx *context.Context, origins, directions *Node) *Node {
				return ModelGraph(ctx, nil, []*Node{origins, directions})[0]
			}),
	}
}

// RenderView renders the full view seen from a camera-to-world pose (a flat
// 4x4 matrix) with the given focal length, in chunks of rays. Returns the
// image shaped [1, Height, Width, 3] with values in [0, 1].
func (r *Renderer) RenderView(pose []float32, focal float64) *tensors.Tensor {
	origins, directions := tinynerf.CameraRays(pose, focal)
	numRays := tinynerf.Height * tinynerf.Width
	pixels := make([]float32, 0, numRays*3)
	for start := 0; start < numRays; start += renderChunkSize {
		end := min(start+renderChunkSize, numRays)
		chunk := r.exec.MustExec(
			tensors.FromFlatDataAndDimensions(origins[start*3:end*3], end-start, 3),
			tensors.FromFlatDataAndDimensions(directions[start*3:end*3], end-start, 3))[0]
		tensors.MustConstFlatData[float32](chunk, func(flat []float32) {
			pixels = append(pixels, flat...)
		})
	}
	return tensors.FromFlatDataAndDimensions(pixels, 1, tinynerf.Height, tinynerf.Width, 3)
}

// Finalize frees the renderer's executor.
func (r *Renderer) Finalize() {
	r.exec.Finalize()
}
