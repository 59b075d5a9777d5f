// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cgan

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/compute/dtypes"
	"github.com/stretchr/testify/assert"

	"github.com/gomlx/generative/gan"
)

func TestGeneratorAndDiscriminatorShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	g := NewGraph(backend, "cgan-model")
	const batchSize = 4

	noise := Zeros(g, shapes.Make(dtypes.Float32, batchSize, 100))
	labels := Zeros(g, shapes.Make(dtypes.Int32, batchSize))
	images := Generator(ctx, noise, labels)
	assert.True(t, images.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, 28, 28, 1)),
		"generated images shaped %s", images.Shape())

	logits := Discriminator(ctx, images, labels)
	assert.True(t, logits.Shape().Equal(shapes.Make(dtypes.Float32, batchSize, 1)),
		"logits shaped %s", logits.Shape())
	fmt.Printf("\tModel parameters: %d\n", ctx.NumParameters())
}

func TestTrainGraphsFreezeOpponent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext().Checked(false)
	g := NewGraph(backend, "cgan-generator-phase")
	const batchSize = 2

	imagesIn := Zeros(g, shapes.Make(dtypes.Float32, batchSize, 28, 28, 1))
	labelsIn := Zeros(g, shapes.Make(dtypes.Int32, batchSize))
	outputs := BuildGeneratorTrainGraph()(ctx, nil, []*Node{imagesIn, labelsIn})
	assert.True(t, outputs[len(outputs)-1].Shape().IsScalar(), "generator loss must be a scalar")

	// After building the generator phase, only generator variables are trainable.
	ctx.In(gan.GeneratorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		assert.True(t, v.Trainable, "generator variable %q must be trainable", v.Name())
	})
	ctx.In(gan.DiscriminatorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		assert.False(t, v.Trainable, "discriminator variable %q must be frozen", v.Name())
	})

	// The discriminator phase flips the trainability.
	g2 := NewGraph(backend, "cgan-discriminator-phase")
	imagesIn = Zeros(g2, shapes.Make(dtypes.Float32, batchSize, 28, 28, 1))
	labelsIn = Zeros(g2, shapes.Make(dtypes.Int32, batchSize))
	outputs = BuildDiscriminatorTrainGraph()(ctx, nil, []*Node{imagesIn, labelsIn})
	assert.True(t, outputs[len(outputs)-1].Shape().IsScalar(), "discriminator loss must be a scalar")
	ctx.In(gan.GeneratorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		assert.False(t, v.Trainable, "generator variable %q must be frozen", v.Name())
	})
	ctx.In(gan.DiscriminatorScope).EnumerateVariablesInScope(func(v *context.Variable) {
		assert.True(t, v.Trainable, "discriminator variable %q must be trainable", v.Name())
	})
}

func TestSampleLabels(t *testing.T) {
	labels := sampleLabels()
	assert.Len(t, labels, 80)
	assert.EqualValues(t, 0, labels[0])
	assert.EqualValues(t, 9, labels[9])
	assert.EqualValues(t, 0, labels[10])
}
