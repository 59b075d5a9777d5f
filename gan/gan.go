// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gan carries the scaffolding shared by the adversarial training
// exercises (conditional GAN, WGAN-GP and pix2pix).
//
// Adversarial training alternates two optimization phases over one shared
// context: the generator phase and the discriminator (or critic) phase. Each
// phase gets its own train.Trainer and its own scoped Adam optimizer, and its
// model graph marks the opponent's variables non-trainable before gradients
// are derived, so each trainer only ever updates its own side.
//
// The main training loop drives the generator trainer; discriminator steps
// run from an OnStep hook of the loop, pulling batches from their own
// dataset.
package gan

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Scopes of the two adversarial sub-models, under the root model context.
const (
	GeneratorScope     = "generator"
	DiscriminatorScope = "discriminator"

	// EMAScope holds the exponential moving average shadow of the generator
	// weights, used for sampling.
	EMAScope = "ema"
)

// Hyperparameter names read from the context.
const (
	// ParamGeneratorLearningRate and ParamDiscriminatorLearningRate override
	// optimizers.ParamLearningRate for one side only, when set to a value > 0.
	ParamGeneratorLearningRate     = "gan_generator_learning_rate"
	ParamDiscriminatorLearningRate = "gan_discriminator_learning_rate"

	// ParamDiscriminatorSteps is the number of discriminator (critic) steps
	// per generator step.
	ParamDiscriminatorSteps = "gan_discriminator_steps"

	// ParamLabelSmoothing is the target used for real examples by the
	// discriminator BCE loss, e.g. 0.9. A value of 1.0 disables smoothing.
	ParamLabelSmoothing = "gan_label_smoothing"

	// ParamEMACoefficient for the generator weights shadow. 0 disables it.
	ParamEMACoefficient = "gan_ema"
)

// SetScopeTrainability marks every variable under scopedCtx with the given
// trainability. Model graphs call it after building all their nodes and
// before returning, so the gradients derived from their outputs only flow to
// the variables of the phase being trained.
func SetScopeTrainability(scopedCtx *context.Context, trainable bool) {
	scopedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.Trainable = trainable
	})
}

// BCEWithLogitsTarget returns the mean binary cross-entropy of the logits
// against a constant target probability, typically 1 (real), 0 (fake) or a
// smoothed value like 0.9.
func BCEWithLogitsTarget(logits *Node, target float64) *Node {
	// -(t*log(sigmoid(l)) + (1-t)*log(1-sigmoid(l)))
	//   = t*softplus(-l) + (1-t)*softplus(l)
	loss := MulScalar(Softplus(Neg(logits)), target)
	if target < 1.0 {
		loss = Add(loss, MulScalar(Softplus(logits), 1.0-target))
	}
	return ReduceAllMean(loss)
}

// DiscriminatorBCELoss is the non-saturating GAN discriminator loss:
// BCE of real logits against the (possibly smoothed) real target plus BCE of
// fake logits against 0.
func DiscriminatorBCELoss(ctx *context.Context, realLogits, fakeLogits *Node) *Node {
	realTarget := context.GetParamOr(ctx, ParamLabelSmoothing, 1.0)
	return Add(
		BCEWithLogitsTarget(realLogits, realTarget),
		BCEWithLogitsTarget(fakeLogits, 0.0))
}

// GeneratorBCELoss is the non-saturating generator loss: BCE of the fake
// logits against 1.
func GeneratorBCELoss(fakeLogits *Node) *Node {
	return BCEWithLogitsTarget(fakeLogits, 1.0)
}

// UpdateEMA updates the exponential moving average shadow of every variable
// under sourceCtx, stored under the EMAScope of rootCtx. The shadow variables
// are created on first use, zero-initialized and non-trainable. A no-op if
// the context param ParamEMACoefficient is 0 or the graph is not training.
func UpdateEMA(rootCtx, sourceCtx *context.Context, g *Graph) {
	emaCoef := context.GetParamOr(rootCtx, ParamEMACoefficient, 0.0)
	if emaCoef <= 0 || !rootCtx.IsTraining(g) {
		return
	}
	prefixScope := rootCtx.Scope()
	emaCtx := rootCtx.In(EMAScope).WithInitializer(initializers.Zero).Checked(false)
	newPrefixScope := emaCtx.Scope()
	sourceCtx.EnumerateVariablesInScope(func(v *context.Variable) {
		if !strings.HasPrefix(v.Scope(), prefixScope) {
			exceptions.Panicf("unexpected variable %q in scope %q", v.Name(), v.Scope())
		}
		suffix := v.Scope()[len(prefixScope):]
		if !strings.HasPrefix(suffix, context.ScopeSeparator) {
			suffix = context.ScopeSeparator + suffix
		}
		emaVar := emaCtx.InAbsPath(newPrefixScope + suffix).
			VariableWithShape(v.Name(), v.Shape()).SetTrainable(false)
		emaValue := Add(
			MulScalar(emaVar.ValueGraph(g), emaCoef),
			MulScalar(v.ValueGraph(g), 1.0-emaCoef))
		emaVar.SetValueGraph(emaValue)
	})
}

// InferenceCtx returns the context to build the generator with at sampling
// time: the EMA shadow scope if an EMA is being kept, the live weights
// otherwise.
func InferenceCtx(rootCtx *context.Context) *context.Context {
	if context.GetParamOr(rootCtx, ParamEMACoefficient, 0.0) > 0 {
		return rootCtx.In(EMAScope)
	}
	return rootCtx
}

// Trainers pairs the two phases of adversarial training.
type Trainers struct {
	// Generator trainer, driven by the main train.Loop.
	Generator *train.Trainer

	// Discriminator trainer, driven by an OnStep hook (AttachTo).
	Discriminator *train.Trainer

	numDiscSteps int
	discDS       train.Dataset
}

// lossFromPredictions is used with model graphs that return their scalar
// loss as the last prediction.
func lossFromPredictions(labels, predictions []*Node) *Node {
	_ = labels
	return predictions[len(predictions)-1]
}

// phaseOptimizer builds the Adam of one phase, with its own state scope so
// the moments of the two phases never mix, and an optional per-side learning
// rate override.
func phaseOptimizer(ctx *context.Context, stateScope, lrParam string) optimizers.Interface {
	cfg := optimizers.Adam().FromContext(ctx).Scope(stateScope)
	if lr := context.GetParamOr(ctx, lrParam, 0.0); lr > 0 {
		cfg = cfg.LearningRate(lr)
	}
	return cfg.Done()
}

// NewTrainers creates the paired trainers over a shared context.
//
// Both generatorGraphFn and discriminatorGraphFn are train.ModelFn that must
// return their scalar loss as the last prediction, and are responsible for
// setting the trainability of the two scopes before returning (see
// SetScopeTrainability). The context is set to unchecked variable reuse,
// since both graphs declare the same variables.
//
// discriminatorDS feeds the discriminator steps hooked into the main loop;
// the number of discriminator steps per generator step comes from the
// context param ParamDiscriminatorSteps.
func NewTrainers(backend backends.Backend, ctx *context.Context,
	generatorGraphFn, discriminatorGraphFn train.ModelFn,
	discriminatorDS train.Dataset,
	trainMetrics, evalMetrics []metrics.Interface) *Trainers {
	ctx = ctx.Checked(false)
	genTrainer := train.NewTrainer(backend, ctx,
		generatorGraphFn, lossFromPredictions,
		phaseOptimizer(ctx, "AdamGenerator", ParamGeneratorLearningRate),
		trainMetrics, evalMetrics)
	discTrainer := train.NewTrainer(backend, ctx,
		discriminatorGraphFn, lossFromPredictions,
		phaseOptimizer(ctx, "AdamDiscriminator", ParamDiscriminatorLearningRate),
		[]metrics.Interface{}, []metrics.Interface{})
	return &Trainers{
		Generator:     genTrainer,
		Discriminator: discTrainer,
		numDiscSteps:  context.GetParamOr(ctx, ParamDiscriminatorSteps, 1),
		discDS:        discriminatorDS,
	}
}

// AttachTo hooks the discriminator steps into loop, which must be running
// the Generator trainer: at every loop step, the discriminator trainer runs
// its configured number of steps over the discriminator dataset.
func (t *Trainers) AttachTo(loop *train.Loop) {
	loop.OnStep("discriminator-steps", 10, func(loop *train.Loop, _ []*tensors.Tensor) error {
		for range t.numDiscSteps {
			spec, inputs, labels, err := t.discDS.Yield()
			if err != nil {
				return errors.WithMessage(err, "discriminator dataset")
			}
			if _, err = t.Discriminator.TrainStep(spec, inputs, labels); err != nil {
				return errors.WithMessage(err, "discriminator train step")
			}
		}
		return nil
	})
}
