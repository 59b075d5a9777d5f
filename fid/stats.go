// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fid

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Statistics of a set of feature vectors: the mean and the unbiased
// covariance of the gaussian fitted to them.
type Statistics struct {
	NumSamples int
	Mean       *mat.VecDense
	Covariance *mat.SymDense
}

// Accumulator ingests feature batches and fits the gaussian when done. The
// zero value is not usable, see NewAccumulator.
type Accumulator struct {
	numFeatures int
	numSamples  int
	sum         *mat.VecDense
	outer       *mat.Dense
}

// NewAccumulator for feature vectors of the given dimension.
func NewAccumulator(numFeatures int) *Accumulator {
	return &Accumulator{
		numFeatures: numFeatures,
		sum:         mat.NewVecDense(numFeatures, nil),
		outer:       mat.NewDense(numFeatures, numFeatures, nil),
	}
}

// Add a batch of features shaped [batchSize, numFeatures].
func (a *Accumulator) Add(features *tensors.Tensor) error {
	dims := features.Shape().Dimensions
	if features.Rank() != 2 || dims[1] != a.numFeatures {
		return errors.Errorf("accumulator for %d features cannot take a batch shaped %s",
			a.numFeatures, features.Shape())
	}
	batchSize := dims[0]
	var flat64 []float64
	switch features.DType() {
	case dtypes.Float32:
		tensors.MustConstFlatData[float32](features, func(flat []float32) {
			flat64 = make([]float64, len(flat))
			for ii, v := range flat {
				flat64[ii] = float64(v)
			}
		})
	case dtypes.Float64:
		tensors.MustConstFlatData[float64](features, func(flat []float64) {
			flat64 = append([]float64{}, flat...)
		})
	default:
		return errors.Errorf("accumulator requires float32 or float64 features, got %s", features.DType())
	}

	batch := mat.NewDense(batchSize, a.numFeatures, flat64)
	for row := range batchSize {
		a.sum.AddVec(a.sum, batch.RowView(row))
	}
	var outer mat.Dense
	outer.Mul(batch.T(), batch)
	a.outer.Add(a.outer, &outer)
	a.numSamples += batchSize
	return nil
}

// Done fits the gaussian: the mean and the unbiased covariance estimate.
// At least 2 samples must have been accumulated.
func (a *Accumulator) Done() (*Statistics, error) {
	n := a.numSamples
	if n < 2 {
		return nil, errors.Errorf("fitting a covariance requires at least 2 samples, got %d", n)
	}
	mean := mat.NewVecDense(a.numFeatures, nil)
	mean.ScaleVec(1/float64(n), a.sum)

	cov := mat.NewSymDense(a.numFeatures, nil)
	for ii := range a.numFeatures {
		for jj := ii; jj < a.numFeatures; jj++ {
			v := (a.outer.At(ii, jj) - float64(n)*mean.AtVec(ii)*mean.AtVec(jj)) / float64(n-1)
			cov.SetSym(ii, jj, v)
		}
	}
	return &Statistics{NumSamples: n, Mean: mean, Covariance: cov}, nil
}

// Distance is the Fréchet distance between the two gaussians:
// ||m1-m2||^2 + tr(C1 + C2 - 2*(C1*C2)^(1/2)). The trace of the matrix
// square root comes from the eigenvalues of C1*C2, with tiny negative
// values (numerical noise) clamped to zero.
func Distance(s1, s2 *Statistics) (float64, error) {
	if s1.Mean.Len() != s2.Mean.Len() {
		return 0, errors.Errorf("statistics have different feature dimensions: %d and %d",
			s1.Mean.Len(), s2.Mean.Len())
	}

	var diff mat.VecDense
	diff.SubVec(s1.Mean, s2.Mean)
	distance := mat.Dot(&diff, &diff)

	numFeatures := s1.Mean.Len()
	for ii := range numFeatures {
		distance += s1.Covariance.At(ii, ii) + s2.Covariance.At(ii, ii)
	}

	var product mat.Dense
	product.Mul(s1.Covariance, s2.Covariance)
	var eig mat.Eigen
	if ok := eig.Factorize(&product, mat.EigenNone); !ok {
		return 0, errors.New("eigendecomposition of the covariances product failed")
	}
	for _, v := range eig.Values(nil) {
		if real(v) > 0 {
			distance -= 2 * math.Sqrt(real(v))
		}
	}
	return distance, nil
}
