// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fid

import (
	"io"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Estimator scores a generator's samples against a reference data
// distribution: fix the reference once with SetReference, then call Score on
// batches of generated images.
type Estimator struct {
	extractor *Extractor
	reference *Statistics
}

// NewEstimator builds the InceptionV3 extractor (see NewExtractor for the
// parameters). The reference distribution still needs to be set.
func NewEstimator(backend backends.Backend, weightsDir string, imageSize int, maxValue float64) (*Estimator, error) {
	extractor, err := NewExtractor(backend, weightsDir, imageSize, maxValue)
	if err != nil {
		return nil, err
	}
	return &Estimator{extractor: extractor}, nil
}

// StatisticsFromImages fits a gaussian to the features of the given image
// batches.
func (e *Estimator) StatisticsFromImages(batches ...*tensors.Tensor) (*Statistics, error) {
	var acc *Accumulator
	for _, images := range batches {
		features := e.extractor.Extract(images)
		if acc == nil {
			acc = NewAccumulator(features.Shape().Dimensions[1])
		}
		if err := acc.Add(features); err != nil {
			return nil, err
		}
	}
	if acc == nil {
		return nil, errors.New("no image batches given")
	}
	return acc.Done()
}

// StatisticsFromDataset fits a gaussian to the features of every batch of a
// finite dataset; images must be the first input.
func (e *Estimator) StatisticsFromDataset(ds train.Dataset) (*Statistics, error) {
	var acc *Accumulator
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessage(err, "failed reading dataset for feature extraction")
		}
		features := e.extractor.Extract(inputs[0])
		if acc == nil {
			acc = NewAccumulator(features.Shape().Dimensions[1])
		}
		if err = acc.Add(features); err != nil {
			return nil, err
		}
	}
	if acc == nil {
		return nil, errors.New("dataset yielded no batches")
	}
	return acc.Done()
}

// SetReference fixes the reference distribution from a finite dataset of
// real images.
func (e *Estimator) SetReference(ds train.Dataset) error {
	stats, err := e.StatisticsFromDataset(ds)
	if err != nil {
		return err
	}
	e.reference = stats
	return nil
}

// Reference returns the reference statistics, or nil if not yet set.
func (e *Estimator) Reference() *Statistics {
	return e.reference
}

// Score returns the FID of the given generated batches against the
// reference distribution.
func (e *Estimator) Score(batches ...*tensors.Tensor) (float64, error) {
	if e.reference == nil {
		return 0, errors.New("reference distribution not set, call SetReference first")
	}
	stats, err := e.StatisticsFromImages(batches...)
	if err != nil {
		return 0, err
	}
	return Distance(e.reference, stats)
}

// Finalize frees the estimator's extractor.
func (e *Estimator) Finalize() {
	e.extractor.Finalize()
}
