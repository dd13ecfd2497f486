// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package scoring defines the trained-model contracts used by the batch
// recompute pipeline and provides a bounded pool of reusable scorers.
//
// A Model is an immutable trained snapshot. A Scorer is a handle bound to
// one Model; scorers are cheap to call but nontrivial to construct and are
// NOT safe for concurrent use, hence the pool.
package scoring

import (
	"context"
	"errors"

	"github.com/merchkit/copurchase/internal/prediction"
)

// ErrNoTrainingData is returned by trainers given zero pairs. No model means
// no predictions: the whole recompute cycle must fail rather than silently
// publish an empty store.
var ErrNoTrainingData = errors.New("no training pairs available")

// Scorer produces one score per (source, candidate) pair. Instances are
// stateless across calls but not safe for concurrent use; obtain one per
// worker via Pool.Acquire.
type Scorer interface {
	Score(productID, candidateID int) (float32, error)
}

// Model is an immutable trained model snapshot capable of minting scorers.
type Model interface {
	// NewScorer constructs a Scorer bound to this model. Construction cost
	// is nontrivial; callers should reuse scorers through a Pool.
	NewScorer() (Scorer, error)
}

// Trainer consumes pairwise examples and yields a trained Model. Training
// with zero pairs fails with ErrNoTrainingData.
type Trainer interface {
	Train(ctx context.Context, pairs []prediction.TrainingPair) (Model, error)
}
