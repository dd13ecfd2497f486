// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package scoring

import (
	"context"
	"math"

	"github.com/merchkit/copurchase/internal/prediction"
)

// CooccurrenceTrainer trains the default co-occurrence model.
//
// The model builds a sparse matrix of directed pair counts:
//
//	count[a][b] = number of training pairs (a, b)
//
// and scores a pair by its cosine-normalized co-occurrence, which damps the
// influence of globally popular products:
//
//	score(a, b) = count[a][b] / sqrt(freq(a) * freq(b))
//
// Any Trainer producing a Model can replace it; this one gives the pipeline
// a working end-to-end path with no external model service.
type CooccurrenceTrainer struct{}

// NewCooccurrenceTrainer creates the default trainer.
func NewCooccurrenceTrainer() *CooccurrenceTrainer {
	return &CooccurrenceTrainer{}
}

// Train builds an immutable co-occurrence model from pairs. Fails with
// ErrNoTrainingData when pairs is empty.
func (t *CooccurrenceTrainer) Train(ctx context.Context, pairs []prediction.TrainingPair) (Model, error) {
	if len(pairs) == 0 {
		return nil, ErrNoTrainingData
	}

	counts := make(map[int]map[int]float64)
	freq := make(map[int]float64)

	for i, p := range pairs {
		// Training sets can be large; honor cancellation periodically.
		if i%4096 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		src := int(p.ProductID)
		dst := int(p.CoPurchaseProductID)

		row := counts[src]
		if row == nil {
			row = make(map[int]float64)
			counts[src] = row
		}
		row[dst] += float64(p.Label)
		freq[src] += float64(p.Label)
	}

	return &cooccurrenceModel{counts: counts, freq: freq}, nil
}

// cooccurrenceModel is the immutable trained snapshot. Once built it is
// never mutated, so scorers may read it without locking.
type cooccurrenceModel struct {
	counts map[int]map[int]float64
	freq   map[int]float64
}

// NewScorer builds a scorer with its own normalization table. The table is
// per-scorer scratch state, which is why scorers must not be shared across
// goroutines.
func (m *cooccurrenceModel) NewScorer() (Scorer, error) {
	norms := make(map[int]float64, len(m.freq))
	for id, f := range m.freq {
		norms[id] = math.Sqrt(f)
	}

	return &cooccurrenceScorer{model: m, norms: norms}, nil
}

// cooccurrenceScorer scores pairs against one model snapshot. Not safe for
// concurrent use: lastSource/lastRow memoize the current source product's
// row across the candidate loop.
type cooccurrenceScorer struct {
	model *cooccurrenceModel
	norms map[int]float64

	lastSource int
	lastRow    map[int]float64
}

// Score returns the cosine-normalized co-occurrence of the pair. Unseen
// pairs score zero; scoring never fails for this model.
func (s *cooccurrenceScorer) Score(productID, candidateID int) (float32, error) {
	if s.lastRow == nil || s.lastSource != productID {
		s.lastSource = productID
		s.lastRow = s.model.counts[productID]
	}

	count := s.lastRow[candidateID]
	if count == 0 {
		return 0, nil
	}

	na := s.norms[productID]
	nb := s.norms[candidateID]
	if na == 0 || nb == 0 {
		return 0, nil
	}

	return float32(count / (na * nb)), nil
}
