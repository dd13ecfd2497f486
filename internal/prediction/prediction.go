// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package prediction defines the core data model for co-purchase predictions.
//
// A Prediction is a scored directed edge from one product to a candidate
// recommended alongside it. The relationship is directional: (A, B) and
// (B, A) are distinct records, both produced by the batch recompute job.
package prediction

// Prediction records that customers who bought ProductID are likely to also
// buy CoPurchaseProductID, with the model's confidence as Score.
//
// Predictions are immutable after construction. At most one record exists
// per ordered (ProductID, CoPurchaseProductID) pair. The data model does not
// enforce ProductID != CoPurchaseProductID; callers filter self-pairs.
type Prediction struct {
	// ProductID is the source product ("customer bought this").
	ProductID int `json:"product_id"`

	// CoPurchaseProductID is the recommended candidate product.
	CoPurchaseProductID int `json:"co_purchase_product_id"`

	// Score is the model confidence for this pair. Higher is better.
	Score float32 `json:"score"`
}

// New constructs a Prediction. Pure helper, no side effects.
func New(productID, coPurchaseProductID int, score float32) Prediction {
	return Prediction{
		ProductID:           productID,
		CoPurchaseProductID: coPurchaseProductID,
		Score:               score,
	}
}

// TrainingPair is a positive pairwise example derived from one historical
// order containing both products. Pairs are ephemeral: they exist only for
// the duration of one recompute cycle and are never persisted.
type TrainingPair struct {
	// ProductID is the source product of the pair.
	ProductID uint32

	// CoPurchaseProductID is the product bought in the same order.
	CoPurchaseProductID uint32

	// Label is the implicit-feedback target, fixed at 1.0 for observed pairs.
	Label float32
}

// NewTrainingPair constructs a positive training pair.
func NewTrainingPair(productID, coPurchaseProductID uint32) TrainingPair {
	return TrainingPair{
		ProductID:           productID,
		CoPurchaseProductID: coPurchaseProductID,
		Label:               1.0,
	}
}
