// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package metrics exposes Prometheus instrumentation for the prediction
// store, the batch recompute pipeline, and the query engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prediction store metrics

	StoreLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copurchase_store_load_duration_seconds",
			Help:    "Duration of full prediction snapshot loads from the backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	StoreReplaceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copurchase_store_replace_duration_seconds",
			Help:    "Duration of atomic bulk replacements of the prediction set",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	StoreCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copurchase_store_cache_hits_total",
			Help: "Reads served from the in-memory prediction snapshot",
		},
		[]string{"backend"},
	)

	StoreCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copurchase_store_cache_misses_total",
			Help: "Reads that triggered a snapshot load from the backend",
		},
		[]string{"backend"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copurchase_store_errors_total",
			Help: "Prediction store backend errors",
		},
		[]string{"backend", "operation"}, // operation: "load", "replace", "upsert", "delete"
	)

	// Batch recompute metrics

	RecomputeCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copurchase_recompute_cycles_total",
			Help: "Completed recompute cycles by outcome",
		},
		[]string{"outcome"}, // "completed", "stopped_early", "failed"
	)

	RecomputeCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "copurchase_recompute_cycle_duration_seconds",
			Help:    "End-to-end duration of one recompute cycle",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	RecomputePairsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copurchase_recompute_pairs_scored_total",
			Help: "Candidate pairs scored across all recompute cycles",
		},
	)

	RecomputeScoringErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copurchase_recompute_scoring_errors_total",
			Help: "Individual pair scoring failures (skipped, cycle continues)",
		},
	)

	// Query engine metrics

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copurchase_query_duration_seconds",
			Help:    "Duration of recommendation queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "product", "products", "personalized", "upsell"
	)

	QueryHistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copurchase_query_history_cache_hits_total",
			Help: "Personalization history lookups served from the per-user cache",
		},
	)

	QueryHistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "copurchase_query_history_cache_misses_total",
			Help: "Personalization history lookups that hit the history provider",
		},
	)
)
