// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package query answers ranked recommendation queries against the
// prediction store: single product, product set, personalized blending of a
// user's purchase history, and association-driven upsell with fallback.
//
// All operations are read-only with respect to the store. Store errors
// propagate to the caller; the engine never masks an outage as an empty
// result.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchkit/copurchase/internal/metrics"
	"github.com/merchkit/copurchase/internal/prediction"
)

// PredictionReader is the store surface the engine consumes. Satisfied by
// *store.Store.
type PredictionReader interface {
	Get(ctx context.Context, productID int) ([]prediction.Prediction, error)
	GetMulti(ctx context.Context, productIDs []int) ([]prediction.Prediction, error)
}

// Catalog resolves catalog-declared associations. AssociationSourceIDs
// returns the source product ids of every association targeting productID,
// already mapped from content references to numeric ids by the host.
type Catalog interface {
	AssociationSourceIDs(ctx context.Context, productID int) ([]int, error)
}

// History supplies a user's product interactions from the host commerce
// system.
type History interface {
	// PurchaseHistoryProductIDs returns product ids from the user's past
	// orders.
	PurchaseHistoryProductIDs(ctx context.Context, userID int) ([]int, error)

	// WishListProductIDs returns the user's current wish-list product ids,
	// the fallback signal when no purchase history exists.
	WishListProductIDs(ctx context.Context, userID int) ([]int, error)

	// CartProductIDs returns the line-item product ids of a cart.
	CartProductIDs(ctx context.Context, cartID string) ([]int, error)
}

// Config tunes the query engine.
type Config struct {
	// HistoryTTL bounds how long a user's historical product set is cached.
	// The lookup is expensive and changes slowly within a session.
	// Default: 5 minutes.
	HistoryTTL time.Duration `koanf:"history_ttl"`
}

// Engine is the recommendation query engine. Safe for concurrent use by
// many request-handling goroutines.
type Engine struct {
	store   PredictionReader
	catalog Catalog
	history History
	cfg     Config
	logger  zerolog.Logger

	historyMu    sync.Mutex
	historyCache map[int]historyEntry
}

// historyEntry caches one user's historical product ids.
type historyEntry struct {
	ids       []int
	expiresAt time.Time
}

// NewEngine creates a query engine over the given store and collaborators.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewEngine(store PredictionReader, catalog Catalog, history History, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 5 * time.Minute
	}

	return &Engine{
		store:        store,
		catalog:      catalog,
		history:      history,
		cfg:          cfg,
		logger:       logger.With().Str("component", "query").Logger(),
		historyCache: make(map[int]historyEntry),
	}
}

// RecommendationsFor returns up to amount candidate product ids for one
// source product, ranked by non-increasing score. A product with no stored
// predictions yields an empty list, not an error.
func (e *Engine) RecommendationsFor(ctx context.Context, productID, amount int) ([]int, error) {
	defer observe("product", time.Now())

	if amount <= 0 {
		return []int{}, nil
	}

	preds, err := e.store.Get(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("recommendations for product %d: %w", productID, err)
	}

	return rankCandidates(preds, amount), nil
}

// RecommendationsForAll returns up to amount candidate ids drawn from the
// union of per-product lookups, ranked by non-increasing score. Duplicate
// candidate ids across inputs are preserved, mirroring the union semantics
// of the store lookup.
func (e *Engine) RecommendationsForAll(ctx context.Context, productIDs []int, amount int) ([]int, error) {
	defer observe("products", time.Now())

	if amount <= 0 || len(productIDs) == 0 {
		return []int{}, nil
	}

	preds, err := e.store.GetMulti(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("recommendations for products: %w", err)
	}

	return rankCandidates(preds, amount), nil
}

// PersonalizedRecommendationsFor blends same-product recommendations with
// recommendations keyed by the user's historical product set, re-ranked
// together by score and truncated to amount. Candidates equal to productID
// or already in the historical set are excluded from the history stage.
func (e *Engine) PersonalizedRecommendationsFor(ctx context.Context, userID, productID, amount int) ([]int, error) {
	defer observe("personalized", time.Now())

	if amount <= 0 {
		return []int{}, nil
	}

	same, err := e.store.Get(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("personalized recommendations for product %d: %w", productID, err)
	}

	historical, err := e.historicalProductIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("historical products for user %d: %w", userID, err)
	}

	fromHistory, err := e.store.GetMulti(ctx, historical)
	if err != nil {
		return nil, fmt.Errorf("personalized recommendations for user %d: %w", userID, err)
	}

	seen := make(map[int]struct{}, len(historical)+1)
	seen[productID] = struct{}{}
	for _, id := range historical {
		seen[id] = struct{}{}
	}

	blended := make([]prediction.Prediction, 0, len(same)+len(fromHistory))
	blended = append(blended, rankPredictions(same)...)
	for _, p := range rankPredictions(fromHistory) {
		if _, excluded := seen[p.CoPurchaseProductID]; excluded {
			continue
		}
		blended = append(blended, p)
	}

	return rankCandidates(blended, amount), nil
}

// UpsellItemsFor recommends based on catalog-declared associations of the
// cart's products, falling back to the cart's own products as the seed set
// when no associations exist. The fallback avoids an empty upsell result.
func (e *Engine) UpsellItemsFor(ctx context.Context, cartID string, amount int) ([]int, error) {
	defer observe("upsell", time.Now())

	if amount <= 0 {
		return []int{}, nil
	}

	cartIDs, err := e.history.CartProductIDs(ctx, cartID)
	if err != nil {
		return nil, fmt.Errorf("cart %s products: %w", cartID, err)
	}
	cartIDs = distinctIDs(cartIDs)

	var seeds []int
	for _, id := range cartIDs {
		sources, err := e.catalog.AssociationSourceIDs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("associations for product %d: %w", id, err)
		}
		seeds = append(seeds, sources...)
	}

	if len(seeds) == 0 {
		e.logger.Debug().Str("cart_id", cartID).Msg("no associations, falling back to cart products")
		seeds = cartIDs
	}

	return e.RecommendationsForAll(ctx, seeds, amount)
}

// InvalidateHistory drops a user's cached historical product set, e.g.
// after checkout changes their purchase history.
func (e *Engine) InvalidateHistory(userID int) {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	delete(e.historyCache, userID)
}

// historicalProductIDs returns the user's historical product set: purchase
// history, or the wish list when no purchases exist. Results are cached per
// user for a bounded window since the lookup is expensive.
func (e *Engine) historicalProductIDs(ctx context.Context, userID int) ([]int, error) {
	e.historyMu.Lock()
	entry, ok := e.historyCache[userID]
	e.historyMu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		metrics.QueryHistoryCacheHits.Inc()
		return entry.ids, nil
	}
	metrics.QueryHistoryCacheMisses.Inc()

	ids, err := e.history.PurchaseHistoryProductIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		ids, err = e.history.WishListProductIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	ids = distinctIDs(ids)

	e.historyMu.Lock()
	e.historyCache[userID] = historyEntry{ids: ids, expiresAt: time.Now().Add(e.cfg.HistoryTTL)}
	e.historyMu.Unlock()

	return ids, nil
}

// rankPredictions sorts a copy of preds by non-increasing score. The sort
// is stable so retrieval order breaks ties.
func rankPredictions(preds []prediction.Prediction) []prediction.Prediction {
	ranked := make([]prediction.Prediction, len(preds))
	copy(ranked, preds)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// rankCandidates ranks preds and maps the first amount survivors to their
// candidate product ids.
func rankCandidates(preds []prediction.Prediction, amount int) []int {
	ranked := rankPredictions(preds)
	if len(ranked) > amount {
		ranked = ranked[:amount]
	}

	out := make([]int, 0, len(ranked))
	for _, p := range ranked {
		out = append(out, p.CoPurchaseProductID)
	}
	return out
}

// distinctIDs deduplicates ids preserving first-seen order.
func distinctIDs(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// observe records one query's latency.
func observe(operation string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
