// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package query

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchkit/copurchase/internal/prediction"
)

// stubStore serves a fixed prediction set with the store's lookup semantics.
type stubStore struct {
	preds []prediction.Prediction
	err   error
}

func (s *stubStore) Get(ctx context.Context, productID int) ([]prediction.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []prediction.Prediction
	for _, p := range s.preds {
		if p.ProductID == productID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) GetMulti(ctx context.Context, productIDs []int) ([]prediction.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []prediction.Prediction
	for _, id := range productIDs {
		preds, _ := s.Get(ctx, id)
		out = append(out, preds...)
	}
	return out, nil
}

type stubCatalog struct {
	associations map[int][]int
	err          error
}

func (s *stubCatalog) AssociationSourceIDs(ctx context.Context, productID int) ([]int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.associations[productID], nil
}

// stubHistory counts lookups so tests can observe caching behavior.
type stubHistory struct {
	mu            sync.Mutex
	purchases     map[int][]int
	wishLists     map[int][]int
	carts         map[string][]int
	purchaseCalls int

	purchaseErr error
	cartErr     error
}

func (s *stubHistory) PurchaseHistoryProductIDs(ctx context.Context, userID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purchaseCalls++
	if s.purchaseErr != nil {
		return nil, s.purchaseErr
	}
	return s.purchases[userID], nil
}

func (s *stubHistory) WishListProductIDs(ctx context.Context, userID int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wishLists[userID], nil
}

func (s *stubHistory) CartProductIDs(ctx context.Context, cartID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cartErr != nil {
		return nil, s.cartErr
	}
	return s.carts[cartID], nil
}

func (s *stubHistory) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purchaseCalls
}

// basePredictions is the shared lookup scenario.
func basePredictions() []prediction.Prediction {
	return []prediction.Prediction{
		prediction.New(1, 2, 0.9),
		prediction.New(1, 3, 0.5),
		prediction.New(4, 1, 0.7),
	}
}

func newTestEngine(store PredictionReader, catalog Catalog, history History, cfg Config) *Engine {
	return NewEngine(store, catalog, history, cfg, zerolog.Nop())
}

func TestRecommendationsForRanksAndTruncates(t *testing.T) {
	e := newTestEngine(&stubStore{preds: basePredictions()}, &stubCatalog{}, &stubHistory{}, Config{})

	tests := []struct {
		name      string
		productID int
		amount    int
		want      []int
	}{
		{"ranked by score", 1, 2, []int{2, 3}},
		{"truncated to amount", 1, 1, []int{2}},
		{"amount beyond available", 1, 10, []int{2, 3}},
		{"unknown product", 99, 5, []int{}},
		{"zero amount", 1, 0, []int{}},
		{"negative amount", 1, -3, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.RecommendationsFor(context.Background(), tt.productID, tt.amount)
			if err != nil {
				t.Fatalf("RecommendationsFor() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RecommendationsFor(%d, %d) = %v, want %v", tt.productID, tt.amount, got, tt.want)
			}
		})
	}
}

func TestRecommendationsForAllRanksAcrossProducts(t *testing.T) {
	e := newTestEngine(&stubStore{preds: basePredictions()}, &stubCatalog{}, &stubHistory{}, Config{})

	// Scores across products 1 and 4: (1,2)=0.9, (4,1)=0.7, (1,3)=0.5.
	got, err := e.RecommendationsForAll(context.Background(), []int{1, 4}, 2)
	if err != nil {
		t.Fatalf("RecommendationsForAll() error = %v", err)
	}
	if want := []int{2, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("RecommendationsForAll([1,4], 2) = %v, want %v", got, want)
	}
}

func TestRecommendationsForAllPreservesDuplicateCandidates(t *testing.T) {
	e := newTestEngine(&stubStore{preds: basePredictions()}, &stubCatalog{}, &stubHistory{}, Config{})

	got, err := e.RecommendationsForAll(context.Background(), []int{1, 1}, 10)
	if err != nil {
		t.Fatalf("RecommendationsForAll() error = %v", err)
	}
	if want := []int{2, 2, 3, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("RecommendationsForAll([1,1], 10) = %v, want %v", got, want)
	}
}

func TestRecommendationsForAllEmptyInput(t *testing.T) {
	e := newTestEngine(&stubStore{preds: basePredictions()}, &stubCatalog{}, &stubHistory{}, Config{})

	got, err := e.RecommendationsForAll(context.Background(), nil, 5)
	if err != nil {
		t.Fatalf("RecommendationsForAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("RecommendationsForAll(nil, 5) = %v, want empty", got)
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	storeErr := errors.New("backend down")
	e := newTestEngine(&stubStore{err: storeErr}, &stubCatalog{}, &stubHistory{}, Config{})
	ctx := context.Background()

	if _, err := e.RecommendationsFor(ctx, 1, 5); !errors.Is(err, storeErr) {
		t.Errorf("RecommendationsFor() error = %v, want store error", err)
	}
	if _, err := e.RecommendationsForAll(ctx, []int{1}, 5); !errors.Is(err, storeErr) {
		t.Errorf("RecommendationsForAll() error = %v, want store error", err)
	}
	if _, err := e.PersonalizedRecommendationsFor(ctx, 7, 1, 5); !errors.Is(err, storeErr) {
		t.Errorf("PersonalizedRecommendationsFor() error = %v, want store error", err)
	}
}

func TestPersonalizedBlendsHistoryRecommendations(t *testing.T) {
	store := &stubStore{preds: []prediction.Prediction{
		prediction.New(1, 2, 0.4),
		prediction.New(5, 6, 0.8), // from history product 5
		prediction.New(5, 1, 0.9), // candidate equals queried product, excluded
		prediction.New(5, 7, 0.3),
	}}
	history := &stubHistory{purchases: map[int][]int{42: {5}}}
	e := newTestEngine(store, &stubCatalog{}, history, Config{})

	got, err := e.PersonalizedRecommendationsFor(context.Background(), 42, 1, 10)
	if err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}
	// Blend of (1,2)=0.4 and history hits (5,6)=0.8, (5,7)=0.3; (5,1) is
	// filtered because 1 is the queried product.
	if want := []int{6, 2, 7}; !reflect.DeepEqual(got, want) {
		t.Errorf("PersonalizedRecommendationsFor() = %v, want %v", got, want)
	}
}

func TestPersonalizedExcludesAlreadyOwnedProducts(t *testing.T) {
	store := &stubStore{preds: []prediction.Prediction{
		prediction.New(5, 9, 0.8), // 9 is in the user's history, excluded
		prediction.New(9, 6, 0.6),
	}}
	history := &stubHistory{purchases: map[int][]int{42: {5, 9}}}
	e := newTestEngine(store, &stubCatalog{}, history, Config{})

	got, err := e.PersonalizedRecommendationsFor(context.Background(), 42, 1, 10)
	if err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}
	if want := []int{6}; !reflect.DeepEqual(got, want) {
		t.Errorf("PersonalizedRecommendationsFor() = %v, want %v", got, want)
	}
}

func TestPersonalizedFallsBackToWishList(t *testing.T) {
	store := &stubStore{preds: []prediction.Prediction{
		prediction.New(8, 3, 0.5),
	}}
	history := &stubHistory{wishLists: map[int][]int{42: {8}}}
	e := newTestEngine(store, &stubCatalog{}, history, Config{})

	got, err := e.PersonalizedRecommendationsFor(context.Background(), 42, 1, 10)
	if err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}
	if want := []int{3}; !reflect.DeepEqual(got, want) {
		t.Errorf("PersonalizedRecommendationsFor() = %v, want %v", got, want)
	}
}

func TestPersonalizedHistoryIsCachedPerUser(t *testing.T) {
	history := &stubHistory{purchases: map[int][]int{42: {5}}}
	e := newTestEngine(&stubStore{}, &stubCatalog{}, history, Config{HistoryTTL: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.PersonalizedRecommendationsFor(ctx, 42, 1, 5); err != nil {
			t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
		}
	}
	if calls := history.calls(); calls != 1 {
		t.Errorf("purchase history lookups = %d, want 1 (cached)", calls)
	}

	e.InvalidateHistory(42)
	if _, err := e.PersonalizedRecommendationsFor(ctx, 42, 1, 5); err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}
	if calls := history.calls(); calls != 2 {
		t.Errorf("purchase history lookups = %d, want 2 after invalidation", calls)
	}
}

func TestPersonalizedHistoryCacheExpires(t *testing.T) {
	history := &stubHistory{purchases: map[int][]int{42: {5}}}
	e := newTestEngine(&stubStore{}, &stubCatalog{}, history, Config{HistoryTTL: time.Nanosecond})
	ctx := context.Background()

	if _, err := e.PersonalizedRecommendationsFor(ctx, 42, 1, 5); err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := e.PersonalizedRecommendationsFor(ctx, 42, 1, 5); err != nil {
		t.Fatalf("PersonalizedRecommendationsFor() error = %v", err)
	}

	if calls := history.calls(); calls != 2 {
		t.Errorf("purchase history lookups = %d, want 2 after expiry", calls)
	}
}

func TestUpsellSeedsFromAssociations(t *testing.T) {
	store := &stubStore{preds: []prediction.Prediction{
		prediction.New(100, 7, 0.9),
		prediction.New(100, 8, 0.2),
	}}
	catalog := &stubCatalog{associations: map[int][]int{1: {100}}}
	history := &stubHistory{carts: map[string][]int{"cart-1": {1, 1, 2}}}
	e := newTestEngine(store, catalog, history, Config{})

	got, err := e.UpsellItemsFor(context.Background(), "cart-1", 2)
	if err != nil {
		t.Fatalf("UpsellItemsFor() error = %v", err)
	}
	if want := []int{7, 8}; !reflect.DeepEqual(got, want) {
		t.Errorf("UpsellItemsFor() = %v, want %v", got, want)
	}
}

func TestUpsellFallsBackToCartProducts(t *testing.T) {
	store := &stubStore{preds: basePredictions()}
	history := &stubHistory{carts: map[string][]int{"cart-1": {1}}}
	e := newTestEngine(store, &stubCatalog{}, history, Config{})

	got, err := e.UpsellItemsFor(context.Background(), "cart-1", 5)
	if err != nil {
		t.Fatalf("UpsellItemsFor() error = %v", err)
	}
	if want := []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("UpsellItemsFor() fallback = %v, want %v", got, want)
	}
}

func TestUpsellCollaboratorErrorsPropagate(t *testing.T) {
	cartErr := errors.New("cart service down")
	e := newTestEngine(&stubStore{}, &stubCatalog{}, &stubHistory{cartErr: cartErr}, Config{})
	if _, err := e.UpsellItemsFor(context.Background(), "cart-1", 5); !errors.Is(err, cartErr) {
		t.Errorf("UpsellItemsFor() error = %v, want cart error", err)
	}

	catErr := errors.New("catalog down")
	e = newTestEngine(&stubStore{}, &stubCatalog{err: catErr},
		&stubHistory{carts: map[string][]int{"cart-1": {1}}}, Config{})
	if _, err := e.UpsellItemsFor(context.Background(), "cart-1", 5); !errors.Is(err, catErr) {
		t.Errorf("UpsellItemsFor() error = %v, want catalog error", err)
	}
}
