// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package store

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/merchkit/copurchase/internal/prediction"
)

// mockBackend implements Backend in memory, with injectable failures.
type mockBackend struct {
	mu        sync.Mutex
	preds     []prediction.Prediction
	loadCalls int

	loadErr    error
	replaceErr error
	upsertErr  error
	deleteErr  error
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) LoadAll(ctx context.Context) ([]prediction.Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCalls++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]prediction.Prediction, len(m.preds))
	copy(out, m.preds)
	return out, nil
}

func (m *mockBackend) ReplaceAll(ctx context.Context, preds []prediction.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.preds = make([]prediction.Prediction, len(preds))
	copy(m.preds, preds)
	return nil
}

func (m *mockBackend) Upsert(ctx context.Context, pred prediction.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for i, p := range m.preds {
		if p.ProductID == pred.ProductID && p.CoPurchaseProductID == pred.CoPurchaseProductID {
			m.preds[i] = pred
			return nil
		}
	}
	m.preds = append(m.preds, pred)
	return nil
}

func (m *mockBackend) DeleteProduct(ctx context.Context, productID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	kept := m.preds[:0]
	for _, p := range m.preds {
		if p.ProductID != productID && p.CoPurchaseProductID != productID {
			kept = append(kept, p)
		}
	}
	m.preds = kept
	return nil
}

func (m *mockBackend) Close() error { return nil }

func (m *mockBackend) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalls
}

// testSet is the three-prediction scenario used throughout.
func testSet() []prediction.Prediction {
	return []prediction.Prediction{
		prediction.New(1, 2, 0.9),
		prediction.New(1, 3, 0.5),
		prediction.New(4, 1, 0.7),
	}
}

func newTestStore(backend Backend) *Store {
	return New(backend, Options{}, zerolog.Nop())
}

func TestStoreLazyLoadAndCache(t *testing.T) {
	backend := &mockBackend{preds: testSet()}
	s := newTestStore(backend)
	ctx := context.Background()

	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("GetAll() returned %d predictions, want 3", len(got))
	}

	// Subsequent reads come from the snapshot, not the backend.
	for i := 0; i < 5; i++ {
		if _, err := s.GetAll(ctx); err != nil {
			t.Fatalf("GetAll() error = %v", err)
		}
	}
	if calls := backend.calls(); calls != 1 {
		t.Errorf("backend loads = %d, want 1", calls)
	}
}

func TestStoreGetFiltersBySource(t *testing.T) {
	s := newTestStore(&mockBackend{preds: testSet()})

	got, err := s.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("Get(1) error = %v", err)
	}

	want := []prediction.Prediction{
		prediction.New(1, 2, 0.9),
		prediction.New(1, 3, 0.5),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Get(1) = %v, want %v", got, want)
	}
}

func TestStoreGetUnknownProductIsEmptyNotError(t *testing.T) {
	s := newTestStore(&mockBackend{preds: testSet()})

	got, err := s.Get(context.Background(), 99)
	if err != nil {
		t.Fatalf("Get(99) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get(99) = %v, want empty", got)
	}
}

func TestStoreGetMultiPreservesOrderAndDuplicates(t *testing.T) {
	s := newTestStore(&mockBackend{preds: testSet()})

	got, err := s.GetMulti(context.Background(), []int{4, 1, 4})
	if err != nil {
		t.Fatalf("GetMulti() error = %v", err)
	}

	want := []prediction.Prediction{
		prediction.New(4, 1, 0.7),
		prediction.New(1, 2, 0.9),
		prediction.New(1, 3, 0.5),
		prediction.New(4, 1, 0.7), // duplicate input id yields duplicate records
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GetMulti([4,1,4]) = %v, want %v", got, want)
	}
}

func TestStoreReplaceAllVisibleToSubsequentGets(t *testing.T) {
	s := newTestStore(&mockBackend{})
	ctx := context.Background()

	if err := s.ReplaceAll(ctx, testSet()); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	for _, p := range testSet() {
		got, err := s.Get(ctx, p.ProductID)
		if err != nil {
			t.Fatalf("Get(%d) error = %v", p.ProductID, err)
		}
		found := false
		for _, g := range got {
			if g == p {
				found = true
			}
		}
		if !found {
			t.Errorf("Get(%d) missing %v after ReplaceAll", p.ProductID, p)
		}
	}
}

func TestStoreReplaceAllFailureKeepsPriorSnapshot(t *testing.T) {
	backend := &mockBackend{preds: testSet()}
	s := newTestStore(backend)
	ctx := context.Background()

	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	backend.replaceErr = errors.New("disk full")
	if err := s.ReplaceAll(ctx, []prediction.Prediction{prediction.New(7, 8, 0.1)}); err == nil {
		t.Fatal("ReplaceAll() expected error")
	}

	// Prior snapshot still served, without a backend reload.
	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() after failed replace error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("GetAll() returned %d predictions, want prior 3", len(got))
	}
	if calls := backend.calls(); calls != 1 {
		t.Errorf("backend loads = %d, want 1 (failed replace must not invalidate)", calls)
	}
}

func TestStoreDeleteRemovesBothRolesAndInvalidates(t *testing.T) {
	backend := &mockBackend{preds: testSet()}
	s := newTestStore(backend)
	ctx := context.Background()

	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	// Every prediction in the scenario references product 1 somewhere.
	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete(1) error = %v", err)
	}

	got, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("store still holds %v after Delete(1)", got)
	}
	for _, p := range got {
		if p.ProductID == 1 || p.CoPurchaseProductID == 1 {
			t.Errorf("prediction %v still references deleted product", p)
		}
	}
}

func TestStoreDeleteFailureLeavesCacheIntact(t *testing.T) {
	backend := &mockBackend{preds: testSet()}
	s := newTestStore(backend)
	ctx := context.Background()

	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	backend.deleteErr = errors.New("io error")
	if err := s.Delete(ctx, 1); err == nil {
		t.Fatal("Delete() expected error")
	}

	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if calls := backend.calls(); calls != 1 {
		t.Errorf("backend loads = %d, want 1 (failed delete must not invalidate)", calls)
	}
}

func TestStoreUpsertInvalidatesCache(t *testing.T) {
	backend := &mockBackend{preds: testSet()}
	s := newTestStore(backend)
	ctx := context.Background()

	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	if err := s.Upsert(ctx, 7, 8, 0.42); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get(7) error = %v", err)
	}
	if len(got) != 1 || got[0].Score != 0.42 {
		t.Errorf("Get(7) = %v, want the upserted prediction", got)
	}
}

func TestStoreLoadFailureSurfacesError(t *testing.T) {
	backend := &mockBackend{loadErr: errors.New("connection refused")}
	s := newTestStore(backend)

	if _, err := s.GetAll(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetAll() error = %v, want ErrUnavailable", err)
	}
}

func TestStoreReplaceAllIsAtomicForReaders(t *testing.T) {
	oldSet := make([]prediction.Prediction, 50)
	newSet := make([]prediction.Prediction, 80)
	for i := range oldSet {
		oldSet[i] = prediction.New(i, i+1000, 0.1)
	}
	for i := range newSet {
		newSet[i] = prediction.New(i, i+2000, 0.9)
	}

	s := newTestStore(&mockBackend{preds: oldSet})
	ctx := context.Background()
	if _, err := s.GetAll(ctx); err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap, err := s.GetAll(ctx)
				if err != nil {
					t.Errorf("GetAll() error = %v", err)
					return
				}
				if len(snap) != len(oldSet) && len(snap) != len(newSet) {
					t.Errorf("observed partial set of %d predictions", len(snap))
					return
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		set := oldSet
		if i%2 == 0 {
			set = newSet
		}
		if err := s.ReplaceAll(ctx, set); err != nil {
			t.Fatalf("ReplaceAll() error = %v", err)
		}
	}

	close(stop)
	wg.Wait()
}
