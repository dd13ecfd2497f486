// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/merchkit/copurchase/internal/metrics"
	"github.com/merchkit/copurchase/internal/prediction"
)

// ErrUnavailable indicates the backing persistence could not be reached or
// failed mid-operation. Reads surface it instead of returning an empty set
// so that outages are never mistaken for "no recommendations".
var ErrUnavailable = errors.New("prediction backend unavailable")

// Backend is the persistence contract implemented by every interchangeable
// storage technology. Implementations must make ReplaceAll all-or-nothing:
// a concurrent LoadAll observes either the fully-old or fully-new set.
type Backend interface {
	// Name identifies the backend for logging and metrics labels.
	Name() string

	// LoadAll reads the complete prediction set.
	LoadAll(ctx context.Context) ([]prediction.Prediction, error)

	// ReplaceAll atomically discards the entire collection and writes the
	// new set. On error the previous set must remain intact.
	ReplaceAll(ctx context.Context, preds []prediction.Prediction) error

	// Upsert creates or updates the record for one ordered pair.
	Upsert(ctx context.Context, pred prediction.Prediction) error

	// DeleteProduct removes every record where productID appears as either
	// the source or the target field.
	DeleteProduct(ctx context.Context, productID int) error

	// Close releases backend resources.
	Close() error
}

// Options tunes the cache-backed store wrapper.
type Options struct {
	// BreakerEnabled wraps backend loads in a circuit breaker so a down
	// backend fails fast instead of queueing readers behind the lock.
	BreakerEnabled bool

	// BreakerTimeout is how long the breaker stays open after tripping.
	BreakerTimeout time.Duration
}

// Store composes a lazily loaded, invalidation-based snapshot cache around
// any Backend. It is the process-wide read/write surface for predictions.
//
// Concurrency: a coarse read/write lock guards the snapshot. Concurrent
// reads share the lock; any write (replace, upsert, delete) excludes all
// reads and other writes. Consistency is eventual, not linearizable: a read
// started before a write completes may observe the prior snapshot.
type Store struct {
	backend Backend
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker[[]prediction.Prediction]

	mu       sync.RWMutex
	snapshot []prediction.Prediction
	loaded   bool
}

// New wraps backend in the shared snapshot cache.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func New(backend Backend, opts Options, logger zerolog.Logger) *Store {
	s := &Store{
		backend: backend,
		logger: logger.With().
			Str("component", "prediction-store").
			Str("backend", backend.Name()).
			Logger(),
	}

	if opts.BreakerEnabled {
		timeout := opts.BreakerTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		s.breaker = gobreaker.NewCircuitBreaker[[]prediction.Prediction](gobreaker.Settings{
			Name:    "prediction-store-load",
			Timeout: timeout,
		})
	}

	return s
}

// GetAll returns the current snapshot, loading it from the backend on first
// use and after any invalidating write. The returned slice is shared and
// must not be mutated by callers.
func (s *Store) GetAll(ctx context.Context) ([]prediction.Prediction, error) {
	s.mu.RLock()
	if s.loaded {
		snap := s.snapshot
		s.mu.RUnlock()
		metrics.StoreCacheHits.WithLabelValues(s.backend.Name()).Inc()
		return snap, nil
	}
	s.mu.RUnlock()

	metrics.StoreCacheMisses.WithLabelValues(s.backend.Name()).Inc()
	return s.loadSnapshot(ctx)
}

// Get returns the predictions whose source field matches productID, drawn
// from the latest cached snapshot.
func (s *Store) Get(ctx context.Context, productID int) ([]prediction.Prediction, error) {
	snap, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	return filterBySource(snap, productID), nil
}

// GetMulti returns the union of per-id lookups, preserving the input id
// order. Duplicate ids yield duplicate records; callers de-duplicate
// downstream where their semantics require it.
func (s *Store) GetMulti(ctx context.Context, productIDs []int) ([]prediction.Prediction, error) {
	snap, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]prediction.Prediction, 0, len(productIDs))
	for _, id := range productIDs {
		out = append(out, filterBySource(snap, id)...)
	}
	return out, nil
}

// ReplaceAll atomically swaps the entire prediction set. On success the new
// set becomes the cached snapshot directly, avoiding a reload round-trip.
// On failure the previous snapshot stays valid and the error is returned.
func (s *Store) ReplaceAll(ctx context.Context, preds []prediction.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.backend.ReplaceAll(ctx, preds); err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend.Name(), "replace").Inc()
		return fmt.Errorf("replace predictions: %w", err)
	}
	metrics.StoreReplaceDuration.WithLabelValues(s.backend.Name()).Observe(time.Since(start).Seconds())

	snap := make([]prediction.Prediction, len(preds))
	copy(snap, preds)
	s.snapshot = snap
	s.loaded = true

	s.logger.Info().Int("count", len(preds)).Msg("prediction set replaced")
	return nil
}

// Upsert creates or updates the record for one ordered pair and invalidates
// the snapshot so the next read reloads.
func (s *Store) Upsert(ctx context.Context, productID, coPurchaseProductID int, score float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pred := prediction.New(productID, coPurchaseProductID, score)
	if err := s.backend.Upsert(ctx, pred); err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend.Name(), "upsert").Inc()
		return fmt.Errorf("upsert prediction: %w", err)
	}

	s.invalidateLocked()
	return nil
}

// Delete removes every record referencing productID as either source or
// target, then invalidates the snapshot. On backend failure the cache is
// left untouched so readers keep serving the last known-good set.
func (s *Store) Delete(ctx context.Context, productID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteProduct(ctx, productID); err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend.Name(), "delete").Inc()
		return fmt.Errorf("delete predictions for product %d: %w", productID, err)
	}

	s.invalidateLocked()
	s.logger.Debug().Int("product_id", productID).Msg("predictions deleted")
	return nil
}

// Invalidate drops the cached snapshot, forcing the next read to reload.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked()
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// loadSnapshot performs the full load under the write lock. Holding the
// lock across backend I/O is intentional: the contract only promises the
// coarse read/write guarantee, and it prevents a thundering herd of
// concurrent loads after invalidation.
func (s *Store) loadSnapshot(ctx context.Context) ([]prediction.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another reader may have completed the load while we waited.
	if s.loaded {
		return s.snapshot, nil
	}

	start := time.Now()
	snap, err := s.doLoad(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues(s.backend.Name(), "load").Inc()
		return nil, fmt.Errorf("load predictions: %w", errors.Join(ErrUnavailable, err))
	}
	metrics.StoreLoadDuration.WithLabelValues(s.backend.Name()).Observe(time.Since(start).Seconds())

	s.snapshot = snap
	s.loaded = true

	s.logger.Debug().Int("count", len(snap)).Msg("prediction snapshot loaded")
	return snap, nil
}

// doLoad calls the backend, routed through the circuit breaker when enabled.
func (s *Store) doLoad(ctx context.Context) ([]prediction.Prediction, error) {
	if s.breaker == nil {
		return s.backend.LoadAll(ctx)
	}
	return s.breaker.Execute(func() ([]prediction.Prediction, error) {
		return s.backend.LoadAll(ctx)
	})
}

// invalidateLocked drops the snapshot. Must be called with mu held.
func (s *Store) invalidateLocked() {
	s.snapshot = nil
	s.loaded = false
}

// filterBySource selects predictions whose source field matches productID.
func filterBySource(preds []prediction.Prediction, productID int) []prediction.Prediction {
	var out []prediction.Prediction
	for _, p := range preds {
		if p.ProductID == productID {
			out = append(out, p)
		}
	}
	return out
}
