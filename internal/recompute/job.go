// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package recompute implements the batch pipeline that rebuilds the full
// co-purchase prediction table: collect training pairs from order history,
// train a scoring model, score every candidate product pair concurrently,
// and publish the result to the prediction store in one atomic replacement.
package recompute

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/merchkit/copurchase/internal/metrics"
	"github.com/merchkit/copurchase/internal/prediction"
	"github.com/merchkit/copurchase/internal/scoring"
)

// State identifies the phase a recompute cycle is in.
type State int

const (
	StateIdle State = iota
	StateCollectingTrainingData
	StateTraining
	StateScoring
	StatePublishing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollectingTrainingData:
		return "collecting_training_data"
	case StateTraining:
		return "training"
	case StateScoring:
		return "scoring"
	case StatePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one cycle.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeStoppedEarly Outcome = "stopped_early"
	OutcomeFailed       Outcome = "failed"
)

// Result reports how a cycle ended. Count is the number of predictions
// accumulated, communicated even on a publish failure for observability.
type Result struct {
	Outcome Outcome
	Count   int
}

// Order is one historical order reduced to its line-item product ids.
type Order struct {
	ProductIDs []int
}

// OrderHistory supplies historical orders for training-pair collection.
type OrderHistory interface {
	Orders(ctx context.Context) ([]Order, error)
}

// Catalog enumerates the currently catalogued product identifiers. The
// returned set must be live-only and already deduplicated.
type Catalog interface {
	LiveProductIDs(ctx context.Context) ([]int, error)
}

// Publisher receives the recomputed prediction set. Satisfied by
// *store.Store.
type Publisher interface {
	ReplaceAll(ctx context.Context, preds []prediction.Prediction) error
}

// Config tunes one recompute job.
type Config struct {
	// Workers bounds the concurrent scoring goroutines. <= 0 uses the
	// available parallelism.
	Workers int `koanf:"workers"`

	// PoolSize caps retained scorer instances. <= 0 selects the scoring
	// pool default of twice the available parallelism.
	PoolSize int `koanf:"pool_size"`
}

// Status is a point-in-time view of a running job.
type Status struct {
	RunID       string
	State       State
	PairsScored int64
	StartedAt   time.Time
}

// Job orchestrates one or more recompute cycles. A Job is safe for
// concurrent Status/Stop calls while Run executes; Run itself must not be
// invoked concurrently.
type Job struct {
	orders  OrderHistory
	catalog Catalog
	trainer scoring.Trainer
	store   Publisher
	cfg     Config
	logger  zerolog.Logger

	stop atomic.Bool

	mu     sync.RWMutex
	status Status
}

// NewJob wires a recompute job from its collaborators.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewJob(orders OrderHistory, catalog Catalog, trainer scoring.Trainer, store Publisher, cfg Config, logger zerolog.Logger) *Job {
	return &Job{
		orders:  orders,
		catalog: catalog,
		trainer: trainer,
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "recompute").Logger(),
	}
}

// Stop requests cooperative cancellation. The scoring loop observes the
// flag before each source product; work already accumulated is kept and
// published.
func (j *Job) Stop() {
	j.stop.Store(true)
}

// Status returns the current job status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Run executes one full recompute cycle. The returned error is non-nil only
// for whole-cycle failures (training, catalog enumeration, publish); in
// that case nothing new is published and the previous prediction set
// remains in force, subject to the store's replace guarantees.
func (j *Job) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	j.stop.Store(false)
	j.beginRun(runID, start)
	defer j.setState(StateIdle)

	logger := j.logger.With().Str("run_id", runID).Logger()
	logger.Info().Msg("recompute cycle starting")

	pairs, err := j.collectTrainingData(ctx, logger)
	if err != nil {
		return j.fail(start, fmt.Errorf("collect training data: %w", err))
	}

	model, err := j.train(ctx, pairs, logger)
	if err != nil {
		return j.fail(start, fmt.Errorf("train model: %w", err))
	}

	preds, err := j.score(ctx, model, logger)
	if err != nil {
		return j.fail(start, fmt.Errorf("score pairs: %w", err))
	}

	outcome := OutcomeCompleted
	if j.stopped(ctx) {
		outcome = OutcomeStoppedEarly
	}

	j.setState(StatePublishing)
	if err := j.store.ReplaceAll(ctx, preds); err != nil {
		metrics.RecomputeCycles.WithLabelValues(string(OutcomeFailed)).Inc()
		logger.Error().Err(err).Int("count", len(preds)).Msg("publish failed")
		return Result{Outcome: OutcomeFailed, Count: len(preds)}, fmt.Errorf("publish predictions: %w", err)
	}

	metrics.RecomputeCycles.WithLabelValues(string(outcome)).Inc()
	metrics.RecomputeCycleDuration.Observe(time.Since(start).Seconds())

	logger.Info().
		Str("outcome", string(outcome)).
		Int("count", len(preds)).
		Dur("duration", time.Since(start)).
		Msg("recompute cycle finished")

	return Result{Outcome: outcome, Count: len(preds)}, nil
}

// collectTrainingData scans historical orders and emits every ordered pair
// of distinct product ids found within one order. Orders with fewer than
// two distinct items contribute nothing.
func (j *Job) collectTrainingData(ctx context.Context, logger zerolog.Logger) ([]prediction.TrainingPair, error) {
	j.setState(StateCollectingTrainingData)

	orders, err := j.orders.Orders(ctx)
	if err != nil {
		return nil, err
	}

	var pairs []prediction.TrainingPair
	for _, order := range orders {
		ids := distinctIDs(order.ProductIDs)
		if len(ids) < 2 {
			continue
		}
		for _, a := range ids {
			for _, b := range ids {
				if a == b {
					continue
				}
				pairs = append(pairs, prediction.NewTrainingPair(uint32(a), uint32(b)))
			}
		}
	}

	logger.Debug().
		Int("orders", len(orders)).
		Int("pairs", len(pairs)).
		Msg("training pairs collected")

	return pairs, nil
}

// train hands the pair sequence to the trainer. A trainer yielding no model
// fails the cycle; nothing is published and the previous set stays live.
func (j *Job) train(ctx context.Context, pairs []prediction.TrainingPair, logger zerolog.Logger) (scoring.Model, error) {
	j.setState(StateTraining)

	model, err := j.trainer.Train(ctx, pairs)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("trainer produced no model")
	}

	logger.Debug().Int("pairs", len(pairs)).Msg("model trained")
	return model, nil
}

// score enumerates all live products and scores every directed (source,
// candidate) pair through the scorer pool. The stop flag is observed before
// each source product is dispatched; candidates of an in-flight source run
// to completion.
func (j *Job) score(ctx context.Context, model scoring.Model, logger zerolog.Logger) ([]prediction.Prediction, error) {
	j.setState(StateScoring)

	productIDs, err := j.catalog.LiveProductIDs(ctx)
	if err != nil {
		return nil, err
	}

	pool := scoring.NewPool(model, j.cfg.PoolSize)
	workers := j.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var (
		mu       sync.Mutex
		preds    []prediction.Prediction
		fatalErr error
		wg       sync.WaitGroup
	)

	sources := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range sources {
				mu.Lock()
				dead := fatalErr != nil
				mu.Unlock()
				if dead {
					// Keep draining so the feeding loop never blocks.
					continue
				}

				batch, err := j.scoreSource(ctx, pool, src, productIDs, logger)
				if err != nil {
					// Scorer construction failure: no model handle means
					// the whole cycle cannot proceed.
					mu.Lock()
					if fatalErr == nil {
						fatalErr = err
					}
					mu.Unlock()
					j.stop.Store(true)
					continue
				}

				mu.Lock()
				preds = append(preds, batch...)
				mu.Unlock()
				j.addPairsScored(int64(len(batch)))
			}
		}()
	}

	for _, src := range productIDs {
		if j.stopped(ctx) {
			break
		}
		sources <- src
	}
	close(sources)
	wg.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}

	logger.Debug().
		Int("products", len(productIDs)).
		Int("predictions", len(preds)).
		Msg("pairwise scoring finished")

	return preds, nil
}

// scoreSource scores one source product against all other enumerated
// products using a pooled scorer. Individual scoring failures are logged
// and skipped; partial results remain useful.
func (j *Job) scoreSource(ctx context.Context, pool *scoring.Pool, src int, candidates []int, logger zerolog.Logger) ([]prediction.Prediction, error) {
	scorer, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire scorer: %w", err)
	}
	defer pool.Release(scorer)

	batch := make([]prediction.Prediction, 0, len(candidates)-1)
	for _, cand := range candidates {
		if cand == src {
			continue
		}

		score, err := scorer.Score(src, cand)
		if err != nil {
			metrics.RecomputeScoringErrors.Inc()
			logger.Warn().
				Int("product_id", src).
				Int("candidate_id", cand).
				Err(err).
				Msg("pair scoring failed, skipping")
			continue
		}

		metrics.RecomputePairsScored.Inc()
		batch = append(batch, prediction.New(src, cand, score))
	}

	return batch, nil
}

func (j *Job) fail(start time.Time, err error) (Result, error) {
	metrics.RecomputeCycles.WithLabelValues(string(OutcomeFailed)).Inc()
	j.logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("recompute cycle failed")
	return Result{Outcome: OutcomeFailed}, err
}

func (j *Job) stopped(ctx context.Context) bool {
	return j.stop.Load() || ctx.Err() != nil
}

func (j *Job) beginRun(runID string, start time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = Status{RunID: runID, State: StateIdle, StartedAt: start}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.State = s
}

func (j *Job) addPairsScored(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status.PairsScored += n
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
