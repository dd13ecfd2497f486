// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package service provides Suture service wrappers for long-running
// application components.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/merchkit/copurchase/internal/recompute"
)

// RecomputeRunner is the slice of the batch job the service drives.
type RecomputeRunner interface {
	Run(ctx context.Context) (recompute.Result, error)
}

// RecomputeServiceConfig holds scheduling configuration.
type RecomputeServiceConfig struct {
	// RunOnStartup triggers one cycle when the service starts.
	RunOnStartup bool

	// Interval is how often the recompute cycle runs.
	Interval time.Duration
}

// RecomputeService runs the batch recompute job on a schedule under Suture
// supervision. Cycle failures are logged and retried on the next tick; the
// previous prediction set stays in force in between.
type RecomputeService struct {
	job    RecomputeRunner
	config RecomputeServiceConfig
	logger zerolog.Logger
	name   string
}

// NewRecomputeService creates the scheduled recompute service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func NewRecomputeService(job RecomputeRunner, cfg RecomputeServiceConfig, logger zerolog.Logger) *RecomputeService {
	return &RecomputeService{
		job:    job,
		config: cfg,
		logger: logger.With().Str("service", "recompute").Logger(),
		name:   "recompute-service",
	}
}

// Serve implements the suture.Service interface.
func (s *RecomputeService) Serve(ctx context.Context) error {
	s.logger.Info().
		Bool("run_on_startup", s.config.RunOnStartup).
		Dur("interval", s.config.Interval).
		Msg("recompute service starting")

	if s.config.RunOnStartup {
		s.runCycle(ctx)
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("recompute service shutting down")
			return ctx.Err()

		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes one recompute cycle, logging the terminal outcome.
func (s *RecomputeService) runCycle(ctx context.Context) {
	start := time.Now()

	result, err := s.job.Run(ctx)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Int("count", result.Count).
			Msg("recompute cycle failed (will retry on schedule)")
		return
	}

	s.logger.Info().
		Str("outcome", string(result.Outcome)).
		Int("count", result.Count).
		Dur("duration", time.Since(start)).
		Msg("recompute cycle finished")
}

// String returns the service name for supervisor logging.
func (s *RecomputeService) String() string {
	return s.name
}
