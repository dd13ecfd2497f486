// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package main is the entry point for the copurchased daemon.
//
// Copurchased maintains a materialized table of pairwise co-purchase
// predictions ("customers who bought A also bought B, score S"). It
// periodically recomputes the table from historical order data with a
// trained scoring model and keeps it available for ranked recommendation
// queries through the query engine embedded by the host commerce system.
//
// # Components
//
//  1. Configuration: layered Koanf v2 load (defaults, config.yaml, env)
//  2. Prediction store: DuckDB, BadgerDB, or a JSON document backend,
//     wrapped in a shared snapshot cache
//  3. Host data mirror: DuckDB tables synced from the commerce system
//     (products, orders, associations, carts, wish lists)
//  4. Recompute service: suture-supervised scheduled batch job
//  5. Metrics: Prometheus exposition endpoint
//
// # Configuration
//
// Selected environment variables (full list in internal/config):
//
//	COPURCHASE_STORE_BACKEND=duckdb|badger|document
//	COPURCHASE_STORE_DUCKDB_PATH=/data/copurchase.db
//	COPURCHASE_HOST_DATA_PATH=/data/commerce-mirror.db
//	COPURCHASE_RECOMPUTE_INTERVAL=24h
//	COPURCHASE_METRICS_ADDR=:9187
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the recompute loop stops at
// its next safe point, accumulated work is published where possible, and
// store backends are closed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/merchkit/copurchase/internal/config"
	"github.com/merchkit/copurchase/internal/hostdb"
	"github.com/merchkit/copurchase/internal/logging"
	"github.com/merchkit/copurchase/internal/prediction/store"
	"github.com/merchkit/copurchase/internal/recompute"
	"github.com/merchkit/copurchase/internal/scoring"
	"github.com/merchkit/copurchase/internal/service"
)

func main() {
	if err := run(); err != nil {
		logger := logging.Logger()
		logger.Error().Err(err).Msg("copurchased exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(cfg.Logging)
	logger := logging.Logger()
	logger.Info().
		Str("backend", cfg.Store.Backend).
		Dur("recompute_interval", cfg.Recompute.Interval).
		Msg("copurchased starting")

	backend, err := newBackend(&cfg.Store)
	if err != nil {
		return fmt.Errorf("initialize store backend: %w", err)
	}

	predStore := store.New(backend, store.Options{
		BreakerEnabled: cfg.Store.BreakerEnabled,
		BreakerTimeout: cfg.Store.BreakerTimeout,
	}, logger)
	defer closeWithLog(predStore.Close, "prediction store", logger)

	hostData, err := hostdb.Open(cfg.HostData)
	if err != nil {
		return fmt.Errorf("open host data mirror: %w", err)
	}
	defer closeWithLog(hostData.Close, "host data mirror", logger)

	job := recompute.NewJob(
		hostData,
		hostData,
		scoring.NewCooccurrenceTrainer(),
		predStore,
		cfg.Recompute.Job,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := buildSupervisor(cfg, job, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Addr, logger)
	}

	err = sup.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}

	logger.Info().Msg("copurchased stopped")
	return nil
}

// newBackend constructs the configured persistence backend.
func newBackend(cfg *config.StoreConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "duckdb":
		return store.NewDuckDB(cfg.DuckDB)
	case "badger":
		return store.NewBadger(cfg.Badger)
	case "document":
		return store.NewDocument(cfg.Document)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// buildSupervisor assembles the suture root with the recompute service.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func buildSupervisor(cfg *config.Config, job *recompute.Job, logger zerolog.Logger) (*suture.Supervisor, error) {
	handler := &sutureslog.Handler{Logger: logging.Slogger(logger)}

	sup := suture.New("copurchased", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})

	sup.Add(service.NewRecomputeService(job, service.RecomputeServiceConfig{
		RunOnStartup: cfg.Recompute.RunOnStartup,
		Interval:     cfg.Recompute.Interval,
	}, logger))

	return sup, nil
}

// startMetricsServer exposes /metrics and shuts down with ctx.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func startMetricsServer(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// closeWithLog closes a resource, logging any error.
//
//nolint:gocritic // logger passed by value is acceptable for zerolog
func closeWithLog(closeFn func() error, name string, logger zerolog.Logger) {
	if err := closeFn(); err != nil {
		logger.Warn().Err(err).Str("resource", name).Msg("close failed")
	}
}
