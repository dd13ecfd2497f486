// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/merchkit/copurchase/internal/prediction"
)

const duckdbSchema = `
CREATE TABLE IF NOT EXISTS copurchase_predictions (
    product_id             INTEGER NOT NULL,
    co_purchase_product_id INTEGER NOT NULL,
    score                  FLOAT   NOT NULL,
    PRIMARY KEY (product_id, co_purchase_product_id)
)`

// DuckDBBackend persists predictions in a relational DuckDB table. Bulk
// replacement runs as DELETE + batch INSERT inside one transaction, so
// concurrent readers observe either the fully-old or fully-new set.
type DuckDBBackend struct {
	conn *sql.DB
}

// DuckDBConfig holds DuckDB backend settings.
type DuckDBConfig struct {
	// Path is the database file path, or ":memory:" for an in-process
	// ephemeral database.
	Path string `koanf:"path"`

	// Threads bounds DuckDB's internal parallelism. <= 0 uses NumCPU.
	Threads int `koanf:"threads"`
}

// NewDuckDB opens (creating if needed) the database file and ensures the
// predictions table exists.
func NewDuckDB(cfg DuckDBConfig) (*DuckDBBackend, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	// Disable extension auto-install/auto-load to avoid hangs in restricted
	// network environments; this backend needs none.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec(duckdbSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DuckDBBackend{conn: conn}, nil
}

// Name implements Backend.
func (b *DuckDBBackend) Name() string { return "duckdb" }

// LoadAll reads the complete prediction table.
func (b *DuckDBBackend) LoadAll(ctx context.Context) ([]prediction.Prediction, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT product_id, co_purchase_product_id, score FROM copurchase_predictions`)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var preds []prediction.Prediction
	for rows.Next() {
		var p prediction.Prediction
		if err := rows.Scan(&p.ProductID, &p.CoPurchaseProductID, &p.Score); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}

	return preds, nil
}

// ReplaceAll truncates and rewrites the table in one transaction.
func (b *DuckDBBackend) ReplaceAll(ctx context.Context, preds []prediction.Prediction) error {
	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM copurchase_predictions`); err != nil {
		return fmt.Errorf("truncate predictions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO copurchase_predictions (product_id, co_purchase_product_id, score) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range preds {
		if _, err := stmt.ExecContext(ctx, p.ProductID, p.CoPurchaseProductID, p.Score); err != nil {
			return fmt.Errorf("insert prediction (%d, %d): %w", p.ProductID, p.CoPurchaseProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replacement: %w", err)
	}
	return nil
}

// Upsert inserts or updates a single ordered pair.
func (b *DuckDBBackend) Upsert(ctx context.Context, pred prediction.Prediction) error {
	_, err := b.conn.ExecContext(ctx,
		`INSERT INTO copurchase_predictions (product_id, co_purchase_product_id, score)
		 VALUES (?, ?, ?)
		 ON CONFLICT (product_id, co_purchase_product_id) DO UPDATE SET score = excluded.score`,
		pred.ProductID, pred.CoPurchaseProductID, pred.Score)
	if err != nil {
		return fmt.Errorf("upsert prediction (%d, %d): %w", pred.ProductID, pred.CoPurchaseProductID, err)
	}
	return nil
}

// DeleteProduct removes rows referencing productID in either role.
func (b *DuckDBBackend) DeleteProduct(ctx context.Context, productID int) error {
	_, err := b.conn.ExecContext(ctx,
		`DELETE FROM copurchase_predictions WHERE product_id = ? OR co_purchase_product_id = ?`,
		productID, productID)
	if err != nil {
		return fmt.Errorf("delete predictions for product %d: %w", productID, err)
	}
	return nil
}

// Close closes the database connection.
func (b *DuckDBBackend) Close() error {
	return b.conn.Close()
}
