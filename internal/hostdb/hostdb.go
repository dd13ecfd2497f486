// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

// Package hostdb adapts a DuckDB mirror of the host commerce system's data
// (products, orders, associations, carts, wish lists) to the collaborator
// contracts consumed by the recompute job and the query engine.
//
// The host system is expected to sync its data into these tables; this
// package only reads them. Running standalone (tests, demos) the schema is
// created empty on open.
package hostdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/merchkit/copurchase/internal/recompute"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
    product_id INTEGER PRIMARY KEY,
    live       BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS order_items (
    order_id   INTEGER NOT NULL,
    product_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS product_associations (
    source_product_id INTEGER NOT NULL,
    target_product_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS purchase_history (
    user_id    INTEGER NOT NULL,
    product_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS wish_list_items (
    user_id    INTEGER NOT NULL,
    product_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cart_items (
    cart_id    VARCHAR NOT NULL,
    product_id INTEGER NOT NULL
)`

// Config holds host data mirror settings.
type Config struct {
	// Path is the DuckDB file holding the synced commerce data, or
	// ":memory:" for an ephemeral database.
	Path string `koanf:"path"`
}

// DB reads the host commerce data mirror.
type DB struct {
	conn *sql.DB
}

// Open opens the mirror database and ensures the schema exists.
func Open(cfg Config) (*DB, error) {
	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create host data directory %s: %w", dir, err)
			}
		}
	}

	conn, err := sql.Open("duckdb", cfg.Path+"?autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		return nil, fmt.Errorf("open host database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize host schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Conn exposes the underlying connection for host-side sync tooling.
func (d *DB) Conn() *sql.DB { return d.conn }

// Close closes the database connection.
func (d *DB) Close() error { return d.conn.Close() }

// LiveProductIDs returns the deduplicated set of live catalog product ids.
func (d *DB) LiveProductIDs(ctx context.Context) ([]int, error) {
	return d.queryIDs(ctx,
		`SELECT DISTINCT product_id FROM products WHERE live ORDER BY product_id`)
}

// Orders returns historical orders reduced to their line-item product ids.
func (d *DB) Orders(ctx context.Context) ([]recompute.Order, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT order_id, product_id FROM order_items ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		orders  []recompute.Order
		current recompute.Order
		lastID  int
		started bool
	)
	for rows.Next() {
		var orderID, productID int
		if err := rows.Scan(&orderID, &productID); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}

		if started && orderID != lastID {
			orders = append(orders, current)
			current = recompute.Order{}
		}
		started = true
		lastID = orderID
		current.ProductIDs = append(current.ProductIDs, productID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	if started {
		orders = append(orders, current)
	}

	return orders, nil
}

// AssociationSourceIDs returns the source ids of catalog associations
// targeting productID.
func (d *DB) AssociationSourceIDs(ctx context.Context, productID int) ([]int, error) {
	return d.queryIDs(ctx,
		`SELECT source_product_id FROM product_associations WHERE target_product_id = ?`, productID)
}

// PurchaseHistoryProductIDs returns product ids from the user's past orders.
func (d *DB) PurchaseHistoryProductIDs(ctx context.Context, userID int) ([]int, error) {
	return d.queryIDs(ctx,
		`SELECT product_id FROM purchase_history WHERE user_id = ?`, userID)
}

// WishListProductIDs returns the user's current wish-list product ids.
func (d *DB) WishListProductIDs(ctx context.Context, userID int) ([]int, error) {
	return d.queryIDs(ctx,
		`SELECT product_id FROM wish_list_items WHERE user_id = ?`, userID)
}

// CartProductIDs returns the line-item product ids of a cart.
func (d *DB) CartProductIDs(ctx context.Context, cartID string) ([]int, error) {
	return d.queryIDs(ctx,
		`SELECT product_id FROM cart_items WHERE cart_id = ?`, cartID)
}

// queryIDs runs a single-integer-column query.
func (d *DB) queryIDs(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}

	return ids, nil
}
