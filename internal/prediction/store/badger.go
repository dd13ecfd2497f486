// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/merchkit/copurchase/internal/prediction"
)

// Key layout for BadgerDB storage. The full prediction set is serialized as
// one snapshot blob under a versioned key; "current" points at the live
// version. Replacement writes the new blob and repoints "current" in one
// transaction, so readers see either the old or the new set, never a mix.
const (
	badgerCurrentKey        = "predictions:current"
	badgerSnapshotKeyPrefix = "predictions:snapshot:"
)

// BadgerBackend persists predictions in an embedded BadgerDB store.
type BadgerBackend struct {
	db    *badger.DB
	owned bool
}

// BadgerConfig holds Badger backend settings.
type BadgerConfig struct {
	// Dir is the on-disk data directory. Empty selects in-memory mode,
	// useful for tests.
	Dir string `koanf:"dir"`
}

// NewBadger opens an embedded BadgerDB store at cfg.Dir.
func NewBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	return &BadgerBackend{db: db, owned: true}, nil
}

// NewBadgerWithDB wraps an existing BadgerDB handle shared with other
// subsystems. Close becomes a no-op; the owner closes the handle.
func NewBadgerWithDB(db *badger.DB) *BadgerBackend {
	return &BadgerBackend{db: db}
}

// Name implements Backend.
func (b *BadgerBackend) Name() string { return "badger" }

// LoadAll reads the current snapshot blob. A store with no snapshot yet
// yields an empty set.
func (b *BadgerBackend) LoadAll(ctx context.Context) ([]prediction.Prediction, error) {
	var preds []prediction.Prediction

	err := b.db.View(func(txn *badger.Txn) error {
		snap, err := currentSnapshot(txn)
		if err != nil {
			return err
		}
		preds = snap
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return preds, nil
}

// ReplaceAll writes the new set as a fresh versioned blob and swaps the
// current pointer atomically, dropping the superseded blob.
func (b *BadgerBackend) ReplaceAll(ctx context.Context, preds []prediction.Prediction) error {
	data, err := json.Marshal(preds)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	version := uuid.NewString()

	err = b.db.Update(func(txn *badger.Txn) error {
		old, err := currentVersion(txn)
		if err != nil {
			return err
		}

		if err := txn.Set([]byte(badgerSnapshotKeyPrefix+version), data); err != nil {
			return fmt.Errorf("set snapshot: %w", err)
		}
		if err := txn.Set([]byte(badgerCurrentKey), []byte(version)); err != nil {
			return fmt.Errorf("set current pointer: %w", err)
		}

		if old != "" {
			if err := txn.Delete([]byte(badgerSnapshotKeyPrefix + old)); err != nil {
				return fmt.Errorf("drop superseded snapshot: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

// Upsert rewrites the snapshot with the pair created or updated in place.
func (b *BadgerBackend) Upsert(ctx context.Context, pred prediction.Prediction) error {
	return b.rewrite(ctx, func(preds []prediction.Prediction) []prediction.Prediction {
		for i, p := range preds {
			if p.ProductID == pred.ProductID && p.CoPurchaseProductID == pred.CoPurchaseProductID {
				preds[i].Score = pred.Score
				return preds
			}
		}
		return append(preds, pred)
	})
}

// DeleteProduct rewrites the snapshot without any pair referencing
// productID as either source or target.
func (b *BadgerBackend) DeleteProduct(ctx context.Context, productID int) error {
	return b.rewrite(ctx, func(preds []prediction.Prediction) []prediction.Prediction {
		kept := preds[:0]
		for _, p := range preds {
			if p.ProductID != productID && p.CoPurchaseProductID != productID {
				kept = append(kept, p)
			}
		}
		return kept
	})
}

// Close closes the store when this backend owns the handle.
func (b *BadgerBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

// rewrite applies mutate to the current set and publishes the result with
// the same versioned-swap discipline as ReplaceAll.
func (b *BadgerBackend) rewrite(ctx context.Context, mutate func([]prediction.Prediction) []prediction.Prediction) error {
	preds, err := b.LoadAll(ctx)
	if err != nil {
		return err
	}
	return b.ReplaceAll(ctx, mutate(preds))
}

// currentVersion reads the live snapshot version, or "" when none exists.
func currentVersion(txn *badger.Txn) (string, error) {
	item, err := txn.Get([]byte(badgerCurrentKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get current pointer: %w", err)
	}

	var version string
	err = item.Value(func(val []byte) error {
		version = string(val)
		return nil
	})
	return version, err
}

// currentSnapshot reads and decodes the live snapshot blob.
func currentSnapshot(txn *badger.Txn) ([]prediction.Prediction, error) {
	version, err := currentVersion(txn)
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, nil
	}

	item, err := txn.Get([]byte(badgerSnapshotKeyPrefix + version))
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", version, err)
	}

	var preds []prediction.Prediction
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &preds)
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	return preds, nil
}
