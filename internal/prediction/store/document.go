// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/merchkit/copurchase/internal/prediction"
)

// DocumentBackend persists the whole prediction set as one serialized JSON
// document in blob storage. Replacement writes a sibling temp file and
// renames it over the live document, which is atomic on POSIX filesystems,
// so readers never observe a partially written set.
type DocumentBackend struct {
	path string
	mu   sync.Mutex
}

// DocumentConfig holds document backend settings.
type DocumentConfig struct {
	// Path is the location of the predictions document.
	Path string `koanf:"path"`
}

// NewDocument creates a document backend rooted at cfg.Path. The document
// itself is created on first replacement; a missing document reads as an
// empty set.
func NewDocument(cfg DocumentConfig) (*DocumentBackend, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create document directory %s: %w", dir, err)
		}
	}

	return &DocumentBackend{path: cfg.Path}, nil
}

// Name implements Backend.
func (b *DocumentBackend) Name() string { return "document" }

// LoadAll decodes the live document. A missing document yields an empty set.
func (b *DocumentBackend) LoadAll(ctx context.Context) ([]prediction.Prediction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked()
}

// ReplaceAll writes the new set to a temp file and renames it into place.
func (b *DocumentBackend) ReplaceAll(ctx context.Context, preds []prediction.Prediction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked(preds)
}

// Upsert rewrites the document with the pair created or updated in place.
func (b *DocumentBackend) Upsert(ctx context.Context, pred prediction.Prediction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	preds, err := b.readLocked()
	if err != nil {
		return err
	}

	updated := false
	for i, p := range preds {
		if p.ProductID == pred.ProductID && p.CoPurchaseProductID == pred.CoPurchaseProductID {
			preds[i].Score = pred.Score
			updated = true
			break
		}
	}
	if !updated {
		preds = append(preds, pred)
	}

	return b.writeLocked(preds)
}

// DeleteProduct rewrites the document without any pair referencing
// productID as either source or target.
func (b *DocumentBackend) DeleteProduct(ctx context.Context, productID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	preds, err := b.readLocked()
	if err != nil {
		return err
	}

	kept := preds[:0]
	for _, p := range preds {
		if p.ProductID != productID && p.CoPurchaseProductID != productID {
			kept = append(kept, p)
		}
	}

	return b.writeLocked(kept)
}

// Close implements Backend. The document backend holds no open resources.
func (b *DocumentBackend) Close() error { return nil }

func (b *DocumentBackend) readLocked() ([]prediction.Prediction, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	var preds []prediction.Prediction
	if err := json.Unmarshal(data, &preds); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return preds, nil
}

func (b *DocumentBackend) writeLocked(preds []prediction.Prediction) error {
	if preds == nil {
		preds = []prediction.Prediction{}
	}

	data, err := json.Marshal(preds)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp document: %w", err)
	}

	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish document: %w", err)
	}
	return nil
}
