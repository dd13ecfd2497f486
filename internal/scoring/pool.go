// Copurchase - Co-Purchase Prediction and Recommendation Service
// Copyright 2026 Merchkit Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/merchkit/copurchase

package scoring

import (
	"context"
	"fmt"
	"runtime"
)

// Pool is a fixed-capacity free-list of Scorers over one Model. Acquire
// hands out an idle scorer, constructs a new one while under capacity, and
// blocks once capacity is reached until a scorer is released. A scorer is
// never held by two concurrent callers between Acquire and Release.
type Pool struct {
	model    Model
	capacity int

	free chan Scorer   // released scorers awaiting reuse
	slot chan struct{} // one token per constructed scorer
}

// NewPool creates a pool over model. capacity <= 0 selects the default of
// twice the available parallelism.
func NewPool(model Model, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 2 * runtime.GOMAXPROCS(0)
	}

	return &Pool{
		model:    model,
		capacity: capacity,
		free:     make(chan Scorer, capacity),
		slot:     make(chan struct{}, capacity),
	}
}

// Capacity returns the maximum number of live scorers.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire returns a scorer for exclusive use by the caller. It prefers an
// idle scorer, constructs a fresh one while under capacity, and otherwise
// blocks until Release or ctx cancellation. A construction failure is fatal
// to the caller; the pool slot is returned so later acquires can retry.
func (p *Pool) Acquire(ctx context.Context) (Scorer, error) {
	select {
	case s := <-p.free:
		return s, nil
	default:
	}

	select {
	case p.slot <- struct{}{}:
		s, err := p.model.NewScorer()
		if err != nil {
			<-p.slot
			return nil, fmt.Errorf("construct scorer: %w", err)
		}
		return s, nil
	default:
	}

	select {
	case s := <-p.free:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a scorer to the pool for reuse. The caller must not use
// the scorer after releasing it.
func (p *Pool) Release(s Scorer) {
	if s == nil {
		return
	}

	select {
	case p.free <- s:
	default:
		// Foreign scorer beyond capacity; discard and free its slot if any.
		select {
		case <-p.slot:
		default:
		}
	}
}
