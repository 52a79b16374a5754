// Package querywalker implements a restartable, in-memory watermark
// cursor over a filtered database table: starting from a (caller-
// chosen) row, it returns successive batches of rows ordered by id,
// wrapping back to the beginning once it runs past the end. Grounded
// on original_source/alpenhorn/querywalker.py.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package querywalker

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidN is returned by Get when n < 1.
var ErrInvalidN = errors.New("querywalker: n must be positive")

// ErrNoResults is returned when the underlying query stops producing
// any rows at all, including after wrapping to the beginning.
var ErrNoResults = errors.New("querywalker: query produced no results")

// Row is one record the walker can track a position by.
type Row interface {
	// RowID returns this row's primary key. The walker assumes rows
	// are ordered by RowID ascending within the underlying query.
	RowID() int64
}

// Fetcher returns up to limit rows matching the walker's filter with
// id >= minID, ordered by id ascending. minID == 0 fetches from the
// beginning of the filtered set.
type Fetcher func(ctx context.Context, minID int64, limit int) ([]Row, error)

// SeedFunc returns the id of the row the walker should start at. The
// caller typically implements this as "pick one matching row at
// random," per the original's starting-position policy.
type SeedFunc func(ctx context.Context) (int64, error)

// Walker is a restartable cursor over a Fetcher's result set.
type Walker struct {
	mu     sync.Mutex
	fetch  Fetcher
	nextID int64
}

// New seeds a Walker's starting position via seed and returns it.
func New(ctx context.Context, seed SeedFunc, fetch Fetcher) (*Walker, error) {
	id, err := seed(ctx)
	if err != nil {
		return nil, err
	}
	return &Walker{fetch: fetch, nextID: id}, nil
}

// NewAt returns a Walker that starts at the given row id, skipping the
// random-seed step (useful for tests and for resuming a known cursor).
func NewAt(fetch Fetcher, startID int64) *Walker {
	return &Walker{fetch: fetch, nextID: startID}
}

// Get retrieves n items from the current position, wrapping around to
// the beginning of the filtered set when it runs past the end. If n
// exceeds the number of matching rows, some rows are returned more
// than once, matching the original's "loops, duplicating if n is too
// large" behavior.
func (w *Walker) Get(ctx context.Context, n int) ([]Row, error) {
	if n < 1 {
		return nil, ErrInvalidN
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	items, err := w.fetch(ctx, w.nextID, n)
	if err != nil {
		return nil, err
	}

	remaining := n - len(items)
	for remaining > 0 {
		more, err := w.fetch(ctx, 0, remaining)
		if err != nil {
			return nil, err
		}
		if len(more) == 0 {
			return nil, ErrNoResults
		}
		items = append(items, more...)
		remaining -= len(more)
	}

	w.nextID = items[len(items)-1].RowID() + 1
	return items, nil
}
