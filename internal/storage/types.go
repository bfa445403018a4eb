package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorruptState is returned by Load when the persisted schedule cannot be
// parsed. Callers continue with an empty mapping.
var ErrCorruptState = errors.New("schedule state corrupt")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the schedule persistence API used by the scheduler.
type Store interface {
	// Load returns every persisted group and its next due time.
	Load(ctx context.Context) (map[string]time.Time, error)
	Get(ctx context.Context, groupID string) (nextDue time.Time, ok bool, err error)
	// Put durably records nextDue for groupID before returning.
	Put(ctx context.Context, groupID string, nextDue time.Time) error
	Delete(ctx context.Context, groupID string) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot file (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
