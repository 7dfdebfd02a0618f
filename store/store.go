// Package store defines the aggregate persistence interface. Each
// subsystem (job, result) defines its own store interface; the composite
// Store composes them. Backends: SQLite (durable, single-node default),
// Redis, and Memory.
package store

import (
	"context"

	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store plus lifecycle operations. Writes are
// flushed before they return: a state transition is committed only once
// its write has succeeded, and concurrent readers see either the pre- or
// post-write value, never a partial one.
type Store interface {
	job.Store
	result.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
