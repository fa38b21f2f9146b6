// Package store defines the persistence contract used by the station.
// Engines live in the memory, badger and postgres sub-packages.
package store

import (
	"context"
	"errors"

	"github.com/practable/envmon/internal/models"
)

// DefaultLogCapacity is the number of log entries included in a State
const DefaultLogCapacity = 100

// ErrNotConnected is returned when an engine is used before Connect
var ErrNotConnected = errors.New("store not connected")

// Store persists readings and log entries, and assembles State snapshots
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// SaveReading returns the reading as persisted, e.g. with its ID set
	SaveReading(ctx context.Context, r models.Reading) (models.Reading, error)

	// SaveLogEntry returns the entry as persisted
	SaveLogEntry(ctx context.Context, l models.LogEntry) (models.LogEntry, error)

	// GetState returns the latest reading and recent log entries from a
	// single consistent read
	GetState(ctx context.Context) (models.State, error)
}
