// Package memory is a volatile store holding the latest reading and a
// bounded log history
package memory

import (
	"context"
	"sync"

	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/ring"
	"github.com/practable/envmon/internal/store"
)

// Store keeps the latest reading and the most recent log entries
type Store struct {
	mu *sync.RWMutex

	connected bool

	latest *models.Reading

	logs *ring.Ring[models.LogEntry]

	// last issued IDs
	readingID, logID int64
}

// New returns a Store retaining up to capacity log entries
func New(capacity int) *Store {
	return &Store{
		mu:   &sync.RWMutex{},
		logs: ring.New[models.LogEntry](capacity),
	}
}

// Connect marks the store ready for use
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect marks the store closed; contents are kept
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// SaveReading records r as the latest reading
func (s *Store) SaveReading(ctx context.Context, r models.Reading) (models.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return r, store.ErrNotConnected
	}

	s.readingID++
	r.ID = s.readingID
	latest := r
	s.latest = &latest

	return r, nil
}

// SaveLogEntry appends l to the log history, evicting the oldest if full
func (s *Store) SaveLogEntry(ctx context.Context, l models.LogEntry) (models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return l, store.ErrNotConnected
	}

	s.logID++
	l.ID = s.logID
	s.logs.Push(l)

	return l, nil
}

// GetState returns the latest reading and log history, newest first
func (s *Store) GetState(ctx context.Context) (models.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.connected {
		return models.State{}, store.ErrNotConnected
	}

	return models.NewState(s.latest, s.logs.Newest()), nil
}
