// Package postgres stores readings and log entries in PostgreSQL
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/store"
	log "github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	id          BIGSERIAL PRIMARY KEY,
	temperature DOUBLE PRECISION NOT NULL,
	humidity    DOUBLE PRECISION NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sensor_readings_created_at ON sensor_readings (created_at DESC);
CREATE TABLE IF NOT EXISTS log_entries (
	id         BIGSERIAL PRIMARY KEY,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS log_entries_created_at ON log_entries (created_at DESC);
`

const (
	insertReading = `INSERT INTO sensor_readings (temperature, humidity, created_at) VALUES ($1, $2, $3) RETURNING id, created_at`

	insertLogEntry = `INSERT INTO log_entries (message, created_at) VALUES ($1, $2) RETURNING id, created_at`

	selectLatestReading = `SELECT id, temperature, humidity, created_at FROM sensor_readings ORDER BY created_at DESC, id DESC LIMIT 1`

	selectRecentLogs = `SELECT id, message, created_at FROM log_entries ORDER BY created_at DESC, id DESC LIMIT $1`
)

// Store persists to a PostgreSQL database through a connection pool
type Store struct {
	mu *sync.RWMutex

	url string

	capacity int

	pool *pgxpool.Pool

	log *log.Entry
}

// New returns an unconnected Store for the database at url
func New(url string, capacity int, logger *log.Entry) *Store {

	if capacity < 1 {
		capacity = store.DefaultLogCapacity
	}

	return &Store{
		mu:       &sync.RWMutex{},
		url:      url,
		capacity: capacity,
		log:      logger,
	}
}

// Connect creates the pool, checks the database is reachable, and
// creates the tables if needed
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return nil
	}

	pool, err := pgxpool.New(ctx, s.url)
	if err != nil {
		return fmt.Errorf("configure database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("database not reachable: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.pool = pool

	s.log.Info("connected to database")

	return nil
}

// Disconnect closes the pool
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil
	}

	s.pool.Close()
	s.pool = nil

	s.log.Info("disconnected from database")

	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, store.ErrNotConnected
	}

	return s.pool, nil
}

// SaveReading inserts r, returning it with the ID assigned by the database
func (s *Store) SaveReading(ctx context.Context, r models.Reading) (models.Reading, error) {

	pool, err := s.getPool()
	if err != nil {
		return r, err
	}

	err = pool.QueryRow(ctx, insertReading, r.Temperature, r.Humidity, r.CreatedAt).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return r, fmt.Errorf("insert reading: %w", err)
	}

	return r, nil
}

// SaveLogEntry inserts l, returning it with the ID assigned by the database
func (s *Store) SaveLogEntry(ctx context.Context, l models.LogEntry) (models.LogEntry, error) {

	pool, err := s.getPool()
	if err != nil {
		return l, err
	}

	err = pool.QueryRow(ctx, insertLogEntry, l.Message, l.CreatedAt).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return l, fmt.Errorf("insert log entry: %w", err)
	}

	return l, nil
}

// GetState reads the latest reading and recent log inside one
// repeatable-read transaction so both come from the same snapshot
func (s *Store) GetState(ctx context.Context) (models.State, error) {

	pool, err := s.getPool()
	if err != nil {
		return models.State{}, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.State{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var latest *models.Reading

	var r models.Reading
	err = tx.QueryRow(ctx, selectLatestReading).Scan(&r.ID, &r.Temperature, &r.Humidity, &r.CreatedAt)

	switch {
	case err == nil:
		latest = &r
	case err == pgx.ErrNoRows:
	default:
		return models.State{}, fmt.Errorf("select latest reading: %w", err)
	}

	rows, err := tx.Query(ctx, selectRecentLogs, s.capacity)
	if err != nil {
		return models.State{}, fmt.Errorf("select log entries: %w", err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LogEntry, error) {
		var l models.LogEntry
		err := row.Scan(&l.ID, &l.Message, &l.CreatedAt)
		return l, err
	})

	if err != nil {
		return models.State{}, fmt.Errorf("scan log entries: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.State{}, fmt.Errorf("commit: %w", err)
	}

	return models.NewState(latest, logs), nil
}
