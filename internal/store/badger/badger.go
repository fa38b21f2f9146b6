// Package badger is an embedded, on-disk store for readings and log entries
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/store"
	log "github.com/sirupsen/logrus"
)

// key prefixes; keys are prefix + big-endian ID so iteration is in
// insertion order
var (
	readingPrefix = []byte("reading/")
	logPrefix     = []byte("log/")
	readingSeq    = []byte("seq/reading")
	logSeq        = []byte("seq/log")
)

// how many IDs to lease from the sequence at a time
const seqBandwidth = 100

// Config represents the options for a badger store
type Config struct {
	// Path of the database directory, ignored if InMemory
	Path string

	// InMemory keeps everything in memory, e.g. for tests
	InMemory bool

	// LogCapacity is the number of log entries included in a State
	LogCapacity int
}

// Store persists to a badger database
type Store struct {
	mu *sync.RWMutex

	config Config

	db *badger.DB

	readings, logs *badger.Sequence

	log *log.Entry
}

// New returns an unconnected Store
func New(config Config, logger *log.Entry) *Store {

	if config.LogCapacity < 1 {
		config.LogCapacity = store.DefaultLogCapacity
	}

	return &Store{
		mu:     &sync.RWMutex{},
		config: config,
		log:    logger,
	}
}

// Connect opens the database
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	var opts badger.Options

	if s.config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if s.config.Path == "" {
			return errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(s.config.Path, 0750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.config.Path, err)
		}
		opts = badger.DefaultOptions(s.config.Path)
	}

	// logrus.Entry satisfies badger.Logger
	opts = opts.WithLogger(s.log)

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}

	readings, err := db.GetSequence(readingSeq, seqBandwidth)
	if err != nil {
		db.Close()
		return fmt.Errorf("get reading sequence: %w", err)
	}

	logs, err := db.GetSequence(logSeq, seqBandwidth)
	if err != nil {
		readings.Release()
		db.Close()
		return fmt.Errorf("get log sequence: %w", err)
	}

	s.db, s.readings, s.logs = db, readings, logs

	s.log.WithFields(log.Fields{"path": s.config.Path, "in_memory": s.config.InMemory}).Info("connected to badger store")

	return nil
}

// Disconnect releases the sequences and closes the database
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	var errs []error

	if err := s.readings.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.logs.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	s.db = nil

	s.log.Info("disconnected from badger store")

	return errors.Join(errs...)
}

func key(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func (s *Store) put(seq *badger.Sequence, prefix []byte, set func(id int64) interface{}) (int64, error) {

	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}

	// sequences start at zero
	id := int64(n) + 1

	value, err := json.Marshal(set(id))
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefix, id), value)
	})

	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}

	return id, nil
}

// SaveReading stores r with a new ID
func (s *Store) SaveReading(ctx context.Context, r models.Reading) (models.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return r, store.ErrNotConnected
	}

	id, err := s.put(s.readings, readingPrefix, func(id int64) interface{} {
		r.ID = id
		return r
	})

	if err != nil {
		return r, fmt.Errorf("save reading: %w", err)
	}

	r.ID = id

	return r, nil
}

// SaveLogEntry stores l with a new ID
func (s *Store) SaveLogEntry(ctx context.Context, l models.LogEntry) (models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return l, store.ErrNotConnected
	}

	id, err := s.put(s.logs, logPrefix, func(id int64) interface{} {
		l.ID = id
		return l
	})

	if err != nil {
		return l, fmt.Errorf("save log entry: %w", err)
	}

	l.ID = id

	return l, nil
}

// newest calls fn for up to limit values under prefix, newest first
func newest(txn *badger.Txn, prefix []byte, limit int, fn func([]byte) error) error {

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchSize = limit

	it := txn.NewIterator(opts)
	defer it.Close()

	// seek past the largest possible key under prefix
	seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)

	count := 0

	for it.Seek(seek); it.ValidForPrefix(prefix) && count < limit; it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
		count++
	}

	return nil
}

// GetState reads the latest reading and recent log inside one transaction
func (s *Store) GetState(ctx context.Context) (models.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return models.State{}, store.ErrNotConnected
	}

	var latest *models.Reading
	logs := []models.LogEntry{}

	err := s.db.View(func(txn *badger.Txn) error {

		err := newest(txn, readingPrefix, 1, func(v []byte) error {
			var r models.Reading
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			latest = &r
			return nil
		})

		if err != nil {
			return err
		}

		return newest(txn, logPrefix, s.config.LogCapacity, func(v []byte) error {
			var l models.LogEntry
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			logs = append(logs, l)
			return nil
		})
	})

	if err != nil {
		return models.State{}, fmt.Errorf("get state: %w", err)
	}

	return models.NewState(latest, logs), nil
}
