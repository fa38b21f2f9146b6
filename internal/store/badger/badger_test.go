package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ store.Store = (*Store)(nil)

func newTestStore(t *testing.T, config Config) *Store {
	logger, _ := test.NewNullLogger()
	s := New(config, logrus.NewEntry(logger))
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return s
}

func TestNotConnected(t *testing.T) {

	logger, _ := test.NewNullLogger()
	s := New(Config{InMemory: true}, logrus.NewEntry(logger))
	ctx := context.Background()

	_, err := s.SaveReading(ctx, models.Reading{})
	assert.Equal(t, store.ErrNotConnected, err)

	_, err = s.GetState(ctx)
	assert.Equal(t, store.ErrNotConnected, err)

	assert.NoError(t, s.Disconnect(ctx))
}

func TestPathRequired(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(Config{}, logrus.NewEntry(logger))
	assert.Error(t, s.Connect(context.Background()))
}

func TestEmptyState(t *testing.T) {

	s := newTestStore(t, Config{InMemory: true})

	state, err := s.GetState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state.Temperature)
	assert.Equal(t, []models.LogEntry{}, state.Logs)
}

func TestSaveAndState(t *testing.T) {

	s := newTestStore(t, Config{InMemory: true, LogCapacity: 3})
	ctx := context.Background()

	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		r, err := s.SaveReading(ctx, models.Reading{Temperature: float64(20 + i), Humidity: 50, CreatedAt: at.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), r.ID)
	}

	for i := 0; i < 5; i++ {
		l, err := s.SaveLogEntry(ctx, models.LogEntry{Message: fmt.Sprintf("msg %d", i), CreatedAt: at})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), l.ID)
	}

	state, err := s.GetState(ctx)
	require.NoError(t, err)

	require.NotNil(t, state.Temperature)
	assert.Equal(t, 22.0, *state.Temperature)
	assert.True(t, at.Add(2*time.Second).Equal(*state.UpdatedAt))

	require.Equal(t, 3, len(state.Logs))
	assert.Equal(t, "msg 4", state.Logs[0].Message)
	assert.Equal(t, int64(5), state.Logs[0].ID)
	assert.Equal(t, "msg 2", state.Logs[2].Message)
}

func TestPersistsAcrossReconnect(t *testing.T) {

	dir := t.TempDir()
	ctx := context.Background()

	logger, _ := test.NewNullLogger()
	s := New(Config{Path: dir}, logrus.NewEntry(logger))
	require.NoError(t, s.Connect(ctx))

	_, err := s.SaveReading(ctx, models.Reading{Temperature: 18.5, Humidity: 70, CreatedAt: time.Now()})
	require.NoError(t, err)
	_, err = s.SaveLogEntry(ctx, models.LogEntry{Message: "pump started", CreatedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.Disconnect(ctx))
	require.NoError(t, s.Connect(ctx))
	defer s.Disconnect(ctx)

	state, err := s.GetState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Temperature)
	assert.Equal(t, 18.5, *state.Temperature)
	require.Equal(t, 1, len(state.Logs))
	assert.Equal(t, "pump started", state.Logs[0].Message)

	// IDs carry on from where they left off
	r, err := s.SaveReading(ctx, models.Reading{Temperature: 19})
	require.NoError(t, err)
	assert.True(t, r.ID > 1)
}
