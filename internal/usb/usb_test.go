package usb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort reads what the test writes to device, and records what the link writes
type fakePort struct {
	r *io.PipeReader

	mu      sync.Mutex
	written bytes.Buffer
	failErr error
	closes  int
}

func (f *fakePort) Read(p []byte) (int, error) {
	return f.r.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return 0, f.failErr
	}
	return f.written.Write(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return f.r.Close()
}

func (f *fakePort) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

type recorder struct {
	mu       sync.Mutex
	readings []models.Reading
	logs     []models.LogEntry
}

func (r *recorder) Readings() []models.Reading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Reading{}, r.readings...)
}

func (r *recorder) Logs() []models.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LogEntry{}, r.logs...)
}

func setup(t *testing.T) (*USB, *fakePort, *io.PipeWriter, *recorder) {

	logger, _ := test.NewNullLogger()
	b := bus.New(logrus.NewEntry(logger))

	rec := &recorder{}

	bus.Subscribe(b, models.SensorData, func(r models.Reading) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.readings = append(rec.readings, r)
		return nil
	})
	bus.Subscribe(b, models.LogEntries, func(l models.LogEntry) error {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.logs = append(rec.logs, l)
		return nil
	})

	pr, pw := io.Pipe()
	port := &fakePort{r: pr}

	u := New(logrus.NewEntry(logger), b).WithOpener(func(name string, baud int) (io.ReadWriteCloser, error) {
		assert.Equal(t, "/dev/ttyTEST", name)
		assert.Equal(t, 9600, baud)
		return port, nil
	})

	require.NoError(t, u.Open("/dev/ttyTEST", 9600))

	return u, port, pw, rec
}

func TestOpenFailure(t *testing.T) {

	logger, hook := test.NewNullLogger()
	b := bus.New(logrus.NewEntry(logger))

	u := New(logrus.NewEntry(logger), b).WithOpener(func(name string, baud int) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such file or directory")
	})

	err := u.Open("/dev/missing", 9600)

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, "open", ioe.Op)
	assert.Equal(t, "/dev/missing", ioe.Port)
	assert.Equal(t, "failed to open usb port", hook.LastEntry().Message)

	// writes fail cleanly on an unopened link
	err = u.Write("10")
	assert.True(t, errors.Is(err, ErrClosed))

	// close is harmless
	assert.NoError(t, u.Close())
}

func TestOpenTwice(t *testing.T) {
	u, _, _, _ := setup(t)
	assert.Error(t, u.Open("/dev/ttyTEST", 9600))
	u.Close()
}

func TestRunPublishes(t *testing.T) {

	u, _, pw, rec := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	// lines arrive in arbitrary chunks
	for _, chunk := range []string{"t:23", ".5,h:6", "1\r\npump st", "arted\n", "\n", "t:1,h:"} {
		_, err := pw.Write([]byte(chunk))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return len(rec.Readings()) == 1 && len(rec.Logs()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 23.5, rec.Readings()[0].Temperature)
	assert.Equal(t, 61.0, rec.Readings()[0].Humidity)
	assert.Equal(t, "pump started", rec.Logs()[0].Message)

	// the incomplete line must not have been parsed
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, len(rec.Readings()))
	assert.Equal(t, 1, len(rec.Logs()))

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, u.IsClosed())
}

func TestRunReadFailureClosesLink(t *testing.T) {

	u, port, pw, _ := setup(t)

	done := make(chan struct{})
	go func() {
		u.Run(context.Background())
		close(done)
	}()

	pw.CloseWithError(errors.New("device unplugged"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after read failure")
	}

	assert.True(t, u.IsClosed())

	err := u.Write("10")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, "", port.Written())
}

func TestWrite(t *testing.T) {

	u, port, _, _ := setup(t)

	require.NoError(t, u.Write("10"))
	assert.Equal(t, "10\n", port.Written())

	require.NoError(t, u.Write(models.PumpCommand{Time: 32}.String()))
	assert.Equal(t, "10\n32\n", port.Written())

	u.Close()
}

func TestWriteFailure(t *testing.T) {

	u, port, _, _ := setup(t)

	port.failErr = errors.New("i/o error")

	err := u.Write("10")

	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, "write", ioe.Op)
	assert.False(t, u.IsClosed(), "a write failure is not fatal to the link")

	port.failErr = nil
	assert.NoError(t, u.Write("5"))
	assert.Equal(t, "5\n", port.Written())

	u.Close()
}

func TestCloseIdempotent(t *testing.T) {

	u, port, _, _ := setup(t)

	assert.NoError(t, u.Close())
	assert.NoError(t, u.Close())

	port.mu.Lock()
	assert.Equal(t, 1, port.closes)
	port.mu.Unlock()

	err := u.Write("10")
	assert.True(t, errors.Is(err, ErrClosed))
}
