package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	subscribed   []string
	published    []published
	disconnected bool
}

func (f *fakeClient) Connect() paho.Token { return newToken(f.connectErr) }

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: payload.([]byte)})
	return newToken(nil)
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return newToken(nil)
}

func newTestBridge(fc *fakeClient) (*Bridge, *bus.Bus) {
	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)
	b := bus.New(entry)
	br := New(Config{Broker: "tcp://127.0.0.1:1883", Prefix: "lab"}, b, entry)
	br.client = fc
	return br, b
}

func TestRelaysBusEvents(t *testing.T) {

	fc := &fakeClient{}
	br, b := newTestBridge(fc)

	require.NoError(t, br.Connect(context.Background()))
	assert.Equal(t, []string{"lab/pump"}, fc.subscribed)

	bus.Publish(b, models.SensorData, models.Reading{Temperature: 19.5, Humidity: 55})
	bus.Publish(b, models.LogEntries, models.LogEntry{Message: "hello"})

	require.Equal(t, 2, len(fc.published))
	assert.Equal(t, "lab/reading", fc.published[0].topic)
	assert.Equal(t, "lab/log", fc.published[1].topic)

	var r models.Reading
	require.NoError(t, json.Unmarshal(fc.published[0].payload, &r))
	assert.Equal(t, 19.5, r.Temperature)

	br.Close()
	assert.True(t, fc.disconnected)

	bus.Publish(b, models.SensorData, models.Reading{})
	assert.Equal(t, 2, len(fc.published))
}

func TestConnectFails(t *testing.T) {

	fc := &fakeClient{connectErr: errors.New("refused")}
	br, b := newTestBridge(fc)

	assert.Error(t, br.Connect(context.Background()))
	assert.Equal(t, 0, b.Count(models.SensorData.Name()))
}

func TestPumpCommands(t *testing.T) {

	br, b := newTestBridge(&fakeClient{})

	var got []models.PumpCommand
	bus.Subscribe(b, models.PumpActivate, func(p models.PumpCommand) error {
		got = append(got, p)
		return nil
	})

	br.handlePump([]byte("12"))
	br.handlePump([]byte("1"))
	br.handlePump([]byte("40"))
	br.handlePump([]byte("soon"))
	br.handlePump([]byte(" 2 "))

	assert.Equal(t, []models.PumpCommand{{Time: 12}, {Time: 2}}, got)
}

func TestDefaults(t *testing.T) {
	logger, _ := test.NewNullLogger()
	entry := logrus.NewEntry(logger)
	br := New(Config{Broker: "tcp://127.0.0.1:1883"}, bus.New(entry), entry)
	assert.Equal(t, "envmon/reading", br.Topic("reading"))
	assert.Contains(t, br.config.ClientID, "envmon-")
}
