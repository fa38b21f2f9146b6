// Package mqtt bridges the event bus to an MQTT broker. Readings and log
// entries are published as JSON; pump commands are accepted on
// <prefix>/pump.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	log "github.com/sirupsen/logrus"
)

// DefaultPrefix is the topic prefix used when none is given
const DefaultPrefix = "envmon"

// the subset of paho.Client used here
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Config represents the options for a Bridge
type Config struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883
	Broker string

	// Prefix is prepended to every topic
	Prefix string

	// ClientID defaults to envmon-<uuid>
	ClientID string

	// Timeout bounds connect, subscribe and publish
	Timeout time.Duration
}

// Bridge relays between the bus and a broker
type Bridge struct {
	mu *sync.Mutex

	config Config

	client client

	bus *bus.Bus

	handles []bus.Handle

	log *log.Entry
}

// New returns a Bridge for the configured broker; call Connect to start it
func New(config Config, b *bus.Bus, logger *log.Entry) *Bridge {

	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}

	if config.ClientID == "" {
		config.ClientID = "envmon-" + uuid.New().String()
	}

	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	opts := paho.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(config.Timeout)

	br := &Bridge{
		mu:     &sync.Mutex{},
		config: config,
		bus:    b,
		log:    logger,
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		br.log.WithField("error", err.Error()).Warn("mqtt connection lost")
	})

	br.client = paho.NewClient(opts)

	return br
}

// Topic returns the full topic for name
func (br *Bridge) Topic(name string) string {
	return fmt.Sprintf("%s/%s", br.config.Prefix, name)
}

func wait(ctx context.Context, t paho.Token, timeout time.Duration) error {

	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New("timed out")
	}
}

// Connect connects to the broker, subscribes to pump commands and starts
// relaying bus events
func (br *Bridge) Connect(ctx context.Context) error {

	if err := wait(ctx, br.client.Connect(), br.config.Timeout); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", br.config.Broker, err)
	}

	topic := br.Topic("pump")

	handler := func(_ paho.Client, m paho.Message) {
		br.handlePump(m.Payload())
	}

	if err := wait(ctx, br.client.Subscribe(topic, 1, handler), br.config.Timeout); err != nil {
		br.client.Disconnect(250)
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	br.mu.Lock()
	br.handles = append(br.handles,
		bus.Subscribe(br.bus, models.SensorData, func(r models.Reading) error {
			return br.publish("reading", r)
		}),
		bus.Subscribe(br.bus, models.LogEntries, func(l models.LogEntry) error {
			return br.publish("log", l)
		}),
	)
	br.mu.Unlock()

	br.log.WithFields(log.Fields{"broker": br.config.Broker, "prefix": br.config.Prefix}).Info("mqtt bridge connected")

	return nil
}

// publish sends v as JSON without waiting for the broker
func (br *Bridge) publish(name string, v interface{}) error {

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	topic := br.Topic(name)

	t := br.client.Publish(topic, 0, false, data)

	go func() {
		if err := wait(context.Background(), t, br.config.Timeout); err != nil {
			br.log.WithFields(log.Fields{"topic": topic, "error": err.Error()}).Debug("mqtt publish failed")
		}
	}()

	return nil
}

// handlePump publishes a pump command for a valid payload
func (br *Bridge) handlePump(payload []byte) {

	p, err := models.ParsePumpCommand(string(payload))
	if err != nil {
		br.log.WithField("payload", string(payload)).Warn("ignoring invalid mqtt pump command")
		return
	}

	br.log.WithField("time", p.Time).Debug("mqtt pump command")

	bus.Publish(br.bus, models.PumpActivate, p)
}

// Close stops relaying and disconnects
func (br *Bridge) Close() {

	br.mu.Lock()
	handles := br.handles
	br.handles = nil
	br.mu.Unlock()

	for _, h := range handles {
		br.bus.Unsubscribe(h)
	}

	br.client.Disconnect(250)
}
