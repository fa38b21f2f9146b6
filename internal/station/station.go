// Package station wires the device link, event bus, store, live hub and
// HTTP surface together, and owns their startup and shutdown order.
package station

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/practable/envmon/internal/access"
	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/hub"
	"github.com/practable/envmon/internal/logsink"
	"github.com/practable/envmon/internal/metrics"
	"github.com/practable/envmon/internal/models"
	"github.com/practable/envmon/internal/mqtt"
	"github.com/practable/envmon/internal/session"
	"github.com/practable/envmon/internal/store"
	"github.com/practable/envmon/internal/usb"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// ErrStarted is returned by Start if the station was already started
var ErrStarted = errors.New("station already started")

// Config represents the options for a station
type Config struct {
	SerialPort string

	SerialBaud int

	// Listen is the HTTP listen address, e.g. :3000
	Listen string

	// Password protects the HTTP surface; empty disables login
	Password string

	// WsPath is where live clients connect
	WsPath string

	// RefreshEvery enables periodic full-state pushes when > 0
	RefreshEvery time.Duration

	// PersistTimeout bounds each save
	PersistTimeout time.Duration

	// ConnectAttempts is how many times to try connecting the store
	ConnectAttempts int

	// ShutdownTimeout bounds the graceful HTTP shutdown
	ShutdownTimeout time.Duration

	StaticDir string

	// MQTT bridge, disabled when MQTT.Broker is empty
	MQTT mqtt.Config
}

// Deps are the collaborators supplied by the caller
type Deps struct {
	Store store.Store

	// Opener opens the serial port; nil uses usb.SerialOpener
	Opener usb.Opener

	// Registry collects metrics; nil creates one
	Registry *prometheus.Registry

	// Logger is the root logger
	Logger *log.Logger
}

// Station is the running monitor
type Station struct {
	config Config

	store store.Store

	bus *bus.Bus

	usb *usb.USB

	hub *hub.Hub

	sessions *session.Store

	metrics *metrics.Metrics

	bridge *mqtt.Bridge

	server *http.Server

	listener net.Listener

	handles []bus.Handle

	// readings and logs move persistence off the publishing goroutine
	readings *flow[models.Reading]

	logs *flow[models.LogEntry]

	cancel context.CancelFunc

	wg sync.WaitGroup

	mu *sync.Mutex

	started bool

	stopOnce sync.Once

	stopErr error

	// op carries the hook that turns lines into log entries; handlers
	// on models.LogEntries must log through log instead
	op *log.Logger

	log *log.Entry
}

// New builds a station from config; nothing is opened until Start
func New(config Config, deps Deps) (*Station, error) {

	if deps.Store == nil {
		return nil, errors.New("store is required")
	}

	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}

	if config.SerialBaud == 0 {
		config.SerialBaud = 9600
	}

	if config.PersistTimeout <= 0 {
		config.PersistTimeout = 5 * time.Second
	}

	if config.ConnectAttempts < 1 {
		config.ConnectAttempts = 1
	}

	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	if config.WsPath == "" {
		config.WsPath = hub.DefaultPath
	}

	reg := deps.Registry

	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	}

	s := &Station{
		config: config,
		store:  deps.Store,
		mu:     &sync.Mutex{},
		log:    deps.Logger.WithField("component", "station"),
	}

	s.bus = bus.New(deps.Logger.WithField("component", "bus"))

	s.op = logsink.NewLogger(deps.Logger, s.bus)

	s.usb = usb.New(s.op.WithField("component", "usb"), s.bus)

	if deps.Opener != nil {
		s.usb.WithOpener(deps.Opener)
	}

	s.sessions = session.New(config.Password)

	s.hub = hub.New(hub.Config{
		Path:         config.WsPath,
		Authenticate: access.SessionAuth(s.sessions),
		State:        s.store,
		RefreshEvery: config.RefreshEvery,
		StateTimeout: config.PersistTimeout,
		Events:       s.op.WithField("component", "hub"),
	}, deps.Logger.WithField("component", "hub"))

	s.metrics = metrics.New(reg, s.hub.Count, s.sessions.Count)

	s.readings = newFlow(s.handleReading, s.overflowReading)

	s.logs = newFlow(s.handleLogEntry, s.overflowLogEntry)

	router, err := access.NewRouter(access.Config{
		Bus:       s.bus,
		Hub:       s.hub,
		Sessions:  s.sessions,
		Gatherer:  reg,
		StaticDir: config.StaticDir,
		Log:       deps.Logger.WithField("component", "access"),
	})

	if err != nil {
		return nil, err
	}

	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if config.MQTT.Broker != "" {
		s.bridge = mqtt.New(config.MQTT, s.bus, deps.Logger.WithField("component", "mqtt"))
	}

	return s, nil
}

// Addr returns the address the HTTP listener is bound to, once started
func (s *Station) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Bus returns the event bus
func (s *Station) Bus() *bus.Bus {
	return s.bus
}

// Metrics returns the collectors
func (s *Station) Metrics() *metrics.Metrics {
	return s.metrics
}

// connect tries to connect the store up to ConnectAttempts times
func (s *Station) connect(ctx context.Context) error {

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    5 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var err error

	for attempt := 1; attempt <= s.config.ConnectAttempts; attempt++ {

		err = s.store.Connect(ctx)

		if err == nil {
			return nil
		}

		s.log.WithFields(log.Fields{"attempt": attempt, "of": s.config.ConnectAttempts, "error": err.Error()}).Warn("could not connect to store")

		if attempt == s.config.ConnectAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}

	return fmt.Errorf("connect store: %w", err)
}

// Start connects the store, opens the device, binds the listener and
// starts serving. If any step fails, the earlier ones are undone.
func (s *Station) Start(ctx context.Context) error {

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return err
	}

	s.attach()

	if err := s.usb.Open(s.config.SerialPort, s.config.SerialBaud); err != nil {
		s.detach()
		s.store.Disconnect(context.Background())
		return fmt.Errorf("open device: %w", err)
	}

	listener, err := net.Listen("tcp", s.config.Listen)

	if err != nil {
		s.detach()
		s.usb.Close()
		s.store.Disconnect(context.Background())
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// returns ErrServerClosed on graceful close
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			s.log.WithField("error", err.Error()).Error("http server failed")
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.usb.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx)
	}()

	if s.bridge != nil {
		if err := s.bridge.Connect(ctx); err != nil {
			s.log.WithField("error", err.Error()).Error("mqtt bridge not started")
			s.bridge = nil
		}
	}

	s.op.WithFields(log.Fields{"component": "station", "listen": listener.Addr().String()}).Info("monitor started")

	return nil
}

// attach subscribes the flows between the bus, the store, the hub and the
// device
func (s *Station) attach() {

	s.metrics.Attach(s.bus)

	s.readings.start()
	s.logs.start()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles = append(s.handles,
		bus.Subscribe(s.bus, models.SensorData, s.readings.enqueue),
		bus.Subscribe(s.bus, models.LogEntries, s.logs.enqueue),
		bus.Subscribe(s.bus, models.PumpActivate, s.handlePump),
	)
}

// detach removes the flows and waits for anything already queued to be
// persisted and pushed
func (s *Station) detach() {

	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		s.bus.Unsubscribe(h)
	}

	s.readings.stop()
	s.logs.stop()

	s.metrics.Detach()
}

// push ignores a closed hub, which is expected during shutdown
func (s *Station) push(m models.Message) {

	err := s.hub.Push(m)

	if err != nil && !errors.Is(err, hub.ErrClosed) {
		s.log.WithFields(log.Fields{"type": m.Type, "error": err.Error()}).Error("push failed")
	}
}

// handleReading runs on the readings flow worker. The reading is pushed
// whether or not it was saved.
func (s *Station) handleReading(r models.Reading) {

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PersistTimeout)
	defer cancel()

	start := time.Now()
	saved, err := s.store.SaveReading(ctx, r)
	s.metrics.PersistDuration.WithLabelValues(metrics.KindReading).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.PersistFailures.WithLabelValues(metrics.KindReading).Inc()
		s.log.WithField("error", err.Error()).Error("could not save reading")
		saved = r
	}

	s.push(models.ReadingMessage(saved))
}

func (s *Station) overflowReading(r models.Reading) {
	s.metrics.PersistFailures.WithLabelValues(metrics.KindReading).Inc()
	s.log.Warn("reading queue full, pushing unsaved reading")
	s.push(models.ReadingMessage(r))
}

// handleLogEntry runs on the logs flow worker
func (s *Station) handleLogEntry(l models.LogEntry) {

	ctx, cancel := context.WithTimeout(context.Background(), s.config.PersistTimeout)
	defer cancel()

	start := time.Now()
	saved, err := s.store.SaveLogEntry(ctx, l)
	s.metrics.PersistDuration.WithLabelValues(metrics.KindLog).Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.PersistFailures.WithLabelValues(metrics.KindLog).Inc()
		s.log.WithField("error", err.Error()).Error("could not save log entry")
		saved = l
	}

	s.push(models.LogMessage(saved))
}

// overflowLogEntry must not log through op, which would publish another
// entry into the full queue
func (s *Station) overflowLogEntry(l models.LogEntry) {
	s.metrics.PersistFailures.WithLabelValues(metrics.KindLog).Inc()
	s.log.Warn("log queue full, pushing unsaved log entry")
	s.push(models.LogMessage(l))
}

// handlePump writes to the device before logging, so the command is not
// held up by the log entry
func (s *Station) handlePump(p models.PumpCommand) error {

	if !p.Valid() {
		return models.ErrInvalidPumpTime
	}

	if err := s.usb.Write(p.String()); err != nil {
		return err
	}

	s.op.WithField("component", "station").Infof("pump activated for %d seconds", p.Time)

	return nil
}

// Stop shuts down in order: stop accepting and detach the flows, close
// the device, close the hub, stop the HTTP server, then disconnect the
// store. It is safe to call more than once.
func (s *Station) Stop(ctx context.Context) error {

	s.stopOnce.Do(func() {

		var errs []error

		s.mu.Lock()
		listener, cancelRun := s.listener, s.cancel
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
		}

		s.detach()

		if s.bridge != nil {
			s.bridge.Close()
		}

		if cancelRun != nil {
			cancelRun()
		}

		if err := s.usb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}

		s.hub.Close()

		sctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		s.server.SetKeepAlivesEnabled(false)
		// the listener is already closed
		if err := s.server.Shutdown(sctx); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}

		if err := s.store.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect store: %w", err))
		}

		s.wg.Wait()

		s.stopErr = errors.Join(errs...)

		s.log.Info("monitor stopped")
	})

	return s.stopErr
}
