package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/gorilla/websocket"
	"github.com/practable/envmon/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames, so keep this small
	maxMessageSize = 512

	// Time allowed to send the close frame when the hub shuts down
	closeWait = time.Second

	// Outbound messages queued per client before it counts as stalled
	sendBuffer = 256

	// DefaultPath is where live clients connect
	DefaultPath = "/info"
)

// StateSource supplies the snapshot sent to new clients
type StateSource interface {
	GetState(ctx context.Context) (models.State, error)
}

// Config represents configuration options for a Hub
type Config struct {

	// Path is the only path on which upgrades are accepted
	Path string

	// Authenticate returns true if the request may connect; nil allows all
	Authenticate func(r *http.Request) bool

	// State provides the snapshot for new clients and for refresh pushes
	State StateSource

	// RefreshEvery pushes the full state to every client at this interval
	// when greater than zero
	RefreshEvery time.Duration

	// StateTimeout bounds each read from State
	StateTimeout time.Duration

	// Events receives client connect and disconnect lines at info level;
	// nil uses the hub logger
	Events *log.Entry
}

// Hub maintains the set of live clients and pushes messages to them
type Hub struct {
	mu *sync.RWMutex

	// registered clients
	clients map[*Client]bool

	config Config

	upgrader websocket.Upgrader

	closed chan struct{}

	closeOnce sync.Once

	log *log.Entry
}

// Client is a middleperson between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages; never closed
	send chan []byte

	// closed when the client is removed
	done chan struct{}

	doneOnce sync.Once

	name string

	userAgent string

	remoteAddr string

	stats *Stats

	log *log.Entry
}

// Stats represents statistics for a connection
type Stats struct {
	connectedAt time.Time

	tx *Frames
}

// Frames represents statistics on messages sent over a connection
type Frames struct {
	mu *sync.RWMutex

	last time.Time

	size *welford.Stats

	ns *welford.Stats
}

// ReportStats represents statistics about what has been sent
type ReportStats struct {
	// Count is the number of messages sent
	Count uint64 `json:"count"`

	// Last is how long ago the last message was sent
	Last string `json:"last"`

	// Size is the mean message size in bytes
	Size float64 `json:"size"`

	// SizeStdDev is the standard deviation of the message size
	SizeStdDev float64 `json:"sizeStdDev"`

	// Rate is the mean number of messages per second
	Rate float64 `json:"rate"`
}

// ClientReport represents information about a client's connection and statistics
type ClientReport struct {
	Name string `json:"name"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Tx ReportStats `json:"tx"`
}
