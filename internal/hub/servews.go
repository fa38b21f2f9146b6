package hub

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eclesh/welford"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/practable/envmon/internal/models"
	log "github.com/sirupsen/logrus"
)

func slashify(path string) string {

	//remove trailing slash (that's for directories)
	path = strings.TrimSuffix(path, "/")

	//ensure leading slash without needing it in config
	path = strings.TrimPrefix(path, "/")
	path = fmt.Sprintf("/%s", path)

	return path
}

// clientAddr is the first X-Forwarded-For entry if there is one, else the
// peer address
func clientAddr(r *http.Request) string {

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	return r.RemoteAddr
}

// ServeWs upgrades authenticated requests on the live path and registers
// the new client after queueing its snapshot
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {

	path := slashify(r.URL.Path)

	if path != slashify(h.config.Path) {
		h.log.WithField("path", path).Debug("upgrade refused, wrong path")
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	if h.IsClosed() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	if h.config.Authenticate != nil && !h.config.Authenticate(r) {
		h.log.WithField("remote_addr", r.RemoteAddr).Info("upgrade refused, unauthorized")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithField("error", err.Error()).Error("failed to upgrade to websocket")
		return
	}

	//Cannot return any http responses from here on

	remoteAddr := clientAddr(r)

	name := uuid.New().String()

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		name:       name,
		userAgent:  r.UserAgent(),
		remoteAddr: remoteAddr,
		stats: &Stats{
			connectedAt: time.Now(),
			tx:          &Frames{mu: &sync.RWMutex{}, size: welford.New(), ns: welford.New()},
		},
		log: h.log.WithFields(log.Fields{"client": name, "remote_addr": remoteAddr}),
	}

	// the snapshot is queued before the client is visible to Push so
	// it is always the first message
	s, err := h.state(r.Context())
	if err != nil {
		client.log.WithField("error", err.Error()).Error("could not read state for new client")
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "state unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		conn.Close()
		return
	}

	data, err := models.StateMessage(s).Marshal()
	if err != nil {
		client.log.WithField("error", err.Error()).Error("could not marshal state for new client")
		conn.Close()
		return
	}

	client.send <- data

	if !h.register(client) {
		client.stop()
		return
	}

	client.log.Debug("client registered")

	go client.writePump()
	go client.readPump()
}
