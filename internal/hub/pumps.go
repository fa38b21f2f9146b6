package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// readPump reads from the connection until it fails, so that pongs are
// processed and a closed peer is noticed. Clients have nothing to say, so
// data messages are discarded.
func (c *Client) readPump() {

	defer func() {
		c.hub.remove(c)
		c.log.Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		c.log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.WithField("error", err.Error()).Info("client connection lost")
			}
			return
		}
	}
}

// writePump is the only writer of data messages to the connection
func (c *Client) writePump() {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.hub.remove(c)
		c.log.Trace("writepump closed")
	}()

	for {
		select {

		case data := <-c.send:

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithField("error", err.Error()).Info("write to client failed")
				return
			}

			c.stats.tx.add(len(data), c.stats.connectedAt)

		case <-ticker.C:

			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
