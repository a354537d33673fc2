package crossbar

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/practable/rtmonitor/internal/rtmonitor"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 1024 * 64
)

// readPump pumps messages from the websocket connection to the engine.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump(e *rtmonitor.Engine) {

	defer func() {
		e.HandleClose(c)
		c.Close()
		c.conn.Close()
		log.WithField("client", c.id).Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {

		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{"client": c.id, "error": err}).Info("readPump unexpected close")
			}
			break
		}

		if mt != websocket.TextMessage {
			log.WithField("client", c.id).Debug("ignoring non-text message")
			continue
		}

		e.HandleMessage(c, data)
	}
}

// writePump pumps messages from the engine to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(closed <-chan struct{}) {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("client", c.id).Trace("write pump dead")
	}()

	for {
		select {

		case data := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithFields(log.Fields{"client": c.id, "error": err}).Debug("writePump write error")
				c.Close()
				return
			}

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.writeClose()
			return

		case <-closed:
			c.Close()
			c.writeClose()
			return
		}
	}
}

func (c *Client) writeClose() {
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	if err != nil {
		log.WithFields(log.Fields{"client": c.id, "error": err}).Trace("writePump close message error")
	}
}
