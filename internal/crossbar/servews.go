package crossbar

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Origins are checked against each client's token at rt_connect,
// so the upgrade itself accepts any origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs upgrades a request on a monitor's path and starts the client's pumps.
// The client is not admitted until it sends rt_connect.
func serveWs(closed <-chan struct{}, w http.ResponseWriter, r *http.Request, config Config) {

	remoteAddr := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" {
		remoteAddr = r.RemoteAddr
	}

	header := r.Header.Clone()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	client := &Client{
		id:          uuid.New().String(),
		path:        r.URL.Path,
		origin:      header.Get("Origin"),
		remoteAddr:  remoteAddr,
		header:      header,
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, config.Buffer),
		done:        make(chan struct{}),
	}

	log.WithFields(log.Fields{"client": client.id, "path": client.path, "origin": client.origin, "remote": remoteAddr}).Debug("websocket connected")

	go client.writePump(closed)
	go client.readPump(config.Engine)
}
