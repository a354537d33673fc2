package rtmonitor

import (
	"errors"
	"net/http"
)

var (
	// ErrClosed is returned by Conn.Send once the connection has gone
	ErrClosed = errors.New("connection closed")

	// ErrBufferFull is returned by Conn.Send when the peer is not keeping up
	ErrBufferFull = errors.New("send buffer full")
)

// Conn is the engine's view of one client connection.
// Send must not block; Close must be safe to call more than once.
type Conn interface {
	// ID uniquely identifies the connection
	ID() string

	// Path is the routable path the connection was made on, which selects its Monitor
	Path() string

	// Origin is the Origin header presented at connection
	Origin() string

	RemoteAddr() string

	Header() http.Header

	Send(data []byte) error

	Close()
}
