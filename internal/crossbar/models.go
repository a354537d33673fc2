package crossbar

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/practable/rtmonitor/internal/bus"
	"github.com/practable/rtmonitor/internal/rtmonitor"
)

// Config represents configuration options for a crossbar instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the listening port
	Listen int

	// Engine handles client messages
	Engine *rtmonitor.Engine

	// Publisher accepts envelopes posted to /publish; nil disables the route
	Publisher bus.Publisher

	// Buffer is the length of each client's outbound queue
	Buffer int

	// Version is reported by /status
	Version string
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Listen: 8080,
		Buffer: 256,
	}
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithEngine sets the engine that handles client messages
func (c *Config) WithEngine(e *rtmonitor.Engine) *Config {
	c.Engine = e
	return c
}

// WithPublisher enables /publish
func (c *Config) WithPublisher(p bus.Publisher) *Config {
	c.Publisher = p
	return c
}

// Client is a middleperson between the websocket connection and the engine.
// It implements rtmonitor.Conn.
type Client struct {
	id string

	// path the client connected to, which selects its monitor
	path string

	origin string

	remoteAddr string

	header http.Header

	connectedAt time.Time

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// closed by Close; the pumps exit when it is
	done chan struct{}

	once sync.Once
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Path returns the path the client connected to
func (c *Client) Path() string {
	return c.path
}

// Origin returns the Origin header presented when connecting
func (c *Client) Origin() string {
	return c.origin
}

// RemoteAddr returns the client's address, preferring X-Forwarded-For
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Header returns the headers of the upgrade request
func (c *Client) Header() http.Header {
	return c.header
}

// Send queues data for the write pump without blocking
func (c *Client) Send(data []byte) error {

	select {
	case <-c.done:
		return rtmonitor.ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return rtmonitor.ErrBufferFull
	}
}

// Close stops the pumps, which then close the websocket
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}
