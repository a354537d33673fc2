// Package bus carries envelopes from feed producers to the engine.
// An in-process Hub is always available; NATS and MQTT brokers can be
// used instead when producers live in other processes.
package bus

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by a bus that has been shut down
var ErrClosed = errors.New("bus closed")

// Envelope is one message received on a bus address
type Envelope struct {
	Address  string
	Data     []byte
	Received time.Time
}

// Source delivers envelopes published on address to ch. Delivery never
// blocks the source: envelopes are dropped if ch is full.
type Source interface {
	Subscribe(address string, ch chan<- Envelope) error
	Close() error
}

// Publisher puts an envelope on the bus
type Publisher interface {
	Publish(address string, data []byte) error
}

// Bus is a Source that can also be published to
type Bus interface {
	Source
	Publisher
}

// Open returns a Bus for rawurl: empty or "internal" gives a Hub (which the
// caller must Run), nats:// gives NATS and tcp://, ssl://, ws://, wss:// or
// mqtt:// give MQTT. The name identifies this process to the broker.
func Open(rawurl, name string) (Bus, error) {

	if rawurl == "" || rawurl == "internal" {
		return New(), nil
	}

	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("bus url: %w", err)
	}

	switch u.Scheme {
	case "nats", "tls":
		return DialNATS(rawurl, name)
	case "mqtt":
		u.Scheme = "tcp"
		return DialMQTT(u.String(), name)
	case "tcp", "ssl", "ws", "wss":
		return DialMQTT(rawurl, name)
	}

	return nil, fmt.Errorf("unsupported bus scheme %q", u.Scheme)
}

func deliver(ch chan<- Envelope, e Envelope) bool {
	select {
	case ch <- e:
		return true
	default:
		log.WithFields(log.Fields{"address": e.Address, "size": len(e.Data)}).Warn("bus subscriber full, dropping envelope")
		return false
	}
}
