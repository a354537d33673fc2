package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NATS is a bus backed by a NATS server; addresses are NATS subjects
type NATS struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// DialNATS connects to the NATS server at url, reconnecting indefinitely
func DialNATS(url, name string) (*NATS, error) {

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithFields(log.Fields{"url": url, "error": err}).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)

	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}

	return &NATS{conn: conn}, nil
}

// Subscribe forwards messages on subject address to ch
func (n *NATS) Subscribe(address string, ch chan<- Envelope) error {

	sub, err := n.conn.Subscribe(address, func(m *nats.Msg) {
		deliver(ch, Envelope{Address: address, Data: m.Data, Received: time.Now()})
	})

	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", address, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	return nil
}

// Publish sends data on subject address
func (n *NATS) Publish(address string, data []byte) error {
	return n.conn.Publish(address, data)
}

// Close drains subscriptions and closes the connection
func (n *NATS) Close() error {
	return n.conn.Drain()
}
