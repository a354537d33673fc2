package bus

import (
	"sync"
	"time"
)

// Hub is an in-process bus. Subscriptions and envelopes are handled by a
// single goroutine started with Run.
type Hub struct {
	// Subscribed channels, by address
	Subscribers map[string]map[chan<- Envelope]bool

	// Inbound envelopes from publishers
	Broadcast chan Envelope

	// Register requests from subscribers
	Register chan Subscription

	// Unregister requests from subscribers
	Unregister chan Subscription

	// Dropped counts envelopes not delivered because a subscriber was full
	Dropped uint64

	done chan struct{}
	once sync.Once
	mu   sync.Mutex
}

// Subscription ties a channel to an address
type Subscription struct {
	Address string
	Ch      chan<- Envelope
}

// New returns a pointer to an initialised Hub
func New() *Hub {
	return &Hub{
		Subscribers: make(map[string]map[chan<- Envelope]bool),
		Broadcast:   make(chan Envelope, 64),
		Register:    make(chan Subscription),
		Unregister:  make(chan Subscription),
		done:        make(chan struct{}),
	}
}

// Run handles subscriptions and distributes envelopes until closed is
// closed or Close is called
func (h *Hub) Run(closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			h.stop()
			return
		case <-h.done:
			return
		case s := <-h.Register:
			if _, ok := h.Subscribers[s.Address]; !ok {
				h.Subscribers[s.Address] = make(map[chan<- Envelope]bool)
			}
			h.Subscribers[s.Address][s.Ch] = true
		case s := <-h.Unregister:
			delete(h.Subscribers[s.Address], s.Ch)
		case e := <-h.Broadcast:
			for ch := range h.Subscribers[e.Address] {
				if !deliver(ch, e) {
					h.mu.Lock()
					h.Dropped++
					h.mu.Unlock()
				}
			}
		}
	}
}

// Subscribe registers ch for envelopes published on address
func (h *Hub) Subscribe(address string, ch chan<- Envelope) error {
	select {
	case h.Register <- Subscription{Address: address, Ch: ch}:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// Unsubscribe removes ch from address
func (h *Hub) Unsubscribe(address string, ch chan<- Envelope) error {
	select {
	case h.Unregister <- Subscription{Address: address, Ch: ch}:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// Publish queues data for distribution to subscribers of address
func (h *Hub) Publish(address string, data []byte) error {
	select {
	case h.Broadcast <- Envelope{Address: address, Data: data, Received: time.Now()}:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// DroppedCount returns the number of envelopes dropped so far
func (h *Hub) DroppedCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Dropped
}

// Close stops the hub
func (h *Hub) Close() error {
	h.stop()
	return nil
}

func (h *Hub) stop() {
	h.once.Do(func() { close(h.done) })
}
