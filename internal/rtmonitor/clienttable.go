package rtmonitor

import (
	"encoding/json"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ClientTable holds the clients attached to one Monitor, by connection id
type ClientTable struct {
	clients map[string]*Client
	log     *log.Entry
}

// NewClientTable returns an empty ClientTable
func NewClientTable(logger *log.Entry) *ClientTable {
	return &ClientTable{
		clients: make(map[string]*Client),
		log:     logger,
	}
}

// Add registers c, replacing any client with the same id
func (t *ClientTable) Add(c *Client) {
	t.clients[c.ID] = c
}

// Remove deletes and returns the client with id, or nil if there is none
func (t *ClientTable) Remove(id string) *Client {
	c, ok := t.clients[id]
	if !ok {
		return nil
	}
	delete(t.clients, id)
	return c
}

// Get returns the client with id
func (t *ClientTable) Get(id string) (*Client, bool) {
	c, ok := t.clients[id]
	return c, ok
}

// Len returns the number of clients
func (t *ClientTable) Len() int {
	return len(t.clients)
}

// List returns the clients ordered by creation time, then id
func (t *ClientTable) List() []*Client {
	l := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		l = append(l, c)
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].CreatedAt.Equal(l[j].CreatedAt) {
			return l[i].ID < l[j].ID
		}
		return l[i].CreatedAt.Before(l[j].CreatedAt)
	})
	return l
}

// Update calls Client.Update for every client, extracting records once.
// It returns the ids of clients whose connection was found closed.
func (t *ClientTable) Update(envelope json.RawMessage, m *Monitor) []string {

	if len(t.clients) == 0 {
		return nil
	}

	records := m.Records(envelope)

	gone := []string{}

	for id, c := range t.clients {
		c.update(envelope, records, m)
		if c.closed {
			gone = append(gone, id)
		}
	}

	return gone
}

// AddSubscription forwards req to the client with id
func (t *ClientTable) AddSubscription(id string, req Request, m *Monitor) {
	c, ok := t.clients[id]
	if !ok {
		t.log.WithFields(log.Fields{"client": id, "request_id": req.RequestID}).Info("rt_subscribe for unknown client")
		return
	}
	c.AddSubscription(req, m)
}

// RemoveSubscription forwards req to the client with id
func (t *ClientTable) RemoveSubscription(id string, req Request, m *Monitor) {
	c, ok := t.clients[id]
	if !ok {
		t.log.WithFields(log.Fields{"client": id, "request_id": req.RequestID}).Info("rt_unsubscribe for unknown client")
		return
	}
	c.RemoveSubscription(req, m)
}

// HandlePullRequest forwards req to the client with id
func (t *ClientTable) HandlePullRequest(id string, req Request, m *Monitor) {
	c, ok := t.clients[id]
	if !ok {
		t.log.WithFields(log.Fields{"client": id, "request_id": req.RequestID}).Info("rt_request for unknown client")
		return
	}
	c.HandlePullRequest(req, m)
}
