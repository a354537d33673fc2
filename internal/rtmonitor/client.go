package rtmonitor

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/practable/rtmonitor/internal/chanstats"
	"github.com/practable/rtmonitor/internal/filter"
	"github.com/practable/rtmonitor/internal/rttoken"
	log "github.com/sirupsen/logrus"
)

// Client is one admitted connection, and the subscriptions it holds.
// A Client belongs to one Monitor and is only touched under that Monitor's lock.
type Client struct {
	ID string

	conn Conn

	Token *rttoken.Token

	Data ClientData

	RemoteAddr string

	UserAgent string

	CreatedAt time.Time

	Stats *chanstats.ChanStats

	subscriptions map[string]*Subscription

	// set once a send finds the connection gone
	closed bool
}

// NewClient returns a Client for an admitted connection
func NewClient(conn Conn, token *rttoken.Token, data ClientData, now time.Time) *Client {
	return &Client{
		ID:            conn.ID(),
		conn:          conn,
		Token:         token,
		Data:          data,
		RemoteAddr:    conn.RemoteAddr(),
		UserAgent:     conn.Header().Get("User-Agent"),
		CreatedAt:     now,
		Stats:         chanstats.New(now),
		subscriptions: make(map[string]*Subscription),
	}
}

// Subscription returns a copy of the subscription with requestID
func (c *Client) Subscription(requestID string) (Subscription, bool) {
	s, ok := c.subscriptions[requestID]
	if !ok {
		return Subscription{}, false
	}
	return *s, true
}

// Subscriptions returns copies of the client's subscriptions, ordered by request id
func (c *Client) Subscriptions() []Subscription {
	subs := []Subscription{}
	for _, s := range c.subscriptions {
		subs = append(subs, *s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].RequestID < subs[j].RequestID })
	return subs
}

// Closed reports whether a send has found the connection gone
func (c *Client) Closed() bool {
	return c.closed
}

func (c *Client) logger(m *Monitor) *log.Entry {
	return m.log.WithFields(log.Fields{"client": c.ID, "rt_client_id": c.Data.ClientID})
}

// send marshals v and hands it to the connection. A full buffer drops the
// message; a closed connection marks the client for removal.
func (c *Client) send(m *Monitor, v interface{}) {

	if c.closed {
		return
	}

	b, err := json.Marshal(v)

	if err != nil {
		c.logger(m).WithField("error", err).Error("could not marshal message for client")
		return
	}

	c.sendRaw(m, b)
}

// sendRaw hands already encoded bytes to the connection
func (c *Client) sendRaw(m *Monitor, b []byte) {

	if c.closed {
		return
	}

	err := c.conn.Send(b)

	switch {
	case err == nil:
		c.Stats.Tx.Add(len(b), m.now(), c.CreatedAt)
		m.metrics.sent.WithLabelValues(m.Key).Inc()
	case errors.Is(err, ErrBufferFull):
		c.Stats.Tx.Drop()
		m.metrics.dropped.WithLabelValues(m.Key).Inc()
		c.logger(m).Warn("client send buffer full, dropping message")
	default:
		c.closed = true
		c.logger(m).WithField("error", err).Info("client connection gone")
	}
}

// nok rejects a msgType message from the client
func (c *Client) nok(m *Monitor, msgType, requestID, comment string) {
	m.metrics.rejected.WithLabelValues(msgType).Inc()
	c.logger(m).WithFields(log.Fields{"msg_type": msgType, "request_id": requestID, "comment": comment}).Debug("rt_nok")
	c.send(m, nok(requestID, comment))
}

// AddSubscription stores (or replaces) the subscription described by req
func (c *Client) AddSubscription(req Request, m *Monitor) {

	if req.RequestID == "" {
		c.nok(m, MsgSubscribe, "", "rt_subscribe needs a request_id")
		return
	}

	filters, err := filter.Parse(req.Filters)

	if err != nil {
		c.nok(m, MsgSubscribe, req.RequestID, "bad filters: "+err.Error())
		return
	}

	c.subscriptions[req.RequestID] = &Subscription{
		RequestID:        req.RequestID,
		Filters:          filters,
		KeyIsRecordIndex: m.TestRecordIndex(filters),
		CreatedAt:        m.now(),
	}

	c.logger(m).WithFields(log.Fields{"request_id": req.RequestID, "filters": len(filters)}).Debug("subscribed")
}

// RemoveSubscription deletes the subscription with req's request id
func (c *Client) RemoveSubscription(req Request, m *Monitor) {

	if _, ok := c.subscriptions[req.RequestID]; !ok {
		c.nok(m, MsgUnsubscribe, req.RequestID, "no subscription with request_id "+req.RequestID)
		return
	}

	delete(c.subscriptions, req.RequestID)

	c.logger(m).WithField("request_id", req.RequestID).Debug("unsubscribed")
}

// Update pushes envelope, or its matching records, to every subscription
func (c *Client) Update(envelope json.RawMessage, m *Monitor) {
	c.update(envelope, m.Records(envelope), m)
}

// update takes records already extracted from envelope, so that a fan-out
// to many clients extracts them once
func (c *Client) update(envelope json.RawMessage, records []json.RawMessage, m *Monitor) {

	for _, s := range c.subscriptions {

		if c.closed {
			return
		}

		if len(m.RecordsPath) == 0 {
			if s.Filters.Match(envelope) {
				c.send(m, Data{MsgType: MsgData, RequestID: s.RequestID, RequestData: envelope})
				s.Delivered++
			}
			continue
		}

		matched := s.Filters.Apply(records)

		if len(matched) == 0 {
			continue
		}

		c.send(m, Data{MsgType: MsgData, RequestID: s.RequestID, RequestData: matched})
		s.Delivered += len(matched)
	}
}

// HandlePullRequest answers a one-shot rt_request from the monitor's cache
func (c *Client) HandlePullRequest(req Request, m *Monitor) {

	if req.RequestID == "" {
		c.nok(m, MsgRequest, "", "rt_request needs a request_id")
		return
	}

	filters, err := filter.Parse(req.Filters)

	if err != nil {
		c.nok(m, MsgRequest, req.RequestID, "bad filters: "+err.Error())
		return
	}

	options, err := ParseOptions(req.Options)

	if err != nil {
		c.nok(m, MsgRequest, req.RequestID, "bad options: "+err.Error())
		return
	}

	for _, o := range options {

		switch o {

		// envelopes are echoed exactly as received, and skipped if there is none yet
		case OptionPreviousMsg, OptionLatestMsg:
			envelope := m.latestEnvelope
			if o == OptionPreviousMsg {
				envelope = m.previousEnvelope
			}
			if envelope == nil {
				c.logger(m).WithFields(log.Fields{"request_id": req.RequestID, "option": o}).Debug("no envelope to echo")
				continue
			}
			c.sendRaw(m, envelope)

		case OptionPreviousRecords:
			c.send(m, Data{MsgType: MsgData, RequestID: req.RequestID, Options: []string{o}, RequestData: filters.Apply(m.PreviousRecords())})

		case OptionLatestRecords:
			c.send(m, Data{MsgType: MsgData, RequestID: req.RequestID, Options: []string{o}, RequestData: filters.Apply(m.LatestRecords())})
		}
	}

	c.logger(m).WithFields(log.Fields{"request_id": req.RequestID, "options": options}).Debug("pull request answered")
}
