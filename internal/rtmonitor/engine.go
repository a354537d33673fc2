package rtmonitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/practable/rtmonitor/internal/bus"
	"github.com/practable/rtmonitor/internal/rttoken"
	"github.com/practable/rtmonitor/internal/uses"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// reasons a client is removed, used as a metrics label
const (
	ReasonClosed = "closed"
	ReasonGone   = "gone"
	ReasonPurged = "purged"
)

// PurgeRule removes clients whose metadata Field equals Value once they are older than MaxAge
type PurgeRule struct {
	Field  string
	Value  string
	MaxAge time.Duration
}

// Config holds everything the engine needs. Only Monitors and Decoder are required.
type Config struct {
	Monitors []MonitorConfig

	// Decoder verifies admission tokens
	Decoder rttoken.Decoder

	// Uses counts live connections per token; a new store is made if nil
	Uses *uses.Store

	// PurgeEvery is the period of the purge sweep; zero disables it
	PurgeEvery time.Duration

	// MaxAge is the unconditional maximum client age; zero means no limit
	MaxAge time.Duration

	PurgeRules []PurgeRule

	// Buffer is the size of each monitor's envelope channel
	Buffer int

	Now func() time.Time

	Log *log.Entry

	Registry *prometheus.Registry
}

// Engine admits clients, dispatches their messages to monitors,
// feeds monitors from the bus and purges aged clients
type Engine struct {
	Monitors *MonitorTable

	config Config

	decoder rttoken.Decoder

	uses *uses.Store

	metrics *Metrics

	registry *prometheus.Registry

	now func() time.Time

	log *log.Entry
}

// New returns an Engine with a Monitor for each configured feed
func New(config Config) (*Engine, error) {

	if config.Decoder == nil {
		return nil, errors.New("no token decoder")
	}

	if len(config.Monitors) == 0 {
		return nil, errors.New("no monitors")
	}

	if config.Now == nil {
		config.Now = time.Now
	}

	if config.Log == nil {
		config.Log = log.WithField("component", "rtmonitor")
	}

	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	if config.Buffer <= 0 {
		config.Buffer = 256
	}

	e := &Engine{
		config:   config,
		decoder:  config.Decoder,
		uses:     config.Uses,
		registry: config.Registry,
		now:      config.Now,
		log:      config.Log,
	}

	if e.uses == nil {
		e.uses = uses.New()
		e.uses.SetNowFunc(func() int64 { return e.now().Unix() })
	}

	e.metrics = NewMetrics(e.registry)

	e.Monitors = NewMonitorTable(e.log)

	for _, mc := range config.Monitors {

		if mc.Address == "" {
			return nil, fmt.Errorf("monitor %s has no address", mc.URI)
		}

		m := NewMonitor(mc, e.metrics, e.now, e.log)
		m.onRemove = e.removed(m)

		if err := e.Monitors.Add(m); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Registry returns the registry holding the engine's metrics
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Uses returns the token use store
func (e *Engine) Uses() *uses.Store {
	return e.uses
}

// removed returns the removal hook for monitor m
func (e *Engine) removed(m *Monitor) func(*Client, string) {
	return func(c *Client, reason string) {
		if c.Token != nil {
			e.uses.Release(c.Token.Hash)
		}
		e.metrics.removed.WithLabelValues(reason).Inc()
		e.metrics.clients.WithLabelValues(m.Key).Dec()
	}
}

// Run subscribes every monitor to its bus address and consumes envelopes,
// and runs the purge sweep, until closed is closed
func (e *Engine) Run(closed <-chan struct{}, src bus.Source) error {

	var wg sync.WaitGroup

	for _, m := range e.Monitors.List() {

		ch := make(chan bus.Envelope, e.config.Buffer)

		if err := src.Subscribe(m.Address, ch); err != nil {
			return fmt.Errorf("subscribing monitor %s to %s: %w", m.Key, m.Address, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consume(closed, ch)
		}()

		e.log.WithFields(log.Fields{"monitor": m.Key, "address": m.Address}).Info("monitor subscribed")
	}

	if e.config.PurgeEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.purgeLoop(closed)
		}()
	}

	wg.Wait()

	e.log.Info("engine stopped")

	return nil
}

// consume hands envelopes from ch to their monitor in arrival order. Each
// channel carries one address, so each monitor has a single writer.
func (e *Engine) consume(closed <-chan struct{}, ch <-chan bus.Envelope) {
	for {
		select {
		case <-closed:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			e.Monitors.Update(env.Address, env.Data)
		}
	}
}

func (e *Engine) purgeLoop(closed <-chan struct{}) {

	ticker := time.NewTicker(e.config.PurgeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			n := e.Purge()
			e.uses.Prune()
			if n > 0 {
				e.log.WithField("purged", n).Info("purge sweep")
			}
		}
	}
}

// Purge removes every client that has exceeded its maximum age,
// returning how many were removed
func (e *Engine) Purge() int {

	now := e.now()

	n := 0

	for _, m := range e.Monitors.List() {

		m.Lock()

		for _, c := range m.clients.List() {
			if rule, ok := e.expired(c, now); ok {
				m.log.WithFields(log.Fields{"client": c.ID, "rule": rule, "age": now.Sub(c.CreatedAt).String()}).Debug("purging client")
				m.RemoveClient(c.ID, ReasonPurged)
				n++
			}
		}

		m.Unlock()
	}

	return n
}

// expired reports whether c is too old at time now, and which limit it exceeded
func (e *Engine) expired(c *Client, now time.Time) (string, bool) {

	age := now.Sub(c.CreatedAt)

	if e.config.MaxAge > 0 && age > e.config.MaxAge {
		return "max age", true
	}

	for _, r := range e.config.PurgeRules {
		v, ok := c.Data.Fields[r.Field]
		if ok && v == r.Value && age > r.MaxAge {
			return r.Field + "=" + r.Value, true
		}
	}

	return "", false
}

// HandleMessage dispatches one message received on conn
func (e *Engine) HandleMessage(conn Conn, data []byte) {

	var req Request

	if err := json.Unmarshal(data, &req); err != nil {
		id := gjson.GetBytes(data, "request_id")
		if id.Type != gjson.String {
			id = gjson.Result{}
		}
		e.reject(conn, "malformed", nok(id.Str, "malformed message: "+err.Error()))
		return
	}

	if req.MsgType == MsgPing {
		e.reply(conn, Reply{MsgType: MsgPong})
		return
	}

	m, ok := e.Monitors.Get(conn.Path())

	if !ok {
		e.log.WithFields(log.Fields{"conn": conn.ID(), "path": conn.Path()}).Info("message for unknown monitor")
		e.reject(conn, req.MsgType, nok(req.RequestID, ErrNoMonitor.Error()))
		return
	}

	m.Lock()
	defer m.Unlock()

	c, admitted := m.clients.Get(conn.ID())

	if admitted {
		c.Stats.Rx.Add(len(data), e.now(), c.CreatedAt)
	}

	switch req.MsgType {

	case MsgConnect:
		if admitted {
			c.nok(m, MsgConnect, req.RequestID, "already connected")
			break
		}
		e.connect(conn, m, req)
		return

	case MsgSubscribe, MsgUnsubscribe, MsgRequest:
		if !admitted {
			e.reject(conn, req.MsgType, nok(req.RequestID, "not connected"))
			return
		}
		switch req.MsgType {
		case MsgSubscribe:
			m.clients.AddSubscription(c.ID, req, m)
		case MsgUnsubscribe:
			m.clients.RemoveSubscription(c.ID, req, m)
		case MsgRequest:
			m.clients.HandlePullRequest(c.ID, req, m)
		}

	default:
		m.log.WithFields(log.Fields{"conn": conn.ID(), "msg_type": req.MsgType}).Debug("ignoring unknown msg_type")
		return
	}

	if c.Closed() {
		m.RemoveClient(c.ID, ReasonGone)
	}
}

// connect admits conn to m if its token checks out. Call with m locked.
func (e *Engine) connect(conn Conn, m *Monitor, req Request) {

	lf := log.Fields{"conn": conn.ID(), "origin": conn.Origin(), "remote": conn.RemoteAddr()}

	cd, err := ParseClientData(req.ClientData)

	if err != nil {
		m.log.WithFields(lf).WithField("error", err).Info("rt_connect rejected")
		e.reject(conn, MsgConnect, nok(req.RequestID, err.Error()))
		return
	}

	if cd.Token == "" {
		m.log.WithFields(lf).Info("rt_connect rejected: no token")
		e.reject(conn, MsgConnect, nok(req.RequestID, "missing rt_token"))
		return
	}

	token, err := rttoken.New(cd.Token, e.decoder)

	if err == nil {
		err = token.Check(e.now(), conn.Origin())
	}

	if err == nil {
		err = e.uses.Acquire(token.Hash, token.Uses, token.ExpiresAt.Unix())
	}

	if err != nil {
		m.log.WithFields(lf).WithField("error", err).Info("rt_connect rejected")
		e.reject(conn, MsgConnect, nok(req.RequestID, "token rejected: "+err.Error()))
		return
	}

	c := NewClient(conn, token, cd, e.now())

	m.clients.Add(c)
	e.metrics.clients.WithLabelValues(m.Key).Inc()

	c.logger(m).WithFields(lf).WithFields(log.Fields{"token": token.Hash, "rt_client_name": cd.ClientName}).Info("client admitted")

	c.send(m, Reply{MsgType: MsgConnectOK})

	if c.Closed() {
		m.RemoveClient(c.ID, ReasonGone)
	}
}

// HandleClose removes the client on conn, if it was admitted
func (e *Engine) HandleClose(conn Conn) {

	m, ok := e.Monitors.Get(conn.Path())

	if !ok {
		return
	}

	m.Lock()
	defer m.Unlock()

	m.RemoveClient(conn.ID(), ReasonClosed)
}

// reply sends v straight to conn, for messages that have no admitted client
func (e *Engine) reply(conn Conn, v interface{}) {

	b, err := json.Marshal(v)

	if err != nil {
		e.log.WithField("error", err).Error("could not marshal reply")
		return
	}

	if err := conn.Send(b); err != nil {
		e.log.WithFields(log.Fields{"conn": conn.ID(), "error": err}).Debug("could not send reply")
	}
}

// reject sends n for a msgType message from a connection with no admitted client
func (e *Engine) reject(conn Conn, msgType string, n Nok) {
	e.metrics.rejected.WithLabelValues(msgType).Inc()
	e.log.WithFields(log.Fields{"conn": conn.ID(), "msg_type": msgType, "request_id": n.RequestID, "comment": n.Comment}).Debug("rt_nok")
	e.reply(conn, n)
}
