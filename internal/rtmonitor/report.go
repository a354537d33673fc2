package rtmonitor

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/practable/rtmonitor/internal/chanstats"
	log "github.com/sirupsen/logrus"
)

// MonitorReport describes one monitor for the status endpoint
type MonitorReport struct {
	URI          string         `json:"uri"`
	Address      string         `json:"address"`
	RecordsArray string         `json:"records_array,omitempty"`
	RecordIndex  string         `json:"record_index,omitempty"`
	Received     int            `json:"received"`
	LastReceived string         `json:"last_received"`
	Keys         int            `json:"keys"`
	Clients      []ClientReport `json:"clients"`
}

// ClientReport describes one admitted client
type ClientReport struct {
	ID            string               `json:"id"`
	ClientID      string               `json:"rt_client_id"`
	ClientName    string               `json:"rt_client_name"`
	ClientURL     string               `json:"rt_client_url"`
	RemoteAddr    string               `json:"remote_addr"`
	UserAgent     string               `json:"user_agent"`
	TokenHash     string               `json:"token"`
	TokenExpires  time.Time            `json:"token_expires"`
	CreatedAt     time.Time            `json:"created_at"`
	Age           string               `json:"age"`
	Subscriptions []SubscriptionReport `json:"subscriptions"`
	Stats         *chanstats.Report    `json:"stats"`
}

// SubscriptionReport describes one subscription
type SubscriptionReport struct {
	RequestID        string `json:"request_id"`
	Filters          int    `json:"filters"`
	KeyIsRecordIndex bool   `json:"key_is_record_index"`
	Delivered        int    `json:"delivered"`
}

// Report returns the state of every monitor and its clients
func (e *Engine) Report() []MonitorReport {

	now := e.now()

	reports := []MonitorReport{}

	for _, m := range e.Monitors.List() {
		reports = append(reports, m.Report(now))
	}

	return reports
}

// Report describes the monitor at time now
func (m *Monitor) Report(now time.Time) MonitorReport {

	m.Lock()
	defer m.Unlock()

	r := MonitorReport{}

	if err := copier.Copy(&r, &m.config); err != nil {
		m.log.WithField("error", err).Error("could not copy monitor config to report")
	}

	r.URI = m.Key
	r.Received = m.Received
	r.Keys = len(m.latestByKey)
	r.LastReceived = "never"

	if !m.LastReceived.IsZero() {
		r.LastReceived = now.Sub(m.LastReceived).String()
	}

	r.Clients = []ClientReport{}

	for _, c := range m.clients.List() {
		r.Clients = append(r.Clients, c.Report(now, m.log))
	}

	return r
}

// Report describes the client at time now
func (c *Client) Report(now time.Time, logger *log.Entry) ClientReport {

	r := ClientReport{}

	if err := copier.Copy(&r, &c.Data); err != nil {
		logger.WithFields(log.Fields{"client": c.ID, "error": err}).Error("could not copy client data to report")
	}

	r.ID = c.ID
	r.RemoteAddr = c.RemoteAddr
	r.UserAgent = c.UserAgent
	r.CreatedAt = c.CreatedAt
	r.Age = now.Sub(c.CreatedAt).String()
	r.Stats = chanstats.NewReport(c.Stats, now)

	if c.Token != nil {
		r.TokenHash = c.Token.Hash
		r.TokenExpires = c.Token.ExpiresAt
	}

	r.Subscriptions = []SubscriptionReport{}

	for _, s := range c.Subscriptions() {
		r.Subscriptions = append(r.Subscriptions, SubscriptionReport{
			RequestID:        s.RequestID,
			Filters:          len(s.Filters),
			KeyIsRecordIndex: s.KeyIsRecordIndex,
			Delivered:        s.Delivered,
		})
	}

	return r
}
