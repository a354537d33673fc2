package rtmonitor

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/practable/rtmonitor/internal/filter"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// MonitorConfig describes one feed
type MonitorConfig struct {
	// Address is the bus address the monitor subscribes to
	Address string

	// URI is the routable path clients connect on
	URI string

	// RecordsArray is the dotted path to the record array in an envelope;
	// empty means the whole envelope is one record
	RecordsArray string

	// RecordIndex is the dotted path to a record's identity key;
	// empty means records are not indexed
	RecordIndex string
}

// Monitor keeps the latest state of one feed and the clients watching it.
// All fields, and the clients' subscriptions, are guarded by the embedded mutex.
type Monitor struct {
	sync.Mutex

	Key string

	Address string

	RecordsPath []string

	IndexPath []string

	config MonitorConfig

	recordsPath string

	indexPath string

	latestByKey map[string]json.RawMessage

	previousByKey map[string]json.RawMessage

	latestEnvelope json.RawMessage

	previousEnvelope json.RawMessage

	clients *ClientTable

	// Received counts envelopes accepted
	Received int

	LastReceived time.Time

	// onRemove is called, with the lock held, for every client removed
	onRemove func(*Client, string)

	metrics *Metrics

	now func() time.Time

	log *log.Entry
}

// NewMonitor returns a Monitor for config. Pass nil metrics, clock or logger
// to use defaults.
func NewMonitor(config MonitorConfig, metrics *Metrics, now func() time.Time, logger *log.Entry) *Monitor {

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = log.WithField("component", "rtmonitor")
	}

	key := slashify(config.URI)

	logger = logger.WithFields(log.Fields{"monitor": key, "address": config.Address})

	m := &Monitor{
		Key:           key,
		Address:       config.Address,
		RecordsPath:   filter.SplitPath(config.RecordsArray),
		IndexPath:     filter.SplitPath(config.RecordIndex),
		config:        config,
		latestByKey:   make(map[string]json.RawMessage),
		previousByKey: make(map[string]json.RawMessage),
		clients:       NewClientTable(logger),
		onRemove:      func(*Client, string) {},
		metrics:       metrics,
		now:           now,
		log:           logger,
	}

	m.recordsPath = filter.JoinPath(m.RecordsPath)
	m.indexPath = filter.JoinPath(m.IndexPath)

	return m
}

// Clients returns the monitor's client table
func (m *Monitor) Clients() *ClientTable {
	return m.clients
}

// Handle processes one envelope from the bus: update the cache, then the clients
func (m *Monitor) Handle(envelope []byte) {

	if !gjson.ValidBytes(envelope) {
		m.metrics.invalid.WithLabelValues(m.Key).Inc()
		m.log.WithField("size", len(envelope)).Warn("ignoring envelope that is not valid JSON")
		return
	}

	m.Lock()
	defer m.Unlock()

	m.UpdateState(envelope)
	m.UpdateClients(envelope)
}

// UpdateState stores envelope as the latest, and indexes its records
func (m *Monitor) UpdateState(envelope json.RawMessage) {

	if m.latestEnvelope != nil {
		m.previousEnvelope = m.latestEnvelope
	}
	m.latestEnvelope = envelope

	m.Received++
	m.LastReceived = m.now()
	m.metrics.envelopes.WithLabelValues(m.Key).Inc()

	if len(m.RecordsPath) == 0 || len(m.IndexPath) == 0 {
		return
	}

	for _, r := range m.Records(envelope) {

		key, ok := m.RecordKey(r)

		if !ok {
			continue
		}

		if latest, ok := m.latestByKey[key]; ok {
			m.previousByKey[key] = latest
		}

		m.latestByKey[key] = r
	}
}

// UpdateClients pushes envelope to every client, removing any whose connection has gone
func (m *Monitor) UpdateClients(envelope json.RawMessage) {

	if m.clients.Len() == 0 {
		return
	}

	for _, id := range m.clients.Update(envelope, m) {
		m.RemoveClient(id, ReasonGone)
	}
}

// Records extracts the record array from envelope. It returns nil when the
// monitor has no records path, or the path does not hold an array.
func (m *Monitor) Records(envelope json.RawMessage) []json.RawMessage {

	if len(m.RecordsPath) == 0 {
		return nil
	}

	result := gjson.GetBytes(envelope, m.recordsPath)

	if !result.IsArray() {
		m.log.Debug("envelope has no record array")
		return nil
	}

	elements := result.Array()

	records := make([]json.RawMessage, 0, len(elements))

	for _, e := range elements {
		records = append(records, json.RawMessage(e.Raw))
	}

	return records
}

// RecordKey returns the identity key of record. Objects and arrays are not keys.
func (m *Monitor) RecordKey(record json.RawMessage) (string, bool) {

	if len(m.IndexPath) == 0 {
		return "", false
	}

	r := gjson.GetBytes(record, m.indexPath)

	switch r.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return r.String(), true
	}

	return "", false
}

// TestRecordIndex reports whether filters key on the record index
func (m *Monitor) TestRecordIndex(filters filter.Set) bool {

	if m.indexPath == "" {
		return false
	}

	for _, k := range filters.Keys() {
		if k == m.indexPath {
			return true
		}
	}

	return false
}

// Latest returns the newest record with key
func (m *Monitor) Latest(key string) (json.RawMessage, bool) {
	r, ok := m.latestByKey[key]
	return r, ok
}

// Previous returns the record that preceded the newest one with key
func (m *Monitor) Previous(key string) (json.RawMessage, bool) {
	r, ok := m.previousByKey[key]
	return r, ok
}

// LatestEnvelope returns the newest envelope, or nil
func (m *Monitor) LatestEnvelope() json.RawMessage {
	return m.latestEnvelope
}

// PreviousEnvelope returns the envelope before the newest, or nil
func (m *Monitor) PreviousEnvelope() json.RawMessage {
	return m.previousEnvelope
}

// LatestRecords returns the newest record for every key, ordered by key
func (m *Monitor) LatestRecords() []json.RawMessage {
	return sortedValues(m.latestByKey)
}

// PreviousRecords returns the previous record for every key that has one, ordered by key
func (m *Monitor) PreviousRecords() []json.RawMessage {
	return sortedValues(m.previousByKey)
}

// RemoveClient removes the client with id, closing its connection
func (m *Monitor) RemoveClient(id, reason string) {

	c := m.clients.Remove(id)

	if c == nil {
		return
	}

	c.conn.Close()
	m.onRemove(c, reason)

	m.log.WithFields(log.Fields{"client": id, "reason": reason, "subscriptions": len(c.subscriptions)}).Info("client removed")
}

func sortedValues(byKey map[string]json.RawMessage) []json.RawMessage {

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		values = append(values, byKey[k])
	}

	return values
}
