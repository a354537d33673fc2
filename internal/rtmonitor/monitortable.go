package rtmonitor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ErrNoMonitor is returned when no monitor serves a path
var ErrNoMonitor = errors.New("no monitor at that path")

// MonitorTable holds the monitors, by routable path and by bus address.
// Monitors are added at startup and never removed.
type MonitorTable struct {
	sync.RWMutex
	byKey     map[string]*Monitor
	byAddress map[string]*Monitor
	log       *log.Entry
}

// NewMonitorTable returns an empty MonitorTable
func NewMonitorTable(logger *log.Entry) *MonitorTable {
	return &MonitorTable{
		byKey:     make(map[string]*Monitor),
		byAddress: make(map[string]*Monitor),
		log:       logger,
	}
}

// Add registers m. Each path and each address may be served by one monitor only.
func (t *MonitorTable) Add(m *Monitor) error {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.byKey[m.Key]; ok {
		return fmt.Errorf("duplicate monitor path %s", m.Key)
	}

	if _, ok := t.byAddress[m.Address]; ok {
		return fmt.Errorf("duplicate monitor address %s", m.Address)
	}

	t.byKey[m.Key] = m
	t.byAddress[m.Address] = m

	return nil
}

// Get returns the monitor serving path
func (t *MonitorTable) Get(path string) (*Monitor, bool) {
	t.RLock()
	defer t.RUnlock()
	m, ok := t.byKey[slashify(path)]
	return m, ok
}

// GetByAddress returns the monitor subscribed to address
func (t *MonitorTable) GetByAddress(address string) (*Monitor, bool) {
	t.RLock()
	defer t.RUnlock()
	m, ok := t.byAddress[address]
	return m, ok
}

// List returns the monitors ordered by path
func (t *MonitorTable) List() []*Monitor {
	t.RLock()
	defer t.RUnlock()

	l := make([]*Monitor, 0, len(t.byKey))
	for _, m := range t.byKey {
		l = append(l, m)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Key < l[j].Key })
	return l
}

// Len returns the number of monitors
func (t *MonitorTable) Len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.byKey)
}

// Update hands an envelope for address to its monitor
func (t *MonitorTable) Update(address string, envelope []byte) {
	m, ok := t.GetByAddress(address)
	if !ok {
		t.log.WithField("address", address).Info("envelope for unknown address")
		return
	}
	m.Handle(envelope)
}

// slashify makes sure path has one leading slash and no trailing slash
func slashify(path string) string {
	return "/" + strings.Trim(path, "/")
}
