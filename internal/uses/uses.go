// Package uses counts live connections per admission token
package uses

import (
	"errors"
	"sync"
	"time"
)

// ErrExhausted is returned when a token already has its permitted number of connections
var ErrExhausted = errors.New("token uses exhausted")

// Store holds the number of live connections for each token hash,
// along with the token's expiry so stale entries can be pruned
type Store struct {
	sync.Mutex

	// Count of live connections, by token hash
	Count map[string]int

	// Expiry time of each token, unix seconds
	ExpiresAt map[string]int64

	// Now is a function for getting the time - useful for mocking in test
	Now func() int64 `json:"-" yaml:"-"`
}

// New returns an empty Store using the system clock
func New() *Store {
	return &Store{
		sync.Mutex{},
		make(map[string]int),
		make(map[string]int64),
		SystemNow,
	}
}

// SetNowFunc replaces the clock
func (s *Store) SetNowFunc(nf func() int64) {
	s.Lock()
	defer s.Unlock()
	s.Now = nf
}

// SystemNow returns the current unix time in seconds
func SystemNow() int64 {
	return time.Now().Unix()
}

// Acquire records a new connection for hash, unless max connections are already
// live. A max of zero or less is unlimited.
func (s *Store) Acquire(hash string, max int, expiresAt int64) error {
	s.Lock()
	defer s.Unlock()

	if max > 0 && s.Count[hash] >= max {
		return ErrExhausted
	}

	s.Count[hash]++
	s.ExpiresAt[hash] = expiresAt

	return nil
}

// Release records that a connection using hash has gone
func (s *Store) Release(hash string) {
	s.Lock()
	defer s.Unlock()

	n, ok := s.Count[hash]
	if !ok {
		return
	}

	if n <= 1 {
		delete(s.Count, hash)
		delete(s.ExpiresAt, hash)
		return
	}

	s.Count[hash] = n - 1
}

// Live returns the number of live connections for hash
func (s *Store) Live(hash string) int {
	s.Lock()
	defer s.Unlock()
	return s.Count[hash]
}

// List returns the hashes currently holding connections
func (s *Store) List() []string {
	s.Lock()
	defer s.Unlock()
	l := []string{}
	for k := range s.Count {
		l = append(l, k)
	}
	return l
}

// Prune removes entries for tokens that have expired. Connections admitted
// with those tokens stay open; only the bookkeeping goes.
func (s *Store) Prune() {
	s.Lock()
	defer s.Unlock()

	now := s.Now()

	stale := []string{}

	for k, v := range s.ExpiresAt {
		if v < now {
			stale = append(stale, k)
		}
	}

	for _, hash := range stale {
		delete(s.Count, hash)
		delete(s.ExpiresAt, hash)
	}
}
