package envelope

import (
	"sync"

	"github.com/StarboundEnt/MVP-sub001/internal/crypto"
)

// DefaultMaxSessions bounds the number of outstanding session keys. A
// request whose response never arrives leaves an orphaned entry that
// is reclaimed only by this capacity eviction.
const DefaultMaxSessions = 32

// SessionKeyStore holds one ephemeral symmetric key per outstanding
// request id. Entries are created exactly once per encrypt and
// consumed exactly once, by a decrypt attempt or by FIFO eviction.
// A map gives O(1) lookup; a queue of ids gives insertion-order
// eviction. All mutations happen under one mutex.
type SessionKeyStore struct {
	mu    sync.Mutex
	max   int
	keys  map[string][]byte
	order []string
}

func NewSessionKeyStore(max int) *SessionKeyStore {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &SessionKeyStore{
		max:  max,
		keys: make(map[string][]byte, max),
	}
}

// Put inserts the session key for a request id, evicting the
// oldest-inserted entries while over capacity. Re-encrypting the same
// id replaces its key in place; the displaced key is zeroed.
func (s *SessionKeyStore) Put(requestID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.keys[requestID]; ok {
		crypto.Zero(old)
	} else {
		s.order = append(s.order, requestID)
	}
	s.keys[requestID] = key

	for len(s.keys) > s.max && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if k, ok := s.keys[oldest]; ok {
			crypto.Zero(k)
			delete(s.keys, oldest)
		}
	}
}

// Take removes and returns the key for a request id. Single-use: a
// second Take for the same id reports absence.
func (s *SessionKeyStore) Take(requestID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[requestID]
	if !ok {
		return nil, false
	}
	delete(s.keys, requestID)
	// Drop the id from the eviction queue too, or balanced put/take
	// traffic grows it without bound. O(cap) scan; cap is small.
	for i, id := range s.order {
		if id == requestID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return key, true
}

func (s *SessionKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Has reports whether a key is outstanding without consuming it.
func (s *SessionKeyStore) Has(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[requestID]
	return ok
}
