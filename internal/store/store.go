// Package store implements the three whole-file JSON state documents the
// broker owns: nonces (replay protection), commands (the idempotency
// ledger), and sessions. Each store is loaded, mutated, and rewritten
// atomically by internal/atomicfile under the core lock; callers are
// expected to serialize access themselves (the broker's core mutex), these
// types add no locking of their own.
package store

import (
	"encoding/json"
	"os"

	"reach/services/privexecd/internal/api"
	"reach/services/privexecd/internal/atomicfile"
)

// NonceStore persists nonce -> unix-seconds-first-seen.
type NonceStore struct {
	path string
}

func NewNonceStore(path string) *NonceStore { return &NonceStore{path: path} }

func (s *NonceStore) load() (map[string]int64, error) {
	return loadMap[int64](s.path)
}

// Reserve evicts entries older than ttlSeconds, then inserts nonce if it
// is not already present. It reports ok=false without mutating the store
// if nonce was already reserved (NONCE_REPLAY at the call site).
func (s *NonceStore) Reserve(nonce string, now int64, ttlSeconds int64) (ok bool, err error) {
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	m, err := s.load()
	if err != nil {
		return false, err
	}
	for n, ts := range m {
		if now-ts > ttlSeconds {
			delete(m, n)
		}
	}
	if _, exists := m[nonce]; exists {
		return false, nil
	}
	m[nonce] = now
	if err := saveMap(s.path, m); err != nil {
		return false, err
	}
	return true, nil
}

// CommandStore persists commandId -> StoredCommandRecord. Records are
// never evicted; this is the idempotency ledger and it grows monotonically
// by design (§9 "Idempotency ledger unbounded").
type CommandStore struct {
	path string
}

func NewCommandStore(path string) *CommandStore { return &CommandStore{path: path} }

func (s *CommandStore) Get(commandID string) (api.StoredCommandRecord, bool, error) {
	m, err := loadRecordMap(s.path)
	if err != nil {
		return api.StoredCommandRecord{}, false, err
	}
	rec, ok := m[commandID]
	return rec, ok, nil
}

func (s *CommandStore) Put(commandID string, rec api.StoredCommandRecord) error {
	m, err := loadRecordMap(s.path)
	if err != nil {
		return err
	}
	m[commandID] = rec
	return saveRecordMap(s.path, m)
}

// SessionStore persists sessionId -> SessionRecord.
type SessionStore struct {
	path string
}

func NewSessionStore(path string) *SessionStore { return &SessionStore{path: path} }

func (s *SessionStore) load() (map[string]api.SessionRecord, error) {
	return loadSessionMap(s.path)
}

func (s *SessionStore) save(m map[string]api.SessionRecord) error {
	return saveSessionMap(s.path, m)
}

// Get evicts expired sessions (relative to now) before looking up id, but
// retains id itself through eviction even if it is expired so the caller
// can distinguish SESSION_NOT_FOUND from SESSION_EXPIRED explicitly,
// mirroring the original's retain(id == &session_id || ...) guard.
func (s *SessionStore) Get(id string, now int64, parseTime func(string) (int64, bool)) (api.SessionRecord, bool, error) {
	m, err := s.load()
	if err != nil {
		return api.SessionRecord{}, false, err
	}
	evictExpiredExcept(m, now, parseTime, id)
	rec, ok := m[id]
	return rec, ok, nil
}

// Put evicts expired sessions other than id, then inserts/overwrites id,
// then persists.
func (s *SessionStore) Put(id string, rec api.SessionRecord, now int64, parseTime func(string) (int64, bool)) error {
	m, err := s.load()
	if err != nil {
		return err
	}
	evictExpiredExcept(m, now, parseTime, id)
	m[id] = rec
	return s.save(m)
}

// Delete removes id if present and persists. Returns whether it was present.
func (s *SessionStore) Delete(id string) (bool, error) {
	m, err := s.load()
	if err != nil {
		return false, err
	}
	_, existed := m[id]
	if existed {
		delete(m, id)
		if err := s.save(m); err != nil {
			return false, err
		}
	}
	return existed, nil
}

// evictExpiredExcept deletes every expired entry except keepID, so a
// caller that is about to inspect keepID itself can still observe it and
// report SESSION_EXPIRED rather than having it silently vanish as
// SESSION_NOT_FOUND.
func evictExpiredExcept(m map[string]api.SessionRecord, now int64, parseTime func(string) (int64, bool), keepID string) {
	for id, rec := range m {
		if id == keepID {
			continue
		}
		if secs, ok := parseTime(rec.ExpiresAt); ok && now > secs {
			delete(m, id)
		}
	}
}

// --- generic whole-file JSON document helpers ---

func loadMap[V any](path string) (map[string]V, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]V), nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return make(map[string]V), nil
	}
	var m map[string]V
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(map[string]V)
	}
	return m, nil
}

func saveMap[V any](path string, m map[string]V) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = atomicfile.Replace(path, raw, false)
	return err
}

func loadRecordMap(path string) (map[string]api.StoredCommandRecord, error) {
	return loadMap[api.StoredCommandRecord](path)
}

func saveRecordMap(path string, m map[string]api.StoredCommandRecord) error {
	return saveMap(path, m)
}

func loadSessionMap(path string) (map[string]api.SessionRecord, error) {
	return loadMap[api.SessionRecord](path)
}

func saveSessionMap(path string, m map[string]api.SessionRecord) error {
	return saveMap(path, m)
}
