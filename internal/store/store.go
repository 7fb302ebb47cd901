// Package store holds the in-memory key space: string values with optional
// millisecond expiry and append-only stream values with blocking listeners
// kind.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ValueType is the type tag KEYS/TYPE report back to a client.
type ValueType int

const (
	StringType ValueType = iota
	StreamType
)

func (t ValueType) String() string {
	switch t {
	case StringType:
		return "string"
	case StreamType:
		return "stream"
	default:
		return "none"
	}
}

type stringEntry struct {
	value      []byte
	expiresAt  *time.Time
}

func (e *stringEntry) expired(now time.Time) bool {
	return e.expiresAt != nil && !now.Before(*e.expiresAt)
}

// StreamRecord is one append-only stream entry: an id plus an ordered list
// of field/value pairs.
type StreamRecord struct {
	ID     StreamRecordID
	Fields [][2]string
}

type streamEntry struct {
	records   []StreamRecord
	listeners []weakListener
}

// weakListener is a weakly-held notifier. A dead listener is pruned from a
// stream only when that stream publishes; other streams it was registered
// under keep their entry until they publish too.
type weakListener = weakPointerHandle

type entry struct {
	kind   ValueType
	str    *stringEntry
	stream *streamEntry
}

// Store is the whole key space, guarded by a single RWMutex: every key,
// whether string or stream, lives in one shared, lockable structure.
type Store struct {
	mu     sync.RWMutex
	data   map[string]*entry
	logger zerolog.Logger
}

// NewStore returns an empty store.
func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		data:   make(map[string]*entry),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// GetValue returns the live string value for key, or ok=false if the key is
// absent, expired, or holds a stream.
func (s *Store) GetValue(key string, now time.Time) (value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found || e.kind != StringType || e.str.expired(now) {
		return nil, false
	}
	return e.str.value, true
}

// GetType reports the live type of key: "string", "stream", or "none".
func (s *Store) GetType(key string, now time.Time) ValueType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found {
		return -1
	}
	if e.kind == StringType && e.str.expired(now) {
		return -1
	}
	return e.kind
}

// Keys returns every live (non-expired) key. Order is unspecified.
func (s *Store) Keys(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if e.kind == StringType && e.str.expired(now) {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// InsertValue sets key to value, replacing whatever was there (string or
// stream) and clearing any prior expiry unless expiresAt is supplied.
func (s *Store) InsertValue(key string, value []byte, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: StringType, str: &stringEntry{value: value, expiresAt: expiresAt}}
}

// InsertStream appends one record to the stream at key, creating the stream
// if absent, resolving idPattern against the current last id,
// and waking every listener registered on this key whose predicate accepts
// the new id. It returns the concrete id the record was assigned.
//
// Invariant: a new record's id must strictly exceed the stream's current
// last id. A pattern that resolves to an id that
// does not strictly exceed the last one is rejected.
func (s *Store) InsertStream(key string, idPattern string, fields [][2]string, nowMS uint64) (StreamRecordID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.data[key]
	if !found {
		e = &entry{kind: StreamType, stream: &streamEntry{}}
		s.data[key] = e
	} else if e.kind != StreamType {
		return StreamRecordID{}, fmt.Errorf("store: key %q holds a string, not a stream", key)
	}

	st := e.stream
	var last StreamRecordID
	hasLast := len(st.records) > 0
	if hasLast {
		last = st.records[len(st.records)-1].ID
	}

	id, err := ResolveInsertID(idPattern, last, hasLast, nowMS)
	if err != nil {
		return StreamRecordID{}, err
	}
	if hasLast && !id.Greater(last) {
		return StreamRecordID{}, fmt.Errorf("store: stream id %s is not greater than the stream's last id %s", id, last)
	}
	if !hasLast && id.Compare(MinStreamID) == 0 {
		return StreamRecordID{}, fmt.Errorf("store: stream id %s must be greater than 0-0", id)
	}

	st.records = append(st.records, StreamRecord{ID: id, Fields: fields})

	alive := st.listeners[:0]
	for _, wl := range st.listeners {
		if n := wl.upgrade(); n != nil {
			n.publish(streamEvent{key: key, id: id})
			alive = append(alive, wl)
		}
	}
	st.listeners = alive

	return id, nil
}

// RangeStream returns every record in [from, to] for the stream at key, in
// id order. Returns an error if key holds a string; a missing key yields no
// records and no error.
func (s *Store) RangeStream(key string, from, to StreamRecordID) ([]StreamRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found {
		return nil, nil
	}
	if e.kind != StreamType {
		return nil, fmt.Errorf("store: key %q holds a string, not a stream", key)
	}

	var out []StreamRecord
	for _, rec := range e.stream.records {
		if rec.ID.Compare(from) >= 0 && rec.ID.Compare(to) <= 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LatestStreamID returns the id of the most recent record in the stream at
// key, or MinStreamID if the stream is empty or absent. This is the
// resolution of XREAD's "$" token. It takes the store lock on its own, so a
// record can be inserted between this call and a later AddListener; Engine's
// XREAD BLOCK handling reads the streams again after AddListener so such a
// record is still returned.
func (s *Store) LatestStreamID(key string) StreamRecordID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found || e.kind != StreamType || len(e.stream.records) == 0 {
		return MinStreamID
	}
	return e.stream.records[len(e.stream.records)-1].ID
}

// AddListener registers l to be woken on every future InsertStream against
// any of keys. Every key must already hold a stream; if any does not, no
// registration happens and an error is returned.
func (s *Store) AddListener(keys []string, l *Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*streamEntry, len(keys))
	for i, key := range keys {
		e, found := s.data[key]
		if !found || e.kind != StreamType {
			return fmt.Errorf("store: key %q is not a stream", key)
		}
		entries[i] = e.stream
	}

	wl := newWeakPointerHandle(l.n)
	for _, st := range entries {
		st.listeners = append(st.listeners, wl)
	}
	return nil
}

// LoadString installs a string entry read from a snapshot, bypassing
// id/expiry validation since the snapshot is assumed well-formed. It
// satisfies internal/snapshot's Target interface.
func (s *Store) LoadString(key string, value []byte, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: StringType, str: &stringEntry{value: value, expiresAt: expiresAt}}
}
