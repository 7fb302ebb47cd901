package store

import (
	"io"

	"goredis/internal/snapshot"
)

// LoadSnapshot decodes r as a snapshot and installs every entry it finds,
// satisfying the store contract's load_snapshot operation.
func (s *Store) LoadSnapshot(r io.Reader) error {
	return snapshot.Decode(r, s)
}
