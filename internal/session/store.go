package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/okapilab/keeper/internal/fileutil"
)

const snapshotExt = ".json"

// Store persists session snapshots as one JSON file per session under a
// single directory. Writes are atomic (temp file plus rename) so a crash
// mid-write never corrupts an existing snapshot. Store is safe for use from
// one goroutine at a time; callers that share it take their own lock.
type Store struct {
	dir    string
	logger *slog.Logger
	closed bool
}

// NewStore opens (creating if needed) a snapshot store rooted at dir.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (st *Store) Dir() string { return st.dir }

// Save writes snap to disk, replacing any previous snapshot for the same id.
func (st *Store) Save(snap *Snapshot) error {
	if st.closed {
		return ErrStoreClosed
	}
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	path, err := st.path(snap.ID)
	if err != nil {
		return err
	}

	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := fileutil.WriteBytesAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", snap.ID, err)
	}

	if st.logger != nil {
		st.logger.Debug("snapshot saved",
			"session_id", snap.ID,
			"pending_outputs", len(snap.PendingOutputs))
	}
	return nil
}

// Load reads the snapshot for id. Returns ErrSessionNotFound if no snapshot
// exists, and *SerializationError if the file cannot be decoded.
func (st *Store) Load(id string) (*Snapshot, error) {
	if st.closed {
		return nil, ErrStoreClosed
	}
	path, err := st.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if snap.ID != id {
		return nil, &SerializationError{Err: fmt.Errorf("snapshot id %q does not match file %q", snap.ID, id)}
	}
	return snap, nil
}

// List returns the ids of all stored snapshots in ascending order.
func (st *Store) List() ([]string, error) {
	if st.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// LoadAll decodes every stored snapshot. Corrupt files are skipped with a
// warning so one damaged snapshot does not block recovery of the rest.
func (st *Store) LoadAll() ([]*Snapshot, error) {
	ids, err := st.List()
	if err != nil {
		return nil, err
	}

	snaps := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := st.Load(id)
		if err != nil {
			if st.logger != nil {
				st.logger.Warn("skipping unreadable snapshot",
					"session_id", id,
					"error", err)
			}
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Exists reports whether a snapshot is stored for id.
func (st *Store) Exists(id string) (bool, error) {
	if st.closed {
		return false, ErrStoreClosed
	}
	path, err := st.path(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the snapshot for id. Returns ErrSessionNotFound if none is
// stored.
func (st *Store) Delete(id string) error {
	if st.closed {
		return ErrStoreClosed
	}
	path, err := st.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("deleting snapshot %s: %w", id, err)
	}
	if st.logger != nil {
		st.logger.Debug("snapshot deleted", "session_id", id)
	}
	return nil
}

// Close marks the store closed. Subsequent operations fail with
// ErrStoreClosed. Idempotent.
func (st *Store) Close() error {
	st.closed = true
	return nil
}

// path maps a session id to its snapshot file, rejecting ids that would
// escape the store directory.
func (st *Store) path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("session id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(st.dir, id+snapshotExt), nil
}
