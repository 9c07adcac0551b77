package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/systmms/keylife/internal/logging"
)

// FileStore implements Store on the local filesystem, one JSON document per
// record plus an index file preserving insertion order. Intended for a
// single keylifed process owning the data directory; the in-process per-key
// locks provide the commit guard.
type FileStore struct {
	dataDir string
	logger  *logging.Logger

	mu    sync.RWMutex // guards index and locks
	index []string
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dataDir, creating the
// directory layout and loading any existing index.
func NewFileStore(dataDir string, logger *logging.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "keys"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create key data directory: %w", err)
	}

	s := &FileStore{
		dataDir: dataDir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}

	indexPath := s.indexPath()
	if data, err := os.ReadFile(indexPath); err == nil {
		if err := json.Unmarshal(data, &s.index); err != nil {
			return nil, fmt.Errorf("failed to parse key index %s: %w", indexPath, err)
		}
		for _, id := range s.index {
			s.locks[id] = &sync.Mutex{}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key index: %w", err)
	}

	return s, nil
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dataDir, "index.json")
}

// recordPath maps an id to its document. The escaping is injective, so
// two distinct ids never share a file.
func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dataDir, "keys", url.PathEscape(id)+".json")
}

func (s *FileStore) readRecord(id string) (KeyRecord, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return KeyRecord{}, ErrNotFound
		}
		return KeyRecord{}, fmt.Errorf("failed to read key record: %w", err)
	}

	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return KeyRecord{}, fmt.Errorf("failed to unmarshal key record %s: %w", id, err)
	}
	return rec, nil
}

// writeRecord persists a record atomically via temp file and rename.
func (s *FileStore) writeRecord(rec KeyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key record: %w", err)
	}

	path := s.recordPath(rec.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write key record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace key record: %w", err)
	}
	return nil
}

func (s *FileStore) writeIndex() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key index: %w", err)
	}
	if err := os.WriteFile(s.indexPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write key index: %w", err)
	}
	return nil
}

// Get returns the record for id.
func (s *FileStore) Get(ctx context.Context, id string) (KeyRecord, error) {
	s.mu.RLock()
	_, known := s.locks[id]
	s.mu.RUnlock()
	if !known {
		return KeyRecord{}, ErrNotFound
	}
	return s.readRecord(id)
}

// List returns all records in insertion order.
func (s *FileStore) List(ctx context.Context) ([]KeyRecord, error) {
	s.mu.RLock()
	ids := make([]string, len(s.index))
	copy(ids, s.index)
	s.mu.RUnlock()

	out := make([]KeyRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.readRecord(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable key record %s: %v", id, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Insert stores a new record and appends it to the index.
func (s *FileStore) Insert(ctx context.Context, rec KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locks[rec.ID]; exists {
		return ErrDuplicateID
	}

	if err := s.writeRecord(rec); err != nil {
		return err
	}

	s.index = append(s.index, rec.ID)
	if err := s.writeIndex(); err != nil {
		return err
	}
	s.locks[rec.ID] = &sync.Mutex{}

	s.logger.Debug("Inserted key record %s", rec.ID)
	return nil
}

// Commit applies mutate under the record's per-key lock with the version
// guard enforced against the persisted document.
func (s *FileStore) Commit(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (KeyRecord, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return KeyRecord{}, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	cur, err := s.readRecord(id)
	if err != nil {
		return KeyRecord{}, err
	}

	if cur.Version != expectedVersion {
		return KeyRecord{}, ErrConflict
	}

	next := mutate(cur)
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.Version = expectedVersion + 1

	if err := s.writeRecord(next); err != nil {
		return KeyRecord{}, err
	}

	s.logger.Debug("Committed key record %s at version %d", id, next.Version)
	return next, nil
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error {
	return nil
}
