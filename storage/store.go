// Package storage holds the durable event queue and the event history log.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotFound is returned by a Store that holds no record yet.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStorage wraps read and write failures of the backing store.
	ErrStorage = errors.New("storage: backing store failure")
	// ErrCorruptRecord is returned when a persisted record cannot be decoded.
	ErrCorruptRecord = errors.New("storage: corrupt record")
	// ErrQueueFull is returned by AddEvent under the RejectNew policy.
	ErrQueueFull = errors.New("storage: queue full")
)

// Store persists a single opaque record.
type Store interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileStore keeps the record in one file and replaces it atomically, so a
// power cut leaves either the previous or the new record on disk.
type FileStore struct {
	path string
}

// NewFileStore stores the record at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the record location.
func (fs *FileStore) Path() string {
	return fs.path
}

// Load reads the record, or ErrNotFound when none was saved.
func (fs *FileStore) Load() ([]byte, error) {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return data, nil
}

// Save replaces the record.
func (fs *FileStore) Save(data []byte) error {
	if err := fs.save(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (fs *FileStore) save(data []byte) error {
	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(fs.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return err
	}

	// Persist the rename itself. Not every platform supports syncing a
	// directory; the data is already durable in that case.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// MemoryStore is a volatile Store for tests and diskless runs.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
	set  bool

	// FailSave, when set, is returned by every Save.
	FailSave error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the record, or ErrNotFound when none was saved.
func (ms *MemoryStore) Load() ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if !ms.set {
		return nil, ErrNotFound
	}
	return append([]byte(nil), ms.data...), nil
}

// Save replaces the record unless FailSave is set.
func (ms *MemoryStore) Save(data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.FailSave != nil {
		return fmt.Errorf("%w: %v", ErrStorage, ms.FailSave)
	}
	ms.data = append(ms.data[:0], data...)
	ms.set = true
	return nil
}

// Bytes returns a copy of the stored record.
func (ms *MemoryStore) Bytes() []byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]byte(nil), ms.data...)
}
