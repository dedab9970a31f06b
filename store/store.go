// Package store defines the blob-persistence boundary Aia's core is built
// against (spec.md §6 "blobStore.store/load(key, bytes) — for topic-root
// persistence"). The concrete backing store (flash, a key-value service,
// …) is an external collaborator; this package states the contract and a
// file-backed reference adapter, grounded on the teacher's
// internal/config package's directory/permission conventions.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// AiaTopicRootKey is the well-known key under which the device's stored
// topic root (spec.md §6 "<storedRoot>") is persisted.
const AiaTopicRootKey = "aia.topic_root"

// AiaRotationBoundariesKey is the well-known key under which a
// secret.Manager's in-progress rotation boundaries are persisted, so a
// restart mid-rotation doesn't silently drop them.
const AiaRotationBoundariesKey = "aia.rotation.boundaries"

// AiaRotationPreviousKeyKey is the well-known key under which the
// pre-rotation key still in use for any not-yet-crossed topic is
// persisted, alongside AiaRotationBoundariesKey.
const AiaRotationPreviousKeyKey = "aia.rotation.previous_key"

// ErrNotFound is returned by Load when key has never been stored.
var ErrNotFound = errors.New("store: key not found")

// BlobStore is the persistence contract: opaque named byte blobs, with no
// assumptions about transactionality beyond last-write-wins.
type BlobStore interface {
	Store(key string, data []byte) error
	Load(key string) ([]byte, error)
}

// Memory is an in-process BlobStore for tests.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory constructs an empty in-memory BlobStore.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

var _ BlobStore = (*Memory)(nil)

func (m *Memory) Store(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte{}, data...)
	m.data[key] = cp
	return nil
}

func (m *Memory) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

// File is a BlobStore backed by one file per key under Dir, mirroring the
// teacher's internal/config package's "create the directory, write with
// 0o600" pattern rather than a database.
type File struct {
	mu  sync.Mutex
	Dir string
}

// NewFile constructs a File-backed BlobStore rooted at dir.
func NewFile(dir string) *File {
	return &File{Dir: dir}
}

var _ BlobStore = (*File)(nil)

func (f *File) path(key string) string {
	return filepath.Join(f.Dir, keyToFilename(key)+".blob")
}

// keyToFilename escapes path separators so arbitrary keys map to a single
// flat filename.
func keyToFilename(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c == '/' || c == filepath.Separator {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

func (f *File) Store(key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(f.Dir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(f.path(key), data, 0o600)
}

func (f *File) Load(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// RotationBoundaries is the per-topic sequence-number boundary map a
// secret.Manager.Rotate call needs (spec.md §4.2 "Rotation"), persisted
// so a restart can resume mid-rotation instead of losing the previous key
// state.
type RotationBoundaries map[uint8]uint32

// SaveRotationBoundaries JSON-encodes and stores b under key in s.
func SaveRotationBoundaries(s BlobStore, key string, b RotationBoundaries) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return s.Store(key, data)
}

// LoadRotationBoundaries loads and decodes a RotationBoundaries previously
// saved with SaveRotationBoundaries. Returns (nil, nil) if key is absent.
func LoadRotationBoundaries(s BlobStore, key string) (RotationBoundaries, error) {
	data, err := s.Load(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var b RotationBoundaries
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return b, nil
}
