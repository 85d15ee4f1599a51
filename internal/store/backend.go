package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ppiankov/concord/internal/model"
)

// Backend persists document histories as append-only version streams.
// Load of an unknown document returns an empty history and no error.
type Backend interface {
	Load(ctx context.Context, documentID string) (model.History, error)
	Append(ctx context.Context, documentID string, entry model.VersionEntry) error
	Documents(ctx context.Context) ([]string, error)
	Close() error
}

// Open creates the backend selected by the configuration
func Open(cfg model.StoreConfig) (Backend, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileBackend(cfg.Dir), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: file, sqlite, memory)", cfg.Backend)
	}
}

// MemoryBackend keeps histories in process memory
type MemoryBackend struct {
	mu        sync.RWMutex
	histories map[string][]model.VersionEntry
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		histories: make(map[string][]model.VersionEntry),
	}
}

// Load returns a deep copy of the document's history
func (b *MemoryBackend) Load(ctx context.Context, documentID string) (model.History, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	versions := b.histories[documentID]
	h := model.History{DocumentID: documentID, Versions: make([]model.VersionEntry, len(versions))}
	for i, v := range versions {
		h.Versions[i] = v.Clone()
	}
	return h, nil
}

// Append stores a copy of the entry
func (b *MemoryBackend) Append(ctx context.Context, documentID string, entry model.VersionEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.histories[documentID] = append(b.histories[documentID], entry.Clone())
	return nil
}

// Documents lists known document identifiers in sorted order
func (b *MemoryBackend) Documents(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	docs := make([]string, 0, len(b.histories))
	for id := range b.histories {
		docs = append(docs, id)
	}
	sort.Strings(docs)
	return docs, nil
}

// Close is a no-op
func (b *MemoryBackend) Close() error {
	return nil
}
