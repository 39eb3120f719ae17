package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memoryEntry struct {
	partitionKey string
	body         []byte
}

// MemoryStore keeps documents in process memory. Documents are stored
// serialized so callers never share maps with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	containers map[string]map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{containers: make(map[string]map[string]memoryEntry)}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, container string, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := s.containers[container]
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	bodies := make([][]byte, 0, len(ids))
	for _, id := range ids {
		bodies = append(bodies, entries[id].body)
	}
	s.mu.RUnlock()

	docs := make([]Document, 0, len(bodies))
	for _, body := range bodies {
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return finish(docs, q), nil
}

func (s *MemoryStore) PointRead(ctx context.Context, container, id, partitionKey string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.containers[container][id]
	s.mu.RUnlock()
	if !ok || (partitionKey != "" && entry.partitionKey != partitionKey) {
		return nil, ErrNotFound
	}
	return decodeBody(entry.body)
}

func (s *MemoryStore) Upsert(ctx context.Context, container string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entriesLocked(container)[id] = memoryEntry{partitionKey: partitionKey, body: body}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, container string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, partitionKey, body, err := prepareWrite(container, doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entriesLocked(container)
	if _, exists := entries[id]; exists {
		return fmt.Errorf("create %s/%s: %w", container, id, ErrConflict)
	}
	entries[id] = memoryEntry{partitionKey: partitionKey, body: body}
	return nil
}

func (s *MemoryStore) entriesLocked(container string) map[string]memoryEntry {
	entries, ok := s.containers[container]
	if !ok {
		entries = make(map[string]memoryEntry)
		s.containers[container] = entries
	}
	return entries
}
