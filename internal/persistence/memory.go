package persistence

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps documents in process. Used for tests and when no backend is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]Document
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]map[string]Document)}
}

func (m *MemoryStore) Put(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byKey, ok := m.docs[doc.Kind]
	if !ok {
		byKey = make(map[string]Document)
		m.docs[doc.Kind] = byKey
	}
	byKey[doc.Key] = cloneDocument(doc)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, kind, key string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[kind][key]
	if !ok {
		return nil, nil
	}
	out := cloneDocument(doc)
	return &out, nil
}

func (m *MemoryStore) List(ctx context.Context, kind string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Document, 0, len(m.docs[kind]))
	for _, doc := range m.docs[kind] {
		out = append(out, cloneDocument(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
