package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore writes one JSON file per document under dir/<kind>/<key>.json
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the base directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(kind, key string) string {
	return filepath.Join(f.dir, kind, url.PathEscape(key)+".json")
}

func (f *FileStore) Put(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.path(doc.Kind, doc.Key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}

	// Write-then-rename so readers never see a torn file
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	if err := os.Rename(tmp, target); err != nil {
		return &Error{Op: "put", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, kind, key string) (*Document, error) {
	data, err := os.ReadFile(f.path(kind, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "get", Kind: kind, Key: key, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Op: "get", Kind: kind, Key: key, Err: err}
	}
	return &doc, nil
}

func (f *FileStore) List(ctx context.Context, kind string) ([]Document, error) {
	entries, err := os.ReadDir(filepath.Join(f.dir, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &Error{Op: "list", Kind: kind, Err: err}
	}

	docs := make([]Document, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		doc, err := f.Get(ctx, kind, key)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

func (f *FileStore) Close() error {
	return nil
}
