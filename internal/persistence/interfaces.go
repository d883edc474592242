package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Document kinds persisted by the engine
const (
	KindCorrelationMatrix = "correlation_matrix"
	KindPerformanceRecord = "performance_record"
)

// Document is a versioned key/value record. Payload is JSON.
type Document struct {
	Kind      string          `json:"kind" db:"kind"`
	Key       string          `json:"key" db:"key"`
	Version   int             `json:"version" db:"version"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Store provides durable document persistence
type Store interface {
	// Put inserts or replaces the document identified by kind/key
	Put(ctx context.Context, doc Document) error

	// Get returns the document or nil when it does not exist
	Get(ctx context.Context, kind, key string) (*Document, error)

	// List returns every document of one kind
	List(ctx context.Context, kind string) ([]Document, error)

	// Close releases backend resources
	Close() error
}

// HealthChecker is implemented by stores that can check their backend
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ErrVersionMismatch is returned when a stored document has an unexpected version
var ErrVersionMismatch = errors.New("document version mismatch")

// Error describes a failed persistence operation. Callers log it and continue cold.
type Error struct {
	Op   string
	Kind string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("persistence %s %s/%s: %v", e.Op, e.Kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Encode marshals value into a document
func Encode(kind, key string, version int, value any, updatedAt time.Time) (Document, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Document{}, &Error{Op: "encode", Kind: kind, Key: key, Err: err}
	}
	return Document{
		Kind:      kind,
		Key:       key,
		Version:   version,
		Payload:   payload,
		UpdatedAt: updatedAt.UTC(),
	}, nil
}

// Decode unmarshals the payload into out after checking the version
func Decode(doc Document, version int, out any) error {
	if doc.Version != version {
		return &Error{
			Op:   "decode",
			Kind: doc.Kind,
			Key:  doc.Key,
			Err:  fmt.Errorf("%w: have %d want %d", ErrVersionMismatch, doc.Version, version),
		}
	}
	if err := json.Unmarshal(doc.Payload, out); err != nil {
		return &Error{Op: "decode", Kind: doc.Kind, Key: doc.Key, Err: err}
	}
	return nil
}

func cloneDocument(doc Document) Document {
	out := doc
	out.Payload = append(json.RawMessage(nil), doc.Payload...)
	return out
}
