// Package hotstore defines the low-latency document store written
// synchronously on the interactive path.
package hotstore

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmptyCollection indicates a write without a collection name.
	ErrEmptyCollection = errors.New("collection cannot be empty")

	// ErrEmptyDocumentID indicates a write without a document path.
	ErrEmptyDocumentID = errors.New("document id cannot be empty")
)

// Store upserts whole documents addressed by collection and path.
type Store interface {
	// UpsertDocument replaces the document at collection/id with fields.
	UpsertDocument(ctx context.Context, collection, id string, fields map[string]any) error
}

// Validate checks the addressing arguments shared by every Store.
func Validate(collection, id string) error {
	if collection == "" {
		return ErrEmptyCollection
	}
	if id == "" {
		return ErrEmptyDocumentID
	}
	return nil
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]map[string]map[string]any
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]map[string]map[string]any)}
}

// UpsertDocument stores a copy of fields.
func (m *Memory) UpsertDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := Validate(collection, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := make(map[string]any, len(fields))
	for k, v := range fields {
		doc[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	m.docs[collection][id] = doc
	return nil
}

// Get returns the document at collection/id.
func (m *Memory) Get(collection, id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[collection][id]
	return doc, ok
}

// Count returns the number of documents in collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}
