package remotestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-memory Store used by tests and offline development.
// It mirrors Libsql's semantics, including merge writes and the restricted
// query capability.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	// OrderedQueryErr, when set, is returned by every sorted query.
	// Tests use it to mimic a backend missing the sort index.
	OrderedQueryErr error

	// FailAll, when set, makes every operation fail with the given error.
	// Tests use it to mimic an unreachable backend.
	FailAll error
}

// NewMemory returns an empty in-memory document store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, path ...string) (Document, error) {
	p, err := docPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return nil, m.FailAll
	}

	body, ok := m.docs[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	var doc Document
	if err := doc.decodeFrom(body); err != nil {
		return nil, err
	}
	return doc, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, data Document, merge bool, path ...string) error {
	p, err := docPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return m.FailAll
	}

	body := data.Raw()
	if existing, ok := m.docs[p]; ok && merge {
		body, err = mergeFields(existing, data)
		if err != nil {
			return fmt.Errorf("failed to merge document %s: %w", p, err)
		}
	}
	m.docs[p] = body
	return nil
}

// Exists implements Store.
func (m *Memory) Exists(ctx context.Context, path ...string) (bool, error) {
	p, err := docPath(path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return false, m.FailAll
	}
	_, ok := m.docs[p]
	return ok, nil
}

// Query implements Store.
func (m *Memory) Query(ctx context.Context, collection []string, filters []Filter, orderBy string) ([]Document, error) {
	c, err := collectionPath(collection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAll != nil {
		return nil, m.FailAll
	}
	if orderBy != "" && m.OrderedQueryErr != nil {
		return nil, fmt.Errorf("query on %s: %w", c, m.OrderedQueryErr)
	}

	var docs []Document
	for p, body := range m.docs {
		if parentCollection(p) != c {
			continue
		}
		var doc Document
		if err := doc.decodeFrom(body); err != nil {
			return nil, err
		}
		if !matchesFilters(doc, filters) {
			continue
		}
		docs = append(docs, doc)
	}
	if orderBy != "" {
		SortDocuments(docs, orderBy)
	}
	return docs, nil
}

// Delete removes a document; used by tests to reset remote state.
func (m *Memory) Delete(ctx context.Context, path ...string) error {
	p, err := docPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, p)
	return nil
}

func matchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		got, ok := doc[f.Field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func (d *Document) decodeFrom(body []byte) error {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	*d = doc
	return nil
}
