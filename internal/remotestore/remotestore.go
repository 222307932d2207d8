// Package remotestore provides the remote document database adapter.
//
// Documents are addressed by a path of alternating (collection, documentId)
// segments, mirroring the multi-tenant layout of the hosted store:
//
//	users/{userId}
//	users/{userId}/progresso/{courseId}
//	users/{userId}/progresso/{courseId}/questoes/{questionId}
//
// The query capability is restricted to equality filters plus a single-field
// ascending sort. Backends may lack the index required for a sorted query;
// callers must treat that failure class specially and fall back to an
// unordered query with an in-memory sort. QueryWithFallback implements that
// contract once for every call site.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound reports that no document exists at the given path.
	ErrNotFound = errors.New("document not found")

	// ErrQueryShape reports that the backend cannot serve the requested
	// query shape (typically a sort lacking its index).
	ErrQueryShape = errors.New("query shape unsupported")

	// ErrBadPath reports a malformed document or collection path.
	ErrBadPath = errors.New("malformed document path")
)

// Document is a decoded JSON document body.
type Document map[string]any

// Raw returns the document encoded as JSON. Encoding a map of
// JSON-compatible values cannot fail; a broken document encodes to null.
func (d Document) Raw() []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		return []byte("null")
	}
	return raw
}

// Decode unmarshals the document into out via its JSON form.
func (d Document) Decode(out any) error {
	return json.Unmarshal(d.Raw(), out)
}

// Filter is an equality constraint on a top-level document field.
type Filter struct {
	Field string
	Value any
}

// Store is the remote document database contract consumed by the sync and
// progress engines. Implementations: Libsql (production) and Memory
// (tests, offline development).
type Store interface {
	// Get returns the document at path, or ErrNotFound.
	Get(ctx context.Context, path ...string) (Document, error)

	// Set writes data at path. With merge, existing fields not named in
	// data are preserved; without, the document is replaced.
	Set(ctx context.Context, data Document, merge bool, path ...string) error

	// Exists reports whether a document is present at path.
	Exists(ctx context.Context, path ...string) (bool, error)

	// Query returns the documents of a collection matching every filter,
	// sorted ascending by orderBy when non-empty. May fail with
	// ErrQueryShape when the backend cannot serve the sorted form.
	Query(ctx context.Context, collection []string, filters []Filter, orderBy string) ([]Document, error)
}

// QueryWithFallback runs a sorted query, retrying unordered with an
// in-memory sort when the backend rejects the query shape. This fallback is
// part of the adapter contract, not optional hardening.
func QueryWithFallback(ctx context.Context, s Store, collection []string, filters []Filter, orderBy string) ([]Document, error) {
	docs, err := s.Query(ctx, collection, filters, orderBy)
	if err == nil || orderBy == "" || !errors.Is(err, ErrQueryShape) {
		return docs, err
	}

	docs, err = s.Query(ctx, collection, filters, "")
	if err != nil {
		return nil, err
	}
	SortDocuments(docs, orderBy)
	return docs, nil
}

// SortDocuments sorts docs ascending by the given field. Numeric values
// compare numerically, everything else by string form. Documents missing the
// field sort first.
func SortDocuments(docs []Document, field string) {
	sort.SliceStable(docs, func(i, j int) bool {
		a := gjson.GetBytes(docs[i].Raw(), field)
		b := gjson.GetBytes(docs[j].Raw(), field)
		if a.Type == gjson.Number && b.Type == gjson.Number {
			return a.Num < b.Num
		}
		return a.String() < b.String()
	})
}

// docPath validates and joins an even-length (collection, id) path.
func docPath(segments []string) (string, error) {
	if len(segments) == 0 || len(segments)%2 != 0 {
		return "", fmt.Errorf("%w: document path needs (collection, id) pairs, got %d segments",
			ErrBadPath, len(segments))
	}
	return joinPath(segments)
}

// collectionPath validates and joins an odd-length collection path.
func collectionPath(segments []string) (string, error) {
	if len(segments)%2 != 1 {
		return "", fmt.Errorf("%w: collection path needs an odd segment count, got %d",
			ErrBadPath, len(segments))
	}
	return joinPath(segments)
}

func joinPath(segments []string) (string, error) {
	for _, seg := range segments {
		if seg == "" || strings.Contains(seg, "/") {
			return "", fmt.Errorf("%w: segment %q", ErrBadPath, seg)
		}
	}
	return strings.Join(segments, "/"), nil
}

// parentCollection returns the collection a document path belongs to.
func parentCollection(docPath string) string {
	idx := strings.LastIndexByte(docPath, '/')
	return docPath[:idx]
}
