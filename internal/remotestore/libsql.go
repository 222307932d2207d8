package remotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	_ "github.com/tursodatabase/go-libsql"
)

// Libsql implements Store over a libsql database.
//
// URLs of the form libsql://... reach the hosted multi-tenant store;
// file:... opens an embedded database, which tests and offline development
// use. Documents live in a single table keyed by their full path, with the
// parent collection denormalized for queries.
type Libsql struct {
	conn *sql.DB
	log  *zap.Logger
	now  func() time.Time
}

// OpenLibsql connects to the document database at url.
// The auth token may be empty for embedded databases.
func OpenLibsql(url, authToken string, logger *zap.Logger) (*Libsql, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if authToken != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "authToken=" + authToken
	}

	conn, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping remote store: %w", err)
	}

	s := &Libsql{conn: conn, log: logger, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Libsql) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path       TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote store schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Libsql) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Get implements Store.
func (s *Libsql) Get(ctx context.Context, path ...string) (Document, error) {
	p, err := docPath(path)
	if err != nil {
		return nil, err
	}

	var body string
	err = s.conn.QueryRowContext(ctx, `SELECT body FROM documents WHERE path = ?`, p).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", p, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", p, err)
	}
	return doc, nil
}

// Set implements Store. Merge writes preserve existing fields not named in
// data, so concurrent writers of sibling fields (profile vs progress on the
// same user document) do not clobber each other.
func (s *Libsql) Set(ctx context.Context, data Document, merge bool, path ...string) error {
	p, err := docPath(path)
	if err != nil {
		return err
	}

	body := data.Raw()
	if merge {
		var existing string
		err := s.conn.QueryRowContext(ctx, `SELECT body FROM documents WHERE path = ?`, p).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read document %s for merge: %w", p, err)
		}
		if err == nil {
			body, err = mergeFields([]byte(existing), data)
			if err != nil {
				return fmt.Errorf("failed to merge document %s: %w", p, err)
			}
		}
	}

	query := `
	INSERT INTO documents (path, collection, body, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		body = excluded.body,
		updated_at = excluded.updated_at
	`
	_, err = s.conn.ExecContext(ctx, query, p, parentCollection(p), string(body),
		s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write document %s: %w", p, err)
	}
	return nil
}

// mergeFields sets each top-level field of data into the existing JSON body.
// Field values are replaced whole; absent fields are preserved.
func mergeFields(existing []byte, data Document) ([]byte, error) {
	body := existing
	for key, value := range data {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		// Dots in field names would read as sjson path separators.
		escaped := strings.ReplaceAll(key, ".", `\.`)
		body, err = sjson.SetRawBytes(body, escaped, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
	}
	return body, nil
}

// Exists implements Store.
func (s *Libsql) Exists(ctx context.Context, path ...string) (bool, error) {
	p, err := docPath(path)
	if err != nil {
		return false, err
	}

	var one int
	err = s.conn.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE path = ?`, p).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check document %s: %w", p, err)
	}
	return true, nil
}

// Query implements Store.
func (s *Libsql) Query(ctx context.Context, collection []string, filters []Filter, orderBy string) ([]Document, error) {
	c, err := collectionPath(collection)
	if err != nil {
		return nil, err
	}

	conditions := []string{"collection = ?"}
	args := []any{c}
	for _, f := range filters {
		conditions = append(conditions, fmt.Sprintf("json_extract(body, '$.%s') = ?", f.Field))
		args = append(args, f.Value)
	}

	query := `SELECT body FROM documents WHERE ` + strings.Join(conditions, " AND ")
	if orderBy != "" {
		query += fmt.Sprintf(" ORDER BY json_extract(body, '$.%s') ASC", orderBy)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyQueryErr(c, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan document in %s: %w", c, err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document in %s: %w", c, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryErr(c, err)
	}
	return docs, nil
}

// classifyQueryErr maps backend errors about unsupported query shapes onto
// ErrQueryShape so call sites can run the unordered fallback.
func classifyQueryErr(collection string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"no such index",
		"requires an index",
		"failed precondition",
		"unsupported order",
	} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("query on %s: %w: %v", collection, ErrQueryShape, err)
		}
	}
	return fmt.Errorf("failed to query collection %s: %w", collection, err)
}
