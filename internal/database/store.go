package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Supported SQL drivers
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// Change operation types
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Publisher receives every committed change
type Publisher interface {
	Publish(ev ChangeEvent) error
	Watch(ctx context.Context, collections []string, fn func(ChangeEvent)) (*Subscription, error)
}

// Record is a stored document with its bookkeeping columns
type Record struct {
	Collection string
	ID         string
	Body       json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Decode unmarshals the record body into v
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Query selects documents in one collection. Filter keys are top-level
// document fields compared for equality.
type Query struct {
	Filter       map[string]any
	SortField    string
	Desc         bool
	Limit        int
	ChangedSince time.Time
}

// Store is a JSON document store on top of SQLite
type Store struct {
	db     *sql.DB
	feed   Publisher
	closed atomic.Bool
	log    zerolog.Logger
}

// OpenStore opens the SQLite database at path and creates the schema
func OpenStore(ctx context.Context, driver, path string, log zerolog.Logger) (*Store, error) {
	if driver == "" {
		driver = DriverCGO
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s.log.Info().Str("driver", driver).Str("path", path).Msg("database initialized")
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated ON documents(collection, updated_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SetPublisher attaches a push feed that receives every committed change
func (s *Store) SetPublisher(p Publisher) {
	s.feed = p
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check() error {
	if s.closed.Load() {
		return ErrNotConnected
	}
	return nil
}

// Insert stores doc under id. Inserting an existing id fails with ErrDuplicate.
func (s *Store) Insert(ctx context.Context, collection, id string, doc any) error {
	if err := s.check(); err != nil {
		return err
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	// stamped once the connection is held so pollers never read past an uncommitted write
	now := time.Now()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&exists)
	if err == nil {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, collection, id)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check document: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(body), now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert: %w", err)
	}

	s.publish(OpInsert, collection, id, body, now)
	return nil
}

// Get loads one document into out
func (s *Store) Get(ctx context.Context, collection, id string, out any) error {
	if err := s.check(); err != nil {
		return err
	}
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query document: %w", err)
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

// Find returns the documents in collection matching q
func (s *Store) Find(ctx context.Context, collection string, q Query) ([]Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(collection, q.Filter)
	if err != nil {
		return nil, err
	}
	if !q.ChangedSince.IsZero() {
		where += ` AND updated_at >= ?`
		args = append(args, q.ChangedSince.UnixNano())
	}

	order, err := orderBy(q.SortField, q.Desc)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, body, created_at, updated_at FROM documents WHERE ` + where + order
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec              Record
			body             string
			created, updated int64
		)
		if err := rows.Scan(&rec.ID, &body, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		rec.Collection = collection
		rec.Body = json.RawMessage(body)
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.UpdatedAt = time.Unix(0, updated).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Update applies mutate to the stored document inside a transaction and
// returns the new body. A missing document yields ErrNotFound.
func (s *Store) Update(ctx context.Context, collection, id string, mutate func(doc map[string]any) error) (json.RawMessage, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query document: %w", err)
	}

	doc := make(map[string]any)
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	if err := mutate(doc); err != nil {
		return nil, err
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(updated), now.UnixNano(), collection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit update: %w", err)
	}

	s.publish(OpUpdate, collection, id, updated, now)
	return updated, nil
}

// Count returns how many documents in collection match filter
func (s *Store) Count(ctx context.Context, collection string, filter map[string]any) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

// Distinct returns the distinct non-null values of field in collection
func (s *Store) Distinct(ctx context.Context, collection, field string, filter map[string]any) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if !fieldPattern.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	where, args, err := buildWhere(collection, filter)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf(`json_extract(body, '$.%s')`, field)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+expr+` FROM documents WHERE `+where+` AND `+expr+` IS NOT NULL ORDER BY 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan distinct value: %w", err)
		}
		if v.Valid {
			values = append(values, v.String)
		}
	}
	return values, rows.Err()
}

// Delete removes one document and reports whether it existed
func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.publish(OpDelete, collection, id, nil, time.Now())
	}
	return n > 0, nil
}

// Watch subscribes to pushed changes. Without a publisher it returns
// ErrChangeStreamUnsupported so callers can fall back to polling.
func (s *Store) Watch(ctx context.Context, collections []string, fn func(ChangeEvent)) (*Subscription, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if s.feed == nil {
		return nil, ErrChangeStreamUnsupported
	}
	return s.feed.Watch(ctx, collections, fn)
}

func (s *Store) publish(op, collection, id string, body json.RawMessage, at time.Time) {
	if s.feed == nil {
		return
	}
	ev := ChangeEvent{Collection: collection, OperationType: op, DocumentID: id, At: at.UTC()}
	if body != nil {
		doc := make(map[string]any)
		if err := json.Unmarshal(body, &doc); err == nil {
			ev.Document = doc
		}
	}
	if err := s.feed.Publish(ev); err != nil {
		s.log.Warn().Err(err).Str("collection", collection).Str("id", id).Msg("failed to publish change")
	}
}

func buildWhere(collection string, filter map[string]any) (string, []any, error) {
	clauses := []string{`collection = ?`}
	args := []any{collection}
	for field, value := range filter {
		if !fieldPattern.MatchString(field) {
			return "", nil, fmt.Errorf("invalid filter field %q", field)
		}
		switch v := value.(type) {
		case bool:
			// json_extract reports JSON booleans as 0/1
			if v {
				value = 1
			} else {
				value = 0
			}
		}
		clauses = append(clauses, fmt.Sprintf(`json_extract(body, '$.%s') = ?`, field))
		args = append(args, value)
	}
	return strings.Join(clauses, ` AND `), args, nil
}

func orderBy(field string, desc bool) (string, error) {
	dir := ` ASC`
	if desc {
		dir = ` DESC`
	}
	switch field {
	case "":
		return ` ORDER BY created_at` + dir + `, id` + dir, nil
	case "created_at", "updated_at":
		return ` ORDER BY ` + field + dir + `, id` + dir, nil
	}
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid sort field %q", field)
	}
	return fmt.Sprintf(` ORDER BY json_extract(body, '$.%s')%s, created_at%s`, field, dir, dir), nil
}
