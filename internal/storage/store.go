package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Options configures a Store.
type Options struct {
	// Clock stamps updated_at. Defaults to the real clock.
	Clock clockwork.Clock
}

// Store is the client key/value database.
//
// Each namespace holds JSON values under top-level keys, one row per key.
// Dotted keys address nested values inside a top-level value: reading
// "general.language" loads the "general" row and extracts "language".
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// New creates a store over an open, migrated database.
func New(db *sql.DB, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: opts.Clock}
}

// Namespaces lists every namespace, sorted.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM namespaces
		 UNION
		 SELECT DISTINCT namespace FROM namespace_items
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespaces: %w", err)
	}
	return names, nil
}

// EnsureNamespaces creates the named namespaces if they do not exist.
func (s *Store) EnsureNamespaces(ctx context.Context, names ...string) error {
	now := s.now()
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("%w: empty namespace", ErrInvalidKey)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)", name, now); err != nil {
			return fmt.Errorf("creating namespace %s: %w", name, err)
		}
	}
	return nil
}

// Get returns the value at key. An empty key returns the whole namespace as
// a JSON object.
func (s *Store) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	if key == "" {
		return s.getNamespace(ctx, namespace)
	}

	segments, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	raw, err := s.load(ctx, s.db, namespace, segments[0])
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, namespace, key)
	}
	if len(segments) == 1 {
		return raw, nil
	}

	r := gjson.GetBytes(raw, getPath(segments[1:]))
	if !r.Exists() {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, namespace, key)
	}
	return json.RawMessage(r.Raw), nil
}

// Post stores value at key and returns it. An empty key merges the top-level
// fields of an object value into the namespace. Intermediate objects of a
// dotted key are created as needed; a non-object in the way is replaced.
func (s *Store) Post(ctx context.Context, namespace, key string, value json.RawMessage) (json.RawMessage, error) {
	if namespace == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	value = bytes.TrimSpace(value)
	if !gjson.ValidBytes(value) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if key == "" {
		if err := s.merge(ctx, tx, namespace, value); err != nil {
			return nil, err
		}
	} else {
		segments, err := splitKey(key)
		if err != nil {
			return nil, err
		}
		stored := value
		if len(segments) > 1 {
			current, err := s.load(ctx, tx, namespace, segments[0])
			if err != nil {
				return nil, err
			}
			if !gjson.ParseBytes(current).IsObject() {
				current = json.RawMessage("{}")
			}
			stored, err = sjson.SetRawBytes(current, setPath(segments[1:]), value)
			if err != nil {
				return nil, fmt.Errorf("%w: setting %s: %w", ErrInvalidKey, key, err)
			}
		}
		if err := s.save(ctx, tx, namespace, segments[0], stored); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing %s: %w", namespace, err)
	}
	return value, nil
}

// Delete removes key and returns the value it held.
func (s *Store) Delete(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if namespace == "" || key == "" {
		return nil, fmt.Errorf("%w: namespace and key are required", ErrInvalidKey)
	}
	segments, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	current, err := s.load(ctx, tx, namespace, segments[0])
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, namespace, key)
	}

	removed := current
	if len(segments) == 1 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM namespace_items WHERE namespace = ? AND key = ?", namespace, segments[0]); err != nil {
			return nil, fmt.Errorf("deleting %s.%s: %w", namespace, key, err)
		}
	} else {
		r := gjson.GetBytes(current, getPath(segments[1:]))
		if !r.Exists() {
			return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, namespace, key)
		}
		removed = json.RawMessage(r.Raw)
		updated, err := sjson.DeleteBytes(current, setPath(segments[1:]))
		if err != nil {
			return nil, fmt.Errorf("deleting %s.%s: %w", namespace, key, err)
		}
		if err := s.save(ctx, tx, namespace, segments[0], updated); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing %s: %w", namespace, err)
	}
	return removed, nil
}

func (s *Store) getNamespace(ctx context.Context, namespace string) (json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM namespace_items WHERE namespace = ? ORDER BY key", namespace)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", namespace, err)
	}
	defer rows.Close()

	doc := []byte("{}")
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", namespace, err)
		}
		if doc, err = sjson.SetRawBytes(doc, setPath([]string{key}), []byte(value)); err != nil {
			return nil, fmt.Errorf("assembling %s: %w", namespace, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", namespace, err)
	}

	if !found {
		names, err := s.Namespaces(ctx)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(names, namespace) {
			return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
		}
	}
	return doc, nil
}

func (s *Store) merge(ctx context.Context, tx *sql.Tx, namespace string, value json.RawMessage) error {
	obj := gjson.ParseBytes(value)
	if !obj.IsObject() {
		return fmt.Errorf("%w: writing a whole namespace requires an object", ErrInvalidValue)
	}

	var err error
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.Str == "" {
			err = fmt.Errorf("%w: empty key", ErrInvalidKey)
			return false
		}
		err = s.save(ctx, tx, namespace, k.Str, json.RawMessage(v.Raw))
		return err == nil
	})
	if err != nil {
		return err
	}

	// An empty object still creates the namespace.
	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)", namespace, s.now())
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", namespace, err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load returns the stored value of a top-level key, or nil if absent.
func (s *Store) load(ctx context.Context, q querier, namespace, key string) (json.RawMessage, error) {
	var value string
	err := q.QueryRowContext(ctx,
		"SELECT value FROM namespace_items WHERE namespace = ? AND key = ?", namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s.%s: %w", namespace, key, err)
	}
	return json.RawMessage(value), nil
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, namespace, key string, value json.RawMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO namespace_items (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, string(value), s.now(),
	)
	if err != nil {
		return fmt.Errorf("writing %s.%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) now() float64 {
	return float64(s.clock.Now().UnixMicro()) / float64(time.Second/time.Microsecond)
}
