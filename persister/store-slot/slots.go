package store_slot

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// MemSlots is an in-memory Slots medium, for tests.
type MemSlots struct {
	items map[string][]byte
}

// NewMemSlots returns an empty MemSlots.
func NewMemSlots() *MemSlots { return &MemSlots{items: make(map[string][]byte)} }

var _ Slots = &MemSlots{}

// GetItem returns the named slot.
func (m *MemSlots) GetItem(_ context.Context, name string) ([]byte, bool, error) {
	var value, ok = m.items[name]
	return value, ok, nil
}

// SetItem replaces the named slot.
func (m *MemSlots) SetItem(_ context.Context, name string, value []byte) error {
	m.items[name] = append([]byte(nil), value...)
	return nil
}

// DelItem removes the named slot.
func (m *MemSlots) DelItem(_ context.Context, name string) error {
	delete(m.items, name)
	return nil
}

// SQLiteSlots is a durable Slots medium backed by a single SQLite table of
// one row per slot. It's suited to embedding the slot store in applications
// which already carry a SQLite file.
type SQLiteSlots struct {
	db *sql.DB
}

var _ Slots = &SQLiteSlots{}

// OpenSQLiteSlots opens (creating as needed) the slots table of the SQLite
// database at path.
func OpenSQLiteSlots(ctx context.Context, path string) (*SQLiteSlots, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening sqlite database %s", path)
	}
	if _, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS slots (name TEXT PRIMARY KEY, value BLOB NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating slots table")
	}
	return &SQLiteSlots{db: db}, nil
}

// Close closes the database.
func (s *SQLiteSlots) Close() error { return s.db.Close() }

// GetItem returns the named slot.
func (s *SQLiteSlots) GetItem(ctx context.Context, name string) ([]byte, bool, error) {
	var value []byte
	var err = s.db.QueryRowContext(ctx,
		`SELECT value FROM slots WHERE name = ?`, name).Scan(&value)

	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, errors.WithMessagef(err, "selecting slot %s", name)
	}
	return value, true, nil
}

// SetItem replaces the named slot.
func (s *SQLiteSlots) SetItem(ctx context.Context, name string, value []byte) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO slots (name, value) VALUES (?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value`, name, value)
	return errors.WithMessagef(err, "upserting slot %s", name)
}

// DelItem removes the named slot.
func (s *SQLiteSlots) DelItem(ctx context.Context, name string) error {
	var _, err = s.db.ExecContext(ctx, `DELETE FROM slots WHERE name = ?`, name)
	return errors.WithMessagef(err, "deleting slot %s", name)
}
