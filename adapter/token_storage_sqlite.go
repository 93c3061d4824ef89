package marketplace

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteTokenStorage persists session tokens in a single key-value table.
type SQLiteTokenStorage struct {
	db *sql.DB
}

var _ TokenStorage = &SQLiteTokenStorage{}

func NewSQLiteTokenStorage(dsn string) (*SQLiteTokenStorage, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite token storage: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite token storage: open")
	}
	s := &SQLiteTokenStorage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTokenStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTokenStorage) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);`)
	return errors.Wrap(err, "sqlite token storage: migrate")
}

func (s *SQLiteTokenStorage) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "sqlite token storage: get %s", key)
	}
	return value, true, nil
}

func (s *SQLiteTokenStorage) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, time.Now().UnixMilli())
	return errors.Wrapf(err, "sqlite token storage: set %s", key)
}

func (s *SQLiteTokenStorage) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "sqlite token storage: begin")
	}
	for _, k := range keys {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, k); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "sqlite token storage: delete %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlite token storage: commit")
}
