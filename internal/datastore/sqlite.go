package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the embedded store used for local deployments and tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and if needed initialises) the local database. WAL mode
// and a busy timeout keep concurrent request handling from tripping over
// writer locks.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLite{db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS user_api_keys (
    user_id       TEXT NOT NULL,
    provider      TEXT NOT NULL,
    encrypted_key TEXT NOT NULL,
    PRIMARY KEY (user_id, provider)
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLite) ProbeExists(ctx context.Context, table string) error {
	if err := validIdentifier(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT 1 FROM "%s" LIMIT 1`, table)
	var one int
	err := s.db.QueryRowContext(ctx, query).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // table exists, just empty
	}
	if err != nil {
		return fmt.Errorf("probe table %q: %w", table, err)
	}
	return nil
}

func (s *SQLite) FetchSample(ctx context.Context, table string, limit int) ([]Row, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT * FROM "%s" LIMIT ?`, table)
	return s.queryRows(ctx, table, query, limit)
}

func (s *SQLite) FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]Row, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	if err := validIdentifier(column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" = ? LIMIT ?`, table, column)
	return s.queryRows(ctx, table, query, value, limit)
}

func (s *SQLite) UserKey(ctx context.Context, userID, provider string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_key FROM user_api_keys WHERE user_id = ? AND provider = ?`,
		userID, provider,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetch user key: %w", err)
	}
	if key == "" {
		return "", ErrNotFound
	}
	return key, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// queryRows scans a result set into generic rows without knowing the schema
// up front.
func (s *SQLite) queryRows(ctx context.Context, table, query string, args ...any) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query table %q: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns for table %q: %w", table, err)
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row from table %q: %w", table, err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows from table %q: %w", table, err)
	}
	return result, nil
}
