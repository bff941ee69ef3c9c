// Package datastore treats the relational backing store as an opaque
// query/row-fetch service. Two implementations exist: a PostgREST client for
// hosted deployments and an embedded SQLite store for local ones.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Row is one fetched record, keyed by column name.
type Row = map[string]any

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the read-mostly surface the gateway consumes. Each call is atomic
// and independent; no transaction spans gateway logic.
type Store interface {
	// ProbeExists performs a minimal existence check for a table.
	ProbeExists(ctx context.Context, table string) error
	// FetchSample returns up to limit arbitrary rows from a table.
	FetchSample(ctx context.Context, table string, limit int) ([]Row, error)
	// FetchFiltered returns up to limit rows where column equals value.
	FetchFiltered(ctx context.Context, table, column, value string, limit int) ([]Row, error)
	// UserKey returns the stored per-user API key for a provider.
	UserKey(ctx context.Context, userID, provider string) (string, error)
	// Close releases any held connections.
	Close() error
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier rejects table and column names that cannot be interpolated
// safely. Table names reach this package from user questions, so the check
// is not optional.
func validIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}
