package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ArtifactTableDDL creates the table PGSource reads from.
const ArtifactTableDDL = `CREATE TABLE IF NOT EXISTS cql_artifact (
	address    TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGSource serves artifacts stored in the cql_artifact table. Addresses take
// the form pg://<key>, e.g. pg://Library/ANCRecommendationA2; the key is
// everything after the scheme.
type PGSource struct {
	db queryable
}

// NewPGSource creates a PGSource over a pool, connection or transaction.
func NewPGSource(db queryable) *PGSource {
	return &PGSource{db: db}
}

// EnsureSchema creates the artifact table if it does not exist.
func (s *PGSource) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, ArtifactTableDDL); err != nil {
		return fmt.Errorf("create cql_artifact table: %w", err)
	}
	return nil
}

// Store upserts payload under key.
func (s *PGSource) Store(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cql_artifact (address, payload) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		key, payload)
	if err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	return nil
}

// Fetch loads the payload for a pg:// address.
func (s *PGSource) Fetch(ctx context.Context, address string) ([]byte, error) {
	key, ok := strings.CutPrefix(address, "pg://")
	if !ok || key == "" {
		return nil, fmt.Errorf("fetch %s: %w: expected pg:// address", address, ErrUnsupportedScheme)
	}

	var payload []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM cql_artifact WHERE address = $1`, key).Scan(&payload)
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("fetch %s: %w", address, ErrNotFound)
	}
	if cerr := contextFailure(address, err); cerr != nil {
		return nil, cerr
	}
	return nil, fmt.Errorf("fetch %s: %w: %v", address, ErrNetwork, err)
}
