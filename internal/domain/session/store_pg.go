package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore keeps the session as a row of client_sessions keyed by StoreKey.
// *pgxpool.Pool satisfies queryable.
type PGStore struct {
	db queryable
}

func NewPGStore(db queryable) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM client_sessions WHERE key = $1`, StoreKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return data, nil
}

func (s *PGStore) Save(ctx context.Context, data []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO client_sessions (key, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		StoreKey, string(data))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM client_sessions WHERE key = $1`, StoreKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
