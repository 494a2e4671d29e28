// Package sessionstore implements the optional Postgres session
// metadata recorder of SPEC_FULL.md §11: connect/disconnect events are
// recorded best-effort for operational visibility, never surfaced to
// subscribers on failure (the same isolation principle spec §7 applies
// to storage-write failures).
package sessionstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store is implemented by both the real Postgres-backed recorder and
// the no-op used when session_store_dsn is unset.
type Store interface {
	RecordConnect(ctx context.Context, sessionID string, contractID int32, tickType string, remoteAddr string)
	RecordDisconnect(ctx context.Context, sessionID string, reason string)
	Close()
}

// noop disables the store entirely.
type noop struct{}

func (noop) RecordConnect(context.Context, string, int32, string, string) {}
func (noop) RecordDisconnect(context.Context, string, string)             {}
func (noop) Close()                                                       {}

// New returns a no-op Store when dsn is empty, otherwise a
// Postgres-backed Store using pgxpool.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (Store, error) {
	if dsn == "" {
		return noop{}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	s := &pgStore{pool: pool, logger: logger.With().Str("component", "sessionstore").Logger()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

type pgStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriber_sessions (
			session_id    TEXT PRIMARY KEY,
			contract_id   INTEGER NOT NULL,
			tick_type     TEXT NOT NULL,
			remote_addr   TEXT NOT NULL,
			connected_at  TIMESTAMPTZ NOT NULL,
			disconnected_at TIMESTAMPTZ,
			disconnect_reason TEXT
		)
	`)
	return err
}

// RecordConnect is best-effort: failures are logged and swallowed so a
// database outage never blocks or fails a subscriber connection.
func (s *pgStore) RecordConnect(ctx context.Context, sessionID string, contractID int32, tickType, remoteAddr string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriber_sessions (session_id, contract_id, tick_type, remote_addr, connected_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO NOTHING
	`, sessionID, contractID, tickType, remoteAddr)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("sessionstore: failed to record connect")
	}
}

func (s *pgStore) RecordDisconnect(ctx context.Context, sessionID, reason string) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		UPDATE subscriber_sessions SET disconnected_at = now(), disconnect_reason = $2
		WHERE session_id = $1
	`, sessionID, reason)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("sessionstore: failed to record disconnect")
	}
}

func (s *pgStore) Close() { s.pool.Close() }
