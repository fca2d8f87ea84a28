// Package checkpoint persists session run state to Postgres so a crashed
// server can resume a session at its last phase boundary. Writes are
// idempotent upserts keyed by session id; only one orchestrator ever owns a
// given session id, so no read-modify-write coordination is needed.
package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tskjelde-bit/wellness-app-sub000/pkg/orchestrator"
	"github.com/tskjelde-bit/wellness-app-sub000/pkg/script"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a pgx-backed orchestrator.Checkpointer.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("checkpoint dsn is required")
	}

	if err := migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect checkpoint store: %w", err)
	}
	return &Store{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open checkpoint db for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply checkpoint migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Save upserts the run state for its session id.
func (s *Store) Save(ctx context.Context, state orchestrator.RunState) error {
	if strings.TrimSpace(state.SessionID) == "" {
		return fmt.Errorf("checkpoint state has no session id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_checkpoints
			(session_id, phase, sentences_in_phase, total_sentences, continuation, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			sentences_in_phase = EXCLUDED.sentences_in_phase,
			total_sentences = EXCLUDED.total_sentences,
			continuation = EXCLUDED.continuation,
			updated_at = EXCLUDED.updated_at
	`, state.SessionID, string(state.Phase), state.SentencesInPhase, state.TotalSentences, state.Continuation, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", state.SessionID, err)
	}
	return nil
}

// Load fetches the last checkpoint for a session id. found is false when no
// checkpoint exists.
func (s *Store) Load(ctx context.Context, sessionID string) (state orchestrator.RunState, found bool, err error) {
	var phase string
	row := s.pool.QueryRow(ctx, `
		SELECT phase, sentences_in_phase, total_sentences, continuation
		FROM session_checkpoints
		WHERE session_id = $1
	`, sessionID)
	if err := row.Scan(&phase, &state.SentencesInPhase, &state.TotalSentences, &state.Continuation); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.RunState{}, false, nil
		}
		return orchestrator.RunState{}, false, fmt.Errorf("load checkpoint %q: %w", sessionID, err)
	}
	state.SessionID = sessionID
	state.Phase = script.Phase(phase)
	return state, true, nil
}

// Delete removes a session's checkpoint once the session completes.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM session_checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", sessionID, err)
	}
	return nil
}
