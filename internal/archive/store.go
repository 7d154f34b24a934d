// Package archive persists finished games to Postgres. Writes happen
// off the live game path; a failed insert loses the archive row but
// never affects a running session.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/zerolog/log"
)

// Store writes finished-game rows through a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the archive table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS finished_games (
			game_id     UUID PRIMARY KEY,
			join_code   TEXT NOT NULL,
			total_rounds INT NOT NULL,
			player_count INT NOT NULL,
			winner_ids  UUID[] NOT NULL,
			snapshot    JSONB NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("ensure finished_games table: %w", err)
	}
	return nil
}

// SaveFinishedGame inserts one row per finished game. Re-archiving the
// same game id is a no-op.
func (s *Store) SaveFinishedGame(ctx context.Context, snap *session.Snapshot) error {
	if snap.FinalResults == nil {
		return fmt.Errorf("game %s has no final results", snap.ID)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO finished_games
			(game_id, join_code, total_rounds, player_count, winner_ids, snapshot, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (game_id) DO NOTHING`,
		snap.ID,
		snap.JoinCode,
		len(snap.Rounds),
		len(snap.Players),
		snap.FinalResults.WinnerIDs,
		data,
		snap.FinalResults.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert finished game %s: %w", snap.ID, err)
	}
	log.Info().
		Str("game_id", snap.ID.String()).
		Int("players", len(snap.Players)).
		Msg("archived finished game")
	return nil
}

// FinishedGameSummary is one row of the archive listing.
type FinishedGameSummary struct {
	GameID      uuid.UUID `json:"gameId"`
	JoinCode    string    `json:"joinCode"`
	TotalRounds int       `json:"totalRounds"`
	PlayerCount int       `json:"playerCount"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// RecentGames lists the most recently archived games, newest first.
func (s *Store) RecentGames(ctx context.Context, limit int) ([]FinishedGameSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT game_id, join_code, total_rounds, player_count, finished_at
		FROM finished_games
		ORDER BY finished_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent games: %w", err)
	}
	defer rows.Close()

	var out []FinishedGameSummary
	for rows.Next() {
		var g FinishedGameSummary
		if err := rows.Scan(&g.GameID, &g.JoinCode, &g.TotalRounds, &g.PlayerCount, &g.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan finished game row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) Close() {
	s.pool.Close()
}
