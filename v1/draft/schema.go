package draft

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema owned by this package. claimed_slot is NULL until a seat
// claims; the unique constraint lets the database reject a double
// claim even if every software guard fails.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
		id bigserial PRIMARY KEY,
		league_id bigint NOT NULL,
		phase text NOT NULL DEFAULT 'setup',
		rounds int NOT NULL,
		slot_count int NOT NULL,
		snake boolean NOT NULL DEFAULT true,
		current_pick int NOT NULL DEFAULT 0,
		pick_deadline timestamptz,
		derby_policy text NOT NULL DEFAULT 'auto_random_slot',
		derby_turn_index int NOT NULL DEFAULT 0,
		derby_deadline timestamptz,
		turn_clock_seconds int NOT NULL DEFAULT 60,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS draft_picks (
		draft_id bigint NOT NULL REFERENCES drafts(id),
		pick_number int NOT NULL,
		roster_id bigint NOT NULL,
		player_id bigint NOT NULL,
		made_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (draft_id, pick_number),
		CONSTRAINT draft_picks_player_once UNIQUE (draft_id, player_id)
	)`,
	`CREATE TABLE IF NOT EXISTS derby_seats (
		draft_id bigint NOT NULL REFERENCES drafts(id),
		position int NOT NULL,
		roster_id bigint NOT NULL,
		claimed_slot int,
		PRIMARY KEY (draft_id, position),
		CONSTRAINT derby_seats_slot_once UNIQUE (draft_id, claimed_slot)
	)`,
}

// Migrate creates the draft tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate drafts: %w", err)
		}
	}
	return nil
}
