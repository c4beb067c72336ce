package auction

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema owned by this package. current_bidder_id stays NULL until the
// first bid; bid history rows are keyed by the lot's bid sequence.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS auction_lots (
		id bigserial PRIMARY KEY,
		auction_id bigint NOT NULL,
		player_id bigint NOT NULL,
		status text NOT NULL DEFAULT 'active',
		current_bid bigint NOT NULL DEFAULT 0,
		current_bidder_id bigint,
		bid_count int NOT NULL DEFAULT 0,
		closes_at timestamptz NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS auction_bids (
		lot_id bigint NOT NULL REFERENCES auction_lots(id),
		seq int NOT NULL,
		roster_id bigint NOT NULL,
		amount bigint NOT NULL,
		placed_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (lot_id, seq)
	)`,
}

// Migrate creates the auction tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate auctions: %w", err)
		}
	}
	return nil
}
