package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lockerrors "github.com/draftwire/lockstep/v1/errors"
	"github.com/draftwire/lockstep/v1/locks"
	"github.com/draftwire/lockstep/v1/txn"
)

// SettleResult summarizes one settlement pass.
type SettleResult struct {
	Settled int // lots marked sold or passed
	Skipped int // expired lots another settler held
}

// SettleExpired closes every expired active lot it can reach. Each lot
// settles under its own try-lock: busy means another pass owns it, and
// skipping is correct because whoever holds the lock finishes the job.
// Competing schedulers therefore stay out of each other's way without
// queueing.
func (s *Service) SettleExpired(ctx context.Context) (SettleResult, error) {
	rows, err := s.c.Pool().Query(ctx, `
		SELECT id FROM auction_lots
		WHERE status = 'active' AND closes_at <= now()
		ORDER BY closes_at LIMIT $1`, s.settleBatch)
	if err != nil {
		return SettleResult{}, fmt.Errorf("scan expired lots: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return SettleResult{}, fmt.Errorf("scan lot id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SettleResult{}, fmt.Errorf("scan expired lots: %w", err)
	}

	var res SettleResult
	for _, id := range ids {
		settled, ok, err := s.settleLot(ctx, id)
		if err != nil {
			return res, err
		}
		if !ok {
			slog.Debug("lockstep: settlement skipped busy lot", "lot", id)
			res.Skipped++
			continue
		}
		if settled {
			res.Settled++
		}
	}
	return res, nil
}

// settleLot settles one lot if it is still expired and active under
// the lock. ok=false means the try-lock was busy.
func (s *Service) settleLot(ctx context.Context, lotID int64) (settled, ok bool, err error) {
	return txn.WithTryLock(ctx, s.c, locks.Auction, lotID, func(tx *txn.Tx) (bool, error) {
		lot, err := loadLot(ctx, tx, lotID)
		if errors.Is(err, lockerrors.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if lot.Status != StatusActive || lot.ClosesAt.After(time.Now()) {
			// Superseded between scan and lock: an anti-snipe extension
			// or another settler got here first.
			return false, nil
		}

		status := StatusPassed
		if lot.CurrentBidder != 0 {
			status = StatusSold
		}
		tag, err := tx.Exec(ctx, `
			UPDATE auction_lots SET status = $2, updated_at = now()
			WHERE id = $1 AND status = 'active'`, lotID, string(status))
		if err != nil {
			return false, &lockerrors.TxError{Op: "settle lot", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}

		ev := lotEvent{Type: "settled", LotID: lotID, Status: string(status)}
		if status == StatusSold {
			ev.RosterID = lot.CurrentBidder
			ev.Amount = lot.CurrentBid
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return false, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(lotID), payload)
		return true, nil
	})
}
