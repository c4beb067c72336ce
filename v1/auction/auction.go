package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	lockerrors "github.com/draftwire/lockstep/v1/errors"
	"github.com/draftwire/lockstep/v1/locks"
	"github.com/draftwire/lockstep/v1/metrics"
	"github.com/draftwire/lockstep/v1/txn"
)

// DefaultSnipeWindow is how close to closing a bid must land before
// the close gets pushed out.
const DefaultSnipeWindow = 30 * time.Second

// Status is a lot's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusSold   Status = "sold"
	StatusPassed Status = "passed"
)

// Lot mirrors one auction_lots row. CurrentBidder is 0 while nobody
// holds the standing bid.
type Lot struct {
	ID            int64
	AuctionID     int64
	PlayerID      int64
	Status        Status
	CurrentBid    int64
	CurrentBidder int64
	BidCount      int
	ClosesAt      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bid is one accepted bid, in lot sequence order.
type Bid struct {
	LotID    int64
	Seq      int
	RosterID int64
	Amount   int64
	PlacedAt time.Time
}

// Topic returns the bus topic carrying a lot's events.
func Topic(lotID int64) string { return fmt.Sprintf("auction:%d", lotID) }

// lotEvent is the payload published on a lot's topic.
type lotEvent struct {
	Type     string     `json:"type"`
	LotID    int64      `json:"lot_id"`
	RosterID int64      `json:"roster_id,omitempty"`
	Amount   int64      `json:"amount,omitempty"`
	Seq      int        `json:"seq,omitempty"`
	Status   string     `json:"status"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

// querier is the subset of pgx executors the loaders need. pgx.Tx and
// *pgxpool.Pool both satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service exposes auction operations. Bids and settlement run inside
// coordinated transactions holding the lot's advisory lock.
type Service struct {
	c           *txn.Coordinator
	snipeWindow time.Duration
	settleBatch int
}

// Option configures a Service.
type Option func(*Service)

// WithSnipeWindow overrides the anti-snipe window. Zero disables the
// extension entirely.
func WithSnipeWindow(d time.Duration) Option {
	return func(s *Service) { s.snipeWindow = d }
}

// WithSettleBatch caps how many expired lots one settlement pass
// touches.
func WithSettleBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.settleBatch = n
		}
	}
}

// NewService returns a Service backed by the coordinator.
func NewService(c *txn.Coordinator, opts ...Option) *Service {
	s := &Service{c: c, snipeWindow: DefaultSnipeWindow, settleBatch: 100}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateLotRequest opens a lot for bidding.
type CreateLotRequest struct {
	AuctionID  int64
	PlayerID   int64
	OpeningBid int64         // floor; the first bid must exceed it
	Duration   time.Duration // how long the lot stays open
}

// CreateLot inserts an active lot closing after the requested
// duration.
func (s *Service) CreateLot(ctx context.Context, req CreateLotRequest) (*Lot, error) {
	if req.Duration <= 0 {
		return nil, &lockerrors.ValidationError{Reason: "lot duration must be positive"}
	}
	if req.OpeningBid < 0 {
		return nil, &lockerrors.ValidationError{Reason: "opening bid cannot be negative"}
	}
	row := s.c.Pool().QueryRow(ctx, `
		INSERT INTO auction_lots (auction_id, player_id, current_bid, closes_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+lotColumns,
		req.AuctionID, req.PlayerID, req.OpeningBid, time.Now().Add(req.Duration))
	return scanLot(row)
}

// Get loads a lot without taking its lock.
func (s *Service) Get(ctx context.Context, id int64) (*Lot, error) {
	return loadLot(ctx, s.c.Pool(), id)
}

// Bids lists a lot's accepted bids in sequence order.
func (s *Service) Bids(ctx context.Context, lotID int64) ([]Bid, error) {
	rows, err := s.c.Pool().Query(ctx, `
		SELECT lot_id, seq, roster_id, amount, placed_at
		FROM auction_bids WHERE lot_id = $1 ORDER BY seq`, lotID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()
	var bids []Bid
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.LotID, &b.Seq, &b.RosterID, &b.Amount, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// ExpectedBid is the bidder's last observed lot state. BidderID 0
// means the bidder saw no standing bid.
type ExpectedBid struct {
	Amount   int64
	BidderID int64
}

// BidRequest places one bid against an expected lot state.
type BidRequest struct {
	LotID    int64
	RosterID int64
	Amount   int64
	Expected ExpectedBid
}

// PlaceBid records a bid. The conditional update carries the caller's
// expected amount and bidder (IS NOT DISTINCT FROM, so "no standing
// bid" compares cleanly against NULL); zero rows means the caller bid
// against an outdated view and must re-read. A bid landing inside the
// anti-snipe window pushes the close out.
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (*Lot, error) {
	return txn.WithLock(ctx, s.c, locks.Auction, req.LotID, func(tx *txn.Tx) (*Lot, error) {
		lot, err := loadLot(ctx, tx, req.LotID)
		if err != nil {
			return nil, err
		}
		if lot.Status != StatusActive {
			// Raced settlement: terminal transition reads as stale.
			metrics.StaleConflictCounter.WithLabelValues("auction_lot").Inc()
			return nil, &lockerrors.StaleStateError{Entity: "auction_lot", ID: req.LotID}
		}
		if !lot.ClosesAt.After(time.Now()) {
			return nil, &lockerrors.ValidationError{Reason: "bidding is closed"}
		}
		if req.Amount <= lot.CurrentBid {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("bid %d does not beat %d", req.Amount, lot.CurrentBid)}
		}

		var expBidder any
		if req.Expected.BidderID != 0 {
			expBidder = req.Expected.BidderID
		}
		var seq int
		var closesAt time.Time
		err = tx.QueryRow(ctx, `
			UPDATE auction_lots
			SET current_bid = $4, current_bidder_id = $5, bid_count = bid_count + 1, updated_at = now()
			WHERE id = $1 AND status = 'active' AND current_bid = $2
				AND current_bidder_id IS NOT DISTINCT FROM $3
			RETURNING bid_count, closes_at`,
			req.LotID, req.Expected.Amount, expBidder, req.Amount, req.RosterID,
		).Scan(&seq, &closesAt)
		if errors.Is(err, pgx.ErrNoRows) {
			metrics.StaleConflictCounter.WithLabelValues("auction_lot").Inc()
			return nil, &lockerrors.StaleStateError{Entity: "auction_lot", ID: req.LotID}
		}
		if err != nil {
			return nil, &lockerrors.TxError{Op: "place bid", Err: err}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO auction_bids (lot_id, seq, roster_id, amount)
			VALUES ($1, $2, $3, $4)`,
			req.LotID, seq, req.RosterID, req.Amount); err != nil {
			return nil, &lockerrors.TxError{Op: "record bid", Err: err}
		}

		if s.snipeWindow > 0 && time.Until(closesAt) < s.snipeWindow {
			if _, err := tx.Exec(ctx, `
				UPDATE auction_lots SET closes_at = $2, updated_at = now() WHERE id = $1`,
				req.LotID, time.Now().Add(s.snipeWindow)); err != nil {
				return nil, &lockerrors.TxError{Op: "extend lot", Err: err}
			}
		}

		out, err := loadLot(ctx, tx, req.LotID)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(lotEvent{
			Type:     "bid",
			LotID:    req.LotID,
			RosterID: req.RosterID,
			Amount:   req.Amount,
			Seq:      seq,
			Status:   string(out.Status),
			ClosesAt: &out.ClosesAt,
		})
		if err != nil {
			return nil, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(req.LotID), payload)
		return out, nil
	})
}

const lotColumns = `id, auction_id, player_id, status, current_bid,
	COALESCE(current_bidder_id, 0), bid_count, closes_at, created_at, updated_at`

func scanLot(row pgx.Row) (*Lot, error) {
	var l Lot
	var status string
	err := row.Scan(&l.ID, &l.AuctionID, &l.PlayerID, &status, &l.CurrentBid,
		&l.CurrentBidder, &l.BidCount, &l.ClosesAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lockerrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan lot: %w", err)
	}
	l.Status = Status(status)
	return &l, nil
}

func loadLot(ctx context.Context, q querier, id int64) (*Lot, error) {
	return scanLot(q.QueryRow(ctx, "SELECT "+lotColumns+" FROM auction_lots WHERE id = $1", id))
}
