package draft

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

// Phase is a draft's lifecycle stage.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseDerby    Phase = "derby"
	PhaseLive     Phase = "live"
	PhaseComplete Phase = "complete"
)

// Draft mirrors one drafts row.
type Draft struct {
	ID            int64
	LeagueID      int64
	Phase         Phase
	Rounds        int
	SlotCount     int
	Snake         bool
	CurrentPick   int
	PickDeadline  *time.Time
	DerbyPolicy   TimeoutPolicy
	DerbyTurn     int
	DerbyDeadline *time.Time
	TurnClock     time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TotalPicks is the number of picks in the whole draft.
func (d *Draft) TotalPicks() int { return d.Rounds * d.SlotCount }

// SlotOnTheClock returns which slot (1-based) owns the given pick
// number. In a snake draft, odd rounds (0-based) run in reverse.
func (d *Draft) SlotOnTheClock(pickNumber int) int {
	round := (pickNumber - 1) / d.SlotCount
	idx := (pickNumber - 1) % d.SlotCount
	if d.Snake && round%2 == 1 {
		idx = d.SlotCount - 1 - idx
	}
	return idx + 1
}

// Pick is one made pick.
type Pick struct {
	DraftID    int64
	PickNumber int
	RosterID   int64
	PlayerID   int64
	MadeAt     time.Time
}

// Topic returns the bus topic carrying a draft's events.
func Topic(draftID int64) string { return fmt.Sprintf("draft:%d", draftID) }

// pickEvent is the payload published on a draft's topic after a pick
// lands.
type pickEvent struct {
	Type       string     `json:"type"`
	DraftID    int64      `json:"draft_id"`
	PickNumber int        `json:"pick_number"`
	RosterID   int64      `json:"roster_id"`
	PlayerID   int64      `json:"player_id"`
	NextPick   int        `json:"next_pick,omitempty"`
	Phase      string     `json:"phase"`
	Deadline   *time.Time `json:"deadline,omitempty"`
}

// querier is the subset of pgx executors the loaders need. pgx.Tx and
// *pgxpool.Pool both satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service exposes draft operations. All mutations run inside
// coordinated transactions holding the draft's advisory lock.
type Service struct {
	c *txn.Coordinator
}

// NewService returns a Service backed by the coordinator.
func NewService(c *txn.Coordinator) *Service { return &Service{c: c} }

// CreateRequest configures a new draft.
type CreateRequest struct {
	LeagueID  int64
	Rounds    int
	SlotCount int
	Snake     bool
	Policy    TimeoutPolicy
	TurnClock time.Duration
}

// Create inserts a draft in the setup phase.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Draft, error) {
	if req.Rounds < 1 {
		return nil, &lockerrors.ValidationError{Reason: "rounds must be at least 1"}
	}
	if req.SlotCount < 2 {
		return nil, &lockerrors.ValidationError{Reason: "a draft needs at least 2 slots"}
	}
	if req.Policy == "" {
		req.Policy = AutoRandomSlot
	}
	if !req.Policy.valid() {
		return nil, &lockerrors.ValidationError{Reason: "unknown timeout policy " + string(req.Policy)}
	}
	if req.TurnClock <= 0 {
		req.TurnClock = time.Minute
	}
	row := s.c.Pool().QueryRow(ctx, `
		INSERT INTO drafts (league_id, rounds, slot_count, snake, derby_policy, turn_clock_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+draftColumns,
		req.LeagueID, req.Rounds, req.SlotCount, req.Snake,
		string(req.Policy), int(req.TurnClock.Seconds()))
	return scanDraft(row)
}

// Get loads a draft without taking its lock.
func (s *Service) Get(ctx context.Context, id int64) (*Draft, error) {
	return loadDraft(ctx, s.c.Pool(), id)
}

// Picks lists the made picks in order.
func (s *Service) Picks(ctx context.Context, draftID int64) ([]Pick, error) {
	rows, err := s.c.Pool().Query(ctx, `
		SELECT draft_id, pick_number, roster_id, player_id, made_at
		FROM draft_picks WHERE draft_id = $1 ORDER BY pick_number`, draftID)
	if err != nil {
		return nil, fmt.Errorf("list picks: %w", err)
	}
	defer rows.Close()
	var picks []Pick
	for rows.Next() {
		var p Pick
		if err := rows.Scan(&p.DraftID, &p.PickNumber, &p.RosterID, &p.PlayerID, &p.MadeAt); err != nil {
			return nil, fmt.Errorf("scan pick: %w", err)
		}
		picks = append(picks, p)
	}
	return picks, rows.Err()
}

// Seats lists the derby seats in turn order.
func (s *Service) Seats(ctx context.Context, draftID int64) ([]Seat, error) {
	return loadSeats(ctx, s.c.Pool(), draftID)
}

// PickRequest submits one live-draft pick. ExpectedPick is the pick
// number the caller observed when deciding; the write only lands if it
// is still current.
type PickRequest struct {
	DraftID      int64
	RosterID     int64
	PlayerID     int64
	ExpectedPick int
}

// SubmitPick advances the draft by one pick. The conditional update
// on current_pick is the authoritative success signal: a raced pick
// comes back as a stale-state conflict the caller resolves by
// re-reading, never by silent retry.
func (s *Service) SubmitPick(ctx context.Context, req PickRequest) (*Draft, error) {
	return txn.WithLock(ctx, s.c, locks.Draft, req.DraftID, func(tx *txn.Tx) (*Draft, error) {
		d, err := loadDraft(ctx, tx, req.DraftID)
		if err != nil {
			return nil, err
		}
		switch d.Phase {
		case PhaseLive:
		case PhaseComplete:
			// Raced the final pick: terminal transition reads as stale,
			// not as a rule violation.
			metrics.StaleConflictCounter.WithLabelValues("draft").Inc()
			return nil, &lockerrors.StaleStateError{Entity: "draft", ID: req.DraftID}
		default:
			return nil, &lockerrors.ValidationError{Reason: "draft is not live"}
		}
		if req.ExpectedPick < 1 || req.ExpectedPick > d.TotalPicks() {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("pick number %d out of range", req.ExpectedPick)}
		}
		slot := d.SlotOnTheClock(req.ExpectedPick)
		owner, err := slotOwner(ctx, tx, req.DraftID, slot)
		if err != nil {
			return nil, err
		}
		if owner != req.RosterID {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("roster %d is not on the clock for pick %d", req.RosterID, req.ExpectedPick)}
		}

		deadline := time.Now().Add(d.TurnClock)
		tag, err := tx.Exec(ctx, `
			UPDATE drafts SET current_pick = current_pick + 1, pick_deadline = $3, updated_at = now()
			WHERE id = $1 AND phase = 'live' AND current_pick = $2`,
			req.DraftID, req.ExpectedPick, deadline)
		if err != nil {
			return nil, &lockerrors.TxError{Op: "advance pick", Err: err}
		}
		if tag.RowsAffected() == 0 {
			return nil, pickConflict(ctx, tx, req.DraftID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO draft_picks (draft_id, pick_number, roster_id, player_id)
			VALUES ($1, $2, $3, $4)`,
			req.DraftID, req.ExpectedPick, req.RosterID, req.PlayerID); err != nil {
			if isUniqueViolation(err, "draft_picks_player_once") {
				return nil, &lockerrors.ValidationError{
					Reason: fmt.Sprintf("player %d already drafted", req.PlayerID)}
			}
			return nil, &lockerrors.TxError{Op: "record pick", Err: err}
		}

		if req.ExpectedPick == d.TotalPicks() {
			if _, err := tx.Exec(ctx, `
				UPDATE drafts SET phase = 'complete', pick_deadline = NULL, updated_at = now()
				WHERE id = $1`, req.DraftID); err != nil {
				return nil, &lockerrors.TxError{Op: "complete draft", Err: err}
			}
		}

		out, err := loadDraft(ctx, tx, req.DraftID)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(pickEvent{
			Type:       "pick",
			DraftID:    req.DraftID,
			PickNumber: req.ExpectedPick,
			RosterID:   req.RosterID,
			PlayerID:   req.PlayerID,
			NextPick:   out.CurrentPick,
			Phase:      string(out.Phase),
			Deadline:   out.PickDeadline,
		})
		if err != nil {
			return nil, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(req.DraftID), payload)
		return out, nil
	})
}

const draftColumns = `id, league_id, phase, rounds, slot_count, snake, current_pick,
	pick_deadline, derby_policy, derby_turn_index, derby_deadline,
	turn_clock_seconds, created_at, updated_at`

func scanDraft(row pgx.Row) (*Draft, error) {
	var d Draft
	var phase, policy string
	var clockSec int
	err := row.Scan(&d.ID, &d.LeagueID, &phase, &d.Rounds, &d.SlotCount, &d.Snake,
		&d.CurrentPick, &d.PickDeadline, &policy, &d.DerbyTurn, &d.DerbyDeadline,
		&clockSec, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, lockerrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	d.Phase = Phase(phase)
	d.DerbyPolicy = TimeoutPolicy(policy)
	d.TurnClock = time.Duration(clockSec) * time.Second
	return &d, nil
}

func loadDraft(ctx context.Context, q querier, id int64) (*Draft, error) {
	return scanDraft(q.QueryRow(ctx, "SELECT "+draftColumns+" FROM drafts WHERE id = $1", id))
}

func loadSeats(ctx context.Context, q querier, draftID int64) ([]Seat, error) {
	rows, err := q.Query(ctx, `
		SELECT position, roster_id, COALESCE(claimed_slot, 0)
		FROM derby_seats WHERE draft_id = $1 ORDER BY position`, draftID)
	if err != nil {
		return nil, fmt.Errorf("load seats: %w", err)
	}
	defer rows.Close()
	var seats []Seat
	for rows.Next() {
		var seat Seat
		if err := rows.Scan(&seat.Position, &seat.RosterID, &seat.ClaimedSlot); err != nil {
			return nil, fmt.Errorf("scan seat: %w", err)
		}
		seats = append(seats, seat)
	}
	return seats, rows.Err()
}

// slotOwner resolves which roster claimed a slot during the derby.
func slotOwner(ctx context.Context, q querier, draftID int64, slot int) (int64, error) {
	var rosterID int64
	err := q.QueryRow(ctx, `
		SELECT roster_id FROM derby_seats WHERE draft_id = $1 AND claimed_slot = $2`,
		draftID, slot).Scan(&rosterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &lockerrors.ValidationError{Reason: fmt.Sprintf("no roster owns slot %d", slot)}
	}
	if err != nil {
		return 0, &lockerrors.TxError{Op: "resolve slot owner", Err: err}
	}
	return rosterID, nil
}

// pickConflict disambiguates a zero-row conditional update: the draft
// either moved (stale) or never existed (not found).
func pickConflict(ctx context.Context, q querier, draftID int64) error {
	var one int
	err := q.QueryRow(ctx, "SELECT 1 FROM drafts WHERE id = $1", draftID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return lockerrors.ErrNotFound
	}
	if err != nil {
		return &lockerrors.TxError{Op: "probe draft", Err: err}
	}
	metrics.StaleConflictCounter.WithLabelValues("draft").Inc()
	return &lockerrors.StaleStateError{Entity: "draft", ID: draftID}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
