package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lockerrors "github.com/draftwire/lockstep/v1/errors"
	"github.com/draftwire/lockstep/v1/locks"
	"github.com/draftwire/lockstep/v1/metrics"
	"github.com/draftwire/lockstep/v1/txn"
)

// derbyEvent is the payload published on a draft's topic for derby
// transitions.
type derbyEvent struct {
	Type     string     `json:"type"`
	DraftID  int64      `json:"draft_id"`
	RosterID int64      `json:"roster_id,omitempty"`
	Slot     int        `json:"slot,omitempty"`
	Policy   string     `json:"policy,omitempty"`
	Order    []int64    `json:"order,omitempty"`
	OnClock  int64      `json:"on_clock,omitempty"`
	Phase    string     `json:"phase"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// StartDerby shuffles the participants into a random turn order and
// opens the derby. The participant count must equal the draft's slot
// count: every seat ends up claiming exactly one slot.
func (s *Service) StartDerby(ctx context.Context, draftID int64, participants []int64) (*Draft, error) {
	return txn.WithLock(ctx, s.c, locks.Draft, draftID, func(tx *txn.Tx) (*Draft, error) {
		d, err := loadDraft(ctx, tx, draftID)
		if err != nil {
			return nil, err
		}
		if d.Phase != PhaseSetup {
			return nil, &lockerrors.ValidationError{Reason: "derby can only start from setup"}
		}
		if len(participants) < 2 {
			return nil, &lockerrors.ValidationError{Reason: "a derby needs at least 2 participants"}
		}
		if len(participants) != d.SlotCount {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("participant count %d does not match slot count %d", len(participants), d.SlotCount)}
		}
		seen := make(map[int64]bool, len(participants))
		for _, id := range participants {
			if seen[id] {
				return nil, &lockerrors.ValidationError{Reason: fmt.Sprintf("duplicate participant %d", id)}
			}
			seen[id] = true
		}

		order := append([]int64(nil), participants...)
		if err := Shuffle(order); err != nil {
			return nil, fmt.Errorf("shuffle derby order: %w", err)
		}
		for i, rosterID := range order {
			if _, err := tx.Exec(ctx, `
				INSERT INTO derby_seats (draft_id, position, roster_id)
				VALUES ($1, $2, $3)`, draftID, i, rosterID); err != nil {
				return nil, &lockerrors.TxError{Op: "seat derby", Err: err}
			}
		}
		deadline := time.Now().Add(d.TurnClock)
		tag, err := tx.Exec(ctx, `
			UPDATE drafts SET phase = 'derby', derby_turn_index = 0, derby_deadline = $2, updated_at = now()
			WHERE id = $1 AND phase = 'setup'`, draftID, deadline)
		if err != nil {
			return nil, &lockerrors.TxError{Op: "open derby", Err: err}
		}
		if tag.RowsAffected() == 0 {
			metrics.StaleConflictCounter.WithLabelValues("draft").Inc()
			return nil, &lockerrors.StaleStateError{Entity: "draft", ID: draftID}
		}

		out, err := loadDraft(ctx, tx, draftID)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(derbyEvent{
			Type:     "derby_started",
			DraftID:  draftID,
			Order:    order,
			OnClock:  order[0],
			Phase:    string(out.Phase),
			Deadline: out.DerbyDeadline,
		})
		if err != nil {
			return nil, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(draftID), payload)
		return out, nil
	})
}

// SlotRequest claims one derby slot for a roster.
type SlotRequest struct {
	DraftID  int64
	RosterID int64
	Slot     int
}

// PickSlot records the current picker's slot choice. When the last
// seat claims, the draft flips to live with pick 1 on the clock.
func (s *Service) PickSlot(ctx context.Context, req SlotRequest) (*Draft, error) {
	return txn.WithLock(ctx, s.c, locks.Draft, req.DraftID, func(tx *txn.Tx) (*Draft, error) {
		d, state, err := loadDerby(ctx, tx, req.DraftID)
		if err != nil {
			return nil, err
		}
		if d.Phase != PhaseDerby {
			return nil, &lockerrors.ValidationError{Reason: "derby is not active"}
		}
		seat := state.SeatFor(req.RosterID)
		if seat == nil {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("roster %d is not in this derby", req.RosterID)}
		}
		if seat.ClaimedSlot != 0 {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("roster %d already claimed slot %d", req.RosterID, seat.ClaimedSlot)}
		}
		if state.CurrentSeat().RosterID != req.RosterID {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("roster %d is not on the clock", req.RosterID)}
		}
		if req.Slot < 1 || req.Slot > d.SlotCount {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("slot %d out of range 1..%d", req.Slot, d.SlotCount)}
		}
		if state.SlotClaimed(req.Slot) {
			return nil, &lockerrors.ValidationError{
				Reason: fmt.Sprintf("slot %d is already claimed", req.Slot)}
		}

		claimedPos, prevTurn := state.TurnIndex, state.TurnIndex
		state.Claim(req.Slot)
		out, err := s.persistClaim(ctx, tx, d, state, claimedPos, prevTurn, req.Slot)
		if err != nil {
			return nil, err
		}

		ev := derbyEvent{
			Type:     "slot_claimed",
			DraftID:  req.DraftID,
			RosterID: req.RosterID,
			Slot:     req.Slot,
			Phase:    string(out.Phase),
		}
		if out.Phase == PhaseDerby {
			ev.OnClock = state.CurrentSeat().RosterID
			ev.Deadline = out.DerbyDeadline
		} else {
			ev.Deadline = out.PickDeadline
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(req.DraftID), payload)
		return out, nil
	})
}

// TimeoutResult reports what a timeout pass did. Acted false means the
// deadline had already been superseded and nothing changed; callers
// treat that as success.
type TimeoutResult struct {
	Acted   bool
	Outcome TimeoutOutcome
	Phase   Phase
}

// ProcessTimeout resolves an expired derby deadline under the draft's
// policy. It is safe to call from competing schedulers: whoever loses
// the lock race reloads a future deadline and reports a no-op.
func (s *Service) ProcessTimeout(ctx context.Context, draftID int64) (TimeoutResult, error) {
	return txn.WithLock(ctx, s.c, locks.Draft, draftID, func(tx *txn.Tx) (TimeoutResult, error) {
		d, state, err := loadDerby(ctx, tx, draftID)
		if err != nil {
			return TimeoutResult{}, err
		}
		if d.Phase != PhaseDerby {
			return TimeoutResult{Phase: d.Phase}, nil
		}
		if d.DerbyDeadline == nil || d.DerbyDeadline.After(time.Now()) {
			return TimeoutResult{Phase: d.Phase}, nil
		}

		claimedPos, prevTurn := state.TurnIndex, state.TurnIndex
		outcome, err := state.ApplyTimeout(d.DerbyPolicy, d.SlotCount, UniformInt)
		if err != nil {
			return TimeoutResult{}, err
		}

		var out *Draft
		if outcome.AssignedSlot != 0 {
			out, err = s.persistClaim(ctx, tx, d, state, claimedPos, prevTurn, outcome.AssignedSlot)
			if err != nil {
				return TimeoutResult{}, err
			}
		} else {
			out, err = s.persistReorder(ctx, tx, d, state, prevTurn)
			if err != nil {
				return TimeoutResult{}, err
			}
		}

		ev := derbyEvent{
			Type:     "derby_timeout",
			DraftID:  draftID,
			RosterID: outcome.RosterID,
			Slot:     outcome.AssignedSlot,
			Policy:   string(d.DerbyPolicy),
			Phase:    string(out.Phase),
		}
		if out.Phase == PhaseDerby {
			ev.OnClock = state.CurrentSeat().RosterID
			ev.Deadline = out.DerbyDeadline
		} else {
			ev.Deadline = out.PickDeadline
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return TimeoutResult{}, &lockerrors.TxError{Op: "encode event", Err: err}
		}
		tx.Publish(Topic(draftID), payload)
		return TimeoutResult{Acted: true, Outcome: outcome, Phase: out.Phase}, nil
	})
}

// loadDerby loads the draft and projects its seats into a DerbyState.
func loadDerby(ctx context.Context, q querier, draftID int64) (*Draft, *DerbyState, error) {
	d, err := loadDraft(ctx, q, draftID)
	if err != nil {
		return nil, nil, err
	}
	seats, err := loadSeats(ctx, q, draftID)
	if err != nil {
		return nil, nil, err
	}
	return d, &DerbyState{Seats: seats, TurnIndex: d.DerbyTurn}, nil
}

// persistClaim writes a claim already recorded in state: the seat row
// first, then either the live transition or the turn advance. The seat
// update is conditional on the slot column still being NULL and the
// draft update on the turn index the claim was computed from, so a
// write that raced anything reads as stale instead of corrupting the
// order.
func (s *Service) persistClaim(ctx context.Context, tx *txn.Tx, d *Draft, state *DerbyState, claimedPos, prevTurn, slot int) (*Draft, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE derby_seats SET claimed_slot = $3
		WHERE draft_id = $1 AND position = $2 AND claimed_slot IS NULL`,
		d.ID, claimedPos, slot)
	if err != nil {
		return nil, &lockerrors.TxError{Op: "claim slot", Err: err}
	}
	if tag.RowsAffected() == 0 {
		metrics.StaleConflictCounter.WithLabelValues("derby_seat").Inc()
		return nil, &lockerrors.StaleStateError{Entity: "derby_seat", ID: d.ID}
	}

	deadline := time.Now().Add(d.TurnClock)
	if state.Complete() {
		tag, err = tx.Exec(ctx, `
			UPDATE drafts SET phase = 'live', current_pick = 1, pick_deadline = $2,
				derby_deadline = NULL, updated_at = now()
			WHERE id = $1 AND phase = 'derby'`, d.ID, deadline)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE drafts SET derby_turn_index = $3, derby_deadline = $4, updated_at = now()
			WHERE id = $1 AND phase = 'derby' AND derby_turn_index = $2`,
			d.ID, prevTurn, state.TurnIndex, deadline)
	}
	if err != nil {
		return nil, &lockerrors.TxError{Op: "advance derby", Err: err}
	}
	if tag.RowsAffected() == 0 {
		metrics.StaleConflictCounter.WithLabelValues("draft").Inc()
		return nil, &lockerrors.StaleStateError{Entity: "draft", ID: d.ID}
	}
	return loadDraft(ctx, tx, d.ID)
}

// persistReorder writes the seat moves a push policy made. Only
// roster_id values changed; claimed slots stay on their rows.
func (s *Service) persistReorder(ctx context.Context, tx *txn.Tx, d *Draft, state *DerbyState, prevTurn int) (*Draft, error) {
	fresh, err := loadSeats(ctx, tx, d.ID)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(state.Seats) {
		return nil, &lockerrors.StaleStateError{Entity: "derby_seat", ID: d.ID}
	}
	for i, seat := range state.Seats {
		if seat.RosterID == fresh[i].RosterID {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE derby_seats SET roster_id = $3
			WHERE draft_id = $1 AND position = $2`,
			d.ID, seat.Position, seat.RosterID); err != nil {
			return nil, &lockerrors.TxError{Op: "reorder derby", Err: err}
		}
	}

	deadline := time.Now().Add(d.TurnClock)
	tag, err := tx.Exec(ctx, `
		UPDATE drafts SET derby_turn_index = $3, derby_deadline = $4, updated_at = now()
		WHERE id = $1 AND phase = 'derby' AND derby_turn_index = $2`,
		d.ID, prevTurn, state.TurnIndex, deadline)
	if err != nil {
		return nil, &lockerrors.TxError{Op: "advance derby", Err: err}
	}
	if tag.RowsAffected() == 0 {
		metrics.StaleConflictCounter.WithLabelValues("draft").Inc()
		return nil, &lockerrors.StaleStateError{Entity: "draft", ID: d.ID}
	}
	return loadDraft(ctx, tx, d.ID)
}

const sweepBatch = 100

// SweepResult summarizes one derby sweep pass.
type SweepResult struct {
	Expired int // overdue turns resolved by policy
	Skipped int // drafts whose lock a live claim was holding
}

// ExpireDerbyTurns resolves every overdue derby turn it can reach.
// Deadlines that went fresh between the scan and the lock come back as
// no-ops, so overlapping sweep schedules are harmless.
func (s *Service) ExpireDerbyTurns(ctx context.Context) (SweepResult, error) {
	rows, err := s.c.Pool().Query(ctx, `
		SELECT id FROM drafts
		WHERE phase = 'derby' AND derby_deadline <= now()
		ORDER BY derby_deadline LIMIT $1`, sweepBatch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("scan overdue derbies: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return SweepResult{}, fmt.Errorf("scan draft id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return SweepResult{}, fmt.Errorf("scan overdue derbies: %w", err)
	}

	var res SweepResult
	for _, id := range ids {
		out, err := s.ProcessTimeout(ctx, id)
		switch {
		case errors.Is(err, lockerrors.ErrNotFound):
			continue
		case errors.Is(err, lockerrors.ErrLockTimeout):
			slog.Debug("lockstep: derby sweep skipped contended draft", "draft", id)
			res.Skipped++
			continue
		case err != nil:
			return res, err
		}
		if out.Acted {
			res.Expired++
		}
	}
	return res, nil
}
