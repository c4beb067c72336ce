package draft

import (
	lockerrors "github.com/draftwire/lockstep/v1/errors"
)

// TimeoutPolicy selects how an expired derby deadline is resolved.
type TimeoutPolicy string

const (
	// AutoRandomSlot assigns the timed-out picker a uniformly random
	// unclaimed slot and proceeds exactly like a normal pick.
	AutoRandomSlot TimeoutPolicy = "auto_random_slot"
	// PushBackOne swaps the timed-out picker with the next unclaimed
	// seat, giving them one more chance slightly later.
	PushBackOne TimeoutPolicy = "push_back_one"
	// PushToEnd moves the timed-out picker behind the last unclaimed
	// seat.
	PushToEnd TimeoutPolicy = "push_to_end"
)

// valid reports whether p is a known policy.
func (p TimeoutPolicy) valid() bool {
	switch p {
	case AutoRandomSlot, PushBackOne, PushToEnd:
		return true
	}
	return false
}

// Seat is one participant's place in the derby turn order. Positions
// are fixed rows; timeout policies move rosters between unclaimed
// positions rather than renumbering, so a claimed seat's slot never
// travels.
type Seat struct {
	Position    int
	RosterID    int64
	ClaimedSlot int // 0 = unclaimed
}

// DerbyState is the pure in-memory projection of a derby: the seats in
// position order and the index of the current picker. The policy
// arithmetic below mutates only this value; the store layer diffs it
// against the loaded state to produce writes.
type DerbyState struct {
	Seats     []Seat
	TurnIndex int
}

// TimeoutOutcome describes what applying a timeout policy did.
type TimeoutOutcome struct {
	RosterID     int64 // the picker whose deadline expired
	AssignedSlot int   // non-zero when a slot was auto-assigned
	Reordered    bool  // true when a push policy moved seats
}

// CurrentSeat returns the seat whose turn it is.
func (s *DerbyState) CurrentSeat() *Seat { return &s.Seats[s.TurnIndex] }

// Complete reports whether every seat has claimed a slot.
func (s *DerbyState) Complete() bool {
	for _, seat := range s.Seats {
		if seat.ClaimedSlot == 0 {
			return false
		}
	}
	return true
}

// SeatFor returns the seat occupied by rosterID, or nil.
func (s *DerbyState) SeatFor(rosterID int64) *Seat {
	for i := range s.Seats {
		if s.Seats[i].RosterID == rosterID {
			return &s.Seats[i]
		}
	}
	return nil
}

// SlotClaimed reports whether slot is already taken.
func (s *DerbyState) SlotClaimed(slot int) bool {
	for _, seat := range s.Seats {
		if seat.ClaimedSlot == slot {
			return true
		}
	}
	return false
}

// FreeSlots lists the unclaimed slots in ascending order.
func (s *DerbyState) FreeSlots(slotCount int) []int {
	taken := make(map[int]bool, len(s.Seats))
	for _, seat := range s.Seats {
		if seat.ClaimedSlot != 0 {
			taken[seat.ClaimedSlot] = true
		}
	}
	free := make([]int, 0, slotCount)
	for slot := 1; slot <= slotCount; slot++ {
		if !taken[slot] {
			free = append(free, slot)
		}
	}
	return free
}

// nextUnclaimed returns the index of the first unclaimed seat at or
// after start, wrapping once around the order.
func (s *DerbyState) nextUnclaimed(start int) (int, bool) {
	n := len(s.Seats)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if s.Seats[idx].ClaimedSlot == 0 {
			return idx, true
		}
	}
	return 0, false
}

// Claim records slot for the current picker and advances the turn to
// the next unclaimed seat, wrapping. The caller has already validated
// the claim.
func (s *DerbyState) Claim(slot int) {
	s.Seats[s.TurnIndex].ClaimedSlot = slot
	if next, ok := s.nextUnclaimed(s.TurnIndex + 1); ok {
		s.TurnIndex = next
	}
}

// ApplyTimeout resolves an expired deadline for the current picker
// under the given policy. rng draws a uniform int in [0, n); it is
// injected so the store can supply crypto/rand while tests stay
// deterministic. Push policies with no other unclaimed seat degrade
// to AutoRandomSlot: handing the turn to nobody would stall the derby
// forever, and termination wins.
func (s *DerbyState) ApplyTimeout(policy TimeoutPolicy, slotCount int, rng func(int) (int, error)) (TimeoutOutcome, error) {
	out := TimeoutOutcome{RosterID: s.CurrentSeat().RosterID}

	switch policy {
	case PushBackOne:
		if next, ok := s.nextUnclaimedOther(); ok {
			s.swapRosters(s.TurnIndex, next)
			out.Reordered = true
			return out, nil
		}
	case PushToEnd:
		if moved := s.pushToEnd(); moved {
			out.Reordered = true
			return out, nil
		}
	case AutoRandomSlot:
		// handled below
	default:
		return out, &lockerrors.ValidationError{Reason: "unknown timeout policy " + string(policy)}
	}

	free := s.FreeSlots(slotCount)
	i, err := rng(len(free))
	if err != nil {
		return out, err
	}
	slot := free[i]
	s.Claim(slot)
	out.AssignedSlot = slot
	return out, nil
}

// nextUnclaimedOther finds the next unclaimed seat after the current
// one, wrapping, excluding the current seat itself.
func (s *DerbyState) nextUnclaimedOther() (int, bool) {
	idx, ok := s.nextUnclaimed(s.TurnIndex + 1)
	if !ok || idx == s.TurnIndex {
		return 0, false
	}
	return idx, true
}

func (s *DerbyState) swapRosters(i, j int) {
	s.Seats[i].RosterID, s.Seats[j].RosterID = s.Seats[j].RosterID, s.Seats[i].RosterID
}

// pushToEnd moves the current picker's roster to the last unclaimed
// position; the unclaimed rosters between shift one position earlier,
// keeping their relative order. Claimed seats do not move. Returns
// false when the current picker already sits at the last unclaimed
// position and there is nobody to hand the turn to by reordering.
func (s *DerbyState) pushToEnd() bool {
	var unclaimed []int
	for i, seat := range s.Seats {
		if seat.ClaimedSlot == 0 {
			unclaimed = append(unclaimed, i)
		}
	}
	if len(unclaimed) < 2 {
		return false
	}
	// locate the current picker within the unclaimed subsequence
	cur := -1
	for k, idx := range unclaimed {
		if idx == s.TurnIndex {
			cur = k
			break
		}
	}
	if cur == len(unclaimed)-1 {
		// Already last: reordering changes nothing, but the turn still
		// moves on to the first unclaimed seat.
		if next, ok := s.nextUnclaimed(s.TurnIndex + 1); ok && next != s.TurnIndex {
			s.TurnIndex = next
			return true
		}
		return false
	}
	moved := s.Seats[unclaimed[cur]].RosterID
	for k := cur; k < len(unclaimed)-1; k++ {
		s.Seats[unclaimed[k]].RosterID = s.Seats[unclaimed[k+1]].RosterID
	}
	s.Seats[unclaimed[len(unclaimed)-1]].RosterID = moved
	// The vacated position now holds the formerly-next unclaimed
	// roster; the turn stays on that position.
	return true
}
