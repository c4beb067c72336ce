// Command lockstep-race drives deliberately contended picks and bids
// against a live database and verifies that every race produces exactly
// one winner. Losers must come back stale, never half-applied.
//
// Usage:
//
//	lockstep-race -db postgres://localhost/lockstep -racers 16 -rounds 3
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/draftwire/lockstep/v1/auction"
	"github.com/draftwire/lockstep/v1/draft"
	lockerrors "github.com/draftwire/lockstep/v1/errors"
	"github.com/draftwire/lockstep/v1/presets"
)

var (
	dsn    = flag.String("db", "", "Postgres DSN (required)")
	racers = flag.Int("racers", 16, "Concurrent racers per contested update")
	rounds = flag.Int("rounds", 3, "Draft rounds / auction bid rounds")
	slots  = flag.Int("slots", 4, "Draft slots")
	target = flag.String("target", "all", "Target: draft, auction, all")
)

type raceStats struct {
	races   int
	winners int64
	stale   int64
}

func main() {
	flag.Parse()
	if *dsn == "" {
		log.Fatal("missing -db")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()
	if err := presets.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	stack := presets.NewStandalone(pool)

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"draft", "auction"}
	}

	fmt.Printf("| %-8s | %-6s | %-8s | %-6s | %-10s |\n", "Target", "Races", "Winners", "Stale", "Elapsed")
	fmt.Println("|:---|:---|:---|:---|:---|")

	failed := false
	for _, name := range targets {
		var stats raceStats
		var err error
		start := time.Now()
		switch strings.TrimSpace(name) {
		case "draft":
			stats, err = raceDraft(ctx, stack)
		case "auction":
			stats, err = raceAuction(ctx, stack)
		default:
			log.Printf("unknown target: %s", name)
			continue
		}
		if err != nil {
			log.Fatalf("%s race: %v", name, err)
		}
		fmt.Printf("| %-8s | %-6d | %-8d | %-6d | %-10s |\n",
			name, stats.races, stats.winners, stats.stale, time.Since(start).Round(time.Millisecond))
		wantStale := int64(stats.races) * int64(*racers-1)
		if stats.winners != int64(stats.races) || stats.stale != wantStale {
			log.Printf("%s: want %d winners and %d stale", name, stats.races, wantStale)
			failed = true
		}
	}
	if failed {
		log.Fatal("race check FAILED: some update had zero or multiple winners")
	}
	log.Print("race check passed: every contested update had exactly one winner")
}

// raceDraft walks a draft to live, then contests every pick: all racers
// submit for the same expected pick number with distinct players.
func raceDraft(ctx context.Context, stack *presets.Stack) (raceStats, error) {
	base := time.Now().UnixNano()
	d, err := stack.Drafts.Create(ctx, draft.CreateRequest{
		LeagueID:  base,
		Rounds:    *rounds,
		SlotCount: *slots,
		Snake:     true,
		Policy:    draft.AutoRandomSlot,
		TurnClock: time.Hour,
	})
	if err != nil {
		return raceStats{}, err
	}
	participants := make([]int64, *slots)
	for i := range participants {
		participants[i] = base + int64(i)
	}
	if d, err = stack.Drafts.StartDerby(ctx, d.ID, participants); err != nil {
		return raceStats{}, err
	}
	for turn := 0; turn < *slots; turn++ {
		seats, err := stack.Drafts.Seats(ctx, d.ID)
		if err != nil {
			return raceStats{}, err
		}
		state := draft.DerbyState{Seats: seats, TurnIndex: d.DerbyTurn}
		free := state.FreeSlots(*slots)
		if d, err = stack.Drafts.PickSlot(ctx, draft.SlotRequest{
			DraftID:  d.ID,
			RosterID: state.CurrentSeat().RosterID,
			Slot:     free[0],
		}); err != nil {
			return raceStats{}, err
		}
	}

	var stats raceStats
	for pick := 1; pick <= d.TotalPicks(); pick++ {
		roster, err := rosterOnTheClock(ctx, stack.Drafts, d, pick)
		if err != nil {
			return stats, err
		}
		wins, stale, err := contest(func(i int) error {
			_, err := stack.Drafts.SubmitPick(ctx, draft.PickRequest{
				DraftID:      d.ID,
				RosterID:     roster,
				PlayerID:     base + int64(pick*1000+i),
				ExpectedPick: pick,
			})
			return err
		})
		if err != nil {
			return stats, err
		}
		stats.races++
		stats.winners += wins
		stats.stale += stale
	}
	return stats, nil
}

func rosterOnTheClock(ctx context.Context, svc *draft.Service, d *draft.Draft, pick int) (int64, error) {
	slot := d.SlotOnTheClock(pick)
	seats, err := svc.Seats(ctx, d.ID)
	if err != nil {
		return 0, err
	}
	for _, seat := range seats {
		if seat.ClaimedSlot == slot {
			return seat.RosterID, nil
		}
	}
	return 0, fmt.Errorf("no seat claimed slot %d of draft %d", slot, d.ID)
}

// raceAuction contests rounds of bids on one lot: all racers bid against
// the same expected amount and bidder with distinct raises.
func raceAuction(ctx context.Context, stack *presets.Stack) (raceStats, error) {
	base := time.Now().UnixNano()
	lot, err := stack.Auctions.CreateLot(ctx, auction.CreateLotRequest{
		AuctionID:  base,
		PlayerID:   1,
		OpeningBid: 10,
		Duration:   time.Hour,
	})
	if err != nil {
		return raceStats{}, err
	}

	var stats raceStats
	for round := 0; round < *rounds; round++ {
		cur, err := stack.Auctions.Get(ctx, lot.ID)
		if err != nil {
			return stats, err
		}
		wins, stale, err := contest(func(i int) error {
			_, err := stack.Auctions.PlaceBid(ctx, auction.BidRequest{
				LotID:    lot.ID,
				RosterID: base + int64(i),
				Amount:   cur.CurrentBid + 1 + int64(i),
				Expected: auction.ExpectedBid{Amount: cur.CurrentBid, BidderID: cur.CurrentBidder},
			})
			return err
		})
		if err != nil {
			return stats, err
		}
		stats.races++
		stats.winners += wins
		stats.stale += stale
	}

	final, err := stack.Auctions.Get(ctx, lot.ID)
	if err != nil {
		return stats, err
	}
	if final.BidCount != *rounds {
		return stats, fmt.Errorf("lot %d recorded %d bids, want %d", lot.ID, final.BidCount, *rounds)
	}
	return stats, nil
}

// contest fires one attempt per racer and buckets the outcomes. Any
// error that is not a stale-state rejection aborts the whole run.
func contest(attempt func(i int) error) (wins, stale int64, err error) {
	var w, s atomic.Int64
	var g errgroup.Group
	for i := 0; i < *racers; i++ {
		i := i
		g.Go(func() error {
			switch err := attempt(i); {
			case err == nil:
				w.Add(1)
			case errors.Is(err, lockerrors.ErrStaleState):
				s.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return w.Load(), s.Load(), err
	}
	return w.Load(), s.Load(), nil
}
