package locks

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestKeyRangesAreDisjoint(t *testing.T) {
	domains := []Domain{League, Roster, Trade, Waiver, Auction, Lineup, Draft, Job}
	for i, a := range domains {
		for _, b := range domains[i+1:] {
			// Highest key of a must stay below lowest key of b.
			if Key(a, rangeWidth-1) >= Key(b, 0) {
				t.Fatalf("ranges overlap: %s max %d >= %s base %d",
					a, Key(a, rangeWidth-1), b, b.Base())
			}
		}
	}
}

func TestKeyIsInjective(t *testing.T) {
	seen := map[int64]Spec{}
	for _, d := range []Domain{League, Roster, Trade, Waiver, Auction, Lineup, Draft, Job} {
		for _, id := range []int64{0, 1, 7, 42, 99_999_999} {
			k := Key(d, id)
			if prev, dup := seen[k]; dup {
				t.Fatalf("key %d produced by both %v and %v", k, prev, Spec{d, id})
			}
			seen[k] = Spec{d, id}
		}
	}
}

func TestKeyKnownValues(t *testing.T) {
	if got := Key(League, 5); got != 100_000_005 {
		t.Fatalf("Key(League, 5) = %d", got)
	}
	if got := Key(Draft, 42); got != 700_000_042 {
		t.Fatalf("Key(Draft, 42) = %d", got)
	}
	if got := Key(Job, 1); got != 800_000_001 {
		t.Fatalf("Key(Job, 1) = %d", got)
	}
}

func TestOrderSortsByPriorityThenID(t *testing.T) {
	in := []Spec{
		{Draft, 2},
		{Roster, 7},
		{League, 9},
		{Roster, 3},
	}
	want := []Spec{
		{League, 9},
		{Roster, 3},
		{Roster, 7},
		{Draft, 2},
	}
	if got := Order(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("Order = %v, want %v", got, want)
	}
}

func TestOrderRemovesDuplicates(t *testing.T) {
	in := []Spec{{Roster, 3}, {Roster, 7}, {Roster, 3}, {Roster, 3}}
	got := Order(in)
	want := []Spec{{Roster, 3}, {Roster, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Order = %v, want %v", got, want)
	}
}

func TestOrderDeterministicAcrossPermutations(t *testing.T) {
	base := []Spec{{Trade, 1}, {Roster, 3}, {Roster, 7}, {Auction, 2}, {League, 1}}
	want := Order(base)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		perm := make([]Spec, len(base))
		copy(perm, base)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		if got := Order(perm); !reflect.DeepEqual(got, want) {
			t.Fatalf("permutation %d: Order = %v, want %v", i, got, want)
		}
	}
}

func TestOrderDoesNotMutateInput(t *testing.T) {
	in := []Spec{{Draft, 2}, {League, 1}}
	Order(in)
	if in[0] != (Spec{Draft, 2}) || in[1] != (Spec{League, 1}) {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestDomainString(t *testing.T) {
	if League.String() != "league" || Job.String() != "job" {
		t.Fatalf("domain names wrong: %s %s", League, Job)
	}
	if Domain(99).String() != "unknown" {
		t.Fatalf("out-of-range domain should read unknown, got %s", Domain(99))
	}
}
