package locks

import "sort"

// Domain identifies one advisory-lock namespace. The declaration order
// is the acquisition priority: when several locks are taken together
// they are sorted by domain first, so any two call sites that request
// overlapping sets acquire them in the same relative order and cannot
// deadlock each other.
//
// The registry is append-only. New domains go at the end, claiming the
// next free range; existing ordinals must never be reordered, because
// running deployments derive the same keys from the same ordinals.
type Domain int

const (
	League Domain = iota
	Roster
	Trade
	Waiver
	Auction
	Lineup
	Draft
	Job
)

// rangeWidth is the size of each domain's reserved key block. Entity
// ids must stay below this; that is a configuration rule, not a
// runtime check.
const rangeWidth int64 = 100_000_000

var domainNames = [...]string{
	League:  "league",
	Roster:  "roster",
	Trade:   "trade",
	Waiver:  "waiver",
	Auction: "auction",
	Lineup:  "lineup",
	Draft:   "draft",
	Job:     "job",
}

func (d Domain) String() string {
	if d < 0 || int(d) >= len(domainNames) {
		return "unknown"
	}
	return domainNames[d]
}

// Base returns the first key of the domain's reserved range.
func (d Domain) Base() int64 { return (int64(d) + 1) * rangeWidth }

// Key derives the advisory-lock key for an entity. It is pure and
// injective across all (domain, id) pairs with 0 <= id < 100,000,000.
func Key(d Domain, id int64) int64 { return d.Base() + id }

// Spec names one lock to acquire. Specs are ephemeral: built per call,
// consumed by Order and the acquisition helpers, never stored.
type Spec struct {
	Domain Domain
	ID     int64
}

// Key returns the advisory-lock key for the spec.
func (s Spec) Key() int64 { return Key(s.Domain, s.ID) }

// Order returns the specs sorted by (domain priority, id) with exact
// duplicates removed. The result is the same for every permutation of
// the input, which is the whole point: callers that lock overlapping
// sets end up acquiring in identical order. The input slice is not
// modified.
func Order(specs []Spec) []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].ID < out[j].ID
	})
	dedup := out[:0]
	for i, s := range out {
		if i == 0 || s != out[i-1] {
			dedup = append(dedup, s)
		}
	}
	return dedup
}
