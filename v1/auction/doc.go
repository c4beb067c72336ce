// Package auction runs open player auctions: lots accept ascending
// bids until they close, then a settlement pass marks them sold or
// passed. Bids carry the bidder's last observed amount and bidder as a
// typed expected value; the conditional update underneath rejects any
// bid built on an outdated view, so losing a race surfaces as a
// stale-state conflict the client resolves by re-reading the lot.
package auction
