package draft

import "testing"

func TestShufflePermutes(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	shuffled := append([]int64(nil), ids...)
	if err := Shuffle(shuffled); err != nil {
		t.Fatalf("Shuffle: %v", err)
	}
	if len(shuffled) != len(ids) {
		t.Fatalf("length changed: %d -> %d", len(ids), len(shuffled))
	}
	seen := make(map[int64]bool, len(shuffled))
	for _, id := range shuffled {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("id %d missing after shuffle: %v", id, shuffled)
		}
	}
}

func TestShuffleEventuallyMoves(t *testing.T) {
	// 20 shuffles of 10 elements all landing on the identity order
	// means the generator is broken, not unlucky.
	base := make([]int64, 10)
	for i := range base {
		base[i] = int64(i)
	}
	for attempt := 0; attempt < 20; attempt++ {
		ids := append([]int64(nil), base...)
		if err := Shuffle(ids); err != nil {
			t.Fatalf("Shuffle: %v", err)
		}
		if !int64SliceEqual(ids, base) {
			return
		}
	}
	t.Fatalf("20 shuffles left the order untouched")
}

func TestUniformIntBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		n, err := UniformInt(7)
		if err != nil {
			t.Fatalf("UniformInt: %v", err)
		}
		if n < 0 || n >= 7 {
			t.Fatalf("UniformInt(7) = %d, out of range", n)
		}
	}
	if _, err := UniformInt(0); err == nil {
		t.Fatalf("UniformInt(0) did not fail")
	}
}
