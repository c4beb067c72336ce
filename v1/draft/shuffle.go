package draft

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// UniformInt returns a uniform random int in [0, n) drawn from
// crypto/rand. rand.Int rejection-samples internally, so the result
// carries no modulo bias regardless of n.
func UniformInt(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("uniform int: n must be positive, got %d", n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("uniform int: %w", err)
	}
	return int(v.Int64()), nil
}

// Shuffle permutes ids in place with a Fisher-Yates walk driven by
// crypto/rand. Derby order decides real draft position, so the
// permutation must be unpredictable as well as uniform.
func Shuffle(ids []int64) error {
	for i := len(ids) - 1; i > 0; i-- {
		j, err := UniformInt(i + 1)
		if err != nil {
			return err
		}
		ids[i], ids[j] = ids[j], ids[i]
	}
	return nil
}
