package dedup

import (
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// ParseHash decodes a 64-bit perceptual hash from its hex form. The "p:"
// kind prefix written by goimagehash is accepted.
func ParseHash(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "p:")
	if s == "" || len(s) > 16 {
		return 0, goerr.New("invalid perceptual hash", goerr.V("hash", s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, goerr.Wrap(err, "invalid perceptual hash", goerr.V("hash", s))
	}
	return v, nil
}

// Hamming returns the number of differing bits between two hex hashes
func Hamming(a, b string) (int, error) {
	x, err := ParseHash(a)
	if err != nil {
		return 0, err
	}
	y, err := ParseHash(b)
	if err != nil {
		return 0, err
	}
	return bits.OnesCount64(x ^ y), nil
}

// hashDistance reports ok=false when either side is missing or malformed
func hashDistance(a, b string) (int, bool) {
	if a == "" || b == "" {
		return 0, false
	}
	d, err := Hamming(a, b)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Cosine computes the cosine similarity of two vectors, re-normalizing both
// sides because stored records may predate the unit-norm invariant. ok is
// false when either vector has zero norm.
func Cosine(a, b []float32) (float64, bool, error) {
	if len(a) != len(b) {
		return 0, false, goerr.Wrap(ErrDimensionMismatch, "cannot compare embeddings",
			goerr.V("candidate_dim", len(a)), goerr.V("record_dim", len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// rounding can push identical vectors slightly past 1
	return math.Max(-1, math.Min(1, sim)), true, nil
}

// Normalize returns a unit-length copy of v. A zero vector is returned as is.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
