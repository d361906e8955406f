package utils

import (
	"math"

	"github.com/OneOfOne/xxhash"
)

// BucketProbability maps a value's string form to [0, 1) using seeded
// xxHash32 over its UTF-8 bytes. The algorithm must match the flag
// authoring backend bit-for-bit so that a given value lands in the same
// bucket in every SDK; it is not interchangeable with other hashes.
func BucketProbability(value string, seed uint32) float64 {
	h := xxhash.Checksum32S([]byte(value), seed)
	p := float64(h) / float64(math.MaxUint32)
	if p == 1.0 {
		// Only reachable at the hash's maximum value; keep the result
		// inside the half-open interval.
		p = math.Nextafter(1.0, 0)
	}
	return p
}
