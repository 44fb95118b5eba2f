// Package allocator implements deterministic user bucketing. Given a user id,
// an experiment seed, and the experiment's ordered variants it always produces
// the same variant.
package allocator

import (
	"github.com/spaolacci/murmur3"
)

// DefaultBucketSize is the default number of hash slots. 10,000 slots give
// 0.01% granularity and map integer percentage inputs exactly.
const DefaultBucketSize = 10000

// Slot is one variant's share of the bucket space, in declaration order.
// Slots must be sorted by ascending variant id: that ordering is part of the
// assignment contract, and keeps existing buckets stable when new variants
// are appended with fresh ids.
type Slot struct {
	VariantID     int64
	AllocationPct int
}

// Bucket hashes a user into [0, buckets). The hash input is "userID:seed",
// so rotating the seed re-rolls the entire population while the same
// (user, seed) pair is stable across restarts and processes. Non-positive
// bucket counts fall back to the default.
func Bucket(userID, seed string, buckets int) int {
	if buckets <= 0 {
		buckets = DefaultBucketSize
	}
	var h = murmur3.Sum32([]byte(userID + ":" + seed))
	return int(h % uint32(buckets))
}

// Assign maps a user to a variant by walking the cumulative allocation
// ranges. It never fails: if the allocations do not cover the full bucket
// space (a data-integrity violation caught elsewhere by experiment
// validation) the final variant absorbs the remainder.
func Assign(userID, seed string, slots []Slot, buckets int) int64 {
	if len(slots) == 0 {
		return 0
	}
	if buckets <= 0 {
		buckets = DefaultBucketSize
	}
	var b = Bucket(userID, seed, buckets)

	var cumulative int
	for _, s := range slots {
		cumulative += s.AllocationPct * (buckets / 100)
		if b < cumulative {
			return s.VariantID
		}
	}
	return slots[len(slots)-1].VariantID
}
