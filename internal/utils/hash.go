package utils

import (
	"hash/fnv"
	"time"
)

func HashStringToUint64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// StableJitter maps key to a fixed offset in [0, max). Pollers use it to spread
// their first run without randomness.
func StableJitter(key string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(HashStringToUint64(key) % uint64(max))
}
