package sstore

import "hash/fnv"

// Hash64 returns the 64-bit FNV-1a hash of b. The hash is unseeded, so the
// result is stable across processes and is safe to persist.
func Hash64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
