// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txorphanage

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"time"
)

// RandomSource supplies the uniformly distributed indices used to pick
// eviction victims.  Remote peers must not be able to predict its output, or
// a flooding peer could arrange for its own transactions to survive
// eviction.  *math/rand.Rand satisfies the interface, which is convenient
// for deterministic tests.
type RandomSource interface {
	// Intn returns a uniformly distributed integer in [0, n).  It panics
	// when n <= 0, matching math/rand.
	Intn(n int) int
}

// newEvictionRand returns the pool's default eviction source: a math/rand
// generator seeded from the operating system entropy source.  Pool calls
// into it only while holding its own lock, so no further synchronization is
// needed.
func newEvictionRand() RandomSource {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// Entropy exhaustion is effectively unheard of on supported
		// platforms.  A time seed keeps the pool functional, merely
		// with a weaker unpredictability guarantee.
		return mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}
	return mrand.New(mrand.NewSource(
		int64(binary.LittleEndian.Uint64(seed[:]))))
}
