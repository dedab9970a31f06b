package connection

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Backoff computes a full-jitter binary exponential backoff delay for
// retry attempt n (0-based): jitter(min(1000·2^n, maxBackoff)) ms, returned
// as a duration in [0, backoff) (spec.md §4.4, §9 "the zero case is
// intentional — full jitter in [0, backoff)").
type Backoff struct {
	BaseMs int64
	MaxMs  int64
}

// NewBackoff constructs a Backoff with the spec's defaults: 1000ms base,
// maxMs as given.
func NewBackoff(maxMs int64) Backoff {
	return Backoff{BaseMs: 1000, MaxMs: maxMs}
}

// Delay returns the backoff duration for attempt n. n is clamped to 62 to
// keep the shift count in range; a shift that overflows int64 wraps to zero,
// a negative value or one above any practical MaxMs, and falls back to the
// cap like any other product above it.
func (b Backoff) Delay(n int) time.Duration {
	capMs := b.MaxMs
	if capMs <= 0 {
		capMs = b.BaseMs
	}

	const maxShift = 62 // keeps the shift below int64's width
	shift := n
	if shift > maxShift {
		shift = maxShift
	}
	exp := b.BaseMs << uint(shift)
	backoffMs := exp
	if exp <= 0 || exp > capMs { // exp<=0 covers overflow wraparound
		backoffMs = capMs
	}

	if backoffMs <= 0 {
		return 0
	}
	return time.Duration(randInt63n(backoffMs)) * time.Millisecond
}

// randInt63n returns a cryptographically random int64 in [0, n) using
// crypto/rand, mirroring the spec's "random.fill" collaborator contract
// rather than reaching for math/rand's global, non-cryptographic source.
func randInt63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(buf[:]) & (1<<63 - 1))
	return v % n
}
