// Package ratelimit implements the two rate-limit policy variants from
// spec.md §4.1: a no-op policy and a quantum-windowed throttle. The
// quantum math is taken verbatim from
// original_source/ctsTraffic/ctsIOPatternRateLimitPolicy.hpp; the
// mutex-guarded, monotonic-clock accounting shape follows the general
// style other_examples/gonzalop-ftp__ratelimit.go uses for its own
// (token-bucket) limiter, adapted here to the quantum algorithm the spec
// actually requires.
package ratelimit

import (
	"sync"
	"time"
)

// Policy converts a scheduled send of size bytes into a delay before that
// send may be issued. Implementations must be safe for concurrent use by a
// single connection's engine (issue path) and nothing else — RLP state is
// per-connection, never shared across connections.
type Policy interface {
	ScheduleSend(size int) time.Duration
}

// NoThrottle never delays a send.
type NoThrottle struct{}

func (NoThrottle) ScheduleSend(int) time.Duration { return 0 }

// QuantumThrottle enforces a target bytes-per-second by windowing sends
// into fixed-length quanta and delaying whichever send would exceed the
// current quantum's budget until the next quantum starts.
type QuantumThrottle struct {
	mu sync.Mutex

	bytesPerQuantum int64
	quantumPeriod   time.Duration

	bytesSentThisQuantum int64
	quantumStart         time.Time

	now func() time.Time // overridable for tests; defaults to time.Now
}

// New returns a Policy for the given target. A non-positive bytesPerSecond
// or quantumMs selects NoThrottle, matching "no-throttle (always 0)" as the
// degenerate case of "no target configured".
func New(bytesPerSecond int64, quantumMs int64) Policy {
	if bytesPerSecond <= 0 || quantumMs <= 0 {
		return NoThrottle{}
	}
	return NewQuantumThrottle(bytesPerSecond, quantumMs)
}

// NewQuantumThrottle constructs a QuantumThrottle directly, bypassing the
// NoThrottle fallback in New.
func NewQuantumThrottle(bytesPerSecond int64, quantumMs int64) *QuantumThrottle {
	return &QuantumThrottle{
		bytesPerQuantum: bytesPerSecond * quantumMs / 1000,
		quantumPeriod:   time.Duration(quantumMs) * time.Millisecond,
		quantumStart:    time.Now(),
		now:             time.Now,
	}
}

// ScheduleSend implements Policy. It follows §4.1 step by step:
//  1. read the current monotonic time;
//  2. if quota remains and now is within the current window, admit the
//     send immediately and account for it;
//  3. if quota is already exhausted, compute the next quantum's start and
//     either delay until then or roll into the current time as a fresh
//     quantum;
//  4. if now is somehow before quantum_start (clock drift / a catch-up
//     scheduler), delay to the next quantum boundary but keep counters
//     advancing so a stalled connection cannot bank unlimited credit.
func (q *QuantumThrottle) ScheduleSend(size int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	bufSize := int64(size)

	if q.bytesSentThisQuantum < q.bytesPerQuantum {
		windowEnd := q.quantumStart.Add(q.quantumPeriod)
		if now.Before(windowEnd) {
			if now.After(q.quantumStart) {
				q.bytesSentThisQuantum += bufSize
				return 0
			}
			// now <= quantumStart: still catching up to a previously
			// computed quantum boundary.
			delay := q.newQuantumStart().Sub(now)
			q.bytesSentThisQuantum += bufSize
			return delay
		}
		// Already past the window with quota to spare: start fresh.
		q.bytesSentThisQuantum = bufSize
		q.quantumStart = q.quantumStart.Add(now.Sub(q.quantumStart))
		return 0
	}

	newStart := q.newQuantumStart()
	if now.Before(newStart) {
		q.bytesSentThisQuantum = bufSize
		q.quantumStart = newStart
		return newStart.Sub(now)
	}
	q.bytesSentThisQuantum = bufSize
	q.quantumStart = q.quantumStart.Add(now.Sub(q.quantumStart))
	return 0
}

func (q *QuantumThrottle) newQuantumStart() time.Time {
	quanta := q.bytesSentThisQuantum / q.bytesPerQuantum
	return q.quantumStart.Add(time.Duration(quanta) * q.quantumPeriod)
}
