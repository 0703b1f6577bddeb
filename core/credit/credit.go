// Package credit implements the client-advertised byte credit meter:
// either unlimited (no throttle) or bounded with a signed counter of
// bytes. Mutation is lock-free (atomic) so the hot-path check never
// contends the consumer lock.
package credit

import "sync/atomic"

// Meter is a token bucket of client-advertised bytes. The zero value
// is a bounded meter starting at zero credits (no credit granted yet).
type Meter struct {
	unlimited int32 // 0 or 1, read/written atomically
	bytes     int64 // signed; may go negative after an over-budget send
}

// NewBounded returns a Meter starting in bounded mode with zero
// credits available.
func NewBounded() *Meter {
	return &Meter{}
}

// NewUnlimited returns a Meter starting in unlimited mode.
func NewUnlimited() *Meter {
	m := &Meter{}
	atomic.StoreInt32(&m.unlimited, 1)
	return m
}

// TryReserve returns true iff a send may proceed: always true in
// unlimited mode, or iff the bounded counter is currently > 0.
// It does not itself reserve anything; the actual byte cost is
// deducted post-send via Consume, once the packet size is known.
func (m *Meter) TryReserve() bool {
	if atomic.LoadInt32(&m.unlimited) == 1 {
		return true
	}
	return atomic.LoadInt64(&m.bytes) > 0
}

// Consume subtracts n bytes after a send has completed. A no-op in
// unlimited mode.
func (m *Meter) Consume(n int64) {
	if atomic.LoadInt32(&m.unlimited) == 1 {
		return
	}
	atomic.AddInt64(&m.bytes, -n)
}

// Grant adds n bytes of credit. It returns true iff the counter
// transitioned from <=0 to >0, the signal the caller uses to trigger
// promptDelivery().
func (m *Meter) Grant(n int64) bool {
	if atomic.LoadInt32(&m.unlimited) == 1 {
		return false
	}
	before := atomic.LoadInt64(&m.bytes)
	after := atomic.AddInt64(&m.bytes, n)
	return before <= 0 && after > 0
}

// Disable switches the meter to unlimited mode. Always returns true
// (disabling always warrants a prompt, since a previously-throttled
// consumer may now have work to do).
func (m *Meter) Disable() bool {
	atomic.StoreInt32(&m.unlimited, 1)
	return true
}

// Reset zeroes the bounded counter (the slow-consumer throttle). It's
// a no-op in unlimited mode and never itself triggers a prompt, since
// it can only remove credit.
func (m *Meter) Reset() {
	if atomic.LoadInt32(&m.unlimited) == 1 {
		return
	}
	atomic.StoreInt64(&m.bytes, 0)
}

// Unlimited reports whether the meter is currently in unlimited mode.
func (m *Meter) Unlimited() bool {
	return atomic.LoadInt32(&m.unlimited) == 1
}

// Bytes returns the current bounded counter value. In unlimited mode
// this reflects whatever residual value existed before Disable() was
// called; callers should check Unlimited() first.
func (m *Meter) Bytes() int64 {
	return atomic.LoadInt64(&m.bytes)
}

// ReceiveCredits applies a client credit frame: n == -1 disables the
// meter; n == 0 resets it to zero; otherwise n is granted. It returns
// true iff the caller should prompt delivery.
func (m *Meter) ReceiveCredits(n int64) (shouldPrompt bool) {
	switch {
	case n == -1:
		return m.Disable()
	case n == 0:
		m.Reset()
		return false
	default:
		return m.Grant(n)
	}
}
