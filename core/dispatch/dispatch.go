// Package dispatch implements the per-reference dispatch decision:
// ACCEPT / BUSY / NO_MATCH. The decision itself is a pure function
// over an Input snapshot; the consumer controller and browser
// deliverer are responsible for gathering that snapshot (the cheap,
// lock-free checks before acquiring their lock, and the locked checks
// after) and for performing whatever side effects their own decision
// path requires on ACCEPT.
//
// Splitting it this way is what lets the browser share the decision
// table without sharing the controller's ledger/streamer side
// effects, which browse-only consumers never perform.
package dispatch

// Decision is the outcome of Decide.
type Decision int

const (
	// Busy means the consumer can't currently take this reference,
	// but may later (no credit, not writable, not started,
	// transferring, or an active large-message streamer).
	Busy Decision = iota
	// NoMatch means this reference will never be taken by this
	// consumer (plugin veto, grouping/exclusivity mismatch, or filter
	// mismatch).
	NoMatch
	// Accept means the reference should be delivered to this
	// consumer.
	Accept
)

func (d Decision) String() string {
	switch d {
	case Busy:
		return "BUSY"
	case NoMatch:
		return "NO_MATCH"
	case Accept:
		return "ACCEPT"
	default:
		return "UNKNOWN"
	}
}

// Input is the full set of facts Decide needs, gathered by the caller.
// The pre-lock fields (HasCredit, SessionHasCredits, PluginAccepts)
// are gathered without the consumer lock; the rest are read under it.
type Input struct {
	// HasCredit is the bounded credit meter's TryReserve() result, or
	// true in unlimited mode.
	HasCredit bool
	// SessionHasCredits is the wire adapter's protocol-specific credit
	// check (collab.Session.HasCredits).
	SessionHasCredits bool
	// PluginAccepts is collab.Plugins.CanAccept's result; true if no
	// plugin is installed.
	PluginAccepts bool

	// Writable is the transport's current writability.
	Writable bool
	// Started is the consumer's started flag (browse-only consumers
	// are always Started).
	Started bool
	// Transferring is the consumer's transferring flag.
	Transferring bool
	// StreamerActive reports whether a large-message streamer is
	// currently in flight for this consumer.
	StreamerActive bool

	// AcceptsConsumer is ref.Message().AcceptsConsumer(seqID).
	AcceptsConsumer bool
	// FilterMatches is true if there's no filter, or the filter
	// matches the reference.
	FilterMatches bool
}

// Decide evaluates the layered checks in order, short-circuiting on
// the first match.
func Decide(in Input) Decision {
	if !in.HasCredit {
		return Busy
	}
	if !in.SessionHasCredits {
		return Busy
	}
	if !in.PluginAccepts {
		return NoMatch
	}

	if !in.Writable || !in.Started || in.Transferring {
		return Busy
	}
	if in.StreamerActive {
		return Busy
	}
	if !in.AcceptsConsumer {
		return NoMatch
	}
	if !in.FilterMatches {
		return NoMatch
	}
	return Accept
}
