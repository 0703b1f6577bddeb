// Package ledger implements the in-flight ledger: an ordered sequence
// of MessageReferences preserving delivery order. Callers are
// responsible for holding the consumer lock around every method here;
// the ledger itself does no locking.
package ledger

import (
	"container/list"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

// Ledger is an ordered, duplicate-free sequence of references that
// have been handled but not yet acknowledged, rejected, or cancelled.
type Ledger struct {
	order *list.List
	byID  map[msgref.ID]*list.Element
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		order: list.New(),
		byID:  make(map[msgref.ID]*list.Element),
	}
}

// Append adds ref at the tail. It's a caller bug (and silently
// ignored, mirroring the "at most once" invariant) to append a
// reference whose id is already present.
func (l *Ledger) Append(ref msgref.Reference) {
	if _, ok := l.byID[ref.MessageID()]; ok {
		return
	}
	el := l.order.PushBack(ref)
	l.byID[ref.MessageID()] = el
}

// PushFront re-establishes a reference at the head, used by
// back_to_delivering to restore ordering after a protocol rollback.
func (l *Ledger) PushFront(ref msgref.Reference) {
	if _, ok := l.byID[ref.MessageID()]; ok {
		return
	}
	el := l.order.PushFront(ref)
	l.byID[ref.MessageID()] = el
}

// PollHead removes and returns the head of the ledger, or nil if
// empty.
func (l *Ledger) PollHead() msgref.Reference {
	front := l.order.Front()
	if front == nil {
		return nil
	}
	ref := front.Value.(msgref.Reference)
	l.order.Remove(front)
	delete(l.byID, ref.MessageID())
	return ref
}

// PeekHead returns the head of the ledger without removing it, or nil
// if empty.
func (l *Ledger) PeekHead() msgref.Reference {
	front := l.order.Front()
	if front == nil {
		return nil
	}
	return front.Value.(msgref.Reference)
}

// Remove excises the reference with the given id. The lookup goes
// through the id index, so removal costs the same at any position.
func (l *Ledger) Remove(id msgref.ID) (msgref.Reference, bool) {
	el, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	ref := el.Value.(msgref.Reference)
	l.order.Remove(el)
	delete(l.byID, id)
	return ref, true
}

// Len returns the number of references currently in the ledger.
func (l *Ledger) Len() int {
	return l.order.Len()
}

// Contains reports whether id is currently in the ledger.
func (l *Ledger) Contains(id msgref.ID) bool {
	_, ok := l.byID[id]
	return ok
}

// Snapshot returns the references in delivery order. It's intended
// for the delivering-message list observable and for
// tests; callers must not mutate the ledger while iterating the
// result in a way that assumes it stays in sync.
func (l *Ledger) Snapshot() []msgref.Reference {
	out := make([]msgref.Reference, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(msgref.Reference))
	}
	return out
}

// ScanDeliveringReferences iterates the ledger in order, collecting
// references from the first one satisfying start until one satisfies
// end (inclusive). If remove is true, the collected references are
// excised from the ledger.
func (l *Ledger) ScanDeliveringReferences(start, end func(msgref.Reference) bool, remove bool) []msgref.Reference {
	var collected []msgref.Reference
	var toRemove []*list.Element

	collecting := false
	for el := l.order.Front(); el != nil; el = el.Next() {
		ref := el.Value.(msgref.Reference)
		if !collecting {
			if !start(ref) {
				continue
			}
			collecting = true
		}

		collected = append(collected, ref)
		if remove {
			toRemove = append(toRemove, el)
		}

		if end(ref) {
			break
		}
	}

	for _, el := range toRemove {
		ref := el.Value.(msgref.Reference)
		l.order.Remove(el)
		delete(l.byID, ref.MessageID())
	}

	return collected
}
