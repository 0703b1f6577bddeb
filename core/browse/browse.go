// Package browse implements the browser deliverer: cursor-based,
// read-only traversal over a queue's references for a browse-only
// consumer. It reuses dispatch.Decide, the same per-reference decision
// the consumer controller drives, but never touches an in-flight
// ledger, never acknowledges, and never counts deliveries against the
// ack path. Credits still gate wire writes.
package browse

import (
	"context"
	"sync"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/credit"
	"github.com/pepper-iot/broker-delivery/core/dispatch"
	"github.com/pepper-iot/broker-delivery/core/msgref"
	"github.com/pepper-iot/broker-delivery/pkg/pluginlog"
)

// Filter is consulted, if non-nil, as the final NO_MATCH gate, mirroring
// core/consumer's Filter.
type Filter func(ref msgref.Reference) bool

// Browser drains a single collab.BrowserIterator for one browse-only
// consumer. A single goroutine is expected to call Drain repeatedly
// (once directly, then again whenever the queue prompts delivery); the
// mutex below only guards the retry slot against a concurrent Close.
type Browser struct {
	consumer collab.ConsumerInfo
	iterator collab.BrowserIterator
	session  collab.Session
	plugins  collab.Plugins
	meter    *credit.Meter
	filter   Filter

	mu       sync.Mutex
	current  msgref.Reference // saved on BUSY, retried by the next Drain
	finished bool
	closed   bool
}

// New constructs a Browser over iterator for consumer. meter gates wire
// writes the same way it gates the consumer controller's accept path,
// but a browse-only consumer never debits it against an ack.
func New(consumer collab.ConsumerInfo, iterator collab.BrowserIterator, session collab.Session, plugins collab.Plugins, meter *credit.Meter, filter Filter) *Browser {
	return &Browser{
		consumer: consumer,
		iterator: iterator,
		session:  session,
		plugins:  plugins,
		meter:    meter,
		filter:   filter,
	}
}

// Drain runs the single drain task: it pulls references
// from the iterator (or resumes the one saved on a prior BUSY),
// running each through dispatch.Decide. ACCEPT sends the message and
// advances; NO_MATCH advances without sending; BUSY saves the
// reference in the retry slot and returns so a later prompt can resume
// exactly there. When the iterator is exhausted, session.BrowserFinished
// is invoked exactly once.
func (b *Browser) Drain(ctx context.Context) error {
	for {
		ref, ok := b.nextRef()
		if !ok {
			b.finishOnce()
			return nil
		}

		in := dispatch.Input{
			HasCredit:         b.meter.TryReserve(),
			SessionHasCredits: b.session.HasCredits(b.consumer, ref),
			PluginAccepts:     b.pluginsCanAccept(ref),
			Writable:          b.session.IsWritable(ctx, b.consumer),
			Started:           true, // browse-only consumers are never stopped
			Transferring:      false,
			StreamerActive:    false, // browse never constructs a streamer
			AcceptsConsumer:   ref.Message().AcceptsConsumer(b.consumer.SequentialID()),
			FilterMatches:     b.filter == nil || b.filter(ref),
		}

		switch dispatch.Decide(in) {
		case dispatch.Accept:
			b.clearSaved()
			if err := b.proceedDeliver(ctx, ref); err != nil {
				return err
			}
		case dispatch.Busy:
			b.saveCurrent(ref)
			return nil
		case dispatch.NoMatch:
			b.clearSaved()
			// fall through to pull the next reference
		}
	}
}

// nextRef returns the saved retry reference if one is pending,
// otherwise pulls the next one from the iterator.
func (b *Browser) nextRef() (msgref.Reference, bool) {
	b.mu.Lock()
	if b.current != nil {
		ref := b.current
		b.mu.Unlock()
		return ref, true
	}
	b.mu.Unlock()
	return b.iterator.Next()
}

func (b *Browser) saveCurrent(ref msgref.Reference) {
	b.mu.Lock()
	b.current = ref
	b.mu.Unlock()
}

func (b *Browser) clearSaved() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

func (b *Browser) proceedDeliver(ctx context.Context, ref msgref.Reference) error {
	b.safeBeforeDeliver(ref)
	defer b.session.AfterDelivery(b.consumer)
	defer b.safeAfterDeliver(ref)

	packetSize, err := b.session.SendMessage(ctx, ref, ref.Message(), b.consumer, ref.DeliveryCount())
	if err != nil {
		return err
	}
	b.meter.Consume(packetSize)
	return nil
}

// finishOnce invokes session.BrowserFinished exactly once, even if
// Drain is called again after exhaustion.
func (b *Browser) finishOnce() {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.mu.Unlock()
	b.session.BrowserFinished(b.consumer)
}

// Finished reports whether the iterator has been exhausted.
func (b *Browser) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Close releases the underlying iterator. Safe to call more than once.
func (b *Browser) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	if b.iterator != nil {
		b.iterator.Close()
	}
}

func (b *Browser) pluginsCanAccept(ref msgref.Reference) (ok bool) {
	if b.plugins == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookCanAccept, b.consumer.ConsumerID(), r)
			ok = false
		}
	}()
	ok = b.plugins.CanAccept(b.consumer, ref)
	if !ok {
		pluginlog.Vetoed(pluginlog.HookCanAccept, b.consumer.ConsumerID())
	}
	return ok
}

func (b *Browser) safeBeforeDeliver(ref msgref.Reference) {
	if b.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookBeforeDeliver, b.consumer.ConsumerID(), r)
		}
	}()
	b.plugins.BeforeDeliver(b.consumer, ref)
}

func (b *Browser) safeAfterDeliver(ref msgref.Reference) {
	if b.plugins == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			pluginlog.Panicked(pluginlog.HookAfterDeliver, b.consumer.ConsumerID(), r)
		}
	}()
	b.plugins.AfterDeliver(b.consumer, ref)
}
