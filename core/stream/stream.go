// Package stream implements the large-message streamer: a hand-rolled,
// resumable state machine that delivers an oversized payload as a
// header packet plus N continuation chunks, driven by task
// re-submission on the queue's executor.
//
// It is encoded as explicit state rather than a goroutine parked on a
// channel: the resumption scheduler (the queue executor) is external
// and must remain the single writer for ordering.
package stream

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/credit"
	"github.com/pepper-iot/broker-delivery/core/msgref"
)

// LargeBodyReader is opened once per message and closed exactly once,
// in Finish. It models the queue's large-message body storage.
type LargeBodyReader interface {
	io.Reader
	io.Closer
	// Size returns the total body size in bytes.
	Size() int64
}

// Opener opens a LargeBodyReader for a reference's message. Usually
// backed by the queue's paging/large-message store.
type Opener interface {
	Open(ctx context.Context, ref msgref.Reference) (LargeBodyReader, error)
}

// UsageTracker increments/decrements a message's large-message usage
// counter, so the underlying storage isn't reclaimed while a streamer
// is still reading it.
type UsageTracker interface {
	IncrementUsage(ref msgref.Reference)
	DecrementUsage(ref msgref.Reference)
}

// Error is returned when the reader or another large-message
// resource fails; the caller should log it, forcibly finish the
// streamer, and treat the current delivery as failed.
type Error struct {
	Ref msgref.Reference
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream: reference %v: %v", e.Ref.MessageID(), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config carries the session's configured large-message threshold,
// which also bounds chunk sizes.
type Config struct {
	MinLargeMessageSize int64
}

// Streamer is the per-consumer, at-most-one chunked delivery state
// machine for a single large message.
type Streamer struct {
	cfg      Config
	ref      msgref.Reference
	msg      msgref.Message
	consumer collab.ConsumerInfo
	session  collab.Session
	meter    *credit.Meter
	usage    UsageTracker
	opener   Opener
	// stopped reports whether the owning consumer is currently
	// stopped; Deliver defers to it instead of touching the
	// consumer's lock itself.
	stopped func() bool

	deliveryCount int

	mu          sync.Mutex
	reader      LargeBodyReader
	totalSize   int64
	position    int64
	sentInitial bool
	finished    bool
	chunkBuf    []byte
}

// New constructs a streamer for ref. Construction does not begin
// sending; the first call to Deliver opens the reader and sends the
// header packet.
func New(cfg Config, ref msgref.Reference, msg msgref.Message, consumer collab.ConsumerInfo, session collab.Session, meter *credit.Meter, usage UsageTracker, opener Opener, stopped func() bool, deliveryCount int) *Streamer {
	usage.IncrementUsage(ref)
	return &Streamer{
		cfg:           cfg,
		ref:           ref,
		msg:           msg,
		consumer:      consumer,
		session:       session,
		meter:         meter,
		usage:         usage,
		opener:        opener,
		stopped:       stopped,
		deliveryCount: deliveryCount,
	}
}

// Deliver runs one iteration of the streamer's state machine. It
// returns done=true once the message has been fully sent (Finish has
// run); callers should reschedule another Deliver on the queue
// executor whenever done is false and err is nil.
func (s *Streamer) Deliver(ctx context.Context) (done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return true, nil
	}

	// Stopped consumers resume later; this is not an error.
	if s.stopped != nil && s.stopped() {
		return false, nil
	}

	if !s.meter.TryReserve() {
		s.chunkBuf = nil
		return false, nil
	}

	if !s.sentInitial {
		return s.sendInitial(ctx)
	}
	return s.sendChunk(ctx)
}

func (s *Streamer) sendInitial(ctx context.Context) (done bool, err error) {
	reader, err := s.opener.Open(ctx, s.ref)
	if err != nil {
		return false, &Error{Ref: s.ref, Err: err}
	}
	s.reader = reader
	s.totalSize = reader.Size()

	packetSize, err := s.session.SendLargeMessage(ctx, s.ref, s.msg, s.consumer, s.totalSize, s.deliveryCount)
	if err != nil {
		return false, &Error{Ref: s.ref, Err: err}
	}
	s.meter.Consume(packetSize)
	s.sentInitial = true

	if s.totalSize == 0 {
		s.finishLocked()
		return true, nil
	}
	return false, nil
}

func (s *Streamer) sendChunk(ctx context.Context) (done bool, err error) {
	remaining := s.totalSize - s.position
	chunkLen := remaining
	if chunkLen > s.cfg.MinLargeMessageSize {
		chunkLen = s.cfg.MinLargeMessageSize
	}

	if cap(s.chunkBuf) < int(chunkLen) {
		s.chunkBuf = make([]byte, chunkLen)
	}
	buf := s.chunkBuf[:chunkLen]

	if _, err := io.ReadFull(s.reader, buf); err != nil {
		return false, &Error{Ref: s.ref, Err: err}
	}

	hasMore := s.position+chunkLen < s.totalSize

	packetSize, err := s.session.SendLargeMessageContinuation(ctx, s.consumer, buf, hasMore, false)
	if err != nil {
		return false, &Error{Ref: s.ref, Err: err}
	}
	s.meter.Consume(packetSize)
	s.position += chunkLen

	if !hasMore {
		s.finishLocked()
		return true, nil
	}
	return false, nil
}

// Finish releases the reader and decrements the message's usage
// counter. It's idempotent: both the delivery path and Close() may
// race to call it.
func (s *Streamer) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *Streamer) finishLocked() {
	if s.finished {
		return
	}
	s.finished = true
	s.chunkBuf = nil
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
	s.usage.DecrementUsage(s.ref)
}

// Finished reports whether Finish has already run.
func (s *Streamer) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Position returns the number of body bytes sent so far (for tests
// and observability).
func (s *Streamer) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// TotalSize returns the total body size once known (0 until the
// header packet has been sent).
func (s *Streamer) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}
