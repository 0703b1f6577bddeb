package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pepper-iot/broker-delivery/core/collab"
	"github.com/pepper-iot/broker-delivery/core/credit"
	"github.com/pepper-iot/broker-delivery/core/msgref"
)

type fakeConsumer struct{ id uint64 }

func (c fakeConsumer) ConsumerID() uint64   { return c.id }
func (c fakeConsumer) SequentialID() uint64 { return c.id }
func (c fakeConsumer) QueueName() string    { return "q" }

type fakeReader struct {
	*bytes.Reader
	size   int64
	closed bool
}

func (r *fakeReader) Size() int64 { return r.size }
func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeOpener struct {
	reader *fakeReader
	err    error
}

func (o *fakeOpener) Open(ctx context.Context, ref msgref.Reference) (LargeBodyReader, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.reader, nil
}

type fakeUsage struct {
	incremented, decremented int
}

func (u *fakeUsage) IncrementUsage(ref msgref.Reference) { u.incremented++ }
func (u *fakeUsage) DecrementUsage(ref msgref.Reference) { u.decremented++ }

type sendChunkCall struct {
	body    []byte
	hasMore bool
}

// testSession implements collab.Session, recording only what the
// streamer calls.
type testSession struct {
	headerSent int
	chunks     []sendChunkCall
}

func newTestSession() *testSession { return &testSession{} }

func (s *testSession) HasCredits(consumer collab.ConsumerInfo, ref msgref.Reference) bool {
	return true
}
func (s *testSession) IsWritable(ctx context.Context, consumer collab.ConsumerInfo) bool {
	return true
}
func (s *testSession) SendMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer collab.ConsumerInfo, deliveryCount int) (int64, error) {
	return 0, nil
}
func (s *testSession) SendLargeMessage(ctx context.Context, ref msgref.Reference, msg msgref.Message, consumer collab.ConsumerInfo, totalSize int64, deliveryCount int) (int64, error) {
	s.headerSent++
	return 32, nil
}
func (s *testSession) SendLargeMessageContinuation(ctx context.Context, consumer collab.ConsumerInfo, body []byte, hasMore bool, requiresResponse bool) (int64, error) {
	cp := make([]byte, len(body))
	copy(cp, body)
	s.chunks = append(s.chunks, sendChunkCall{body: cp, hasMore: hasMore})
	return int64(len(body)), nil
}
func (s *testSession) UpdateDeliveryCountAfterCancel(consumer collab.ConsumerInfo, ref msgref.Reference, failed bool) bool {
	return false
}
func (s *testSession) AfterDelivery(consumer collab.ConsumerInfo) {}
func (s *testSession) Disconnect(consumer collab.ConsumerInfo, queueName string) {}
func (s *testSession) BrowserFinished(consumer collab.ConsumerInfo) {}
func (s *testSession) SupportsDirectDelivery() bool { return true }

func TestStreamer_LargeMessageChunking(t *testing.T) {
	body := bytes.Repeat([]byte{'x'}, 10000)
	reader := &fakeReader{Reader: bytes.NewReader(body), size: 10000}
	opener := &fakeOpener{reader: reader}
	usage := &fakeUsage{}
	meter := credit.NewUnlimited()

	sess := newTestSession()
	ref := msgref.NewInMemoryReference(1, &msgref.InMemoryMessage{Large: true, SizeVal: 10000}, &msgref.InMemoryQueue{QueueName: "q"})

	cfg := Config{MinLargeMessageSize: 4096}
	s := New(cfg, ref, ref.Message(), fakeConsumer{id: 1}, sess, meter, usage, opener, nil, 1)

	ctx := context.Background()

	done, err := s.Deliver(ctx)
	if err != nil {
		t.Fatalf("Deliver() #1 err = %v", err)
	}
	if done {
		t.Fatalf("Deliver() #1 done = true; want false")
	}
	if sess.headerSent != 1 {
		t.Fatalf("header sends = %d; want 1", sess.headerSent)
	}

	done, err = s.Deliver(ctx)
	if err != nil || done {
		t.Fatalf("Deliver() #2 = (%v, %v); want (false, nil)", done, err)
	}
	if s.Position() != 4096 {
		t.Fatalf("Position() = %d; want 4096", s.Position())
	}
	if !sess.chunks[0].hasMore {
		t.Fatalf("chunk 1 hasMore = false; want true")
	}

	done, err = s.Deliver(ctx)
	if err != nil || done {
		t.Fatalf("Deliver() #3 = (%v, %v); want (false, nil)", done, err)
	}
	if s.Position() != 8192 {
		t.Fatalf("Position() = %d; want 8192", s.Position())
	}

	done, err = s.Deliver(ctx)
	if err != nil {
		t.Fatalf("Deliver() #4 err = %v", err)
	}
	if !done {
		t.Fatalf("Deliver() #4 done = false; want true")
	}
	if s.Position() != 10000 {
		t.Fatalf("Position() = %d; want 10000", s.Position())
	}
	if sess.chunks[len(sess.chunks)-1].hasMore {
		t.Fatalf("final chunk hasMore = true; want false")
	}
	if !s.Finished() {
		t.Fatalf("Finished() = false; want true")
	}
	if !reader.closed {
		t.Fatalf("reader not closed after Finish")
	}
	if usage.incremented != 1 || usage.decremented != 1 {
		t.Fatalf("usage calls = (%d, %d); want (1, 1)", usage.incremented, usage.decremented)
	}

	s.Finish()
	if usage.decremented != 1 {
		t.Fatalf("usage.decremented = %d after double Finish; want 1", usage.decremented)
	}
}

func TestStreamer_NoCredit_ReleasesBuffer(t *testing.T) {
	body := bytes.Repeat([]byte{'y'}, 100)
	reader := &fakeReader{Reader: bytes.NewReader(body), size: 100}
	opener := &fakeOpener{reader: reader}
	usage := &fakeUsage{}
	meter := credit.NewBounded() // zero credits: TryReserve is always false

	sess := newTestSession()
	ref := msgref.NewInMemoryReference(2, &msgref.InMemoryMessage{Large: true, SizeVal: 100}, &msgref.InMemoryQueue{QueueName: "q"})

	s := New(Config{MinLargeMessageSize: 64}, ref, ref.Message(), fakeConsumer{id: 1}, sess, meter, usage, opener, nil, 1)

	done, err := s.Deliver(context.Background())
	if err != nil {
		t.Fatalf("Deliver() err = %v", err)
	}
	if done {
		t.Fatalf("Deliver() done = true; want false (no credit)")
	}
	if sess.headerSent != 0 {
		t.Fatalf("header should not have been sent without credit")
	}

	// Once a chunk buffer exists, running out of credit releases it.
	meter.Grant(1000)
	if _, err := s.Deliver(context.Background()); err != nil {
		t.Fatalf("Deliver() header err = %v", err)
	}
	if _, err := s.Deliver(context.Background()); err != nil {
		t.Fatalf("Deliver() first chunk err = %v", err)
	}
	if s.chunkBuf == nil {
		t.Fatalf("chunk buffer not allocated after first chunk")
	}
	meter.Consume(meter.Bytes())
	if done, err := s.Deliver(context.Background()); err != nil || done {
		t.Fatalf("Deliver() out of credit = (%v, %v); want (false, nil)", done, err)
	}
	if s.chunkBuf != nil {
		t.Fatalf("chunk buffer kept after credit ran out; want released")
	}
}

func TestStreamer_Stopped_DoesNotAdvance(t *testing.T) {
	body := []byte("hello")
	reader := &fakeReader{Reader: bytes.NewReader(body), size: int64(len(body))}
	opener := &fakeOpener{reader: reader}
	usage := &fakeUsage{}
	meter := credit.NewUnlimited()
	sess := newTestSession()
	ref := msgref.NewInMemoryReference(3, &msgref.InMemoryMessage{Large: true, SizeVal: int64(len(body))}, &msgref.InMemoryQueue{QueueName: "q"})

	s := New(Config{MinLargeMessageSize: 64}, ref, ref.Message(), fakeConsumer{id: 1}, sess, meter, usage, opener, func() bool { return true }, 1)

	done, err := s.Deliver(context.Background())
	if err != nil || done {
		t.Fatalf("Deliver() = (%v, %v); want (false, nil) while stopped", done, err)
	}
	if sess.headerSent != 0 {
		t.Fatalf("should not send while stopped")
	}
}

func TestStreamer_ReaderError_WrapsError(t *testing.T) {
	usage := &fakeUsage{}
	meter := credit.NewUnlimited()
	sess := newTestSession()
	ref := msgref.NewInMemoryReference(4, &msgref.InMemoryMessage{Large: true, SizeVal: 1}, &msgref.InMemoryQueue{QueueName: "q"})
	opener := &fakeOpener{err: errors.New("boom")}

	s := New(Config{MinLargeMessageSize: 64}, ref, ref.Message(), fakeConsumer{id: 1}, sess, meter, usage, opener, nil, 1)

	_, err := s.Deliver(context.Background())
	var streamErr *Error
	if !errors.As(err, &streamErr) {
		t.Fatalf("Deliver() err = %v; want *stream.Error", err)
	}
}
