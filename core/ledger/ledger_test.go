package ledger

import (
	"testing"

	"github.com/pepper-iot/broker-delivery/core/msgref"
)

func newRef(id msgref.ID) *msgref.InMemoryReference {
	return msgref.NewInMemoryReference(id, &msgref.InMemoryMessage{}, &msgref.InMemoryQueue{QueueName: "q"})
}

func ids(refs []msgref.Reference) []msgref.ID {
	out := make([]msgref.ID, len(refs))
	for i, r := range refs {
		out[i] = r.MessageID()
	}
	return out
}

func TestAppendPreservesOrder(t *testing.T) {
	l := New()
	for _, id := range []msgref.ID{3, 1, 2} {
		l.Append(newRef(id))
	}

	got := ids(l.Snapshot())
	want := []msgref.ID{3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot = %v, want %v", got, want)
		}
	}
}

func TestAppendDuplicateIgnored(t *testing.T) {
	l := New()
	ref := newRef(1)
	l.Append(ref)
	l.Append(ref)
	l.Append(newRef(1))

	if l.Len() != 1 {
		t.Fatalf("Len after duplicate appends = %d, want 1", l.Len())
	}
}

func TestPollHead(t *testing.T) {
	l := New()
	l.Append(newRef(1))
	l.Append(newRef(2))

	if got := l.PollHead(); got == nil || got.MessageID() != 1 {
		t.Fatalf("PollHead = %v, want ref 1", got)
	}
	if l.Contains(1) {
		t.Fatalf("ledger still contains polled ref 1")
	}
	if got := l.PollHead(); got == nil || got.MessageID() != 2 {
		t.Fatalf("PollHead = %v, want ref 2", got)
	}
	if got := l.PollHead(); got != nil {
		t.Fatalf("PollHead on empty ledger = %v, want nil", got)
	}
}

func TestPushFrontRestoresHead(t *testing.T) {
	l := New()
	l.Append(newRef(2))
	l.PushFront(newRef(1))

	got := ids(l.Snapshot())
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Snapshot = %v, want [1 2]", got)
	}
}

func TestRemoveByID(t *testing.T) {
	l := New()
	for _, id := range []msgref.ID{1, 2, 3} {
		l.Append(newRef(id))
	}

	ref, ok := l.Remove(2)
	if !ok || ref.MessageID() != 2 {
		t.Fatalf("Remove(2) = (%v, %v), want ref 2", ref, ok)
	}
	if _, ok := l.Remove(2); ok {
		t.Fatalf("second Remove(2) succeeded, want absent")
	}

	got := ids(l.Snapshot())
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("Snapshot after Remove = %v, want [1 3]", got)
	}
}

func TestScanDeliveringReferences(t *testing.T) {
	l := New()
	for _, id := range []msgref.ID{1, 2, 3, 4, 5} {
		l.Append(newRef(id))
	}

	start := func(r msgref.Reference) bool { return r.MessageID() == 2 }
	end := func(r msgref.Reference) bool { return r.MessageID() == 4 }

	got := ids(l.ScanDeliveringReferences(start, end, false))
	want := []msgref.ID{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("collected = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("collected = %v, want %v", got, want)
		}
	}
	if l.Len() != 5 {
		t.Fatalf("non-removing scan mutated ledger: Len = %d, want 5", l.Len())
	}

	got = ids(l.ScanDeliveringReferences(start, end, true))
	if len(got) != 3 {
		t.Fatalf("removing scan collected %v, want 3 refs", got)
	}
	remaining := ids(l.Snapshot())
	if len(remaining) != 2 || remaining[0] != 1 || remaining[1] != 5 {
		t.Fatalf("Snapshot after removing scan = %v, want [1 5]", remaining)
	}
}
