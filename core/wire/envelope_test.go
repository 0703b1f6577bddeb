package wire

import (
	"bytes"
	"testing"
)

func int32p(v int32) *int32    { return &v }
func uint64p(v uint64) *uint64 { return &v }
func int64p(v int64) *int64    { return &v }
func boolp(v bool) *bool       { return &v }

func TestEnvelope_EncodeDecode_RoundTrip(t *testing.T) {
	e := &Envelope{
		Header: &Header{
			Kind:      int32p(int32(KindLargeMessageContinuation)),
			Sequence:  uint64p(42),
			TotalSize: int64p(10000),
			HasMore:   boolp(true),
		},
		Body: []byte("a chunk of a large message body"),
	}

	var buf bytes.Buffer
	if err := e.Encode(&buf); err != nil {
		t.Fatalf("Encode() err = %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}

	if got.Header.GetKind() != KindLargeMessageContinuation {
		t.Errorf("Kind = %v; want %v", got.Header.GetKind(), KindLargeMessageContinuation)
	}
	if got.Header.GetSequence() != 42 {
		t.Errorf("Sequence = %v; want 42", got.Header.GetSequence())
	}
	if got.Header.GetTotalSize() != 10000 {
		t.Errorf("TotalSize = %v; want 10000", got.Header.GetTotalSize())
	}
	if !got.Header.GetHasMore() {
		t.Errorf("HasMore = false; want true")
	}
	if !bytes.Equal(got.Body, e.Body) {
		t.Errorf("Body = %q; want %q", got.Body, e.Body)
	}
}

func TestEnvelope_Decode_ChecksumMismatch(t *testing.T) {
	e := &Envelope{
		Header: &Header{Kind: int32p(int32(KindForcedDelivery))},
		Body:   []byte("probe"),
	}

	var buf bytes.Buffer
	if err := e.Encode(&buf); err != nil {
		t.Fatalf("Encode() err = %v", err)
	}

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF

	if _, err := Decode(bytes.NewReader(corrupted)); err == nil {
		t.Fatalf("Decode() err = nil; expected checksum mismatch error")
	}
}

func TestEnvelope_EmptyBody(t *testing.T) {
	e := &Envelope{
		Header: &Header{Kind: int32p(int32(KindForcedDelivery)), Sequence: uint64p(7)},
	}

	var buf bytes.Buffer
	if err := e.Encode(&buf); err != nil {
		t.Fatalf("Encode() err = %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() err = %v", err)
	}
	if len(got.Body) != 0 {
		t.Errorf("Body = %q; want empty", got.Body)
	}
	if got.Header.GetSequence() != 7 {
		t.Errorf("Sequence = %v; want 7", got.Header.GetSequence())
	}
}
