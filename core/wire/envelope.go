// Package wire defines the small, local wire envelope handed from the
// delivery engine to a concrete Session adapter. The engine builds one
// for forced-delivery probes; core/stream passes continuation chunks to
// the session as raw bytes, and KindLargeMessageContinuation is there
// for adapters that frame those chunks with this envelope.
// It is deliberately narrow: the broker's full client protocol (the
// framing of ordinary messages) remains an external collaborator
// contract. The envelope is a length-prefixed protobuf header plus a
// CRC32-C-checked body.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/protobuf/proto"
)

// Kind distinguishes the two payloads this envelope carries.
type Kind int32

const (
	// KindLargeMessageContinuation carries one chunk of a streamed
	// large message's body (core/stream).
	KindLargeMessageContinuation Kind = 1
	// KindForcedDelivery carries a synthetic forced-delivery probe
	// (core/consumer's force_delivery).
	KindForcedDelivery Kind = 2
)

// MaxEnvelopeSize bounds a single envelope, guarding against unbounded
// allocation from a malformed length prefix.
const MaxEnvelopeSize = 16 * 1024 * 1024

// magicNumber flags that a checksum follows the header.
var magicNumber = [2]byte{0x0e, 0x02}

// Header is the protobuf-encoded control portion of an Envelope. It
// intentionally has no nested messages: every field is a scalar, the
// simplest and most robust shape for a hand-maintained protobuf type.
type Header struct {
	Kind      *int32  `protobuf:"varint,1,opt,name=kind" json:"kind,omitempty"`
	Sequence  *uint64 `protobuf:"varint,2,opt,name=sequence" json:"sequence,omitempty"`
	TotalSize *int64  `protobuf:"varint,3,opt,name=total_size,json=totalSize" json:"total_size,omitempty"`
	HasMore   *bool   `protobuf:"varint,4,opt,name=has_more,json=hasMore" json:"has_more,omitempty"`
}

func (h *Header) Reset()         { *h = Header{} }
func (h *Header) String() string { return fmt.Sprintf("%+v", *h) }
func (*Header) ProtoMessage()    {}

func (h *Header) GetKind() Kind {
	if h == nil || h.Kind == nil {
		return 0
	}
	return Kind(*h.Kind)
}

func (h *Header) GetSequence() uint64 {
	if h == nil || h.Sequence == nil {
		return 0
	}
	return *h.Sequence
}

func (h *Header) GetTotalSize() int64 {
	if h == nil || h.TotalSize == nil {
		return 0
	}
	return *h.TotalSize
}

func (h *Header) GetHasMore() bool {
	if h == nil || h.HasMore == nil {
		return false
	}
	return *h.HasMore
}

// Envelope pairs a Header with its (non-protobuf) body bytes.
type Envelope struct {
	Header *Header
	Body   []byte
}

// Encode writes the length-prefixed, checksummed wire form of e to w.
//
//	+-------------------+-------------------+----------------------------+-------------+-------------------+
//	| totalSize (uint32) | headerSize(uint32)| header (protobuf encoded)  | magic (2B)  | crc32-c (4B) + body |
//	+-------------------+-------------------+----------------------------+-------------+-------------------+
func (e *Envelope) Encode(w io.Writer) error {
	encodedHeader, err := proto.Marshal(e.Header)
	if err != nil {
		return err
	}
	headerSize := uint32(len(encodedHeader))

	checksum := crc32.Checksum(e.Body, crc32.MakeTable(crc32.Castagnoli))

	// totalSize counts everything after the totalSize field itself.
	totalSize := 4 + headerSize + 2 + 4 + uint32(len(e.Body))
	if totalSize+4 > MaxEnvelopeSize {
		return fmt.Errorf("wire: encoded envelope (%d bytes) exceeds max size (%d bytes)", totalSize+4, MaxEnvelopeSize)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, totalSize); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, headerSize); err != nil {
		return err
	}
	buf.Write(encodedHeader)
	buf.Write(magicNumber[:])
	if err := binary.Write(&buf, binary.BigEndian, checksum); err != nil {
		return err
	}
	buf.Write(e.Body)

	_, err = buf.WriteTo(w)
	return err
}

// Decode reads an Envelope previously written by Encode from r.
func Decode(r io.Reader) (*Envelope, error) {
	buf4 := make([]byte, 4)

	if _, err := io.ReadFull(r, buf4); err != nil {
		return nil, err
	}
	totalSize := binary.BigEndian.Uint32(buf4)
	if totalSize+4 > MaxEnvelopeSize {
		return nil, fmt.Errorf("wire: envelope size (%d) exceeds max size (%d)", totalSize+4, MaxEnvelopeSize)
	}

	lr := &io.LimitedReader{R: r, N: int64(totalSize)}

	if _, err := io.ReadFull(lr, buf4); err != nil {
		return nil, err
	}
	headerSize := binary.BigEndian.Uint32(buf4)
	if headerSize > MaxEnvelopeSize {
		return nil, fmt.Errorf("wire: header size (%d) exceeds max size (%d)", headerSize, MaxEnvelopeSize)
	}

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(lr, headerBuf); err != nil {
		return nil, err
	}
	header := new(Header)
	if err := proto.Unmarshal(headerBuf, header); err != nil {
		return nil, err
	}

	magicBuf := make([]byte, 2)
	if _, err := io.ReadFull(lr, magicBuf); err != nil {
		return nil, err
	}
	if magicBuf[0] != magicNumber[0] || magicBuf[1] != magicNumber[1] {
		return nil, fmt.Errorf("wire: bad magic number 0x%X", magicBuf)
	}

	checksumBuf := make([]byte, 4)
	if _, err := io.ReadFull(lr, checksumBuf); err != nil {
		return nil, err
	}
	expected := binary.BigEndian.Uint32(checksumBuf)

	body := make([]byte, lr.N)
	if len(body) > 0 {
		if _, err := io.ReadFull(lr, body); err != nil {
			return nil, err
		}
	}

	if got := crc32.Checksum(body, crc32.MakeTable(crc32.Castagnoli)); got != expected {
		return nil, fmt.Errorf("wire: checksum mismatch: computed 0x%X, expected 0x%X", got, expected)
	}

	return &Envelope{Header: header, Body: body}, nil
}
