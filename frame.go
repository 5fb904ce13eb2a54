package prtp

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// NewFrame returns a new Frame with data set to buf.
// An error is returned if the buffer size is smaller than the 18-byte header.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: nil}, errShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame encapsulates the raw data of a PRTP segment and provides methods for
// manipulating, validating and retrieving fields and payload data.
//
// Wire layout, all multibyte integers big-endian:
//
//	0        4        8      10     12         16       18
//	| seq    | ack    | flags | wnd | checksum | paylen | payload...
//
// The checksum is the first 4 bytes of MD5 over seq||ack||flags||wnd||payload
// in network byte order. It excludes paylen and itself.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice with which the frame was created.
func (frm Frame) RawData() []byte { return frm.buf }

// Seq returns the packet-indexed sequence number of the segment.
func (frm Frame) Seq() uint32 { return binary.BigEndian.Uint32(frm.buf[0:4]) }

// SetSeq sets the sequence number field. See [Frame.Seq].
func (frm Frame) SetSeq(v uint32) { binary.BigEndian.PutUint32(frm.buf[0:4], v) }

// Ack is the cumulative acknowledgment number: a value of N acknowledges
// every data segment with seq < N and requests N next.
func (frm Frame) Ack() uint32 { return binary.BigEndian.Uint32(frm.buf[4:8]) }

// SetAck sets the acknowledgment number field. See [Frame.Ack].
func (frm Frame) SetAck(v uint32) { binary.BigEndian.PutUint32(frm.buf[4:8], v) }

// Flags returns the segment flag bitfield.
func (frm Frame) Flags() Flags { return Flags(binary.BigEndian.Uint16(frm.buf[8:10])).Mask() }

// SetFlags sets the flag bitfield. See [Frame.Flags].
func (frm Frame) SetFlags(v Flags) { binary.BigEndian.PutUint16(frm.buf[8:10], uint16(v)) }

// WindowSize returns the receiver-advertised window in bytes.
func (frm Frame) WindowSize() uint16 { return binary.BigEndian.Uint16(frm.buf[10:12]) }

// SetWindowSize sets the advertised window field. See [Frame.WindowSize].
func (frm Frame) SetWindowSize(v uint16) { binary.BigEndian.PutUint16(frm.buf[10:12], v) }

// Checksum returns the integrity tag stored in the header.
func (frm Frame) Checksum() uint32 { return binary.BigEndian.Uint32(frm.buf[12:16]) }

// SetChecksum sets the integrity tag field. See [Frame.Checksum].
func (frm Frame) SetChecksum(v uint32) { binary.BigEndian.PutUint32(frm.buf[12:16], v) }

// PayloadLen returns the payload byte count field.
func (frm Frame) PayloadLen() uint16 { return binary.BigEndian.Uint16(frm.buf[16:18]) }

// SetPayloadLen sets the payload byte count field. See [Frame.PayloadLen].
func (frm Frame) SetPayloadLen(v uint16) { binary.BigEndian.PutUint16(frm.buf[16:18], v) }

// Payload returns the payload section of the segment as declared by the
// PayloadLen field. Call [Frame.ValidateSize] beforehand to avoid panics
// on malformed frames.
func (frm Frame) Payload() []byte {
	return frm.buf[sizeHeader : sizeHeader+int(frm.PayloadLen())]
}

// Segment returns the [Segment] representation of the header.
func (frm Frame) Segment() Segment {
	return Segment{
		Seq:     frm.Seq(),
		Ack:     frm.Ack(),
		Flags:   frm.Flags(),
		Wnd:     frm.WindowSize(),
		DataLen: frm.PayloadLen(),
	}
}

// SetSegment sets the sequence, acknowledgment, flag, window and payload
// length fields of the header from seg. It does not compute the checksum.
func (frm Frame) SetSegment(seg Segment) {
	frm.SetSeq(seg.Seq)
	frm.SetAck(seg.Ack)
	frm.SetFlags(seg.Flags)
	frm.SetWindowSize(seg.Wnd)
	frm.SetPayloadLen(seg.DataLen)
}

// CalculateChecksum computes the integrity tag over the header fields and
// payload currently in the frame. The PayloadLen and Checksum fields are
// excluded from the sum.
func (frm Frame) CalculateChecksum() uint32 {
	h := md5.New()
	h.Write(frm.buf[0:12]) // seq, ack, flags, wnd in network order.
	h.Write(frm.Payload())
	var sum [md5.Size]byte
	h.Sum(sum[:0])
	return binary.BigEndian.Uint32(sum[:4])
}

// ValidateSize checks the PayloadLen field against the actual buffer length.
func (frm Frame) ValidateSize() error {
	if sizeHeader+int(frm.PayloadLen()) > len(frm.buf) {
		return errTruncatedPayload
	}
	return nil
}

func (frm Frame) String() string {
	seg := frm.Segment()
	return fmt.Sprintf("PRTP seq=%d ack=%d wnd=%d len=%d %s", seg.Seq, seg.Ack, seg.Wnd, seg.DataLen, seg.Flags.String())
}

// AppendSegment serializes seg with the given payload, computes the
// integrity tag and appends the wire bytes to dst. The segment's DataLen
// field is derived from len(payload). Fails only on oversized payloads.
func AppendSegment(dst []byte, seg Segment, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, errPayloadTooLong
	}
	seg.DataLen = uint16(len(payload))
	off := len(dst)
	dst = append(dst, make([]byte, sizeHeader)...)
	dst = append(dst, payload...)
	frm := Frame{buf: dst[off:]}
	frm.SetSegment(seg)
	frm.SetChecksum(frm.CalculateChecksum())
	return dst, nil
}

// ParseSegment parses the wire bytes of a single segment. The returned
// payload aliases buf. A [RejectError] result means the datagram must be
// silently dropped: truncated payload or failed integrity check.
func ParseSegment(buf []byte) (Segment, []byte, error) {
	frm, err := NewFrame(buf)
	if err != nil {
		return Segment{}, nil, err
	}
	if err := frm.ValidateSize(); err != nil {
		return Segment{}, nil, err
	}
	if frm.CalculateChecksum() != frm.Checksum() {
		return Segment{}, nil, errBadChecksum
	}
	return frm.Segment(), frm.Payload(), nil
}
