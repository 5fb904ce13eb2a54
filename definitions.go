// Package prtp implements PRTP, a connection-oriented reliable in-order
// byte-stream transfer protocol layered over an unreliable datagram service
// such as UDP. It provides TCP-like semantics: handshake based connection
// setup and teardown, cumulative acknowledgments, sliding-window pipelining
// with Go-Back-N retransmission, Reno AIMD congestion control with fast
// retransmit, and an end-to-end integrity tag on every segment.
//
// The central type is [Conn], which couples the send-side window ([txQueue]),
// the Reno controller, the receive-side delivery state and the connection
// state machine over a [Transport]. See the faultnet package for the
// canonical UDP transport with impairment injection.
package prtp

import (
	"errors"
	"math/bits"
	"time"
)

// Design constants the protocol contracts depend on. Two endpoints must
// agree on MaxPayload and the wire layout; the rest are sender-local.
const (
	// MaxPayload is the maximum number of payload bytes carried by a
	// single data segment.
	MaxPayload = 1024
	// TimeoutInterval is the fixed retransmission timeout. There is no
	// adaptive RTT estimation.
	TimeoutInterval = time.Second
	// AdvertisedWindow is the receiver-advertised window stamped into
	// every outgoing segment. Fixed in this implementation; the field
	// exists on the wire to allow dynamic advertisement later.
	AdvertisedWindow = 8192
	// DupAckThreshold is the number of duplicate acknowledgments that
	// triggers a fast retransmit of the oldest unacknowledged segment.
	DupAckThreshold = 3
	// InitialCwnd and InitialSsthresh are the Reno controller defaults.
	InitialCwnd     = 1.0
	InitialSsthresh = 64.0
)

const (
	sizeHeader = 18
	// recvQuantum bounds every blocking receive so the event loop can
	// service retransmission timers.
	recvQuantum = 100 * time.Millisecond
	// synRetryLimit bounds handshake (SYN and FIN exchange) retransmissions.
	synRetryLimit = 5
	// timeoutLimit is the number of consecutive timeout events on the same
	// send base after which the transfer is declared failed.
	timeoutLimit = 10
)

var (
	// ErrRecvTimeout is returned by [Transport.Recv] implementations when no
	// datagram arrived within the requested timeout.
	ErrRecvTimeout = errors.New("prtp: receive timed out")
	// ErrRetransmitLimit reports a transfer aborted after too many
	// consecutive retransmission timeouts of the same segment. Returned
	// wrapped in a [RetransmitLimitError] carrying the last sequence
	// number and the transfer duration.
	ErrRetransmitLimit = errors.New("prtp: retransmit limit exceeded")
	// ErrOpenTimeout reports a failed three-way handshake.
	ErrOpenTimeout = errors.New("prtp: connection open timed out")
	// ErrConnReset reports reception of a RST segment.
	ErrConnReset = errors.New("prtp: connection reset by peer")

	errShortBuffer    = errors.New("prtp: buffer shorter than header")
	errPayloadTooLong = errors.New("prtp: payload exceeds max payload size")
	errNotEstablished = errors.New("prtp: connection not established")
)

func newRejectErr(err string) *RejectError { return &RejectError{err: "reject segment: " + err} }

// RejectError is returned by [ParseSegment] for wire bytes that must be
// silently dropped by the protocol: a failed integrity check or a payload
// length field inconsistent with the datagram size.
type RejectError struct {
	err string
}

func (e *RejectError) Error() string { return e.err }

var (
	errBadChecksum      = newRejectErr("checksum mismatch")
	errTruncatedPayload = newRejectErr("payload length exceeds buffer")
)

// Transport is the datagram service PRTP runs over. Implementations are
// best-effort: Send may silently drop, corrupt or delay the datagram.
// SetHandshakeMode asks the transport to suppress injected loss while
// SYN/FIN exchanges are in flight; corruption and delay may still apply.
type Transport interface {
	Send(b []byte) error
	// Recv fills buf with the next datagram, returning its length.
	// It returns [ErrRecvTimeout] if none arrived within timeout.
	// A zero or negative timeout polls without blocking.
	Recv(buf []byte, timeout time.Duration) (int, error)
	SetHandshakeMode(on bool)
}

// Segment is the header of a PRTP wire segment in the sequence space.
// Sequence numbers are packet-indexed: each data segment consumes exactly
// one sequence number regardless of payload length.
type Segment struct {
	Seq     uint32 // sequence number. Data segments increment by 1 per segment sent.
	Ack     uint32 // cumulative: acknowledges every data segment with seq < Ack.
	Flags   Flags
	Wnd     uint16 // receiver-advertised window in bytes.
	DataLen uint16 // payload byte count, 0 for control segments.
}

// IsData reports whether the segment carries stream payload. Control
// segments (SYN, FIN, pure ACK, RST) never touch the delivery buffer.
func (seg Segment) IsData() bool { return seg.DataLen > 0 }

// Flags is the PRTP flag bitfield. Multiple flags may combine (SYN|ACK, FIN|ACK).
type Flags uint16

const (
	FlagSYN Flags = 1 << iota // FlagSYN - Synchronize sequence numbers.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagFIN                   // FlagFIN - No more data from sender.
	FlagRST                   // FlagRST - Reset the connection. Recognized but never generated.
)

const flagMask = 0x000f

// Flag unions that recur throughout the state machine.
const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

// String returns a human readable flag string. i.e:
//
//	"[SYN,ACK]"
func (flags Flags) String() string {
	// Cover the common cases without heap allocating.
	switch flags {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human readable flag string to b returning the extended buffer.
func (flags Flags) AppendFormat(b []byte) []byte {
	if flags == 0 {
		return b
	}
	const flaglen = 3
	const strflags = "SYNACKFINRST"
	var addcommas bool
	for flags = flags.Mask(); flags != 0; {
		i := bits.TrailingZeros16(uint16(flags))
		if addcommas {
			b = append(b, ',')
		} else {
			addcommas = true
		}
		b = append(b, strflags[i*flaglen:i*flaglen+flaglen]...)
		flags &= ^(1 << i)
	}
	return b
}

// State enumerates states a PRTP connection progresses through during its lifetime.
type State uint8

const (
	// CLOSED - no connection state at all. Initial state of both endpoints.
	StateClosed State = iota // CLOSED
	// SYN-SENT - client sent a SYN and awaits the SYN|ACK.
	StateSynSent // SYN-SENT
	// SYN-RECEIVED - server answered a SYN with SYN|ACK and awaits the final ACK.
	StateSynRcvd // SYN-RECEIVED
	// ESTABLISHED - the data transfer phase.
	StateEstablished // ESTABLISHED
	// FIN-SENT - sender initiated teardown and awaits the peer's ACK and FIN.
	StateFinSent // FIN-SENT
	// CLOSE-WAIT - receiver acknowledged the peer's FIN and owes its own FIN.
	StateCloseWait // CLOSE-WAIT
	// LAST-ACK - receiver sent its FIN and awaits the final ACK.
	StateLastAck // LAST-ACK
	// DONE - teardown complete, all state may be released.
	StateDone // DONE
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateSynSent:     "SYN-SENT",
	StateSynRcvd:     "SYN-RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateFinSent:     "FIN-SENT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
	StateDone:        "DONE",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "State(" + string(rune('0'+s)) + ")"
	}
	return stateNames[s]
}

// IsClosed returns true if the connection holds no live transfer state.
func (s State) IsClosed() bool { return s == StateClosed || s == StateDone }

// CongestionState enumerates the three phases of the Reno controller.
type CongestionState uint8

const (
	SlowStart           CongestionState = iota // slow-start
	CongestionAvoidance                        // congestion-avoidance
	FastRecovery                               // fast-recovery
)

func (cs CongestionState) String() string {
	switch cs {
	case SlowStart:
		return "slow-start"
	case CongestionAvoidance:
		return "congestion-avoidance"
	case FastRecovery:
		return "fast-recovery"
	}
	return "congestion-state-unknown"
}
