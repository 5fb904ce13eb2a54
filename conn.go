package prtp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	errNotClosed    = errors.New("prtp: need closed connection to open")
	ErrCloseTimeout = errors.New("prtp: connection close timed out")
)

// RetransmitLimitError reports a transfer aborted at the retransmit ceiling
// together with the oldest unacknowledged sequence number and the time spent
// in the data phase. It matches [ErrRetransmitLimit] under errors.Is.
type RetransmitLimitError struct {
	LastSeq uint32
	Elapsed time.Duration
}

func (e *RetransmitLimitError) Error() string {
	return fmt.Sprintf("prtp: transfer failed: retransmit limit exceeded at seq %d after %v", e.LastSeq, e.Elapsed)
}

func (e *RetransmitLimitError) Unwrap() error { return ErrRetransmitLimit }

// Conn is a single PRTP connection over a [Transport]. A Conn exclusively
// owns its send window, congestion controller and delivery state; the only
// cross-goroutine surface is [Conn.Stats], which the metrics package reads
// while the transfer loop runs.
//
// The transfer loops are single-threaded and cooperative: each iteration
// performs a bounded-timeout receive, expires retransmission timers, then
// feeds new data into the send path while the effective window allows.
// ACK processing always precedes send decisions within an iteration.
type Conn struct {
	tp     Transport
	state  State
	tx     txQueue
	rx     rxState
	rcvbuf []byte
	// pending stashes a data segment observed while completing the server
	// handshake so Recv can process it first.
	pending *pendingSegment
	logger

	// Progress, if non-nil, is invoked from the transfer loops with the
	// running total of acknowledged (sender) or delivered (receiver)
	// payload bytes.
	Progress func(total int64)

	initialCwnd float64

	mu    sync.Mutex // guards stats against concurrent Stats readers.
	stats Stats
}

type pendingSegment struct {
	seg     Segment
	payload []byte
}

// Stats is a point-in-time snapshot of connection statistics.
type Stats struct {
	State           State
	Congestion      CongestionState
	Cwnd            float64
	Ssthresh        float64
	SegmentsSent    uint64
	Retransmits     uint64
	FastRetransmits uint64
	TimeoutEvents   uint64
	DupAcks         uint64
	BytesAcked      int64
	BytesDelivered  int64
}

// NewConn returns a connection in the CLOSED state ready for [Conn.Open]
// (client/sender) or [Conn.Listen] (server/receiver). log may be nil.
func NewConn(tp Transport, log *slog.Logger) *Conn {
	c := &Conn{
		tp:          tp,
		rcvbuf:      make([]byte, sizeHeader+MaxPayload),
		initialCwnd: InitialCwnd,
	}
	c.logger.log = log
	c.stats.Cwnd = InitialCwnd
	c.stats.Ssthresh = InitialSsthresh
	return c
}

// SetInitialWindow overrides the initial congestion window for connections
// yet to be opened. Values below 1 segment are raised to 1.
func (c *Conn) SetInitialWindow(w float64) {
	if w < 1 {
		w = 1
	}
	c.initialCwnd = w
	c.mu.Lock()
	c.stats.Cwnd = w
	c.mu.Unlock()
}

// State returns the connection state as of the last state machine transition.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.State
}

// Stats returns a snapshot of the connection's transfer statistics. Safe to
// call concurrently with the transfer loops.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Conn) setState(s State) {
	c.state = s
	c.mu.Lock()
	c.stats.State = s
	c.mu.Unlock()
	c.debug("conn:state", slog.String("state", s.String()))
}

// bump applies a statistics mutation and refreshes the congestion snapshot.
func (c *Conn) bump(fn func(*Stats)) {
	c.mu.Lock()
	if fn != nil {
		fn(&c.stats)
	}
	c.stats.Cwnd = c.tx.cc.cwnd
	c.stats.Ssthresh = c.tx.cc.ssthresh
	c.stats.Congestion = c.tx.cc.state
	c.mu.Unlock()
}

// Open performs the client side of the three-way handshake: send SYN(seq=0),
// await SYN|ACK, answer ACK(seq=1, ack=1). Loss injection is suppressed for
// the exchange via the transport's handshake mode; the SYN is still
// retransmitted on timeout up to a small bounded count to survive
// corruption, after which the open fails with [ErrOpenTimeout].
func (c *Conn) Open() error {
	if c.state != StateClosed {
		return errNotClosed
	}
	c.tp.SetHandshakeMode(true)
	syn, _ := AppendSegment(nil, Segment{Seq: 0, Flags: FlagSYN, Wnd: AdvertisedWindow}, nil)
	c.setState(StateSynSent)
	for try := 0; try < synRetryLimit; try++ {
		if err := c.tp.Send(syn); err != nil {
			c.setState(StateClosed)
			return err
		}
		deadline := time.Now().Add(TimeoutInterval)
		for time.Now().Before(deadline) {
			seg, _, err := c.recvSegment(recvQuantum)
			if err != nil {
				if isFatalRecvErr(err) {
					c.setState(StateClosed)
					return err
				}
				continue
			}
			if seg.Flags.HasAny(FlagRST) {
				c.setState(StateClosed)
				return ErrConnReset
			}
			if seg.Flags.HasAll(synack) {
				ack, _ := AppendSegment(nil, Segment{Seq: 1, Ack: 1, Flags: FlagACK, Wnd: AdvertisedWindow}, nil)
				if err := c.tp.Send(ack); err != nil {
					c.setState(StateClosed)
					return err
				}
				c.tx = newTxQueue(1) // First data segment uses seq=1.
				c.tx.cc.cwnd = c.initialCwnd
				c.setState(StateEstablished)
				c.tp.SetHandshakeMode(false)
				return nil
			}
			c.traceSeg("open:ignored", seg)
		}
		c.debug("open:syn-retry", slog.Int("try", try+1))
	}
	c.setState(StateClosed)
	return ErrOpenTimeout
}

// Listen performs the passive side of the handshake: block until a SYN
// arrives, answer SYN|ACK(seq=0, ack=1) and await the final ACK. A data
// segment observed in place of the final ACK also establishes the
// connection and is stashed for [Conn.Recv].
func (c *Conn) Listen() error {
	if c.state != StateClosed {
		return errNotClosed
	}
	c.tp.SetHandshakeMode(true)
	for {
		seg, _, err := c.recvSegment(recvQuantum)
		if err != nil {
			if isFatalRecvErr(err) {
				return err
			}
			continue
		}
		if seg.Flags.HasAll(FlagSYN) && !seg.Flags.HasAny(FlagACK) {
			break
		}
		c.traceSeg("listen:ignored", seg)
	}
	c.setState(StateSynRcvd)
	synackPkt, _ := AppendSegment(nil, Segment{Seq: 0, Ack: 1, Flags: synack, Wnd: AdvertisedWindow}, nil)
	for try := 0; try < synRetryLimit; try++ {
		if err := c.tp.Send(synackPkt); err != nil {
			c.setState(StateClosed)
			return err
		}
		deadline := time.Now().Add(TimeoutInterval)
		for time.Now().Before(deadline) {
			seg, payload, err := c.recvSegment(recvQuantum)
			if err != nil {
				if isFatalRecvErr(err) {
					c.setState(StateClosed)
					return err
				}
				continue
			}
			if seg.Flags.HasAll(FlagSYN) && !seg.Flags.HasAny(FlagACK) {
				// Duplicate SYN: our SYN|ACK was corrupted in flight.
				break // Resend it without waiting out the deadline.
			}
			if seg.IsData() {
				// Final ACK overtaken by data: the peer considers the
				// connection up. Keep the segment for Recv.
				c.pending = &pendingSegment{seg: seg, payload: append([]byte(nil), payload...)}
				c.establishServer()
				return nil
			}
			if seg.Flags.HasAny(FlagACK) {
				c.establishServer()
				return nil
			}
		}
		c.debug("listen:synack-retry", slog.Int("try", try+1))
	}
	c.setState(StateClosed)
	return ErrOpenTimeout
}

func (c *Conn) establishServer() {
	c.rx = rxState{expected: 1}
	c.setState(StateEstablished)
	c.tp.SetHandshakeMode(false)
}

// Send streams r over an established connection and returns the number of
// payload bytes acknowledged by the peer. On a nil error every byte read
// from r has been delivered in order and acknowledged; call [Conn.Close]
// afterwards to tear the connection down.
//
// Send fails with a [RetransmitLimitError] (matching [ErrRetransmitLimit])
// after too many consecutive timeout events on the same unacknowledged
// segment, and with the reader's error on local I/O failure. Transport-level
// send failures are silently absorbed; the retransmission timer covers them.
func (c *Conn) Send(r io.Reader) (int64, error) {
	if c.state != StateEstablished {
		return 0, errNotEstablished
	}
	var (
		chunk   [MaxPayload]byte
		payload []byte // next payload awaiting window space
		eof     bool
		start   = time.Now()
	)
	for {
		// ACK processing precedes any send decision in this iteration.
		// Block for one poll quantum, then drain whatever else arrived.
		timeout := recvQuantum
		for {
			seg, _, err := c.recvSegment(timeout)
			if err != nil {
				if isFatalRecvErr(err) {
					c.setState(StateClosed)
					return c.stats.BytesAcked, err
				}
				if errors.Is(err, ErrRecvTimeout) {
					break
				}
				timeout = 0 // rejected segment; keep draining
				continue
			}
			timeout = 0
			if seg.Flags.HasAny(FlagRST) {
				c.setState(StateClosed)
				return c.stats.BytesAcked, ErrConnReset
			}
			if !seg.Flags.HasAny(FlagACK) {
				c.traceSeg("send:ignored", seg)
				continue
			}
			c.processAck(seg)
		}

		// Expire retransmission timers: Go-Back-N on timeout.
		now := time.Now()
		resend, timedOut := c.tx.tick(now)
		if timedOut {
			for _, pkt := range resend {
				c.tp.Send(pkt) // Failure here is retried on the next tick.
			}
			c.bump(func(s *Stats) {
				s.TimeoutEvents++
				s.Retransmits += uint64(len(resend))
			})
			c.debug("send:timeout", slog.Int("resent", len(resend)), slog.Uint64("base", uint64(c.tx.base)))
			if c.tx.exhausted() {
				ferr := &RetransmitLimitError{LastSeq: c.tx.base, Elapsed: time.Since(start)}
				c.logerr("send:transfer-failed",
					slog.Uint64("seq", uint64(ferr.LastSeq)),
					slog.Duration("elapsed", ferr.Elapsed))
				c.setState(StateClosed)
				return c.stats.BytesAcked, ferr
			}
		}

		// Feed new data while the effective window allows.
		for c.tx.canSend() {
			if payload == nil && !eof {
				n, rerr := io.ReadFull(r, chunk[:])
				switch {
				case rerr == nil:
					payload = chunk[:n]
				case errors.Is(rerr, io.ErrUnexpectedEOF):
					payload = chunk[:n]
					eof = true
				case errors.Is(rerr, io.EOF):
					eof = true
				default:
					c.setState(StateClosed)
					return c.stats.BytesAcked, rerr
				}
			}
			if payload == nil {
				break
			}
			pkt, err := AppendSegment(nil, Segment{Seq: c.tx.nxt, Wnd: AdvertisedWindow}, payload)
			if err != nil {
				c.setState(StateClosed)
				return c.stats.BytesAcked, err
			}
			c.tp.Send(pkt) // Covered by the retransmission timer on failure.
			seq := c.tx.queue(pkt, time.Now())
			c.bump(func(s *Stats) { s.SegmentsSent++ })
			c.trace("send:data", slog.Uint64("seq", uint64(seq)), slog.Int("len", len(payload)))
			payload = nil
		}

		if eof && payload == nil && c.tx.inFlight() == 0 {
			return c.stats.BytesAcked, nil
		}
	}
}

// processAck funnels one acknowledgment through the send window and the
// congestion controller, transmitting a fast retransmission if the
// duplicate-ACK threshold was just crossed. No path through here can fail.
func (c *Conn) processAck(seg Segment) {
	ev := c.tx.handleAck(seg.Ack, seg.Wnd, time.Now())
	switch {
	case ev.acked > 0:
		c.bump(func(s *Stats) { s.BytesAcked += int64(ev.ackedBytes) })
		if c.Progress != nil {
			c.Progress(c.stats.BytesAcked)
		}
	case ev.dup:
		c.bump(func(s *Stats) { s.DupAcks++ })
	}
	if ev.retransmit != nil {
		c.tp.Send(ev.retransmit)
		c.bump(func(s *Stats) {
			s.FastRetransmits++
			s.Retransmits++
		})
		c.debug("send:fast-retransmit", slog.Uint64("seq", uint64(c.tx.base)))
	}
}

// Recv writes the in-order byte stream to w until the peer initiates
// teardown, then completes the receiver half of the four-way close and
// returns the number of payload bytes delivered. Corrupted segments are
// dropped without a response; duplicate and out-of-order data segments are
// answered with the duplicate cumulative ACK the sender counts.
func (c *Conn) Recv(w io.Writer) (int64, error) {
	if c.state != StateEstablished {
		return 0, errNotEstablished
	}
	var delivered int64
	if p := c.pending; p != nil {
		c.pending = nil
		if err := c.deliverData(w, p.seg, p.payload, &delivered); err != nil {
			return delivered, err
		}
	}
	for {
		seg, payload, err := c.recvSegment(recvQuantum)
		if err != nil {
			if isFatalRecvErr(err) {
				c.setState(StateClosed)
				return delivered, err
			}
			continue
		}
		switch {
		case seg.Flags.HasAny(FlagRST):
			c.setState(StateClosed)
			return delivered, ErrConnReset
		case seg.Flags.HasAny(FlagFIN):
			return delivered, c.closeWait()
		case seg.Flags.HasAll(FlagSYN) && !seg.Flags.HasAny(FlagACK):
			// The peer never saw our handshake completion; remind it.
			synackPkt, _ := AppendSegment(nil, Segment{Seq: 0, Ack: 1, Flags: synack, Wnd: AdvertisedWindow}, nil)
			c.tp.Send(synackPkt)
		case seg.IsData():
			if err := c.deliverData(w, seg, payload, &delivered); err != nil {
				return delivered, err
			}
		default:
			// Stray pure ACK, e.g. a delayed handshake completion.
			c.traceSeg("recv:ignored", seg)
		}
	}
}

// deliverData applies the receiver delivery policy to one data segment and
// emits the cumulative ACK. A sink write failure is fatal and aborts the
// connection.
func (c *Conn) deliverData(w io.Writer, seg Segment, payload []byte, delivered *int64) error {
	deliver, ack := c.rx.accept(seg.Seq, payload)
	if deliver != nil {
		if _, err := w.Write(deliver); err != nil {
			c.setState(StateClosed)
			return err
		}
		*delivered += int64(len(deliver))
		c.bump(func(s *Stats) { s.BytesDelivered += int64(len(deliver)) })
		if c.Progress != nil {
			c.Progress(*delivered)
		}
	} else {
		c.traceSeg("recv:out-of-order", seg)
	}
	ackPkt, _ := AppendSegment(nil, Segment{Ack: ack, Flags: FlagACK, Wnd: AdvertisedWindow}, nil)
	c.tp.Send(ackPkt)
	c.bump(func(s *Stats) { s.SegmentsSent++ })
	return nil
}

// closeWait performs the receiver half of the teardown after the peer's FIN
// arrived: acknowledge it, send our own FIN (folded into one FIN|ACK
// segment) and await the final ACK. Loss injection is suppressed for the
// exchange; the FIN|ACK is still resent on timeout to survive corruption.
// If the final ACK never shows the peer has most likely torn down already,
// so the close is considered complete.
func (c *Conn) closeWait() error {
	c.tp.SetHandshakeMode(true)
	c.setState(StateCloseWait)
	finackPkt, _ := AppendSegment(nil, Segment{Ack: c.rx.expected, Flags: finack, Wnd: AdvertisedWindow}, nil)
	for try := 0; try < synRetryLimit; try++ {
		if err := c.tp.Send(finackPkt); err != nil {
			c.setState(StateClosed)
			return err
		}
		c.setState(StateLastAck)
		deadline := time.Now().Add(TimeoutInterval)
		for time.Now().Before(deadline) {
			seg, _, err := c.recvSegment(recvQuantum)
			if err != nil {
				if isFatalRecvErr(err) {
					c.setState(StateClosed)
					return err
				}
				continue
			}
			if seg.Flags.HasAny(FlagFIN) && !seg.Flags.HasAny(FlagACK) {
				break // Peer retransmitted its FIN; resend our FIN|ACK.
			}
			if seg.Flags.HasAny(FlagACK) {
				c.setState(StateDone)
				return nil
			}
		}
	}
	c.debug("close:final-ack-missing")
	c.setState(StateDone)
	return nil
}

// Close performs the sender-initiated four-way teardown after the final data
// ACK: send FIN, collect the peer's ACK and FIN (possibly folded into one
// FIN|ACK), answer the final ACK. Returns [ErrCloseTimeout] if the peer's
// half never arrives.
func (c *Conn) Close() error {
	if c.state != StateEstablished {
		return errNotEstablished
	}
	c.tp.SetHandshakeMode(true)
	c.setState(StateFinSent)
	finPkt, _ := AppendSegment(nil, Segment{Seq: c.tx.nxt, Flags: FlagFIN, Wnd: AdvertisedWindow}, nil)
	var gotAck, gotFin bool
	for try := 0; try < synRetryLimit; try++ {
		if err := c.tp.Send(finPkt); err != nil {
			c.setState(StateClosed)
			return err
		}
		deadline := time.Now().Add(TimeoutInterval)
		for time.Now().Before(deadline) {
			seg, _, err := c.recvSegment(recvQuantum)
			if err != nil {
				if isFatalRecvErr(err) {
					c.setState(StateClosed)
					return err
				}
				continue
			}
			if seg.Flags.HasAny(FlagRST) {
				c.setState(StateClosed)
				return ErrConnReset
			}
			gotAck = gotAck || seg.Flags.HasAny(FlagACK)
			gotFin = gotFin || seg.Flags.HasAny(FlagFIN)
			if gotAck && gotFin {
				ack, _ := AppendSegment(nil, Segment{Flags: FlagACK, Ack: seg.Seq + 1, Wnd: AdvertisedWindow}, nil)
				c.tp.Send(ack)
				c.setState(StateDone)
				return nil
			}
		}
		c.debug("close:fin-retry", slog.Int("try", try+1))
	}
	c.setState(StateClosed)
	return ErrCloseTimeout
}

// recvSegment receives and parses one datagram. Rejected datagrams surface
// as a [RejectError]; callers treat those as silent drops.
func (c *Conn) recvSegment(timeout time.Duration) (Segment, []byte, error) {
	n, err := c.tp.Recv(c.rcvbuf, timeout)
	if err != nil {
		return Segment{}, nil, err
	}
	seg, payload, err := ParseSegment(c.rcvbuf[:n])
	if err != nil {
		c.trace("recv:drop", slog.String("err", err.Error()))
		return Segment{}, nil, err
	}
	c.traceSeg("recv:seg", seg)
	return seg, payload, nil
}

// isFatalRecvErr distinguishes transport failures from the silent-drop
// cases: poll timeouts and rejected (corrupted or malformed) segments.
func isFatalRecvErr(err error) bool {
	if err == nil || errors.Is(err, ErrRecvTimeout) || errors.Is(err, errShortBuffer) {
		return false
	}
	var rej *RejectError
	return !errors.As(err, &rej)
}
