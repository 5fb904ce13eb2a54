package prtp

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"
)

// chanTransport is an in-memory datagram channel for driving two endpoints
// in the same process. An optional fault hook may drop (return nil) or
// mangle outgoing datagrams; it observes the handshake mode the same way
// the UDP transport does.
type chanTransport struct {
	out       chan<- []byte
	in        <-chan []byte
	handshake bool
	fault     func(pkt []byte, handshake bool) []byte
}

func newTransportPair() (a, b *chanTransport) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	a = &chanTransport{out: ab, in: ba}
	b = &chanTransport{out: ba, in: ab}
	return a, b
}

func (t *chanTransport) Send(b []byte) error {
	pkt := append([]byte(nil), b...)
	if t.fault != nil {
		pkt = t.fault(pkt, t.handshake)
		if pkt == nil {
			return nil
		}
	}
	select {
	case t.out <- pkt:
	default: // a full queue drops like a real network
	}
	return nil
}

func (t *chanTransport) Recv(buf []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		select {
		case pkt := <-t.in:
			return copy(buf, pkt), nil
		default:
			return 0, ErrRecvTimeout
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pkt := <-t.in:
		return copy(buf, pkt), nil
	case <-timer.C:
		return 0, ErrRecvTimeout
	}
}

func (t *chanTransport) SetHandshakeMode(on bool) { t.handshake = on }

// runTransfer drives a full connection lifetime: handshake, data phase and
// four-way close, returning both endpoints' statistics.
func runTransfer(t *testing.T, data []byte, senderFault, receiverFault func([]byte, bool) []byte) (senderStats, receiverStats Stats) {
	t.Helper()
	ta, tb := newTransportPair()
	ta.fault = senderFault
	tb.fault = receiverFault
	sender := NewConn(ta, nil)
	receiver := NewConn(tb, nil)

	var sink bytes.Buffer
	var delivered int64
	done := make(chan error, 1)
	go func() {
		if err := receiver.Listen(); err != nil {
			done <- err
			return
		}
		n, err := receiver.Recv(&sink)
		delivered = n
		done <- err
	}()

	if err := sender.Open(); err != nil {
		t.Fatal("open:", err)
	}
	n, err := sender.Send(bytes.NewReader(data))
	if err != nil {
		t.Fatal("send:", err)
	}
	if n != int64(len(data)) {
		t.Fatalf("acked %d bytes, want %d", n, len(data))
	}
	if err := sender.Close(); err != nil {
		t.Fatal("close:", err)
	}
	if err := <-done; err != nil {
		t.Fatal("receive:", err)
	}
	if delivered != int64(len(data)) {
		t.Fatalf("delivered %d bytes, want %d", delivered, len(data))
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatal("received bytes differ from sent bytes")
	}
	if s := sender.State(); s != StateDone {
		t.Fatalf("sender state = %v, want DONE", s)
	}
	if s := receiver.State(); s != StateDone {
		t.Fatalf("receiver state = %v, want DONE", s)
	}
	return sender.Stats(), receiver.Stats()
}

func TestTransferEmptyFile(t *testing.T) {
	stats, _ := runTransfer(t, nil, nil, nil)
	if stats.SegmentsSent != 0 {
		t.Fatalf("sent %d data segments for empty input", stats.SegmentsSent)
	}
}

func TestTransferSingleByte(t *testing.T) {
	stats, _ := runTransfer(t, []byte{0x42}, nil, nil)
	if stats.SegmentsSent != 1 {
		t.Fatalf("sent %d data segments, want 1", stats.SegmentsSent)
	}
}

func TestTransferSmallFile(t *testing.T) {
	// 1038 bytes split into a full segment plus a 14 byte tail.
	data := make([]byte, 1038)
	rand.New(rand.NewSource(2)).Read(data)
	stats, _ := runTransfer(t, data, nil, nil)
	if stats.SegmentsSent != 2 {
		t.Fatalf("sent %d data segments, want 2", stats.SegmentsSent)
	}
	if stats.Retransmits != 0 || stats.TimeoutEvents != 0 {
		t.Fatalf("lossless transfer retransmitted: %+v", stats)
	}
}

func TestTransferExactMultiple(t *testing.T) {
	// N*1024 bytes produce exactly N full segments, no half-filled tail.
	const n = 4
	data := make([]byte, n*MaxPayload)
	rand.New(rand.NewSource(3)).Read(data)
	stats, _ := runTransfer(t, data, nil, nil)
	if stats.SegmentsSent != n {
		t.Fatalf("sent %d data segments, want %d", stats.SegmentsSent, n)
	}
}

func TestTransferWindowGrowth(t *testing.T) {
	data := make([]byte, 64*MaxPayload)
	rand.New(rand.NewSource(4)).Read(data)
	stats, _ := runTransfer(t, data, nil, nil)
	if stats.Cwnd <= InitialCwnd {
		t.Fatalf("cwnd did not grow: %v", stats.Cwnd)
	}
	if stats.Retransmits != 0 {
		t.Fatalf("lossless transfer retransmitted %d segments", stats.Retransmits)
	}
}

// dropNth returns a fault hook that drops the nth non-handshake datagram
// exactly once.
func dropNth(n int) func([]byte, bool) []byte {
	count := 0
	dropped := false
	return func(pkt []byte, handshake bool) []byte {
		if handshake || dropped {
			return pkt
		}
		count++
		if count == n {
			dropped = true
			return nil
		}
		return pkt
	}
}

func TestTransferRecoversFromLoss(t *testing.T) {
	data := make([]byte, 3*MaxPayload)
	rand.New(rand.NewSource(5)).Read(data)
	stats, _ := runTransfer(t, data, dropNth(1), nil)
	if stats.TimeoutEvents == 0 {
		t.Fatal("expected at least one retransmission timeout")
	}
	if stats.Retransmits == 0 {
		t.Fatal("expected retransmissions")
	}
}

func TestTransferFastRetransmit(t *testing.T) {
	// Drop one mid-stream segment once the window has opened; the later
	// segments still flowing produce the duplicate ACKs that trigger a
	// fast retransmission ahead of the timer.
	data := make([]byte, 16*MaxPayload)
	rand.New(rand.NewSource(6)).Read(data)
	stats, _ := runTransfer(t, data, dropNth(8), nil)
	if stats.DupAcks < DupAckThreshold {
		t.Fatalf("dup acks = %d, want >= %d", stats.DupAcks, DupAckThreshold)
	}
	if stats.FastRetransmits == 0 {
		t.Fatal("expected a fast retransmission")
	}
}

func TestTransferRecoversFromAckLoss(t *testing.T) {
	data := make([]byte, 2*MaxPayload)
	rand.New(rand.NewSource(7)).Read(data)
	// Dropping an ACK forces the sender into a timeout retransmission,
	// which the receiver answers with a duplicate ACK.
	stats, _ := runTransfer(t, data, nil, dropNth(1))
	if stats.TimeoutEvents == 0 && stats.FastRetransmits == 0 {
		t.Fatal("expected loss recovery activity")
	}
}

// corruptEvery returns a fault hook flipping one bit of every nth datagram.
func corruptEvery(n int) func([]byte, bool) []byte {
	count := 0
	rng := rand.New(rand.NewSource(8))
	return func(pkt []byte, handshake bool) []byte {
		count++
		if count%n != 0 {
			return pkt
		}
		bit := rng.Intn(len(pkt) * 8)
		pkt[bit/8] ^= 1 << (bit % 8)
		return pkt
	}
}

func TestTransferRecoversFromCorruption(t *testing.T) {
	if testing.Short() {
		t.Skip("corruption recovery test waits out retransmission timers")
	}
	data := make([]byte, 6*MaxPayload)
	rand.New(rand.NewSource(9)).Read(data)
	stats, _ := runTransfer(t, data, corruptEvery(5), nil)
	if stats.Retransmits == 0 {
		t.Fatal("expected retransmissions under corruption")
	}
}

func TestTransferLossyBothWays(t *testing.T) {
	if testing.Short() {
		t.Skip("lossy transfer test waits out retransmission timers")
	}
	data := make([]byte, 20*MaxPayload)
	rand.New(rand.NewSource(10)).Read(data)
	dropEvery := func(n int) func([]byte, bool) []byte {
		count := 0
		return func(pkt []byte, handshake bool) []byte {
			if handshake {
				return pkt
			}
			count++
			if count%n == 0 {
				return nil
			}
			return pkt
		}
	}
	runTransfer(t, data, dropEvery(9), dropEvery(11))
}

func TestSendFailsAtRetransmitCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full retransmit ceiling")
	}
	ta, tb := newTransportPair()
	// Handshakes go through, every data segment is lost.
	ta.fault = func(pkt []byte, handshake bool) []byte {
		if handshake {
			return pkt
		}
		return nil
	}
	sender := NewConn(ta, nil)
	receiver := NewConn(tb, nil)
	go func() {
		if err := receiver.Listen(); err != nil {
			return
		}
		var sink bytes.Buffer
		receiver.Recv(&sink)
	}()
	if err := sender.Open(); err != nil {
		t.Fatal("open:", err)
	}
	_, err := sender.Send(bytes.NewReader(make([]byte, 100)))
	if !errors.Is(err, ErrRetransmitLimit) {
		t.Fatalf("err = %v, want ErrRetransmitLimit", err)
	}
	var ferr *RetransmitLimitError
	if !errors.As(err, &ferr) {
		t.Fatalf("err = %v, missing retransmit failure context", err)
	}
	if ferr.LastSeq != 1 {
		t.Fatalf("last seq = %d, want 1", ferr.LastSeq)
	}
	if ferr.Elapsed < timeoutLimit*TimeoutInterval {
		t.Fatalf("elapsed = %v, want at least %d timeout intervals", ferr.Elapsed, timeoutLimit)
	}
	if sender.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", sender.State())
	}
	if stats := sender.Stats(); stats.TimeoutEvents < timeoutLimit {
		t.Fatalf("gave up after %d timeout events, want %d", stats.TimeoutEvents, timeoutLimit)
	}
}

func TestOpenFailsWithoutPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("open failure waits out every SYN retry")
	}
	ta, _ := newTransportPair()
	// Swallow everything: the SYN never gets answered.
	ta.fault = func(pkt []byte, handshake bool) []byte { return nil }
	c := NewConn(ta, nil)
	start := time.Now()
	err := c.Open()
	if err != ErrOpenTimeout {
		t.Fatalf("err = %v, want ErrOpenTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < synRetryLimit*TimeoutInterval {
		t.Fatalf("gave up after %v, want %d retry intervals", elapsed, synRetryLimit)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", c.State())
	}
}

func TestRecvResetByRST(t *testing.T) {
	ta, tb := newTransportPair()
	sender := NewConn(ta, nil)
	receiver := NewConn(tb, nil)
	done := make(chan error, 1)
	go func() {
		if err := receiver.Listen(); err != nil {
			done <- err
			return
		}
		var sink bytes.Buffer
		_, err := receiver.Recv(&sink)
		done <- err
	}()
	if err := sender.Open(); err != nil {
		t.Fatal(err)
	}
	rst, err := AppendSegment(nil, Segment{Flags: FlagRST, Wnd: AdvertisedWindow}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ta.Send(rst)
	if err := <-done; err != ErrConnReset {
		t.Fatalf("err = %v, want ErrConnReset", err)
	}
	if receiver.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", receiver.State())
	}
}
