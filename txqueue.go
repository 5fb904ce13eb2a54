package prtp

import (
	"time"
)

// txQueue is the send-side sliding window: retained wire segments keyed by
// sequence number, per-segment retransmission timers and duplicate-ACK
// accounting. Loss recovery is Go-Back-N: a timer expiry retransmits every
// in-flight segment from the send base onward.
//
// txQueue performs no I/O. Methods return the retained wire bytes that the
// caller must put on the transport, which keeps the layer testable without
// a network and guarantees retransmissions are byte-identical to the
// original transmission.
type txQueue struct {
	// base is the sequence number of the oldest unacknowledged segment.
	base uint32
	// nxt is the sequence number to assign to the next new data segment.
	// Invariant: base <= nxt; nxt-base is the in-flight count.
	nxt uint32
	// segs retains the wire bytes of every in-flight segment. A segment
	// leaves only when covered by a cumulative ACK.
	segs map[uint32][]byte
	// sentAt records the last (re)transmission instant per segment.
	// Same key set as segs at every call boundary.
	sentAt map[uint32]time.Time
	// peerWnd is the advertised window from the last ACK processed,
	// interpreted as an in-flight segment cap.
	peerWnd uint32
	dupAcks int
	lastAck uint32
	// baseTimeouts counts consecutive timeout events that did not advance
	// base. The connection aborts when it reaches timeoutLimit.
	baseTimeouts int
	cc           reno
}

func newTxQueue(startSeq uint32) txQueue {
	return txQueue{
		base:    startSeq,
		nxt:     startSeq,
		segs:    make(map[uint32][]byte),
		sentAt:  make(map[uint32]time.Time),
		peerWnd: AdvertisedWindow,
		lastAck: startSeq,
		cc:      newReno(),
	}
}

// inFlight returns the number of sent but unacknowledged segments.
func (tx *txQueue) inFlight() int { return int(tx.nxt - tx.base) }

// window returns the effective in-flight cap: the minimum of the congestion
// window and the peer-advertised window.
func (tx *txQueue) window() int {
	w := tx.cc.Window()
	if tx.peerWnd < uint32(w) {
		w = int(tx.peerWnd)
	}
	return w
}

// canSend reports whether the effective window admits one more segment.
func (tx *txQueue) canSend() bool { return tx.inFlight() < tx.window() }

// queue registers a freshly transmitted data segment and assigns it the
// next sequence number, which the caller must already have stamped into pkt.
func (tx *txQueue) queue(pkt []byte, now time.Time) uint32 {
	seq := tx.nxt
	tx.segs[seq] = pkt
	tx.sentAt[seq] = now
	tx.nxt++
	return seq
}

// ackEvent describes the outcome of processing one acknowledgment.
type ackEvent struct {
	// acked is the number of segments newly covered by a cumulative advance.
	acked int
	// ackedBytes is the payload byte count of the newly covered segments.
	ackedBytes int
	// dup is true if the acknowledgment was a duplicate.
	dup bool
	// retransmit holds the wire bytes to fast-retransmit, or nil.
	retransmit []byte
}

// handleAck processes a cumulative acknowledgment received from the peer.
// Stale acknowledgments (ack below base or beyond nxt) are ignored,
// including their advertised window. No action taken here can fail.
func (tx *txQueue) handleAck(ack uint32, wnd uint16, now time.Time) (ev ackEvent) {
	if ack >= tx.base && ack <= tx.nxt {
		tx.peerWnd = uint32(wnd)
	}
	switch {
	case ack > tx.nxt:
		// Acknowledges data never sent; only a corrupted segment that
		// slipped past the checksum could produce this. Drop.
	case ack > tx.base:
		for seq := tx.base; seq < ack; seq++ {
			ev.ackedBytes += len(tx.segs[seq]) - sizeHeader
			delete(tx.segs, seq)
			delete(tx.sentAt, seq)
		}
		ev.acked = int(ack - tx.base)
		tx.base = ack
		tx.dupAcks = 0
		tx.lastAck = ack
		tx.baseTimeouts = 0
		// One controller event per newly acknowledged segment: slow-start
		// growth depends on per-ACK accounting.
		for i := 0; i < ev.acked; i++ {
			tx.cc.onNewAck()
		}
	case ack == tx.base && tx.inFlight() > 0:
		ev.dup = true
		tx.dupAcks++
		if tx.dupAcks == DupAckThreshold {
			if pkt, ok := tx.segs[tx.base]; ok {
				ev.retransmit = pkt
				tx.sentAt[tx.base] = now
			}
			tx.cc.onTripleDup()
		} else if tx.dupAcks > DupAckThreshold {
			tx.cc.onDupInRecovery()
		}
	default:
		// Stale: ack below base, or a duplicate with nothing in flight.
	}
	return ev
}

// tick expires retransmission timers. If any in-flight segment has gone
// TimeoutInterval without a (re)transmission, every segment in
// [base, nxt) is returned for retransmission in ascending sequence order
// and all timers in that range are reset to now. At most one timeout event
// reaches the congestion controller per tick regardless of how many timers
// had expired.
func (tx *txQueue) tick(now time.Time) (resend [][]byte, timedOut bool) {
	if len(tx.sentAt) == 0 {
		return nil, false
	}
	for _, t := range tx.sentAt {
		if now.Sub(t) >= TimeoutInterval {
			timedOut = true
			break
		}
	}
	if !timedOut {
		return nil, false
	}
	resend = make([][]byte, 0, tx.inFlight())
	for seq := tx.base; seq < tx.nxt; seq++ {
		resend = append(resend, tx.segs[seq])
		tx.sentAt[seq] = now
	}
	tx.baseTimeouts++
	tx.cc.onTimeout()
	return resend, true
}

// exhausted reports whether the consecutive-timeout ceiling has been hit.
func (tx *txQueue) exhausted() bool { return tx.baseTimeouts >= timeoutLimit }
