// Package faultnet provides the canonical PRTP datagram transport: a UDP
// socket wrapped with configurable impairment injection (loss, single-bit
// corruption, delivery delay). The protocol's handshake mode suppresses
// injected loss so SYN/FIN exchanges reach their counterpart; corruption
// and delay still apply.
//
// Impairments draw from a xorshift generator seeded by the caller, so a
// lossy run is reproducible from its seed.
package faultnet

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/soypat/prtp"
	"github.com/soypat/prtp/internal"
)

var errNoPeer = errors.New("faultnet: no peer address known yet")

// Conn is an impairment-injecting datagram transport bound to a local UDP
// address. It implements [prtp.Transport]. Conn is not safe for concurrent
// use; PRTP endpoints are single-threaded by design.
type Conn struct {
	udp  *net.UDPConn
	peer atomic.Pointer[net.UDPAddr] // also read by delayed-send timers
	prof Profile
	// handshake suppresses loss injection while set. It is read when Send
	// is called; delayed sends do not consult it again when they fire.
	handshake atomic.Bool
	rng       uint32
	log       *slog.Logger
}

// Dial binds local and targets every datagram at remote. Used by the
// sending endpoint.
func Dial(local, remote *net.UDPAddr, prof Profile, seed uint32, log *slog.Logger) (*Conn, error) {
	c, err := Listen(local, prof, seed, log)
	if err != nil {
		return nil, err
	}
	c.peer.Store(remote)
	return c, nil
}

// Listen binds local without a peer; the peer address is learned from the
// first datagram received. Used by the receiving endpoint.
func Listen(local *net.UDPAddr, prof Profile, seed uint32, log *slog.Logger) (*Conn, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = uint32(time.Now().UnixNano())
	}
	return &Conn{udp: udp, prof: prof, rng: seed, log: log}, nil
}

// LocalAddr returns the bound UDP address.
func (c *Conn) LocalAddr() *net.UDPAddr { return c.udp.LocalAddr().(*net.UDPAddr) }

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.udp.Close() }

// SetHandshakeMode toggles loss suppression for connection setup and
// teardown exchanges.
func (c *Conn) SetHandshakeMode(on bool) { c.handshake.Store(on) }

// Send transmits b to the peer, subject to the impairment profile:
// the datagram may be dropped (unless handshake mode is on), have a single
// bit flipped, or be delivered after a uniformly distributed delay.
// Injected impairments are not errors.
func (c *Conn) Send(b []byte) error {
	peer := c.peer.Load()
	if peer == nil {
		return errNoPeer
	}
	if !c.handshake.Load() && c.rand01() < c.prof.LossRate {
		internal.LogAttrs(c.log, internal.LevelTrace, "faultnet:drop", slog.Int("len", len(b)))
		return nil
	}
	if c.prof.CorruptionRate > 0 && c.rand01() < c.prof.CorruptionRate {
		cp := append([]byte(nil), b...)
		bit := int(c.next() % uint32(len(cp)*8))
		cp[bit/8] ^= 1 << (bit % 8)
		internal.LogAttrs(c.log, internal.LevelTrace, "faultnet:corrupt", slog.Int("bit", bit))
		b = cp
	}
	if minD, maxD := c.prof.delayBounds(); maxD > 0 {
		delay := minD + time.Duration(c.rand01()*float64(maxD-minD))
		pkt := append([]byte(nil), b...)
		time.AfterFunc(delay, func() {
			if p := c.peer.Load(); p != nil {
				c.udp.WriteToUDP(pkt, p)
			}
		})
		return nil
	}
	_, err := c.udp.WriteToUDP(b, peer)
	return err
}

// Recv fills buf with the next datagram from the peer. Datagrams from other
// sources are discarded. A zero or negative timeout polls without blocking.
// Returns [prtp.ErrRecvTimeout] when nothing arrived in time.
func (c *Conn) Recv(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Now()
	}
	for {
		if err := c.udp.SetReadDeadline(deadline); err != nil {
			return 0, err
		}
		n, from, err := c.udp.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return 0, prtp.ErrRecvTimeout
			}
			return 0, err
		}
		peer := c.peer.Load()
		if peer == nil {
			// Passive endpoint: lock onto the first talker.
			c.peer.Store(from)
			return n, nil
		}
		if from.Port != peer.Port || !from.IP.Equal(peer.IP) {
			internal.LogAttrs(c.log, slog.LevelDebug, "faultnet:stranger", slog.String("from", from.String()))
			continue
		}
		return n, nil
	}
}

// next advances the xorshift state.
func (c *Conn) next() uint32 {
	c.rng = internal.Prand32(c.rng)
	return c.rng
}

// rand01 returns a uniform draw in [0,1).
func (c *Conn) rand01() float64 {
	return float64(c.next()) / float64(math.MaxUint32+1.0)
}
