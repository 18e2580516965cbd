// Package conn implements the per-peer control discipline: reliable,
// in-order delivery of control packets, keepalives, timeouts and the
// disconnect handshake. Game data bypasses the reliable queue and is
// handled by the lockstep window instead.
package conn

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var ErrClosed = errors.New("connection closed")

// State of a connection.
type State int

const (
	// StateConnecting: a client has sent SYN and waits to be admitted.
	StateConnecting State = iota
	StateConnected
	// StateDisconnecting: we sent DISCONNECT and wait for the ack.
	StateDisconnecting
	// StateDisconnectedSleep: the peer disconnected; linger so a resent
	// DISCONNECT is still acknowledged.
	StateDisconnectedSleep
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnectedSleep:
		return "disconnected-sleep"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Reason records why a connection ended.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLocal
	ReasonRemote
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonLocal:
		return "local disconnect"
	case ReasonRemote:
		return "remote disconnect"
	case ReasonTimeout:
		return "timed out"
	}
	return "none"
}

type reliablePacket struct {
	pkt      *protocol.Packet
	seq      uint8
	sent     bool
	lastSend time.Time
	retries  int
}

// Conn is one peer link. It is not safe for concurrent use; the owning
// session drives it from its poll loop.
type Conn struct {
	addr  *transport.Addr
	clock clock.Clock

	state  State
	reason Reason

	// Protocol negotiated at handshake.
	Protocol protocol.Protocol

	keepaliveSent time.Time
	keepaliveRecv time.Time

	lastDisconnect time.Time
	retries        int

	reliable deque.Deque[*reliablePacket]
	sendSeq  uint8
	recvSeq  uint8
}

func newConn(addr *transport.Addr, proto protocol.Protocol, clk clock.Clock, state State) *Conn {
	now := clk.Now()
	return &Conn{
		addr:          addr.Reference(),
		clock:         clk,
		state:         state,
		Protocol:      proto,
		keepaliveSent: now,
		keepaliveRecv: now,
	}
}

// NewClient creates the client side of a link, waiting to be admitted.
func NewClient(addr *transport.Addr, proto protocol.Protocol, clk clock.Clock) *Conn {
	return newConn(addr, proto, clk, StateConnecting)
}

// NewServer creates the server side of a link for an admitted peer.
func NewServer(addr *transport.Addr, proto protocol.Protocol, clk clock.Clock) *Conn {
	return newConn(addr, proto, clk, StateConnected)
}

func (c *Conn) Addr() *transport.Addr { return c.addr }
func (c *Conn) State() State          { return c.state }
func (c *Conn) Reason() Reason        { return c.reason }

// Connected reports whether the link carries session traffic.
func (c *Conn) Connected() bool { return c.state == StateConnected }

// Disconnected reports whether the link is finished and can be freed.
func (c *Conn) Disconnected() bool { return c.state == StateDisconnected }

// Admit completes a client handshake.
func (c *Conn) Admit() {
	if c.state == StateConnecting {
		c.state = StateConnected
		c.keepaliveRecv = c.clock.Now()
	}
}

// Fail ends the link immediately, for example when the server rejects us.
func (c *Conn) Fail(reason Reason) {
	c.state = StateDisconnected
	c.reason = reason
	c.reliable.Clear()
}

// Release drops the connection's address reference.
func (c *Conn) Release() {
	if c.addr != nil {
		c.addr.Release()
		c.addr = nil
	}
}

// Send transmits an unreliable packet.
func (c *Conn) Send(pkt *protocol.Packet) error {
	if c.addr == nil {
		return ErrClosed
	}
	c.keepaliveSent = c.clock.Now()
	return c.addr.Module().SendPacket(c.addr, pkt)
}

func (c *Conn) sendOrLog(pkt *protocol.Packet) {
	if err := c.Send(pkt); err != nil {
		log.Debug().Err(err).Str("addr", c.addr.String()).Msg("⚠️ send failed")
	}
}

// NewReliable queues a reliable packet of type typ and returns it so the
// caller can append the payload. It goes out on the next Run.
func (c *Conn) NewReliable(typ protocol.PacketType) *protocol.Packet {
	pkt := protocol.NewTyped(typ | protocol.ReliableFlag)
	pkt.WriteUint8(c.sendSeq)
	c.reliable.PushBack(&reliablePacket{pkt: pkt, seq: c.sendSeq})
	c.sendSeq++
	return pkt
}

// ReliableQueued returns the number of unacknowledged reliable packets.
func (c *Conn) ReliableQueued() int { return c.reliable.Len() }

// Packet processes the header of a received packet. Control packets are
// consumed; for anything else it returns the base type with pkt positioned
// at the payload. A reliable packet arriving out of order is consumed so
// that it is only ever handled once, in sequence.
func (c *Conn) Packet(pkt *protocol.Packet, typ protocol.PacketType) (protocol.PacketType, bool) {
	c.keepaliveRecv = c.clock.Now()

	if typ.Reliable() {
		seq, err := pkt.ReadUint8()
		if err != nil {
			return 0, true
		}
		if seq != c.recvSeq {
			c.sendReliableAck()
			return 0, true
		}
		c.recvSeq++
		c.sendReliableAck()
		typ = typ.Base()
	}

	switch typ {
	case protocol.PacketKeepalive:
		return typ, true
	case protocol.PacketReliableACK:
		c.handleReliableAck(pkt)
		return typ, true
	case protocol.PacketDisconnect:
		c.handleDisconnect()
		return typ, true
	case protocol.PacketDisconnectACK:
		if c.state == StateDisconnecting {
			c.state = StateDisconnected
			c.reason = ReasonLocal
		}
		return typ, true
	}
	return typ, false
}

func (c *Conn) sendReliableAck() {
	ack := protocol.NewTyped(protocol.PacketReliableACK)
	ack.WriteUint8(c.recvSeq)
	c.sendOrLog(ack)
}

func (c *Conn) handleReliableAck(pkt *protocol.Packet) {
	next, err := pkt.ReadUint8()
	if err != nil || c.reliable.Len() == 0 {
		return
	}
	if head := c.reliable.Front(); head.seq == next-1 {
		c.reliable.PopFront()
	}
}

func (c *Conn) handleDisconnect() {
	switch c.state {
	case StateConnected, StateConnecting:
		c.sendOrLog(protocol.NewTyped(protocol.PacketDisconnectACK))
		c.state = StateDisconnectedSleep
		c.reason = ReasonRemote
		c.lastDisconnect = c.clock.Now()
		c.reliable.Clear()
	case StateDisconnecting:
		// Both sides disconnected at once.
		c.sendOrLog(protocol.NewTyped(protocol.PacketDisconnectACK))
	case StateDisconnectedSleep:
		c.sendOrLog(protocol.NewTyped(protocol.PacketDisconnectACK))
	}
}

// Disconnect starts the disconnect handshake. Pending reliable packets
// are discarded.
func (c *Conn) Disconnect() {
	if c.state != StateConnected && c.state != StateConnecting {
		return
	}
	c.reliable.Clear()
	c.state = StateDisconnecting
	c.retries = 0
	c.lastDisconnect = time.Time{}
}

// Run performs timed work: resends, keepalives and timeouts.
func (c *Conn) Run() {
	now := c.clock.Now()

	switch c.state {
	case StateConnected:
		if now.Sub(c.keepaliveRecv) > protocol.ConnectionTimeout {
			log.Info().Str("addr", c.addr.String()).Msg("⏱️ connection timed out")
			c.timeout()
			return
		}
		if c.reliable.Len() > 0 {
			head := c.reliable.Front()
			if !head.sent || now.Sub(head.lastSend) >= protocol.ReliableResendPeriod {
				if head.sent {
					if head.retries >= protocol.MaxRetries {
						log.Info().Str("addr", c.addr.String()).Uint8("seq", head.seq).
							Msg("⏱️ reliable packet never acknowledged")
						c.timeout()
						return
					}
					head.retries++
				}
				c.sendOrLog(head.pkt)
				head.sent = true
				head.lastSend = now
			}
		}
		if now.Sub(c.keepaliveSent) >= protocol.KeepalivePeriod {
			c.sendOrLog(protocol.NewTyped(protocol.PacketKeepalive))
		}

	case StateDisconnecting:
		if c.lastDisconnect.IsZero() || now.Sub(c.lastDisconnect) >= protocol.ReliableResendPeriod {
			if c.retries >= protocol.MaxRetries {
				c.state = StateDisconnected
				c.reason = ReasonTimeout
				return
			}
			c.sendOrLog(protocol.NewTyped(protocol.PacketDisconnect))
			c.retries++
			c.lastDisconnect = now
		}

	case StateDisconnectedSleep:
		if now.Sub(c.lastDisconnect) >= protocol.DisconnectSleep {
			c.state = StateDisconnected
		}
	}
}

func (c *Conn) timeout() {
	c.state = StateDisconnected
	c.reason = ReasonTimeout
	c.reliable.Clear()
}
