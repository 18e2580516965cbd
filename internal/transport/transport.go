// Package transport provides the network abstraction layer.
// A Module moves datagrams for one kind of network (UDP, websocket, webrtc,
// in-process) and hands out Addr handles that identify remote endpoints.
// Session code never touches sockets directly, so modules can be swapped or
// combined without changing protocol logic.
package transport

import (
	"errors"
	"time"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

var (
	ErrNotInitialized = errors.New("transport not initialized")
	ErrUnreachable    = errors.New("address unreachable")
	ErrWrongModule    = errors.New("address belongs to another module")
)

// Module is the capability set every transport implements.
//
// RecvPacket never blocks. A returned address carries one reference owned
// by the caller, who must Release it once done.
type Module interface {
	// Name identifies the module in logs.
	Name() string

	// InitClient prepares the module for outgoing connections.
	InitClient() error

	// InitServer prepares the module to accept packets from anyone.
	InitServer() error

	// SendPacket sends pkt to addr.
	SendPacket(addr *Addr, pkt *protocol.Packet) error

	// RecvPacket returns the next pending packet, if any.
	RecvPacket() (*Addr, *protocol.Packet, bool)

	// AddrToString renders an address for humans.
	AddrToString(addr *Addr) string

	// FreeAddress is called when the last reference to addr is released.
	FreeAddress(addr *Addr)

	// ResolveAddress turns a name into an address. It fails rather than
	// returning a placeholder.
	ResolveAddress(name string) (*Addr, error)

	// Close shuts down the module.
	Close() error
}

// Addr is a reference-counted endpoint handle owned by exactly one Module.
// Two addresses are equal when they share the module and the underlying
// handle; the handle must be comparable.
type Addr struct {
	module Module
	handle any
	refs   int
}

// NewAddr creates an address with no references. Modules call this.
func NewAddr(m Module, handle any) *Addr {
	return &Addr{module: m, handle: handle}
}

func (a *Addr) Module() Module { return a.module }

func (a *Addr) Handle() any { return a.handle }

// Refs returns the current reference count.
func (a *Addr) Refs() int { return a.refs }

// Reference records another holder.
func (a *Addr) Reference() *Addr {
	a.refs++
	return a
}

// Release drops a reference and frees the address through its module when
// none remain.
func (a *Addr) Release() {
	if a == nil {
		return
	}
	a.refs--
	if a.refs <= 0 {
		a.refs = 0
		a.module.FreeAddress(a)
	}
}

// Equal reports structural equality.
func (a *Addr) Equal(b *Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.module == b.module && a.handle == b.handle
}

func (a *Addr) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.module.AddrToString(a)
}

// Config holds transport configuration.
type Config struct {
	MaxMessageSize int
	RecvQueueSize  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize: 1400, // Safe for UDP
		RecvQueueSize:  1024,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}
