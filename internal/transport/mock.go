package transport

import (
	"fmt"
	"sync"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// MockModule is a mock implementation for testing. Addresses are plain
// strings; nothing touches the network.
type MockModule struct {
	mu       sync.Mutex
	name     string
	inbox    []MockPacket
	sent     []MockPacket
	addrs    map[string]*Addr
	freed    []string
	initErr  error
	inits    int
	resolved map[string]bool
}

// MockPacket records a sent or received packet.
type MockPacket struct {
	Addr string
	Data []byte
}

// Type decodes the packet header.
func (p MockPacket) Type() protocol.PacketType {
	typ, _ := protocol.ReadType(protocol.NewPacketFrom(p.Data))
	return typ
}

// Packet returns a readable copy positioned after the header.
func (p MockPacket) Packet() *protocol.Packet {
	pkt := protocol.NewPacketFrom(p.Data)
	_, _ = pkt.ReadUint16()
	return pkt
}

// NewMockModule creates a new mock module.
func NewMockModule(name string) *MockModule {
	return &MockModule{
		name:     name,
		addrs:    make(map[string]*Addr),
		resolved: make(map[string]bool),
	}
}

func (m *MockModule) Name() string { return m.name }

// FailInit makes every later Init call return err.
func (m *MockModule) FailInit(err error) { m.initErr = err }

func (m *MockModule) InitClient() error {
	m.inits++
	return m.initErr
}

func (m *MockModule) InitServer() error {
	m.inits++
	return m.initErr
}

// Inits counts Init calls.
func (m *MockModule) Inits() int { return m.inits }

func (m *MockModule) Close() error { return nil }

// SendPacket records the packet as sent.
func (m *MockModule) SendPacket(addr *Addr, pkt *protocol.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := append([]byte(nil), pkt.Bytes()...)
	m.sent = append(m.sent, MockPacket{Addr: addr.handle.(string), Data: data})
	return nil
}

func (m *MockModule) RecvPacket() (*Addr, *protocol.Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbox) == 0 {
		return nil, nil, false
	}
	msg := m.inbox[0]
	m.inbox = m.inbox[1:]
	return m.lookup(msg.Addr).Reference(), protocol.NewPacketFrom(msg.Data), true
}

func (m *MockModule) AddrToString(addr *Addr) string { return addr.handle.(string) }

func (m *MockModule) FreeAddress(addr *Addr) {
	name := addr.handle.(string)
	if m.addrs[name] == addr {
		delete(m.addrs, name)
		m.freed = append(m.freed, name)
	}
}

// ResolveAddress resolves names registered with AllowResolve; any other
// name fails.
func (m *MockModule) ResolveAddress(name string) (*Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.resolved[name] {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrUnreachable)
	}
	return m.lookup(name), nil
}

func (m *MockModule) lookup(name string) *Addr {
	if a, ok := m.addrs[name]; ok {
		return a
	}
	a := NewAddr(m, name)
	m.addrs[name] = a
	return a
}

// --- Test helpers ---

// AllowResolve makes ResolveAddress succeed for name.
func (m *MockModule) AllowResolve(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved[name] = true
}

// SimulatePacket queues a packet as if it arrived from addr.
func (m *MockModule) SimulatePacket(addr string, pkt *protocol.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, MockPacket{Addr: addr, Data: append([]byte(nil), pkt.Bytes()...)})
}

// SentPackets returns all sent packets.
func (m *MockModule) SentPackets() []MockPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockPacket{}, m.sent...)
}

// SentOfType returns sent packets whose base type is typ.
func (m *MockModule) SentOfType(typ protocol.PacketType) []MockPacket {
	var out []MockPacket
	for _, p := range m.SentPackets() {
		if p.Type().Base() == typ {
			out = append(out, p)
		}
	}
	return out
}

// Freed lists addresses released back to the module.
func (m *MockModule) Freed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.freed...)
}

// Clear clears all recorded packets.
func (m *MockModule) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = m.inbox[:0]
	m.sent = m.sent[:0]
}
