package transport

import (
	"fmt"
	"sync"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// DropFunc decides whether a datagram in flight is lost.
type DropFunc func(from, to string, data []byte) bool

// Hub is an in-process datagram network. Every endpoint is a HubModule
// named by a string; delivery is FIFO per receiver and loss is injected
// with a DropFunc. It plays the role of the loopback transport and drives
// multi-node tests.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*HubModule
	drop      DropFunc
	delivered int
	dropped   int
}

// NewHub creates an empty network.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*HubModule)}
}

// SetDrop installs a loss filter. nil delivers everything.
func (h *Hub) SetDrop(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Stats returns delivered and dropped datagram counts.
func (h *Hub) Stats() (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.delivered, h.dropped
}

// Module creates the endpoint called name. Names must be unique.
func (h *Hub) Module(name string) *HubModule {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.endpoints[name]; exists {
		panic(fmt.Sprintf("hub: endpoint %q already exists", name))
	}
	m := &HubModule{hub: h, name: name, addrs: make(map[string]*Addr)}
	h.endpoints[name] = m
	return m
}

// NewLoopback returns a connected client/server pair on a private hub.
func NewLoopback() (client, server *HubModule) {
	h := NewHub()
	return h.Module("client"), h.Module("server")
}

// BroadcastName addresses every other endpoint on the hub.
const BroadcastName = "*"

func (h *Hub) deliver(from, to string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if to == BroadcastName {
		for name := range h.endpoints {
			if name != from {
				h.deliverLocked(from, name, data)
			}
		}
		return nil
	}
	h.deliverLocked(from, to, data)
	return nil
}

func (h *Hub) deliverLocked(from, to string, data []byte) {
	dst, ok := h.endpoints[to]
	if !ok || !dst.open {
		return // like UDP, sending into the void succeeds
	}
	if h.drop != nil && h.drop(from, to, data) {
		h.dropped++
		return
	}
	h.delivered++
	dst.queue = append(dst.queue, MockPacket{Addr: from, Data: append([]byte(nil), data...)})
}

// HubModule is one endpoint of a Hub.
type HubModule struct {
	hub   *Hub
	name  string
	open  bool
	queue []MockPacket
	addrs map[string]*Addr
}

func (m *HubModule) Name() string { return "hub:" + m.name }

func (m *HubModule) InitClient() error { return m.init() }

func (m *HubModule) InitServer() error { return m.init() }

func (m *HubModule) init() error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.open = true
	return nil
}

func (m *HubModule) Close() error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	m.open = false
	m.queue = nil
	return nil
}

func (m *HubModule) SendPacket(addr *Addr, pkt *protocol.Packet) error {
	if addr.module != Module(m) {
		return ErrWrongModule
	}
	if !m.isOpen() {
		return ErrNotInitialized
	}
	return m.hub.deliver(m.name, addr.handle.(string), pkt.Bytes())
}

func (m *HubModule) isOpen() bool {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.open
}

func (m *HubModule) RecvPacket() (*Addr, *protocol.Packet, bool) {
	m.hub.mu.Lock()
	if len(m.queue) == 0 {
		m.hub.mu.Unlock()
		return nil, nil, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	m.hub.mu.Unlock()

	return m.lookup(msg.Addr).Reference(), protocol.NewPacketFrom(msg.Data), true
}

// Pending returns the number of queued inbound datagrams.
func (m *HubModule) Pending() int {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return len(m.queue)
}

func (m *HubModule) AddrToString(addr *Addr) string { return addr.handle.(string) }

func (m *HubModule) FreeAddress(addr *Addr) {
	name := addr.handle.(string)
	if m.addrs[name] == addr {
		delete(m.addrs, name)
	}
}

// ResolveAddress succeeds only for endpoints that exist on the hub.
func (m *HubModule) ResolveAddress(name string) (*Addr, error) {
	m.hub.mu.Lock()
	_, ok := m.hub.endpoints[name]
	m.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrUnreachable)
	}
	return m.lookup(name), nil
}

// ResolveBroadcast returns the address of every other endpoint. The port
// is ignored.
func (m *HubModule) ResolveBroadcast(port int) (*Addr, error) {
	if !m.isOpen() {
		return nil, ErrNotInitialized
	}
	return m.lookup(BroadcastName), nil
}

func (m *HubModule) lookup(name string) *Addr {
	if a, ok := m.addrs[name]; ok {
		return a
	}
	a := NewAddr(m, name)
	m.addrs[name] = a
	return a
}
