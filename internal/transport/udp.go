package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

type datagram struct {
	from netip.AddrPort
	data []byte
}

// UDPModule implements Module over a single UDP socket. A background
// reader feeds a bounded queue; RecvPacket drains it without blocking.
type UDPModule struct {
	config Config
	port   int
	conn   *net.UDPConn

	incoming chan datagram
	addrs    map[netip.AddrPort]*Addr

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUDPModule creates a UDP module. port is used by InitServer; clients
// always bind an ephemeral port.
func NewUDPModule(config Config, port int) *UDPModule {
	return &UDPModule{
		config:   config,
		port:     port,
		incoming: make(chan datagram, config.RecvQueueSize),
		addrs:    make(map[netip.AddrPort]*Addr),
		stopCh:   make(chan struct{}),
	}
}

func (m *UDPModule) Name() string { return "udp" }

func (m *UDPModule) InitClient() error { return m.open(0) }

func (m *UDPModule) InitServer() error { return m.open(m.port) }

func (m *UDPModule) open(port int) error {
	if m.conn != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}
	m.conn = conn

	m.wg.Add(1)
	go m.receiveLoop()

	log.Info().Str("addr", conn.LocalAddr().String()).Msg("🎧 udp module listening")
	return nil
}

// LocalAddr returns the bound socket address.
func (m *UDPModule) LocalAddr() string {
	if m.conn != nil {
		return m.conn.LocalAddr().String()
	}
	return ""
}

// Port returns the bound port, or 0 before Init.
func (m *UDPModule) Port() int {
	if m.conn == nil {
		return 0
	}
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close shuts down the module.
func (m *UDPModule) Close() error {
	if m.conn == nil {
		return nil
	}
	close(m.stopCh)
	err := m.conn.Close()
	m.wg.Wait()
	m.conn = nil
	return err
}

func (m *UDPModule) SendPacket(addr *Addr, pkt *protocol.Packet) error {
	if m.conn == nil {
		return ErrNotInitialized
	}
	if addr.module != Module(m) {
		return ErrWrongModule
	}
	ap := addr.handle.(netip.AddrPort)
	if _, err := m.conn.WriteToUDPAddrPort(pkt.Bytes(), ap); err != nil {
		return fmt.Errorf("udp send to %s: %w", ap, err)
	}
	return nil
}

func (m *UDPModule) RecvPacket() (*Addr, *protocol.Packet, bool) {
	select {
	case d := <-m.incoming:
		addr := m.lookup(d.from).Reference()
		return addr, protocol.NewPacketFrom(d.data), true
	default:
		return nil, nil, false
	}
}

func (m *UDPModule) AddrToString(addr *Addr) string {
	return addr.handle.(netip.AddrPort).String()
}

func (m *UDPModule) FreeAddress(addr *Addr) {
	ap := addr.handle.(netip.AddrPort)
	if m.addrs[ap] == addr {
		delete(m.addrs, ap)
	}
}

// ResolveAddress accepts "host" or "host:port"; the port defaults to
// protocol.DefaultPort.
func (m *UDPModule) ResolveAddress(name string) (*Addr, error) {
	host, port := name, strconv.Itoa(protocol.DefaultPort)
	if h, p, err := net.SplitHostPort(name); err == nil {
		host, port = h, p
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	ap := unmap(udpAddr.AddrPort())
	if !ap.IsValid() || ap.Addr().IsUnspecified() {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrUnreachable)
	}
	return m.lookup(ap), nil
}

// ResolveBroadcast returns the IPv4 limited broadcast address on port.
func (m *UDPModule) ResolveBroadcast(port int) (*Addr, error) {
	if m.conn == nil {
		return nil, ErrNotInitialized
	}
	return m.lookup(netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), uint16(port))), nil
}

func (m *UDPModule) lookup(ap netip.AddrPort) *Addr {
	if a, ok := m.addrs[ap]; ok {
		return a
	}
	a := NewAddr(m, ap)
	m.addrs[ap] = a
	return a
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// receiveLoop handles incoming UDP packets.
func (m *UDPModule) receiveLoop() {
	defer m.wg.Done()

	buf := make([]byte, m.config.MaxMessageSize)

	for {
		n, from, err := m.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.stopCh:
				return
			default:
				continue
			}
		}

		// Copy data (buf will be reused)
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case m.incoming <- datagram{from: unmap(from), data: data}:
		default:
			log.Debug().Str("from", from.String()).Msg("⚠️ udp receive queue full, dropping")
		}
	}
}
