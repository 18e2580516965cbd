package transport

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// wsPeer is one websocket connection. Each binary message is one datagram.
type wsPeer struct {
	name string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (p *wsPeer) write(data []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("websocket %s: %w", p.name, ErrUnreachable)
	}
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}

type wsMessage struct {
	peer *wsPeer
	data []byte
}

// WebSocketModule carries datagrams over websocket connections, for nodes
// that cannot open UDP sockets. On a server it is an http.Handler; clients
// resolve ws:// or wss:// URLs by dialing them.
type WebSocketModule struct {
	config   Config
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	incoming chan wsMessage
	addrs    map[*wsPeer]*Addr
	ready    bool
}

// NewWebSocketModule creates a websocket module.
func NewWebSocketModule(config Config) *WebSocketModule {
	return &WebSocketModule{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.MaxMessageSize,
			WriteBufferSize: config.MaxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.DialTimeout,
		},
		incoming: make(chan wsMessage, config.RecvQueueSize),
		addrs:    make(map[*wsPeer]*Addr),
	}
}

func (m *WebSocketModule) Name() string { return "websocket" }

func (m *WebSocketModule) InitClient() error {
	m.ready = true
	return nil
}

func (m *WebSocketModule) InitServer() error {
	m.ready = true
	return nil
}

// ServeHTTP upgrades a request and starts reading datagrams from it.
func (m *WebSocketModule) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("❌ websocket upgrade failed")
		return
	}
	peer := &wsPeer{name: "ws://" + r.RemoteAddr, conn: conn}
	log.Info().Str("remote", peer.name).Msg("✅ websocket peer connected")
	go m.readLoop(peer)
}

func (m *WebSocketModule) readLoop(peer *wsPeer) {
	defer peer.close()
	peer.conn.SetReadLimit(int64(m.config.MaxMessageSize))

	for {
		kind, data, err := peer.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("remote", peer.name).Msg("❎ websocket peer closed")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		select {
		case m.incoming <- wsMessage{peer: peer, data: data}:
		default:
			log.Debug().Str("remote", peer.name).Msg("⚠️ websocket receive queue full, dropping")
		}
	}
}

func (m *WebSocketModule) Close() error {
	for peer := range m.addrs {
		peer.close()
	}
	m.addrs = make(map[*wsPeer]*Addr)
	return nil
}

func (m *WebSocketModule) SendPacket(addr *Addr, pkt *protocol.Packet) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if addr.module != Module(m) {
		return ErrWrongModule
	}
	return addr.handle.(*wsPeer).write(pkt.Bytes(), m.config.WriteTimeout)
}

func (m *WebSocketModule) RecvPacket() (*Addr, *protocol.Packet, bool) {
	select {
	case msg := <-m.incoming:
		return m.lookup(msg.peer).Reference(), protocol.NewPacketFrom(msg.data), true
	default:
		return nil, nil, false
	}
}

func (m *WebSocketModule) AddrToString(addr *Addr) string {
	return addr.handle.(*wsPeer).name
}

// FreeAddress closes the connection behind addr.
func (m *WebSocketModule) FreeAddress(addr *Addr) {
	peer := addr.handle.(*wsPeer)
	if m.addrs[peer] == addr {
		delete(m.addrs, peer)
		peer.close()
	}
}

// ResolveAddress dials a websocket URL.
func (m *WebSocketModule) ResolveAddress(name string) (*Addr, error) {
	if !strings.HasPrefix(name, "ws://") && !strings.HasPrefix(name, "wss://") {
		name = "ws://" + name
	}
	conn, _, err := m.dialer.Dial(name, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	peer := &wsPeer{name: name, conn: conn}
	go m.readLoop(peer)
	return m.lookup(peer), nil
}

func (m *WebSocketModule) lookup(peer *wsPeer) *Addr {
	if a, ok := m.addrs[peer]; ok {
		return a
	}
	a := NewAddr(m, peer)
	m.addrs[peer] = a
	return a
}
