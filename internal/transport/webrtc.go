package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// DataChannelLabel names the channel every peer opens.
const DataChannelLabel = "lockstep"

var errChannelNotOpen = errors.New("data channel not open")

// DefaultICEServers are public STUN servers.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}

// SignalMessage is exchanged over the signaling websocket.
type SignalMessage struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	SDP  string `json:"sdp"`
}

// rtcPeer is one peer connection with its single data channel.
type rtcPeer struct {
	id string
	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel
}

func (p *rtcPeer) channel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

func (p *rtcPeer) setChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = dc
}

type rtcMessage struct {
	peer *rtcPeer
	data []byte
}

// WebRTCModule carries datagrams over unordered, zero-retransmit WebRTC
// data channels, so browsers and NAT-bound nodes behave like UDP peers.
// Offers and answers travel over a short-lived websocket; ICE candidates
// are gathered up front instead of trickled.
type WebRTCModule struct {
	config     Config
	api        *webrtc.API
	rtcConfig  webrtc.Configuration
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
	incoming   chan rtcMessage
	addrs      map[*rtcPeer]*Addr
	ready      bool
	openWindow time.Duration
}

// NewWebRTCModule creates a module using the given ICE servers. With an
// empty list only host candidates are gathered, loopback included.
func NewWebRTCModule(config Config, iceURLs []string) *WebRTCModule {
	var rtcConfig webrtc.Configuration
	if len(iceURLs) > 0 {
		rtcConfig.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(true)
	return &WebRTCModule{
		config:    config,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		rtcConfig: rtcConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer:     &websocket.Dialer{HandshakeTimeout: config.DialTimeout},
		incoming:   make(chan rtcMessage, config.RecvQueueSize),
		addrs:      make(map[*rtcPeer]*Addr),
		openWindow: config.DialTimeout,
	}
}

func (m *WebRTCModule) Name() string { return "webrtc" }

func (m *WebRTCModule) InitClient() error {
	m.ready = true
	return nil
}

func (m *WebRTCModule) InitServer() error {
	m.ready = true
	return nil
}

func (m *WebRTCModule) newPeer(id string) (*rtcPeer, error) {
	pc, err := m.api.NewPeerConnection(m.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	peer := &rtcPeer{id: id, pc: pc}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", id).Str("state", state.String()).Msg("🎥 webrtc connection state")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			peer.setChannel(nil)
		}
	})
	return peer, nil
}

func (m *WebRTCModule) attach(peer *rtcPeer, dc *webrtc.DataChannel) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case m.incoming <- rtcMessage{peer: peer, data: msg.Data}:
		default:
			log.Debug().Str("peer", peer.id).Msg("⚠️ webrtc receive queue full, dropping")
		}
	})
}

// ServeHTTP answers one offer on a signaling websocket, then closes it.
func (m *WebRTCModule) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("❌ signaling upgrade failed")
		return
	}
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
	var offer SignalMessage
	if err := ws.ReadJSON(&offer); err != nil || offer.Type != "offer" {
		log.Warn().Err(err).Str("type", offer.Type).Msg("❌ bad signaling offer")
		return
	}

	answer, err := m.answer(offer)
	if err != nil {
		log.Warn().Err(err).Str("peer", offer.ID).Msg("❌ webrtc answer failed")
		return
	}
	if err := ws.WriteJSON(answer); err != nil {
		log.Warn().Err(err).Str("peer", offer.ID).Msg("❌ signaling write failed")
	}
}

func (m *WebRTCModule) answer(offer SignalMessage) (SignalMessage, error) {
	peer, err := m.newPeer(offer.ID)
	if err != nil {
		return SignalMessage{}, err
	}
	peer.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		m.attach(peer, dc)
		peer.setChannel(dc)
		log.Info().Str("peer", peer.id).Msg("✅ webrtc data channel open")
	})

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		peer.pc.Close()
		return SignalMessage{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		peer.pc.Close()
		return SignalMessage{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(peer.pc)
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		peer.pc.Close()
		return SignalMessage{}, fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	return SignalMessage{Type: "answer", ID: offer.ID, SDP: peer.pc.LocalDescription().SDP}, nil
}

// ResolveAddress negotiates a data channel with the signaling endpoint at
// name (a ws:// URL) and waits for it to open.
func (m *WebRTCModule) ResolveAddress(name string) (*Addr, error) {
	if !strings.HasPrefix(name, "ws://") && !strings.HasPrefix(name, "wss://") {
		name = "ws://" + name
	}
	peer, err := m.newPeer(uuid.New().String()[:8])
	if err != nil {
		return nil, err
	}

	ordered := false
	retransmits := uint16(0)
	dc, err := peer.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		peer.pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	m.attach(peer, dc)

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		peer.pc.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(peer.pc)
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		peer.pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	answer, err := m.signal(name, SignalMessage{Type: "offer", ID: peer.id, SDP: peer.pc.LocalDescription().SDP})
	if err != nil {
		peer.pc.Close()
		return nil, err
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		peer.pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-time.After(m.openWindow):
		peer.pc.Close()
		return nil, fmt.Errorf("resolve %s: %w", name, ErrUnreachable)
	}
	peer.setChannel(dc)
	return m.lookup(peer), nil
}

func (m *WebRTCModule) signal(url string, offer SignalMessage) (SignalMessage, error) {
	ws, _, err := m.dialer.Dial(url, nil)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(offer); err != nil {
		return SignalMessage{}, fmt.Errorf("send offer: %w", err)
	}
	ws.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
	var answer SignalMessage
	if err := ws.ReadJSON(&answer); err != nil {
		return SignalMessage{}, fmt.Errorf("read answer: %w", err)
	}
	if answer.Type != "answer" {
		return SignalMessage{}, fmt.Errorf("unexpected signaling message %q", answer.Type)
	}
	return answer, nil
}

func (m *WebRTCModule) SendPacket(addr *Addr, pkt *protocol.Packet) error {
	if !m.ready {
		return ErrNotInitialized
	}
	if addr.module != Module(m) {
		return ErrWrongModule
	}
	peer := addr.handle.(*rtcPeer)
	dc := peer.channel()
	if dc == nil {
		return fmt.Errorf("webrtc %s: %w", peer.id, errChannelNotOpen)
	}
	return dc.Send(pkt.Bytes())
}

func (m *WebRTCModule) RecvPacket() (*Addr, *protocol.Packet, bool) {
	select {
	case msg := <-m.incoming:
		return m.lookup(msg.peer).Reference(), protocol.NewPacketFrom(msg.data), true
	default:
		return nil, nil, false
	}
}

func (m *WebRTCModule) AddrToString(addr *Addr) string {
	return "webrtc:" + addr.handle.(*rtcPeer).id
}

// FreeAddress tears down the peer connection behind addr.
func (m *WebRTCModule) FreeAddress(addr *Addr) {
	peer := addr.handle.(*rtcPeer)
	if m.addrs[peer] == addr {
		delete(m.addrs, peer)
		if err := peer.pc.Close(); err != nil {
			log.Debug().Err(err).Str("peer", peer.id).Msg("webrtc close")
		}
	}
}

func (m *WebRTCModule) Close() error {
	for peer := range m.addrs {
		peer.pc.Close()
	}
	m.addrs = make(map[*rtcPeer]*Addr)
	return nil
}

func (m *WebRTCModule) lookup(peer *rtcPeer) *Addr {
	if a, ok := m.addrs[peer]; ok {
		return a
	}
	a := NewAddr(m, peer)
	m.addrs[peer] = a
	return a
}
