package server

import (
	"strings"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

type harness struct {
	t    *testing.T
	mock *transport.MockModule
	clk  *clock.Mock
	srv  *Server
	seq  map[string]uint8
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	mock := transport.NewMockModule("mock")
	clk := clock.NewMock()
	srv := New(config, clk, mock)
	if err := srv.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return &harness{t: t, mock: mock, clk: clk, srv: srv, seq: make(map[string]uint8)}
}

func synPacket(magic uint32, data protocol.ConnectData, name string) *protocol.Packet {
	pkt := protocol.NewTyped(protocol.PacketSYN)
	pkt.WriteUint32(magic)
	protocol.WriteProtocolList(pkt)
	protocol.WriteConnectData(pkt, data)
	pkt.WriteString(name)
	return pkt
}

func (h *harness) deliver(addr string, pkt *protocol.Packet) {
	h.mock.SimulatePacket(addr, pkt)
	h.srv.Run()
}

func (h *harness) join(addr string, data protocol.ConnectData) {
	h.t.Helper()
	before := h.srv.NumNodes()
	h.deliver(addr, synPacket(protocol.MagicNumber, data, addr))
	if h.srv.NumNodes() != before+1 {
		h.t.Fatalf("%s was not admitted", addr)
	}
}

func (h *harness) reliable(addr string, typ protocol.PacketType, fill func(*protocol.Packet)) {
	pkt := protocol.NewTyped(typ | protocol.ReliableFlag)
	pkt.WriteUint8(h.seq[addr])
	h.seq[addr]++
	if fill != nil {
		fill(pkt)
	}
	h.deliver(addr, pkt)
}

// ackReliable acknowledges every reliable packet the server sent to addr.
func (h *harness) ackReliable(addr string) {
	for i := 0; i < 16; i++ {
		var last *transport.MockPacket
		for _, p := range h.mock.SentPackets() {
			if p.Addr == addr && p.Type().Reliable() {
				p := p
				last = &p
			}
		}
		if last == nil {
			return
		}
		seq, _ := last.Packet().ReadUint8()
		ack := protocol.NewTyped(protocol.PacketReliableACK)
		ack.WriteUint8(seq + 1)
		h.deliver(addr, ack)
		if h.srv.nodeQueue(addr) == 0 {
			return
		}
	}
}

func (s *Server) nodeQueue(addr string) int {
	for _, n := range s.nodes {
		if n.conn.Addr().String() == addr {
			return n.conn.ReliableQueued()
		}
	}
	return -1
}

func (h *harness) sentTo(addr string, typ protocol.PacketType) []transport.MockPacket {
	var out []transport.MockPacket
	for _, p := range h.mock.SentOfType(typ) {
		if p.Addr == addr {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) rejection(addr string) string {
	h.t.Helper()
	sent := h.sentTo(addr, protocol.PacketRejected)
	if len(sent) == 0 {
		return ""
	}
	reason, _ := sent[len(sent)-1].Packet().ReadString()
	return reason
}

// startGame takes a and b through launch and game start.
func (h *harness) startGame(settings protocol.GameSettings, addrs ...string) {
	h.t.Helper()
	h.reliable(addrs[0], protocol.PacketLaunch, nil)
	for _, a := range addrs {
		h.ackReliable(a)
	}
	h.srv.Run()
	if !h.srv.Lobby().AllReady() {
		h.t.Fatal("players not ready after acknowledging LAUNCH")
	}
	h.reliable(addrs[0], protocol.PacketGameStart, func(p *protocol.Packet) {
		protocol.WriteGameSettings(p, settings)
	})
	if h.srv.State() != protocol.ServerInGame {
		h.t.Fatalf("expected in game, got %s", h.srv.State())
	}
	for _, a := range addrs {
		h.ackReliable(a)
	}
}

func gameData(ack, seq uint8, fwd ...int8) *protocol.Packet {
	pkt := protocol.NewTyped(protocol.PacketGameData)
	pkt.WriteUint8(ack)
	pkt.WriteUint8(seq)
	pkt.WriteUint8(uint8(len(fwd)))
	for _, f := range fwd {
		pkt.WriteInt16(0)
		protocol.WriteTicDiff(pkt, protocol.TicDiff{Diff: protocol.DiffForward, Cmd: protocol.TicCmd{ForwardMove: f}}, false)
	}
	return pkt
}

func TestServer_AdmitsAndSendsWaitData(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{})

	sent := h.sentTo("a", protocol.PacketWaitingData)
	if len(sent) == 0 {
		t.Fatal("expected WAITING_DATA")
	}
	w, err := protocol.ReadWaitData(sent[0].Packet())
	if err != nil {
		t.Fatal(err)
	}
	if w.NumPlayers != 1 || !w.IsController || w.ConsolePlayer != 0 || w.PlayerNames[0] != "a" {
		t.Errorf("bad wait data %+v", w)
	}

	// A repeated SYN means our reply was lost: answer again, admit once.
	h.deliver("a", synPacket(protocol.MagicNumber, protocol.ConnectData{}, "a"))
	if h.srv.NumNodes() != 1 {
		t.Errorf("duplicate SYN admitted twice: %d nodes", h.srv.NumNodes())
	}
	if n := len(h.sentTo("a", protocol.PacketWaitingData)); n < 2 {
		t.Errorf("expected WAITING_DATA resent, got %d", n)
	}
}

func TestServer_Rejections(t *testing.T) {
	wadA := protocol.SHA1{0xaa}
	wadB := protocol.SHA1{0xbb}
	deh := protocol.SHA1{0xde}

	futureSYN := func() *protocol.Packet {
		pkt := protocol.NewTyped(protocol.PacketSYN)
		pkt.WriteUint32(protocol.MagicNumber)
		pkt.WriteUint8(1)
		pkt.WriteString("SOME_FUTURE_PROTOCOL")
		protocol.WriteConnectData(pkt, protocol.ConnectData{})
		pkt.WriteString("x")
		return pkt
	}

	tests := []struct {
		name   string
		config func(*Config)
		first  *protocol.ConnectData
		syn    *protocol.Packet
		reason string
	}{
		{
			name:   "old client",
			syn:    synPacket(protocol.OldMagicNumber, protocol.ConnectData{}, "x"),
			reason: "old client",
		},
		{
			name:   "no mutual protocol",
			syn:    futureSYN(),
			reason: "Version mismatch",
		},
		{
			name:   "wad differs from first node",
			first:  &protocol.ConnectData{WadSHA1: wadA},
			syn:    synPacket(protocol.MagicNumber, protocol.ConnectData{WadSHA1: wadB}, "x"),
			reason: "WAD checksum mismatch",
		},
		{
			name:   "configured deh",
			config: func(c *Config) { c.DehSHA1 = &deh },
			syn:    synPacket(protocol.MagicNumber, protocol.ConnectData{}, "x"),
			reason: "DEH checksum mismatch",
		},
		{
			name:   "game mode",
			first:  &protocol.ConnectData{GameMode: 1},
			syn:    synPacket(protocol.MagicNumber, protocol.ConnectData{GameMode: 2}, "x"),
			reason: "Game mismatch",
		},
		{
			name:   "full",
			config: func(c *Config) { c.MaxPlayers = 1 },
			first:  &protocol.ConnectData{},
			syn:    synPacket(protocol.MagicNumber, protocol.ConnectData{}, "x"),
			reason: "full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			if tt.config != nil {
				tt.config(&config)
			}
			h := newHarness(t, config)
			if tt.first != nil {
				h.join("first", *tt.first)
			}
			before := h.srv.NumNodes()

			h.deliver("x", tt.syn)
			if h.srv.NumNodes() != before {
				t.Fatal("rejected node was admitted")
			}
			if reason := h.rejection("x"); !strings.Contains(reason, tt.reason) {
				t.Errorf("expected reason containing %q, got %q", tt.reason, reason)
			}
			if len(h.sentTo("x", protocol.PacketWaitingData)) != 0 {
				t.Error("rejected node got WAITING_DATA")
			}
		})
	}
}

func TestServer_ChecksumMismatchNeverAdmits(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("first", protocol.ConnectData{WadSHA1: protocol.SHA1{1}})

	for i := 0; i < 20; i++ {
		data := protocol.ConnectData{
			GameMode:    0,
			Drone:       i%2 == 0,
			PlayerClass: uint8(i),
			LowResTurn:  i%3 == 0,
			WadSHA1:     protocol.SHA1{byte(i + 2)},
		}
		h.deliver("x", synPacket(protocol.MagicNumber, data, "x"))
		if h.srv.NumNodes() != 1 {
			t.Fatalf("variant %d admitted with a different checksum", i)
		}
	}
	if n := len(h.sentTo("x", protocol.PacketRejected)); n != 20 {
		t.Errorf("expected 20 rejections, got %d", n)
	}
}

func TestServer_UnknownMagicIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.deliver("x", synPacket(12345, protocol.ConnectData{}, "x"))
	if len(h.mock.SentPackets()) != 0 {
		t.Error("a SYN with unknown magic should get no answer")
	}
	// Truncated SYN is dropped too.
	h.deliver("x", protocol.NewPacketFrom([]byte{0, 0, 1}))
	if h.srv.NumNodes() != 0 {
		t.Error("malformed SYN admitted")
	}
}

func TestServer_LaunchAndStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{PlayerClass: 2})
	h.join("d", protocol.ConnectData{Drone: true})
	h.join("b", protocol.ConnectData{PlayerClass: 3})

	// Only the controller may launch.
	h.reliable("b", protocol.PacketLaunch, nil)
	if h.srv.State() != protocol.ServerWaitingLaunch {
		t.Fatal("non-controller launched the game")
	}

	h.reliable("a", protocol.PacketLaunch, nil)
	if h.srv.State() != protocol.ServerWaitingStart {
		t.Fatalf("expected waiting-start, got %s", h.srv.State())
	}
	launch := h.sentTo("b", protocol.PacketLaunch)
	if len(launch) == 0 {
		t.Fatal("expected LAUNCH broadcast")
	}
	p := launch[0].Packet()
	p.ReadUint8()
	if n, _ := p.ReadUint8(); n != 2 {
		t.Errorf("expected 2 players in LAUNCH, got %d", n)
	}

	// Starting before everyone is ready is ignored.
	h.reliable("a", protocol.PacketGameStart, func(p *protocol.Packet) {
		protocol.WriteGameSettings(p, protocol.GameSettings{TicDup: 1})
	})
	if h.srv.State() != protocol.ServerWaitingStart {
		t.Fatal("started before players were ready")
	}

	// Joining is closed once launched.
	h.deliver("late", synPacket(protocol.MagicNumber, protocol.ConnectData{}, "late"))
	if h.rejection("late") == "" {
		t.Error("late joiner should be rejected")
	}

	for _, a := range []string{"a", "b", "d"} {
		h.ackReliable(a)
	}
	h.srv.Run()
	h.reliable("a", protocol.PacketGameStart, func(p *protocol.Packet) {
		protocol.WriteGameSettings(p, protocol.GameSettings{TicDup: 1, Skill: 3, Map: 1})
	})
	if h.srv.State() != protocol.ServerInGame {
		t.Fatalf("expected in game, got %s", h.srv.State())
	}

	tests := []struct {
		addr    string
		console int8
	}{{"a", 0}, {"b", 1}, {"d", -1}}
	for _, tt := range tests {
		sent := h.sentTo(tt.addr, protocol.PacketGameStart)
		if len(sent) == 0 {
			t.Fatalf("%s: no GAMESTART", tt.addr)
		}
		p := sent[0].Packet()
		p.ReadUint8()
		s, err := protocol.ReadGameSettings(p)
		if err != nil {
			t.Fatalf("%s: %v", tt.addr, err)
		}
		if s.ConsolePlayer != tt.console || s.NumPlayers != 2 || s.Skill != 3 || s.Map != 1 {
			t.Errorf("%s: bad settings %+v", tt.addr, s)
		}
		if s.PlayerClasses[0] != 2 || s.PlayerClasses[1] != 3 {
			t.Errorf("%s: bad player classes %v", tt.addr, s.PlayerClasses)
		}
	}

	// Settings are fixed once the game runs.
	h.ackReliable("a")
	h.reliable("a", protocol.PacketGameStart, func(p *protocol.Packet) {
		protocol.WriteGameSettings(p, protocol.GameSettings{TicDup: 1, Skill: 5, Map: 9})
	})
	if got := h.srv.Settings(); got.Skill != 3 || got.Map != 1 {
		t.Errorf("settings changed in game: %+v", got)
	}
}

func TestServer_GameDataRelayAndResend(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{})
	h.join("b", protocol.ConnectData{})
	h.startGame(protocol.GameSettings{TicDup: 1}, "a", "b")

	h.deliver("a", gameData(0, 0, 10))
	if len(h.sentTo("a", protocol.PacketGameData)) != 0 {
		t.Fatal("bundle released before b contributed")
	}
	h.deliver("b", gameData(0, 0, 20))

	sent := h.sentTo("a", protocol.PacketGameData)
	if len(sent) != 1 {
		t.Fatalf("expected one GAMEDATA to a, got %d", len(sent))
	}
	p := sent[0].Packet()
	ack, _ := p.ReadUint8()
	seq, _ := p.ReadUint8()
	count, _ := p.ReadUint8()
	if ack != 1 || seq != 0 || count != 1 {
		t.Errorf("bad header ack=%d seq=%d count=%d", ack, seq, count)
	}
	cmd, err := protocol.ReadFullTicCmd(p, false)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Cmds[0].Cmd.ForwardMove != 10 || cmd.Cmds[1].Cmd.ForwardMove != 20 {
		t.Errorf("bad bundle %+v", cmd)
	}

	// a skips seq 1: the server asks for it.
	h.deliver("a", gameData(1, 2, 12))
	resend := h.sentTo("a", protocol.PacketGameDataResend)
	if len(resend) != 1 {
		t.Fatalf("expected one resend request, got %d", len(resend))
	}
	rp := resend[0].Packet()
	start, _ := rp.ReadUint32()
	n, _ := rp.ReadUint8()
	if start != 1 || n != 1 {
		t.Errorf("expected request for [1,1], got start=%d count=%d", start, n)
	}

	// b lost bundle 0 and asks for it again.
	req := protocol.NewTyped(protocol.PacketGameDataResend)
	req.WriteUint32(0)
	req.WriteUint8(1)
	h.deliver("b", req)
	if got := len(h.sentTo("b", protocol.PacketGameData)); got != 2 {
		t.Errorf("expected bundle 0 replayed to b, got %d GAMEDATA", got)
	}
}

func TestServer_DesyncDrop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{})
	h.join("b", protocol.ConnectData{})
	h.join("c", protocol.ConnectData{})
	h.startGame(protocol.GameSettings{TicDup: 1}, "a", "b", "c")

	// c contributes but never acknowledges a bundle.
	for i := 0; i <= protocol.BackupTics; i++ {
		seq := uint8(i)
		h.deliver("a", gameData(seq, seq, 1))
		h.deliver("b", gameData(seq, seq, 1))
		h.deliver("c", gameData(0, seq, 1))
	}
	h.srv.Run()

	if h.srv.Aggregator().InGame(2) {
		t.Error("lagging player still in game")
	}
	if h.srv.Lobby().NumPlayers() != 2 {
		t.Errorf("expected 2 players left, got %d", h.srv.Lobby().NumPlayers())
	}
	if len(h.sentTo("c", protocol.PacketDisconnect)) == 0 {
		t.Error("dropped node should be told to disconnect")
	}
	if h.srv.State() != protocol.ServerInGame {
		t.Errorf("game should go on without c, got %s", h.srv.State())
	}
}

func TestServer_LastPlayerLeavingEndsGame(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{})
	h.startGame(protocol.GameSettings{TicDup: 1}, "a")

	h.deliver("a", protocol.NewTyped(protocol.PacketDisconnect))
	if len(h.sentTo("a", protocol.PacketDisconnectACK)) != 1 {
		t.Fatal("expected DISCONNECT_ACK")
	}
	if h.srv.State() != protocol.ServerWaitingLaunch {
		t.Errorf("expected waiting after the last player left, got %s", h.srv.State())
	}
	if h.srv.NumNodes() != 0 {
		t.Errorf("expected empty lobby, got %d", h.srv.NumNodes())
	}
	if h.srv.Idle() {
		t.Error("connection should linger to re-acknowledge")
	}
	h.clk.Add(protocol.DisconnectSleep)
	h.srv.Run()
	if !h.srv.Idle() {
		t.Error("connection should be freed after the linger period")
	}
	if freed := h.mock.Freed(); len(freed) != 1 || freed[0] != "a" {
		t.Errorf("expected address a freed, got %v", freed)
	}
}

func TestServer_QueryRateLimited(t *testing.T) {
	config := DefaultConfig()
	config.QueryRate = 1
	config.QueryBurst = 2
	config.Description = "test box"
	h := newHarness(t, config)

	for i := 0; i < 3; i++ {
		h.deliver("q", protocol.NewTyped(protocol.PacketQuery))
	}
	sent := h.sentTo("q", protocol.PacketQueryResponse)
	if len(sent) != 2 {
		t.Fatalf("expected 2 responses within burst, got %d", len(sent))
	}
	q, err := protocol.ReadQueryData(sent[0].Packet())
	if err != nil {
		t.Fatal(err)
	}
	if q.Description != "test box" || q.State != protocol.ServerWaitingLaunch || q.MaxPlayers != protocol.MaxPlayers {
		t.Errorf("bad query data %+v", q)
	}
	if h.srv.NumNodes() != 0 {
		t.Error("queries must not create session state")
	}
}

func TestServer_Console(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.join("a", protocol.ConnectData{})
	h.srv.BroadcastConsole("hello all")
	h.srv.Run()

	sent := h.sentTo("a", protocol.PacketConsoleMessage)
	if len(sent) != 1 || !sent[0].Type().Reliable() {
		t.Fatalf("expected one reliable console message, got %d", len(sent))
	}
	p := sent[0].Packet()
	p.ReadUint8()
	if msg, _ := p.ReadString(); msg != "hello all" {
		t.Errorf("expected message, got %q", msg)
	}
}

func TestServer_MasterRegistration(t *testing.T) {
	config := DefaultConfig()
	config.MasterAddr = "master"
	mock := transport.NewMockModule("mock")
	mock.AllowResolve("master")
	mock.AllowResolve("10.9.9.9:2342")
	clk := clock.NewMock()
	srv := New(config, clk, mock)
	if err := srv.Init(); err != nil {
		t.Fatal(err)
	}

	srv.Run()
	var adds int
	for _, p := range mock.SentPackets() {
		if p.Addr == "master" {
			adds++
		}
	}
	if adds != 1 {
		t.Fatalf("expected one ADD to master, got %d", adds)
	}

	resp := protocol.NewMaster(protocol.MasterAddResponse)
	resp.WriteUint16(1)
	mock.SimulatePacket("master", resp)
	srv.Run()
	if !srv.Registered() {
		t.Error("expected registration to succeed")
	}

	// The master verifies us with an ordinary query.
	mock.SimulatePacket("master", protocol.NewTyped(protocol.PacketQuery))
	srv.Run()
	var answered bool
	for _, p := range mock.SentOfType(protocol.PacketQueryResponse) {
		answered = answered || p.Addr == "master"
	}
	if !answered {
		t.Error("master's query went unanswered")
	}

	punch := protocol.NewMaster(protocol.MasterNATHolePunch)
	punch.WriteString("10.9.9.9:2342")
	mock.SimulatePacket("master", punch)
	srv.Run()
	var punched bool
	for _, p := range mock.SentOfType(protocol.PacketNATHolePunch) {
		punched = punched || p.Addr == "10.9.9.9:2342"
	}
	if !punched {
		t.Error("expected hole punch towards the client")
	}

	clk.Add(protocol.MasterRefreshPeriod)
	srv.Run()
	adds = 0
	for _, p := range mock.SentPackets() {
		if p.Addr == "master" && p.Type() == protocol.PacketType(protocol.MasterAdd) {
			adds++
		}
	}
	if adds != 2 {
		t.Errorf("expected a refresh ADD, got %d", adds)
	}
}
