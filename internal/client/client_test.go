package client

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LemmyAI/lockstep/internal/lockstep"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

type harness struct {
	t      *testing.T
	mock   *transport.MockModule
	clk    *clock.Mock
	client *Client
	seq    uint8
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := transport.NewMockModule("mock")
	mock.AllowResolve("srv")
	clk := clock.NewMock()
	c := New(mock, clk, "tester", protocol.ConnectData{})
	if err := c.Connect("srv"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return &harness{t: t, mock: mock, clk: clk, client: c}
}

func (h *harness) deliver(pkt *protocol.Packet) {
	h.mock.SimulatePacket("srv", pkt)
	h.client.Run()
}

func (h *harness) reliable(typ protocol.PacketType, fill func(*protocol.Packet)) {
	pkt := protocol.NewTyped(typ | protocol.ReliableFlag)
	pkt.WriteUint8(h.seq)
	h.seq++
	fill(pkt)
	h.deliver(pkt)
}

func (h *harness) waitData(w protocol.WaitData) {
	pkt := protocol.NewTyped(protocol.PacketWaitingData)
	protocol.WriteWaitData(pkt, w)
	h.deliver(pkt)
}

func (h *harness) start(settings protocol.GameSettings) {
	h.t.Helper()
	h.waitData(protocol.WaitData{NumPlayers: 1, MaxPlayers: 8, IsController: true})
	h.reliable(protocol.PacketGameStart, func(p *protocol.Packet) { protocol.WriteGameSettings(p, settings) })
	if h.client.State() != StateRunning {
		h.t.Fatalf("state = %s, want running", h.client.State())
	}
}

func bundlePacket(ack, seq uint8, moves ...int8) *protocol.Packet {
	pkt := protocol.NewTyped(protocol.PacketGameData)
	pkt.WriteUint8(ack)
	pkt.WriteUint8(seq)
	pkt.WriteUint8(uint8(len(moves)))
	for _, m := range moves {
		var cmd protocol.FullTicCmd
		cmd.PlayerInGame[0] = true
		cmd.Cmds[0] = protocol.Diff(protocol.TicCmd{}, protocol.TicCmd{ForwardMove: m})
		protocol.WriteFullTicCmd(pkt, cmd, false)
	}
	return pkt
}

type gameData struct {
	ack, seq, count uint8
}

func (h *harness) sentGameData() []gameData {
	var out []gameData
	for _, p := range h.mock.SentOfType(protocol.PacketGameData) {
		pkt := p.Packet()
		var g gameData
		g.ack, _ = pkt.ReadUint8()
		g.seq, _ = pkt.ReadUint8()
		g.count, _ = pkt.ReadUint8()
		out = append(out, g)
	}
	return out
}

var single = protocol.GameSettings{TicDup: 1, ExtraTics: 1, NumPlayers: 1, ConsolePlayer: 0}

func TestClient_ConnectTimesOut(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < protocol.MaxRetries; i++ {
		h.clk.Add(time.Second)
		h.client.Run()
	}

	if n := len(h.mock.SentOfType(protocol.PacketSYN)); n != protocol.MaxRetries {
		t.Errorf("SYN count = %d, want %d", n, protocol.MaxRetries)
	}
	if h.client.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.client.State())
	}
	if !errors.Is(h.client.Err(), ErrTimedOut) {
		t.Errorf("err = %v, want ErrTimedOut", h.client.Err())
	}
}

func TestClient_SYNFormat(t *testing.T) {
	h := newHarness(t)

	syns := h.mock.SentOfType(protocol.PacketSYN)
	if len(syns) != 1 {
		t.Fatalf("SYN count = %d, want 1", len(syns))
	}
	pkt := syns[0].Packet()
	magic, _ := pkt.ReadUint32()
	if magic != protocol.MagicNumber {
		t.Errorf("magic = %d", magic)
	}
	proto, err := protocol.ReadProtocolList(pkt)
	if err != nil || proto == protocol.ProtocolUnknown {
		t.Errorf("protocol list = %v, %v", proto, err)
	}
	if _, err := protocol.ReadConnectData(pkt); err != nil {
		t.Fatalf("ReadConnectData: %v", err)
	}
	if name, _ := pkt.ReadString(); name != "tester" {
		t.Errorf("name = %q", name)
	}
}

func TestClient_Rejected(t *testing.T) {
	h := newHarness(t)

	pkt := protocol.NewTyped(protocol.PacketRejected)
	pkt.WriteString("The server is full!")
	h.deliver(pkt)

	var rej *RejectedError
	if !errors.As(h.client.Err(), &rej) {
		t.Fatalf("err = %v, want *RejectedError", h.client.Err())
	}
	if !strings.Contains(rej.Reason, "full") {
		t.Errorf("reason = %q", rej.Reason)
	}
	if h.client.State() != StateDisconnected {
		t.Errorf("state = %s", h.client.State())
	}

	// No more SYNs after a rejection.
	h.clk.Add(time.Second)
	h.client.Run()
	if n := len(h.mock.SentOfType(protocol.PacketSYN)); n != 1 {
		t.Errorf("SYN count = %d, want 1", n)
	}
}

func TestClient_WaitRoom(t *testing.T) {
	h := newHarness(t)

	h.waitData(protocol.WaitData{NumPlayers: 2, ReadyPlayers: 1, MaxPlayers: 8, IsController: true})
	if h.client.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting", h.client.State())
	}

	settings := protocol.GameSettings{TicDup: 1, Skill: 3, Map: 1}
	if err := h.client.StartGame(settings); !errors.Is(err, ErrNotLaunched) {
		t.Errorf("StartGame before launch = %v, want ErrNotLaunched", err)
	}
	if err := h.client.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	h.client.Run()
	if n := len(h.mock.SentOfType(protocol.PacketLaunch)); n != 1 {
		t.Errorf("LAUNCH count = %d, want 1", n)
	}

	h.reliable(protocol.PacketLaunch, func(p *protocol.Packet) { p.WriteUint8(2) })
	if !h.client.Launched() {
		t.Fatal("client should be launched")
	}
	if err := h.client.StartGame(settings); !errors.Is(err, ErrNotReady) {
		t.Errorf("StartGame before ready = %v, want ErrNotReady", err)
	}

	h.waitData(protocol.WaitData{NumPlayers: 2, ReadyPlayers: 2, MaxPlayers: 8, IsController: true})
	if err := h.client.StartGame(protocol.GameSettings{TicDup: 0}); !errors.Is(err, protocol.ErrBadSettings) {
		t.Errorf("StartGame with ticdup 0 = %v, want ErrBadSettings", err)
	}
	if err := h.client.StartGame(settings); err != nil {
		t.Errorf("StartGame: %v", err)
	}
}

func TestClient_NotController(t *testing.T) {
	h := newHarness(t)
	h.waitData(protocol.WaitData{NumPlayers: 2, MaxPlayers: 8, ConsolePlayer: 1})

	if err := h.client.Launch(); !errors.Is(err, ErrNotController) {
		t.Errorf("Launch = %v, want ErrNotController", err)
	}
	if err := h.client.StartGame(protocol.GameSettings{TicDup: 1}); !errors.Is(err, ErrNotController) {
		t.Errorf("StartGame = %v, want ErrNotController", err)
	}
}

func TestClient_SendTicsWithExtraTics(t *testing.T) {
	h := newHarness(t)
	h.start(single)

	for i := 0; i < 2; i++ {
		if _, err := h.client.SendTic(protocol.TicCmd{ForwardMove: int8(i + 1)}, 0); err != nil {
			t.Fatalf("SendTic %d: %v", i, err)
		}
	}
	sent := h.sentGameData()
	want := []gameData{{0, 0, 1}, {0, 0, 2}}
	if len(sent) != len(want) {
		t.Fatalf("sent %d GAMEDATA, want %d", len(sent), len(want))
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("packet %d = %+v, want %+v", i, sent[i], want[i])
		}
	}

	// The server acknowledges both tics and sends bundle 0.
	h.deliver(bundlePacket(2, 0, 7))
	tic, ok := h.client.NextBundle()
	if !ok {
		t.Fatal("expected bundle 0")
	}
	if tic.Seq != 0 || tic.Cmds[0].ForwardMove != 7 {
		t.Errorf("tic = %+v", tic)
	}
	if _, ok := h.client.NextBundle(); ok {
		t.Error("bundle 1 has not arrived")
	}

	h.mock.Clear()
	if _, err := h.client.SendTic(protocol.TicCmd{}, 0); err != nil {
		t.Fatal(err)
	}
	sent = h.sentGameData()
	if len(sent) != 1 || sent[0] != (gameData{1, 2, 1}) {
		t.Errorf("after ack sent %+v, want [{1 2 1}]", sent)
	}
}

func TestClient_RunAheadLimit(t *testing.T) {
	h := newHarness(t)
	h.start(protocol.GameSettings{TicDup: 1, NumPlayers: 1})

	for i := 0; i < protocol.BackupTics/2; i++ {
		if _, err := h.client.SendTic(protocol.TicCmd{}, 0); err != nil {
			t.Fatalf("SendTic %d: %v", i, err)
		}
	}
	if h.client.CanBuild() {
		t.Error("CanBuild should be false a half window ahead")
	}
	if _, err := h.client.SendTic(protocol.TicCmd{}, 0); !errors.Is(err, lockstep.ErrNothingToBuild) {
		t.Errorf("SendTic = %v, want ErrNothingToBuild", err)
	}

	h.deliver(bundlePacket(0, 0, 1))
	if _, ok := h.client.NextBundle(); !ok {
		t.Fatal("expected bundle 0")
	}
	if !h.client.CanBuild() {
		t.Error("CanBuild should be true after a bundle is consumed")
	}
}

func TestClient_RequestsMissingBundles(t *testing.T) {
	h := newHarness(t)
	h.start(single)

	h.deliver(bundlePacket(0, 1, 2))
	resends := h.mock.SentOfType(protocol.PacketGameDataResend)
	if len(resends) != 1 {
		t.Fatalf("resend requests = %d, want 1", len(resends))
	}
	pkt := resends[0].Packet()
	start, _ := pkt.ReadUint32()
	count, _ := pkt.ReadUint8()
	if start != 0 || count != 1 {
		t.Errorf("resend = [%d,+%d], want [0,+1]", start, count)
	}

	h.client.Run()
	if n := len(h.mock.SentOfType(protocol.PacketGameDataResend)); n != 1 {
		t.Errorf("resend requests = %d, want still 1", n)
	}
	h.clk.Add(protocol.ResendTimeout)
	h.client.Run()
	if n := len(h.mock.SentOfType(protocol.PacketGameDataResend)); n != 2 {
		t.Errorf("resend requests = %d, want 2 after timeout", n)
	}
	if h.client.ResendRequests() != 2 {
		t.Errorf("ResendRequests = %d", h.client.ResendRequests())
	}

	h.deliver(bundlePacket(0, 0, 1))
	for seq := uint32(0); seq < 2; seq++ {
		tic, ok := h.client.NextBundle()
		if !ok || tic.Seq != seq || tic.Cmds[0].ForwardMove != int8(seq+1) {
			t.Errorf("bundle %d = %+v, %v", seq, tic, ok)
		}
	}
}

func TestClient_ResendsOnRequest(t *testing.T) {
	h := newHarness(t)
	h.start(protocol.GameSettings{TicDup: 1, NumPlayers: 1})
	for i := 0; i < 3; i++ {
		if _, err := h.client.SendTic(protocol.TicCmd{}, 0); err != nil {
			t.Fatal(err)
		}
	}
	h.mock.Clear()

	pkt := protocol.NewTyped(protocol.PacketGameDataResend)
	pkt.WriteUint32(1)
	pkt.WriteUint8(2)
	h.deliver(pkt)

	sent := h.sentGameData()
	if len(sent) != 1 || sent[0].seq != 1 || sent[0].count != 2 {
		t.Errorf("resent %+v, want seq 1 count 2", sent)
	}
}

func TestClient_AcksBundles(t *testing.T) {
	h := newHarness(t)
	h.start(single)

	h.deliver(bundlePacket(0, 0, 1, 2))
	h.client.NextBundle()
	h.client.NextBundle()
	h.clk.Add(protocol.AckPeriod)
	h.client.Run()

	acks := h.mock.SentOfType(protocol.PacketGameDataACK)
	if len(acks) == 0 {
		t.Fatal("no GAMEDATA_ACK sent")
	}
	if v, _ := acks[len(acks)-1].Packet().ReadUint8(); v != 2 {
		t.Errorf("ack = %d, want 2", v)
	}
}

func TestClient_Drone(t *testing.T) {
	h := newHarness(t)
	h.start(protocol.GameSettings{TicDup: 1, NumPlayers: 1, ConsolePlayer: -1})

	if _, err := h.client.SendTic(protocol.TicCmd{}, 0); !errors.Is(err, ErrDrone) {
		t.Errorf("SendTic = %v, want ErrDrone", err)
	}
	h.deliver(bundlePacket(0, 0, 3))
	if _, ok := h.client.NextBundle(); !ok {
		t.Error("drones still receive bundles")
	}
}

func TestClient_Console(t *testing.T) {
	h := newHarness(t)
	h.waitData(protocol.WaitData{NumPlayers: 1, MaxPlayers: 8})

	var got []string
	h.client.OnConsole(func(msg string) { got = append(got, msg) })
	h.reliable(protocol.PacketConsoleMessage, func(p *protocol.Packet) { p.WriteString("hello") })

	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("console = %v", got)
	}
}

func TestClient_Disconnect(t *testing.T) {
	h := newHarness(t)
	h.waitData(protocol.WaitData{NumPlayers: 1, MaxPlayers: 8})

	h.client.Disconnect()
	h.client.Run()
	if n := len(h.mock.SentOfType(protocol.PacketDisconnect)); n != 1 {
		t.Fatalf("DISCONNECT count = %d, want 1", n)
	}
	h.deliver(protocol.NewTyped(protocol.PacketDisconnectACK))

	if h.client.State() != StateDisconnected {
		t.Errorf("state = %s", h.client.State())
	}
	if h.client.Err() != nil {
		t.Errorf("err = %v, want nil", h.client.Err())
	}
}

func TestClient_ServerDisconnects(t *testing.T) {
	h := newHarness(t)
	h.waitData(protocol.WaitData{NumPlayers: 1, MaxPlayers: 8})

	h.deliver(protocol.NewTyped(protocol.PacketDisconnect))
	if h.client.State() != StateDisconnecting {
		t.Fatalf("state = %s, want disconnecting", h.client.State())
	}
	h.clk.Add(protocol.DisconnectSleep)
	h.client.Run()
	if h.client.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.client.State())
	}
}
