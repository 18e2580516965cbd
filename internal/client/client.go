// Package client implements the client side of a session: connecting,
// the wait room, and sending and receiving tics once the game runs.
package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/conn"
	"github.com/LemmyAI/lockstep/internal/lockstep"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

// State of a client session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateWaiting
	StateRunning
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// maxTicsPerPacket bounds the tics in one GAMEDATA packet.
const maxTicsPerPacket = 16

// Client is one session client. Drive it by calling Run from a loop; it
// is not safe for concurrent use.
type Client struct {
	ID     string
	module transport.Module
	clock  clock.Clock
	log    zerolog.Logger

	name string
	data protocol.ConnectData

	state State
	conn  *conn.Conn
	err   error

	synSent    time.Time
	synRetries int

	waitData   protocol.WaitData
	launched   bool
	numPlayers int
	settings   protocol.GameSettings

	recv     lockstep.Receiver
	sendq    lockstep.SendQueue
	expander lockstep.Expander
	prevCmd  protocol.TicCmd

	ackDirty  bool
	lastAck   time.Time
	resends   int
	consoleFn func(string)
}

// New creates a client that will connect through module.
func New(module transport.Module, clk clock.Clock, name string, data protocol.ConnectData) *Client {
	if clk == nil {
		clk = clock.New()
	}
	id := uuid.New().String()[:8]
	return &Client{
		ID:     id,
		module: module,
		clock:  clk,
		log:    log.With().Str("client", id).Logger(),
		name:   protocol.TruncateName(name),
		data:   data,
	}
}

func (c *Client) State() State { return c.state }

// Err is why the session ended, if it ended badly.
func (c *Client) Err() error { return c.err }

func (c *Client) WaitData() protocol.WaitData { return c.waitData }

func (c *Client) Launched() bool { return c.launched }

func (c *Client) Settings() protocol.GameSettings { return c.settings }

// ResendRequests counts GAMEDATA_RESEND packets sent.
func (c *Client) ResendRequests() int { return c.resends }

// OnConsole sets a callback for server console messages.
func (c *Client) OnConsole(fn func(string)) { c.consoleFn = fn }

// Connect starts connecting to the named server. Progress happens in Run.
func (c *Client) Connect(server string) error {
	if c.state != StateDisconnected {
		return fmt.Errorf("connect: already %s", c.state)
	}
	if err := c.module.InitClient(); err != nil {
		return fmt.Errorf("init %s: %w", c.module.Name(), err)
	}
	addr, err := c.module.ResolveAddress(server)
	if err != nil {
		return err
	}

	if c.conn != nil {
		c.conn.Release()
	}
	c.conn = conn.NewClient(addr, protocol.ProtocolUnknown, c.clock)
	c.state = StateConnecting
	c.err = nil
	c.synRetries = 0
	c.sendSYN()
	c.log.Info().Str("server", addr.String()).Msg("🔌 connecting")
	return nil
}

func (c *Client) sendSYN() {
	pkt := protocol.NewTyped(protocol.PacketSYN)
	pkt.WriteUint32(protocol.MagicNumber)
	protocol.WriteProtocolList(pkt)
	protocol.WriteConnectData(pkt, c.data)
	pkt.WriteString(c.name)
	c.send(pkt)
	c.synSent = c.clock.Now()
	c.synRetries++
}

func (c *Client) send(pkt *protocol.Packet) {
	if err := c.conn.Send(pkt); err != nil {
		c.log.Debug().Err(err).Msg("⚠️ send failed")
	}
}

// Run processes received packets and timed work. It never blocks.
func (c *Client) Run() {
	if c.conn == nil {
		return
	}
	for {
		addr, pkt, ok := c.module.RecvPacket()
		if !ok {
			break
		}
		if addr.Equal(c.conn.Addr()) {
			c.handlePacket(pkt)
		}
		addr.Release()
		if c.conn == nil {
			return
		}
	}

	if c.state == StateConnecting && c.clock.Since(c.synSent) >= time.Second {
		if c.synRetries >= protocol.MaxRetries {
			c.finish(ErrTimedOut)
			return
		}
		c.sendSYN()
	}

	c.conn.Run()
	if c.conn.State() == conn.StateDisconnectedSleep && (c.state == StateWaiting || c.state == StateRunning) {
		c.log.Info().Msg("🛑 server closed the connection")
		c.state = StateDisconnecting
	}
	if c.conn.Disconnected() {
		var err error
		if c.conn.Reason() == conn.ReasonTimeout {
			err = ErrTimedOut
		}
		c.finish(err)
		return
	}
	if c.state == StateRunning {
		c.sendAck()
		c.requestGaps()
	}
}

// finish ends the session.
func (c *Client) finish(err error) {
	if c.state == StateDisconnected {
		return
	}
	if c.err == nil {
		c.err = err
	}
	c.state = StateDisconnected
	c.conn.Fail(conn.ReasonLocal)
	if c.err != nil {
		c.log.Info().Err(c.err).Msg("❎ disconnected")
	} else {
		c.log.Info().Msg("❎ disconnected")
	}
}

// Disconnect starts a graceful disconnect. Keep calling Run until the
// state is StateDisconnected.
func (c *Client) Disconnect() {
	if c.conn == nil || c.state == StateDisconnected {
		return
	}
	if c.state == StateConnecting {
		c.finish(nil)
		return
	}
	c.conn.Disconnect()
	c.state = StateDisconnecting
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Release()
		c.conn = nil
	}
	return c.module.Close()
}

func (c *Client) handlePacket(pkt *protocol.Packet) {
	typ, err := protocol.ReadType(pkt)
	if err != nil {
		return
	}
	base, consumed := c.conn.Packet(pkt, typ)
	if consumed {
		return
	}

	switch base {
	case protocol.PacketRejected:
		c.handleRejected(pkt)
	case protocol.PacketWaitingData:
		c.handleWaitData(pkt)
	case protocol.PacketLaunch:
		c.handleLaunch(pkt)
	case protocol.PacketGameStart:
		c.handleGameStart(pkt)
	case protocol.PacketGameData:
		c.handleGameData(pkt)
	case protocol.PacketGameDataResend:
		c.handleResendRequest(pkt)
	case protocol.PacketConsoleMessage:
		c.handleConsole(pkt)
	default:
		c.log.Debug().Stringer("type", base).Stringer("state", c.state).Msg("⚠️ unexpected packet, dropping")
	}
}

func (c *Client) handleRejected(pkt *protocol.Packet) {
	if c.state != StateConnecting {
		return
	}
	reason, err := pkt.ReadSafeString()
	if err != nil {
		return
	}
	c.log.Info().Str("reason", reason).Msg("🚫 rejected by server")
	c.finish(&RejectedError{Reason: reason})
}

func (c *Client) handleWaitData(pkt *protocol.Packet) {
	if c.state != StateConnecting && c.state != StateWaiting {
		return
	}
	w, err := protocol.ReadWaitData(pkt)
	if err != nil {
		return
	}
	if c.state == StateConnecting {
		c.conn.Admit()
		c.state = StateWaiting
		c.log.Info().Int8("console", w.ConsolePlayer).Bool("controller", w.IsController).Msg("✅ connected")
	}
	c.waitData = w
}

func (c *Client) handleLaunch(pkt *protocol.Packet) {
	if c.state != StateWaiting {
		return
	}
	n, err := pkt.ReadUint8()
	if err != nil {
		return
	}
	c.launched = true
	c.numPlayers = int(n)
	c.log.Info().Uint8("players", n).Msg("🚀 launched")
}

func (c *Client) handleGameStart(pkt *protocol.Packet) {
	if c.state != StateWaiting {
		c.log.Debug().Stringer("state", c.state).Msg("⚠️ GAMESTART ignored")
		return
	}
	settings, err := protocol.ReadGameSettings(pkt)
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("🚫 bad game settings from server")
		return
	}
	c.settings = settings
	c.recv.Reset()
	c.sendq.Reset()
	c.expander.Reset()
	c.prevCmd = protocol.TicCmd{}
	c.state = StateRunning
	c.log.Info().Int8("console", settings.ConsolePlayer).Uint8("players", settings.NumPlayers).Msg("🎮 game started")
}

// Launch asks the server to leave the wait room. Controller only.
func (c *Client) Launch() error {
	if c.state != StateWaiting {
		return ErrNotConnected
	}
	if !c.waitData.IsController {
		return ErrNotController
	}
	c.conn.NewReliable(protocol.PacketLaunch)
	return nil
}

// StartGame sends the game settings once every player is ready.
// Controller only.
func (c *Client) StartGame(settings protocol.GameSettings) error {
	switch {
	case c.state != StateWaiting:
		return ErrNotConnected
	case !c.waitData.IsController:
		return ErrNotController
	case !c.launched:
		return ErrNotLaunched
	case c.waitData.ReadyPlayers < c.waitData.NumPlayers:
		return ErrNotReady
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	protocol.WriteGameSettings(c.conn.NewReliable(protocol.PacketGameStart), settings)
	return nil
}

// CanBuild reports whether another tic may be built without running too
// far ahead of the bundles received.
func (c *Client) CanBuild() bool {
	return c.state == StateRunning && c.sendq.Next()-c.recv.Start() < protocol.BackupTics/2
}

// SendTic sends this node's command for its next tic.
func (c *Client) SendTic(cmd protocol.TicCmd, latency int16) (uint32, error) {
	if c.state != StateRunning {
		return 0, ErrNotRunning
	}
	if c.settings.ConsolePlayer < 0 {
		return 0, ErrDrone
	}
	if !c.CanBuild() {
		return 0, lockstep.ErrNothingToBuild
	}
	diff := protocol.Diff(c.prevCmd, cmd)
	c.prevCmd = cmd
	seq := c.sendq.Push(latency, diff)
	c.sendTics(c.sendq.Recent(int(c.settings.ExtraTics)))
	return seq, nil
}

func (c *Client) sendTics(tics []lockstep.SentTic) {
	for len(tics) > 0 {
		n := min(len(tics), maxTicsPerPacket)
		pkt := protocol.NewTyped(protocol.PacketGameData)
		pkt.WriteUint8(uint8(c.recv.Start()))
		pkt.WriteUint8(uint8(tics[0].Seq))
		pkt.WriteUint8(uint8(n))
		for _, t := range tics[:n] {
			pkt.WriteInt16(t.Latency)
			protocol.WriteTicDiff(pkt, t.Diff, c.settings.LowResTurn)
		}
		c.send(pkt)
		tics = tics[n:]
	}
}

// NextBundle returns the next tic to simulate, in order.
func (c *Client) NextBundle() (lockstep.Tic, bool) {
	if c.state != StateRunning {
		return lockstep.Tic{}, false
	}
	full, ok := c.recv.Next()
	if !ok {
		return lockstep.Tic{}, false
	}
	c.ackDirty = true
	return c.expander.Expand(full), true
}

func (c *Client) handleGameData(pkt *protocol.Packet) {
	if c.state != StateRunning {
		return
	}
	ack8, err := pkt.ReadUint8()
	if err != nil {
		return
	}
	seq8, err := pkt.ReadUint8()
	if err != nil {
		return
	}
	count, err := pkt.ReadUint8()
	if err != nil {
		return
	}

	c.sendq.Ack(lockstep.ExpandTicNum(c.sendq.Acked(), ack8))
	seq := lockstep.ExpandTicNum(c.recv.Start(), seq8)
	for i := uint32(0); i < uint32(count); i++ {
		cmd, err := protocol.ReadFullTicCmd(pkt, c.settings.LowResTurn)
		if err != nil {
			return
		}
		cmd.Seq = seq + i
		err = c.recv.Store(cmd)
		if err != nil && !errors.Is(err, lockstep.ErrStale) {
			c.log.Debug().Err(err).Uint32("seq", cmd.Seq).Msg("⚠️ bundle not stored")
		}
	}
	c.ackDirty = true
	c.requestGaps()
}

// requestGaps asks the server for bundles missing before ones received.
func (c *Client) requestGaps() {
	for _, r := range c.recv.Gaps(c.clock.Now(), protocol.ResendTimeout) {
		pkt := protocol.NewTyped(protocol.PacketGameDataResend)
		pkt.WriteUint32(r.Start)
		pkt.WriteUint8(uint8(r.Count))
		c.send(pkt)
		c.resends++
		c.log.Debug().Stringer("range", r).Msg("🔁 requesting bundles")
	}
}

func (c *Client) sendAck() {
	if !c.ackDirty || c.clock.Since(c.lastAck) < protocol.AckPeriod {
		return
	}
	pkt := protocol.NewTyped(protocol.PacketGameDataACK)
	pkt.WriteUint8(uint8(c.recv.Start()))
	c.send(pkt)
	c.ackDirty = false
	c.lastAck = c.clock.Now()
}

func (c *Client) handleResendRequest(pkt *protocol.Packet) {
	if c.state != StateRunning {
		return
	}
	start, err := pkt.ReadUint32()
	if err != nil {
		return
	}
	count, err := pkt.ReadUint8()
	if err != nil {
		return
	}
	var tics []lockstep.SentTic
	for seq := start; seq < start+uint32(count); seq++ {
		t, ok := c.sendq.Get(seq)
		if !ok {
			break
		}
		tics = append(tics, t)
	}
	c.log.Debug().Uint32("start", start).Int("count", len(tics)).Msg("🔁 resending tics")
	c.sendTics(tics)
}

func (c *Client) handleConsole(pkt *protocol.Packet) {
	msg, err := pkt.ReadSafeString()
	if err != nil {
		return
	}
	c.log.Info().Str("message", msg).Msg("💬 server")
	if c.consoleFn != nil {
		c.consoleFn(msg)
	}
}
