// Package server implements the authoritative session: admission, the
// wait room, game start and the lockstep relay of tic bundles.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/LemmyAI/lockstep/internal/conn"
	"github.com/LemmyAI/lockstep/internal/lobby"
	"github.com/LemmyAI/lockstep/internal/lockstep"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var ErrNoModules = errors.New("no transport modules")

// maxTicsPerPacket bounds how many bundles go in one GAMEDATA packet.
const maxTicsPerPacket = 16

// node is a connected peer. It stays around after leaving the lobby until
// its disconnect handshake completes.
type node struct {
	conn   *conn.Conn
	member *lobby.Member
	name   string
	data   protocol.ConnectData

	active   bool
	launched bool

	// sendSeq is the next bundle to send; acked is the first bundle the
	// node has not confirmed.
	sendSeq uint32
	acked   uint32

	lastResend   lockstep.Range
	lastResendAt time.Time
}

func (n *node) player() int {
	if n.member == nil {
		return -1
	}
	return n.member.Player
}

// Server is a session server. It is driven by calling Run from a single
// loop; nothing in it is safe for concurrent use.
type Server struct {
	ID     uuid.UUID
	config Config
	clock  clock.Clock

	modules []transport.Module
	nodes   []*node
	lobby   *lobby.Lobby
	agg     *lockstep.Aggregator

	state    protocol.ServerState
	settings protocol.GameSettings

	// expect is the content every node must match.
	expect expectation

	waitDirty    bool
	lastWaitData time.Time

	limiter *rate.Limiter
	master  *masterLink
}

// New creates a server on the given modules.
func New(config Config, clk clock.Clock, modules ...transport.Module) *Server {
	if clk == nil {
		clk = clock.New()
	}
	return &Server{
		ID:      uuid.New(),
		config:  config,
		clock:   clk,
		modules: modules,
		lobby:   lobby.New(config.MaxPlayers, clk),
		agg:     lockstep.NewAggregator(),
		limiter: rate.NewLimiter(rate.Limit(config.QueryRate), config.QueryBurst),
	}
}

// Init opens every module for serving and registers with the master
// server if one is configured.
func (s *Server) Init() error {
	if len(s.modules) == 0 {
		return ErrNoModules
	}
	for _, m := range s.modules {
		if err := m.InitServer(); err != nil {
			return fmt.Errorf("init %s: %w", m.Name(), err)
		}
	}
	s.resetReference()
	if s.config.MasterAddr != "" {
		s.master = newMasterLink(s.modules, s.config.MasterAddr, s.clock)
	}
	log.Info().Str("id", s.ID.String()).Int("modules", len(s.modules)).Msg("🎮 server started")
	return nil
}

func (s *Server) State() protocol.ServerState { return s.state }

func (s *Server) Settings() protocol.GameSettings { return s.settings }

func (s *Server) Lobby() *lobby.Lobby { return s.lobby }

// Registered reports whether the master server accepted us.
func (s *Server) Registered() bool { return s.master != nil && s.master.registered }

func (s *Server) Aggregator() *lockstep.Aggregator { return s.agg }

// NumNodes counts nodes in the session.
func (s *Server) NumNodes() int { return s.lobby.Count() }

// Idle reports whether no connection remains, not even one lingering in
// its disconnect handshake.
func (s *Server) Idle() bool { return len(s.nodes) == 0 }

// Run polls every module, dispatches what arrived and performs timed
// work. It never blocks.
func (s *Server) Run() {
	for _, m := range s.modules {
		for {
			addr, pkt, ok := m.RecvPacket()
			if !ok {
				break
			}
			s.handlePacket(addr, pkt)
			addr.Release()
		}
	}

	for _, n := range s.nodes {
		n.conn.Run()
	}
	s.reap()

	switch s.state {
	case protocol.ServerWaitingLaunch, protocol.ServerWaitingStart:
		s.checkReady()
		if s.waitDirty || s.clock.Since(s.lastWaitData) >= s.config.WaitDataPeriod {
			s.broadcastWaitData()
		}
	case protocol.ServerInGame:
		s.checkDesync()
	}

	if s.master != nil {
		s.master.run()
	}
}

// Shutdown starts disconnecting every node. Keep calling Run until Idle.
func (s *Server) Shutdown() {
	for _, n := range s.nodes {
		n.conn.Disconnect()
	}
	log.Info().Int("nodes", len(s.nodes)).Msg("🛑 server shutting down")
}

// Close releases every connection and module.
func (s *Server) Close() error {
	for _, n := range s.nodes {
		n.conn.Release()
	}
	s.nodes = nil
	if s.master != nil {
		s.master.close()
	}
	var errs []error
	for _, m := range s.modules {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastConsole sends a message to every node.
func (s *Server) BroadcastConsole(msg string) {
	for _, n := range s.nodes {
		if n.active {
			n.conn.NewReliable(protocol.PacketConsoleMessage).WriteString(msg)
		}
	}
}

func (s *Server) findNode(addr *transport.Addr) *node {
	for _, n := range s.nodes {
		if n.conn.Addr().Equal(addr) {
			return n
		}
	}
	return nil
}

func (s *Server) resetReference() {
	s.expect = expectation{
		mode:    s.config.GameMode,
		mission: s.config.GameMission,
		wad:     s.config.WadSHA1,
		deh:     s.config.DehSHA1,
	}
}

// deactivate removes a node from the session. Its connection may still
// be finishing the disconnect handshake.
func (s *Server) deactivate(n *node) {
	if !n.active {
		return
	}
	n.active = false
	if p := n.player(); p >= 0 {
		s.agg.SetInGame(p, false)
	}
	if n.member != nil {
		s.lobby.Leave(n.member.Slot)
	}
	s.waitDirty = true
	log.Info().Str("addr", n.conn.Addr().String()).Str("name", n.name).
		Str("reason", n.conn.Reason().String()).Msg("❎ node left")

	if s.state == protocol.ServerInGame && s.agg.Players() == 0 {
		s.endGame()
	} else if s.state == protocol.ServerInGame {
		// Bundles may have been waiting only on the departed player.
		s.releaseTics()
	}
	if s.lobby.Count() == 0 {
		s.endGame()
		s.resetReference()
	}
}

// endGame returns to the wait room.
func (s *Server) endGame() {
	if s.state != protocol.ServerWaitingLaunch {
		log.Info().Msg("🏁 game over, back to waiting")
	}
	s.state = protocol.ServerWaitingLaunch
	s.agg.Reset()
	s.lobby.ResetReady()
	for _, n := range s.nodes {
		n.launched = false
		n.sendSeq = 0
		n.acked = 0
	}
	s.waitDirty = true
}

// reap deactivates nodes whose connection ended and frees the ones that
// finished their handshake.
func (s *Server) reap() {
	for _, n := range s.nodes {
		if !n.conn.Connected() {
			s.deactivate(n)
		}
	}
	kept := s.nodes[:0]
	for _, n := range s.nodes {
		if n.conn.Disconnected() {
			n.conn.Release()
			continue
		}
		kept = append(kept, n)
	}
	for i := len(kept); i < len(s.nodes); i++ {
		s.nodes[i] = nil
	}
	s.nodes = kept
}

func (s *Server) broadcastWaitData() {
	s.waitDirty = false
	s.lastWaitData = s.clock.Now()
	for _, n := range s.nodes {
		if n.active {
			s.sendWaitData(n)
		}
	}
}

func (s *Server) sendWaitData(n *node) {
	wad, deh, freedoom := s.expect.content()
	pkt := protocol.NewTyped(protocol.PacketWaitingData)
	protocol.WriteWaitData(pkt, s.lobby.WaitData(n.member.Slot, wad, deh, freedoom))
	s.send(n, pkt)
}

func (s *Server) send(n *node, pkt *protocol.Packet) {
	if err := n.conn.Send(pkt); err != nil {
		log.Debug().Err(err).Str("addr", n.conn.Addr().String()).Msg("⚠️ send failed")
	}
}

// checkReady marks launched nodes ready once they hold LAUNCH.
func (s *Server) checkReady() {
	if s.state != protocol.ServerWaitingStart {
		return
	}
	for _, n := range s.nodes {
		if n.active && n.launched && !n.member.Ready && n.conn.ReliableQueued() == 0 {
			s.lobby.SetReady(n.member.Slot, true)
			s.waitDirty = true
		}
	}
}

// checkDesync drops nodes that fell more than a window behind.
func (s *Server) checkDesync() {
	start := s.agg.Start()
	for _, n := range s.nodes {
		if n.active && start-n.acked > protocol.BackupTics {
			log.Warn().Str("addr", n.conn.Addr().String()).Str("name", n.name).
				Uint32("acked", n.acked).Uint32("start", start).Msg("💥 node desynchronized, dropping")
			s.dropNode(n)
		}
	}
}

// dropNode forcibly removes a node and tells it so.
func (s *Server) dropNode(n *node) {
	n.conn.Disconnect()
	s.deactivate(n)
}
