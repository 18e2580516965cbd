package server

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/conn"
	"github.com/LemmyAI/lockstep/internal/lockstep"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

const oldClientMessage = "This is an old client version that cannot talk to this server. Please upgrade."

func (s *Server) handlePacket(addr *transport.Addr, pkt *protocol.Packet) {
	if s.master != nil && s.master.owns(addr) && s.master.handle(pkt.Dup()) {
		return
	}

	typ, err := protocol.ReadType(pkt)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr.String()).Msg("⚠️ malformed packet")
		return
	}

	n := s.findNode(addr)
	if n == nil {
		switch typ {
		case protocol.PacketSYN:
			s.handleSYN(addr, pkt)
		case protocol.PacketQuery:
			s.handleQuery(addr)
		case protocol.PacketNATHolePunch:
		default:
			log.Debug().Str("addr", addr.String()).Stringer("type", typ).Msg("⚠️ packet from unknown address")
		}
		return
	}

	if typ == protocol.PacketSYN {
		// Our WAITING_DATA was lost.
		if n.active && s.state != protocol.ServerInGame {
			s.sendWaitData(n)
		}
		return
	}

	base, consumed := n.conn.Packet(pkt, typ)
	if consumed {
		return
	}
	if !n.active {
		return
	}

	switch base {
	case protocol.PacketLaunch:
		s.handleLaunch(n)
	case protocol.PacketGameStart:
		s.handleGameStart(n, pkt)
	case protocol.PacketGameData:
		s.handleGameData(n, pkt)
	case protocol.PacketGameDataACK:
		s.handleGameDataAck(n, pkt)
	case protocol.PacketGameDataResend:
		s.handleResendRequest(n, pkt)
	case protocol.PacketQuery:
		s.handleQuery(addr)
	default:
		log.Debug().Str("addr", addr.String()).Stringer("type", base).
			Stringer("state", s.state).Msg("⚠️ unexpected packet, dropping")
	}
}

func (s *Server) reject(addr *transport.Addr, reason string) {
	pkt := protocol.NewTyped(protocol.PacketRejected)
	pkt.WriteString(reason)
	if err := addr.Module().SendPacket(addr, pkt); err != nil {
		log.Debug().Err(err).Str("addr", addr.String()).Msg("⚠️ send failed")
	}
	log.Info().Str("addr", addr.String()).Str("reason", reason).Msg("🚫 connection rejected")
}

func (s *Server) handleSYN(addr *transport.Addr, pkt *protocol.Packet) {
	magic, err := pkt.ReadUint32()
	if err != nil {
		return
	}
	switch magic {
	case protocol.MagicNumber:
	case protocol.OldMagicNumber:
		s.reject(addr, oldClientMessage)
		return
	default:
		log.Debug().Str("addr", addr.String()).Uint32("magic", magic).Msg("⚠️ SYN with unknown magic")
		return
	}

	proto, err := protocol.ReadProtocolList(pkt)
	if err != nil {
		return
	}
	if proto == protocol.ProtocolUnknown {
		s.reject(addr, "Version mismatch: server version is "+s.config.Version)
		return
	}

	data, err := protocol.ReadConnectData(pkt)
	if err != nil {
		return
	}
	name, err := pkt.ReadSafeString()
	if err != nil {
		return
	}

	switch s.state {
	case protocol.ServerInGame:
		s.reject(addr, "The game is already in progress")
		return
	case protocol.ServerWaitingStart:
		s.reject(addr, "The game is starting")
		return
	}
	if reason := s.expect.mismatch(data); reason != "" {
		s.reject(addr, reason)
		return
	}

	member, err := s.lobby.Join(name, addr.String(), data)
	if err != nil {
		s.reject(addr, "The server is full")
		return
	}

	n := &node{
		conn:   conn.NewServer(addr, proto, s.clock),
		member: member,
		name:   member.Name,
		data:   data,
		active: true,
	}
	s.nodes = append(s.nodes, n)
	s.expect.fill(data)
	s.waitDirty = true
	s.sendWaitData(n)

	log.Info().Str("addr", addr.String()).Str("name", n.name).Bool("drone", data.Drone).
		Stringer("protocol", proto).Msg("✅ node joined")
}

func (s *Server) handleLaunch(n *node) {
	if s.state != protocol.ServerWaitingLaunch {
		log.Debug().Str("name", n.name).Msg("⚠️ LAUNCH outside the wait room")
		return
	}
	if !s.lobby.IsController(n.member.Slot) {
		log.Debug().Str("name", n.name).Msg("⚠️ LAUNCH from a node that is not the controller")
		return
	}

	players := uint8(s.lobby.NumPlayers())
	for _, o := range s.nodes {
		if o.active {
			o.conn.NewReliable(protocol.PacketLaunch).WriteUint8(players)
			o.launched = true
		}
	}
	s.state = protocol.ServerWaitingStart
	s.waitDirty = true
	log.Info().Str("by", n.name).Uint8("players", players).Msg("🚀 launching")
}

func (s *Server) handleGameStart(n *node, pkt *protocol.Packet) {
	switch {
	case s.state == protocol.ServerInGame:
		log.Warn().Str("name", n.name).Msg("🚫 game settings cannot change once the game has started")
		return
	case s.state != protocol.ServerWaitingStart:
		log.Debug().Str("name", n.name).Msg("⚠️ GAMESTART before LAUNCH")
		return
	case !s.lobby.IsController(n.member.Slot):
		log.Debug().Str("name", n.name).Msg("⚠️ GAMESTART from a node that is not the controller")
		return
	case !s.lobby.AllReady():
		log.Debug().Int("ready", s.lobby.ReadyPlayers()).Int("players", s.lobby.NumPlayers()).
			Msg("⚠️ GAMESTART before every player is ready")
		return
	}

	settings, err := protocol.ReadGameSettings(pkt)
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("name", n.name).Msg("🚫 bad game settings")
		return
	}
	s.startGame(settings)
}

func (s *Server) startGame(settings protocol.GameSettings) {
	num := s.lobby.AssignPlayers()
	settings.NumPlayers = uint8(num)
	settings.PlayerClasses = [protocol.MaxPlayers]uint8{}
	for _, m := range s.lobby.Players() {
		settings.PlayerClasses[m.Player] = m.Connect.PlayerClass
		if m.Connect.LowResTurn {
			settings.LowResTurn = true
		}
	}

	s.settings = settings
	s.agg.Reset()
	for p := 0; p < num; p++ {
		s.agg.SetInGame(p, true)
	}

	for _, n := range s.nodes {
		if !n.active {
			continue
		}
		own := settings
		own.ConsolePlayer = int8(n.player())
		protocol.WriteGameSettings(n.conn.NewReliable(protocol.PacketGameStart), own)
		n.sendSeq = 0
		n.acked = 0
	}
	s.state = protocol.ServerInGame
	log.Info().Int("players", num).Int8("skill", settings.Skill).Uint8("map", settings.Map).
		Uint8("ticdup", settings.TicDup).Msg("🎮 game started")
}

func (s *Server) handleGameData(n *node, pkt *protocol.Packet) {
	player := n.player()
	if s.state != protocol.ServerInGame || player < 0 {
		log.Debug().Str("name", n.name).Msg("⚠️ GAMEDATA outside the game")
		return
	}

	ack, err := pkt.ReadUint8()
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
	s.recordAck(n, ack)

	seq := lockstep.ExpandTicNum(s.agg.Start(), seq8)
	for i := uint32(0); i < uint32(count); i++ {
		latency, err := pkt.ReadInt16()
		if err != nil {
			return
		}
		diff, err := protocol.ReadTicDiff(pkt, s.settings.LowResTurn)
		if err != nil {
			return
		}
		err = s.agg.Submit(player, seq+i, latency, diff)
		if err != nil && !errors.Is(err, lockstep.ErrStale) {
			log.Debug().Err(err).Str("name", n.name).Uint32("seq", seq+i).Msg("⚠️ tic not accepted")
		}
	}

	if r, ok := s.agg.MissingBefore(player, seq); ok {
		s.requestResend(n, r)
	}
	s.releaseTics()
}

func (s *Server) requestResend(n *node, r lockstep.Range) {
	now := s.clock.Now()
	if r == n.lastResend && now.Sub(n.lastResendAt) < protocol.ResendTimeout {
		return
	}
	n.lastResend = r
	n.lastResendAt = now

	pkt := protocol.NewTyped(protocol.PacketGameDataResend)
	pkt.WriteUint32(r.Start)
	pkt.WriteUint8(uint8(min(r.Count, 0xff)))
	s.send(n, pkt)
	log.Debug().Str("name", n.name).Stringer("range", r).Msg("🔁 requesting tics")
}

func (s *Server) handleGameDataAck(n *node, pkt *protocol.Packet) {
	if s.state != protocol.ServerInGame {
		return
	}
	ack, err := pkt.ReadUint8()
	if err != nil {
		return
	}
	s.recordAck(n, ack)
}

func (s *Server) recordAck(n *node, ack8 uint8) {
	ack := lockstep.ExpandTicNum(n.sendSeq, ack8)
	if ack > n.acked && ack <= n.sendSeq {
		n.acked = ack
	}
}

func (s *Server) handleResendRequest(n *node, pkt *protocol.Packet) {
	if s.state != protocol.ServerInGame {
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

	end := min(start+uint32(count), s.agg.Start())
	if start >= end {
		return
	}
	if _, ok := s.agg.Bundle(start); !ok {
		log.Warn().Str("name", n.name).Uint32("seq", start).Msg("💥 requested tics left the window, dropping node")
		s.dropNode(n)
		return
	}
	log.Debug().Str("name", n.name).Uint32("start", start).Uint32("end", end-1).Msg("🔁 resending tics")
	s.sendTics(n, start, end)
}

// releaseTics sends every newly completed bundle to every node.
func (s *Server) releaseTics() {
	if len(s.agg.ReleaseAll()) == 0 {
		return
	}
	start := s.agg.Start()
	for _, n := range s.nodes {
		if n.active && n.sendSeq < start {
			s.sendTics(n, n.sendSeq, start)
			n.sendSeq = start
		}
	}
}

// sendTics sends released bundles [from, to) still held in the history.
func (s *Server) sendTics(n *node, from, to uint32) {
	for from < to {
		var cmds []protocol.FullTicCmd
		for seq := from; seq < to && len(cmds) < maxTicsPerPacket; seq++ {
			cmd, ok := s.agg.Bundle(seq)
			if !ok {
				break
			}
			cmds = append(cmds, cmd)
		}
		if len(cmds) == 0 {
			return
		}

		pkt := protocol.NewTyped(protocol.PacketGameData)
		pkt.WriteUint8(uint8(s.nextNeeded(n)))
		pkt.WriteUint8(uint8(from))
		pkt.WriteUint8(uint8(len(cmds)))
		for _, cmd := range cmds {
			protocol.WriteFullTicCmd(pkt, cmd, s.settings.LowResTurn)
		}
		s.send(n, pkt)
		from += uint32(len(cmds))
	}
}

// nextNeeded is the first tic the server still wants from n.
func (s *Server) nextNeeded(n *node) uint32 {
	seq := s.agg.Start()
	p := n.player()
	if p < 0 {
		return seq
	}
	for seq < s.agg.Start()+protocol.BackupTics && s.agg.Has(p, seq) {
		seq++
	}
	return seq
}

func (s *Server) handleQuery(addr *transport.Addr) {
	if !s.limiter.AllowN(s.clock.Now(), 1) {
		log.Debug().Str("addr", addr.String()).Msg("⚠️ query rate exceeded")
		return
	}
	pkt := protocol.NewTyped(protocol.PacketQueryResponse)
	protocol.WriteQueryData(pkt, s.QueryData())
	if err := addr.Module().SendPacket(addr, pkt); err != nil {
		log.Debug().Err(err).Str("addr", addr.String()).Msg("⚠️ send failed")
	}
}

// QueryData describes the server to discovery queries.
func (s *Server) QueryData() protocol.QueryData {
	supported := protocol.Supported()
	mode, mission := s.expect.game()
	return protocol.QueryData{
		Version:     s.config.Version,
		State:       s.state,
		NumPlayers:  uint8(s.lobby.NumPlayers()),
		MaxPlayers:  uint8(s.lobby.MaxPlayers()),
		GameMode:    mode,
		GameMission: mission,
		Description: s.config.Description,
		Protocol:    supported[len(supported)-1],
	}
}
