package master

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

// Config holds master service settings.
type Config struct {
	// MaxAge is how long a registration stays listed without a refresh.
	MaxAge time.Duration
	// VerifyTimeout bounds the wait for a registering server to answer
	// the verification query.
	VerifyTimeout time.Duration
	PrunePeriod   time.Duration
	// MaxPacketSize bounds each QUERY_RESPONSE.
	MaxPacketSize int
}

func DefaultConfig() Config {
	return Config{
		MaxAge:        2 * protocol.MasterRefreshPeriod,
		VerifyTimeout: 5 * time.Second,
		PrunePeriod:   time.Minute,
		MaxPacketSize: 1400,
	}
}

type pendingAdd struct {
	addr   *transport.Addr
	sentAt time.Time
}

// Service answers master protocol requests on one module.
type Service struct {
	module    transport.Module
	dir       *Directory
	clock     clock.Clock
	config    Config
	pending   map[string]pendingAdd
	lastPrune time.Time
}

func NewService(module transport.Module, dir *Directory, clk clock.Clock, config Config) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		module:  module,
		dir:     dir,
		clock:   clk,
		config:  config,
		pending: make(map[string]pendingAdd),
	}
}

func (s *Service) Init() error {
	if err := s.module.InitServer(); err != nil {
		return fmt.Errorf("init %s: %w", s.module.Name(), err)
	}
	s.lastPrune = s.clock.Now()
	return nil
}

func (s *Service) Close() error {
	for _, p := range s.pending {
		p.addr.Release()
	}
	s.pending = nil
	return s.module.Close()
}

// Run handles pending requests and expires stale state. It never blocks.
func (s *Service) Run() {
	for {
		addr, pkt, ok := s.module.RecvPacket()
		if !ok {
			break
		}
		s.handlePacket(addr, pkt)
		addr.Release()
	}

	now := s.clock.Now()
	for key, p := range s.pending {
		if now.Sub(p.sentAt) >= s.config.VerifyTimeout {
			log.Info().Str("addr", key).Msg("🚫 server failed verification")
			s.addResponse(p.addr, false)
			p.addr.Release()
			delete(s.pending, key)
		}
	}

	if now.Sub(s.lastPrune) >= s.config.PrunePeriod {
		s.lastPrune = now
		n, err := s.dir.Prune(s.config.MaxAge)
		if err != nil {
			log.Error().Err(err).Msg("❌ prune failed")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("🧹 pruned stale servers")
		}
	}
}

func (s *Service) handlePacket(addr *transport.Addr, pkt *protocol.Packet) {
	// Verification replies are session packets; everything else speaks
	// the master protocol.
	if typ, err := protocol.ReadType(pkt.Dup()); err == nil && typ == protocol.PacketQueryResponse {
		s.handleVerified(addr, pkt)
		return
	}

	typ, err := protocol.ReadMasterType(pkt)
	if err != nil {
		return
	}
	switch typ {
	case protocol.MasterAdd:
		s.handleAdd(addr)
	case protocol.MasterQuery:
		s.handleQuery(addr)
	case protocol.MasterGetMetadata:
		s.handleMetadata(addr)
	case protocol.MasterNATHolePunch:
		s.handleHolePunch(addr, pkt)
	case protocol.MasterNATHolePunchAll:
		s.handleHolePunchAll(addr)
	default:
		log.Debug().Stringer("type", typ).Str("addr", addr.String()).Msg("⚠️ unsupported master request")
	}
}

func (s *Service) send(addr *transport.Addr, pkt *protocol.Packet) {
	if err := s.module.SendPacket(addr, pkt); err != nil {
		log.Debug().Err(err).Str("addr", addr.String()).Msg("⚠️ send failed")
	}
}

// handleAdd verifies a registering server by querying it.
func (s *Service) handleAdd(addr *transport.Addr) {
	key := addr.String()
	if _, ok := s.pending[key]; !ok {
		s.pending[key] = pendingAdd{addr: addr.Reference(), sentAt: s.clock.Now()}
	}
	s.send(addr, protocol.NewTyped(protocol.PacketQuery))
	log.Debug().Str("addr", key).Msg("📣 verifying server")
}

func (s *Service) handleVerified(addr *transport.Addr, pkt *protocol.Packet) {
	key := addr.String()
	p, ok := s.pending[key]
	if !ok {
		return
	}
	if _, err := protocol.ReadType(pkt); err != nil {
		return
	}
	data, err := protocol.ReadQueryData(pkt)
	if err != nil {
		log.Debug().Err(err).Str("addr", key).Msg("⚠️ bad verification response")
		return
	}
	delete(s.pending, key)
	defer p.addr.Release()

	if err := s.dir.Add(key, data); err != nil {
		log.Error().Err(err).Str("addr", key).Msg("❌ failed to store server")
		s.addResponse(addr, false)
		return
	}
	s.addResponse(addr, true)
	log.Info().Str("addr", key).Str("description", data.Description).Msg("✅ server registered")
}

func (s *Service) addResponse(addr *transport.Addr, ok bool) {
	pkt := protocol.NewMaster(protocol.MasterAddResponse)
	if ok {
		pkt.WriteUint16(1)
	} else {
		pkt.WriteUint16(0)
	}
	s.send(addr, pkt)
}

func (s *Service) handleQuery(addr *transport.Addr) {
	records, err := s.dir.List(s.config.MaxAge)
	if err != nil {
		log.Error().Err(err).Msg("❌ failed to list servers")
		return
	}
	pkt := protocol.NewMaster(protocol.MasterQueryResponse)
	for _, r := range records {
		if pkt.Len() > 2 && pkt.Len()+len(r.Addr)+1 > s.config.MaxPacketSize {
			s.send(addr, pkt)
			pkt = protocol.NewMaster(protocol.MasterQueryResponse)
		}
		pkt.WriteString(r.Addr)
	}
	s.send(addr, pkt)
}

func (s *Service) handleMetadata(addr *transport.Addr) {
	records, err := s.dir.List(s.config.MaxAge)
	if err != nil {
		log.Error().Err(err).Msg("❌ failed to list servers")
		return
	}
	pkt := protocol.NewMaster(protocol.MasterGetMetadataResponse)
	pkt.WriteBlob(EncodeMetadata(records))
	s.send(addr, pkt)
}

// handleHolePunch relays a client's request to the named server.
func (s *Service) handleHolePunch(client *transport.Addr, pkt *protocol.Packet) {
	target, err := pkt.ReadSafeString()
	if err != nil {
		return
	}
	known, err := s.dir.Has(target, s.config.MaxAge)
	if err != nil || !known {
		log.Debug().Str("target", target).Msg("⚠️ hole punch for unregistered server")
		return
	}
	s.punch(target, client.String())
}

// handleHolePunchAll relays to every registered server.
func (s *Service) handleHolePunchAll(client *transport.Addr) {
	records, err := s.dir.List(s.config.MaxAge)
	if err != nil {
		log.Error().Err(err).Msg("❌ failed to list servers")
		return
	}
	for _, r := range records {
		s.punch(r.Addr, client.String())
	}
}

func (s *Service) punch(server, client string) {
	addr, err := s.module.ResolveAddress(server)
	if err != nil {
		log.Debug().Err(err).Str("server", server).Msg("⚠️ cannot resolve server")
		return
	}
	addr.Reference()
	defer addr.Release()

	pkt := protocol.NewMaster(protocol.MasterNATHolePunch)
	pkt.WriteString(client)
	s.send(addr, pkt)
	log.Debug().Str("server", server).Str("client", client).Msg("🕳️ relaying hole punch")
}
