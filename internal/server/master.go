package server

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

// masterLink keeps the server registered with a master server. Nothing
// here may hold up the session: failures are logged and retried on the
// next refresh.
type masterLink struct {
	modules []transport.Module
	name    string
	clock   clock.Clock

	addr       *transport.Addr
	lastAdd    time.Time
	registered bool
}

func newMasterLink(modules []transport.Module, name string, clk clock.Clock) *masterLink {
	return &masterLink{modules: modules, name: name, clock: clk}
}

func (l *masterLink) resolve() bool {
	if l.addr != nil {
		return true
	}
	for _, m := range l.modules {
		addr, err := m.ResolveAddress(l.name)
		if err == nil {
			l.addr = addr.Reference()
			return true
		}
		log.Debug().Err(err).Str("module", m.Name()).Str("master", l.name).Msg("master not reachable via module")
	}
	log.Warn().Str("master", l.name).Msg("⚠️ failed to resolve master server")
	return false
}

func (l *masterLink) run() {
	now := l.clock.Now()
	if !l.lastAdd.IsZero() && now.Sub(l.lastAdd) < protocol.MasterRefreshPeriod {
		return
	}
	l.lastAdd = now
	if !l.resolve() {
		return
	}
	if err := l.addr.Module().SendPacket(l.addr, protocol.NewMaster(protocol.MasterAdd)); err != nil {
		log.Warn().Err(err).Str("master", l.name).Msg("⚠️ failed to register with master")
		return
	}
	log.Debug().Str("master", l.name).Msg("📣 registering with master")
}

func (l *masterLink) owns(addr *transport.Addr) bool {
	return l.addr != nil && l.addr.Equal(addr)
}

// handle processes a master packet and reports whether it was one.
// Session packets from the master, such as its verification QUERY, are
// left to the caller.
func (l *masterLink) handle(pkt *protocol.Packet) bool {
	typ, err := protocol.ReadMasterType(pkt)
	if err != nil {
		return false
	}
	switch typ {
	case protocol.MasterAddResponse:
		result, err := pkt.ReadUint16()
		if err != nil {
			return true
		}
		l.registered = result != 0
		if l.registered {
			log.Info().Str("master", l.name).Msg("📣 registered with master server")
		} else {
			log.Warn().Str("master", l.name).Msg("⚠️ master server refused registration")
		}
		return true

	case protocol.MasterNATHolePunch:
		target, err := pkt.ReadSafeString()
		if err != nil {
			return true
		}
		l.holePunch(target)
		return true
	}
	return false
}

// holePunch sends a packet towards a client so its NAT lets our replies in.
func (l *masterLink) holePunch(target string) {
	m := l.addr.Module()
	addr, err := m.ResolveAddress(target)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("⚠️ hole punch target unresolvable")
		return
	}
	addr.Reference()
	defer addr.Release()
	if err := m.SendPacket(addr, protocol.NewTyped(protocol.PacketNATHolePunch)); err != nil {
		log.Debug().Err(err).Str("target", target).Msg("⚠️ hole punch failed")
		return
	}
	log.Debug().Str("target", target).Msg("🕳️ hole punch sent")
}

func (l *masterLink) close() {
	l.addr.Release()
	l.addr = nil
}
