// Package query discovers servers: direct queries, LAN broadcast and
// master server listings.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var ErrNoBroadcast = errors.New("module cannot broadcast")

// Broadcaster is implemented by modules that can reach every host on the
// local network.
type Broadcaster interface {
	ResolveBroadcast(port int) (*transport.Addr, error)
}

// Target is a server being queried.
type Target struct {
	Addr      string
	Data      protocol.QueryData
	Ping      time.Duration
	Responded bool
	Queries   int

	addr      *transport.Addr
	lastQuery time.Time
	broadcast bool
}

// Querier sends queries through one module and collects the answers.
// Drive it with Poll or Wait; it is not safe for concurrent use.
type Querier struct {
	module  transport.Module
	clock   clock.Clock
	targets []*Target

	master        *transport.Addr
	masterQueried time.Time
	masterTries   int
	masterDone    bool
	masterList    []string
}

func New(module transport.Module, clk clock.Clock) *Querier {
	if clk == nil {
		clk = clock.New()
	}
	return &Querier{module: module, clock: clk}
}

// Init opens the module for client use.
func (q *Querier) Init() error {
	if err := q.module.InitClient(); err != nil {
		return fmt.Errorf("init %s: %w", q.module.Name(), err)
	}
	return nil
}

// Close releases every held address and the module.
func (q *Querier) Close() error {
	for _, t := range q.targets {
		t.addr.Release()
	}
	q.targets = nil
	if q.master != nil {
		q.master.Release()
		q.master = nil
	}
	return q.module.Close()
}

// Query starts querying the named server.
func (q *Querier) Query(name string) error {
	addr, err := q.module.ResolveAddress(name)
	if err != nil {
		return err
	}
	t := q.target(addr)
	q.send(t)
	return nil
}

// SearchLAN broadcasts a query on the local network.
func (q *Querier) SearchLAN(port int) error {
	b, ok := q.module.(Broadcaster)
	if !ok {
		return fmt.Errorf("%s: %w", q.module.Name(), ErrNoBroadcast)
	}
	addr, err := b.ResolveBroadcast(port)
	if err != nil {
		return err
	}
	t := q.target(addr)
	t.broadcast = true
	q.send(t)
	return nil
}

// QueryMaster asks a master server for its server list. Every listed
// server is then queried.
func (q *Querier) QueryMaster(name string) error {
	addr, err := q.resolveMaster(name)
	if err != nil {
		return err
	}
	q.master = addr
	q.masterDone = false
	q.masterTries = 0
	q.masterList = nil
	q.sendMasterQuery()
	return nil
}

// RequestHolePunch asks the master to have server open its NAT towards
// us. Query the server afterwards.
func (q *Querier) RequestHolePunch(master, server string) error {
	addr, err := q.module.ResolveAddress(master)
	if err != nil {
		return err
	}
	addr.Reference()
	defer addr.Release()

	pkt := protocol.NewMaster(protocol.MasterNATHolePunch)
	pkt.WriteString(server)
	return q.module.SendPacket(addr, pkt)
}

func (q *Querier) resolveMaster(name string) (*transport.Addr, error) {
	addr, err := q.module.ResolveAddress(name)
	if err != nil {
		return nil, err
	}
	if q.master != nil {
		q.master.Release()
	}
	return addr.Reference(), nil
}

func (q *Querier) sendMasterQuery() {
	if err := q.module.SendPacket(q.master, protocol.NewMaster(protocol.MasterQuery)); err != nil {
		log.Debug().Err(err).Msg("⚠️ master query failed")
	}
	q.masterQueried = q.clock.Now()
	q.masterTries++
}

func (q *Querier) target(addr *transport.Addr) *Target {
	for _, t := range q.targets {
		if t.addr.Equal(addr) {
			return t
		}
	}
	t := &Target{Addr: addr.String(), addr: addr.Reference()}
	q.targets = append(q.targets, t)
	return t
}

func (q *Querier) send(t *Target) {
	if err := q.module.SendPacket(t.addr, protocol.NewTyped(protocol.PacketQuery)); err != nil {
		log.Debug().Err(err).Str("addr", t.Addr).Msg("⚠️ query failed")
	}
	t.Queries++
	t.lastQuery = q.clock.Now()
}

// Poll handles every pending response and resends unanswered queries.
func (q *Querier) Poll() {
	for {
		addr, pkt, ok := q.module.RecvPacket()
		if !ok {
			break
		}
		q.handlePacket(addr, pkt)
		addr.Release()
	}

	now := q.clock.Now()
	for _, t := range q.targets {
		if (t.broadcast || !t.Responded) && t.Queries < protocol.MaxRetries && now.Sub(t.lastQuery) >= time.Second {
			q.send(t)
		}
	}
	if q.master != nil && !q.masterDone && q.masterTries < protocol.MaxRetries && now.Sub(q.masterQueried) >= time.Second {
		q.sendMasterQuery()
	}
}

func (q *Querier) handlePacket(addr *transport.Addr, pkt *protocol.Packet) {
	if q.master != nil && addr.Equal(q.master) {
		if q.handleMaster(pkt.Dup()) {
			return
		}
	}
	typ, err := protocol.ReadType(pkt)
	if err != nil || typ != protocol.PacketQueryResponse {
		return
	}
	data, err := protocol.ReadQueryData(pkt)
	if err != nil {
		log.Debug().Err(err).Str("addr", addr.String()).Msg("⚠️ bad query response")
		return
	}

	t := q.find(addr)
	var ping time.Duration
	if t == nil {
		bt := q.broadcastTarget()
		if bt == nil {
			return
		}
		ping = q.clock.Since(bt.lastQuery)
		t = q.target(addr)
		t.Queries = bt.Queries
	} else {
		ping = q.clock.Since(t.lastQuery)
	}
	if !t.Responded {
		t.Ping = ping
	}
	t.Responded = true
	t.Data = data
}

func (q *Querier) handleMaster(pkt *protocol.Packet) bool {
	typ, err := protocol.ReadMasterType(pkt)
	if err != nil || typ != protocol.MasterQueryResponse {
		return false
	}
	var list []string
	for pkt.Remaining() > 0 {
		s, err := pkt.ReadSafeString()
		if err != nil {
			break
		}
		list = append(list, s)
	}
	q.masterDone = true
	q.masterList = append(q.masterList, list...)
	log.Debug().Int("servers", len(list)).Msg("📣 master list received")
	for _, name := range list {
		if err := q.Query(name); err != nil {
			log.Debug().Err(err).Str("addr", name).Msg("⚠️ cannot query listed server")
		}
	}
	return true
}

func (q *Querier) find(addr *transport.Addr) *Target {
	for _, t := range q.targets {
		if t.addr.Equal(addr) {
			return t
		}
	}
	return nil
}

func (q *Querier) broadcastTarget() *Target {
	for _, t := range q.targets {
		if t.broadcast {
			return t
		}
	}
	return nil
}

// MasterList returns the addresses the master has listed so far.
func (q *Querier) MasterList() []string { return q.masterList }

// Results returns the servers that answered, fastest first.
func (q *Querier) Results() []Target {
	var out []Target
	for _, t := range q.targets {
		if t.Responded && !t.broadcast {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ping < out[j].Ping })
	return out
}

// Done reports whether nothing more is expected: every target answered
// or ran out of retries.
func (q *Querier) Done() bool {
	now := q.clock.Now()
	exhausted := func(tries int, last time.Time) bool {
		return tries >= protocol.MaxRetries && now.Sub(last) >= time.Second
	}
	if q.master != nil && !q.masterDone && !exhausted(q.masterTries, q.masterQueried) {
		return false
	}
	for _, t := range q.targets {
		if t.broadcast {
			if !exhausted(t.Queries, t.lastQuery) {
				return false
			}
			continue
		}
		if !t.Responded && !exhausted(t.Queries, t.lastQuery) {
			return false
		}
	}
	return true
}

// Wait polls until Done, timeout or ctx ends, and returns the results.
func (q *Querier) Wait(ctx context.Context, timeout time.Duration) []Target {
	deadline := q.clock.Now().Add(timeout)
	for {
		q.Poll()
		if q.Done() || !q.clock.Now().Before(deadline) {
			return q.Results()
		}
		select {
		case <-ctx.Done():
			return q.Results()
		case <-q.clock.After(10 * time.Millisecond):
		}
	}
}
