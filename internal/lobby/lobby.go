// Package lobby tracks the nodes waiting for a game: a fixed arena of
// MaxNetNodes slots, the controller, readiness and player numbering.
package lobby

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

// Member is one node in the lobby.
type Member struct {
	Slot     int
	Name     string
	Addr     string
	JoinedAt time.Time
	Connect  protocol.ConnectData
	Ready    bool

	// Player is the player number assigned at game start, -1 for drones
	// and before the game starts.
	Player int

	order uint64
}

// Drone reports whether the node only observes.
func (m *Member) Drone() bool { return m.Connect.Drone }

// Lobby is owned by the session loop and is not safe for concurrent use.
type Lobby struct {
	slots      [protocol.MaxNetNodes]*Member
	maxPlayers int
	joins      uint64
	clock      clock.Clock
}

// New creates a lobby admitting up to maxPlayers playing nodes.
func New(maxPlayers int, clk clock.Clock) *Lobby {
	if maxPlayers <= 0 || maxPlayers > protocol.MaxPlayers {
		maxPlayers = protocol.MaxPlayers
	}
	return &Lobby{maxPlayers: maxPlayers, clock: clk}
}

// MaxPlayers is the playing-node capacity.
func (l *Lobby) MaxPlayers() int { return l.maxPlayers }

// Join admits a node into the first free slot.
func (l *Lobby) Join(name, addr string, data protocol.ConnectData) (*Member, error) {
	if !data.Drone && l.NumPlayers() >= l.maxPlayers {
		return nil, ErrPlayersFull
	}
	for i, s := range l.slots {
		if s != nil {
			continue
		}
		l.joins++
		m := &Member{
			Slot:     i,
			Name:     protocol.TruncateName(name),
			Addr:     addr,
			JoinedAt: l.clock.Now(),
			Connect:  data,
			Player:   -1,
			order:    l.joins,
		}
		l.slots[i] = m
		return m, nil
	}
	return nil, ErrLobbyFull
}

// Leave frees a slot. The controller role moves to the next earliest
// joined player automatically.
func (l *Lobby) Leave(slot int) error {
	if slot < 0 || slot >= len(l.slots) || l.slots[slot] == nil {
		return ErrNotInLobby
	}
	l.slots[slot] = nil
	return nil
}

// Get returns the member in slot.
func (l *Lobby) Get(slot int) (*Member, bool) {
	if slot < 0 || slot >= len(l.slots) || l.slots[slot] == nil {
		return nil, false
	}
	return l.slots[slot], true
}

// Members returns every node in join order.
func (l *Lobby) Members() []*Member {
	out := make([]*Member, 0, len(l.slots))
	for _, m := range l.slots {
		if m != nil {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Players returns the playing nodes in join order.
func (l *Lobby) Players() []*Member {
	var out []*Member
	for _, m := range l.Members() {
		if !m.Drone() {
			out = append(out, m)
		}
	}
	return out
}

// Controller is the earliest joined playing node.
func (l *Lobby) Controller() (*Member, bool) {
	players := l.Players()
	if len(players) == 0 {
		return nil, false
	}
	return players[0], true
}

// IsController reports whether slot holds the controller.
func (l *Lobby) IsController(slot int) bool {
	c, ok := l.Controller()
	return ok && c.Slot == slot
}

func (l *Lobby) Count() int { return len(l.Members()) }

func (l *Lobby) NumPlayers() int { return len(l.Players()) }

func (l *Lobby) NumDrones() int { return l.Count() - l.NumPlayers() }

// SetReady marks a node ready or not.
func (l *Lobby) SetReady(slot int, ready bool) error {
	m, ok := l.Get(slot)
	if !ok {
		return ErrNotInLobby
	}
	m.Ready = ready
	return nil
}

// ReadyPlayers counts ready playing nodes.
func (l *Lobby) ReadyPlayers() int {
	n := 0
	for _, m := range l.Players() {
		if m.Ready {
			n++
		}
	}
	return n
}

// AllReady reports whether every playing node is ready.
func (l *Lobby) AllReady() bool {
	n := l.NumPlayers()
	return n > 0 && l.ReadyPlayers() == n
}

// ResetReady clears readiness and player numbers, as after a game ends.
func (l *Lobby) ResetReady() {
	for _, m := range l.slots {
		if m != nil {
			m.Ready = false
			m.Player = -1
		}
	}
}

// AssignPlayers numbers the playing nodes in join order and returns how
// many there are.
func (l *Lobby) AssignPlayers() int {
	players := l.Players()
	for i, m := range players {
		m.Player = i
	}
	return len(players)
}

// WaitData is the snapshot sent to the node in slot.
func (l *Lobby) WaitData(slot int, wad, deh protocol.SHA1, freedoom bool) protocol.WaitData {
	d := protocol.WaitData{
		NumPlayers:    uint8(l.NumPlayers()),
		NumDrones:     uint8(l.NumDrones()),
		ReadyPlayers:  uint8(l.ReadyPlayers()),
		MaxPlayers:    uint8(l.maxPlayers),
		IsController:  l.IsController(slot),
		ConsolePlayer: -1,
		WadSHA1:       wad,
		DehSHA1:       deh,
		IsFreedoom:    freedoom,
	}
	for i, m := range l.Players() {
		d.PlayerNames[i] = m.Name
		d.PlayerAddrs[i] = m.Addr
		if m.Slot == slot {
			d.ConsolePlayer = int8(i)
		}
	}
	return d
}
