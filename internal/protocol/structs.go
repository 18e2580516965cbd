package protocol

import "fmt"

// ConnectData describes a connecting node. It is checked against the
// session before the node is admitted.
type ConnectData struct {
	GameMode    uint8
	GameMission uint8
	LowResTurn  bool
	Drone       bool
	MaxPlayers  uint8
	IsFreedoom  bool
	WadSHA1     SHA1
	DehSHA1     SHA1
	PlayerClass uint8
}

func WriteConnectData(p *Packet, d ConnectData) {
	p.WriteUint8(d.GameMode)
	p.WriteUint8(d.GameMission)
	p.WriteBool(d.LowResTurn)
	p.WriteBool(d.Drone)
	p.WriteUint8(d.MaxPlayers)
	p.WriteBool(d.IsFreedoom)
	p.WriteSHA1(d.WadSHA1)
	p.WriteSHA1(d.DehSHA1)
	p.WriteUint8(d.PlayerClass)
}

func ReadConnectData(p *Packet) (ConnectData, error) {
	var d ConnectData
	var err error
	if d.GameMode, err = p.ReadUint8(); err != nil {
		return d, err
	}
	if d.GameMission, err = p.ReadUint8(); err != nil {
		return d, err
	}
	if d.LowResTurn, err = p.ReadBool(); err != nil {
		return d, err
	}
	if d.Drone, err = p.ReadBool(); err != nil {
		return d, err
	}
	if d.MaxPlayers, err = p.ReadUint8(); err != nil {
		return d, err
	}
	if d.IsFreedoom, err = p.ReadBool(); err != nil {
		return d, err
	}
	if d.WadSHA1, err = p.ReadSHA1(); err != nil {
		return d, err
	}
	if d.DehSHA1, err = p.ReadSHA1(); err != nil {
		return d, err
	}
	if d.PlayerClass, err = p.ReadUint8(); err != nil {
		return d, err
	}
	return d, nil
}

// GameSettings are negotiated when the game starts and fixed afterwards.
// NumPlayers, ConsolePlayer and PlayerClasses are filled in by the server
// per recipient.
type GameSettings struct {
	TicDup          uint8
	ExtraTics       uint8
	Deathmatch      uint8
	NoMonsters      bool
	FastMonsters    bool
	RespawnMonsters bool
	Episode         uint8
	Map             uint8
	Skill           int8
	GameVersion     uint8
	LowResTurn      bool
	NewSync         bool
	TimeLimit       int32
	LoadGame        int8
	Random          bool

	NumPlayers    uint8
	ConsolePlayer int8
	PlayerClasses [MaxPlayers]uint8
}

// Validate rejects settings no session could run with.
func (s GameSettings) Validate() error {
	if s.TicDup < 1 {
		return fmt.Errorf("%w: ticdup %d", ErrBadSettings, s.TicDup)
	}
	if int(s.ExtraTics) >= BackupTics/2 {
		return fmt.Errorf("%w: extratics %d", ErrBadSettings, s.ExtraTics)
	}
	if int(s.NumPlayers) > MaxPlayers {
		return fmt.Errorf("%w: %d", ErrTooManyPlayers, s.NumPlayers)
	}
	return nil
}

func WriteGameSettings(p *Packet, s GameSettings) {
	p.WriteUint8(s.TicDup)
	p.WriteUint8(s.ExtraTics)
	p.WriteUint8(s.Deathmatch)
	p.WriteBool(s.NoMonsters)
	p.WriteBool(s.FastMonsters)
	p.WriteBool(s.RespawnMonsters)
	p.WriteUint8(s.Episode)
	p.WriteUint8(s.Map)
	p.WriteInt8(s.Skill)
	p.WriteUint8(s.GameVersion)
	p.WriteBool(s.LowResTurn)
	p.WriteBool(s.NewSync)
	p.WriteInt32(s.TimeLimit)
	p.WriteInt8(s.LoadGame)
	p.WriteBool(s.Random)
	p.WriteUint8(s.NumPlayers)
	p.WriteInt8(s.ConsolePlayer)
	for i := 0; i < int(s.NumPlayers) && i < MaxPlayers; i++ {
		p.WriteUint8(s.PlayerClasses[i])
	}
}

func ReadGameSettings(p *Packet) (GameSettings, error) {
	var s GameSettings
	var err error
	for _, f := range []*uint8{&s.TicDup, &s.ExtraTics, &s.Deathmatch} {
		if *f, err = p.ReadUint8(); err != nil {
			return s, err
		}
	}
	for _, f := range []*bool{&s.NoMonsters, &s.FastMonsters, &s.RespawnMonsters} {
		if *f, err = p.ReadBool(); err != nil {
			return s, err
		}
	}
	if s.Episode, err = p.ReadUint8(); err != nil {
		return s, err
	}
	if s.Map, err = p.ReadUint8(); err != nil {
		return s, err
	}
	if s.Skill, err = p.ReadInt8(); err != nil {
		return s, err
	}
	if s.GameVersion, err = p.ReadUint8(); err != nil {
		return s, err
	}
	if s.LowResTurn, err = p.ReadBool(); err != nil {
		return s, err
	}
	if s.NewSync, err = p.ReadBool(); err != nil {
		return s, err
	}
	if s.TimeLimit, err = p.ReadInt32(); err != nil {
		return s, err
	}
	if s.LoadGame, err = p.ReadInt8(); err != nil {
		return s, err
	}
	if s.Random, err = p.ReadBool(); err != nil {
		return s, err
	}
	if s.NumPlayers, err = p.ReadUint8(); err != nil {
		return s, err
	}
	if int(s.NumPlayers) > MaxPlayers {
		return s, fmt.Errorf("%w: %d", ErrTooManyPlayers, s.NumPlayers)
	}
	if s.ConsolePlayer, err = p.ReadInt8(); err != nil {
		return s, err
	}
	for i := 0; i < int(s.NumPlayers); i++ {
		if s.PlayerClasses[i], err = p.ReadUint8(); err != nil {
			return s, err
		}
	}
	return s, nil
}

// WaitData is the lobby snapshot the server sends while waiting for the
// game to start. IsController and ConsolePlayer are per recipient.
type WaitData struct {
	NumPlayers    uint8
	NumDrones     uint8
	ReadyPlayers  uint8
	MaxPlayers    uint8
	IsController  bool
	ConsolePlayer int8
	PlayerNames   [MaxPlayers]string
	PlayerAddrs   [MaxPlayers]string
	WadSHA1       SHA1
	DehSHA1       SHA1
	IsFreedoom    bool
}

func WriteWaitData(p *Packet, d WaitData) {
	p.WriteUint8(d.NumPlayers)
	p.WriteUint8(d.NumDrones)
	p.WriteUint8(d.ReadyPlayers)
	p.WriteUint8(d.MaxPlayers)
	p.WriteBool(d.IsController)
	p.WriteInt8(d.ConsolePlayer)
	for i := 0; i < int(d.NumPlayers) && i < MaxPlayers; i++ {
		p.WriteString(TruncateName(d.PlayerNames[i]))
		p.WriteString(TruncateName(d.PlayerAddrs[i]))
	}
	p.WriteSHA1(d.WadSHA1)
	p.WriteSHA1(d.DehSHA1)
	p.WriteBool(d.IsFreedoom)
}

func ReadWaitData(p *Packet) (WaitData, error) {
	var d WaitData
	var err error
	for _, f := range []*uint8{&d.NumPlayers, &d.NumDrones, &d.ReadyPlayers, &d.MaxPlayers} {
		if *f, err = p.ReadUint8(); err != nil {
			return d, err
		}
	}
	if int(d.NumPlayers) > MaxPlayers {
		return d, fmt.Errorf("%w: %d", ErrTooManyPlayers, d.NumPlayers)
	}
	if d.IsController, err = p.ReadBool(); err != nil {
		return d, err
	}
	if d.ConsolePlayer, err = p.ReadInt8(); err != nil {
		return d, err
	}
	for i := 0; i < int(d.NumPlayers); i++ {
		if d.PlayerNames[i], err = p.ReadSafeString(); err != nil {
			return d, err
		}
		if d.PlayerAddrs[i], err = p.ReadSafeString(); err != nil {
			return d, err
		}
		d.PlayerNames[i] = TruncateName(d.PlayerNames[i])
		d.PlayerAddrs[i] = TruncateName(d.PlayerAddrs[i])
	}
	if d.WadSHA1, err = p.ReadSHA1(); err != nil {
		return d, err
	}
	if d.DehSHA1, err = p.ReadSHA1(); err != nil {
		return d, err
	}
	if d.IsFreedoom, err = p.ReadBool(); err != nil {
		return d, err
	}
	return d, nil
}

// ServerState is the coarse session state reported to queries.
type ServerState uint8

const (
	ServerWaitingLaunch ServerState = iota
	ServerWaitingStart
	ServerInGame
)

func (s ServerState) String() string {
	switch s {
	case ServerWaitingLaunch:
		return "waiting"
	case ServerWaitingStart:
		return "starting"
	case ServerInGame:
		return "in game"
	}
	return "unknown"
}

// QueryData answers a discovery query.
type QueryData struct {
	Version     string
	State       ServerState
	NumPlayers  uint8
	MaxPlayers  uint8
	GameMode    uint8
	GameMission uint8
	Description string
	Protocol    Protocol
}

func WriteQueryData(p *Packet, q QueryData) {
	p.WriteString(q.Version)
	p.WriteUint8(uint8(q.State))
	p.WriteUint8(q.NumPlayers)
	p.WriteUint8(q.MaxPlayers)
	p.WriteUint8(q.GameMode)
	p.WriteUint8(q.GameMission)
	p.WriteString(q.Description)
	WriteProtocolList(p)
}

func ReadQueryData(p *Packet) (QueryData, error) {
	var q QueryData
	var err error
	if q.Version, err = p.ReadSafeString(); err != nil {
		return q, err
	}
	state, err := p.ReadUint8()
	if err != nil {
		return q, err
	}
	q.State = ServerState(state)
	for _, f := range []*uint8{&q.NumPlayers, &q.MaxPlayers, &q.GameMode, &q.GameMission} {
		if *f, err = p.ReadUint8(); err != nil {
			return q, err
		}
	}
	if q.Description, err = p.ReadSafeString(); err != nil {
		return q, err
	}
	if q.Protocol, err = ReadProtocolList(p); err != nil {
		return q, err
	}
	return q, nil
}
