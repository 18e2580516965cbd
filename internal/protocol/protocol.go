package protocol

import (
	"fmt"
	"time"
)

const (
	// MaxNetNodes is the number of connection slots, observers included.
	MaxNetNodes = 16

	// MaxPlayers is the number of simulation-visible player slots.
	MaxPlayers = 8

	// MaxPlayerName is the size of a name field including its terminator.
	MaxPlayerName = 30

	// BackupTics is the depth of every tic window.
	BackupTics = 128

	// MagicNumber opens every SYN from a compatible client.
	MagicNumber uint32 = 1454104972

	// OldMagicNumber is sent by pre-negotiation clients. It is only
	// recognised so they can be told why they were turned away.
	OldMagicNumber uint32 = 3436803284

	DefaultPort = 2342
)

// Timing of the control discipline.
const (
	MaxRetries           = 5
	ReliableResendPeriod = time.Second
	KeepalivePeriod      = time.Second
	ConnectionTimeout    = 30 * time.Second
	DisconnectSleep      = 5 * time.Second
	ResendTimeout        = time.Second
	AckPeriod            = 200 * time.Millisecond
	MasterRefreshPeriod  = 20 * time.Minute
)

// SHA1 is a content checksum.
type SHA1 [20]byte

// PacketType is the 16-bit header of every session packet.
type PacketType uint16

// ReliableFlag marks a packet that carries a reliable sequence number and
// must be acknowledged.
const ReliableFlag PacketType = 1 << 15

const (
	PacketSYN PacketType = iota
	PacketACK            // deprecated, never sent
	PacketRejected
	PacketKeepalive
	PacketWaitingData
	PacketGameStart
	PacketGameData
	PacketGameDataACK
	PacketDisconnect
	PacketDisconnectACK
	PacketReliableACK
	PacketGameDataResend
	PacketConsoleMessage
	PacketQuery
	PacketQueryResponse
	PacketLaunch
	PacketNATHolePunch
)

var packetTypeNames = [...]string{
	PacketSYN:            "SYN",
	PacketACK:            "ACK",
	PacketRejected:       "REJECTED",
	PacketKeepalive:      "KEEPALIVE",
	PacketWaitingData:    "WAITING_DATA",
	PacketGameStart:      "GAMESTART",
	PacketGameData:       "GAMEDATA",
	PacketGameDataACK:    "GAMEDATA_ACK",
	PacketDisconnect:     "DISCONNECT",
	PacketDisconnectACK:  "DISCONNECT_ACK",
	PacketReliableACK:    "RELIABLE_ACK",
	PacketGameDataResend: "GAMEDATA_RESEND",
	PacketConsoleMessage: "CONSOLE_MESSAGE",
	PacketQuery:          "QUERY",
	PacketQueryResponse:  "QUERY_RESPONSE",
	PacketLaunch:         "LAUNCH",
	PacketNATHolePunch:   "NAT_HOLE_PUNCH",
}

// Reliable reports whether the reliable flag is set.
func (t PacketType) Reliable() bool { return t&ReliableFlag != 0 }

// Base strips the reliable flag.
func (t PacketType) Base() PacketType { return t &^ ReliableFlag }

func (t PacketType) String() string {
	base := t.Base()
	name := fmt.Sprintf("UNKNOWN(%d)", uint16(base))
	if int(base) < len(packetTypeNames) {
		name = packetTypeNames[base]
	}
	if t.Reliable() {
		return name + "+R"
	}
	return name
}

// MasterPacketType is the header of packets exchanged with a master server.
type MasterPacketType uint16

const (
	MasterAdd MasterPacketType = iota
	MasterAddResponse
	MasterQuery
	MasterQueryResponse
	MasterGetMetadata
	MasterGetMetadataResponse
	MasterSignStart
	MasterSignStartResponse
	MasterSignEnd
	MasterSignEndResponse
	MasterNATHolePunch
	MasterNATHolePunchAll
)

var masterTypeNames = [...]string{
	MasterAdd:                 "ADD",
	MasterAddResponse:         "ADD_RESPONSE",
	MasterQuery:               "QUERY",
	MasterQueryResponse:       "QUERY_RESPONSE",
	MasterGetMetadata:         "GET_METADATA",
	MasterGetMetadataResponse: "GET_METADATA_RESPONSE",
	MasterSignStart:           "SIGN_START",
	MasterSignStartResponse:   "SIGN_START_RESPONSE",
	MasterSignEnd:             "SIGN_END",
	MasterSignEndResponse:     "SIGN_END_RESPONSE",
	MasterNATHolePunch:        "NAT_HOLE_PUNCH",
	MasterNATHolePunchAll:     "NAT_HOLE_PUNCH_ALL",
}

func (t MasterPacketType) String() string {
	if int(t) < len(masterTypeNames) {
		return "MASTER_" + masterTypeNames[t]
	}
	return fmt.Sprintf("MASTER_UNKNOWN(%d)", uint16(t))
}

// NewTyped starts a packet with the given header.
func NewTyped(t PacketType) *Packet {
	p := NewPacket(64)
	p.WriteUint16(uint16(t))
	return p
}

// NewMaster starts a master protocol packet.
func NewMaster(t MasterPacketType) *Packet {
	p := NewPacket(64)
	p.WriteUint16(uint16(t))
	return p
}

// ReadType reads a session packet header.
func ReadType(p *Packet) (PacketType, error) {
	v, err := p.ReadUint16()
	return PacketType(v), err
}

// ReadMasterType reads a master packet header.
func ReadMasterType(p *Packet) (MasterPacketType, error) {
	v, err := p.ReadUint16()
	return MasterPacketType(v), err
}
