package protocol

// Protocol identifies a wire protocol revision. Values are ordered: when
// both sides support several, the highest wins. Only the names travel on
// the wire, so the numeric values are local to this build.
type Protocol int

const (
	ProtocolChocolateDoom0 Protocol = iota

	numProtocols

	ProtocolUnknown Protocol = -1
)

var protocolNames = [numProtocols]string{
	ProtocolChocolateDoom0: "CHOCOLATE_DOOM_0",
}

// Supported lists every protocol this build speaks, lowest first.
func Supported() []Protocol {
	out := make([]Protocol, 0, numProtocols)
	for p := Protocol(0); p < numProtocols; p++ {
		out = append(out, p)
	}
	return out
}

func (p Protocol) String() string {
	if p >= 0 && p < numProtocols {
		return protocolNames[p]
	}
	return "UNKNOWN"
}

// ParseProtocol maps a wire name to a protocol, or ProtocolUnknown.
func ParseProtocol(name string) Protocol {
	for p, n := range protocolNames {
		if n == name {
			return Protocol(p)
		}
	}
	return ProtocolUnknown
}

// Negotiate picks the highest protocol present in both lists. Ties cannot
// occur in a total order except through duplicates; the first listed wins.
func Negotiate(local, remote []Protocol) Protocol {
	best := ProtocolUnknown
	for _, r := range remote {
		if r == ProtocolUnknown || r <= best {
			continue
		}
		for _, l := range local {
			if l == r {
				best = r
				break
			}
		}
	}
	return best
}

func WriteProtocol(p *Packet, proto Protocol) { p.WriteString(proto.String()) }

// ReadProtocol reads a single protocol name. Unknown names are not an
// error; they yield ProtocolUnknown.
func ReadProtocol(p *Packet) (Protocol, error) {
	name, err := p.ReadString()
	if err != nil {
		return ProtocolUnknown, err
	}
	return ParseProtocol(name), nil
}

// WriteProtocolList advertises every supported protocol.
func WriteProtocolList(p *Packet) {
	supported := Supported()
	p.WriteUint8(uint8(len(supported)))
	for _, proto := range supported {
		WriteProtocol(p, proto)
	}
}

// ReadProtocolList reads an advertised list and returns the best protocol
// both sides support, or ProtocolUnknown.
func ReadProtocolList(p *Packet) (Protocol, error) {
	n, err := p.ReadUint8()
	if err != nil {
		return ProtocolUnknown, err
	}
	remote := make([]Protocol, 0, n)
	for i := 0; i < int(n); i++ {
		proto, err := ReadProtocol(p)
		if err != nil {
			return ProtocolUnknown, err
		}
		remote = append(remote, proto)
	}
	return Negotiate(Supported(), remote), nil
}
