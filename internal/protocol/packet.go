// Package protocol implements the lockstep wire format: a cursor-based
// packet codec plus the typed records exchanged between nodes.
//
// All multi-byte integers are big-endian. Strings are NUL-terminated.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet is a growable byte buffer with a read cursor. Writes always append;
// reads consume from the cursor and never advance past the written length.
type Packet struct {
	data []byte
	pos  int
}

// NewPacket creates an empty packet with room for size bytes.
func NewPacket(size int) *Packet {
	return &Packet{data: make([]byte, 0, size)}
}

// NewPacketFrom creates a packet holding a copy of b, ready for reading.
func NewPacketFrom(b []byte) *Packet {
	data := make([]byte, len(b))
	copy(data, b)
	return &Packet{data: data}
}

// Bytes returns the written contents.
func (p *Packet) Bytes() []byte { return p.data }

// Len returns the number of bytes written.
func (p *Packet) Len() int { return len(p.data) }

// Pos returns the read cursor.
func (p *Packet) Pos() int { return p.pos }

// Remaining returns the number of unread bytes.
func (p *Packet) Remaining() int { return len(p.data) - p.pos }

// Rewind moves the read cursor back to the start.
func (p *Packet) Rewind() { p.pos = 0 }

// Dup returns an independent copy with the cursor at the start.
func (p *Packet) Dup() *Packet { return NewPacketFrom(p.data) }

func (p *Packet) take(n int) ([]byte, error) {
	if p.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrUnderrun, n, p.pos, p.Remaining())
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *Packet) WriteUint8(v uint8) { p.data = append(p.data, v) }

func (p *Packet) WriteInt8(v int8) { p.WriteUint8(uint8(v)) }

func (p *Packet) WriteUint16(v uint16) { p.data = binary.BigEndian.AppendUint16(p.data, v) }

func (p *Packet) WriteInt16(v int16) { p.WriteUint16(uint16(v)) }

func (p *Packet) WriteUint32(v uint32) { p.data = binary.BigEndian.AppendUint32(p.data, v) }

func (p *Packet) WriteInt32(v int32) { p.WriteUint32(uint32(v)) }

// WriteBool writes a boolean as a single byte.
func (p *Packet) WriteBool(v bool) {
	if v {
		p.WriteUint8(1)
		return
	}
	p.WriteUint8(0)
}

// WriteBlob appends b verbatim. The reader must know its size.
func (p *Packet) WriteBlob(b []byte) { p.data = append(p.data, b...) }

// WriteString writes s followed by a NUL terminator. Anything after an
// embedded NUL is not written.
func (p *Packet) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			s = s[:i]
			break
		}
	}
	p.data = append(p.data, s...)
	p.data = append(p.data, 0)
}

// WriteSHA1 writes a 20 byte digest.
func (p *Packet) WriteSHA1(sum SHA1) { p.WriteBlob(sum[:]) }

func (p *Packet) ReadUint8() (uint8, error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (p *Packet) ReadInt8() (int8, error) {
	v, err := p.ReadUint8()
	return int8(v), err
}

func (p *Packet) ReadUint16() (uint16, error) {
	b, err := p.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (p *Packet) ReadInt16() (int16, error) {
	v, err := p.ReadUint16()
	return int16(v), err
}

func (p *Packet) ReadUint32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *Packet) ReadInt32() (int32, error) {
	v, err := p.ReadUint32()
	return int32(v), err
}

func (p *Packet) ReadBool() (bool, error) {
	v, err := p.ReadUint8()
	return v != 0, err
}

// ReadBlob reads exactly n bytes. The result is a copy.
func (p *Packet) ReadBlob(n int) ([]byte, error) {
	b, err := p.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadString reads a NUL-terminated string. A missing terminator is an
// underrun: the packet was cut short.
func (p *Packet) ReadString() (string, error) {
	for i := p.pos; i < len(p.data); i++ {
		if p.data[i] == 0 {
			s := string(p.data[p.pos:i])
			p.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at offset %d", ErrUnderrun, p.pos)
}

// ReadSafeString reads a string and strips any non-printable characters.
func (p *Packet) ReadSafeString() (string, error) {
	s, err := p.ReadString()
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 0x20 && c < 0x7f || c == '\n' {
			out = append(out, c)
		}
	}
	return string(out), nil
}

func (p *Packet) ReadSHA1() (SHA1, error) {
	var sum SHA1
	b, err := p.take(len(sum))
	if err != nil {
		return sum, err
	}
	copy(sum[:], b)
	return sum, nil
}

// TruncateName caps a player name to what fits in MaxPlayerName including
// the terminator. Excess is dropped, not rejected.
func TruncateName(name string) string {
	if len(name) >= MaxPlayerName {
		return name[:MaxPlayerName-1]
	}
	return name
}
