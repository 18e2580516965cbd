package protocol

import (
	"errors"
	"testing"
)

func TestPacketIntegers(t *testing.T) {
	p := NewPacket(0)
	p.WriteUint8(0xfe)
	p.WriteInt8(-3)
	p.WriteUint16(0xbeef)
	p.WriteInt16(-1234)
	p.WriteUint32(0xdeadbeef)
	p.WriteInt32(-7)
	p.WriteBool(true)

	if p.Len() != 1+1+2+2+4+4+1 {
		t.Fatalf("unexpected length %d", p.Len())
	}

	if v, err := p.ReadUint8(); err != nil || v != 0xfe {
		t.Errorf("uint8: got %d, %v", v, err)
	}
	if v, err := p.ReadInt8(); err != nil || v != -3 {
		t.Errorf("int8: got %d, %v", v, err)
	}
	if v, err := p.ReadUint16(); err != nil || v != 0xbeef {
		t.Errorf("uint16: got %x, %v", v, err)
	}
	if v, err := p.ReadInt16(); err != nil || v != -1234 {
		t.Errorf("int16: got %d, %v", v, err)
	}
	if v, err := p.ReadUint32(); err != nil || v != 0xdeadbeef {
		t.Errorf("uint32: got %x, %v", v, err)
	}
	if v, err := p.ReadInt32(); err != nil || v != -7 {
		t.Errorf("int32: got %d, %v", v, err)
	}
	if v, err := p.ReadBool(); err != nil || !v {
		t.Errorf("bool: got %v, %v", v, err)
	}
	if p.Remaining() != 0 {
		t.Errorf("expected packet fully consumed, %d left", p.Remaining())
	}
}

func TestPacketBigEndian(t *testing.T) {
	p := NewPacket(0)
	p.WriteUint32(0x01020304)
	got := p.Bytes()
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestPacketUnderrun(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(p *Packet) error
	}{
		{"uint8", nil, func(p *Packet) error { _, err := p.ReadUint8(); return err }},
		{"uint16", []byte{1}, func(p *Packet) error { _, err := p.ReadUint16(); return err }},
		{"uint32", []byte{1, 2, 3}, func(p *Packet) error { _, err := p.ReadUint32(); return err }},
		{"string", []byte("abc"), func(p *Packet) error { _, err := p.ReadString(); return err }},
		{"sha1", make([]byte, 19), func(p *Packet) error { _, err := p.ReadSHA1(); return err }},
		{"blob", []byte{1}, func(p *Packet) error { _, err := p.ReadBlob(2); return err }},
	}

	for _, tt := range tests {
		p := NewPacketFrom(tt.data)
		err := tt.read(p)
		if !errors.Is(err, ErrUnderrun) {
			t.Errorf("%s: expected ErrUnderrun, got %v", tt.name, err)
		}
		if p.Pos() != 0 {
			t.Errorf("%s: cursor moved to %d on failed read", tt.name, p.Pos())
		}
	}
}

func TestPacketStrings(t *testing.T) {
	p := NewPacket(0)
	p.WriteString("hello")
	p.WriteString("")
	p.WriteString("cut\x00here")
	p.WriteString("bad\x01chars\x7f")

	for _, want := range []string{"hello", "", "cut"} {
		got, err := p.ReadString()
		if err != nil {
			t.Fatalf("ReadString failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}

	got, err := p.ReadSafeString()
	if err != nil {
		t.Fatalf("ReadSafeString failed: %v", err)
	}
	if got != "badchars" {
		t.Errorf("expected non-printables stripped, got %q", got)
	}
}

func TestTruncateName(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz0123456789"
	got := TruncateName(long)
	if len(got) != MaxPlayerName-1 {
		t.Errorf("expected %d chars, got %d", MaxPlayerName-1, len(got))
	}
	if TruncateName("bob") != "bob" {
		t.Error("short names must be untouched")
	}
}

func TestPacketTypeHeader(t *testing.T) {
	p := NewTyped(PacketGameStart | ReliableFlag)
	typ, err := ReadType(NewPacketFrom(p.Bytes()))
	if err != nil {
		t.Fatalf("ReadType failed: %v", err)
	}
	if !typ.Reliable() {
		t.Error("expected reliable flag")
	}
	if typ.Base() != PacketGameStart {
		t.Errorf("expected GAMESTART, got %s", typ.Base())
	}
	if typ.String() != "GAMESTART+R" {
		t.Errorf("unexpected name %s", typ)
	}
	if PacketType(999).String() != "UNKNOWN(999)" {
		t.Errorf("unexpected name %s", PacketType(999))
	}
}

func TestNegotiate(t *testing.T) {
	a, b, c := Protocol(0), Protocol(1), Protocol(2)

	tests := []struct {
		name   string
		local  []Protocol
		remote []Protocol
		want   Protocol
	}{
		{"single match", []Protocol{a}, []Protocol{a}, a},
		{"highest wins", []Protocol{a, b, c}, []Protocol{c, a, b}, c},
		{"only mutual", []Protocol{a, b}, []Protocol{b, c}, b},
		{"none", []Protocol{a}, []Protocol{b, c}, ProtocolUnknown},
		{"unknown ignored", []Protocol{a}, []Protocol{ProtocolUnknown, a}, a},
		{"empty", []Protocol{a}, nil, ProtocolUnknown},
	}

	for _, tt := range tests {
		if got := Negotiate(tt.local, tt.remote); got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, got)
		}
	}
}

func TestProtocolList(t *testing.T) {
	p := NewPacket(0)
	WriteProtocolList(p)

	got, err := ReadProtocolList(p)
	if err != nil {
		t.Fatalf("ReadProtocolList failed: %v", err)
	}
	if got != ProtocolChocolateDoom0 {
		t.Errorf("expected %s, got %s", ProtocolChocolateDoom0, got)
	}

	p = NewPacket(0)
	p.WriteUint8(2)
	p.WriteString("SOMEONE_ELSES_PROTOCOL")
	p.WriteString("ANOTHER")
	got, err = ReadProtocolList(p)
	if err != nil {
		t.Fatalf("ReadProtocolList failed: %v", err)
	}
	if got != ProtocolUnknown {
		t.Errorf("expected unknown protocol, got %s", got)
	}
}

func BenchmarkWriteFullTicCmd(b *testing.B) {
	var cmd FullTicCmd
	for i := 0; i < 4; i++ {
		cmd.PlayerInGame[i] = true
		cmd.Cmds[i] = Diff(TicCmd{}, TicCmd{ForwardMove: 25, AngleTurn: 640, Buttons: 1})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := NewPacket(128)
		WriteFullTicCmd(p, cmd, false)
	}
}
