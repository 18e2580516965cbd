package protocol

import (
	"errors"
	"testing"
)

func sampleTicCmd() TicCmd {
	return TicCmd{
		ForwardMove: 50,
		SideMove:    -24,
		AngleTurn:   -1280,
		ChatChar:    'h',
		Buttons:     3,
		Consistency: 0x1234,
		LookFly:     2,
		Arti:        7,
		Buttons2:    1,
		Inventory:   -2,
	}
}

func TestTicDiffRoundTrip(t *testing.T) {
	cur := sampleTicCmd()
	diff := Diff(TicCmd{}, cur)
	if diff.Diff != DiffForward|DiffSide|DiffTurn|DiffButtons|DiffConsistency|DiffChatChar|DiffRaven|DiffStrife {
		t.Fatalf("expected every flag set, got %08b", diff.Diff)
	}

	p := NewPacket(0)
	WriteTicDiff(p, diff, false)
	got, err := ReadTicDiff(p, false)
	if err != nil {
		t.Fatalf("ReadTicDiff failed: %v", err)
	}
	if got != diff {
		t.Errorf("expected %+v, got %+v", diff, got)
	}
}

func TestTicDiffLowRes(t *testing.T) {
	diff := Diff(TicCmd{}, TicCmd{AngleTurn: 0x0580})

	p := NewPacket(0)
	WriteTicDiff(p, diff, true)
	if p.Len() != 2 {
		t.Fatalf("expected 2 bytes for lowres turn, got %d", p.Len())
	}
	got, err := ReadTicDiff(p, true)
	if err != nil {
		t.Fatalf("ReadTicDiff failed: %v", err)
	}
	if got.Cmd.AngleTurn != 0x0500 {
		t.Errorf("expected turn 0x0500, got %#x", got.Cmd.AngleTurn)
	}
}

func TestDiffPatch(t *testing.T) {
	prev := sampleTicCmd()
	cur := prev
	cur.ForwardMove = 10
	cur.ChatChar = 0

	diff := Diff(prev, cur)
	if diff.Diff != DiffForward {
		t.Fatalf("expected only forward flagged, got %08b", diff.Diff)
	}

	p := NewPacket(0)
	WriteTicDiff(p, diff, false)
	if p.Len() != 2 {
		t.Errorf("expected compact encoding of 2 bytes, got %d", p.Len())
	}
	decoded, err := ReadTicDiff(p, false)
	if err != nil {
		t.Fatalf("ReadTicDiff failed: %v", err)
	}

	if got := Patch(prev, decoded); got != cur {
		t.Errorf("expected %+v, got %+v", cur, got)
	}
}

func TestFullTicCmdRoundTrip(t *testing.T) {
	var cmd FullTicCmd
	cmd.Latency = -12
	cmd.PlayerInGame[0] = true
	cmd.PlayerInGame[3] = true
	cmd.Cmds[0] = Diff(TicCmd{}, sampleTicCmd())
	cmd.Cmds[3] = Diff(TicCmd{}, TicCmd{SideMove: 5})

	p := NewPacket(0)
	WriteFullTicCmd(p, cmd, false)
	got, err := ReadFullTicCmd(p, false)
	if err != nil {
		t.Fatalf("ReadFullTicCmd failed: %v", err)
	}
	if got != cmd {
		t.Errorf("expected %+v, got %+v", cmd, got)
	}

	// every truncation must fail cleanly
	full := p.Bytes()
	for n := 0; n < len(full); n++ {
		if _, err := ReadFullTicCmd(NewPacketFrom(full[:n]), false); !errors.Is(err, ErrUnderrun) {
			t.Errorf("truncated at %d: expected ErrUnderrun, got %v", n, err)
		}
	}
}

func TestConnectDataRoundTrip(t *testing.T) {
	d := ConnectData{
		GameMode:    2,
		GameMission: 1,
		LowResTurn:  true,
		Drone:       true,
		MaxPlayers:  4,
		IsFreedoom:  true,
		PlayerClass: 3,
	}
	d.WadSHA1[0], d.WadSHA1[19] = 0xaa, 0xbb
	d.DehSHA1[5] = 0xcc

	p := NewPacket(0)
	WriteConnectData(p, d)
	got, err := ReadConnectData(p)
	if err != nil {
		t.Fatalf("ReadConnectData failed: %v", err)
	}
	if got != d {
		t.Errorf("expected %+v, got %+v", d, got)
	}
}

func TestGameSettingsRoundTrip(t *testing.T) {
	s := GameSettings{
		TicDup:        2,
		ExtraTics:     1,
		Deathmatch:    1,
		NoMonsters:    true,
		Episode:       1,
		Map:           7,
		Skill:         3,
		TimeLimit:     20,
		LoadGame:      -1,
		NumPlayers:    3,
		ConsolePlayer: 2,
	}
	s.PlayerClasses[2] = 1

	p := NewPacket(0)
	WriteGameSettings(p, s)
	got, err := ReadGameSettings(p)
	if err != nil {
		t.Fatalf("ReadGameSettings failed: %v", err)
	}
	if got != s {
		t.Errorf("expected %+v, got %+v", s, got)
	}
}

func TestGameSettingsValidate(t *testing.T) {
	tests := []struct {
		name string
		s    GameSettings
		ok   bool
	}{
		{"defaults", GameSettings{TicDup: 1}, true},
		{"zero ticdup", GameSettings{}, false},
		{"huge extratics", GameSettings{TicDup: 1, ExtraTics: BackupTics / 2}, false},
		{"too many players", GameSettings{TicDup: 1, NumPlayers: MaxPlayers + 1}, false},
	}
	for _, tt := range tests {
		err := tt.s.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: expected ok=%v, got %v", tt.name, tt.ok, err)
		}
	}
}

func TestGameSettingsRejectsTooManyPlayers(t *testing.T) {
	p := NewPacket(0)
	WriteGameSettings(p, GameSettings{TicDup: 1})
	raw := p.Bytes()
	// NumPlayers sits after 18 bytes of fixed fields
	raw[18] = MaxPlayers + 1

	_, err := ReadGameSettings(NewPacketFrom(raw))
	if !errors.Is(err, ErrTooManyPlayers) {
		t.Errorf("expected ErrTooManyPlayers, got %v", err)
	}
}

func TestWaitDataRoundTrip(t *testing.T) {
	d := WaitData{
		NumPlayers:    2,
		NumDrones:     1,
		ReadyPlayers:  1,
		MaxPlayers:    4,
		IsController:  true,
		ConsolePlayer: 1,
		IsFreedoom:    true,
	}
	d.PlayerNames[0], d.PlayerAddrs[0] = "alice", "10.0.0.1:2342"
	d.PlayerNames[1], d.PlayerAddrs[1] = "bob", "10.0.0.2:2342"
	d.WadSHA1[3] = 9

	p := NewPacket(0)
	WriteWaitData(p, d)
	got, err := ReadWaitData(p)
	if err != nil {
		t.Fatalf("ReadWaitData failed: %v", err)
	}
	if got != d {
		t.Errorf("expected %+v, got %+v", d, got)
	}
}

func TestQueryDataRoundTrip(t *testing.T) {
	q := QueryData{
		Version:     "lockstep 0.1.0",
		State:       ServerInGame,
		NumPlayers:  3,
		MaxPlayers:  8,
		GameMode:    1,
		GameMission: 2,
		Description: "friday night",
		Protocol:    ProtocolChocolateDoom0,
	}

	p := NewPacket(0)
	WriteQueryData(p, q)
	got, err := ReadQueryData(p)
	if err != nil {
		t.Fatalf("ReadQueryData failed: %v", err)
	}
	if got != q {
		t.Errorf("expected %+v, got %+v", q, got)
	}
}
