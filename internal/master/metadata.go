package master

import (
	"errors"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/LemmyAI/lockstep/internal/protocol"
)

var ErrBadMetadata = errors.New("malformed metadata")

// Field numbers of an encoded record. A metadata response is a sequence
// of field 1, each holding one record.
const (
	fieldRecord protowire.Number = 1

	fieldAddr        protowire.Number = 1
	fieldVersion     protowire.Number = 2
	fieldDescription protowire.Number = 3
	fieldState       protowire.Number = 4
	fieldNumPlayers  protowire.Number = 5
	fieldMaxPlayers  protowire.Number = 6
	fieldGameMode    protowire.Number = 7
	fieldGameMission protowire.Number = 8
	fieldAdded       protowire.Number = 9
)

// EncodeMetadata serializes records for a GET_METADATA response.
func EncodeMetadata(records []Record) []byte {
	var out []byte
	for _, r := range records {
		out = protowire.AppendTag(out, fieldRecord, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeRecord(r))
	}
	return out
}

func encodeRecord(r Record) []byte {
	var b []byte
	b = appendString(b, fieldAddr, r.Addr)
	b = appendString(b, fieldVersion, r.Data.Version)
	b = appendString(b, fieldDescription, r.Data.Description)
	b = appendVarint(b, fieldState, uint64(r.Data.State))
	b = appendVarint(b, fieldNumPlayers, uint64(r.Data.NumPlayers))
	b = appendVarint(b, fieldMaxPlayers, uint64(r.Data.MaxPlayers))
	b = appendVarint(b, fieldGameMode, uint64(r.Data.GameMode))
	b = appendVarint(b, fieldGameMission, uint64(r.Data.GameMission))
	b = appendVarint(b, fieldAdded, uint64(r.Added.Unix()))
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// DecodeMetadata parses a GET_METADATA response. Unknown fields are
// skipped.
func DecodeMetadata(b []byte) ([]Record, error) {
	var out []Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrBadMetadata
		}
		b = b[n:]
		if num != fieldRecord || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrBadMetadata
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, ErrBadMetadata
		}
		b = b[n:]
		r, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, ErrBadMetadata
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return r, ErrBadMetadata
			}
			b = b[n:]
			switch num {
			case fieldAddr:
				r.Addr = v
			case fieldVersion:
				r.Data.Version = v
			case fieldDescription:
				r.Data.Description = v
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, ErrBadMetadata
			}
			b = b[n:]
			switch num {
			case fieldState:
				r.Data.State = protocol.ServerState(v)
			case fieldNumPlayers:
				r.Data.NumPlayers = uint8(v)
			case fieldMaxPlayers:
				r.Data.MaxPlayers = uint8(v)
			case fieldGameMode:
				r.Data.GameMode = uint8(v)
			case fieldGameMission:
				r.Data.GameMission = uint8(v)
			case fieldAdded:
				r.Added = time.Unix(int64(v), 0)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, ErrBadMetadata
			}
			b = b[n:]
		}
	}
	return r, nil
}
