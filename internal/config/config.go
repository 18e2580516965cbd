// Package config loads the YAML configuration shared by the commands.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/LemmyAI/lockstep/internal/master"
	"github.com/LemmyAI/lockstep/internal/protocol"
	"github.com/LemmyAI/lockstep/internal/server"
	"github.com/LemmyAI/lockstep/internal/transport"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the whole configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Master    MasterConfig    `yaml:"master"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	HTTPAddr       string        `yaml:"http_addr"`
	Modules        []string      `yaml:"modules"`
	ICEServers     []string      `yaml:"ice_servers"`
	MaxPlayers     int           `yaml:"max_players"`
	Description    string        `yaml:"description"`
	Version        string        `yaml:"version"`
	MasterAddr     string        `yaml:"master_addr"`
	Register       bool          `yaml:"register"`
	GameMode       *uint8        `yaml:"game_mode"`
	GameMission    *uint8        `yaml:"game_mission"`
	WadSHA1        string        `yaml:"wad_sha1"`
	DehSHA1        string        `yaml:"deh_sha1"`
	WaitDataPeriod time.Duration `yaml:"wait_data_period"`
	QueryRate      float64       `yaml:"query_rate"`
	QueryBurst     int           `yaml:"query_burst"`
}

type TransportConfig struct {
	MaxMessageSize int           `yaml:"max_message_size"`
	RecvQueueSize  int           `yaml:"recv_queue_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

type MasterConfig struct {
	Port          int           `yaml:"port"`
	Database      string        `yaml:"database"`
	MaxAge        time.Duration `yaml:"max_age"`
	VerifyTimeout time.Duration `yaml:"verify_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	srv := server.DefaultConfig()
	tr := transport.DefaultConfig()
	m := master.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Port:           protocol.DefaultPort,
			HTTPAddr:       ":8080",
			Modules:        []string{"udp"},
			ICEServers:     append([]string(nil), transport.DefaultICEServers...),
			MaxPlayers:     srv.MaxPlayers,
			Description:    srv.Description,
			Version:        srv.Version,
			MasterAddr:     "master.chocolate-doom.org:2342",
			WaitDataPeriod: srv.WaitDataPeriod,
			QueryRate:      srv.QueryRate,
			QueryBurst:     srv.QueryBurst,
		},
		Transport: TransportConfig{
			MaxMessageSize: tr.MaxMessageSize,
			RecvQueueSize:  tr.RecvQueueSize,
			ReadTimeout:    tr.ReadTimeout,
			WriteTimeout:   tr.WriteTimeout,
			DialTimeout:    tr.DialTimeout,
		},
		Master: MasterConfig{
			Port:          protocol.DefaultPort,
			Database:      "master.sqlite",
			MaxAge:        m.MaxAge,
			VerifyTimeout: m.VerifyTimeout,
		},
		Log: LogConfig{Level: "info", Pretty: true},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values no component could run with.
func (c Config) Validate() error {
	s := c.Server
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: server port %d", ErrInvalid, s.Port)
	}
	if s.MaxPlayers < 1 || s.MaxPlayers > protocol.MaxPlayers {
		return fmt.Errorf("%w: max_players must be 1-%d, got %d", ErrInvalid, protocol.MaxPlayers, s.MaxPlayers)
	}
	if len(s.Modules) == 0 {
		return fmt.Errorf("%w: no transport modules", ErrInvalid)
	}
	for _, m := range s.Modules {
		switch m {
		case "udp", "websocket", "webrtc":
		default:
			return fmt.Errorf("%w: unknown module %q", ErrInvalid, m)
		}
	}
	if s.Register && s.MasterAddr == "" {
		return fmt.Errorf("%w: register needs master_addr", ErrInvalid)
	}
	for name, sum := range map[string]string{"wad_sha1": s.WadSHA1, "deh_sha1": s.DehSHA1} {
		if _, err := parseSHA1(sum); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if s.QueryRate <= 0 || s.QueryBurst < 1 {
		return fmt.Errorf("%w: query rate %g burst %d", ErrInvalid, s.QueryRate, s.QueryBurst)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func parseSHA1(s string) (*protocol.SHA1, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var sum protocol.SHA1
	if len(b) != len(sum) {
		return nil, fmt.Errorf("want %d bytes, got %d", len(sum), len(b))
	}
	copy(sum[:], b)
	return &sum, nil
}

// ServerSession converts to the session server's configuration.
func (c Config) ServerSession() server.Config {
	s := c.Server
	out := server.DefaultConfig()
	out.MaxPlayers = s.MaxPlayers
	out.Description = s.Description
	out.Version = s.Version
	out.GameMode = s.GameMode
	out.GameMission = s.GameMission
	out.WadSHA1, _ = parseSHA1(s.WadSHA1)
	out.DehSHA1, _ = parseSHA1(s.DehSHA1)
	out.WaitDataPeriod = s.WaitDataPeriod
	out.QueryRate = s.QueryRate
	out.QueryBurst = s.QueryBurst
	if s.Register {
		out.MasterAddr = s.MasterAddr
	}
	return out
}

func (c Config) TransportModule() transport.Config {
	t := c.Transport
	return transport.Config{
		MaxMessageSize: t.MaxMessageSize,
		RecvQueueSize:  t.RecvQueueSize,
		ReadTimeout:    t.ReadTimeout,
		WriteTimeout:   t.WriteTimeout,
		DialTimeout:    t.DialTimeout,
	}
}

func (c Config) MasterService() master.Config {
	out := master.DefaultConfig()
	out.MaxAge = c.Master.MaxAge
	out.VerifyTimeout = c.Master.VerifyTimeout
	out.MaxPacketSize = c.Transport.MaxMessageSize
	return out
}

// SetupLogging configures the global logger.
func SetupLogging(c LogConfig, w io.Writer) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}
