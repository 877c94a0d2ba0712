package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pipebroker/internal/logging"
	"github.com/danmuck/pipebroker/internal/notify"
	gotoml "github.com/pelletier/go-toml/v2"
)

const EnvAdminToken = "PIPEBROKER_ADMIN_TOKEN"

const maxRelayBuffer = 64 << 20

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func D(v time.Duration) Duration { return Duration{Duration: v} }

type ListenerConfig struct {
	Addr             string   `toml:"addr"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

// ClientConfig is the client listener section. NotifyRecipient receives the
// pairing notification when the client frame names no userguid; it is
// required with AssignPipe.
type ClientConfig struct {
	ListenerConfig
	AssignPipe      bool        `toml:"assign_pipe"`
	NotifyMode      notify.Mode `toml:"notify_mode"`
	NotifyRecipient string      `toml:"notify_recipient"`
}

type HandshakeConfig struct {
	// AckWriteTimeout bounds the connect-success write to the target.
	AckWriteTimeout Duration `toml:"ack_write_timeout"`
}

type ProtocolConfig struct {
	MaxBodyBytes int `toml:"max_body_bytes"`
}

type SessionConfig struct {
	PairTimeout  Duration `toml:"pair_timeout"`
	ReapInterval Duration `toml:"reap_interval"`
}

type RelayConfig struct {
	BufferSize int `toml:"buffer_size"`
}

type SupervisorConfig struct {
	MinBackoff Duration `toml:"min_backoff"`
	MaxBackoff Duration `toml:"max_backoff"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

type NotifyConfig struct {
	Hub        bool `toml:"hub"`
	QueueSize  int  `toml:"queue_size"`
	MaxDurable int  `toml:"max_durable"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the full pipebroker configuration file.
type Config struct {
	Target     ListenerConfig   `toml:"target"`
	Client     ClientConfig     `toml:"client"`
	Protocol   ProtocolConfig   `toml:"protocol"`
	Handshake  HandshakeConfig  `toml:"handshake"`
	Session    SessionConfig    `toml:"session"`
	Relay      RelayConfig      `toml:"relay"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Admin      AdminConfig      `toml:"admin"`
	Notify     NotifyConfig     `toml:"notify"`
	Log        LogConfig        `toml:"log"`
}

func Default() Config {
	return Config{
		Target: ListenerConfig{
			Addr:             ":5901",
			HandshakeTimeout: D(30 * time.Second),
		},
		Client: ClientConfig{
			ListenerConfig: ListenerConfig{
				Addr:             ":5902",
				HandshakeTimeout: D(30 * time.Second),
			},
			NotifyMode: notify.ModeRealtime,
		},
		Protocol: ProtocolConfig{
			MaxBodyBytes: 64 * 1024,
		},
		Handshake: HandshakeConfig{
			AckWriteTimeout: D(10 * time.Second),
		},
		Session: SessionConfig{
			PairTimeout:  D(2 * time.Minute),
			ReapInterval: D(15 * time.Second),
		},
		Relay: RelayConfig{
			BufferSize: 4 << 20,
		},
		Supervisor: SupervisorConfig{
			MinBackoff: D(250 * time.Millisecond),
			MaxBackoff: D(10 * time.Second),
		},
		Admin: AdminConfig{
			CorsOrigins: []string{},
		},
		Notify: NotifyConfig{
			QueueSize:  64,
			MaxDurable: 128,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load overlays the file at path onto Default and validates the result.
// Unknown keys are rejected. admin.token falls back to PIPEBROKER_ADMIN_TOKEN.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(os.Getenv(EnvAdminToken))
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Target.Addr = strings.TrimSpace(c.Target.Addr)
	c.Client.Addr = strings.TrimSpace(c.Client.Addr)
	c.Admin.Addr = strings.TrimSpace(c.Admin.Addr)
	c.Admin.Token = strings.TrimSpace(c.Admin.Token)
	c.Client.NotifyRecipient = strings.TrimSpace(c.Client.NotifyRecipient)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

func Validate(cfg Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validAddr(cfg.Target.Addr), "target.addr %q is not host:port", cfg.Target.Addr)
	check(validAddr(cfg.Client.Addr), "client.addr %q is not host:port", cfg.Client.Addr)
	check(cfg.Target.Addr != cfg.Client.Addr, "target.addr and client.addr must differ")
	if cfg.Admin.Addr != "" {
		check(validAddr(cfg.Admin.Addr), "admin.addr %q is not host:port", cfg.Admin.Addr)
		check(cfg.Admin.Addr != cfg.Target.Addr && cfg.Admin.Addr != cfg.Client.Addr,
			"admin.addr must differ from the pairing listeners")
	}
	check(cfg.Target.HandshakeTimeout.Duration > 0, "target.handshake_timeout must be positive")
	check(cfg.Client.HandshakeTimeout.Duration > 0, "client.handshake_timeout must be positive")
	check(!cfg.Client.AssignPipe || cfg.Client.NotifyRecipient != "",
		"client.assign_pipe requires client.notify_recipient")
	check(cfg.Protocol.MaxBodyBytes >= 256, "protocol.max_body_bytes must be at least 256")
	check(cfg.Session.PairTimeout.Duration >= 0, "session.pair_timeout must not be negative")
	check(cfg.Session.ReapInterval.Duration >= 0, "session.reap_interval must not be negative")
	check(cfg.Relay.BufferSize > 0 && cfg.Relay.BufferSize <= maxRelayBuffer,
		"relay.buffer_size must be in (0, %d]", maxRelayBuffer)
	check(cfg.Handshake.AckWriteTimeout.Duration > 0, "handshake.ack_write_timeout must be positive")
	check(cfg.Supervisor.MinBackoff.Duration > 0, "supervisor.min_backoff must be positive")
	check(cfg.Supervisor.MaxBackoff.Duration >= cfg.Supervisor.MinBackoff.Duration,
		"supervisor.max_backoff must be >= min_backoff")
	check(cfg.Notify.QueueSize > 0, "notify.queue_size must be positive")
	check(cfg.Notify.MaxDurable >= 0, "notify.max_durable must not be negative")
	if cfg.Notify.Hub {
		check(cfg.Admin.Addr != "", "notify.hub requires admin.addr")
	}
	if cfg.Log.Level != "" {
		_, ok := logging.ParseLevel(cfg.Log.Level)
		check(ok, "log.level %q is unknown", cfg.Log.Level)
	}
	return errors.Join(errs...)
}

func validAddr(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// Render encodes cfg as TOML.
func Render(cfg Config) ([]byte, error) {
	return gotoml.Marshal(cfg)
}
