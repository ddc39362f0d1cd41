package touchfish

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// RateConfig limits how much a single client may send: Amount units per
// Interval. A zero Amount disables the limit.
type RateConfig struct {
	Amount   int           `yaml:"amount"`
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether the limit applies.
func (r RateConfig) Enabled() bool {
	return r.Amount > 0 && r.Interval > 0
}

// JoinPattern recognizes a join announcement of the form
// Prefix + name + Suffix.
type JoinPattern struct {
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
}

// DefaultJoinPatterns covers the English announcement and the one sent by
// TouchFish LTS clients.
var DefaultJoinPatterns = []JoinPattern{
	{Prefix: "user ", Suffix: " has joined the room"},
	{Prefix: "用户 ", Suffix: " 加入聊天室"},
}

// Config holds the relay settings. It is read once by NewServer.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`

	// Keepalive tuning in seconds.
	KeepAliveIdle     int `yaml:"keepalive_idle"`
	KeepAliveInterval int `yaml:"keepalive_interval"`

	// PollInterval bounds every blocking read so receivers notice Stop.
	PollInterval time.Duration `yaml:"poll_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit is in bytes, MessageLimit in lines.
	ReadLimit    RateConfig `yaml:"read_limit"`
	MessageLimit RateConfig `yaml:"message_limit"`

	// Notice prefixes server generated messages such as kick reasons.
	Notice       string        `yaml:"notice"`
	JoinPatterns []JoinPattern `yaml:"join_patterns"`
}

// DefaultConfig returns the settings of a stock TouchFish server.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		MaxConnections:    100,
		KeepAliveIdle:     180 * 60,
		KeepAliveInterval: 30,
		PollInterval:      100 * time.Millisecond,
		WriteTimeout:      10 * time.Second,
		Notice:            "[系统提示] ",
		JoinPatterns:      append([]JoinPattern(nil), DefaultJoinPatterns...),
	}
}

// Addr is the host:port the server binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// KeepAlive converts the keepalive seconds into socket options.
func (c Config) KeepAlive() net.KeepAliveConfig {
	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(c.KeepAliveIdle) * time.Second,
		Interval: time.Duration(c.KeepAliveInterval) * time.Second,
		Count:    -1,
	}
}

// sanitize fills unset fields with defaults. Port 0 is kept so callers can
// ask for an ephemeral port.
func (c Config) sanitize() Config {
	def := DefaultConfig()

	if c.Port < 0 {
		c.Port = def.Port
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.KeepAliveIdle <= 0 {
		c.KeepAliveIdle = def.KeepAliveIdle
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.JoinPatterns == nil {
		c.JoinPatterns = def.JoinPatterns
	}
	c.JoinPatterns = append([]JoinPattern(nil), c.JoinPatterns...)
	return c
}

// LoadConfig reads a YAML config file on top of DefaultConfig. Unknown keys
// are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
