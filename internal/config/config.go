// Package config loads the server configuration from YAML. Every field is
// optional; missing fields keep the values of Default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/statesync"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Registry registry.Config `yaml:"registry"`
	Document document.Config `yaml:"document"`
	Sync     SyncConfig      `yaml:"sync"`
	Log      LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	// Addr serves HTTP: the websocket endpoint, health, metrics and rooms.
	Addr   string `yaml:"addr"`
	WSPath string `yaml:"ws_path"`
	// QUICAddr enables the QUIC listener when set. It uses a self-signed
	// certificate unless CertFile and KeyFile are given.
	QUICAddr string `yaml:"quic_addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	ReadLimit        int64         `yaml:"read_limit"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

type SyncConfig struct {
	statesync.Config `yaml:",inline"`
	AutoSync         bool        `yaml:"auto_sync"`
	Redis            RedisConfig `yaml:"redis"`
}

// RedisConfig enables publishing state changes to redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			WSPath:           "/ws",
			ReadLimit:        1 << 20,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Registry: registry.DefaultConfig(),
		Document: document.DefaultConfig(),
		Sync: SyncConfig{
			Config:   statesync.DefaultConfig(),
			AutoSync: true,
			Redis:    RedisConfig{Channel: "zeuscollab:state"},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over Default and validates the result. Unknown
// fields are rejected.
func Parse(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid section at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: server.addr is empty", ErrInvalidConfig))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("%w: server.ws_path must start with /", ErrInvalidConfig))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, fmt.Errorf("%w: server.cert_file and server.key_file go together", ErrInvalidConfig))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: server.read_limit must be positive", ErrInvalidConfig))
	}
	if err := c.Registry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Document.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Sync.Config.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.Redis.Enabled() && c.Sync.Redis.Channel == "" {
		errs = append(errs, fmt.Errorf("%w: sync.redis.channel is empty", ErrInvalidConfig))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err))
	}
	return errors.Join(errs...)
}

// LogConfig converts the log section for log.New.
func (c Config) LogConfig() log.Config {
	cfg := log.DefaultConfig()
	if level, err := log.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Development = c.Log.Development
	return cfg
}
