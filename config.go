package ioloop

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defReadBufferSize    = 64 * 1024
	defWriteBudget       = 2
	defResolverTimeoutMs = 2000
	defResolverAttempts  = 3
	defResolverCacheSize = 1024
	defResolvConf        = "/etc/resolv.conf"
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

type LoopConfig struct {
	Name            string `yaml:"name" toml:"name"`
	LockOSThread    bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
	EventBufferSize int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	ReadBufferSize  int    `yaml:"read_buffer_size" toml:"read_buffer_size"`
	// WriteBudget caps the writev calls one writability event may issue for a handle.
	WriteBudget  int    `yaml:"write_budget" toml:"write_budget"`
	SocketRcvBuf int    `yaml:"socket_rcv_buf" toml:"socket_rcv_buf"`
	SocketSndBuf int    `yaml:"socket_snd_buf" toml:"socket_snd_buf"`
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
}

type ResolverConfig struct {
	Servers    []string `yaml:"servers" toml:"servers"`
	ResolvConf string   `yaml:"resolv_conf" toml:"resolv_conf"`
	TimeoutMs  int      `yaml:"timeout_ms" toml:"timeout_ms"`
	Attempts   int      `yaml:"attempts" toml:"attempts"`
	// CacheSize is the number of resolved names kept; zero disables caching.
	CacheSize int64 `yaml:"cache_size" toml:"cache_size"`
}

// RelayConfig describes a TCP relay: connections accepted on Listen are piped to one of
// Targets chosen by client address.
type RelayConfig struct {
	Name      string   `yaml:"name" toml:"name"`
	Listen    string   `yaml:"listen" toml:"listen"`
	Targets   []string `yaml:"targets" toml:"targets"`
	HighWater int      `yaml:"high_water" toml:"high_water"`
}

type Config struct {
	Global   Global         `yaml:"global" toml:"global"`
	Loop     LoopConfig     `yaml:"loop" toml:"loop"`
	Resolver ResolverConfig `yaml:"resolver" toml:"resolver"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
}

func DefaultConfig() *Config {
	return &Config{
		Global:   Global{LogLevel: "info"},
		Loop:     LoopConfig{}.withDefaults(),
		Resolver: ResolverConfig{CacheSize: defResolverCacheSize}.withDefaults(),
	}
}

func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, errors.Errorf("unknown config format: %s", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", filePath)
	}
	config.Loop = config.Loop.withDefaults()
	config.Resolver = config.Resolver.withDefaults()
	if config.Global.LogLevel == "" {
		config.Global.LogLevel = "info"
	}
	if err = validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if err := config.Loop.validate(); err != nil {
		return err
	}
	if err := config.Resolver.validate(); err != nil {
		return err
	}
	if config.Relay.HighWater < 0 {
		return errors.New("relay.high_water must not be negative")
	}
	return nil
}

func (c LoopConfig) validate() error {
	if c.EventBufferSize < 0 {
		return errors.New("loop.event_buffer_size must not be negative")
	}
	if c.ReadBufferSize <= 0 {
		return errors.New("loop.read_buffer_size must be positive")
	}
	if c.WriteBudget <= 0 {
		return errors.New("loop.write_budget must be positive")
	}
	if c.SocketRcvBuf < 0 || c.SocketSndBuf < 0 {
		return errors.New("loop socket buffer sizes must not be negative")
	}
	return nil
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Name == "" {
		c.Name = "MainLoop"
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = defEventsBufferSize
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = defReadBufferSize
	}
	if c.WriteBudget == 0 {
		c.WriteBudget = defWriteBudget
	}
	return c
}

func (c ResolverConfig) validate() error {
	if c.TimeoutMs <= 0 {
		return errors.New("resolver.timeout_ms must be positive")
	}
	if c.Attempts <= 0 {
		return errors.New("resolver.attempts must be positive")
	}
	if c.CacheSize < 0 {
		return errors.New("resolver.cache_size must not be negative")
	}
	return nil
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.TimeoutMs == 0 {
		c.TimeoutMs = defResolverTimeoutMs
	}
	if c.Attempts == 0 {
		c.Attempts = defResolverAttempts
	}
	if c.ResolvConf == "" && len(c.Servers) == 0 {
		c.ResolvConf = defResolvConf
	}
	return c
}
