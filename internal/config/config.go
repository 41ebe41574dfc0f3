package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

type AMIConfig struct {
	Addr              string        `yaml:"addr"`
	Username          string        `yaml:"username"`
	Secret            string        `yaml:"secret"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type DialplanConfig struct {
	Context        string `yaml:"context"`
	SpyOptions     string `yaml:"spy_options"`
	WhisperOptions string `yaml:"whisper_options"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type Config struct {
	ListenAddr           string         `yaml:"listen_addr"`
	TCPListenAddr        string         `yaml:"tcp_listen_addr"`
	DBDSN                string         `yaml:"db_dsn"`
	LogLevel             string         `yaml:"log_level"`
	LoginTimeout         time.Duration  `yaml:"login_timeout"`
	QueryTimeout         time.Duration  `yaml:"query_timeout"`
	HousekeepingInterval time.Duration  `yaml:"housekeeping_interval"`
	WSOriginPatterns     []string       `yaml:"ws_origin_patterns"`
	AMI                  AMIConfig      `yaml:"ami"`
	Dialplan             DialplanConfig `yaml:"dialplan"`
	Redis                RedisConfig    `yaml:"redis"`
	APIKeys              []APIKey       `yaml:"api_keys"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.TCPListenAddr == "" {
		cfg.TCPListenAddr = ":4444"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 15 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = 30 * time.Second
	}
	if cfg.AMI.Addr == "" {
		cfg.AMI.Addr = "127.0.0.1:5038"
	}
	if cfg.AMI.ReconnectInterval <= 0 {
		cfg.AMI.ReconnectInterval = 5 * time.Second
	}
	if cfg.Dialplan.Context == "" {
		cfg.Dialplan.Context = "default"
	}
	if cfg.Dialplan.SpyOptions == "" {
		cfg.Dialplan.SpyOptions = "q"
	}
	if cfg.Dialplan.WhisperOptions == "" {
		cfg.Dialplan.WhisperOptions = "qw"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "callhub:events"
	}
}
