package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Chain      ChainConfig      `yaml:"chain"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Locks      LockConfig       `yaml:"locks"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ChainConfig describes the single external chain endpoint and the shared
// custodial address backing all internal balances.
type ChainConfig struct {
	Endpoint         string `yaml:"endpoint"`
	CustodialAddress string `yaml:"custodial_address"`
	Signer           string `yaml:"signer"`
	Denom            string `yaml:"denom"`
	AddressPrefix    string `yaml:"address_prefix"`
}

type ScannerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Tolerance      string        `yaml:"tolerance"`
	AlertThreshold string        `yaml:"alert_threshold"`
}

type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	return &cfg, nil
}
