/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the pipeline configuration from a YAML file, the
// ECOMFLOW_ environment and command line flags, and resolves destination
// credentials.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/numaproj/ecomflow/pkg/sinks"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "ECOMFLOW"

// Sink types.
const (
	TypePostgres = "postgres"
	TypeFile     = "file"
	TypeKafka    = "kafka"
	TypeLog      = "log"
)

// State store types.
const (
	StoreFS    = "fs"
	StoreRedis = "redis"
)

type Config struct {
	InputDir          string            `mapstructure:"inputDir"`
	FilePattern       string            `mapstructure:"filePattern"`
	MaxFilesPerBatch  int               `mapstructure:"maxFilesPerBatch"`
	MinFileAge        time.Duration     `mapstructure:"minFileAge"`
	WindowSize        time.Duration     `mapstructure:"windowSize"`
	AllowedLateness   time.Duration     `mapstructure:"allowedLateness"`
	Timezone          string            `mapstructure:"timezone"`
	CheckpointDir     string            `mapstructure:"checkpointDir"`
	StateStore        StateStoreConfig  `mapstructure:"stateStore"`
	Batches           int               `mapstructure:"batches"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	PollInterval      time.Duration     `mapstructure:"pollInterval"`
	MaxBackoff        time.Duration     `mapstructure:"maxBackoff"`
	SourceMaxAttempts int               `mapstructure:"sourceMaxAttempts"`
	CredentialsFile   string            `mapstructure:"credentialsFile"`
	Retry             RetryConfig       `mapstructure:"retry"`
	MetricsAddr       string            `mapstructure:"metricsAddr"`
	Destinations      []DestinationConf `mapstructure:"destinations"`
}

type StateStoreConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type RetryConfig struct {
	Steps    int           `mapstructure:"steps"`
	Duration time.Duration `mapstructure:"duration"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   float64       `mapstructure:"jitter"`
}

type DestinationConf struct {
	Name      string         `mapstructure:"name"`
	Kind      string         `mapstructure:"kind"`
	Type      string         `mapstructure:"type"`
	Mode      string         `mapstructure:"mode"`
	BatchSize int            `mapstructure:"batchSize"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	File      FileConfig     `mapstructure:"file"`
	Kafka     KafkaConfig    `mapstructure:"kafka"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslMode"`
	Table    string `mapstructure:"table"`
	// CredentialsPrefix names the environment variables holding the credentials, POSTGRES by default.
	CredentialsPrefix string `mapstructure:"credentialsPrefix"`
	CreateTable       *bool  `mapstructure:"createTable"`
}

type FileConfig struct {
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// Config is a sarama configuration in YAML.
	Config string `mapstructure:"config"`
}

// DefaultDestinations mirror the three tables of the streaming schema.
func DefaultDestinations() []DestinationConf {
	return []DestinationConf{
		{Name: "raw-events", Kind: string(sinks.KindEvents), Type: TypePostgres, Mode: string(sinks.Append), BatchSize: 1000,
			Postgres: PostgresConfig{Table: "streaming.events"}},
		{Name: "purchases", Kind: string(sinks.KindPurchases), Type: TypePostgres, Mode: string(sinks.Append), BatchSize: 500,
			Postgres: PostgresConfig{Table: "streaming.purchases"}},
		{Name: "aggregates", Kind: string(sinks.KindAggregates), Type: TypePostgres, Mode: string(sinks.Upsert), BatchSize: 100,
			Postgres: PostgresConfig{Table: "streaming.event_stats_hourly"}},
	}
}

// defaultBatchSize is the number of rows per insert statement for a kind.
func defaultBatchSize(k sinks.Kind) int {
	switch k {
	case sinks.KindPurchases:
		return 500
	case sinks.KindAggregates:
		return 100
	default:
		return 1000
	}
}

// SetDefaults registers every key with its default, so each one can also be
// set from the environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("inputDir", "./data/events")
	v.SetDefault("filePattern", "*.csv")
	v.SetDefault("maxFilesPerBatch", 1)
	v.SetDefault("minFileAge", "0s")
	v.SetDefault("windowSize", "1h")
	v.SetDefault("allowedLateness", "10m")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("checkpointDir", "./checkpoints")
	v.SetDefault("stateStore.type", StoreFS)
	v.SetDefault("stateStore.redis.addr", "localhost:6379")
	v.SetDefault("stateStore.redis.username", "")
	v.SetDefault("stateStore.redis.password", "")
	v.SetDefault("stateStore.redis.db", 0)
	v.SetDefault("stateStore.redis.prefix", "ecomflow")
	v.SetDefault("batches", 0)
	v.SetDefault("timeout", "0s")
	v.SetDefault("pollInterval", "1s")
	v.SetDefault("maxBackoff", "30s")
	v.SetDefault("sourceMaxAttempts", 3)
	v.SetDefault("credentialsFile", "postgres_connection_details.txt")
	v.SetDefault("retry.steps", 5)
	v.SetDefault("retry.duration", "500ms")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("metricsAddr", "")
}

// NewViper returns a viper instance reading ECOMFLOW_ prefixed variables,
// with nested keys joined by underscores (ECOMFLOW_STATESTORE_TYPE).
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}
	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = DefaultDestinations()
	}
	cfg.applyDestinationDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDestinationDefaults() {
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if d.Type == "" {
			d.Type = TypePostgres
		}
		if d.Mode == "" && d.Kind != "" {
			d.Mode = string(sinks.DefaultMode(sinks.Kind(d.Kind)))
		}
		if d.BatchSize == 0 {
			d.BatchSize = defaultBatchSize(sinks.Kind(d.Kind))
		}
		if d.Name == "" {
			d.Name = d.Kind
		}
		if d.Postgres.CredentialsPrefix == "" {
			d.Postgres.CredentialsPrefix = "POSTGRES"
		}
	}
}

// Location returns the time zone for input timestamps without an offset.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the settings that would otherwise fail later in the run.
func (c *Config) Validate() error {
	if c.InputDir == "" {
		return invalid("inputDir is required")
	}
	if c.CheckpointDir == "" {
		return invalid("checkpointDir is required")
	}
	if c.MaxFilesPerBatch < 1 {
		return invalid("maxFilesPerBatch must be at least 1, got %d", c.MaxFilesPerBatch)
	}
	if c.WindowSize <= 0 {
		return invalid("windowSize must be positive, got %s", c.WindowSize)
	}
	if c.AllowedLateness < 0 {
		return invalid("allowedLateness must not be negative, got %s", c.AllowedLateness)
	}
	if c.MinFileAge < 0 {
		return invalid("minFileAge must not be negative, got %s", c.MinFileAge)
	}
	if c.Batches < 0 {
		return invalid("batches must not be negative, got %d", c.Batches)
	}
	if c.PollInterval <= 0 {
		return invalid("pollInterval must be positive, got %s", c.PollInterval)
	}
	if c.MaxBackoff < c.PollInterval {
		return invalid("maxBackoff %s is shorter than pollInterval %s", c.MaxBackoff, c.PollInterval)
	}
	if c.SourceMaxAttempts < 1 {
		return invalid("sourceMaxAttempts must be at least 1, got %d", c.SourceMaxAttempts)
	}
	if c.Retry.Steps < 1 {
		return invalid("retry.steps must be at least 1, got %d", c.Retry.Steps)
	}
	if _, err := c.Location(); err != nil {
		return invalid("unknown timezone %q", c.Timezone)
	}
	switch c.StateStore.Type {
	case StoreFS:
	case StoreRedis:
		if c.StateStore.Redis.Addr == "" {
			return invalid("stateStore.redis.addr is required")
		}
	default:
		return invalid("unknown stateStore.type %q", c.StateStore.Type)
	}
	names := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if err := d.validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return invalid("duplicate destination name %q", d.Name)
		}
		names[d.Name] = true
	}
	return nil
}

func (d DestinationConf) validate() error {
	kind, err := sinks.ParseKind(d.Kind)
	if err != nil {
		return invalid("destination %q: %v", d.Name, err)
	}
	mode, err := sinks.ParseMode(d.Mode)
	if err != nil {
		return invalid("destination %q: %v", d.Name, err)
	}
	if kind == sinks.KindAggregates && mode != sinks.Upsert {
		return invalid("destination %q: aggregates must be written in upsert mode", d.Name)
	}
	if kind != sinks.KindAggregates && mode == sinks.Upsert {
		return invalid("destination %q: %s rows are append only", d.Name, kind)
	}
	if d.BatchSize < 1 {
		return invalid("destination %q: batchSize must be at least 1", d.Name)
	}
	switch d.Type {
	case TypePostgres:
		if d.Postgres.Table == "" {
			return invalid("destination %q: postgres.table is required", d.Name)
		}
	case TypeFile:
		if d.File.Path == "" {
			return invalid("destination %q: file.path is required", d.Name)
		}
	case TypeKafka:
		if len(d.Kafka.Brokers) == 0 || d.Kafka.Topic == "" {
			return invalid("destination %q: kafka.brokers and kafka.topic are required", d.Name)
		}
	case TypeLog:
	default:
		return invalid("destination %q: unknown type %q", d.Name, d.Type)
	}
	return nil
}
