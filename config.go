// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapbwt holds the service configuration of a CoAP node with
// block-wise transfer support.
package coapbwt

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/absmach/coapbwt/pkg/block"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every configuration variable.
const EnvPrefix = "BWT_"

// Config holds the node configuration.
type Config struct {
	Host string `env:"HOST" envDefault:"" yaml:"host"`
	Port string `env:"PORT" envDefault:"5683" yaml:"port"`

	// Block transfer
	BlockSZX       int           `env:"BLOCK_SZX"        envDefault:"6"       yaml:"block_szx"`
	MaxPDUSize     int           `env:"MAX_PDU_SIZE"     envDefault:"1400"    yaml:"max_pdu_size"`
	MaxPayloadSize int           `env:"MAX_PAYLOAD_SIZE" envDefault:"1048576" yaml:"max_payload_size"`
	MaxContexts    int           `env:"MAX_CONTEXTS"     envDefault:"0"       yaml:"max_contexts"`
	ContextTTL     time.Duration `env:"CONTEXT_TTL"      envDefault:"247s"    yaml:"context_ttl"`

	// Messaging
	Workers   int `env:"WORKERS"    envDefault:"4"   yaml:"workers"`
	QueueSize int `env:"QUEUE_SIZE" envDefault:"256" yaml:"queue_size"`

	// Per-endpoint datagram rate limit. A capacity of 0 disables it.
	RateLimitCapacity int `env:"RATE_LIMIT_CAPACITY" envDefault:"0"   yaml:"rate_limit_capacity"`
	RateLimitRefill   int `env:"RATE_LIMIT_REFILL"   envDefault:"100" yaml:"rate_limit_refill"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090" yaml:"metrics_port"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info" yaml:"log_level"`

	// ConfigFile names an optional YAML file whose values override the
	// environment.
	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`
}

// NewConfig parses the configuration from the environment and the optional
// YAML file, then validates it.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.ConfigFile != "" {
		data, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port not configured")
	}
	if c.BlockSZX < 0 || c.BlockSZX > 6 {
		return fmt.Errorf("invalid block SZX %d: must be in 0..6", c.BlockSZX)
	}
	if c.MaxPDUSize < c.BlockSize() {
		return fmt.Errorf("max PDU size %d is smaller than block size %d", c.MaxPDUSize, c.BlockSize())
	}
	if c.MaxPayloadSize <= 0 {
		return fmt.Errorf("invalid max payload size %d", c.MaxPayloadSize)
	}
	if c.MaxContexts < 0 {
		return fmt.Errorf("invalid max contexts %d", c.MaxContexts)
	}
	if c.ContextTTL <= 0 {
		return fmt.Errorf("invalid context TTL %s", c.ContextTTL)
	}
	if c.Workers <= 0 || c.QueueSize <= 0 {
		return fmt.Errorf("workers and queue size must be positive")
	}
	if c.RateLimitCapacity < 0 || (c.RateLimitCapacity > 0 && c.RateLimitRefill <= 0) {
		return fmt.Errorf("invalid rate limit: capacity %d, refill %d", c.RateLimitCapacity, c.RateLimitRefill)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

// BlockSize returns the block size selected by BlockSZX.
func (c Config) BlockSize() int {
	return 1 << (c.BlockSZX + 4)
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BlockConfig returns the block engine configuration.
func (c Config) BlockConfig() block.Config {
	return block.Config{
		BlockSize:      c.BlockSize(),
		MaxPDUSize:     c.MaxPDUSize,
		MaxPayloadSize: c.MaxPayloadSize,
		MaxContexts:    c.MaxContexts,
	}
}
