// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapbwt

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: EnvPrefix, Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "5683", cfg.Port)
	assert.Equal(t, 6, cfg.BlockSZX)
	assert.Equal(t, 1024, cfg.BlockSize())
	assert.Equal(t, 1400, cfg.MaxPDUSize)
	assert.Equal(t, 1<<20, cfg.MaxPayloadSize)
	assert.Equal(t, 247*time.Second, cfg.ContextTTL)
	assert.Equal(t, ":5683", cfg.Address())
}

func TestNewConfigEnvironment(t *testing.T) {
	cfg, err := NewConfig(env.Options{
		Prefix: EnvPrefix,
		Environment: map[string]string{
			"BWT_HOST":         "127.0.0.1",
			"BWT_PORT":         "5684",
			"BWT_BLOCK_SZX":    "2",
			"BWT_MAX_CONTEXTS": "100",
			"BWT_CONTEXT_TTL":  "30s",
			"BWT_LOG_LEVEL":    "debug",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5684", cfg.Address())
	bc := cfg.BlockConfig()
	assert.Equal(t, 64, bc.BlockSize)
	assert.Equal(t, 100, bc.MaxContexts)
	assert.Equal(t, 30*time.Second, cfg.ContextTTL)
}

func TestNewConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bwt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_szx: 4\nworkers: 8\ncontext_ttl: 1m\n"), 0o600))

	cfg, err := NewConfig(env.Options{
		Prefix: EnvPrefix,
		Environment: map[string]string{
			"BWT_BLOCK_SZX":   "1",
			"BWT_CONFIG_FILE": path,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.BlockSize())
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.ContextTTL)
}

func TestNewConfigMissingFile(t *testing.T) {
	_, err := NewConfig(env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{"BWT_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml")},
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Port:           "5683",
			BlockSZX:       6,
			MaxPDUSize:     1400,
			MaxPayloadSize: 1 << 20,
			ContextTTL:     time.Minute,
			Workers:        1,
			QueueSize:      1,
			LogLevel:       "info",
		}
	}

	cases := []struct {
		desc   string
		mutate func(c *Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"no port", func(c *Config) { c.Port = "" }, false},
		{"szx too large", func(c *Config) { c.BlockSZX = 7 }, false},
		{"negative szx", func(c *Config) { c.BlockSZX = -1 }, false},
		{"pdu below block", func(c *Config) { c.MaxPDUSize = 512 }, false},
		{"no payload cap", func(c *Config) { c.MaxPayloadSize = 0 }, false},
		{"negative contexts", func(c *Config) { c.MaxContexts = -1 }, false},
		{"zero ttl", func(c *Config) { c.ContextTTL = 0 }, false},
		{"no workers", func(c *Config) { c.Workers = 0 }, false},
		{"negative rate limit", func(c *Config) { c.RateLimitCapacity = -1 }, false},
		{"rate limit without refill", func(c *Config) { c.RateLimitCapacity = 10; c.RateLimitRefill = 0 }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
		})
	}
}
