package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		bind:          "0.0.0.0",
		port:          8080,
		roomTimeout:   5 * time.Minute,
		sweepInterval: time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"tls pair", func(c *Config) { c.tlsCert = "cert.pem"; c.tlsKey = "key.pem" }, false},
		{"cert without key", func(c *Config) { c.tlsCert = "cert.pem" }, true},
		{"key without cert", func(c *Config) { c.tlsKey = "key.pem" }, true},
		{"port too low", func(c *Config) { c.port = 0 }, true},
		{"port too high", func(c *Config) { c.port = 65536 }, true},
		{"zero sweep interval", func(c *Config) { c.sweepInterval = 0 }, true},
		{"negative room timeout", func(c *Config) { c.roomTimeout = -time.Minute }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheme(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "http", cfg.scheme())

	cfg.tlsCert = "cert.pem"
	cfg.tlsKey = "key.pem"
	assert.Equal(t, "https", cfg.scheme())
}
