package server

import (
	"fmt"
	"time"

	"otsync/storage"
)

// Config carries the coordinator's tunables. Zero values fall back to
// DefaultConfig equivalents where noted.
type Config struct {
	// Host and Port form the listen address.
	Host string
	Port int

	// AuthRequired gates join and operation handling behind a
	// successful authenticate exchange.
	AuthRequired bool

	// AuthSecret signs and verifies JWTs when AuthRequired is set.
	AuthSecret string

	// CORSOrigin is the allowed origin for HTTP and WebSocket
	// handshakes. "*" allows any origin.
	CORSOrigin string

	// IdleTimeout is how long a silent session or an empty document
	// survives before the sweep removes it.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// Storage selects the persistence backend.
	Storage storage.Config
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          8080,
		CORSOrigin:    "*",
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Minute,
		Storage:       storage.Config{Backend: storage.BackendMemory},
	}
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// withDefaults fills unset durations so the sweep always runs.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = def.CORSOrigin
	}
	return c
}
