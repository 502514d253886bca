// Package client implements the session a collaborating process runs:
// it owns the WebSocket transport, the set of open documents, a
// pending-operation buffer per document, and reconnection state.
package client

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"otsync/common"
)

const (
	// authTimeout bounds the wait for the authenticate reply.
	authTimeout = 10 * time.Second

	// pingInterval is how often the session probes the server with a
	// protocol-level ping.
	pingInterval = 30 * time.Second

	// pongTimeout is how long a ping may go unanswered before the
	// transport is considered dead.
	pongTimeout = 5 * time.Second
)

// Reconnection controls the automatic reconnect behavior after a
// transport failure.
type Reconnection struct {
	// Enabled turns automatic reconnects on.
	Enabled bool

	// Attempts is the maximum number of consecutive reconnects tried
	// before the session gives up and goes to the disconnected state.
	Attempts int

	// Delay is the backoff before the first attempt; it doubles per
	// attempt up to DelayMax.
	Delay    time.Duration
	DelayMax time.Duration
}

// DefaultReconnection enables five attempts from one second up to a
// thirty second cap.
func DefaultReconnection() Reconnection {
	return Reconnection{
		Enabled:  true,
		Attempts: 5,
		Delay:    time.Second,
		DelayMax: 30 * time.Second,
	}
}

// Config carries the session settings. ServerURL is required; every
// other field has a usable default.
type Config struct {
	// ServerURL is the full WebSocket endpoint, e.g.
	// "ws://localhost:8080/ws".
	ServerURL string

	// Token is sent in the authenticate message. Leave empty against a
	// server that does not require authentication.
	Token string

	// ClientID is the identity the session runs under. Minted when
	// empty.
	ClientID common.ClientID

	// ConnectionTimeout bounds the WebSocket handshake and the wait
	// for a join reply. Defaults to 30s.
	ConnectionTimeout time.Duration

	// Reconnection controls reconnects; zero value means the defaults.
	Reconnection *Reconnection

	// Headers are sent with the WebSocket handshake.
	Headers http.Header

	// Logger receives session diagnostics. Nil means no logging.
	Logger *zap.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.ServerURL == "" {
		return c, fmt.Errorf("server url is required")
	}
	if c.ClientID == "" {
		c.ClientID = common.NewClientID()
	} else if !c.ClientID.Valid() {
		return c, common.ErrInvalidOperation{Message: fmt.Sprintf("invalid client id %q", c.ClientID)}
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.Reconnection == nil {
		r := DefaultReconnection()
		c.Reconnection = &r
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// backoffDelay is the exponential backoff for the given attempt count,
// capped at DelayMax.
func backoffDelay(r Reconnection, attempts int) time.Duration {
	delay := r.Delay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= r.DelayMax {
			return r.DelayMax
		}
	}
	if delay > r.DelayMax {
		return r.DelayMax
	}
	return delay
}
