package chmux

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client. Zero values are replaced by defaults.
type Config struct {
	// Token is a static connection token. Ignored when TokenProvider is set.
	Token         string
	TokenProvider TokenProvider
	// Name and Version identify the client application to the server.
	Name    string
	Version string
	// ConnectData is sent with the connect command.
	ConnectData []byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	// RequestTimeout bounds presence and other request/reply commands.
	RequestTimeout time.Duration

	// MaxReconnectAttempts bounds consecutive reconnect attempts; 0 means unlimited.
	MaxReconnectAttempts   int
	ReconnectBaseDelay     time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectResetAfter    time.Duration
	DisableReconnectJitter bool

	// MaxServerPingDelay is added to the server ping interval before the
	// connection is considered dead.
	MaxServerPingDelay time.Duration

	// TypingTimeout is how long a typing indicator stays on without a new keystroke.
	TypingTimeout time.Duration

	Logger            *slog.Logger
	MetricsNamespace  string
	MetricsRegisterer prometheus.Registerer
}

func (c *Config) defaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectResetAfter == 0 {
		c.ReconnectResetAfter = 60 * time.Second
	}
	if c.MaxServerPingDelay == 0 {
		c.MaxServerPingDelay = 10 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.TokenProvider == nil && c.Token != "" {
		c.TokenProvider = StaticToken(c.Token)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
