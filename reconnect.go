package chmux

import (
	"math"
	"math/rand"
	"time"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes backoff delays. Guarded by Client.mu.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	resetAfter  time.Duration
	jitter      bool
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *Config) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		resetAfter:  config.ReconnectResetAfter,
		jitter:      !config.DisableReconnectJitter,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.resetIfStable()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// resetIfStable starts the sequence over once a connection stayed up longer
// than resetAfter.
func (r *reconnector) resetIfStable() {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.resetAfter {
		r.attempt = 0
	}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns base*2^attempt plus up to half the base delay of jitter,
// capped at maxDelay.
func (r *reconnector) nextDelay() time.Duration {
	r.resetIfStable()
	r.connectedAt = time.Time{}
	var jitter time.Duration
	if r.jitter {
		jitter = time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	}
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
