package chat

import (
	"time"

	"github.com/gastownhall/chatlink/internal/config"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is an immutable snapshot of the lifecycle, safe to read from any
// goroutine.
type Status struct {
	State         State
	Endpoint      string
	EndpointIndex int
	Err           error // last failure; set in Reconnecting and Failed
	Since         time.Time
}

// Connected reports whether real-time delivery is available.
func (s Status) Connected() bool {
	return s.State == StateConnected
}

// Identity is the signed-in user.
type Identity struct {
	UserID   int64
	Username string
}

// Config holds the lifecycle timings and the candidate endpoints.
type Config struct {
	Endpoints      []string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	HealthInterval time.Duration

	// IdleDisconnect closes the socket and the inbox subscription on idle.
	// When false only the conversation subscription and typing state are
	// released.
	IdleDisconnect bool
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	defaultIdleTimeout    = 30 * time.Second
	defaultHealthInterval = 30 * time.Second
)

// ConfigFrom maps the transport section of the process config.
func ConfigFrom(t config.TransportConfig) Config {
	return Config{
		Endpoints:      t.Endpoints(),
		ConnectTimeout: t.ConnectTimeout,
		ReconnectDelay: t.ReconnectDelay,
		IdleTimeout:    t.IdleTimeout,
		HealthInterval: t.HealthInterval,
		IdleDisconnect: t.IdleDisconnect,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	return c
}
