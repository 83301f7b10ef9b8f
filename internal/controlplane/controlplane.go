// Package controlplane implements the client side of the realtime
// human-in-the-loop channel: one duplex connection per automation session,
// with reconnection, request/response correlation, control-handoff
// arbitration, and live-view relay.
package controlplane

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// State is the lifecycle state of a session connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrChannelUnavailable is returned when an operation requires an open
	// channel. Callers must surface this distinctly from a request timeout.
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrRequestCancelled is returned when a pending request was cancelled
	// because the connection was destroyed. Distinct from a negative answer.
	ErrRequestCancelled = errors.New("request cancelled: connection lost")

	// ErrRequestTimedOut is returned when a pending request's window elapsed.
	ErrRequestTimedOut = errors.New("request timed out")
)

const (
	// DefaultReconnectDelay is the fixed delay before redialing after an
	// abnormal close.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultDialRetryDelay is the fixed delay before retrying a failed dial.
	DefaultDialRetryDelay = 5 * time.Second

	// DefaultCloseFailureThreshold: a user-visible error is surfaced only
	// after more than this many consecutive failures following an abnormal
	// close, so a single blip never flickers error chrome.
	DefaultCloseFailureThreshold = 3

	// DefaultDialFailureThreshold: same idea for failures before the channel
	// was ever established.
	DefaultDialFailureThreshold = 2

	defaultChannelPath      = "/api/sessions/{sessionId}/channel"
	defaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Manager and the connections it opens.
type Config struct {
	// BaseURL is the server base, e.g. "https://host". The channel scheme is
	// derived from it: http becomes ws, https becomes wss.
	BaseURL string

	// ChannelPath is the endpoint template; "{sessionId}" is substituted.
	ChannelPath string

	ReconnectDelay time.Duration
	DialRetryDelay time.Duration

	CloseFailureThreshold int
	DialFailureThreshold  int

	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ChannelPath == "" {
		c.ChannelPath = defaultChannelPath
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DialRetryDelay <= 0 {
		c.DialRetryDelay = DefaultDialRetryDelay
	}
	if c.CloseFailureThreshold <= 0 {
		c.CloseFailureThreshold = DefaultCloseFailureThreshold
	}
	if c.DialFailureThreshold <= 0 {
		c.DialFailureThreshold = DefaultDialFailureThreshold
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// endpointURL builds the channel address for a session by template
// substitution, deriving ws/wss from the base URL's own scheme.
func endpointURL(baseURL, channelPath, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	path := strings.ReplaceAll(channelPath, "{sessionId}", sessionID)
	u.Path = strings.TrimRight(u.Path, "/") + path

	return u.String(), nil
}
