package controlplane

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browserpilot/controlplane/internal/correlate"
	"github.com/browserpilot/controlplane/internal/protocol"
)

const writeWait = 10 * time.Second

// Conn is the duplex channel for one session. It reconnects itself after
// abnormal closes while the caller remains subscribed, and never after a
// normal close or an explicit Close.
type Conn struct {
	sessionID string
	cfg       Config
	logger    *slog.Logger
	dialer    *websocket.Dialer

	corr *correlate.Correlator

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	subscribed bool
	// generation invalidates dial goroutines, read loops, and timers that
	// belong to a superseded attempt.
	generation int
	timer      *time.Timer

	attempts        int
	lastErr         error
	lastCloseCode   int
	lastCloseReason string

	controller      protocol.Controller
	liveView        *LiveView
	nextSubID       int
	controlSubs     map[int]func(protocol.Controller)
	liveViewSubs    map[int]func(LiveView)
	interactionSubs map[int]func(InteractionRequest)
	statusSubs      map[int]func(protocol.StatusSnapshot)

	writeMu sync.Mutex
}

// LiveView is the relayed live-view announcement for a session.
type LiveView struct {
	URL              string
	AutomationActive bool
}

// InteractionRequest is an inbound question from the automation agent,
// answered via Respond.
type InteractionRequest struct {
	ID      string
	Kind    string
	Payload []byte
}

func newConn(cfg Config, sessionID string) *Conn {
	return &Conn{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    cfg.Logger.With("session", sessionID),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		corr:            correlate.New(),
		state:           StateConnecting,
		controller:      protocol.ControllerAgent,
		controlSubs:     make(map[int]func(protocol.Controller)),
		liveViewSubs:    make(map[int]func(LiveView)),
		interactionSubs: make(map[int]func(InteractionRequest)),
		statusSubs:      make(map[int]func(protocol.StatusSnapshot)),
	}
}

func (c *Conn) start() {
	c.mu.Lock()
	c.subscribed = true
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	go c.dial(gen)
}

// SessionID returns the session this connection belongs to.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the consecutive-failure count.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err returns the user-visible error, set only after the failure count
// passes its threshold. Transient blips never set it.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastClose returns the close code and reason of the most recent closure.
func (c *Conn) LastClose() (code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCloseCode, c.lastCloseReason
}

// PendingRequests returns the number of unresolved correlated requests.
func (c *Conn) PendingRequests() int {
	return c.corr.PendingCount()
}

// dial attempts to establish the channel for the given generation.
func (c *Conn) dial(gen int) {
	endpoint, err := endpointURL(c.cfg.BaseURL, c.cfg.ChannelPath, c.sessionID)
	if err != nil {
		c.mu.Lock()
		if gen == c.generation {
			c.state = StateClosed
			c.lastErr = err
		}
		c.mu.Unlock()
		c.logger.Error("invalid channel endpoint", "err", err)
		return
	}

	ws, _, dialErr := c.dialer.Dial(endpoint, nil)

	c.mu.Lock()
	if gen != c.generation || !c.subscribed {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}

	if dialErr != nil {
		c.attempts++
		if c.attempts > c.cfg.DialFailureThreshold {
			c.lastErr = dialErr
			c.logger.Warn("channel dial failing", "attempts", c.attempts, "err", dialErr)
		}
		c.scheduleLocked(gen, c.cfg.DialRetryDelay)
		c.mu.Unlock()
		return
	}

	c.ws = ws
	c.state = StateOpen
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("channel open", "endpoint", endpoint)
	go c.readLoop(ws, gen)
}

// readLoop processes inbound frames in arrival order until the channel dies.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClosed(ws, gen, err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			// One malformed frame is dropped, the channel stays up.
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}

		c.handleFrame(frame)
	}
}

// handleClosed runs when the read loop observes the channel closing. Normal
// closes are final; abnormal closes schedule a reconnect while the caller
// remains subscribed.
func (c *Conn) handleClosed(ws *websocket.Conn, gen int, readErr error) {
	ws.Close()

	code, reason := closeDetails(readErr)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	c.ws = nil
	c.lastCloseCode = code
	c.lastCloseReason = reason

	intentional := c.state == StateClosing || !c.subscribed
	if intentional || code == websocket.CloseNormalClosure {
		c.state = StateClosed
		c.mu.Unlock()
		c.corr.CancelAll()
		c.logger.Info("channel closed", "code", code)
		return
	}

	c.attempts++
	if c.attempts > c.cfg.CloseFailureThreshold {
		c.lastErr = errors.New("connection lost: " + reason)
	}
	c.state = StateConnecting
	c.scheduleLocked(gen, c.cfg.ReconnectDelay)
	c.mu.Unlock()

	// The channel the requests were sent on is gone; answers can never
	// arrive on the next one.
	c.corr.CancelAll()
	c.logger.Warn("channel closed abnormally, reconnecting", "code", code, "reason", reason, "attempts", c.attempts)
}

// scheduleLocked arms the redial timer. Caller holds c.mu.
func (c *Conn) scheduleLocked(gen int, delay time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		fire := gen == c.generation && c.subscribed && c.state == StateConnecting
		c.mu.Unlock()
		if fire {
			c.dial(gen)
		}
	})
}

// Send writes a frame to the channel. It fails fast with
// ErrChannelUnavailable when the channel is not open, never silently drops.
func (c *Conn) Send(f *protocol.Frame) error {
	c.mu.Lock()
	if c.state != StateOpen || c.ws == nil {
		c.mu.Unlock()
		return ErrChannelUnavailable
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(f); err != nil {
		return err
	}
	return nil
}

// Retry forces a fresh connection attempt now, superseding any pending
// redial timer. It is the explicit retry behind user-facing error surfaces.
func (c *Conn) Retry() {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.subscribed = true
	c.state = StateConnecting
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	go c.dial(gen)
}

// Close tears down the connection intentionally. Pending requests resolve as
// cancelled and no reconnect is scheduled. Closing an already-closed
// connection is a no-op.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.subscribed = false
	c.state = StateClosing
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
		c.writeMu.Unlock()
		ws.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.corr.CancelAll()
	c.logger.Info("channel closed by caller")
}

// closeDetails extracts the close code and reason from a read error. Errors
// without a close frame (network drop, reset) count as abnormal closure.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
