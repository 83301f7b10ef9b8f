package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserpilot/controlplane/internal/protocol"
)

// channelServer is a scriptable websocket endpoint standing in for the
// session channel backend.
type channelServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	dials int32

	mu    sync.Mutex
	conns []*websocket.Conn

	// onConnect scripts per-connection behavior; n is the 1-based dial count.
	onConnect func(ws *websocket.Conn, n int)
}

func newChannelServer(t *testing.T, onConnect func(ws *websocket.Conn, n int)) *channelServer {
	s := &channelServer{t: t, onConnect: onConnect}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := int(atomic.AddInt32(&s.dials, 1))
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
		if s.onConnect != nil {
			s.onConnect(ws, n)
		}
	}))
	t.Cleanup(s.close)
	return s
}

func (s *channelServer) url() string {
	return s.srv.URL
}

func (s *channelServer) dialCount() int {
	return int(atomic.LoadInt32(&s.dials))
}

func (s *channelServer) close() {
	s.mu.Lock()
	for _, ws := range s.conns {
		ws.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.srv.Close()
}

// fastConfig keeps reconnect timing tight enough for tests.
func fastConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ReconnectDelay: 30 * time.Millisecond,
		DialRetryDelay: 30 * time.Millisecond,
	}
}

func waitForState(t *testing.T, conn *Conn, state State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == state {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for state %s, still %s", state, conn.State())
}

func waitForCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for: " + msg)
}

// echoLoop keeps a server connection alive, answering correlated status
// requests and discarding everything else.
func echoLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if f.Type == protocol.EventRequestStatus {
			ws.WriteJSON(&protocol.Frame{
				Type: protocol.EventStatusSnapshot,
				ID:   f.ID,
				Status: &protocol.StatusSnapshot{
					State:      "running",
					Controller: protocol.ControllerAgent,
				},
			})
		}
	}
}

func TestManagerSingleConnectionPerSession(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	// Rapid repeated opens must all return the same connection.
	first := m.Open("session-1")
	for i := 0; i < 10; i++ {
		if got := m.Open("session-1"); got != first {
			t.Fatalf("open %d returned a different connection", i)
		}
	}

	waitForState(t, first, StateOpen)
	assert.Equal(t, 1, srv.dialCount(), "rapid opens must not dial twice")

	// A different session gets its own connection.
	other := m.Open("session-2")
	assert.NotSame(t, first, other)
}

func TestNoReconnectAfterNormalClose(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		// Keep reading so the close handshake completes.
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateClosed)

	code, _ := conn.LastClose()
	assert.Equal(t, websocket.CloseNormalClosure, code)

	// Wait well past the reconnect delay: no redial may happen.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount(), "normal close must not trigger reconnect")
	assert.NoError(t, conn.Err())
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		if n == 1 {
			// Drop the connection without a close frame.
			ws.Close()
			return
		}
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")

	// The first connection dies abnormally; the client must redial on its
	// own and come back up.
	waitForCondition(t, func() bool { return srv.dialCount() >= 2 }, "reconnect dial")
	waitForState(t, conn, StateOpen)

	// One blip stays below the error threshold.
	assert.NoError(t, conn.Err())
	assert.Equal(t, 0, conn.Attempts())
}

func TestErrorSurfacedAfterRepeatedFailures(t *testing.T) {
	const failures = DefaultCloseFailureThreshold + 1

	var sawError atomic.Bool
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		if n <= failures {
			ws.Close()
			return
		}
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")

	// After the failure count passes the threshold the error becomes
	// user-visible.
	waitForCondition(t, func() bool {
		if conn.Err() != nil {
			sawError.Store(true)
		}
		return sawError.Load()
	}, "error surfaced")

	// The next dial succeeds: error clears, counter resets, channel opens.
	waitForState(t, conn, StateOpen)
	assert.NoError(t, conn.Err())
	assert.Equal(t, 0, conn.Attempts())
}

func TestErrorWithheldBelowThreshold(t *testing.T) {
	// Fail exactly threshold-many times, then stay up. The error must never
	// become user-visible.
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		if n <= DefaultCloseFailureThreshold {
			ws.Close()
			return
		}
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForCondition(t, func() bool {
		require.NoError(t, conn.Err(), "error surfaced below threshold")
		return conn.State() == StateOpen && srv.dialCount() > DefaultCloseFailureThreshold
	}, "channel recovered")

	assert.NoError(t, conn.Err())
}

func TestDialFailureSurfacedAfterThreshold(t *testing.T) {
	cfg := Config{
		// Nothing listens here.
		BaseURL:              "http://127.0.0.1:1",
		DialRetryDelay:       20 * time.Millisecond,
		DialFailureThreshold: 2,
	}

	m := NewManager(cfg)
	defer m.CloseAll()

	conn := m.Open("session-1")

	waitForCondition(t, func() bool { return conn.Attempts() > 2 }, "third dial failure")
	waitForCondition(t, func() bool { return conn.Err() != nil }, "dial error surfaced")
	assert.Equal(t, StateConnecting, conn.State())
}

func TestSendFailsFastWhenNotOpen(t *testing.T) {
	m := NewManager(Config{
		BaseURL:        "http://127.0.0.1:1",
		DialRetryDelay: time.Minute,
	})
	defer m.CloseAll()

	conn := m.Open("session-1")

	err := conn.Send(&protocol.Frame{Type: protocol.EventTakeControl})
	require.ErrorIs(t, err, ErrChannelUnavailable)

	// Control operations share the same gating and leave state untouched.
	require.ErrorIs(t, conn.TakeControl(), ErrChannelUnavailable)
	require.ErrorIs(t, conn.ReleaseControl(), ErrChannelUnavailable)
	assert.Equal(t, protocol.ControllerAgent, conn.Controller())
}

func TestCloseIsFinal(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	m.Close("session-1")
	waitForState(t, conn, StateClosed)

	// Closing again is a no-op, and no reconnect happens.
	conn.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount())
	require.ErrorIs(t, conn.Send(&protocol.Frame{Type: protocol.EventTakeControl}), ErrChannelUnavailable)

	// The manager hands out a fresh connection for the session afterwards.
	fresh := m.Open("session-1")
	assert.NotSame(t, conn, fresh)
	m.CloseAll()
}

func TestRequestStatusCorrelated(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	snapshot, err := conn.RequestStatus(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "running", snapshot.State)
	assert.Equal(t, protocol.ControllerAgent, snapshot.Controller)
	assert.Equal(t, 0, conn.PendingRequests())
}

func TestRequestStatusTimesOut(t *testing.T) {
	// The server reads but never answers.
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	_, err := conn.RequestStatus(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimedOut)
	assert.Equal(t, 0, conn.PendingRequests())
}

func TestPendingRequestsCancelledOnClose(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.RequestStatus(context.Background(), 0)
		errCh <- err
	}()

	waitForCondition(t, func() bool { return conn.PendingRequests() == 1 }, "request registered")
	conn.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrRequestCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request was left dangling after close")
	}
	assert.Equal(t, 0, conn.PendingRequests())
}

func TestPendingRequestsCancelledOnConnectionLoss(t *testing.T) {
	requested := make(chan struct{}, 1)
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		if n > 1 {
			go echoLoop(ws)
			return
		}
		go func() {
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if f, err := protocol.Decode(data); err == nil && f.Type == protocol.EventRequestStatus {
					// Kill the connection instead of answering.
					requested <- struct{}{}
					ws.Close()
					return
				}
			}
		}()
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	_, err := conn.RequestStatus(context.Background(), 0)
	require.ErrorIs(t, err, ErrRequestCancelled)
	<-requested
}

func TestMalformedFrameKeepsChannelUp(t *testing.T) {
	srv := newChannelServer(t, func(ws *websocket.Conn, n int) {
		ws.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		go echoLoop(ws)
	})

	m := NewManager(fastConfig(srv.url()))
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForState(t, conn, StateOpen)

	// The channel survived the malformed frame and still answers requests.
	snapshot, err := conn.RequestStatus(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "running", snapshot.State)
	assert.Equal(t, 1, srv.dialCount())
}

func TestRetryDialsImmediately(t *testing.T) {
	cfg := Config{
		BaseURL:        "http://127.0.0.1:1",
		DialRetryDelay: time.Hour,
	}

	m := NewManager(cfg)
	defer m.CloseAll()

	conn := m.Open("session-1")
	waitForCondition(t, func() bool { return conn.Attempts() >= 1 }, "first dial failure")

	before := conn.Attempts()
	conn.Retry()
	waitForCondition(t, func() bool { return conn.Attempts() > before }, "retry dial")
}

func TestJSONRoundTripOfStatusValue(t *testing.T) {
	// The correlated response carries the snapshot through a RawMessage.
	snap := protocol.StatusSnapshot{State: "paused", Controller: protocol.ControllerHuman, BrowserConnected: true}
	raw, err := json.Marshal(&snap)
	require.NoError(t, err)

	var decoded protocol.StatusSnapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, snap, decoded)
}
