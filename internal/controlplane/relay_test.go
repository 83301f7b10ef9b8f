package controlplane

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserpilot/controlplane/internal/protocol"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()
	cfg := Config{BaseURL: "http://localhost"}.withDefaults()
	return newConn(cfg, "session-1")
}

func TestLiveViewRelayedOnce(t *testing.T) {
	conn := newTestConn(t)

	var relayed []LiveView
	conn.OnLiveView(func(lv LiveView) {
		relayed = append(relayed, lv)
	})

	frame := &protocol.Frame{
		Type:             protocol.EventLiveViewReady,
		URL:              "https://live.example.com/abc",
		AutomationActive: true,
	}

	// Redundant server pings for the same URL fire subscribers once.
	conn.handleFrame(frame)
	conn.handleFrame(frame)
	conn.handleFrame(frame)

	require.Len(t, relayed, 1)
	assert.Equal(t, "https://live.example.com/abc", relayed[0].URL)
	assert.True(t, relayed[0].AutomationActive)

	// A different URL is a new announcement.
	conn.handleFrame(&protocol.Frame{
		Type: protocol.EventLiveViewReady,
		URL:  "https://live.example.com/def",
	})
	require.Len(t, relayed, 2)
	assert.Equal(t, "https://live.example.com/def", relayed[1].URL)
}

func TestLiveViewReplayedToLateSubscriber(t *testing.T) {
	conn := newTestConn(t)

	conn.handleFrame(&protocol.Frame{
		Type:             protocol.EventLiveViewReady,
		URL:              "https://live.example.com/abc",
		AutomationActive: true,
	})

	// Subscribing after the announcement still delivers it.
	var got []LiveView
	conn.OnLiveView(func(lv LiveView) {
		got = append(got, lv)
	})

	require.Len(t, got, 1)
	assert.Equal(t, "https://live.example.com/abc", got[0].URL)

	lv, ok := conn.LiveView()
	require.True(t, ok)
	assert.Equal(t, "https://live.example.com/abc", lv.URL)
}

func TestLiveViewEmptyURLIgnored(t *testing.T) {
	conn := newTestConn(t)

	conn.handleFrame(&protocol.Frame{Type: protocol.EventLiveViewReady, URL: ""})

	_, ok := conn.LiveView()
	assert.False(t, ok)
}

func TestControlChangeNotifiesAllSubscribers(t *testing.T) {
	conn := newTestConn(t)
	assert.Equal(t, protocol.ControllerAgent, conn.Controller())

	var seen1, seen2 []protocol.Controller
	conn.OnControlChange(func(c protocol.Controller) { seen1 = append(seen1, c) })
	conn.OnControlChange(func(c protocol.Controller) { seen2 = append(seen2, c) })

	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlTaken})
	assert.Equal(t, protocol.ControllerHuman, conn.Controller())

	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlReleased})
	assert.Equal(t, protocol.ControllerAgent, conn.Controller())

	expected := []protocol.Controller{protocol.ControllerHuman, protocol.ControllerAgent}
	assert.Equal(t, expected, seen1)
	assert.Equal(t, expected, seen2)
}

func TestControlRebroadcastStillNotifies(t *testing.T) {
	conn := newTestConn(t)

	var seen []protocol.Controller
	conn.OnControlChange(func(c protocol.Controller) { seen = append(seen, c) })

	// The server re-broadcasts on redundant requests; each broadcast reaches
	// subscribers even when the controller did not change.
	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlTaken})
	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlTaken})

	assert.Equal(t, []protocol.Controller{protocol.ControllerHuman, protocol.ControllerHuman}, seen)
}

func TestControlUnsubscribe(t *testing.T) {
	conn := newTestConn(t)

	var count int
	unsubscribe := conn.OnControlChange(func(protocol.Controller) { count++ })

	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlTaken})
	unsubscribe()
	conn.handleFrame(&protocol.Frame{Type: protocol.EventControlReleased})

	assert.Equal(t, 1, count)
}

func TestConnectedAckSetsController(t *testing.T) {
	conn := newTestConn(t)

	conn.handleFrame(&protocol.Frame{
		Type:       protocol.EventConnectedAck,
		Controller: protocol.ControllerHuman,
	})

	assert.Equal(t, protocol.ControllerHuman, conn.Controller())
}

func TestInteractionRequestDispatched(t *testing.T) {
	conn := newTestConn(t)

	var got []InteractionRequest
	conn.OnInteractionRequest(func(req InteractionRequest) {
		got = append(got, req)
	})

	payload := json.RawMessage(`{"question":"continue?"}`)
	conn.handleFrame(&protocol.Frame{
		Type:    protocol.EventInteractionRequest,
		ID:      "req-1",
		Kind:    "confirm",
		Payload: payload,
	})

	require.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0].ID)
	assert.Equal(t, "confirm", got[0].Kind)
	assert.JSONEq(t, string(payload), string(got[0].Payload))
}

func TestStatusSnapshotDispatched(t *testing.T) {
	conn := newTestConn(t)

	var got []protocol.StatusSnapshot
	conn.OnStatus(func(s protocol.StatusSnapshot) { got = append(got, s) })

	conn.handleFrame(&protocol.Frame{
		Type: protocol.EventStatusSnapshot,
		Status: &protocol.StatusSnapshot{
			State:            "running",
			Controller:       protocol.ControllerAgent,
			BrowserConnected: true,
		},
	})

	require.Len(t, got, 1)
	assert.Equal(t, "running", got[0].State)
	assert.True(t, got[0].BrowserConnected)
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	conn := newTestConn(t)

	// Must not panic or disturb state.
	conn.handleFrame(&protocol.Frame{Type: "future-event"})
	assert.Equal(t, protocol.ControllerAgent, conn.Controller())
}
