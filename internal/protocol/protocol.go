// Package protocol defines the event taxonomy for the control-plane channel.
package protocol

import "encoding/json"

// EventType discriminates frames on the duplex channel.
type EventType string

const (
	// Server -> client event types
	EventStatusSnapshot     EventType = "status-snapshot"
	EventLiveViewReady      EventType = "live-view-ready"
	EventInteractionRequest EventType = "interaction-request"
	EventControlTaken       EventType = "control-taken"
	EventControlReleased    EventType = "control-released"
	EventConnectedAck       EventType = "connected-ack"
	EventError              EventType = "error"

	// Client -> server event types
	EventRequestStatus  EventType = "request-status"
	EventTakeControl    EventType = "take-control"
	EventReleaseControl EventType = "release-control"
	EventHumanResponse  EventType = "human-response"
)

// Controller identifies which actor currently directs the browser.
type Controller string

const (
	ControllerAgent Controller = "agent"
	ControllerHuman Controller = "human"
)

// StatusSnapshot describes the current automation/browser state.
type StatusSnapshot struct {
	State            string     `json:"state"`
	Controller       Controller `json:"controller"`
	BrowserConnected bool       `json:"browserConnected"`
	LiveViewURL      string     `json:"liveViewUrl,omitempty"`
}

// Frame is a single message on the channel. Which fields are populated
// depends on Type; unknown fields are ignored by both sides.
type Frame struct {
	Type             EventType       `json:"type"`
	SessionID        string          `json:"sessionId,omitempty"`
	ID               string          `json:"id,omitempty"`
	Kind             string          `json:"kind,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Value            string          `json:"value,omitempty"`
	URL              string          `json:"url,omitempty"`
	AutomationActive bool            `json:"automationActive,omitempty"`
	Controller       Controller      `json:"controller,omitempty"`
	Status           *StatusSnapshot `json:"status,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Encode serializes a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a wire frame.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
