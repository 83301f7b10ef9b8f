package controlplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browserpilot/controlplane/internal/correlate"
	"github.com/browserpilot/controlplane/internal/protocol"
)

// handleFrame dispatches one inbound frame. Frames arrive in order; each is
// handled to completion before the next, so per-connection state transitions
// are never interleaved.
func (c *Conn) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.EventConnectedAck:
		if f.Controller != "" {
			c.setController(f.Controller)
		}

	case protocol.EventStatusSnapshot:
		if f.ID != "" {
			if value, err := json.Marshal(f.Status); err == nil {
				c.corr.Resolve(f.ID, value)
			}
		}
		if f.Status != nil {
			c.notifyStatus(*f.Status)
		}

	case protocol.EventLiveViewReady:
		c.relayLiveView(f.URL, f.AutomationActive)

	case protocol.EventControlTaken:
		c.setController(protocol.ControllerHuman)

	case protocol.EventControlReleased:
		c.setController(protocol.ControllerAgent)

	case protocol.EventInteractionRequest:
		c.notifyInteraction(InteractionRequest{
			ID:      f.ID,
			Kind:    f.Kind,
			Payload: f.Payload,
		})

	case protocol.EventError:
		c.logger.Warn("server error", "err", f.Error)

	default:
		c.logger.Warn("unknown frame type", "type", f.Type)
	}
}

// Controller returns the current controller of the session.
func (c *Conn) Controller() protocol.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// TakeControl asks the server to hand the browser to the human operator. It
// fails with ErrChannelUnavailable when the channel is not open, leaving the
// control state unchanged: the flip happens only on the server's
// control-taken broadcast, never optimistically.
func (c *Conn) TakeControl() error {
	return c.Send(&protocol.Frame{
		Type:      protocol.EventTakeControl,
		SessionID: c.sessionID,
	})
}

// ReleaseControl hands the browser back to the agent. Same gating as
// TakeControl.
func (c *Conn) ReleaseControl() error {
	return c.Send(&protocol.Frame{
		Type:      protocol.EventReleaseControl,
		SessionID: c.sessionID,
	})
}

// OnControlChange subscribes to controller transitions. Every subscriber of
// a session observes the same state. The returned function unsubscribes.
func (c *Conn) OnControlChange(fn func(protocol.Controller)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.controlSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.controlSubs, id)
		c.mu.Unlock()
	}
}

// setController records a transition and re-broadcasts it to subscribers.
// A transition to the current controller still notifies.
func (c *Conn) setController(controller protocol.Controller) {
	c.mu.Lock()
	c.controller = controller
	subs := make([]func(protocol.Controller), 0, len(c.controlSubs))
	for _, fn := range c.controlSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(controller)
	}
}

// OnLiveView subscribes to live-view announcements. If a live view is
// already known, the subscriber receives it immediately (last-value
// semantics): readiness signaled before anyone subscribed is not lost.
// The returned function unsubscribes.
func (c *Conn) OnLiveView(fn func(LiveView)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.liveViewSubs[id] = fn
	replay := c.liveView
	c.mu.Unlock()

	if replay != nil {
		fn(*replay)
	}

	return func() {
		c.mu.Lock()
		delete(c.liveViewSubs, id)
		c.mu.Unlock()
	}
}

// LiveView returns the last relayed live view, if any.
func (c *Conn) LiveView() (LiveView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveView == nil {
		return LiveView{}, false
	}
	return *c.liveView, true
}

// relayLiveView republishes a live-view announcement exactly once per
// distinct URL value; redundant server pings for the same URL do not
// re-fire subscribers.
func (c *Conn) relayLiveView(url string, automationActive bool) {
	if url == "" {
		return
	}

	c.mu.Lock()
	if c.liveView != nil && c.liveView.URL == url {
		c.mu.Unlock()
		return
	}
	lv := LiveView{URL: url, AutomationActive: automationActive}
	c.liveView = &lv
	subs := make([]func(LiveView), 0, len(c.liveViewSubs))
	for _, fn := range c.liveViewSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(lv)
	}
}

// OnInteractionRequest subscribes to inbound questions from the agent.
// The returned function unsubscribes.
func (c *Conn) OnInteractionRequest(fn func(InteractionRequest)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.interactionSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.interactionSubs, id)
		c.mu.Unlock()
	}
}

func (c *Conn) notifyInteraction(req InteractionRequest) {
	c.mu.Lock()
	subs := make([]func(InteractionRequest), 0, len(c.interactionSubs))
	for _, fn := range c.interactionSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(req)
	}
}

// OnStatus subscribes to status snapshots. The returned function
// unsubscribes.
func (c *Conn) OnStatus(fn func(protocol.StatusSnapshot)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.statusSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.statusSubs, id)
		c.mu.Unlock()
	}
}

func (c *Conn) notifyStatus(snapshot protocol.StatusSnapshot) {
	c.mu.Lock()
	subs := make([]func(protocol.StatusSnapshot), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Respond answers an interaction request by id.
func (c *Conn) Respond(requestID, value string) error {
	return c.Send(&protocol.Frame{
		Type:      protocol.EventHumanResponse,
		SessionID: c.sessionID,
		ID:        requestID,
		Value:     value,
	})
}

// RequestStatus sends a correlated status request and awaits the matching
// snapshot. A zero timeout waits until resolution or connection teardown.
// Responses resolve by id, so awaiting callers may complete out of send
// order.
func (c *Conn) RequestStatus(ctx context.Context, timeout time.Duration) (*protocol.StatusSnapshot, error) {
	id := correlate.NewID()
	ch := c.corr.Register(id, timeout)

	err := c.Send(&protocol.Frame{
		Type:      protocol.EventRequestStatus,
		SessionID: c.sessionID,
		ID:        id,
	})
	if err != nil {
		c.corr.Cancel(id)
		<-ch
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.corr.Cancel(id)
		<-ch
		return nil, ctx.Err()
	case resp := <-ch:
		switch resp.Disposition {
		case correlate.DispositionAnswered:
			var snapshot protocol.StatusSnapshot
			if err := json.Unmarshal(resp.Value, &snapshot); err != nil {
				return nil, err
			}
			return &snapshot, nil
		case correlate.DispositionTimedOut:
			return nil, ErrRequestTimedOut
		default:
			return nil, ErrRequestCancelled
		}
	}
}
