// Package engine defines the contract between the control plane and the
// external browser-automation engine, plus a scripted in-process engine used
// for development and tests.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browserpilot/controlplane/internal/protocol"
)

// Events carries the callbacks an engine uses to reach the control plane.
// All callbacks are optional; nil callbacks are skipped.
type Events struct {
	// OnStatus is called when the automation/browser state changes.
	OnStatus func(snapshot protocol.StatusSnapshot)

	// OnLiveViewReady is called once a remote visual endpoint exists for
	// the session's browser surface.
	OnLiveViewReady func(url string, automationActive bool)

	// RequestInput relays a question to the human operator and blocks
	// until a response arrives, the window elapses, or the session's
	// channel is torn down. A zero timeout waits indefinitely.
	RequestInput func(ctx context.Context, kind string, payload json.RawMessage, timeout time.Duration) (string, error)

	// OnFinished is called exactly once when the automation run ends.
	OnFinished func(err error)
}

// AutomationEngine is the collaborator interface for the automation backend.
// The control plane only requires that the engine can pause/resume its action
// loop on control handoff, ask for human input, and announce its live view.
type AutomationEngine interface {
	// Start begins the automation run. It returns once the run is
	// underway; progress is reported through events.
	Start(ctx context.Context, events Events) error

	// Pause suspends the engine's action loop (human took control).
	Pause() error

	// Resume restarts the action loop (human released control).
	Resume() error

	// Status reports the engine's current snapshot.
	Status() protocol.StatusSnapshot

	// Stop terminates the run.
	Stop() error
}
