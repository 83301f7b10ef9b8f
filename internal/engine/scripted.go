package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/browserpilot/controlplane/internal/protocol"
)

// Prompt is one scripted human-interaction request.
type Prompt struct {
	Kind    string
	Payload json.RawMessage
	Timeout time.Duration
}

// ScriptedConfig configures a ScriptedEngine run.
type ScriptedConfig struct {
	// LiveViewURL is announced after LiveViewDelay. Empty disables the event.
	LiveViewURL   string
	LiveViewDelay time.Duration

	// Prompts are asked in order once the live view is up.
	Prompts []Prompt

	// StepDelay paces the simulated action loop between prompts.
	StepDelay time.Duration
}

// ScriptedEngine simulates an automation run: it announces a live view,
// works through its prompts, and finishes. It honors Pause/Resume by gating
// its loop, which is what the real engine does on control handoff.
type ScriptedEngine struct {
	cfg    ScriptedConfig
	logger *slog.Logger

	mu         sync.Mutex
	paused     bool
	resumed    *sync.Cond
	running    bool
	controller protocol.Controller
	liveURL    string
	cancel     context.CancelFunc
}

// NewScriptedEngine creates a scripted engine.
func NewScriptedEngine(cfg ScriptedConfig, logger *slog.Logger) *ScriptedEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ScriptedEngine{
		cfg:        cfg,
		logger:     logger,
		controller: protocol.ControllerAgent,
	}
	e.resumed = sync.NewCond(&e.mu)
	return e
}

// Start begins the scripted run in a background goroutine.
func (e *ScriptedEngine) Start(ctx context.Context, events Events) error {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(runCtx, events)
	return nil
}

func (e *ScriptedEngine) run(ctx context.Context, events Events) {
	finish := func(err error) {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		if events.OnFinished != nil {
			events.OnFinished(err)
		}
	}

	if events.OnStatus != nil {
		events.OnStatus(e.Status())
	}

	if e.cfg.LiveViewURL != "" {
		if !e.sleep(ctx, e.cfg.LiveViewDelay) {
			finish(ctx.Err())
			return
		}
		e.mu.Lock()
		e.liveURL = e.cfg.LiveViewURL
		e.mu.Unlock()
		if events.OnLiveViewReady != nil {
			events.OnLiveViewReady(e.cfg.LiveViewURL, true)
		}
	}

	for _, prompt := range e.cfg.Prompts {
		if !e.waitWhilePaused(ctx) {
			finish(ctx.Err())
			return
		}
		if !e.sleep(ctx, e.cfg.StepDelay) {
			finish(ctx.Err())
			return
		}

		if events.RequestInput == nil {
			continue
		}
		answer, err := events.RequestInput(ctx, prompt.Kind, prompt.Payload, prompt.Timeout)
		if err != nil {
			e.logger.Warn("scripted engine input request failed", "kind", prompt.Kind, "err", err)
			continue
		}
		e.logger.Info("scripted engine received answer", "kind", prompt.Kind, "answer", answer)
	}

	finish(nil)
}

// sleep waits for d unless the run is cancelled first.
func (e *ScriptedEngine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// waitWhilePaused blocks the action loop while a human holds control.
func (e *ScriptedEngine) waitWhilePaused(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Wake the loop so it can observe cancellation.
			e.mu.Lock()
			e.resumed.Broadcast()
			e.mu.Unlock()
		case <-done:
		}
	}()

	e.mu.Lock()
	for e.paused && ctx.Err() == nil {
		e.resumed.Wait()
	}
	e.mu.Unlock()
	close(done)

	return ctx.Err() == nil
}

// Pause suspends the action loop. Pausing an already paused engine is a no-op.
func (e *ScriptedEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.controller = protocol.ControllerHuman
	return nil
}

// Resume restarts the action loop.
func (e *ScriptedEngine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.controller = protocol.ControllerAgent
	e.resumed.Broadcast()
	return nil
}

// Status reports the engine's current snapshot.
func (e *ScriptedEngine) Status() protocol.StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := "idle"
	if e.running {
		state = "running"
		if e.paused {
			state = "paused"
		}
	}

	return protocol.StatusSnapshot{
		State:            state,
		Controller:       e.controller,
		BrowserConnected: e.liveURL != "",
		LiveViewURL:      e.liveURL,
	}
}

// Stop terminates the run. Cancellation happens before the paused loop is
// woken so the loop always observes it.
func (e *ScriptedEngine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.mu.Lock()
	e.paused = false
	e.resumed.Broadcast()
	e.mu.Unlock()
	return nil
}
