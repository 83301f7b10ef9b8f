// Package engine re-exports the automation-engine collaborator contract for
// external use.
package engine

import (
	"github.com/browserpilot/controlplane/internal/engine"
)

// Re-export types from internal/engine for external use
type (
	AutomationEngine = engine.AutomationEngine
	Events           = engine.Events
	Factory          = engine.Factory
	Instance         = engine.Instance
	Manager          = engine.Manager
	Prompt           = engine.Prompt
	ScriptedConfig   = engine.ScriptedConfig
	ScriptedEngine   = engine.ScriptedEngine
)

var (
	// NewManager creates an engine manager.
	NewManager = engine.NewManager

	// NewScriptedEngine creates a scripted engine instance.
	NewScriptedEngine = engine.NewScriptedEngine
)
