// Package ws provides the server side of the control-plane channel for
// browser-automation sessions.
//
// The package implements:
//   - Hub: Manages client connections and shared state for one session
//   - HubManager: Manages multiple hubs for different sessions
//   - Handler: Routes inbound frames (status requests, control handoff,
//     human responses)
//   - Service: Connects hubs to automation engines and correlates
//     interaction requests with human answers
//
// Key behaviors:
//   - Broadcast-on-change: controller and live-view state reach every
//     subscriber of a session, never read half-updated
//   - Replay: late joiners receive retained frames plus the last live-view
//     announcement, so readiness signaled before subscription is not lost
//   - Correlation: engine questions block on an id-matched human response;
//     tearing down the channel cancels every outstanding request
package ws
