package engine

import "errors"

// Sentinel errors for the failure classes a turn can hit. httpapi maps
// these to HTTP status codes via errors.Is.
var (
	// ErrScenarioLoad wraps scenario.ErrScenarioLoad failures surfaced at
	// the engine boundary.
	ErrScenarioLoad = errors.New("engine: scenario load error")
	// ErrStateNotFound is returned when a frame names a dialog state the
	// scenario no longer defines.
	ErrStateNotFound = errors.New("engine: dialog state not found")
	// ErrResumeWithoutFrame is returned when a session snapshot's stack is
	// empty at turn start.
	ErrResumeWithoutFrame = errors.New("engine: resume without frame")
	// ErrDepthLimit marks a turn stopped by the per-turn cycle cap or a
	// depth guard. ExecuteTurn does not return it: its message is set as
	// the response's error and the turn ends in the current state.
	ErrDepthLimit = errors.New("engine: execution depth limit exceeded")
)
