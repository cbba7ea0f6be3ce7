// Package stack implements the per-session
// frame stack: plan push/pop and __END_SCENARIO__ resume-point
// computation.
package stack

import "dialogflow/internal/model"

// Initialize builds a single-frame stack for a freshly created session.
func Initialize(scenarioName, planName, stateName string) []model.Frame {
	return []model.Frame{{
		ScenarioName:    scenarioName,
		PlanName:        planName,
		DialogStateName: stateName,
	}}
}

// Top returns the active frame, or (zero, false) for an empty stack.
func Top(s []model.Frame) (model.Frame, bool) {
	if len(s) == 0 {
		return model.Frame{}, false
	}
	return s[len(s)-1], true
}

// UpdateCurrentState updates the top frame in place for a same-plan state
// transition, resetting its handler-resume bookkeeping.
func UpdateCurrentState(s []model.Frame, newState string) []model.Frame {
	if len(s) == 0 {
		return s
	}
	top := &s[len(s)-1]
	top.DialogStateName = newState
	top.LastExecutedHandlerIndex = -1
	top.EntryActionExecuted = false
	return s
}

// Reseat points the top frame at an explicit plan/state pair, resetting its
// handler-resume bookkeeping. Used when a turn's explicit currentState
// argument overrides the persisted top-of-stack.
func Reseat(s []model.Frame, planName, stateName string) []model.Frame {
	if len(s) == 0 {
		return s
	}
	top := &s[len(s)-1]
	top.PlanName = planName
	top.DialogStateName = stateName
	top.LastExecutedHandlerIndex = -1
	top.EntryActionExecuted = false
	return s
}

// SwitchToPlan records resume info (handlerIndex, entryActionExecuted) on
// the current top frame for currentState, then pushes a new frame for the
// target plan/state. entryActionExecuted describes whether the *current*
// frame's entry action had already run before the switch.
func SwitchToPlan(s []model.Frame, scenarioName, targetPlan, targetState string, handlerIndex int, currentEntryActionExecuted bool) []model.Frame {
	if len(s) > 0 {
		top := &s[len(s)-1]
		top.LastExecutedHandlerIndex = handlerIndex
		top.EntryActionExecuted = currentEntryActionExecuted
	}
	return append(s, model.Frame{
		ScenarioName:    scenarioName,
		PlanName:        targetPlan,
		DialogStateName: targetState,
	})
}

// HandleEndScenario pops the top frame on __END_SCENARIO__, collapsing any
// contiguous frames beneath it that share the popped frame's plan name
// (duplicate-frame coalescing). It returns the updated stack and a
// ResumePoint for the new top frame. ok is false when the stack had only
// one frame, in which case the session ends.
func HandleEndScenario(s []model.Frame) ([]model.Frame, model.ResumePoint, bool) {
	if len(s) == 0 {
		return s, model.ResumePoint{}, false
	}
	popped := s[len(s)-1]
	s = s[:len(s)-1]

	for len(s) > 0 && s[len(s)-1].PlanName == popped.PlanName {
		s = s[:len(s)-1]
	}

	if len(s) == 0 {
		return s, model.ResumePoint{}, false
	}

	top := s[len(s)-1]
	return s, model.ResumePoint{
		Frame:               top,
		NextHandlerIndex:    top.LastExecutedHandlerIndex + 1,
		EntryActionExecuted: top.EntryActionExecuted,
	}, true
}
