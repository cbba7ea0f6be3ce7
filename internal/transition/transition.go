// Package transition applies memory actions and records StateTransition
// facts.
package transition

import (
	"dialogflow/internal/model"
	"dialogflow/internal/observability"
)

// StateTransition records what handler fired and why, for the response
// log and diagnostics.
type StateTransition struct {
	FromState    string
	ToState      string
	Reason       string
	ConditionMet bool
	HandlerType  string
}

// ApplyMemoryActions runs ADD/REMOVE actions against memory in order.
// Unknown action kinds are logged and skipped; this never returns an error
// because a malformed action must not abort the turn.
func ApplyMemoryActions(memory map[string]any, actions []model.MemoryAction) {
	for _, a := range actions {
		switch a.Kind {
		case "ADD", "":
			memory[a.Key] = a.Value
		case "REMOVE":
			delete(memory, a.Key)
		default:
			observability.LoggerWithTrace(nil).Warn().
				Str("kind", a.Kind).Str("key", a.Key).
				Msg("transition: unknown memory action kind, skipped")
		}
	}
}

// Record builds a StateTransition fact for a handler that fired.
func Record(fromState, toState, reason, handlerType string, conditionMet bool) StateTransition {
	return StateTransition{
		FromState:    fromState,
		ToState:      toState,
		Reason:       reason,
		ConditionMet: conditionMet,
		HandlerType:  handlerType,
	}
}
