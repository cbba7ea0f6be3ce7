// Package memory owns per-turn session-memory hydration, NLU entity
// projection, and every `_`-prefixed engine control flag. Handlers must
// mutate control flags only through the functions in this package so
// their semantics stay in one place.
package memory

import (
	"github.com/google/uuid"

	"dialogflow/internal/model"
)

// Control-flag keys owned by the Memory Manager.
const (
	UserTextInput                 = "USER_TEXT_INPUT"
	NLUResultKey                  = "NLU_RESULT"
	DeferIntentOnceForState       = "_DEFER_INTENT_ONCE_FOR_STATE"
	IntentTransitionedThisRequest = "_INTENT_TRANSITIONED_THIS_REQUEST"
	ClearUserInputOnNextRequest   = "_CLEAR_USER_INPUT_ON_NEXT_REQUEST"
	PreviousState                 = "_PREVIOUS_STATE"
	PreviousIntent                = "_PREVIOUS_INTENT"
	ExecutionDepth                = "_EXECUTION_DEPTH"
	AutoTransitionDepth           = "_AUTO_TRANSITION_DEPTH"
	WaitingForSlot                = "_WAITING_FOR_SLOT"
	RepromptHandlers              = "_REPROMPT_HANDLERS"
	RepromptJustRegistered        = "_REPROMPT_JUST_REGISTERED"
	SlotFillingCompleted          = "SLOT_FILLING_COMPLETED"
)

func entryActionExecutedKey(state string) string {
	return "_ENTRY_ACTION_EXECUTED_" + state
}

// Hydrate seeds memory with sessionId, requestId, and chatbot metadata for
// the current turn, creating the memory map if nil.
func Hydrate(mem map[string]any, sessionID, requestID, botID, botVersion, botName string) map[string]any {
	if mem == nil {
		mem = make(map[string]any)
	}
	mem["sessionId"] = sessionID
	if requestID == "" {
		requestID = "req-" + uuid.NewString()[:8]
	}
	mem["requestId"] = requestID
	mem["botId"] = botID
	mem["botVersion"] = botVersion
	mem["botName"] = botName
	return mem
}

// InstallTurnInput installs the current turn's text and NLU input, first
// discarding stale input left over from a prior turn when
// _CLEAR_USER_INPUT_ON_NEXT_REQUEST was set.
func InstallTurnInput(mem map[string]any, userInput string, nlu *model.NLUResult) {
	if truthy(mem[ClearUserInputOnNextRequest]) {
		delete(mem, UserTextInput)
		delete(mem, NLUResultKey)
		delete(mem, ClearUserInputOnNextRequest)
	}
	if userInput != "" {
		mem[UserTextInput] = []string{userInput}
	}
	if nlu != nil {
		mem[NLUResultKey] = nlu
		mem["NLU_INTENT"] = nlu.Intent
		ProjectEntities(mem, nlu.Entities)
	}
}

// ProjectEntities writes memory[type]=text and memory["type:role"]=text for
// each NLU entity, defaulting role to type when absent.
func ProjectEntities(mem map[string]any, entities []model.NLUEntity) {
	for _, e := range entities {
		role := e.Role
		if role == "" {
			role = e.Type
		}
		mem[e.Type] = e.Text
		mem[e.Type+":"+role] = e.Text
	}
}

// HasUserInput reports whether the current turn carries unconsumed text
// input.
func HasUserInput(mem map[string]any) bool {
	v, ok := mem[UserTextInput]
	if !ok {
		return false
	}
	list, ok := v.([]string)
	return ok && len(list) > 0
}

// ConsumeUserInput marks the turn's text input as consumed by an intent
// handler so later states in the same request cannot reuse it.
func ConsumeUserInput(mem map[string]any) {
	delete(mem, UserTextInput)
}

// SetDeferIntentOnce records that state's intent handlers must be skipped
// exactly once on next evaluation.
func SetDeferIntentOnce(mem map[string]any, state string) {
	mem[DeferIntentOnceForState] = state
}

// ConsumeDeferIntentOnce reports whether state's intent handlers should be
// skipped this cycle, clearing the flag if so (defer-once is honored at
// most once).
func ConsumeDeferIntentOnce(mem map[string]any, state string) bool {
	v, ok := mem[DeferIntentOnceForState]
	if !ok {
		return false
	}
	if s, ok := v.(string); ok && s == state {
		delete(mem, DeferIntentOnceForState)
		return true
	}
	return false
}

// MarkIntentTransition records that an intent transition fired this turn
// and that the next turn must discard stale input before evaluation.
func MarkIntentTransition(mem map[string]any, newState string) {
	SetDeferIntentOnce(mem, newState)
	mem[IntentTransitionedThisRequest] = true
	mem[ClearUserInputOnNextRequest] = true
}

// EntryActionExecuted reports whether the entry action has already run for
// the given state within the current frame.
func EntryActionExecuted(mem map[string]any, state string) bool {
	return truthy(mem[entryActionExecutedKey(state)])
}

// MarkEntryActionExecuted flips the idempotency marker for state.
func MarkEntryActionExecuted(mem map[string]any, state string) {
	mem[entryActionExecutedKey(state)] = true
}

// ClearEntryActionExecuted resets the idempotency marker, used when a frame
// is freshly pushed: a new frame always re-runs its state's entry action.
func ClearEntryActionExecuted(mem map[string]any, state string) {
	delete(mem, entryActionExecutedKey(state))
}

// RecordPrevious stores diagnostic previous-state/previous-intent flags.
func RecordPrevious(mem map[string]any, state, intent string) {
	mem[PreviousState] = state
	if intent != "" {
		mem[PreviousIntent] = intent
	}
}

// Depth returns the current value of a named depth counter (0 if unset).
func Depth(mem map[string]any, key string) int {
	v, ok := mem[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// IncrDepth increments and returns a named depth counter.
func IncrDepth(mem map[string]any, key string) int {
	n := Depth(mem, key) + 1
	mem[key] = n
	return n
}

// ResetDepth zeroes a named depth counter at the start of a new turn.
func ResetDepth(mem map[string]any, key string) {
	mem[key] = 0
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	default:
		return v != nil
	}
}

// IsControlFlag reports whether key is an engine control flag that must not
// be surfaced in outbound responses: every `_`-prefixed key,
// plus USER_TEXT_INPUT and NLU_RESULT which are engine bookkeeping even
// though they are not underscore-prefixed.
func IsControlFlag(key string) bool {
	if len(key) > 0 && key[0] == '_' {
		return true
	}
	return key == UserTextInput || key == NLUResultKey
}

// PublicMemory returns a shallow copy of mem with every control flag
// removed, suitable for inclusion in an outbound Response.
func PublicMemory(mem map[string]any) map[string]any {
	out := make(map[string]any, len(mem))
	for k, v := range mem {
		if IsControlFlag(k) {
			continue
		}
		out[k] = v
	}
	return out
}
