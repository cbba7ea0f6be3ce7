// Package slotfill drives
// required-slot collection, prompts, and reprompt-on-no-match.
package slotfill

import (
	"dialogflow/internal/memory"
	"dialogflow/internal/model"
)

const noMatchEventType = "NO_MATCH_EVENT"

// Outcome reports what the Slot-Filling Manager did for this turn.
type Outcome struct {
	// Waiting is true when a required slot remains unfilled and the cycle
	// must end here (current state unchanged).
	Waiting bool
	// Messages are the directive message lines to emit (prompt and/or
	// reprompt).
	Messages []string
}

// Filled reports whether slot has a present, non-empty value in memory
// under any of its memorySlotKey aliases.
func Filled(slot model.Slot, mem map[string]any) bool {
	for _, k := range slot.MemorySlotKeys {
		if v, ok := mem[k]; ok && !isEmpty(v) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	default:
		return false
	}
}

// Process drives one turn of slot-filling evaluation against form. It
// mutates mem's waiting/reprompt control flags and returns the
// Outcome the caller must act on: while Waiting is true, the SlotFilling
// handler must emit Messages and leave the dialog state unchanged.
func Process(form *model.SlotFillingForm, mem map[string]any) Outcome {
	clearIfAwaitedSlotNowFilled(form, mem)

	for _, slot := range form.Slots {
		if !slot.Required || Filled(slot, mem) {
			continue
		}

		awaiting, _ := mem[memory.WaitingForSlot].(string)
		if awaiting != slot.Name {
			// First time this turn lands on this unfilled required slot:
			// register it and emit the prompt only.
			mem[memory.WaitingForSlot] = slot.Name
			mem[memory.RepromptHandlers] = slot.FillBehavior.RepromptEventHandlers
			mem[memory.RepromptJustRegistered] = true
			return Outcome{Waiting: true, Messages: append([]string(nil), slot.FillBehavior.PromptAction.Messages...)}
		}

		justRegistered, _ := mem[memory.RepromptJustRegistered].(bool)
		msgs := append([]string(nil), slot.FillBehavior.PromptAction.Messages...)
		if justRegistered {
			// First subsequent turn after registering: replay the fill
			// directive only.
			mem[memory.RepromptJustRegistered] = false
			return Outcome{Waiting: true, Messages: msgs}
		}

		// Later turns: replay the fill directive and the matched
		// NO_MATCH_EVENT reprompt directive.
		for _, eh := range slot.FillBehavior.RepromptEventHandlers {
			if eh.EventType == noMatchEventType {
				msgs = append(msgs, eh.Messages...)
			}
		}
		return Outcome{Waiting: true, Messages: msgs}
	}

	// All required slots filled.
	mem[memory.SlotFillingCompleted] = ""
	delete(mem, memory.WaitingForSlot)
	delete(mem, memory.RepromptHandlers)
	delete(mem, memory.RepromptJustRegistered)
	return Outcome{Waiting: false}
}

// clearIfAwaitedSlotNowFilled drops the waiting/reprompt flags when the
// slot currently being awaited has become filled, so the next unfilled
// required slot (if any) starts its own fresh prompt cycle.
func clearIfAwaitedSlotNowFilled(form *model.SlotFillingForm, mem map[string]any) {
	awaiting, ok := mem[memory.WaitingForSlot].(string)
	if !ok || awaiting == "" {
		return
	}
	for _, slot := range form.Slots {
		if slot.Name == awaiting && Filled(slot, mem) {
			delete(mem, memory.WaitingForSlot)
			delete(mem, memory.RepromptHandlers)
			delete(mem, memory.RepromptJustRegistered)
			return
		}
	}
}
