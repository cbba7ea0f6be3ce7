// Package handler implements the dispatch contract for a dialog state's
// handlers: Entry/SlotFilling/Webhook/ApiCall/Intent/Event/Condition,
// evaluated in that fixed priority order.
package handler

import (
	"context"
	"encoding/json"

	"dialogflow/internal/apicall"
	"dialogflow/internal/condition"
	"dialogflow/internal/memory"
	"dialogflow/internal/model"
	"dialogflow/internal/scenario"
	"dialogflow/internal/slotfill"
	"dialogflow/internal/template"
	"dialogflow/internal/transition"
	"dialogflow/internal/webhook"
)

// ResultKind discriminates the outcome of one dispatch cycle.
type ResultKind int

const (
	NoTransition ResultKind = iota
	StateTransitionKind
	PlanTransitionKind
	EndScenarioKind
)

// Result is the sum-typed outcome of a handler dispatch cycle.
type Result struct {
	Kind ResultKind

	TargetPlan string // non-empty only for PlanTransitionKind
	NewState   string // dialog state name, or a terminal sentinel

	Messages   []string
	Directives []model.Directive

	// ConditionIndex is the index of the condition handler that matched,
	// -1 when a non-condition handler produced this result.
	ConditionIndex int

	// AwaitingInput is true when the cycle must end here without a
	// transition because intent/slot-filling is awaiting the next turn.
	AwaitingInput bool

	Transition transition.StateTransition
}

func noTransition(messages []string, awaiting bool) Result {
	return Result{Kind: NoTransition, ConditionIndex: -1, Messages: messages, AwaitingInput: awaiting}
}

// Context carries everything one dispatch cycle needs: the dialog state
// being evaluated, session memory, the active scenario (for webhook/apicall
// definition lookup and intent-mapping rules), and the current turn's
// input.
type Context struct {
	Scenario  *model.Scenario
	PlanName  string
	State     *model.DialogState
	Memory    map[string]any

	// ResumeConditionIndex is the condition-handler index to resume
	// evaluation from (ResumePoint.NextHandlerIndex); 0 on a fresh cycle.
	ResumeConditionIndex int

	// ResumeConditions restricts the cycle to condition handlers only,
	// starting at ResumeConditionIndex. Set after an __END_SCENARIO__ pop:
	// the resumed state's slot/webhook/apicall/intent/event tiers already
	// ran before the sub-plan was entered and must not run again.
	ResumeConditions bool

	// AwaitAfterEntry restricts the cycle to the entry action (and slot
	// prompting, when a slotFillingForm exists). Set when a transition
	// within the current turn lands on a state with intentHandlers or a
	// slotFillingForm: that state must await the next user turn rather
	// than consume this turn's input.
	AwaitAfterEntry bool

	EventType       string
	DeferIntentOnce bool

	// GlobalIntentMapping holds rules installed through the update
	// intent-mapping endpoint; they apply after the scenario's own rules.
	GlobalIntentMapping []model.IntentMappingRule

	Webhook *webhook.Client
	APICall *apicall.Client
}

// Dispatcher runs one handler-dispatch cycle for a dialog state.
type Dispatcher struct{}

// NewDispatcher builds a Dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Run evaluates the permitted handlers of hc.State in priority order,
// returning as soon as one yields a transition or must await the next
// user turn. A cycle that exhausts every permitted handler without either
// returns NoTransition with AwaitingInput=false: the turn ends with the
// state unchanged.
func (d *Dispatcher) Run(ctx context.Context, hc *Context) Result {
	entryMsgs := d.runEntryAction(hc)

	res := d.dispatchRest(ctx, hc)
	if len(entryMsgs) > 0 {
		res.Messages = append(append([]string(nil), entryMsgs...), res.Messages...)
	}
	return res
}

func (d *Dispatcher) dispatchRest(ctx context.Context, hc *Context) Result {
	var pending []model.Directive
	res := d.runTiers(ctx, hc, &pending)
	if len(pending) > 0 {
		res.Directives = append(append([]model.Directive(nil), pending...), res.Directives...)
	}
	return res
}

func (d *Dispatcher) runTiers(ctx context.Context, hc *Context, pending *[]model.Directive) Result {
	if hc.AwaitAfterEntry {
		if hc.State.SlotFillingForm != nil {
			if res, stop := d.runSlotFilling(hc); stop {
				return res
			}
		}
		return noTransition(nil, true)
	}
	if hc.ResumeConditions {
		if res, stop := d.runConditions(hc, hc.State.ConditionHandlers, hc.ResumeConditionIndex); stop {
			return res
		}
		return noTransition(nil, false)
	}
	if hc.State.SlotFillingForm != nil {
		if res, stop := d.runSlotFilling(hc); stop {
			return res
		}
	}
	if len(hc.State.WebhookHandlers) > 0 {
		if res, stop := d.runWebhooks(ctx, hc, pending); stop {
			return res
		}
	}
	if len(hc.State.APICallHandlers) > 0 {
		if res, stop := d.runAPICalls(ctx, hc, pending); stop {
			return res
		}
	}
	if len(hc.State.IntentHandlers) > 0 && !hc.DeferIntentOnce {
		if !memory.HasUserInput(hc.Memory) {
			// No text this turn: await the next one, unless an event is
			// being delivered, in which case the event tier still runs.
			if hc.EventType == "" {
				return noTransition(nil, true)
			}
		} else if res, stop := d.runIntent(hc); stop {
			return res
		}
	}
	if len(hc.State.EventHandlers) > 0 && hc.EventType != "" {
		if res, stop := d.runEvent(hc); stop {
			return res
		}
	}
	if len(hc.State.ConditionHandlers) > 0 {
		if res, stop := d.runConditions(hc, hc.State.ConditionHandlers, hc.ResumeConditionIndex); stop {
			return res
		}
	}
	return noTransition(nil, false)
}

// runEntryAction executes the state's entry action at most once per frame
// entry, returning its messages. It never
// stops the cycle: dispatch always continues to the next tier the same turn
// the entry action fires.
func (d *Dispatcher) runEntryAction(hc *Context) []string {
	if hc.State.EntryAction == nil {
		return nil
	}
	if memory.EntryActionExecuted(hc.Memory, hc.State.Name) {
		return nil
	}
	transition.ApplyMemoryActions(hc.Memory, hc.State.EntryAction.MemoryActions)
	memory.MarkEntryActionExecuted(hc.Memory, hc.State.Name)
	return hc.State.EntryAction.Messages
}

func (d *Dispatcher) runSlotFilling(hc *Context) (Result, bool) {
	outcome := slotfill.Process(hc.State.SlotFillingForm, hc.Memory)
	if outcome.Waiting {
		return noTransition(outcome.Messages, true), true
	}
	return Result{}, false
}

func (d *Dispatcher) runWebhooks(ctx context.Context, hc *Context, pending *[]model.Directive) (Result, bool) {
	for _, wh := range hc.State.WebhookHandlers {
		def, ok := scenario.FindWebhook(hc.Scenario, wh.WebhookName)
		if !ok {
			continue
		}
		resp, err := hc.Webhook.Call(ctx, def, hc.Memory, hc.State.Name)
		if err != nil {
			continue
		}
		directives := applyWebhookMapping(resp, def, hc.Memory)
		if res, matched := d.matchConditions(hc, hc.State.ConditionHandlers, 0); matched {
			res.Directives = append(directives, res.Directives...)
			return res, true
		}
		if wh.Target.DialogState != "" {
			out := buildTransitionResult(wh.Target, hc.PlanName, nil, -1, "webhook", hc.State.Name)
			out.Directives = append(out.Directives, directives...)
			return out, true
		}
		// A webhook with no default target only primes memory (e.g. sets
		// NLU_INTENT); the intent tier below may consume the result, and
		// its mapped directives ride along with whatever fires.
		*pending = append(*pending, directives...)
	}
	return Result{}, false
}

func (d *Dispatcher) runAPICalls(ctx context.Context, hc *Context, pending *[]model.Directive) (Result, bool) {
	for _, ac := range hc.State.APICallHandlers {
		def, ok := scenario.FindWebhook(hc.Scenario, ac.WebhookName)
		if !ok {
			continue
		}
		result, err := hc.APICall.Call(ctx, def, hc.Memory)
		if err != nil || result == nil {
			continue
		}
		if res, matched := d.matchConditions(hc, hc.State.ConditionHandlers, 0); matched {
			res.Directives = append(res.Directives, result.Directives...)
			return res, true
		}
		if ac.Target.DialogState != "" {
			out := buildTransitionResult(ac.Target, hc.PlanName, nil, -1, "apicall", hc.State.Name)
			out.Directives = append(out.Directives, result.Directives...)
			return out, true
		}
		// No condition matched and no default target: keep the mapped
		// directives and let the later tiers decide the transition.
		*pending = append(*pending, result.Directives...)
	}
	return Result{}, false
}

// applyWebhookMapping re-encodes a webhook's parsed JSON response and runs
// it through response mapping, returning any DIRECTIVE-target extractions.
// The Webhook Client itself (unlike the API-Call Client) does not apply
// mapping, since a webhook response may be consumed purely by its
// fall-through condition handlers.
func applyWebhookMapping(resp map[string]any, def model.WebhookDefinition, mem map[string]any) []model.Directive {
	if resp == nil {
		return nil
	}
	rawJSON, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	if len(def.Formats.ResponseMappings) > 0 {
		return template.ApplyResponseMapping(rawJSON, def.Formats.ResponseMappings, mem)
	}
	template.DefaultEnvelopeMapping(rawJSON, mem)
	return nil
}

// runIntent picks the exact intent match, else __ANY_INTENT__ as
// fallback; on transition it marks the defer-once, intent-transitioned,
// and clear-on-next-request flags, and consumes the turn's text input so
// no later state can reuse it.
func (d *Dispatcher) runIntent(hc *Context) (Result, bool) {
	intent := resolveIntent(hc)
	h, ok := matchIntentHandler(hc.State.IntentHandlers, intent)
	if !ok {
		return Result{}, false
	}
	transition.ApplyMemoryActions(hc.Memory, h.MemoryActions)
	memory.ConsumeUserInput(hc.Memory)
	res := buildTransitionResult(h.Target, hc.PlanName, h.Messages, -1, "intent", hc.State.Name)
	memory.MarkIntentTransition(hc.Memory, res.NewState)
	return res, true
}

func resolveIntent(hc *Context) string {
	base, _ := hc.Memory["NLU_INTENT"].(string)
	rules := hc.Scenario.IntentMapping
	if len(hc.GlobalIntentMapping) > 0 {
		rules = append(append([]model.IntentMappingRule(nil), rules...), hc.GlobalIntentMapping...)
	}
	return ResolveIntentMapping(rules, hc.Scenario.BotID, hc.State.Name, base, hc.Memory)
}

// ResolveIntentMapping applies the scenario's intent-mapping rules after
// NLU: the first rule whose scope (scenario/dialog
// state) and guarding condition match, and whose BaseIntents contains
// baseIntent, remaps it to its DMIntent. Unmatched intents pass through
// unchanged.
func ResolveIntentMapping(rules []model.IntentMappingRule, scenarioName, stateName, baseIntent string, mem map[string]any) string {
	for _, r := range rules {
		if r.Scenario != "" && r.Scenario != scenarioName {
			continue
		}
		if r.DialogState != "" && r.DialogState != stateName {
			continue
		}
		if !containsString(r.BaseIntents, baseIntent) {
			continue
		}
		if r.ConditionStmt != "" && !condition.Evaluate(r.ConditionStmt, mem) {
			continue
		}
		return r.DMIntent
	}
	return baseIntent
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func matchIntentHandler(handlers []model.IntentHandler, intent string) (model.IntentHandler, bool) {
	var fallback *model.IntentHandler
	for i := range handlers {
		if handlers[i].Intent == intent {
			return handlers[i], true
		}
		if handlers[i].Intent == model.AnyIntentSentinel {
			h := handlers[i]
			fallback = &h
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.IntentHandler{}, false
}

func (d *Dispatcher) runEvent(hc *Context) (Result, bool) {
	for _, h := range hc.State.EventHandlers {
		if h.EventType != hc.EventType {
			continue
		}
		transition.ApplyMemoryActions(hc.Memory, h.MemoryActions)
		return buildTransitionResult(h.Target, hc.PlanName, h.Messages, -1, "event", hc.State.Name), true
	}
	return Result{}, false
}

func (d *Dispatcher) runConditions(hc *Context, handlers []model.ConditionHandler, startIndex int) (Result, bool) {
	return d.matchConditions(hc, handlers, startIndex)
}

// matchConditions evaluates handlers in declaration order starting at
// startIndex; the first whose condition holds wins.
func (d *Dispatcher) matchConditions(hc *Context, handlers []model.ConditionHandler, startIndex int) (Result, bool) {
	if startIndex < 0 {
		startIndex = 0
	}
	for i := startIndex; i < len(handlers); i++ {
		h := handlers[i]
		if !condition.Evaluate(h.Condition, hc.Memory) {
			continue
		}
		transition.ApplyMemoryActions(hc.Memory, h.MemoryActions)
		return buildTransitionResult(h.Target, hc.PlanName, h.Messages, i, "condition", hc.State.Name), true
	}
	return Result{}, false
}

// buildTransitionResult classifies a handler's target transition into a
// StateTransitionKind, PlanTransitionKind, or EndScenarioKind result.
func buildTransitionResult(target model.Transition, currentPlan string, messages []string, conditionIndex int, handlerType, fromState string) Result {
	rec := transition.Record(fromState, target.String(), handlerType, handlerType, true)
	if target.DialogState == model.EndScenarioSentinel {
		return Result{Kind: EndScenarioKind, Messages: messages, ConditionIndex: conditionIndex, Transition: rec}
	}
	if target.PlanName != "" && target.PlanName != currentPlan {
		return Result{
			Kind:           PlanTransitionKind,
			TargetPlan:     target.PlanName,
			NewState:       target.DialogState,
			Messages:       messages,
			ConditionIndex: conditionIndex,
			Transition:     rec,
		}
	}
	return Result{
		Kind:           StateTransitionKind,
		NewState:       target.DialogState,
		Messages:       messages,
		ConditionIndex: conditionIndex,
		Transition:     rec,
	}
}
