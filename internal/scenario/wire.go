package scenario

import "dialogflow/internal/model"

// wire types mirror the two accepted scenario JSON shapes. The rest of
// the engine never sees these; Parse normalizes them into internal/model
// types, and toWire projects a normalized scenario back out for the
// download endpoint.

type wireWrapper struct {
	ID       string       `json:"id,omitempty"`
	Name     string       `json:"name,omitempty"`
	Scenario wireScenario `json:"scenario"`
}

type wireScenario struct {
	Plan          []wirePlan          `json:"plan"`
	Webhooks      []wireWebhook       `json:"webhooks,omitempty"`
	Apicalls      []wireWebhook       `json:"apicalls,omitempty"`
	IntentMapping []wireIntentMapping `json:"intentMapping,omitempty"`
	BotConfig     wireBotConfig       `json:"botConfig,omitempty"`
}

type wireBotConfig struct {
	BotType string `json:"botType,omitempty"`
}

type wirePlan struct {
	Name        string            `json:"name"`
	DialogState []wireDialogState `json:"dialogState"`
}

type wireDialogState struct {
	Name              string                 `json:"name"`
	EntryAction       *wireEntryAction       `json:"entryAction,omitempty"`
	ConditionHandlers []wireConditionHandler `json:"conditionHandlers,omitempty"`
	IntentHandlers    []wireIntentHandler    `json:"intentHandlers,omitempty"`
	EventHandlers     []wireEventHandler     `json:"eventHandlers,omitempty"`
	WebhookActions    []wireCallHandler      `json:"webhookActions,omitempty"`
	ApicallHandlers   []wireCallHandler      `json:"apicallHandlers,omitempty"`
	SlotFillingForm   *wireSlotFillingForm   `json:"slotFillingForm,omitempty"`
	DialogStateSub    []wireDialogState      `json:"dialogState,omitempty"`
}

type wireEntryAction struct {
	Messages      []string           `json:"messages,omitempty"`
	MemoryActions []wireMemoryAction `json:"memoryActions,omitempty"`
}

type wireMemoryAction struct {
	Kind  string `json:"kind,omitempty"`
	Key   string `json:"key"`
	Value any    `json:"value,omitempty"`
	Scope string `json:"scope,omitempty"`
}

type wireTarget struct {
	Plan        string `json:"plan,omitempty"`
	DialogState string `json:"dialogState"`
}

type wireConditionHandler struct {
	Condition     string             `json:"condition"`
	MemoryActions []wireMemoryAction `json:"memoryActions,omitempty"`
	Messages      []string           `json:"messages,omitempty"`
	Target        wireTarget         `json:"target"`
}

type wireIntentHandler struct {
	Intent        string             `json:"intent"`
	MemoryActions []wireMemoryAction `json:"memoryActions,omitempty"`
	Messages      []string           `json:"messages,omitempty"`
	Target        wireTarget         `json:"target"`
}

type wireEventHandler struct {
	EventType     string             `json:"eventType"`
	MemoryActions []wireMemoryAction `json:"memoryActions,omitempty"`
	Messages      []string           `json:"messages,omitempty"`
	Target        wireTarget         `json:"target"`
}

type wireCallHandler struct {
	WebhookName string     `json:"webhookName"`
	Target      wireTarget `json:"target"`
}

type wireSlotFillingForm struct {
	Slots []wireSlot `json:"slots"`
}

type wireSlot struct {
	Name           string           `json:"name"`
	Required       bool             `json:"required"`
	MemorySlotKeys []string         `json:"memorySlotKeys,omitempty"`
	FillBehavior   wireFillBehavior `json:"fillBehavior"`
}

type wireFillBehavior struct {
	PromptAction          wireEntryAction    `json:"promptAction"`
	RepromptEventHandlers []wireEventHandler `json:"repromptEventHandlers,omitempty"`
}

// wireWebhook covers both the native {kind,name,url,...,formats{...}} shape
// and the legacy apicalls[] shape, which carries contentType/requestTemplate/
// responseMappings/url at the top level instead of nested under "formats".
type wireWebhook struct {
	Kind        string            `json:"kind,omitempty"`
	Name        string            `json:"name"`
	URL         string            `json:"url,omitempty"`
	TimeoutMs   int               `json:"timeoutMs,omitempty"`
	Retry       int               `json:"retry,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Method      string            `json:"method,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
	Formats     *wireCallFormats  `json:"formats,omitempty"`

	// legacy apicalls[] fields, present when Formats is nil
	ContentType      string                     `json:"contentType,omitempty"`
	RequestTemplate  string                     `json:"requestTemplate,omitempty"`
	ResponseMappings []wireResponseMappingGroup `json:"responseMappings,omitempty"`
}

type wireCallFormats struct {
	ContentType      string                     `json:"contentType,omitempty"`
	RequestTemplate  string                     `json:"requestTemplate,omitempty"`
	ResponseMappings []wireResponseMappingGroup `json:"responseMappings,omitempty"`
}

type wireResponseMappingGroup struct {
	ExpressionType string            `json:"expressionType,omitempty"`
	TargetType     string            `json:"targetType"`
	Mappings       map[string]string `json:"mappings"`
}

type wireIntentMappingRule struct {
	Scenario      string   `json:"scenario,omitempty"`
	DialogState   string   `json:"dialogState,omitempty"`
	BaseIntents   []string `json:"baseIntents"`
	ConditionStmt string   `json:"conditionStatement,omitempty"`
	DMIntent      string   `json:"dmIntent"`
}

type wireIntentMapping = wireIntentMappingRule

// toWire projects a normalized scenario back into the single-object wire
// shape, with all calls unified under webhooks[] (legacy apicalls never
// round-trip back out).
func toWire(s *model.Scenario) wireScenario {
	ws := wireScenario{BotConfig: wireBotConfig{BotType: s.BotType}}
	for _, p := range s.Plans {
		ws.Plan = append(ws.Plan, wirePlan{Name: p.Name, DialogState: statesToWire(p.States)})
	}
	for _, w := range s.Webhooks {
		ws.Webhooks = append(ws.Webhooks, webhookToWire(w))
	}
	for _, r := range s.IntentMapping {
		ws.IntentMapping = append(ws.IntentMapping, wireIntentMapping{
			Scenario:      r.Scenario,
			DialogState:   r.DialogState,
			BaseIntents:   r.BaseIntents,
			ConditionStmt: r.ConditionStmt,
			DMIntent:      r.DMIntent,
		})
	}
	return ws
}

func statesToWire(states []model.DialogState) []wireDialogState {
	out := make([]wireDialogState, 0, len(states))
	for _, ds := range states {
		w := wireDialogState{Name: ds.Name}
		if ds.EntryAction != nil {
			ea := entryActionToWire(*ds.EntryAction)
			w.EntryAction = &ea
		}
		for _, h := range ds.ConditionHandlers {
			w.ConditionHandlers = append(w.ConditionHandlers, wireConditionHandler{
				Condition:     h.Condition,
				MemoryActions: memoryActionsToWire(h.MemoryActions),
				Messages:      h.Messages,
				Target:        targetToWire(h.Target),
			})
		}
		for _, h := range ds.IntentHandlers {
			w.IntentHandlers = append(w.IntentHandlers, wireIntentHandler{
				Intent:        h.Intent,
				MemoryActions: memoryActionsToWire(h.MemoryActions),
				Messages:      h.Messages,
				Target:        targetToWire(h.Target),
			})
		}
		for _, h := range ds.EventHandlers {
			w.EventHandlers = append(w.EventHandlers, eventHandlerToWire(h))
		}
		for _, h := range ds.WebhookHandlers {
			w.WebhookActions = append(w.WebhookActions, wireCallHandler{WebhookName: h.WebhookName, Target: targetToWire(h.Target)})
		}
		for _, h := range ds.APICallHandlers {
			w.ApicallHandlers = append(w.ApicallHandlers, wireCallHandler{WebhookName: h.WebhookName, Target: targetToWire(h.Target)})
		}
		if ds.SlotFillingForm != nil {
			form := wireSlotFillingForm{}
			for _, s := range ds.SlotFillingForm.Slots {
				form.Slots = append(form.Slots, wireSlot{
					Name:           s.Name,
					Required:       s.Required,
					MemorySlotKeys: s.MemorySlotKeys,
					FillBehavior: wireFillBehavior{
						PromptAction:          entryActionToWire(s.FillBehavior.PromptAction),
						RepromptEventHandlers: eventHandlersToWire(s.FillBehavior.RepromptEventHandlers),
					},
				})
			}
			w.SlotFillingForm = &form
		}
		if ds.SubPlan != nil {
			w.DialogStateSub = statesToWire(ds.SubPlan.States)
		}
		out = append(out, w)
	}
	return out
}

func entryActionToWire(ea model.EntryAction) wireEntryAction {
	return wireEntryAction{Messages: ea.Messages, MemoryActions: memoryActionsToWire(ea.MemoryActions)}
}

func memoryActionsToWire(actions []model.MemoryAction) []wireMemoryAction {
	if len(actions) == 0 {
		return nil
	}
	out := make([]wireMemoryAction, 0, len(actions))
	for _, a := range actions {
		out = append(out, wireMemoryAction{Kind: a.Kind, Key: a.Key, Value: a.Value, Scope: a.Scope})
	}
	return out
}

func eventHandlerToWire(h model.EventHandler) wireEventHandler {
	return wireEventHandler{
		EventType:     h.EventType,
		MemoryActions: memoryActionsToWire(h.MemoryActions),
		Messages:      h.Messages,
		Target:        targetToWire(h.Target),
	}
}

func eventHandlersToWire(hs []model.EventHandler) []wireEventHandler {
	if len(hs) == 0 {
		return nil
	}
	out := make([]wireEventHandler, 0, len(hs))
	for _, h := range hs {
		out = append(out, eventHandlerToWire(h))
	}
	return out
}

func targetToWire(t model.Transition) wireTarget {
	return wireTarget{Plan: t.PlanName, DialogState: t.DialogState}
}

func webhookToWire(w model.WebhookDefinition) wireWebhook {
	out := wireWebhook{
		Kind:        string(w.Kind),
		Name:        w.Name,
		URL:         w.URL,
		TimeoutMs:   w.TimeoutMs,
		Retry:       w.Retry,
		Headers:     w.Headers,
		Method:      w.Method,
		QueryParams: w.QueryParams,
	}
	f := wireCallFormats{
		ContentType:     w.Formats.ContentType,
		RequestTemplate: w.Formats.RequestTemplate,
	}
	for _, g := range w.Formats.ResponseMappings {
		f.ResponseMappings = append(f.ResponseMappings, wireResponseMappingGroup{
			ExpressionType: g.ExpressionType,
			TargetType:     string(g.TargetType),
			Mappings:       g.Mappings,
		})
	}
	out.Formats = &f
	return out
}
