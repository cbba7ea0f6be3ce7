// Package scenario loads
// scenarios from either accepted wire shape, unifying legacy apicalls
// into webhooks, dialog-state lookup (with an active-plan hint and nested
// plan-as-state support), and initial-state resolution.
package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dialogflow/internal/model"
)

// ErrScenarioLoad is wrapped by every malformed-document failure.
var ErrScenarioLoad = fmt.Errorf("scenario: malformed document")

// Parse normalizes raw scenario JSON — in either of the two documented
// shapes — into a model.Scenario. The result's bot id and version are always
// botID/botVersion; the document's own id/name fields are not read.
func Parse(raw []byte, botID, botVersion string) (*model.Scenario, error) {
	var asArray []wireWrapper
	if err := json.Unmarshal(raw, &asArray); err == nil && len(asArray) > 0 {
		return normalize(asArray[0].Scenario, botID, botVersion)
	}

	var asObject wireScenario
	if err := json.Unmarshal(raw, &asObject); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScenarioLoad, err)
	}
	if len(asObject.Plan) == 0 {
		return nil, fmt.Errorf("%w: no plans in document", ErrScenarioLoad)
	}
	return normalize(asObject, botID, botVersion)
}

func normalize(ws wireScenario, botID, botVersion string) (*model.Scenario, error) {
	s := &model.Scenario{
		BotID:      botID,
		BotVersion: botVersion,
		BotType:    ws.BotConfig.BotType,
	}
	if s.BotType == "" {
		s.BotType = "chat-bot"
	}

	for _, wp := range ws.Plan {
		s.Plans = append(s.Plans, normalizePlan(wp))
	}

	webhooks := make([]model.WebhookDefinition, 0, len(ws.Webhooks)+len(ws.Apicalls))
	seen := make(map[string]bool, len(webhooks))
	for _, wh := range ws.Webhooks {
		def := normalizeWebhook(wh, model.WebhookKindWebhook)
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		webhooks = append(webhooks, def)
	}
	for _, ac := range ws.Apicalls {
		def := normalizeLegacyAPICall(ac)
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		webhooks = append(webhooks, def)
	}
	s.Webhooks = webhooks

	for _, im := range ws.IntentMapping {
		s.IntentMapping = append(s.IntentMapping, model.IntentMappingRule{
			Scenario:      im.Scenario,
			DialogState:   im.DialogState,
			BaseIntents:   im.BaseIntents,
			ConditionStmt: im.ConditionStmt,
			DMIntent:      im.DMIntent,
		})
	}

	return s, nil
}

func normalizePlan(wp wirePlan) model.Plan {
	p := model.Plan{Name: wp.Name}
	for _, ws := range wp.DialogState {
		p.States = append(p.States, normalizeDialogState(ws))
	}
	return p
}

func normalizeDialogState(ws wireDialogState) model.DialogState {
	ds := model.DialogState{Name: ws.Name}

	if ws.EntryAction != nil {
		ea := normalizeEntryAction(*ws.EntryAction)
		ds.EntryAction = &ea
	}
	for _, c := range ws.ConditionHandlers {
		ds.ConditionHandlers = append(ds.ConditionHandlers, model.ConditionHandler{
			Condition:     c.Condition,
			MemoryActions: normalizeMemoryActions(c.MemoryActions),
			Messages:      c.Messages,
			Target:        normalizeTarget(c.Target),
		})
	}
	for _, h := range ws.IntentHandlers {
		ds.IntentHandlers = append(ds.IntentHandlers, model.IntentHandler{
			Intent:        h.Intent,
			MemoryActions: normalizeMemoryActions(h.MemoryActions),
			Messages:      h.Messages,
			Target:        normalizeTarget(h.Target),
		})
	}
	for _, h := range ws.EventHandlers {
		ds.EventHandlers = append(ds.EventHandlers, model.EventHandler{
			EventType:     h.EventType,
			MemoryActions: normalizeMemoryActions(h.MemoryActions),
			Messages:      h.Messages,
			Target:        normalizeTarget(h.Target),
		})
	}
	for _, h := range ws.WebhookActions {
		ds.WebhookHandlers = append(ds.WebhookHandlers, model.WebhookHandler{
			WebhookName: h.WebhookName,
			Target:      normalizeTarget(h.Target),
		})
	}
	for _, h := range ws.ApicallHandlers {
		ds.APICallHandlers = append(ds.APICallHandlers, model.APICallHandler{
			WebhookName: h.WebhookName,
			Target:      normalizeTarget(h.Target),
		})
	}
	if ws.SlotFillingForm != nil {
		form := model.SlotFillingForm{}
		for _, s := range ws.SlotFillingForm.Slots {
			slot := model.Slot{
				Name:           s.Name,
				Required:       s.Required,
				MemorySlotKeys: s.MemorySlotKeys,
				FillBehavior: model.FillBehavior{
					PromptAction: normalizeEntryAction(s.FillBehavior.PromptAction),
				},
			}
			for _, reh := range s.FillBehavior.RepromptEventHandlers {
				slot.FillBehavior.RepromptEventHandlers = append(slot.FillBehavior.RepromptEventHandlers, model.EventHandler{
					EventType:     reh.EventType,
					MemoryActions: normalizeMemoryActions(reh.MemoryActions),
					Messages:      reh.Messages,
					Target:        normalizeTarget(reh.Target),
				})
			}
			form.Slots = append(form.Slots, slot)
		}
		ds.SlotFillingForm = &form
	}

	// Nested plan-as-state: a dialog state whose own dialogState[] is
	// present (and non-empty) defines a sub-plan rather than being a leaf.
	if len(ws.DialogStateSub) > 0 {
		sub := model.Plan{Name: ws.Name}
		for _, sws := range ws.DialogStateSub {
			sub.States = append(sub.States, normalizeDialogState(sws))
		}
		ds.SubPlan = &sub
	}

	return ds
}

func normalizeEntryAction(w wireEntryAction) model.EntryAction {
	return model.EntryAction{
		Messages:      w.Messages,
		MemoryActions: normalizeMemoryActions(w.MemoryActions),
	}
}

func normalizeMemoryActions(was []wireMemoryAction) []model.MemoryAction {
	out := make([]model.MemoryAction, 0, len(was))
	for _, a := range was {
		out = append(out, model.MemoryAction{
			Kind: a.Kind, Key: a.Key, Value: a.Value, Scope: a.Scope,
		})
	}
	return out
}

func normalizeTarget(t wireTarget) model.Transition {
	return model.Transition{PlanName: t.Plan, DialogState: t.DialogState}
}

func normalizeWebhook(w wireWebhook, kind model.WebhookKind) model.WebhookDefinition {
	def := model.WebhookDefinition{
		Kind:        kind,
		Name:        w.Name,
		URL:         w.URL,
		TimeoutMs:   w.TimeoutMs,
		Retry:       w.Retry,
		Headers:     w.Headers,
		Method:      w.Method,
		QueryParams: w.QueryParams,
	}
	if w.Formats != nil {
		def.Formats = model.CallFormats{
			ContentType:     w.Formats.ContentType,
			RequestTemplate: w.Formats.RequestTemplate,
		}
		for _, g := range w.Formats.ResponseMappings {
			def.Formats.ResponseMappings = append(def.Formats.ResponseMappings, model.ResponseMappingGroup{
				ExpressionType: g.ExpressionType,
				TargetType:     model.MappingTarget(g.TargetType),
				Mappings:       g.Mappings,
			})
		}
	}
	return def
}

// normalizeLegacyAPICall projects a legacy apicalls[] entry to
// the unified webhook shape with kind APICALL.
func normalizeLegacyAPICall(w wireWebhook) model.WebhookDefinition {
	def := normalizeWebhook(w, model.WebhookKindAPICall)
	if w.Formats == nil {
		def.Formats = model.CallFormats{
			ContentType:     w.ContentType,
			RequestTemplate: w.RequestTemplate,
		}
		for _, g := range w.ResponseMappings {
			def.Formats.ResponseMappings = append(def.Formats.ResponseMappings, model.ResponseMappingGroup{
				ExpressionType: g.ExpressionType,
				TargetType:     model.MappingTarget(g.TargetType),
				Mappings:       g.Mappings,
			})
		}
	}
	return def
}

// Repository loads and caches scenarios by "<botId>-<botVersion>" key from a
// directory convention. It is read-mostly and safe for concurrent
// readers; writes happen via Upsert (upload endpoint), SetGlobalIntentMapping,
// and Get caching a scenario it loaded from disk.
type Repository struct {
	dir string

	mu            sync.RWMutex
	cache         map[string]*model.Scenario
	globalMapping []model.IntentMappingRule
}

func NewRepository(dir string) *Repository {
	return &Repository{dir: dir, cache: make(map[string]*model.Scenario)}
}

func key(botID, botVersion string) string {
	return botID + "-" + botVersion
}

// Get returns the cached scenario, loading it from SCENARIO_DIR by the
// "<botId>-<botVersion>.json" convention if not already cached.
func (r *Repository) Get(botID, botVersion string) (*model.Scenario, error) {
	k := key(botID, botVersion)

	r.mu.RLock()
	if s, ok := r.cache[k]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	r.mu.RUnlock()

	path := filepath.Join(r.dir, k+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScenarioLoad, err)
	}
	s, err := Parse(raw, botID, botVersion)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[k] = s
	r.mu.Unlock()
	return s, nil
}

// Upsert stores a scenario document directly (the upload endpoint), keyed
// by botID/botVersion taken from the scenario itself.
func (r *Repository) Upsert(s *model.Scenario) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key(s.BotID, s.BotVersion)] = s
}

// SetGlobalIntentMapping replaces the global intent-mapping table (the
// update endpoint). Rules apply to subsequent turns of all sessions, on
// top of each scenario's own rules.
func (r *Repository) SetGlobalIntentMapping(rules []model.IntentMappingRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalMapping = append([]model.IntentMappingRule(nil), rules...)
}

// GlobalIntentMapping returns the current global intent-mapping table.
func (r *Repository) GlobalIntentMapping() []model.IntentMappingRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.globalMapping
}

// FindState looks up a dialog state by name. If activePlan is non-empty it
// is searched first; otherwise all plans are searched in declaration order.
// Nested plan-as-state sub-plans are searched recursively.
func FindState(s *model.Scenario, activePlan, stateName string) (planName string, ds *model.DialogState, ok bool) {
	if activePlan != "" {
		for i := range s.Plans {
			if s.Plans[i].Name == activePlan {
				if found, ok := findInPlan(&s.Plans[i], stateName); ok {
					return activePlan, found, true
				}
			}
		}
	}
	for i := range s.Plans {
		if found, ok := findInPlan(&s.Plans[i], stateName); ok {
			return s.Plans[i].Name, found, true
		}
	}
	return "", nil, false
}

func findInPlan(p *model.Plan, stateName string) (*model.DialogState, bool) {
	for i := range p.States {
		if p.States[i].Name == stateName {
			return &p.States[i], true
		}
		if p.States[i].SubPlan != nil {
			if found, ok := findInPlan(p.States[i].SubPlan, stateName); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// InitialState resolves the scenario's starting state: a state literally
// named "Start", else the first state of the first plan.
func InitialState(s *model.Scenario) (planName, stateName string, ok bool) {
	if pn, _, found := FindState(s, "", model.InitialStateName); found {
		return pn, model.InitialStateName, true
	}
	if len(s.Plans) == 0 || len(s.Plans[0].States) == 0 {
		return "", "", false
	}
	return s.Plans[0].Name, s.Plans[0].States[0].Name, true
}

// FindWebhook looks up a webhook/apicall definition by name.
func FindWebhook(s *model.Scenario, name string) (model.WebhookDefinition, bool) {
	for _, w := range s.Webhooks {
		if w.Name == name {
			return w, true
		}
	}
	return model.WebhookDefinition{}, false
}

// ForDownload returns a copy of the scenario with legacy apicalls already
// migrated into webhooks (Parse already did this) and with transient `url`
// fields stripped from apicall definitions, for the download endpoint.
func ForDownload(s *model.Scenario) *model.Scenario {
	out := *s
	out.Webhooks = make([]model.WebhookDefinition, len(s.Webhooks))
	for i, w := range s.Webhooks {
		out.Webhooks[i] = w
		if out.Webhooks[i].Kind == model.WebhookKindAPICall {
			out.Webhooks[i].URL = ""
		}
	}
	return &out
}

// MarshalForDownload serializes ForDownload(s) back into the single-object
// wire shape.
func MarshalForDownload(s *model.Scenario) ([]byte, error) {
	return json.Marshal(toWire(ForDownload(s)))
}
