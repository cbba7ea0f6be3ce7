// Package engine implements the per-turn
// state-cycle driver that hydrates a session, drives the Handler Set
// through successive dialog states, and persists the resulting snapshot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"dialogflow/internal/apicall"
	"dialogflow/internal/ctxstore"
	"dialogflow/internal/handler"
	"dialogflow/internal/memory"
	"dialogflow/internal/model"
	"dialogflow/internal/observability"
	"dialogflow/internal/response"
	"dialogflow/internal/scenario"
	"dialogflow/internal/stack"
	"dialogflow/internal/transition"
	"dialogflow/internal/webhook"
)

// Loop guards. A cycle is one state's worth of dispatch; the
// auto-transition counter additionally bounds same-turn transition chains.
const (
	maxCyclesPerTurn       = 5
	maxExecutionDepth      = 10
	maxAutoTransitionDepth = 10
)

// Request is one inbound turn.
type Request struct {
	SessionID    string
	RequestID    string
	BotID        string
	BotVersion   string
	BotName      string
	CurrentState string
	UserInput    string
	NLU          *model.NLUResult
	EventType    string
	Context      map[string]any
}

// Engine wires the Scenario Repository, Context Store, and Handler Set
// together to drive turns. Session TTL is a property of the store itself
// (the Context Store was constructed with it), not of the Engine.
type Engine struct {
	scenarios  *scenario.Repository
	store      ctxstore.Store
	dispatcher *handler.Dispatcher
	webhook    *webhook.Client
	apicall    *apicall.Client

	turns        metric.Int64Counter
	turnDuration metric.Float64Histogram
	turnCycles   metric.Int64Histogram
}

// New builds an Engine.
func New(scenarios *scenario.Repository, store ctxstore.Store) *Engine {
	meter := otel.Meter("dialogflow/engine")
	turns, _ := meter.Int64Counter("dialog.turns",
		metric.WithDescription("Completed dialog turns"))
	turnDuration, _ := meter.Float64Histogram("dialog.turn.duration",
		metric.WithDescription("Turn execution time"), metric.WithUnit("s"))
	turnCycles, _ := meter.Int64Histogram("dialog.turn.cycles",
		metric.WithDescription("Handler cycles per turn"))

	return &Engine{
		scenarios:    scenarios,
		store:        store,
		dispatcher:   handler.NewDispatcher(),
		webhook:      webhook.New(),
		apicall:      apicall.New(),
		turns:        turns,
		turnDuration: turnDuration,
		turnCycles:   turnCycles,
	}
}

// ExecuteTurn runs one turn end to end: load scenario + snapshot, hydrate
// memory for this turn, drive the handler-dispatch cycle to completion or a
// terminal sentinel, then persist the resulting snapshot and build the
// outbound Response.
func (e *Engine) ExecuteTurn(ctx context.Context, req Request) (model.Response, error) {
	start := time.Now()

	scn, err := e.scenarios.Get(req.BotID, req.BotVersion)
	if err != nil {
		return model.Response{}, fmt.Errorf("%w: %v", ErrScenarioLoad, err)
	}

	key := ctxstore.SessionKey(req.SessionID)
	session, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ctxstore.ErrNotFound) {
			return model.Response{}, fmt.Errorf("engine: load session: %w", err)
		}
		session, err = e.freshSession(scn)
		if err != nil {
			return model.Response{}, err
		}
	}

	botName := req.BotName
	if botName == "" {
		botName = scn.BotID
	}
	mem := session.Memory
	mem = memory.Hydrate(mem, req.SessionID, req.RequestID, scn.BotID, scn.BotVersion, botName)
	for k, v := range req.Context {
		if !memory.IsControlFlag(k) {
			mem[k] = v
		}
	}
	memory.InstallTurnInput(mem, req.UserInput, req.NLU)
	memory.ResetDepth(mem, memory.ExecutionDepth)
	memory.ResetDepth(mem, memory.AutoTransitionDepth)
	delete(mem, memory.IntentTransitionedThisRequest)

	frame, ok := stack.Top(session.Stack)
	if !ok {
		return model.Response{}, fmt.Errorf("%w: session %s", ErrResumeWithoutFrame, req.SessionID)
	}

	// currentState reconciliation: explicit argument > top-of-stack.
	if req.CurrentState != "" && req.CurrentState != frame.DialogStateName {
		planName, _, found := scenario.FindState(scn, frame.PlanName, req.CurrentState)
		if !found {
			return model.Response{}, fmt.Errorf("%w: %s", ErrStateNotFound, req.CurrentState)
		}
		session.Stack = stack.Reseat(session.Stack, planName, req.CurrentState)
		memory.ClearEntryActionExecuted(mem, req.CurrentState)
		frame, _ = stack.Top(session.Stack)
	}

	var (
		messages    []string
		directives  []model.Directive
		log         []string
		resumeIdx   int
		resumeConds bool
		transited   bool
	)

	cycles := 0
	for ; ; cycles++ {
		if cycles >= maxCyclesPerTurn || memory.IncrDepth(mem, memory.ExecutionDepth) > maxExecutionDepth {
			observability.LoggerWithTrace(ctx).Warn().
				Str("session", req.SessionID).Str("state", frame.DialogStateName).
				Msg("engine: cycle guard tripped, stopping turn")
			log = append(log, ErrDepthLimit.Error())
			resp, err := e.finish(ctx, key, scn, session, mem, frame.DialogStateName, req.EventType, messages, directives, log, false, ErrDepthLimit.Error())
			e.recordTurn(ctx, start, "depth_limit", cycles)
			return resp, err
		}

		planName, ds, found := scenario.FindState(scn, frame.PlanName, frame.DialogStateName)
		if !found {
			return model.Response{}, fmt.Errorf("%w: %s in plan %s", ErrStateNotFound, frame.DialogStateName, frame.PlanName)
		}

		hc := &handler.Context{
			Scenario:             scn,
			PlanName:             planName,
			State:                ds,
			Memory:               mem,
			ResumeConditionIndex: resumeIdx,
			ResumeConditions:     resumeConds,
			AwaitAfterEntry:      transited && (len(ds.IntentHandlers) > 0 || ds.SlotFillingForm != nil),
			EventType:            req.EventType,
			DeferIntentOnce:      memory.ConsumeDeferIntentOnce(mem, ds.Name),
			GlobalIntentMapping:  e.scenarios.GlobalIntentMapping(),
			Webhook:              e.webhook,
			APICall:              e.apicall,
		}
		resumeIdx, resumeConds, transited = 0, false, false

		res := e.dispatcher.Run(ctx, hc)
		messages = append(messages, res.Messages...)
		directives = append(directives, res.Directives...)
		if res.Transition.ToState != "" {
			log = append(log, transitionLogLine(res.Transition))
		}

		switch res.Kind {
		case handler.NoTransition:
			memory.RecordPrevious(mem, ds.Name, stringOf(mem["NLU_INTENT"]))
			resp, err := e.finish(ctx, key, scn, session, mem, ds.Name, req.EventType, messages, directives, log, false, "")
			e.recordTurn(ctx, start, "ok", cycles)
			return resp, err

		case handler.StateTransitionKind:
			if res.NewState == model.EndSessionSentinel {
				memory.RecordPrevious(mem, ds.Name, stringOf(mem["NLU_INTENT"]))
				resp, err := e.finish(ctx, key, scn, session, mem, model.EndSessionSentinel, req.EventType, messages, directives, log, true, "")
				e.recordTurn(ctx, start, "end_session", cycles)
				return resp, err
			}
			if memory.IncrDepth(mem, memory.AutoTransitionDepth) > maxAutoTransitionDepth {
				log = append(log, ErrDepthLimit.Error())
				resp, err := e.finish(ctx, key, scn, session, mem, ds.Name, req.EventType, messages, directives, log, false, ErrDepthLimit.Error())
				e.recordTurn(ctx, start, "depth_limit", cycles)
				return resp, err
			}
			session.Stack = stack.UpdateCurrentState(session.Stack, res.NewState)
			memory.ClearEntryActionExecuted(mem, res.NewState)
			frame, _ = stack.Top(session.Stack)
			transited = true
			continue

		case handler.PlanTransitionKind:
			if memory.IncrDepth(mem, memory.AutoTransitionDepth) > maxAutoTransitionDepth {
				log = append(log, ErrDepthLimit.Error())
				resp, err := e.finish(ctx, key, scn, session, mem, ds.Name, req.EventType, messages, directives, log, false, ErrDepthLimit.Error())
				e.recordTurn(ctx, start, "depth_limit", cycles)
				return resp, err
			}
			currentEntryExecuted := memory.EntryActionExecuted(mem, ds.Name)
			session.Stack = stack.SwitchToPlan(session.Stack, scn.BotID, res.TargetPlan, res.NewState, res.ConditionIndex, currentEntryExecuted)
			memory.ClearEntryActionExecuted(mem, res.NewState)
			frame, _ = stack.Top(session.Stack)
			transited = true
			continue

		case handler.EndScenarioKind:
			newStack, resume, ok := stack.HandleEndScenario(session.Stack)
			session.Stack = newStack
			if !ok {
				memory.RecordPrevious(mem, ds.Name, stringOf(mem["NLU_INTENT"]))
				resp, err := e.finish(ctx, key, scn, session, mem, model.EndSessionSentinel, req.EventType, messages, directives, log, true, "")
				e.recordTurn(ctx, start, "end_session", cycles)
				return resp, err
			}
			frame = resume.Frame
			resumeIdx = resume.NextHandlerIndex
			resumeConds = true
			if !resume.EntryActionExecuted {
				memory.ClearEntryActionExecuted(mem, frame.DialogStateName)
			}
			continue
		}
	}
}

func (e *Engine) freshSession(scn *model.Scenario) (*model.SessionState, error) {
	planName, stateName, ok := scenario.InitialState(scn)
	if !ok {
		return nil, fmt.Errorf("%w: scenario %s has no states", ErrScenarioLoad, scn.BotID)
	}
	return &model.SessionState{
		Memory: make(map[string]any),
		Stack:  stack.Initialize(scn.BotID, planName, stateName),
	}, nil
}

func (e *Engine) finish(ctx context.Context, key string, scn *model.Scenario, session *model.SessionState, mem map[string]any, stateName, eventType string, messages []string, directives []model.Directive, log []string, endSession bool, errMsg string) (model.Response, error) {
	meta := model.ResponseMeta{
		Scenario:    scn.BotID,
		DialogState: stateName,
		Event:       eventType,
	}
	if intent, ok := mem["NLU_INTENT"].(string); ok {
		meta.Intent = intent
	}
	if s, ok := mem[memory.WaitingForSlot].(string); ok && s != "" {
		meta.UsedSlots = []string{s}
	}
	meta.AllowFocusShift = true

	resp := response.Build(response.Input{
		BotType:    scn.BotType,
		Messages:   messages,
		Directives: directives,
		Meta:       meta,
		Memory:     mem,
		Log:        log,
		EndSession: endSession,
		Error:      errMsg,
	})

	session.Memory = mem
	session.LastResponse = &resp

	if endSession {
		if err := e.store.Delete(ctx, key); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("session", key).Msg("engine: failed to delete ended session")
		}
		return resp, nil
	}
	if err := e.store.Set(ctx, key, session); err != nil {
		return resp, fmt.Errorf("engine: persist session: %w", err)
	}
	return resp, nil
}

func (e *Engine) recordTurn(ctx context.Context, start time.Time, outcome string, cycles int) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	e.turns.Add(ctx, 1, attrs)
	e.turnDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	e.turnCycles.Record(ctx, int64(cycles)+1)
}

func transitionLogLine(t transition.StateTransition) string {
	return fmt.Sprintf("%s -> %s (%s)", t.FromState, t.ToState, t.HandlerType)
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
