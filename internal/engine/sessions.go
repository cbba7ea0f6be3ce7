package engine

import (
	"context"
	"fmt"
	"strings"

	"dialogflow/internal/ctxstore"
	"dialogflow/internal/model"
	"dialogflow/internal/stack"
)

// SessionInfo is the inspection view of one live session.
type SessionInfo struct {
	SessionID   string        `json:"sessionId"`
	PlanName    string        `json:"planName"`
	DialogState string        `json:"dialogState"`
	StackDepth  int           `json:"stackDepth"`
	Stack       []model.Frame `json:"stack"`
}

// ResetSession clears the session's memory and reinitializes its stack at
// the initial state of the named scenario.
func (e *Engine) ResetSession(ctx context.Context, sessionID, botID, botVersion string) error {
	scn, err := e.scenarios.Get(botID, botVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScenarioLoad, err)
	}
	session, err := e.freshSession(scn)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, ctxstore.SessionKey(sessionID), session)
}

// GetSession fetches one session's current state for inspection.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	session, err := e.store.Get(ctx, ctxstore.SessionKey(sessionID))
	if err != nil {
		return SessionInfo{}, err
	}
	info := SessionInfo{
		SessionID:  sessionID,
		StackDepth: len(session.Stack),
		Stack:      session.Stack,
	}
	if top, ok := stack.Top(session.Stack); ok {
		info.PlanName = top.PlanName
		info.DialogState = top.DialogStateName
	}
	return info, nil
}

// ListSessions returns the ids of all live (non-expired) sessions.
func (e *Engine) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := e.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimSuffix(k, ctxstore.KeySuffix))
	}
	return ids, nil
}
