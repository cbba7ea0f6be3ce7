package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"dialogflow/internal/ctxstore"
	"dialogflow/internal/engine"
	"dialogflow/internal/model"
	"dialogflow/internal/scenario"
)

type executeRequest struct {
	UserID          string          `json:"userId"`
	BotID           string          `json:"botId"`
	BotVersion      string          `json:"botVersion"`
	BotName         string          `json:"botName"`
	BotResourcePath string          `json:"botResourcePath"`
	SessionID       string          `json:"sessionId"`
	RequestID       string          `json:"requestId"`
	UserInput       string          `json:"userInput"`
	Context         map[string]any  `json:"context"`
	Headers         map[string]any  `json:"headers"`
	CurrentState    string          `json:"currentState"`
	EventType       string          `json:"eventType"`
	NLU             *nluEnvelope    `json:"nlu"`
	Scenario        json.RawMessage `json:"scenario"`
}

type nluEnvelope struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Entities   []struct {
		Type string `json:"type"`
		Role string `json:"role"`
		Text string `json:"text"`
	} `json:"entities"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}

	botID, botVersion := req.BotID, req.BotVersion
	if len(req.Scenario) > 0 {
		// Explicit scenario body: parse and register it for this bot.
		if botID == "" {
			botID = req.SessionID
		}
		if botVersion == "" {
			botVersion = "0"
		}
		scn, err := scenario.Parse(req.Scenario, botID, botVersion)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		s.scenarios.Upsert(scn)
		s.rememberUpload(req.SessionID, botID, botVersion)
	} else if botID == "" {
		// Fall back to a scenario previously uploaded under this session.
		ref, ok := s.uploadRef(req.SessionID)
		if !ok {
			respondError(w, http.StatusBadRequest, errors.New("botId is required when no scenario is loaded for the session"))
			return
		}
		botID, botVersion = ref.botID, ref.botVersion
	}

	resp, err := s.engine.ExecuteTurn(ctx, engine.Request{
		SessionID:    req.SessionID,
		RequestID:    req.RequestID,
		BotID:        botID,
		BotVersion:   botVersion,
		BotName:      req.BotName,
		CurrentState: req.CurrentState,
		UserInput:    req.UserInput,
		NLU:          req.NLU.toModel(),
		EventType:    req.EventType,
		Context:      req.Context,
	})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (n *nluEnvelope) toModel() *model.NLUResult {
	if n == nil {
		return nil
	}
	out := &model.NLUResult{Intent: n.Intent, Confidence: n.Confidence}
	for _, e := range n.Entities {
		out.Entities = append(out.Entities, model.NLUEntity{Type: e.Type, Role: e.Role, Text: e.Text})
	}
	return out
}

func (s *Server) handleUploadScenario(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sessionID := uuid.NewString()
	scn, err := scenario.Parse(raw, sessionID, "0")
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	s.scenarios.Upsert(scn)
	s.rememberUpload(sessionID, scn.BotID, scn.BotVersion)
	respondJSON(w, http.StatusCreated, map[string]any{"sessionId": sessionID})
}

func (s *Server) handleDownloadScenario(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	ref, ok := s.uploadRef(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no scenario uploaded for session"))
		return
	}
	scn, err := s.scenarios.Get(ref.botID, ref.botVersion)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	raw, err := scenario.MarshalForDownload(scn)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("sessionID")

	var req struct {
		BotID      string `json:"botId"`
		BotVersion string `json:"botVersion"`
	}
	// Body is optional: a previously uploaded scenario serves as fallback.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.BotID == "" {
		ref, ok := s.uploadRef(sessionID)
		if !ok {
			respondError(w, http.StatusBadRequest, errors.New("botId is required when no scenario is loaded for the session"))
			return
		}
		req.BotID, req.BotVersion = ref.botID, ref.botVersion
	}

	if err := s.engine.ResetSession(ctx, sessionID, req.BotID, req.BotVersion); err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "reset": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.ListSessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	info, err := s.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, ctxstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, errors.New("session not found"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleUpdateIntentMapping(w http.ResponseWriter, r *http.Request) {
	var rules []struct {
		Scenario      string   `json:"scenario"`
		DialogState   string   `json:"dialogState"`
		BaseIntents   []string `json:"baseIntents"`
		ConditionStmt string   `json:"conditionStatement"`
		DMIntent      string   `json:"dmIntent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	mapped := make([]model.IntentMappingRule, 0, len(rules))
	for _, rule := range rules {
		mapped = append(mapped, model.IntentMappingRule{
			Scenario:      rule.Scenario,
			DialogState:   rule.DialogState,
			BaseIntents:   rule.BaseIntents,
			ConditionStmt: rule.ConditionStmt,
			DMIntent:      rule.DMIntent,
		})
	}
	s.scenarios.SetGlobalIntentMapping(mapped)
	respondJSON(w, http.StatusOK, map[string]any{"count": len(mapped)})
}

// handleEvent is the liveness channel: a ping is answered with a pong.
// It carries no state progression.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if msg.Type != "ping" {
		respondError(w, http.StatusBadRequest, errors.New("unsupported event type"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"type": "pong"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) rememberUpload(sessionID, botID, botVersion string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[sessionID] = scenarioRef{botID: botID, botVersion: botVersion}
}

func (s *Server) uploadRef(sessionID string) (scenarioRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.uploads[sessionID]
	return ref, ok
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, engine.ErrScenarioLoad), errors.Is(err, scenario.ErrScenarioLoad):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ctxstore.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
