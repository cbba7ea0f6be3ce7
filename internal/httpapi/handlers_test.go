package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialogflow/internal/ctxstore"
	"dialogflow/internal/engine"
	"dialogflow/internal/scenario"
)

const scenarioDoc = `{
  "plan": [
    {"name": "Main", "dialogState": [
      {"name": "Start", "conditionHandlers": [
        {"condition": "True", "target": {"dialogState": "End"}}
      ]},
      {"name": "End", "entryAction": {"messages": ["all done"]}}
    ]}
  ],
  "apicalls": [{"name": "legacy", "url": "http://api.test"}]
}`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bot-1.json"), []byte(scenarioDoc), 0o644))

	repo := scenario.NewRepository(dir)
	store := ctxstore.NewMemoryStore(time.Minute)
	return NewServer(engine.New(repo, store), repo)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecute_DirLoadedScenario(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/dialog/execute", map[string]any{
		"sessionId": "sess-1", "botId": "bot", "botVersion": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Meta struct {
			DialogState string `json:"dialogState"`
		} `json:"meta"`
		EndSession string `json:"endSession"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "End", resp.Meta.DialogState)
	assert.Equal(t, "", resp.EndSession)
}

func TestHandleExecute_MissingSessionID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/dialog/execute", map[string]any{"botId": "bot"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleExecute_UnknownScenarioIs400(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/dialog/execute", map[string]any{
		"sessionId": "sess-x", "botId": "nope", "botVersion": "9",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadExecuteDownloadCycle(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/dialog/scenarios", bytes.NewReader([]byte(scenarioDoc))))
	require.Equal(t, http.StatusCreated, rec.Code)

	var up struct {
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &up))
	require.NotEmpty(t, up.SessionID)

	// Execute against the uploaded scenario without naming a bot.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/dialog/execute", map[string]any{"sessionId": up.SessionID})
	require.Equal(t, http.StatusOK, rec.Code)

	// Download: legacy apicalls come back unified under webhooks with the
	// transient url stripped.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/dialog/scenarios/"+up.SessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Webhooks []struct {
			Kind string `json:"kind"`
			URL  string `json:"url"`
		} `json:"webhooks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Len(t, doc.Webhooks, 1)
	assert.Equal(t, "APICALL", doc.Webhooks[0].Kind)
	assert.Empty(t, doc.Webhooks[0].URL)
}

func TestDownloadUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/dialog/scenarios/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionInspectionAndReset(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/dialog/execute", map[string]any{
		"sessionId": "sess-2", "botId": "bot", "botVersion": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/dialog/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Contains(t, list.Sessions, "sess-2")

	rec = doJSON(t, s, http.MethodGet, "/api/v1/dialog/sessions/sess-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info engine.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "End", info.DialogState)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/dialog/sessions/sess-2/reset", map[string]any{
		"botId": "bot", "botVersion": "1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/dialog/sessions/sess-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "Start", info.DialogState)
}

func TestGetUnknownSessionIs404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/dialog/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateIntentMapping(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPut, "/api/v1/dialog/intent-mapping", []map[string]any{
		{"baseIntents": []string{"Help"}, "dmIntent": "Global.Help"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rules := s.scenarios.GlobalIntentMapping()
	require.Len(t, rules, 1)
	assert.Equal(t, "Global.Help", rules[0].DMIntent)
}

func TestEventPingPong(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/dialog/events", map[string]any{"type": "ping"})
	require.Equal(t, http.StatusOK, rec.Code)
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "pong", msg.Type)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/dialog/events", map[string]any{"type": "shout"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
