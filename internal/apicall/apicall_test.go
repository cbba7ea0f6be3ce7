package apicall

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialogflow/internal/model"
)

func TestClient_Call_AppliesResponseMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"memorySlots": map[string]any{"NLU_INTENT": map[string]any{"value": []string{"ACT_01_0235"}}},
		})
	}))
	defer srv.Close()

	def := model.WebhookDefinition{
		Name: "classify", URL: srv.URL, TimeoutMs: 2000, Method: http.MethodGet,
		Formats: model.CallFormats{
			ContentType: "application/json",
			ResponseMappings: []model.ResponseMappingGroup{
				{
					ExpressionType: "JSON_PATH",
					TargetType:     model.MappingTargetMemory,
					Mappings:       map[string]string{"NLU_INTENT": "memorySlots.NLU_INTENT.value.0"},
				},
			},
		},
	}
	memory := map[string]any{}
	result, err := New().Call(t.Context(), def, memory)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "ACT_01_0235", memory["NLU_INTENT"])
}

func TestClient_Call_DefaultEnvelopeMappingWhenNoneDeclared(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"memorySlots": map[string]any{
				"NLU_INTENT":     map[string]any{"value": []string{"Weather.Inform"}},
				"STS_CONFIDENCE": map[string]any{"value": []float64{0.9}},
			},
		})
	}))
	defer srv.Close()

	def := model.WebhookDefinition{Name: "default-map", URL: srv.URL, TimeoutMs: 2000}
	memory := map[string]any{}
	_, err := New().Call(t.Context(), def, memory)
	require.NoError(t, err)
	assert.Equal(t, "Weather.Inform", memory["NLU_INTENT"])
}

func TestClient_Call_NonJSONResponseReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	def := model.WebhookDefinition{Name: "bad", URL: srv.URL, TimeoutMs: 2000}
	result, err := New().Call(t.Context(), def, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestClient_Call_ExhaustionReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	def := model.WebhookDefinition{Name: "down", URL: srv.URL, TimeoutMs: 500, Retry: 1}
	result, err := New().Call(t.Context(), def, map[string]any{})
	require.Error(t, err)
	assert.Nil(t, result)
}

func TestClient_Call_RequestTemplateSubstitution(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	def := model.WebhookDefinition{
		Name: "echo", URL: srv.URL, TimeoutMs: 2000, Method: http.MethodPost,
		Formats: model.CallFormats{
			ContentType:     "application/json",
			RequestTemplate: `{"city":"{$CITY}"}`,
		},
	}
	memory := map[string]any{"CITY": "Seoul"}
	_, err := New().Call(t.Context(), def, memory)
	require.NoError(t, err)
	assert.Contains(t, gotBody, "Seoul")
}
