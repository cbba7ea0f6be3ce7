package scenario

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialogflow/internal/model"
)

const objectShape = `{
  "plan": [
    {"name": "Main", "dialogState": [
      {"name": "Start", "conditionHandlers": [
        {"condition": "True", "target": {"dialogState": "End"}}
      ]},
      {"name": "End"}
    ]}
  ],
  "webhooks": [
    {"kind": "WEBHOOK", "name": "notify", "url": "http://hook.test", "timeoutMs": 3000, "retry": 2}
  ],
  "apicalls": [
    {"name": "classify", "url": "http://api.test", "contentType": "application/json",
     "requestTemplate": "{\"q\": \"{$USER_TEXT_INPUT.0}\"}",
     "responseMappings": [{"expressionType": "JSON_PATH", "targetType": "MEMORY", "mappings": {"NLU_INTENT": "result.intent"}}]}
  ],
  "intentMapping": [
    {"dialogState": "Start", "baseIntents": ["Help"], "dmIntent": "Start.Help"}
  ],
  "botConfig": {"botType": "call-bot"}
}`

func TestParse_ObjectShape(t *testing.T) {
	scn, err := Parse([]byte(objectShape), "bot", "1")
	require.NoError(t, err)

	assert.Equal(t, "call-bot", scn.BotType)
	require.Len(t, scn.Plans, 1)
	assert.Equal(t, "Main", scn.Plans[0].Name)
	require.Len(t, scn.Plans[0].States, 2)

	// Legacy apicalls are unified into webhooks with kind APICALL and
	// their top-level formats projected under Formats.
	require.Len(t, scn.Webhooks, 2)
	classify, ok := FindWebhook(scn, "classify")
	require.True(t, ok)
	assert.Equal(t, model.WebhookKindAPICall, classify.Kind)
	assert.Equal(t, "application/json", classify.Formats.ContentType)
	require.Len(t, classify.Formats.ResponseMappings, 1)
	assert.Equal(t, model.MappingTargetMemory, classify.Formats.ResponseMappings[0].TargetType)

	require.Len(t, scn.IntentMapping, 1)
	assert.Equal(t, "Start.Help", scn.IntentMapping[0].DMIntent)
}

func TestParse_WrapperListShape(t *testing.T) {
	raw := []byte(`[{"id": "abc", "name": "demo", "scenario": ` + objectShape + `}]`)
	scn, err := Parse(raw, "bot", "2")
	require.NoError(t, err)
	assert.Equal(t, "bot", scn.BotID)
	assert.Equal(t, "2", scn.BotVersion)
	require.Len(t, scn.Plans, 1)
}

func TestParse_DuplicateWebhookNamesDeduplicated(t *testing.T) {
	raw := []byte(`{
	  "plan": [{"name": "Main", "dialogState": [{"name": "Start"}]}],
	  "webhooks": [{"name": "w", "url": "http://a"}],
	  "apicalls": [{"name": "w", "url": "http://b"}]
	}`)
	scn, err := Parse(raw, "bot", "1")
	require.NoError(t, err)
	require.Len(t, scn.Webhooks, 1)
	assert.Equal(t, "http://a", scn.Webhooks[0].URL)
}

func TestParse_MalformedDocument(t *testing.T) {
	_, err := Parse([]byte(`{"nonsense": true}`), "bot", "1")
	assert.ErrorIs(t, err, ErrScenarioLoad)

	_, err = Parse([]byte(`not even json`), "bot", "1")
	assert.ErrorIs(t, err, ErrScenarioLoad)
}

func TestFindState_ActivePlanHintSearchedFirst(t *testing.T) {
	scn := &model.Scenario{Plans: []model.Plan{
		{Name: "P1", States: []model.DialogState{{Name: "Shared"}}},
		{Name: "P2", States: []model.DialogState{{Name: "Shared"}, {Name: "OnlyP2"}}},
	}}

	plan, _, ok := FindState(scn, "P2", "Shared")
	require.True(t, ok)
	assert.Equal(t, "P2", plan)

	// No hint: declaration order wins.
	plan, _, ok = FindState(scn, "", "Shared")
	require.True(t, ok)
	assert.Equal(t, "P1", plan)

	// Hint misses: fall back to global search.
	plan, _, ok = FindState(scn, "P1", "OnlyP2")
	require.True(t, ok)
	assert.Equal(t, "P2", plan)
}

func TestFindState_NestedPlanAsState(t *testing.T) {
	raw := []byte(`{
	  "plan": [{"name": "Main", "dialogState": [
	    {"name": "Outer", "dialogState": [{"name": "Inner"}]}
	  ]}]
	}`)
	scn, err := Parse(raw, "bot", "1")
	require.NoError(t, err)

	_, ds, ok := FindState(scn, "", "Inner")
	require.True(t, ok)
	assert.Equal(t, "Inner", ds.Name)
}

func TestInitialState_PrefersStartByName(t *testing.T) {
	scn := &model.Scenario{Plans: []model.Plan{
		{Name: "P1", States: []model.DialogState{{Name: "Greet"}}},
		{Name: "P2", States: []model.DialogState{{Name: "Start"}}},
	}}
	plan, state, ok := InitialState(scn)
	require.True(t, ok)
	assert.Equal(t, "P2", plan)
	assert.Equal(t, "Start", state)

	scn.Plans[1].States[0].Name = "NotStart"
	plan, state, ok = InitialState(scn)
	require.True(t, ok)
	assert.Equal(t, "P1", plan)
	assert.Equal(t, "Greet", state)
}

func TestRepository_LoadsFromDirConvention(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bot-1.json"), []byte(objectShape), 0o644))

	repo := NewRepository(dir)
	scn, err := repo.Get("bot", "1")
	require.NoError(t, err)
	assert.Equal(t, "bot", scn.BotID)

	// Cached on second read.
	again, err := repo.Get("bot", "1")
	require.NoError(t, err)
	assert.Same(t, scn, again)

	_, err = repo.Get("missing", "9")
	assert.ErrorIs(t, err, ErrScenarioLoad)
}

func TestRepository_GlobalIntentMapping(t *testing.T) {
	repo := NewRepository(t.TempDir())
	assert.Empty(t, repo.GlobalIntentMapping())

	repo.SetGlobalIntentMapping([]model.IntentMappingRule{{BaseIntents: []string{"A"}, DMIntent: "B"}})
	rules := repo.GlobalIntentMapping()
	require.Len(t, rules, 1)
	assert.Equal(t, "B", rules[0].DMIntent)
}

func TestMarshalForDownload_StripsAPICallURLs(t *testing.T) {
	scn, err := Parse([]byte(objectShape), "bot", "1")
	require.NoError(t, err)

	raw, err := MarshalForDownload(scn)
	require.NoError(t, err)

	var out struct {
		Webhooks []struct {
			Kind string `json:"kind"`
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"webhooks"`
		Apicalls []json.RawMessage `json:"apicalls"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))

	// Everything is unified under webhooks; no legacy apicalls remain.
	assert.Empty(t, out.Apicalls)
	require.Len(t, out.Webhooks, 2)
	for _, w := range out.Webhooks {
		if w.Kind == string(model.WebhookKindAPICall) {
			assert.Empty(t, w.URL, "apicall %s should have its url stripped", w.Name)
		} else {
			assert.NotEmpty(t, w.URL)
		}
	}

	// The original scenario is untouched.
	classify, ok := FindWebhook(scn, "classify")
	require.True(t, ok)
	assert.Equal(t, "http://api.test", classify.URL)
}
