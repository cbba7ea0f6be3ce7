package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dialogflow/internal/model"
)

func TestRender_Basics(t *testing.T) {
	memory := map[string]any{
		"CITY":          "Seoul",
		"sessionId":     "sess-1",
		"USER_TEXT_INPUT": []string{"날씨 알려줘", "서울"},
	}

	assert.Equal(t, "Seoul", Render("{$CITY}", memory))
	assert.Equal(t, "Seoul", Render("{{CITY}}", memory))
	assert.Equal(t, "sess-1", Render("{$sessionId}", memory))
	assert.Equal(t, "날씨 알려줘", Render("{{USER_TEXT_INPUT.0}}", memory))
	assert.Equal(t, "서울", Render("{{USER_TEXT_INPUT.[1]}}", memory))
	assert.Equal(t, "", Render("{$MISSING}", memory))
}

func TestRender_GeneratesRequestIDWhenMissing(t *testing.T) {
	memory := map[string]any{}
	out := Render("{$requestId}", memory)
	require.NotEmpty(t, out)
	assert.Equal(t, out, memory["requestId"])
}

func TestRender_MemorySlots(t *testing.T) {
	memory := map[string]any{
		"CITY": []any{"Seoul", "Busan"},
	}
	assert.Equal(t, "Seoul", Render("{{memorySlots.CITY.value.[0]}}", memory))
	assert.Equal(t, "Busan", Render("{{memorySlots.CITY.value.1}}", memory))
}

func TestRender_Idempotent(t *testing.T) {
	memory := map[string]any{"A": "{not a placeholder}"}
	first := Render("{$A}", memory)
	second := Render(first, memory)
	assert.Equal(t, first, second)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "x", Normalize(map[string]any{"k": "x"}))
	assert.Equal(t, "x", Normalize(map[string]any{"value": "x"}))
	assert.Equal(t, "x", Normalize([]any{"x"}))
	assert.Equal(t, float64(3), Normalize(float64(3)))
	multi := map[string]any{"a": 1, "b": 2}
	assert.Equal(t, multi, Normalize(multi))
}

func TestExtractJSONPath(t *testing.T) {
	raw := []byte(`{"memorySlots":{"NLU_INTENT":{"value":["ACT_01_0235"]}}}`)
	val, ok := ExtractJSONPath(raw, "memorySlots.NLU_INTENT.value.0")
	require.True(t, ok)
	assert.Equal(t, "ACT_01_0235", val)

	_, ok = ExtractJSONPath(raw, "does.not.exist")
	assert.False(t, ok)
}

func TestApplyResponseMapping(t *testing.T) {
	raw := []byte(`{"memorySlots":{"NLU_INTENT":{"value":["ACT_01_0235"]}},"display":{"text":"hi"}}`)
	groups := []model.ResponseMappingGroup{
		{
			ExpressionType: "JSON_PATH",
			TargetType:     model.MappingTargetMemory,
			Mappings:       map[string]string{"NLU_INTENT": "memorySlots.NLU_INTENT.value.0"},
		},
		{
			ExpressionType: "JSON_PATH",
			TargetType:     model.MappingTargetDirective,
			Mappings:       map[string]string{"display_text": "display.text", "missing": "nope.nope"},
		},
	}
	memory := map[string]any{}
	directives := ApplyResponseMapping(raw, groups, memory)
	assert.Equal(t, "ACT_01_0235", memory["NLU_INTENT"])
	require.Len(t, directives, 1)
	assert.Equal(t, "display_text", directives[0].Key)
	assert.Equal(t, "hi", directives[0].Value)
}

func TestDefaultEnvelopeMapping(t *testing.T) {
	raw := []byte(`{"memorySlots":{"NLU_INTENT":{"value":["Weather.Inform"]},"STS_CONFIDENCE":{"value":[0.91]}}}`)
	memory := map[string]any{}
	applied := DefaultEnvelopeMapping(raw, memory)
	assert.True(t, applied)
	assert.Equal(t, "Weather.Inform", memory["NLU_INTENT"])

	memory2 := map[string]any{}
	assert.False(t, DefaultEnvelopeMapping([]byte(`{"foo":"bar"}`), memory2))
}
