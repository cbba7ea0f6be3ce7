// Package template implements substitution of memory-backed placeholders
// into request templates, headers, and query params, plus normalization and
// JSONPath extraction of external-call responses.
package template

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"dialogflow/internal/model"
)

// placeholderPattern matches {$key}, {{key}}, {{memorySlots.KEY.value.[i]}},
// and {{USER_TEXT_INPUT.i}} / {{USER_TEXT_INPUT.[i]}} forms in one pass.
var placeholderPattern = regexp.MustCompile(`\{\{[^{}]+\}\}|\{\$[^{}]+\}`)

// Render substitutes every supported placeholder in s against memory. It is
// idempotent with respect to already-rendered output: a rendered value that
// happens to contain literal `{` `}` characters is not re-scanned because
// Render only ever runs once per template string per call site.
func Render(s string, memory map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(tok string) string {
		key := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(tok, "{{"), "{$"), "}}")
		key = strings.TrimSuffix(key, "}")
		key = strings.TrimSpace(key)
		val, ok := resolve(key, memory)
		if !ok {
			return ""
		}
		return stringify(val)
	})
}

// RenderMap returns a copy of m with Render applied to every value; keys are
// left as they are. A nil map yields nil.
func RenderMap(m map[string]string, memory map[string]any) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Render(v, memory)
	}
	return out
}

func resolve(key string, memory map[string]any) (any, bool) {
	switch {
	case key == "sessionId":
		v, ok := memory["sessionId"]
		return v, ok
	case key == "requestId":
		v, ok := memory["requestId"]
		if !ok {
			v = generateRequestID()
			memory["requestId"] = v
			ok = true
		}
		return v, ok
	case strings.HasPrefix(key, "memorySlots."):
		return resolveSlotPath(strings.TrimPrefix(key, "memorySlots."), memory)
	case strings.HasPrefix(key, "USER_TEXT_INPUT."):
		return resolveIndexedList("USER_TEXT_INPUT", strings.TrimPrefix(key, "USER_TEXT_INPUT."), memory)
	default:
		v, ok := memory[key]
		return v, ok
	}
}

// resolveSlotPath handles memorySlots.KEY.value.[i] -> memory[KEY][i].
func resolveSlotPath(rest string, memory map[string]any) (any, bool) {
	parts := strings.Split(rest, ".")
	if len(parts) == 0 {
		return nil, false
	}
	key := parts[0]
	base, ok := memory[key]
	if !ok {
		return nil, false
	}
	// Walk remaining parts, supporting a literal "value" segment and index
	// segments of the form "0" or "[0]".
	cur := base
	for _, p := range parts[1:] {
		if p == "value" {
			continue
		}
		idx, ok := parseIndex(p)
		if !ok {
			return nil, false
		}
		seq, ok := asSlice(cur)
		if !ok || idx < 0 || idx >= len(seq) {
			return nil, false
		}
		cur = seq[idx]
	}
	return cur, true
}

func resolveIndexedList(key, rest string, memory map[string]any) (any, bool) {
	idx, ok := parseIndex(rest)
	if !ok {
		return nil, false
	}
	base, ok := memory[key]
	if !ok {
		return nil, false
	}
	seq, ok := asSlice(base)
	if !ok || idx < 0 || idx >= len(seq) {
		return nil, false
	}
	return seq[idx], true
}

func parseIndex(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

// Normalize applies the response-value normalization rules: unwrap
// a single-key object, unwrap {value: v}, unwrap a single-element array,
// preserve primitives, stringify anything else.
func Normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if inner, ok := t["value"]; ok && len(t) == 1 {
			return Normalize(inner)
		}
		if len(t) == 1 {
			for _, inner := range t {
				return Normalize(inner)
			}
		}
		return t
	case []any:
		if len(t) == 1 {
			return Normalize(t[0])
		}
		return t
	default:
		return v
	}
}

// ExtractJSONPath extracts a value from a raw JSON document by JSONPath-like
// expression (gjson syntax) and returns it normalized. ok is false when the
// path does not resolve; callers must skip (not abort) on failure.
func ExtractJSONPath(raw []byte, path string) (any, bool) {
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, false
	}
	return Normalize(result.Value()), true
}

// ApplyResponseMapping runs every response-mapping group against raw,
// writing MEMORY-target extractions into memory and returning
// DIRECTIVE-target extractions as directives. A failing mapping
// entry is skipped; it never aborts the turn.
func ApplyResponseMapping(raw []byte, groups []model.ResponseMappingGroup, memory map[string]any) []model.Directive {
	var directives []model.Directive
	for _, g := range groups {
		for name, path := range g.Mappings {
			val, ok := ExtractJSONPath(raw, path)
			if !ok {
				continue
			}
			switch g.TargetType {
			case model.MappingTargetDirective:
				directives = append(directives, model.Directive{Key: name, Value: val, Source: "responseMapping"})
			default:
				memory[name] = val
			}
		}
	}
	return directives
}

// standardEnvelopeFields are projected by DefaultEnvelopeMapping when a
// response carries no declared mappings but matches the standard webhook
// envelope shape.
var standardEnvelopeFields = []string{"NLU_INTENT", "STS_CONFIDENCE", "USER_TEXT_INPUT"}

// DefaultEnvelopeMapping applies the default projection of
// NLU_INTENT/STS_CONFIDENCE/USER_TEXT_INPUT out of
// memorySlots.<name>.value[0] when raw matches that shape. It reports
// whether anything was projected.
func DefaultEnvelopeMapping(raw []byte, memory map[string]any) bool {
	applied := false
	for _, name := range standardEnvelopeFields {
		if val, ok := ExtractJSONPath(raw, "memorySlots."+name+".value.0"); ok {
			memory[name] = val
			applied = true
		}
	}
	return applied
}
