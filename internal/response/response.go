// Package response renders
// accumulated turn messages into bot-type-specific directives and assembles
// the outbound Response record.
package response

import (
	"html"
	"strings"

	"dialogflow/internal/memory"
	"dialogflow/internal/model"
)

// Mode renders plain message lines into outbound directives. Call-bots and
// chat-bots use unrelated wire shapes for the same underlying text.
type Mode interface {
	Render(messages []string) []model.Directive
}

// CallBotMode renders one systemUtterance directive per message, matching a
// voice/telephony channel's speech+display pairing.
type CallBotMode struct{}

func (CallBotMode) Render(messages []string) []model.Directive {
	out := make([]model.Directive, 0, len(messages))
	for _, m := range messages {
		out = append(out, model.Directive{
			Key:    "systemUtterance",
			Value:  map[string]string{"speech": m, "display": m},
			Source: "message",
		})
	}
	return out
}

// ChatBotMode joins every message into a single HTML-wrapped customPayload
// directive, one <p> per line, escaping each line.
type ChatBotMode struct{}

func (ChatBotMode) Render(messages []string) []model.Directive {
	if len(messages) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("<p>")
		sb.WriteString(html.EscapeString(m))
		sb.WriteString("</p>")
	}
	return []model.Directive{{Key: "customPayload", Value: sb.String(), Source: "message"}}
}

// ModeFor resolves the rendering policy for a scenario's botType, defaulting
// to chat-bot for any unrecognized value.
func ModeFor(botType string) Mode {
	if botType == "call-bot" {
		return CallBotMode{}
	}
	return ChatBotMode{}
}

// Input carries everything accumulated over a turn's handler cycles that the
// Response Builder needs to assemble the outbound record.
type Input struct {
	BotType      string
	Messages     []string
	Directives   []model.Directive
	Meta         model.ResponseMeta
	Memory       map[string]any
	Log          []string
	EndSession   bool
	Error        string
	DialogResult string
}

// Build renders in.Messages via the bot-type's Mode, appends any
// already-structured directives a handler produced directly (e.g. from
// response mapping), and assembles the full outbound Response. Memory is
// always stripped of engine control flags before inclusion.
func Build(in Input) model.Response {
	directives := append(ModeFor(in.BotType).Render(in.Messages), in.Directives...)

	dialogResult := in.DialogResult
	if dialogResult == "" {
		dialogResult = "SUCCESS"
		if in.Error != "" {
			dialogResult = "ERROR"
		}
	}

	resp := model.Response{
		Error:        in.Error,
		Directives:   directives,
		DialogResult: dialogResult,
		Meta:         in.Meta,
		Log:          in.Log,
		Memory:       memory.PublicMemory(in.Memory),
	}
	if in.EndSession {
		resp.EndSession = "Y"
	}
	return resp
}
