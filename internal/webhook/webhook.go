// Package webhook executes a scenario's webhook HTTP calls: it builds a
// bot-turn envelope body and POSTs it with per-attempt timeout and retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dialogflow/internal/model"
	"dialogflow/internal/observability"
	"dialogflow/internal/template"
)

var tracer = otel.Tracer("dialogflow/webhook")

// fixedBackOff retries at a constant 1s interval; webhook calls do not
// back off exponentially the way API calls do.
type fixedBackOff struct{ d time.Duration }

func (f fixedBackOff) NextBackOff() time.Duration { return f.d }

func (f fixedBackOff) Reset() {}

// Envelope is the default request body a webhook call is sent with.
type Envelope struct {
	Text         string         `json:"text"`
	SessionID    string         `json:"sessionId"`
	RequestID    string         `json:"requestId"`
	CurrentState string         `json:"currentState"`
	Memory       map[string]any `json:"memory"`
}

// Client executes WEBHOOK-kind calls.
type Client struct {
	http *http.Client
}

// New builds a webhook Client using an otelhttp-instrumented HTTP client
// that carries an application/json Content-Type default; a definition's own
// contentType overrides it per call.
func New() *Client {
	base := observability.NewHTTPClient(&http.Client{})
	return &Client{http: observability.WithHeaders(base, map[string]string{"Content-Type": "application/json"})}
}

// Call executes def against memory and currentState, retrying up to
// def.Retry additional times at a fixed 1s interval. On success the parsed
// JSON response is returned; if the body cannot be parsed as JSON, a
// {"raw_response": "..."} wrapper is returned instead. On exhaustion,
// (nil, err) is returned; the handler tier skips the failed webhook (its
// default target is not taken) and goes on with the later tiers rather
// than abort the turn.
func (c *Client) Call(ctx context.Context, def model.WebhookDefinition, memory map[string]any, currentState string) (map[string]any, error) {
	ctx, span := tracer.Start(ctx, "webhook.call", trace.WithAttributes(
		attribute.String("webhook.name", def.Name),
	))
	defer span.End()

	reqURL := template.Render(def.URL, memory)
	if len(def.QueryParams) > 0 {
		reqURL = appendQuery(reqURL, template.RenderMap(def.QueryParams, memory))
	}

	env := Envelope{
		Text:         firstUserText(memory),
		SessionID:    stringOf(memory["sessionId"]),
		RequestID:    stringOf(memory["requestId"]),
		CurrentState: currentState,
		Memory:       memory,
	}
	body, err := json.Marshal(env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("webhook: encode envelope: %w", err)
	}

	headers := template.RenderMap(def.Headers, memory)
	if headers == nil {
		headers = make(map[string]string)
	}
	if def.Formats.ContentType != "" {
		headers["Content-Type"] = def.Formats.ContentType
	}

	observability.LoggerWithTrace(ctx).Debug().
		Str("webhook", def.Name).Str("url", reqURL).
		RawJSON("body", observability.RedactJSON(body)).
		Msg("webhook: request")

	timeout := time.Duration(def.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	op := func() (map[string]any, error) {
		return c.attempt(ctx, http.MethodPost, reqURL, headers, body, timeout)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(fixedBackOff{d: time.Second}),
		backoff.WithMaxTries(uint(def.Retry)+1),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.LoggerWithTrace(ctx).Warn().Str("webhook", def.Name).Err(err).Msg("webhook: call failed after retries")
		return nil, fmt.Errorf("webhook %q: %w", def.Name, err)
	}
	return result, nil
}

func (c *Client) attempt(ctx context.Context, method, reqURL string, headers map[string]string, body []byte, timeout time.Duration) (map[string]any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2xx status %d", resp.StatusCode)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{"raw_response": string(raw)}, nil
	}
	return parsed, nil
}

func firstUserText(memory map[string]any) string {
	v, ok := memory["USER_TEXT_INPUT"].([]string)
	if !ok || len(v) == 0 {
		return ""
	}
	return v[0]
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// appendQuery appends URL-encoded query params to rawURL.
func appendQuery(rawURL string, params map[string]string) string {
	if len(params) == 0 {
		return rawURL
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + q.Encode()
}
