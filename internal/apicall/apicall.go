// Package apicall executes a scenario's templated API calls with
// retry/backoff, then applies response mapping.
package apicall

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

var tracer = otel.Tracer("dialogflow/apicall")

// expBackOff waits 0.1s × 2^attempt between retries.
type expBackOff struct{ attempt int }

func (e *expBackOff) NextBackOff() time.Duration {
	d := 100 * time.Millisecond * time.Duration(1<<uint(e.attempt))
	e.attempt++
	return d
}

func (e *expBackOff) Reset() { e.attempt = 0 }

// Result carries the parsed response and the directives produced by
// DIRECTIVE-target response mappings (memory mappings are written in place).
type Result struct {
	Response   map[string]any
	Directives []model.Directive
}

// Client executes APICALL-kind calls.
type Client struct {
	http *http.Client
}

// New builds an API-Call Client using an otelhttp-instrumented HTTP client
// that carries an application/json Content-Type default; a definition's own
// contentType overrides it per call.
func New() *Client {
	base := observability.NewHTTPClient(&http.Client{})
	return &Client{http: observability.WithHeaders(base, map[string]string{"Content-Type": "application/json"})}
}

// Call executes def against memory, retries up to def.Retry additional
// times with exponential backoff, and applies response mapping on success.
// On exhaustion, (nil, err) is returned; callers fall through to any `True`
// condition fallback rather than abort the turn.
func (c *Client) Call(ctx context.Context, def model.WebhookDefinition, memory map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "apicall.call", trace.WithAttributes(
		attribute.String("apicall.name", def.Name),
	))
	defer span.End()

	reqURL := template.Render(def.URL, memory)
	if len(def.QueryParams) > 0 {
		reqURL = appendQuery(reqURL, template.RenderMap(def.QueryParams, memory))
	}

	method := def.Method
	if method == "" {
		method = http.MethodPost
	}
	contentType := def.Formats.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	rendered := template.Render(def.Formats.RequestTemplate, memory)
	var bodyReader io.Reader
	if rendered != "" {
		if isJSONContentType(contentType) {
			var js any
			if err := json.Unmarshal([]byte(rendered), &js); err == nil {
				reencoded, _ := json.Marshal(js)
				bodyReader = bytes.NewReader(reencoded)
			} else {
				bodyReader = strings.NewReader(rendered)
			}
		} else {
			bodyReader = strings.NewReader(rendered)
		}
	}

	headers := template.RenderMap(def.Headers, memory)
	if headers == nil {
		headers = make(map[string]string)
	}
	if def.Formats.ContentType != "" {
		headers["Content-Type"] = def.Formats.ContentType
	}

	timeout := time.Duration(def.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var bodyBytes []byte
	if bodyReader != nil {
		bodyBytes, _ = io.ReadAll(bodyReader)
	}

	if isJSONContentType(contentType) && len(bodyBytes) > 0 {
		observability.LoggerWithTrace(ctx).Debug().
			Str("apicall", def.Name).Str("url", reqURL).
			RawJSON("body", observability.RedactJSON(bodyBytes)).
			Msg("apicall: request")
	}

	op := func() ([]byte, error) {
		return c.attempt(ctx, method, reqURL, headers, bodyBytes, timeout)
	}

	raw, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&expBackOff{}),
		backoff.WithMaxTries(uint(def.Retry)+1),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.LoggerWithTrace(ctx).Warn().Str("apicall", def.Name).Err(err).Msg("apicall: call failed after retries")
		return nil, fmt.Errorf("apicall %q: %w", def.Name, err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Str("apicall", def.Name).Err(err).Msg("apicall: response is not valid JSON")
		return nil, nil
	}

	var directives []model.Directive
	if len(def.Formats.ResponseMappings) > 0 {
		directives = template.ApplyResponseMapping(raw, def.Formats.ResponseMappings, memory)
	} else {
		template.DefaultEnvelopeMapping(raw, memory)
	}

	return &Result{Response: parsed, Directives: directives}, nil
}

func (c *Client) attempt(ctx context.Context, method, reqURL string, headers map[string]string, body []byte, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, reqURL, bodyReader)
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
	return raw, nil
}

func isJSONContentType(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "json")
}

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
