package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns an http.Client instrumented with otelhttp transport.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}

// headerInjector sets a fixed set of default headers on every outbound
// request, without overwriting a header the caller already set.
type headerInjector struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h headerInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(req)
}

// WithHeaders wraps base so every outbound request carries headers, unless
// the caller already set that header on the request. Used by the webhook
// and API-call clients to inject a default Content-Type without clobbering
// a per-call override.
func WithHeaders(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = headerInjector{next: rt, headers: headers}
	return base
}
