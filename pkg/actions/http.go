package actions

import (
	"context"
	"strings"

	"github.com/Mindburn-Labs/warden/pkg/egress"
)

// invokeHTTP fills the request template and sends it through the proxy.
// Values are URL-component encoded in the URL and inserted verbatim in
// headers and body.
func (g *Guard) invokeHTTP(ctx context.Context, a Action, params map[string]any) (*Result, error) {
	call := a.HTTP
	req := egress.Request{
		Method: call.Method,
		URL:    substitute(call.URL, params, urlComponent),
		Body:   substitute(call.Body, params, raw),
	}
	if len(call.Headers) > 0 {
		req.Headers = make(map[string]string, len(call.Headers))
		for k, v := range call.Headers {
			// A header value must stay on one line.
			value := substitute(v, params, raw)
			req.Headers[k] = strings.NewReplacer("\r", "", "\n", "").Replace(value)
		}
	}

	resp, err := g.proxy.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Status: resp.Status, Headers: resp.Headers, Output: resp.Body}, nil
}
