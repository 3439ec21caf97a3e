package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/egress"
)

func celAction(name, expr string, params ...Parameter) Action {
	return Action{Name: name, Type: TypeCode, Parameters: params, Code: &CodeSpec{Expression: expr}}
}

func decodeOutput(t *testing.T, res *Result) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Output), &out))
	return out
}

func TestCEL_StringResult(t *testing.T) {
	h := newHarness(t)
	h.register(t, celAction("greet", `"hello " + params.name`, Parameter{Name: "name", Required: true}))

	res, err := h.guard.Invoke(context.Background(), "greet", map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", res.Output)
	require.Len(t, h.invocations(), 1)
}

func TestCEL_StructuredResult(t *testing.T) {
	h := newHarness(t)
	h.register(t, celAction("info", `{"greeting": "hi " + params.name, "ok": true}`, Parameter{Name: "name"}))

	res, err := h.guard.Invoke(context.Background(), "info", map[string]any{"name": "ann"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "hi ann", "ok": true}, decodeOutput(t, res))
}

func TestCEL_FetchGoesThroughProxy(t *testing.T) {
	h := newHarness(t)
	token, err := h.tokens.Register("api", apiSecret)
	require.NoError(t, err)
	h.transport.response = reply(200, "text/plain", "secret is "+apiSecret)

	h.register(t, celAction("get", `fetch("https://api.example.com/v1?k=" + params.key).body`, Parameter{Name: "key"}))
	res, err := h.guard.Invoke(context.Background(), "get", map[string]any{"key": token})
	require.NoError(t, err)
	assert.Equal(t, "secret is "+token, res.Output)
	assert.Equal(t, apiSecret, h.transport.last(t).Target.URL.Query().Get("k"))

	h.register(t, celAction("post",
		`fetch("https://api.example.com/v1", {"method": "POST", "body": params.body, "headers": {"X-Trace": "1"}}).status`,
		Parameter{Name: "body"}))
	res, err = h.guard.Invoke(context.Background(), "post", map[string]any{"body": "payload"})
	require.NoError(t, err)
	assert.Equal(t, "200", res.Output)

	sent := h.transport.last(t)
	assert.Equal(t, "POST", sent.Method)
	assert.Equal(t, "payload", string(sent.Body))
	assert.Equal(t, "1", sent.Header.Get("X-Trace"))
}

func TestCEL_FetchBlocked(t *testing.T) {
	h := newHarness(t)
	h.register(t, celAction("metadata", `fetch("http://169.254.169.254/latest/meta-data/").body`))

	_, err := h.guard.Invoke(context.Background(), "metadata", nil)
	assert.ErrorIs(t, err, egress.ErrBlocked)
	assert.Empty(t, h.transport.calls)
	assert.Equal(t, "blocked", h.invocations()[0].Metadata["outcome"])
}

func TestCEL_CostLimit(t *testing.T) {
	h := newHarness(t, WithCELCostLimit(10))
	h.register(t, celAction("spin",
		`[1,2,3,4,5,6,7,8,9,10].all(x, [1,2,3,4,5,6,7,8,9,10].all(y, x * y > 0))`))

	_, err := h.guard.Invoke(context.Background(), "spin", nil)
	assert.ErrorContains(t, err, "cost limit exceeded")
}

func wasmAction(name string, module []byte) Action {
	return Action{Name: name, Type: TypeCode}.WithWasmModule(module)
}

func TestWasm_EchoReceivesParams(t *testing.T) {
	h := newHarness(t)
	h.register(t, Action{
		Name: "echo", Type: TypeCode,
		Parameters: []Parameter{{Name: "name"}},
	}.WithWasmModule(echoModule()))

	res, err := h.guard.Invoke(context.Background(), "echo", map[string]any{"name": "wasm"})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"wasm"}`, res.Output)
}

func TestWasm_FetchHostFunction(t *testing.T) {
	h := newHarness(t)
	_, err := h.tokens.Register("api", apiSecret)
	require.NoError(t, err)
	h.transport.response = reply(200, "text/plain", "value="+apiSecret)

	h.register(t, wasmAction("fetcher", fetchModule(`{"url":"https://api.example.com/data"}`)))
	res, err := h.guard.Invoke(context.Background(), "fetcher", nil)
	require.NoError(t, err)

	out := decodeOutput(t, res)
	assert.Equal(t, float64(200), out["status"])
	assert.NotContains(t, res.Output, apiSecret)
	assert.Contains(t, out["body"], "value=")
	assert.Equal(t, "/data", h.transport.last(t).Target.URL.Path)
}

func TestWasm_FetchBlockedIsReportedToModule(t *testing.T) {
	h := newHarness(t)
	h.register(t, wasmAction("metadata", fetchModule(`{"url":"http://169.254.169.254/"}`)))

	res, err := h.guard.Invoke(context.Background(), "metadata", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"error": egress.ErrBlocked.Error()}, decodeOutput(t, res))
	assert.Empty(t, h.transport.calls)

	entries := h.invocations()
	require.Len(t, entries, 1)
	assert.Equal(t, "blocked", entries[0].Metadata["outcome"])
	assert.Equal(t, audit.SeverityWarn, entries[0].Severity)
}

func TestWasm_Timeout(t *testing.T) {
	h := newHarness(t, WithWasmLimits(WasmLimits{Timeout: 50 * time.Millisecond}))
	h.register(t, wasmAction("spin", loopModule()))

	start := time.Now()
	_, err := h.guard.Invoke(context.Background(), "spin", nil)
	assert.ErrorContains(t, err, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, "error", h.invocations()[0].Metadata["outcome"])
}

func TestWasm_OutputCap(t *testing.T) {
	h := newHarness(t, WithWasmLimits(WasmLimits{MaxOutputBytes: 4}))
	h.register(t, Action{
		Name: "echo", Type: TypeCode,
		Parameters: []Parameter{{Name: "name"}},
	}.WithWasmModule(echoModule()))

	_, err := h.guard.Invoke(context.Background(), "echo", map[string]any{"name": "too long"})
	assert.ErrorIs(t, err, ErrOutputTooLarge)
}

func TestWasm_InvalidModule(t *testing.T) {
	h := newHarness(t)
	h.register(t, wasmAction("junk", []byte("not wasm")))

	_, err := h.guard.Invoke(context.Background(), "junk", nil)
	assert.ErrorContains(t, err, "compilation failed")
}

// Each invocation writes one capability entry even when the action
// itself triggers proxy audit entries.
func TestInvoke_OneCapabilityEntryPerCall(t *testing.T) {
	h := newHarness(t)
	h.transport.response = func(egress.PinnedRequest) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(http.NoBody)}, nil
	}
	h.register(t, Action{Name: "ping", Type: TypeHTTP, HTTP: &HTTPSpec{URL: "https://api.example.com/ping"}})
	h.register(t, celAction("calc", `1 + 2`))

	for i := 0; i < 3; i++ {
		_, err := h.guard.Invoke(context.Background(), "ping", nil)
		require.NoError(t, err)
	}
	res, err := h.guard.Invoke(context.Background(), "calc", nil)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Output)

	assert.Len(t, h.invocations(), 4)
}
