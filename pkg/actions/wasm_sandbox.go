package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/warden/pkg/egress"
)

var ErrOutputTooLarge = errors.New("wasm output exceeds limit")

// WasmLimits bounds a single module run.
type WasmLimits struct {
	MemoryPages    uint32
	Timeout        time.Duration
	MaxOutputBytes int
}

func (l WasmLimits) withDefaults() WasmLimits {
	if l.MemoryPages == 0 {
		l.MemoryPages = 256 // 16 MiB
	}
	if l.Timeout <= 0 {
		l.Timeout = 5 * time.Second
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = 1 << 20
	}
	return l
}

// cappedBuffer refuses writes past max.
type cappedBuffer struct {
	buf      bytes.Buffer
	max      int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.buf.Len()+len(p) > c.max {
		c.overflow = true
		return 0, ErrOutputTooLarge
	}
	return c.buf.Write(p)
}

type wasmFetchResult struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// invokeWasm runs a WASI module. Parameters arrive as JSON on stdin and
// stdout is the action output. The only host capability is
// warden.fetch(reqPtr, reqLen, outPtr, outCap) -> len, which reads a
// JSON request and writes a JSON result when it fits in outCap. It
// returns the full result length either way and -1 on a memory fault.
func (g *Guard) invokeWasm(ctx context.Context, a Action, params map[string]any) (*Result, error) {
	limits := g.wasm
	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	input, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.MemoryPages).
		WithCompilationCache(g.wasmCache))
	defer func() { _ = r.Close(context.Background()) }()

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	var fetchErr error
	_, err = r.NewHostModuleBuilder("warden").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen, outPtr, outCap uint32) int32 {
			raw, ok := m.Memory().Read(reqPtr, reqLen)
			if !ok {
				return -1
			}
			result, err := g.wasmFetch(ctx, raw)
			if err != nil && fetchErr == nil {
				fetchErr = err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return -1
			}
			if uint32(len(out)) <= outCap {
				if !m.Memory().Write(outPtr, out) {
					return -1
				}
			}
			return int32(len(out))
		}).
		Export("fetch").
		Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("wasm: host module: %w", err)
	}

	compiled, err := r.CompileModule(ctx, a.Code.wasm)
	if err != nil {
		return nil, fmt.Errorf("wasm: compilation failed: %w", err)
	}

	stdout := &cappedBuffer{max: limits.MaxOutputBytes}
	var stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(a.Name).
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(&stderr)

	mod, err := r.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exitErr *sys.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("wasm: execution timed out after %v", limits.Timeout)
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		default:
			return nil, fmt.Errorf("wasm: %w", err)
		}
	}
	if stdout.overflow {
		return nil, ErrOutputTooLarge
	}
	if stdout.buf.Len() == 0 && stderr.Len() > 0 {
		return nil, fmt.Errorf("wasm: stderr output: %s", stderr.String())
	}
	g.logger.DebugContext(ctx, "wasm action finished", "action", a.Name, "bytes", stdout.buf.Len(), "fetch_error", fetchErr)
	res := &Result{Output: stdout.buf.String()}
	if errors.Is(fetchErr, egress.ErrBlocked) || errors.Is(fetchErr, egress.ErrRedirect) {
		// Audited as blocked even though the module handled the error.
		res.blocked = fetchErr
	}
	return res, nil
}

func (g *Guard) wasmFetch(ctx context.Context, raw []byte) (wasmFetchResult, error) {
	var req egress.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return wasmFetchResult{Error: "invalid request: " + err.Error()}, err
	}
	resp, err := g.proxy.Fetch(ctx, req)
	if err != nil {
		return wasmFetchResult{Error: err.Error()}, err
	}
	return wasmFetchResult{Status: resp.Status, Headers: resp.Headers, Body: resp.Body}, nil
}
