package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tetratelabs/wazero"

	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/egress"
	"github.com/Mindburn-Labs/warden/pkg/observability"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrInvalidParams = errors.New("invalid action parameters")
)

// Result is what an invocation hands back to the agent. Text fields have
// already been tokenized by the egress proxy.
type Result struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Output  string            `json:"output"`

	// blocked is a refused fetch the action absorbed without failing.
	blocked error
}

// Guard validates and executes registered actions.
type Guard struct {
	mu      sync.RWMutex
	actions map[string]Action
	schemas map[string]*jsonschema.Schema

	proxy     *egress.Proxy
	audit     audit.Recorder
	runner    ShellRunner
	logger    *slog.Logger
	telemetry *observability.Provider

	celCostLimit uint64
	wasm         WasmLimits
	wasmCache    wazero.CompilationCache
}

// Option configures a Guard.
type Option func(*Guard)

// WithShellRunner sets where shell commands are executed. Without one,
// shell actions fail.
func WithShellRunner(r ShellRunner) Option {
	return func(g *Guard) { g.runner = r }
}

// WithCELCostLimit bounds the evaluation cost of cel code actions.
func WithCELCostLimit(limit uint64) Option {
	return func(g *Guard) {
		if limit > 0 {
			g.celCostLimit = limit
		}
	}
}

// WithWasmLimits bounds wasm code actions.
func WithWasmLimits(l WasmLimits) Option {
	return func(g *Guard) { g.wasm = l.withDefaults() }
}

// WithLogger sets the guard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithTelemetry attaches spans and RED metrics.
func WithTelemetry(t *observability.Provider) Option {
	return func(g *Guard) {
		if t != nil {
			g.telemetry = t
		}
	}
}

// NewGuard creates a guard whose network access goes through proxy.
func NewGuard(proxy *egress.Proxy, rec audit.Recorder, opts ...Option) *Guard {
	g := &Guard{
		actions:      make(map[string]Action),
		schemas:      make(map[string]*jsonschema.Schema),
		proxy:        proxy,
		audit:        rec,
		logger:       slog.Default().With("component", "actions"),
		telemetry:    observability.Noop(),
		celCostLimit: DefaultCELCostLimit,
		wasm:         WasmLimits{}.withDefaults(),
		wasmCache:    wazero.NewCompilationCache(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register validates a and makes it invocable, replacing any action of
// the same name.
func (g *Guard) Register(a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	schema, err := a.compileSchema()
	if err != nil {
		return err
	}
	if a.Type == TypeCode && a.Code.runtime() == RuntimeCEL {
		if err := checkCEL(a.Code.Expression); err != nil {
			return fmt.Errorf("action %q: %w", a.Name, err)
		}
	}

	g.mu.Lock()
	g.actions[a.Name] = a
	g.schemas[a.Name] = schema
	g.mu.Unlock()
	return nil
}

// Actions lists registered actions by name.
func (g *Guard) Actions() []Action {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Action, 0, len(g.actions))
	for _, a := range g.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases cached wasm compilations.
func (g *Guard) Close(ctx context.Context) error {
	return g.wasmCache.Close(ctx)
}

// Invoke validates params against the action's declared parameters and
// runs it. Exactly one capability_invocation entry is written per call.
func (g *Guard) Invoke(ctx context.Context, name string, params map[string]any) (res *Result, err error) {
	g.mu.RLock()
	a, ok := g.actions[name]
	schema := g.schemas[name]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	if params == nil {
		params = map[string]any{}
	}

	ctx, finish := g.telemetry.TrackOperation(ctx, "actions.invoke", observability.ActionOperation(a.Name, string(a.Type))...)
	start := time.Now()
	defer func() {
		finish(err)
		outcome := err
		if outcome == nil && res != nil && res.blocked != nil {
			outcome = res.blocked
		}
		g.recordInvocation(ctx, a, params, time.Since(start), outcome)
	}()

	if err := schema.Validate(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	switch a.Type {
	case TypeHTTP:
		return g.invokeHTTP(ctx, a, params)
	case TypeShell:
		return g.invokeShell(ctx, a, params)
	case TypeCode:
		if a.Code.runtime() == RuntimeWasm {
			return g.invokeWasm(ctx, a, params)
		}
		return g.invokeCEL(ctx, a, params)
	}
	return nil, fmt.Errorf("action %q: unsupported type %q", a.Name, a.Type)
}

func (g *Guard) recordInvocation(ctx context.Context, a Action, params map[string]any, elapsed time.Duration, err error) {
	if g.audit == nil {
		return
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	meta := map[string]any{
		"action":     a.Name,
		"type":       string(a.Type),
		"parameters": names,
		"durationMs": elapsed.Milliseconds(),
		"outcome":    "ok",
	}
	sev := audit.SeverityInfo
	summary := fmt.Sprintf("action %s invoked", a.Name)
	switch {
	case errors.Is(err, egress.ErrBlocked), errors.Is(err, egress.ErrRedirect):
		sev = audit.SeverityWarn
		meta["outcome"] = "blocked"
		summary = fmt.Sprintf("action %s blocked by network policy", a.Name)
	case errors.Is(err, ErrInvalidParams):
		sev = audit.SeverityWarn
		meta["outcome"] = "invalid_params"
		summary = fmt.Sprintf("action %s rejected invalid parameters", a.Name)
	case err != nil:
		sev = audit.SeverityError
		meta["outcome"] = "error"
		summary = fmt.Sprintf("action %s failed", a.Name)
	}

	if _, rerr := g.audit.Record(ctx, audit.Entry{Type: audit.EventCapabilityInvocation, Severity: sev, Summary: summary, Metadata: meta}); rerr != nil {
		g.logger.ErrorContext(ctx, "audit record failed", "action", a.Name, "error", rerr)
	}
}
