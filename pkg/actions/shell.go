package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/warden/pkg/egress"
	"github.com/Mindburn-Labs/warden/pkg/netguard"
)

var ErrNoShellRunner = errors.New("shell actions are not available")

// ShellOutput is the result of a command.
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ShellRunner executes a fully escaped command line.
type ShellRunner interface {
	Run(ctx context.Context, command string) (*ShellOutput, error)
}

// ControlPlaneRunner hands commands to the local control-plane terminal
// API. It is the only caller that carries control-plane access, so the
// proxy admits the configured loopback port for it and for nothing else.
type ControlPlaneRunner struct {
	proxy *egress.Proxy
}

// NewControlPlaneRunner targets /api/terminal/run on the control-plane
// port the proxy's resolver admits.
func NewControlPlaneRunner(proxy *egress.Proxy) *ControlPlaneRunner {
	return &ControlPlaneRunner{proxy: proxy}
}

func (r *ControlPlaneRunner) Run(ctx context.Context, command string) (*ShellOutput, error) {
	port := r.proxy.Resolver().ControlPlanePort()
	if port <= 0 {
		return nil, ErrNoShellRunner
	}
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return nil, err
	}
	resp, err := r.proxy.Fetch(netguard.WithControlPlaneAccess(ctx), egress.Request{
		Method:  http.MethodPost,
		URL:     "http://127.0.0.1:" + strconv.Itoa(port) + "/api/terminal/run",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    string(body),
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("control plane returned status %d", resp.Status)
	}

	var out ShellOutput
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil {
		return nil, fmt.Errorf("decode control plane response: %w", err)
	}
	return &out, nil
}

// invokeShell quotes every parameter before it reaches the command line.
func (g *Guard) invokeShell(ctx context.Context, a Action, params map[string]any) (*Result, error) {
	if g.runner == nil {
		return nil, ErrNoShellRunner
	}
	command := substitute(a.Shell.Command, params, shellQuote)

	out, err := g.runner.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("command exited with status %d: %s", out.ExitCode, out.Stderr)
	}
	return &Result{Output: out.Stdout}, nil
}
