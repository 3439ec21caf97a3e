// Package actions runs operator-defined custom actions on behalf of an
// agent. Every action type shares the egress proxy, so agent-supplied
// parameters can never widen what the network boundary allows.
package actions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Type selects the handler for an action.
type Type string

const (
	TypeHTTP  Type = "http"
	TypeShell Type = "shell"
	TypeCode  Type = "code"
)

// Code runtimes.
const (
	RuntimeCEL  = "cel"
	RuntimeWasm = "wasm"
)

var actionName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Parameter declares one agent-supplied input.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Required    bool   `yaml:"required" json:"required"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string (default), number, integer, boolean
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// HTTPSpec is a request template. {{param}} placeholders are substituted.
type HTTPSpec struct {
	Method  string            `yaml:"method" json:"method"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
}

// ShellSpec is a command template run by the local control plane.
type ShellSpec struct {
	Command string `yaml:"command" json:"command"`
}

// CodeSpec is a sandboxed script. Expression holds CEL source; Module
// points at a WebAssembly binary relative to the actions file.
type CodeSpec struct {
	Runtime    string `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Module     string `yaml:"module,omitempty" json:"module,omitempty"`

	wasm []byte
}

// Action is one operator-defined capability.
type Action struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Type        Type        `yaml:"type" json:"type"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	HTTP        *HTTPSpec   `yaml:"http,omitempty" json:"http,omitempty"`
	Shell       *ShellSpec  `yaml:"shell,omitempty" json:"shell,omitempty"`
	Code        *CodeSpec   `yaml:"code,omitempty" json:"code,omitempty"`
}

// WithWasmModule returns a copy of a code action carrying module bytes.
func (a Action) WithWasmModule(module []byte) Action {
	code := CodeSpec{Runtime: RuntimeWasm}
	if a.Code != nil {
		code = *a.Code
		code.Runtime = RuntimeWasm
	}
	code.wasm = module
	a.Code = &code
	return a
}

// Validate checks that the action is internally consistent.
func (a Action) Validate() error {
	if !actionName.MatchString(a.Name) {
		return fmt.Errorf("action %q: invalid name", a.Name)
	}
	seen := make(map[string]bool, len(a.Parameters))
	for _, p := range a.Parameters {
		if p.Name == "" {
			return fmt.Errorf("action %q: parameter without a name", a.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("action %q: duplicate parameter %q", a.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "", "string", "number", "integer", "boolean":
		default:
			return fmt.Errorf("action %q: parameter %q has unsupported type %q", a.Name, p.Name, p.Type)
		}
	}

	switch a.Type {
	case TypeHTTP:
		if a.HTTP == nil || a.HTTP.URL == "" {
			return fmt.Errorf("action %q: http actions need http.url", a.Name)
		}
	case TypeShell:
		if a.Shell == nil || strings.TrimSpace(a.Shell.Command) == "" {
			return fmt.Errorf("action %q: shell actions need shell.command", a.Name)
		}
	case TypeCode:
		if a.Code == nil {
			return fmt.Errorf("action %q: code actions need a code block", a.Name)
		}
		switch a.Code.runtime() {
		case RuntimeCEL:
			if strings.TrimSpace(a.Code.Expression) == "" {
				return fmt.Errorf("action %q: cel actions need code.expression", a.Name)
			}
		case RuntimeWasm:
			if len(a.Code.wasm) == 0 {
				return fmt.Errorf("action %q: wasm module not loaded", a.Name)
			}
		default:
			return fmt.Errorf("action %q: unsupported code runtime %q", a.Name, a.Code.Runtime)
		}
	default:
		return fmt.Errorf("action %q: unsupported type %q", a.Name, a.Type)
	}
	return nil
}

func (c *CodeSpec) runtime() string {
	if c.Runtime == "" {
		return RuntimeCEL
	}
	return c.Runtime
}

// compileSchema builds the JSON Schema that agent parameters must satisfy.
// Unknown parameters are rejected.
func (a Action) compileSchema() (*jsonschema.Schema, error) {
	props := make(map[string]any, len(a.Parameters))
	required := []string{}
	for _, p := range a.Parameters {
		t := p.Type
		if t == "" {
			t = "string"
		}
		props[p.Name] = map[string]any{"type": t}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc, err := json.Marshal(map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	})
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://warden.schemas.local/actions/%s.schema.json", a.Name)
	if err := c.AddResource(schemaURL, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("action schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("action schema compile failed: %w", err)
	}
	return compiled, nil
}

type fileFormat struct {
	Actions []Action `yaml:"actions"`
}

// LoadFile reads a YAML actions file. Wasm modules are read relative to
// the file's directory.
func LoadFile(path string) ([]Action, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load actions %q: %w", path, err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse actions %q: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i := range f.Actions {
		a := &f.Actions[i]
		if a.Type == TypeCode && a.Code != nil && a.Code.runtime() == RuntimeWasm && a.Code.Module != "" {
			modPath := a.Code.Module
			if !filepath.IsAbs(modPath) {
				modPath = filepath.Join(dir, modPath)
			}
			module, err := os.ReadFile(modPath)
			if err != nil {
				return nil, fmt.Errorf("action %q: read wasm module: %w", a.Name, err)
			}
			a.Code.wasm = module
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Actions, nil
}
