package actions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const actionsYAML = `
actions:
  - name: weather
    description: Current weather for a city
    type: http
    parameters:
      - name: city
        required: true
    http:
      method: GET
      url: https://api.example.com/weather?q={{city}}
  - name: list-dir
    type: shell
    parameters:
      - name: path
        required: true
    shell:
      command: ls -la {{path}}
  - name: greet
    type: code
    parameters:
      - name: name
    code:
      expression: '"hello " + params.name'
  - name: echo
    type: code
    code:
      runtime: wasm
      module: echo.wasm
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), echoModule(), 0o600))
	path := filepath.Join(dir, "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(actionsYAML), 0o600))

	acts, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, acts, 4)

	assert.Equal(t, TypeHTTP, acts[0].Type)
	assert.Equal(t, "https://api.example.com/weather?q={{city}}", acts[0].HTTP.URL)
	assert.True(t, acts[0].Parameters[0].Required)
	assert.Equal(t, TypeShell, acts[1].Type)
	assert.Equal(t, RuntimeCEL, acts[2].Code.runtime())
	assert.Equal(t, echoModule(), acts[3].Code.wasm)
}

func TestLoadFile_MissingModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(actionsYAML), 0o600))

	_, err := LoadFile(path)
	assert.ErrorContains(t, err, "read wasm module")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		errMsg string
	}{
		{"bad name", Action{Name: "Bad Name", Type: TypeShell, Shell: &ShellSpec{Command: "true"}}, "invalid name"},
		{"missing url", Action{Name: "a", Type: TypeHTTP, HTTP: &HTTPSpec{}}, "http.url"},
		{"missing command", Action{Name: "a", Type: TypeShell}, "shell.command"},
		{"missing expression", Action{Name: "a", Type: TypeCode, Code: &CodeSpec{}}, "code.expression"},
		{"unknown runtime", Action{Name: "a", Type: TypeCode, Code: &CodeSpec{Runtime: "lua"}}, "unsupported code runtime"},
		{"wasm without module", Action{Name: "a", Type: TypeCode, Code: &CodeSpec{Runtime: RuntimeWasm}}, "not loaded"},
		{"unknown type", Action{Name: "a", Type: "ftp"}, "unsupported type"},
		{"duplicate param", Action{
			Name: "a", Type: TypeShell, Shell: &ShellSpec{Command: "true"},
			Parameters: []Parameter{{Name: "x"}, {Name: "x"}},
		}, "duplicate parameter"},
		{"bad param type", Action{
			Name: "a", Type: TypeShell, Shell: &ShellSpec{Command: "true"},
			Parameters: []Parameter{{Name: "x", Type: "object"}},
		}, "unsupported type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, tt.action.Validate(), tt.errMsg)
		})
	}

	wasm := Action{Name: "w", Type: TypeCode}.WithWasmModule(loopModule())
	assert.NoError(t, wasm.Validate())
}

func TestSchema(t *testing.T) {
	a := Action{
		Name: "s", Type: TypeShell, Shell: &ShellSpec{Command: "true"},
		Parameters: []Parameter{
			{Name: "path", Required: true},
			{Name: "count", Type: "integer"},
			{Name: "verbose", Type: "boolean"},
		},
	}
	schema, err := a.compileSchema()
	require.NoError(t, err)

	assert.NoError(t, schema.Validate(map[string]any{"path": "/tmp", "count": float64(3), "verbose": true}))
	assert.Error(t, schema.Validate(map[string]any{}), "missing required")
	assert.Error(t, schema.Validate(map[string]any{"path": "/tmp", "extra": "x"}), "unknown parameter")
	assert.Error(t, schema.Validate(map[string]any{"path": float64(1)}), "wrong type")
	assert.Error(t, schema.Validate(map[string]any{"path": "/tmp", "count": 1.5}), "not an integer")
}

func TestSubstitute(t *testing.T) {
	params := map[string]any{"a": "x y", "n": float64(42), "b": true}

	assert.Equal(t, "x y-42-true-", substitute("{{a}}-{{ n }}-{{b}}-{{missing}}", params, raw))
	assert.Equal(t, "q=x%20y", substitute("q={{a}}", params, urlComponent))
	assert.Equal(t, "cp 'x y' '' dest", substitute("cp {{a}} {{missing}} dest", params, shellQuote))
	assert.Equal(t, "..%2Fadmin%3Fx%3D1%26y%23z", urlComponent("../admin?x=1&y#z"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, `'$(id)'`, shellQuote("$(id)"))
}
