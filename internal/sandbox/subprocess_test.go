package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/functions"
)

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
}

func subprocessExecutor(t *testing.T, adapters ...Adapter) *Executor {
	t.Helper()
	return NewExecutor(Config{DefaultTimeout: 10 * time.Second, MaxInputBytes: 1 << 20}, adapters...)
}

func subprocessDef(language, handler, code string) *functions.Definition {
	return &functions.Definition{
		ID:       "sub-fn",
		Metadata: functions.Metadata{Version: "1.0.0", Timeout: 10, Env: map[string]string{"GREETING": "Hello"}},
		Source:   functions.Source{Language: language, Handler: handler, Code: code},
	}
}

func TestShellAdapter(t *testing.T) {
	requireCommand(t, "sh")

	workRoot := t.TempDir()
	adapter := NewShellAdapter("sh", SubprocessOptions{WorkRoot: workRoot, Isolator: NoIsolation()})
	e := subprocessExecutor(t, adapter)
	ctx := context.Background()

	code := `
greet() {
  read -r body
  printf '{"greeting": "%s", "input": %s}' "$GREETING" "$body"
}

plain() {
  echo "just text"
}

fail() {
  echo "bad things" >&2
  exit 3
}

whereami() {
  echo "$HOME"
}
`

	result, err := e.Execute(ctx, subprocessDef("shell", "greet", code), map[string]any{"n": 1}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, result.Status, "error: %v", result.Error)
	require.Equal(t, map[string]any{"greeting": "Hello", "input": map[string]any{"n": float64(1)}}, result.Output)

	result, err = e.Execute(ctx, subprocessDef("shell", "plain", code), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "just text", result.Output)

	result, err = e.Execute(ctx, subprocessDef("shell", "fail", code), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Error.Message, "code 3")
	require.Contains(t, result.Error.Message, "bad things")

	result, err = e.Execute(ctx, subprocessDef("shell", "whereami", code), nil, Options{})
	require.NoError(t, err)
	home, ok := result.Output.(string)
	require.True(t, ok)
	require.Equal(t, workRoot, filepath.Dir(home), "sandboxed HOME must be the private work dir")

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(workRoot)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 20*time.Millisecond, "work directories must be removed after each call")
}

func TestShellAdapterTimeoutKillsProcessGroup(t *testing.T) {
	requireCommand(t, "sh")
	requireCommand(t, "sleep")

	e := subprocessExecutor(t, NewShellAdapter("sh", SubprocessOptions{WorkRoot: t.TempDir(), Isolator: NoIsolation()}))
	code := "slow() {\n  sleep 30 &\n  sleep 30\n}\n"

	start := time.Now()
	result, err := e.Execute(context.Background(), subprocessDef("shell", "slow", code), nil, Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, result.Status)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool { return e.Discarded() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestSubprocessMissingInterpreter(t *testing.T) {
	e := subprocessExecutor(t, NewPythonAdapter("definitely-not-python-xyz", SubprocessOptions{}))
	def := subprocessDef("python", "handler", "def handler(event):\n    return event\n")

	result, err := e.Execute(context.Background(), def, nil, Options{})
	require.True(t, IsSetupError(err))
	require.Equal(t, KindSetup, result.Error.Kind)
}

func TestJavaScriptHelloWorld(t *testing.T) {
	requireCommand(t, "node")

	e := subprocessExecutor(t, NewJavaScriptAdapter("node", SubprocessOptions{WorkRoot: t.TempDir(), Isolator: NoIsolation()}))
	ctx := context.Background()

	sources := map[string]string{
		"commonjs": `exports.handler = async (input) => ({ message: "Hello, " + (input.name || "World") + "!" });`,
		"esm":      `export function handler(input) { console.log("noise"); return { message: "Hello, " + (input.name || "World") + "!" }; }`,
	}

	for name, code := range sources {
		t.Run(name, func(t *testing.T) {
			def := subprocessDef("javascript", "handler", code)

			result, err := e.Execute(ctx, def, map[string]any{"name": "Developer"}, Options{})
			require.NoError(t, err)
			require.Equal(t, StatusSucceeded, result.Status, "error: %v", result.Error)
			require.Equal(t, map[string]any{"message": "Hello, Developer!"}, result.Output)

			result, err = e.Execute(ctx, def, map[string]any{}, Options{})
			require.NoError(t, err)
			require.Equal(t, map[string]any{"message": "Hello, World!"}, result.Output)
		})
	}

	thrower := subprocessDef("javascript", "handler", `exports.handler = () => { throw new Error("nope"); };`)
	result, err := e.Execute(ctx, thrower, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "nope", result.Error.Message)
}

func TestPythonAdapter(t *testing.T) {
	requireCommand(t, "python3")

	e := subprocessExecutor(t, NewPythonAdapter("python3", SubprocessOptions{WorkRoot: t.TempDir(), Isolator: NoIsolation()}))
	code := `
import os

def handler(event):
    print("noise")
    return {"message": os.environ["GREETING"] + ", " + event.get("name", "World") + "!"}

def broken(event):
    raise ValueError("bad input")
`

	result, err := e.Execute(context.Background(), subprocessDef("python", "handler", code), map[string]any{"name": "Developer"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, result.Status, "error: %v", result.Error)
	require.Equal(t, map[string]any{"message": "Hello, Developer!"}, result.Output)

	result, err = e.Execute(context.Background(), subprocessDef("python", "broken", code), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "bad input", result.Error.Message)
}

func TestSubprocessValidateSource(t *testing.T) {
	js := NewJavaScriptAdapter("node", SubprocessOptions{})
	py := NewPythonAdapter("python3", SubprocessOptions{})
	sh := NewShellAdapter("sh", SubprocessOptions{})

	tests := []struct {
		name    string
		adapter *SubprocessAdapter
		code    string
		handler string
		ok      bool
	}{
		{"js exports", js, "exports.handler = () => 1", "handler", true},
		{"js module.exports", js, "module.exports = { run, other }", "run", true},
		{"js esm function", js, "export async function main(input) {}", "main", true},
		{"js esm const", js, "export const main = () => 1", "main", true},
		{"js esm list", js, "function a() {}\nexport { a as alias, a }", "a", true},
		{"js not exported", js, "function handler() {}", "handler", false},
		{"js bad identifier", js, "exports['a-b'] = 1", "a-b", false},
		{"py def", py, "def handler(event):\n    pass", "handler", true},
		{"py async def", py, "async def handler(event):\n    pass", "handler", true},
		{"py nested only", py, "class X:\n    def handler(self):\n        pass", "handler", false},
		{"sh function", sh, "greet() {\n  echo hi\n}", "greet", true},
		{"sh keyword", sh, "function greet {\n  echo hi\n}", "greet", true},
		{"sh missing", sh, "echo hi", "greet", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.adapter.ValidateSource(functions.Source{Code: tt.code, Handler: tt.handler})
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestRawOutputAndLastLine(t *testing.T) {
	require.Nil(t, rawOutput([]byte("  \n")))
	require.Equal(t, float64(42), rawOutput([]byte("42\n")))
	require.Equal(t, "hello world", rawOutput([]byte("hello world\n")))
	require.Equal(t, []byte(`{"ok":true}`), lastLine([]byte("log line\n{\"ok\":true}\n")))
}
