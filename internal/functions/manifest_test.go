package functions

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		manifest  *Manifest
		expectErr string
	}{
		{
			name: "valid minimal manifest",
			manifest: &Manifest{
				ID:      "hello",
				Version: "1.0.0",
				Source:  ManifestSource{Language: "cel", Handler: "handler", Code: "handler: input"},
			},
		},
		{
			name: "valid full manifest",
			manifest: &Manifest{
				ID:      "order-audit",
				Version: "1.2.0",
				Timeout: "2m",
				Memory:  "256mb",
				Source:  ManifestSource{Handler: "handler", File: "audit.js"},
				Triggers: []ManifestTrigger{
					{On: "Order.created", Filter: "$.total > 100"},
					{Every: "$.Daily", Time: "09:00", Timezone: "UTC"},
					{Every: "*/5 * * * *"},
				},
			},
		},
		{
			name:      "missing id",
			manifest:  &Manifest{Version: "1.0.0", Source: ManifestSource{Code: "x"}},
			expectErr: "id is required",
		},
		{
			name:      "missing version",
			manifest:  &Manifest{ID: "a", Source: ManifestSource{Code: "x"}},
			expectErr: "version is required",
		},
		{
			name:      "invalid timeout",
			manifest:  &Manifest{ID: "a", Version: "1.0.0", Timeout: "soon", Source: ManifestSource{Code: "x"}},
			expectErr: "invalid timeout",
		},
		{
			name:      "invalid memory",
			manifest:  &Manifest{ID: "a", Version: "1.0.0", Memory: "lots", Source: ManifestSource{Code: "x"}},
			expectErr: "invalid memory",
		},
		{
			name:      "code and file",
			manifest:  &Manifest{ID: "a", Version: "1.0.0", Source: ManifestSource{Code: "x", File: "x.js"}},
			expectErr: "mutually exclusive",
		},
		{
			name:      "no source",
			manifest:  &Manifest{ID: "a", Version: "1.0.0"},
			expectErr: "source.code or source.file is required",
		},
		{
			name: "bad trigger",
			manifest: &Manifest{
				ID: "a", Version: "1.0.0", Source: ManifestSource{Code: "x"},
				Triggers: []ManifestTrigger{{On: "Order"}},
			},
			expectErr: "triggers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.manifest.Validate()
			if tt.expectErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.expectErr)
		})
	}
}

func TestManifestTrigger_Validate(t *testing.T) {
	tests := []struct {
		name    string
		trigger ManifestTrigger
		wantErr bool
	}{
		{"event", ManifestTrigger{On: "Order.created"}, false},
		{"event without action", ManifestTrigger{On: "Order."}, true},
		{"event without object", ManifestTrigger{On: ".created"}, true},
		{"schedule", ManifestTrigger{Every: "$.Weekly", Day: "Monday", Time: "09:00"}, false},
		{"schedule bad timezone", ManifestTrigger{Every: "$.Daily", Timezone: "Mars/Olympus"}, true},
		{"both kinds", ManifestTrigger{On: "Order.created", Every: "$.Daily"}, true},
		{"neither kind", ManifestTrigger{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseManifest(t *testing.T) {
	data := []byte(`
id: hello-world
name: Hello World
version: 1.0.0
tags: [demo, greeting]
timeout: 10s
memory: 1gb
env:
  GREETING: Hello
source:
  language: cel
  handler: handler
  code: |
    handler: '{"message": "Hello, " + input.name + "!"}'
triggers:
  - on: User.created
    filter: $.name != ""
    context: '{"source": "signup"}'
  - every: $.Daily
    time: "09:00"
    timezone: UTC
    input:
      name: World
`)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	require.Equal(t, "hello-world", m.ID)
	require.Equal(t, []string{"demo", "greeting"}, m.Tags)
	require.Len(t, m.Triggers, 2)
	require.Equal(t, "User.created", m.Triggers[0].On)
	require.Equal(t, `$.name != ""`, m.Triggers[0].Filter)
	require.Equal(t, "09:00", m.Triggers[1].Time)
	require.Equal(t, "World", m.Triggers[1].Input["name"])

	def, err := m.Definition(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 10, def.Metadata.Timeout)
	require.Equal(t, 1024, def.Metadata.Memory)
	require.Equal(t, "cel", def.Source.Language)
	require.True(t, strings.HasPrefix(def.Source.Code, "handler:"))
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte("id: [unterminated"))
	require.Error(t, err)

	_, err = ParseManifest([]byte("id: a\nversion: 1.0.0\n"))
	require.Error(t, err)
}

func TestManifestDefinition_SourceFile(t *testing.T) {
	dir := t.TempDir()
	code := "exports.handler = (input) => ({ ok: true });\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handler.js"), []byte(code), 0o644))

	t.Setenv("FUNCBOX_TEST_REGION", "eu-west-1")

	m := &Manifest{
		ID:      "file-backed",
		Version: "1.0.0",
		Env:     map[string]string{"REGION": "${FUNCBOX_TEST_REGION}"},
		Source:  ManifestSource{Handler: "handler", File: "handler.js"},
	}
	require.NoError(t, m.Validate())

	def, err := m.Definition(dir)
	require.NoError(t, err)
	require.Equal(t, code, def.Source.Code)
	require.Equal(t, "javascript", def.Source.Language)
	require.Equal(t, "eu-west-1", def.Metadata.Env["REGION"])

	m.Source.File = "missing.js"
	_, err = m.Definition(dir)
	require.Error(t, err)
}

func TestDetectLanguage(t *testing.T) {
	tests := map[string]string{
		".js":   "javascript",
		".mjs":  "javascript",
		".py":   "python",
		".sh":   "shell",
		".cel":  "cel",
		".wasm": "wasm",
		".rb":   "",
	}
	for ext, want := range tests {
		if got := detectLanguage(ext); got != want {
			t.Errorf("detectLanguage(%q) = %q, want %q", ext, got, want)
		}
	}
}

func TestManifestDefinitionEncodesWASM(t *testing.T) {
	dir := t.TempDir()
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resize.wasm"), module, 0o644))

	m := &Manifest{ID: "resize", Version: "1.0.0"}
	m.Source.File = "resize.wasm"
	m.Source.Handler = "run"

	def, err := m.Definition(dir)
	require.NoError(t, err)
	require.Equal(t, "wasm", def.Source.Language)
	require.Equal(t, base64.StdEncoding.EncodeToString(module), def.Source.Code)
}

func TestParseTimeoutAndMemory(t *testing.T) {
	timeouts := map[string]int{"30": 30, "30s": 30, "2m": 120, "": 0, "abc": 0}
	for in, want := range timeouts {
		if got := parseTimeoutSeconds(in); got != want {
			t.Errorf("parseTimeoutSeconds(%q) = %d, want %d", in, got, want)
		}
	}

	memory := map[string]int{"128": 128, "256mb": 256, "64m": 64, "2GB": 2048, "": 0, "x": 0}
	for in, want := range memory {
		if got := parseMemoryMB(in); got != want {
			t.Errorf("parseMemoryMB(%q) = %d, want %d", in, got, want)
		}
	}
}
