package functions

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	secondsPerMinute = 60
	mbPerGB          = 1024
)

// Manifest is the YAML form of a definition, optionally declaring the
// triggers that invoke it.
type Manifest struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Version     string            `yaml:"version"`
	Author      string            `yaml:"author"`
	Tags        []string          `yaml:"tags"`
	Runtime     string            `yaml:"runtime"`
	Timeout     string            `yaml:"timeout"`
	Memory      string            `yaml:"memory"`
	Env         map[string]string `yaml:"env"`
	Source      ManifestSource    `yaml:"source"`
	Triggers    []ManifestTrigger `yaml:"triggers"`
}

// ManifestSource points at inline code or a file next to the manifest.
type ManifestSource struct {
	Language string `yaml:"language"`
	Handler  string `yaml:"handler"`
	Code     string `yaml:"code"`
	File     string `yaml:"file"`
}

// ManifestTrigger declares an event trigger (On) or a schedule (Every).
type ManifestTrigger struct {
	// On is "<Object>.<action>".
	On      string `yaml:"on"`
	Filter  string `yaml:"filter"`
	Context string `yaml:"context"`

	Every    string `yaml:"every"`
	Day      string `yaml:"day"`
	Time     string `yaml:"time"`
	Timezone string `yaml:"timezone"`

	Input map[string]any `yaml:"input"`
}

// ParseManifest decodes a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks the structure of the manifest. Semantic checks on the
// resulting definition happen in Registry.Register.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("manifest: id is required")
	}
	if m.Version == "" {
		return errors.New("manifest: version is required")
	}

	if m.Timeout != "" && parseTimeoutSeconds(m.Timeout) == 0 {
		return fmt.Errorf("manifest: invalid timeout format: %s", m.Timeout)
	}
	if m.Memory != "" && parseMemoryMB(m.Memory) == 0 {
		return fmt.Errorf("manifest: invalid memory format: %s", m.Memory)
	}

	if m.Source.Code != "" && m.Source.File != "" {
		return errors.New("manifest: source.code and source.file are mutually exclusive")
	}
	if m.Source.Code == "" && m.Source.File == "" {
		return errors.New("manifest: source.code or source.file is required")
	}

	for i, tr := range m.Triggers {
		if err := tr.Validate(); err != nil {
			return fmt.Errorf("manifest: triggers[%d]: %w", i, err)
		}
	}

	return nil
}

// Validate checks that exactly one trigger kind is declared.
func (t *ManifestTrigger) Validate() error {
	switch {
	case t.On != "" && t.Every != "":
		return errors.New("on and every are mutually exclusive")
	case t.On != "":
		object, action, ok := strings.Cut(t.On, ".")
		if !ok || object == "" || action == "" {
			return fmt.Errorf("on must be <Object>.<action>: %s", t.On)
		}
	case t.Every != "":
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return fmt.Errorf("invalid timezone: %s", t.Timezone)
			}
		}
	default:
		return errors.New("one of on or every is required")
	}
	return nil
}

// Definition builds the definition described by the manifest. A source file
// is resolved relative to baseDir.
func (m *Manifest) Definition(baseDir string) (*Definition, error) {
	code := m.Source.Code
	if m.Source.File != "" {
		path := m.Source.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading source file: %w", err)
		}
		code = string(data)
	}

	language := m.Source.Language
	if language == "" && m.Source.File != "" {
		language = detectLanguage(filepath.Ext(m.Source.File))
	}
	// Modules are binary; registrations carry them base64 encoded.
	if m.Source.File != "" && isWASM(language) {
		code = base64.StdEncoding.EncodeToString([]byte(code))
	}

	env := make(map[string]string, len(m.Env))
	for k, v := range m.Env {
		env[k] = os.ExpandEnv(v)
	}

	return &Definition{
		ID: m.ID,
		Metadata: Metadata{
			Name:        m.Name,
			Description: m.Description,
			Version:     m.Version,
			Author:      m.Author,
			Tags:        m.Tags,
			Runtime:     m.Runtime,
			Timeout:     parseTimeoutSeconds(m.Timeout),
			Memory:      parseMemoryMB(m.Memory),
			Env:         env,
		},
		Source: Source{
			Code:     code,
			Language: language,
			Handler:  m.Source.Handler,
		},
	}, nil
}

func detectLanguage(ext string) string {
	switch ext {
	case ".js", ".cjs", ".mjs":
		return "javascript"
	case ".py":
		return "python"
	case ".sh":
		return "shell"
	case ".cel":
		return "cel"
	case ".wasm":
		return "wasm"
	default:
		return ""
	}
}

func isWASM(language string) bool {
	switch strings.ToLower(language) {
	case "wasm", "wasi", "extism":
		return true
	}
	return false
}

func parseTimeoutSeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	var value int

	switch {
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value * secondsPerMinute
		}
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	default:
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	}

	return 0
}

func parseMemoryMB(s string) int {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0
	}

	var value int

	switch {
	case strings.HasSuffix(s, "gb"):
		s = strings.TrimSuffix(s, "gb")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value * mbPerGB
		}
	case strings.HasSuffix(s, "mb"):
		s = strings.TrimSuffix(s, "mb")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	default:
		if _, err := fmt.Sscanf(s, "%d", &value); err == nil {
			return value
		}
	}

	return 0
}
