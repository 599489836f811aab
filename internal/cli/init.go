package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	initTemplate string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new funcbox project",
	Long: `Initialize a new funcbox project with a starter template.

Creates:
  - funcbox.yaml     Configuration file
  - functions/       Function manifests registered on startup
  - data/            Database and blob storage

Templates:
  basic      A hello-world CEL function (default)
  triggers   Adds an event-triggered function and a daily shell report`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initTemplate, "template", "t", "basic", "Project template (basic, triggers)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing files")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	projectDir := "."
	if len(args) > 0 {
		projectDir = args[0]
	}

	tmpl, err := validateTemplate(initTemplate)
	if err != nil {
		return err
	}

	if err := prepareProjectDir(projectDir, tmpl, initForce); err != nil {
		return err
	}
	for _, dir := range []string{"data", "functions"} {
		if err := os.MkdirAll(filepath.Join(projectDir, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}
	if err := writeTemplateFiles(projectDir, tmpl); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nProject initialized with %q template\n\nNext steps:\n", tmpl.Name)
	if projectDir != "." {
		fmt.Fprintf(out, "  cd %s\n", projectDir)
	}
	fmt.Fprintln(out, "  funcbox serve")
	fmt.Fprintln(out, `  funcbox invoke hello-world --params '{"name":"Developer"}'`)
	return nil
}

// Template is a set of files written by init.
type Template struct {
	Name        string
	Description string
	Files       map[string]string
}

func getTemplates() map[string]*Template {
	basic := map[string]string{
		"funcbox.yaml":         configYAML,
		".gitignore":           gitignore,
		"functions/hello.yaml": helloManifest,
		"functions/hello.cel":  helloSource,
	}

	withTriggers := make(map[string]string, len(basic)+3)
	for k, v := range basic {
		withTriggers[k] = v
	}
	withTriggers["functions/order-alert.yaml"] = orderAlertManifest
	withTriggers["functions/daily-report.yaml"] = dailyReportManifest
	withTriggers["functions/daily-report.sh"] = dailyReportSource

	return map[string]*Template{
		"basic": {
			Name:        "basic",
			Description: "A hello-world CEL function",
			Files:       basic,
		},
		"triggers": {
			Name:        "triggers",
			Description: "Event and schedule triggered functions",
			Files:       withTriggers,
		},
	}
}

func validateTemplate(name string) (*Template, error) {
	tmpl, ok := getTemplates()[name]
	if !ok {
		return nil, fmt.Errorf("unknown template: %s (available: basic, triggers)", name)
	}
	return tmpl, nil
}

func prepareProjectDir(projectDir string, tmpl *Template, force bool) error {
	if projectDir != "." {
		if err := os.MkdirAll(projectDir, 0o755); err != nil {
			return fmt.Errorf("creating project directory: %w", err)
		}
	}

	if !force {
		if existing := checkExistingFiles(projectDir, tmpl); len(existing) > 0 {
			return fmt.Errorf("files already exist: %s (use --force to overwrite)", strings.Join(existing, ", "))
		}
	}
	return nil
}

func checkExistingFiles(dir string, tmpl *Template) []string {
	var existing []string
	for name := range tmpl.Files {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existing = append(existing, name)
		}
	}
	sort.Strings(existing)
	return existing
}

func writeTemplateFiles(projectDir string, tmpl *Template) error {
	names := make([]string, 0, len(tmpl.Files))
	for name := range tmpl.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(projectDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(tmpl.Files[name]), 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
		log.Info().Str("file", name).Msg("Created")
	}
	return nil
}

const configYAML = `server:
  host: localhost
  port: 8090
  # Require API tokens by setting a secret of at least 32 characters:
  # auth:
  #   secret: ${FUNCBOX_SECRET}

database:
  path: data/funcbox.db

functions:
  manifests_dir: functions
  watch: true
  default_timeout: 30s

blobs:
  type: filesystem
  path: data/blobs

scheduler:
  enabled: true
  default_timezone: UTC

events:
  enabled: true

logging:
  level: info
  format: console
`

const gitignore = `# funcbox data
data/
*.db
*.db-wal
*.db-shm

.env
`

const helloManifest = `id: hello-world
name: Hello World
description: Greets the caller
version: 1.0.0
tags: [example]
timeout: 5s
source:
  file: hello.cel
  handler: handler
`

const helloSource = `handler: '{"message": "Hello, " + (has(input.name) ? input.name : "World") + "!"}'
`

const orderAlertManifest = `id: order-alert
name: Order alert
description: Flags large orders
version: 1.0.0
source:
  language: cel
  handler: handler
  code: |
    handler: '{"total": input.total, "large": true}'
triggers:
  - on: Order.created
    filter: $.total > 100
`

const dailyReportManifest = `id: daily-report
name: Daily report
version: 1.0.0
timeout: 30s
source:
  file: daily-report.sh
  handler: report
triggers:
  - every: $.Daily
    time: "09:00"
    timezone: UTC
    input:
      kind: daily
`

const dailyReportSource = `report() {
  input=$(cat)
  printf '{"generated_at":"%s","input":%s}\n' "$(date -u +%Y-%m-%dT%H:%M:%SZ)" "$input"
}
`
