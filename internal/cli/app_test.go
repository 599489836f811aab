package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/config"
	"github.com/watzon/funcbox/internal/events"
	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/triggers"
)

const (
	helloCEL    = `handler: '{"message": "Hello, " + (has(input.name) ? input.name : "World") + "!"}'`
	orderCEL    = `handler: '{"seen": input.total}'`
	testSecret  = "test-secret-key-at-least-32-characters-long"
	testTimeout = 5 * time.Second
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "funcbox.db")
	cfg.Blobs.Path = filepath.Join(dir, "blobs")
	cfg.Functions.ManifestsDir = filepath.Join(dir, "functions")
	cfg.Scheduler.Enabled = false
	cfg.Events.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close(context.Background()) })
	return a
}

func TestAppLoadsManifestsWithTriggers(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Functions.ManifestsDir, "order.yaml"), `
id: order-audit
version: 1.0.0
source:
  file: order.cel
  handler: handler
triggers:
  - on: Order.created
    filter: $.total > 100
`)
	writeFile(t, filepath.Join(cfg.Functions.ManifestsDir, "order.cel"), orderCEL)

	a := newTestApp(t, cfg)

	reg, err := a.registry.Get(context.Background(), "order-audit", "")
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Equal(t, "cel", reg.Definition.Source.Language)
	require.Len(t, a.evaluator.List(), 1)

	ctx := context.Background()
	for _, total := range []float64{50, 150} {
		err := a.bus.Publish(ctx, &events.Event{
			Object:  "Order",
			Action:  "created",
			Payload: map[string]any{"total": total},
			Source:  events.SourceCLI,
		})
		require.NoError(t, err)
	}

	var recs []*executions.Record
	require.Eventually(t, func() bool {
		recs, err = a.tracker.List(ctx, executions.Filter{FunctionID: "order-audit", Limit: 10})
		return err == nil && len(recs) == 1
	}, testTimeout, 10*time.Millisecond)
	require.Equal(t, executions.StatusSucceeded, recs[0].Status)
	require.Equal(t, "event", recs[0].TriggerType)
	require.JSONEq(t, `{"seen":150}`, string(recs[0].Output))

	time.Sleep(50 * time.Millisecond)
	recs, err = a.tracker.List(ctx, executions.Filter{FunctionID: "order-audit", Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1, "the 50 total must not fire the trigger")
}

func TestAppRecoversTriggersAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	writeFile(t, filepath.Join(cfg.Functions.ManifestsDir, "report.yaml"), `
id: report
version: 1.0.0
source:
  language: cel
  handler: handler
  code: |
    handler: '{"ok": true}'
triggers:
  - every: $.Daily
    time: "09:00"
    timezone: UTC
`)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	first := a.evaluator.List()
	require.Len(t, first, 1)
	require.NoError(t, a.close(context.Background()))

	cfg.Functions.ManifestsDir = ""
	b := newTestApp(t, cfg)
	second := b.evaluator.List()
	require.Len(t, second, 1)

	before, ok := first[0].Trigger.(*triggers.ScheduleTrigger)
	require.True(t, ok)
	after, ok := second[0].Trigger.(*triggers.ScheduleTrigger)
	require.True(t, ok)
	require.Equal(t, before.ID, after.ID)

	require.NotNil(t, second[0].Status.NextFireAt)
	if !first[0].Status.NextFireAt.Equal(*second[0].Status.NextFireAt) {
		t.Errorf("next fire moved across restart: %s -> %s", first[0].Status.NextFireAt, second[0].Status.NextFireAt)
	}
}

func TestAppRejectsUnknownClaimBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.ClaimBackend = "etcd"

	_, err := newApp(context.Background(), cfg)
	require.ErrorContains(t, err, "unknown claim backend")
}

// cliEnv is a running server the CLI commands talk to.
type cliEnv struct {
	app *app
	url string
}

func newCLIEnv(t *testing.T, cfg *config.Config) *cliEnv {
	t.Helper()
	a := newTestApp(t, cfg)
	ts := httptest.NewServer(a.server().Handler())
	t.Cleanup(ts.Close)
	return &cliEnv{app: a, url: ts.URL}
}

// run executes the root command against the test server and returns its
// standard output.
func (env *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--url", env.url}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}
