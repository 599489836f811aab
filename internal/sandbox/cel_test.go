package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/functions"
)

const helloCEL = `handler: '{"message": "Hello, " + (has(input.name) ? input.name : "World") + "!"}'
shout: 'input.text.upperAscii()'
region: 'env.REGION'
`

func celDef(handler string) *functions.Definition {
	return &functions.Definition{
		ID: "hello-world",
		Metadata: functions.Metadata{
			Version: "1.0.0",
			Timeout: 5,
			Env:     map[string]string{"REGION": "eu-west-1"},
		},
		Source: functions.Source{Code: helloCEL, Language: "cel", Handler: handler},
	}
}

func newCELExecutor(t *testing.T, costLimit uint64) *Executor {
	t.Helper()
	a, err := NewCELAdapter(costLimit)
	require.NoError(t, err)
	return NewExecutor(Config{DefaultTimeout: time.Second, MaxInputBytes: 1 << 20}, a)
}

func TestCELHelloWorld(t *testing.T) {
	e := newCELExecutor(t, 100000)
	ctx := context.Background()

	result, err := e.Execute(ctx, celDef("handler"), map[string]any{"name": "Developer"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, result.Status)
	require.Equal(t, map[string]any{"message": "Hello, Developer!"}, result.Output)

	result, err = e.Execute(ctx, celDef("handler"), map[string]any{}, Options{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"message": "Hello, World!"}, result.Output)
}

func TestCELExtensionsAndEnv(t *testing.T) {
	e := newCELExecutor(t, 100000)
	ctx := context.Background()

	result, err := e.Execute(ctx, celDef("shout"), map[string]any{"text": "hi"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "HI", result.Output)

	result, err = e.Execute(ctx, celDef("region"), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "eu-west-1", result.Output)
}

func TestCELRuntimeErrorIsHandlerError(t *testing.T) {
	e := newCELExecutor(t, 100000)

	// input.text is missing, so selecting it fails at evaluation time.
	result, err := e.Execute(context.Background(), celDef("shout"), map[string]any{}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, KindHandler, result.Error.Kind)
	require.Contains(t, result.Error.Message, "text")
}

func TestCELCostLimit(t *testing.T) {
	e := newCELExecutor(t, 10)
	def := celDef("sum")
	def.Source.Code = `sum: 'input.items.map(x, x + x).size()'`

	items := make([]any, 100)
	for i := range items {
		items[i] = i
	}

	result, err := e.Execute(context.Background(), def, map[string]any{"items": items}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Error.Message, "cost")
}

func TestCELValidateSource(t *testing.T) {
	a, err := NewCELAdapter(1000)
	require.NoError(t, err)

	require.NoError(t, a.ValidateSource(functions.Source{Code: helloCEL, Handler: "handler"}))
	require.ErrorContains(t, a.ValidateSource(functions.Source{Code: helloCEL, Handler: "missing"}), "not defined")
	require.Error(t, a.ValidateSource(functions.Source{Code: "handler: 'input.'", Handler: "handler"}))
	require.Error(t, a.ValidateSource(functions.Source{Code: "- just\n- a list", Handler: "handler"}))
}

func TestCELPrepareCachesPrograms(t *testing.T) {
	a, err := NewCELAdapter(1000)
	require.NoError(t, err)

	def := celDef("handler")
	def.Source.Digest = "abc"

	_, err = a.Prepare(context.Background(), def, PrepareOptions{})
	require.NoError(t, err)
	_, err = a.Prepare(context.Background(), def, PrepareOptions{})
	require.NoError(t, err)

	require.Len(t, a.programs, 1)
}
