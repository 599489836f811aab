package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/funcbox/internal/functions"
)

type fakeAdapter struct {
	invoke     func(ctx context.Context, input map[string]any) (any, error)
	prepareErr error
	prepared   atomic.Int32
	closed     atomic.Int32
}

func (f *fakeAdapter) Language() string                      { return "fake" }
func (f *fakeAdapter) Aliases() []string                     { return []string{"fk"} }
func (f *fakeAdapter) ValidateSource(functions.Source) error { return nil }

func (f *fakeAdapter) Prepare(context.Context, *functions.Definition, PrepareOptions) (Instance, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	f.prepared.Add(1)
	return &fakeInstance{adapter: f}, nil
}

type fakeInstance struct {
	adapter *fakeAdapter
}

func (i *fakeInstance) Invoke(ctx context.Context, input map[string]any) (any, error) {
	return i.adapter.invoke(ctx, input)
}

func (i *fakeInstance) Close() error {
	i.adapter.closed.Add(1)
	return nil
}

func fakeDef(timeout int) *functions.Definition {
	return &functions.Definition{
		ID:       "fake-fn",
		Metadata: functions.Metadata{Version: "1.0.0", Timeout: timeout},
		Source:   functions.Source{Language: "fake", Handler: "handler", Code: "x"},
	}
}

func newFakeExecutor(a *fakeAdapter) *Executor {
	return NewExecutor(Config{DefaultTimeout: time.Second, MaxTimeout: time.Minute, MaxInputBytes: 1024}, a)
}

func TestExecuteSuccess(t *testing.T) {
	a := &fakeAdapter{invoke: func(_ context.Context, input map[string]any) (any, error) {
		return map[string]any{"echo": input["name"], "n": 3}, nil
	}}
	e := newFakeExecutor(a)

	result, err := e.Execute(context.Background(), fakeDef(5), map[string]any{"name": "Developer"}, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, result.Status)
	require.True(t, result.Success())
	require.Nil(t, result.Error)
	require.Equal(t, map[string]any{"echo": "Developer", "n": float64(3)}, result.Output)
	require.Equal(t, result.FinishedAt.Sub(result.StartedAt), result.Duration)

	require.Eventually(t, func() bool { return a.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestExecuteHandlerError(t *testing.T) {
	a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	}}
	e := newFakeExecutor(a)

	result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, KindHandler, result.Error.Kind)
	require.Equal(t, "boom", result.Error.Message)
	require.Nil(t, result.Output)
}

func TestExecuteHandlerPanic(t *testing.T) {
	a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	}}
	e := newFakeExecutor(a)

	result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Error.Message, "kaboom")
}

func TestExecuteNonJSONOutput(t *testing.T) {
	a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
		return map[string]any{"ch": make(chan int)}, nil
	}}
	e := newFakeExecutor(a)

	result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, KindHandler, result.Error.Kind)
}

func TestExecuteTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
		// Ignores cancellation, like a handler stuck in a tight loop.
		<-release
		return map[string]any{"late": true}, nil
	}}
	e := newFakeExecutor(a)

	start := time.Now()
	result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, StatusTimedOut, result.Status)
	require.Equal(t, KindTimeout, result.Error.Kind)
	require.GreaterOrEqual(t, result.Duration, 50*time.Millisecond)
	require.Nil(t, result.Output)

	close(release)
	require.Eventually(t, func() bool { return e.Discarded() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, StatusTimedOut, result.Status)
	require.Nil(t, result.Output)
	require.Eventually(t, func() bool { return a.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestExecuteTimeoutCancelsInstance(t *testing.T) {
	cancelled := make(chan struct{})
	a := &fakeAdapter{invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	e := newFakeExecutor(a)

	result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, result.Status)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("instance context was not cancelled on timeout")
	}
}

func TestExecuteUsesDefinitionTimeout(t *testing.T) {
	a := &fakeAdapter{invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := NewExecutor(Config{DefaultTimeout: 30 * time.Millisecond}, a)

	result, err := e.Execute(context.Background(), fakeDef(0), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusTimedOut, result.Status)
	require.Contains(t, result.Error.Message, "30ms")
}

func TestExecuteCallerCancellation(t *testing.T) {
	a := &fakeAdapter{invoke: func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newFakeExecutor(a)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	result, err := e.Execute(ctx, fakeDef(5), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, "execution cancelled", result.Error.Message)
}

func TestExecuteRejectsInput(t *testing.T) {
	a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
		t.Fatal("handler must not run for rejected input")
		return nil, nil
	}}
	e := newFakeExecutor(a)

	tests := []struct {
		name  string
		input any
		opts  Options
		msg   string
	}{
		{"array", []int{1, 2}, Options{}, "JSON object"},
		{"string", "hello", Options{}, "JSON object"},
		{"unencodable", map[string]any{"f": func() {}}, Options{}, "not JSON-encodable"},
		{"too large", map[string]any{"blob": strings.Repeat("x", 2048)}, Options{}, "limit is 1024"},
		{"negative timeout", nil, Options{Timeout: -time.Second}, "timeout"},
		{"timeout over max", nil, Options{Timeout: time.Hour}, "must not exceed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Execute(context.Background(), fakeDef(5), tt.input, tt.opts)
			require.NoError(t, err)
			require.Equal(t, StatusRejected, result.Status)
			require.Equal(t, KindValidation, result.Error.Kind)
			require.Contains(t, result.Error.Message, tt.msg)
			require.Zero(t, result.Duration)
		})
	}

	require.Zero(t, a.prepared.Load())
}

func TestExecuteSetupErrors(t *testing.T) {
	t.Run("prepare fails", func(t *testing.T) {
		a := &fakeAdapter{prepareErr: errors.New("no interpreter")}
		e := newFakeExecutor(a)

		result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{})
		require.Error(t, err)
		require.True(t, IsSetupError(err))
		require.Equal(t, StatusFailed, result.Status)
		require.Equal(t, KindSetup, result.Error.Kind)
		require.Contains(t, result.Error.Message, "no interpreter")
	})

	t.Run("unknown language", func(t *testing.T) {
		e := newFakeExecutor(&fakeAdapter{})
		def := fakeDef(5)
		def.Source.Language = "cobol"

		_, err := e.Execute(context.Background(), def, nil, Options{})
		require.True(t, IsSetupError(err))
	})

	t.Run("invoke reports setup failure", func(t *testing.T) {
		a := &fakeAdapter{invoke: func(context.Context, map[string]any) (any, error) {
			return nil, SetupError(errors.New("exec format error"), "starting interpreter")
		}}
		e := newFakeExecutor(a)

		result, err := e.Execute(context.Background(), fakeDef(5), nil, Options{})
		require.True(t, IsSetupError(err))
		require.Equal(t, StatusFailed, result.Status)
	})
}

func TestExecuteConcurrentIsolation(t *testing.T) {
	a := &fakeAdapter{invoke: func(_ context.Context, input map[string]any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return input["n"], nil
	}}
	e := newFakeExecutor(a)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := e.Execute(context.Background(), fakeDef(5), map[string]any{"n": n}, Options{})
			if err != nil {
				t.Errorf("Execute: %v", err)
				return
			}
			if result.Output != float64(n) {
				t.Errorf("got %v, want %d", result.Output, n)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(20), a.prepared.Load())
}

func TestValidateSourceRuntimeSelection(t *testing.T) {
	e := newFakeExecutor(&fakeAdapter{})
	src := functions.Source{Language: "fake", Handler: "handler", Code: "x"}

	runtime, err := e.ValidateSource("", src)
	require.NoError(t, err)
	require.Equal(t, "fake", runtime)

	runtime, err = e.ValidateSource("FK", src)
	require.NoError(t, err)
	require.Equal(t, "fake", runtime)

	_, err = e.ValidateSource("python", src)
	require.Error(t, err)

	_, err = e.ValidateSource("", functions.Source{Language: "cobol"})
	require.ErrorContains(t, err, "unsupported language")
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, StatusRejected, StatusFor(KindValidation))
	require.Equal(t, StatusTimedOut, StatusFor(KindTimeout))
	require.Equal(t, StatusFailed, StatusFor(KindHandler))
	require.Equal(t, StatusFailed, StatusFor(KindSetup))
}
