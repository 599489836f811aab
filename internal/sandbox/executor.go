// Package sandbox runs function handlers in isolated, time-limited contexts.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/functions"
)

// Config bounds executions.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxInputBytes  int
}

// Executor dispatches definitions to language adapters and enforces the
// wall-clock limit.
type Executor struct {
	config    Config
	mu        sync.RWMutex
	adapters  map[string]Adapter
	runtimes  map[string]Adapter
	discarded atomic.Int64
	now       func() time.Time
}

// NewExecutor creates an executor with the given adapters.
func NewExecutor(cfg Config, adapters ...Adapter) *Executor {
	e := &Executor{
		config:   cfg,
		adapters: make(map[string]Adapter),
		runtimes: make(map[string]Adapter),
		now:      time.Now,
	}
	for _, a := range adapters {
		e.Register(a)
	}
	return e
}

// Register adds an adapter, replacing any adapter for the same language.
func (e *Executor) Register(a Adapter) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.adapters[a.Language()] = a
	e.runtimes[a.Language()] = a
	for _, alias := range a.Aliases() {
		e.runtimes[alias] = a
	}
}

// Languages returns the supported source languages, sorted.
func (e *Executor) Languages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	langs := make([]string, 0, len(e.adapters))
	for lang := range e.adapters {
		langs = append(langs, lang)
	}
	slices.Sort(langs)
	return langs
}

// Discarded returns how many handler results arrived after their execution
// had already been finalized.
func (e *Executor) Discarded() int64 {
	return e.discarded.Load()
}

func (e *Executor) adapter(language string) (Adapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[language]
	return a, ok
}

// ValidateSource resolves the adapter for src and checks its entry point.
// It returns the canonical runtime name.
func (e *Executor) ValidateSource(runtime string, src functions.Source) (string, error) {
	a, ok := e.adapter(src.Language)
	if !ok {
		return "", fmt.Errorf("unsupported language %q (supported: %s)",
			src.Language, strings.Join(e.Languages(), ", "))
	}

	if runtime != "" {
		e.mu.RLock()
		selected, known := e.runtimes[strings.ToLower(runtime)]
		e.mu.RUnlock()
		if !known {
			return "", fmt.Errorf("unknown runtime %q", runtime)
		}
		if selected != a {
			return "", fmt.Errorf("runtime %q cannot run %s source", runtime, src.Language)
		}
	}

	if err := a.ValidateSource(src); err != nil {
		return "", err
	}
	return a.Language(), nil
}

// Execute runs def against input. Handler-level failures are reported in
// the result; only a SandboxSetupError is returned as an error, and then the
// result describes the failure as well.
func (e *Executor) Execute(ctx context.Context, def *functions.Definition, input any, opts Options) (*Result, error) {
	args, verr := e.validateInput(input)
	if verr == nil {
		verr = e.validateOptions(opts)
	}
	if verr != nil {
		now := e.now()
		return &Result{Status: StatusRejected, Error: verr, StartedAt: now, FinishedAt: now}, nil
	}

	a, ok := e.adapter(def.Source.Language)
	if !ok {
		serr := SetupError(nil, "no adapter for language %q", def.Source.Language)
		return e.setupFailure(def, serr)
	}

	inst, err := a.Prepare(ctx, def, PrepareOptions{Sandboxed: opts.Sandboxed(), MemoryMB: def.Metadata.Memory})
	if err != nil {
		var serr *Error
		if !errors.As(err, &serr) || serr.Kind != KindSetup {
			serr = SetupError(err, "preparing %s instance", a.Language())
		}
		return e.setupFailure(def, serr)
	}

	return e.run(ctx, def, inst, args, e.timeout(def, opts))
}

func (e *Executor) timeout(def *functions.Definition, opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if d := def.TimeoutDuration(); d > 0 {
		return d
	}
	return e.config.DefaultTimeout
}

type completion struct {
	output any
	err    error
}

// run races the invocation against the timer. finalize is guarded by a
// sync.Once so exactly one of the two paths produces the result.
func (e *Executor) run(ctx context.Context, def *functions.Definition, inst Instance, input map[string]any, timeout time.Duration) (*Result, error) {
	invokeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan completion, 1)

	var (
		once   sync.Once
		result *Result
	)
	finalize := func(r *Result) bool {
		won := false
		once.Do(func() {
			result = r
			won = true
		})
		return won
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	started := e.now()
	go func() {
		defer func() {
			if err := inst.Close(); err != nil {
				log.Warn().Err(err).Str("function_id", def.ID).Msg("Failed to close sandbox instance")
			}
		}()
		done <- invokeSafely(invokeCtx, inst, input)
	}()

	var setupErr *Error

	select {
	case c := <-done:
		finished := e.now()
		var r *Result
		if c.err != nil && ctx.Err() != nil {
			r = cancelled(ctx.Err())
		} else {
			r = e.complete(c)
		}
		r.StartedAt, r.FinishedAt, r.Duration = started, finished, finished.Sub(started)
		if r.Error != nil && r.Error.Kind == KindSetup {
			setupErr = r.Error
		}
		finalize(r)

	case <-timer.C:
		finished := e.now()
		finalize(&Result{
			Status:     StatusTimedOut,
			Error:      &Error{Kind: KindTimeout, Message: fmt.Sprintf("execution exceeded timeout of %s", timeout)},
			StartedAt:  started,
			FinishedAt: finished,
			Duration:   finished.Sub(started),
		})
		cancel()
		go e.discardLate(def, done, finalize)

	case <-ctx.Done():
		finished := e.now()
		r := cancelled(ctx.Err())
		r.StartedAt, r.FinishedAt, r.Duration = started, finished, finished.Sub(started)
		finalize(r)
		cancel()
		go e.discardLate(def, done, finalize)
	}

	if setupErr != nil {
		log.Error().
			Bool("alert", true).
			Str("function_id", def.ID).
			Str("version", def.Metadata.Version).
			Str("error", setupErr.Message).
			Msg("Sandbox setup failed")
		return result, setupErr
	}
	return result, nil
}

// discardLate waits for an abandoned invocation so its goroutine and
// instance are released, and drops whatever it produced.
func (e *Executor) discardLate(def *functions.Definition, done <-chan completion, finalize func(*Result) bool) {
	c := <-done
	if finalize(&Result{Status: StatusSucceeded, Output: c.output}) {
		// Unreachable: the result was finalized before this goroutine started.
		log.Error().Str("function_id", def.ID).Msg("Late result finalized an execution")
		return
	}
	e.discarded.Add(1)
	log.Debug().
		Str("function_id", def.ID).
		Str("version", def.Metadata.Version).
		Bool("errored", c.err != nil).
		Msg("Discarded late handler result")
}

// cancelled describes an execution stopped by the caller's context.
func cancelled(err error) *Result {
	kind, msg := KindHandler, "execution cancelled"
	if errors.Is(err, context.DeadlineExceeded) {
		kind, msg = KindTimeout, "caller deadline exceeded"
	}
	return &Result{Status: StatusFor(kind), Error: &Error{Kind: kind, Message: msg, Err: err}}
}

func invokeSafely(ctx context.Context, inst Instance, input map[string]any) (c completion) {
	defer func() {
		if r := recover(); r != nil {
			c = completion{err: HandlerError("handler panicked: %v", r)}
		}
	}()
	out, err := inst.Invoke(ctx, input)
	return completion{output: out, err: err}
}

func (e *Executor) complete(c completion) *Result {
	if c.err != nil {
		var serr *Error
		if errors.As(c.err, &serr) {
			return &Result{Status: StatusFor(serr.Kind), Error: serr}
		}
		return &Result{Status: StatusFailed, Error: &Error{Kind: KindHandler, Message: c.err.Error(), Err: c.err}}
	}

	output, err := normalizeJSON(c.output)
	if err != nil {
		return &Result{
			Status: StatusFailed,
			Error:  HandlerError("handler returned a value that is not JSON-encodable: %v", err),
		}
	}
	return &Result{Status: StatusSucceeded, Output: output}
}

func (e *Executor) setupFailure(def *functions.Definition, serr *Error) (*Result, error) {
	log.Error().
		Bool("alert", true).
		Str("function_id", def.ID).
		Str("version", def.Metadata.Version).
		Str("language", def.Source.Language).
		Str("error", serr.Message).
		Msg("Sandbox setup failed")

	now := e.now()
	return &Result{Status: StatusFailed, Error: serr, StartedAt: now, FinishedAt: now}, serr
}

// validateInput requires a JSON object within the size limit and returns a
// JSON-native copy of it.
func (e *Executor) validateInput(input any) (map[string]any, *Error) {
	if input == nil {
		return map[string]any{}, nil
	}

	var data []byte
	switch v := input.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("input is not JSON-encodable: %v", err), Err: err}
		}
	}

	if e.config.MaxInputBytes > 0 && len(data) > e.config.MaxInputBytes {
		return nil, &Error{
			Kind:    KindValidation,
			Message: fmt.Sprintf("input is %d bytes, limit is %d", len(data), e.config.MaxInputBytes),
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' {
		return nil, &Error{Kind: KindValidation, Message: "input must be a JSON object"}
	}

	var out map[string]any
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("input is not valid JSON: %v", err), Err: err}
	}
	return out, nil
}

func (e *Executor) validateOptions(opts Options) *Error {
	if opts.Timeout < 0 {
		return &Error{Kind: KindValidation, Message: "timeout must be positive"}
	}
	if e.config.MaxTimeout > 0 && opts.Timeout > e.config.MaxTimeout {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("timeout must not exceed %s", e.config.MaxTimeout)}
	}
	return nil
}

func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
