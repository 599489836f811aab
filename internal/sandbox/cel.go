package sandbox

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/watzon/funcbox/internal/functions"
)

const celInterruptCheckFrequency = 100

// CELAdapter evaluates handlers written as CEL expressions in-process. A
// source is a YAML map from entry point name to expression; the expression
// sees the invocation input as `input` and the granted environment as `env`.
// CEL has no host access, so every instance is isolated by construction.
type CELAdapter struct {
	env       *cel.Env
	costLimit uint64

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELAdapter creates the adapter. costLimit bounds the work a single
// evaluation may do.
func NewCELAdapter(costLimit uint64) (*CELAdapter, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("env", cel.MapType(cel.StringType, cel.StringType)),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
		ext.Lists(),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	return &CELAdapter{
		env:       env,
		costLimit: costLimit,
		programs:  make(map[string]cel.Program),
	}, nil
}

func (a *CELAdapter) Language() string  { return "cel" }
func (a *CELAdapter) Aliases() []string { return nil }

func (a *CELAdapter) ValidateSource(src functions.Source) error {
	_, err := a.compile(src)
	return err
}

// Prepare returns an instance bound to a compiled program. Programs are
// immutable and cached by digest; each evaluation gets its own activation.
func (a *CELAdapter) Prepare(_ context.Context, def *functions.Definition, _ PrepareOptions) (Instance, error) {
	key := programKey(def.Source)

	a.mu.RLock()
	prg, ok := a.programs[key]
	a.mu.RUnlock()

	if !ok {
		var err error
		if prg, err = a.compile(def.Source); err != nil {
			return nil, SetupError(err, "compiling CEL handler %s", def.Source.Handler)
		}
		a.mu.Lock()
		a.programs[key] = prg
		a.mu.Unlock()
	}

	env := make(map[string]string, len(def.Metadata.Env))
	for k, v := range def.Metadata.Env {
		env[k] = v
	}
	return &celInstance{program: prg, env: env}, nil
}

func programKey(src functions.Source) string {
	if src.Digest != "" {
		return src.Digest + "#" + src.Handler
	}
	return src.Code + "#" + src.Handler
}

func (a *CELAdapter) compile(src functions.Source) (cel.Program, error) {
	var entries map[string]string
	if err := yaml.Unmarshal([]byte(src.Code), &entries); err != nil {
		return nil, fmt.Errorf("CEL source must be a map of entry point to expression: %w", err)
	}

	expr, ok := entries[src.Handler]
	if !ok {
		return nil, fmt.Errorf("entry point %q is not defined", src.Handler)
	}

	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling %s: %w", src.Handler, issues.Err())
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(celInterruptCheckFrequency)}
	if a.costLimit > 0 {
		opts = append(opts, cel.CostLimit(a.costLimit))
	}

	prg, err := a.env.Program(ast, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}
	return prg, nil
}

type celInstance struct {
	program cel.Program
	env     map[string]string
}

var structValueType = reflect.TypeOf(&structpb.Value{})

func (i *celInstance) Invoke(ctx context.Context, input map[string]any) (any, error) {
	out, _, err := i.program.ContextEval(ctx, map[string]any{
		"input": input,
		"env":   i.env,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("handler result of type %s is not JSON-compatible", out.Type().TypeName())
	}
	value, ok := native.(*structpb.Value)
	if !ok {
		return nil, errors.New("handler result is not JSON-compatible")
	}
	return value.AsInterface(), nil
}

func (i *celInstance) Close() error { return nil }
