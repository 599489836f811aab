package triggers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	// ErrInvalidExpression is returned when a filter or context expression
	// does not compile.
	ErrInvalidExpression = errors.New("invalid trigger expression")

	structValueType = reflect.TypeOf(&structpb.Value{})
)

// exprEnv compiles trigger filters and context expressions. Expressions see
// the payload as `event` (written $), and the event's `object` and `action`.
type exprEnv struct {
	env *cel.Env
}

func newExprEnv() (*exprEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("object", cel.StringType),
		cel.Variable("action", cel.StringType),
		ext.Strings(),
		ext.Math(),
		ext.Lists(),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &exprEnv{env: env}, nil
}

func (x *exprEnv) compile(expr string) (cel.Program, error) {
	ast, issues := x.env.Compile(rewriteDollar(expr))
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, issues.Err())
	}
	prg, err := x.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}
	return prg, nil
}

func activation(e *Event) map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"event":  payload,
		"object": e.Object,
		"action": e.Action,
	}
}

func evalFilter(ctx context.Context, prg cel.Program, e *Event) (bool, error) {
	out, _, err := prg.ContextEval(ctx, activation(e))
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %s, want bool", out.Type().TypeName())
	}
	return b, nil
}

func evalContext(ctx context.Context, prg cel.Program, e *Event) (map[string]any, error) {
	out, _, err := prg.ContextEval(ctx, activation(e))
	if err != nil {
		return nil, err
	}
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("context of type %s is not JSON-compatible", out.Type().TypeName())
	}
	value, ok := native.(*structpb.Value)
	if !ok {
		return nil, errors.New("context is not JSON-compatible")
	}
	m, ok := value.AsInterface().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("context returned %s, want map", out.Type().TypeName())
	}
	return m, nil
}

// rewriteDollar replaces $ with the event variable outside string literals.
func rewriteDollar(expr string) string {
	var b strings.Builder
	b.Grow(len(expr) + 8)

	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			b.WriteByte(c)
			if c == '\\' && i+1 < len(expr) {
				i++
				b.WriteByte(expr[i])
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteByte(c)
		case c == '$':
			b.WriteString("event")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
