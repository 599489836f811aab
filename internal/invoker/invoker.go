// Package invoker runs registered functions and records their executions.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/watzon/funcbox/internal/executions"
	"github.com/watzon/funcbox/internal/functions"
	"github.com/watzon/funcbox/internal/metrics"
	"github.com/watzon/funcbox/internal/requestctx"
	"github.com/watzon/funcbox/internal/sandbox"
	"github.com/watzon/funcbox/internal/triggers"
)

// ErrFunctionNotFound is returned when no registered version matches.
var ErrFunctionNotFound = errors.New("function not found")

// Registry resolves function definitions.
type Registry interface {
	Get(ctx context.Context, id, version string) (*functions.Registered, error)
}

// Executor runs a definition in a sandbox.
type Executor interface {
	Execute(ctx context.Context, def *functions.Definition, input any, opts sandbox.Options) (*sandbox.Result, error)
}

// Tracker records execution lifecycles.
type Tracker interface {
	RecordStart(ctx context.Context, start executions.Start) (string, error)
	RecordFinish(ctx context.Context, executionID string, outcome executions.Outcome) (*executions.Record, error)
}

// Trigger identifies what caused an execution.
type Trigger struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Options tune one invocation. Timeout is in seconds.
type Options struct {
	Sandbox *bool   `json:"sandbox,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`
}

func (o Options) toSandbox() sandbox.Options {
	opts := sandbox.Options{Sandbox: o.Sandbox}
	// Negative values pass through so the executor rejects them.
	if o.Timeout != 0 {
		opts.Timeout = time.Duration(o.Timeout * float64(time.Second))
	}
	return opts
}

// Request is one invocation of a function.
type Request struct {
	Params  any     `json:"params"`
	Options Options `json:"options"`
	// Version pins a registered version. Empty selects the latest.
	Version   string  `json:"version,omitempty"`
	Trigger   Trigger `json:"trigger"`
	RequestID string  `json:"-"`
}

// ErrorInfo is the classified failure of an invocation.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Execution identifies the recorded execution behind a Result.
type Execution struct {
	ExecutionID string            `json:"executionId"`
	Duration    int64             `json:"duration"`
	Status      executions.Status `json:"status"`
	Version     string            `json:"version"`
}

// Result is the response to an invocation.
type Result struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Execution Execution  `json:"execution"`
}

// Service ties the registry, the sandbox executor and the execution tracker
// together.
type Service struct {
	registry Registry
	executor Executor
	tracker  Tracker
	tracer   trace.Tracer
}

// New creates an invocation service.
func New(registry Registry, executor Executor, tracker Tracker) *Service {
	return &Service{
		registry: registry,
		executor: executor,
		tracker:  tracker,
		tracer:   otel.Tracer("github.com/watzon/funcbox/internal/invoker"),
	}
}

// Execute resolves functionID, runs it and records the execution. Handler
// failures, timeouts and rejected input are reported in the Result with a
// nil error. A sandbox setup failure returns both the Result and the
// *sandbox.Error. An unknown function returns ErrFunctionNotFound and
// records nothing.
func (s *Service) Execute(ctx context.Context, functionID string, req Request) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "function.execute", trace.WithAttributes(
		attribute.String("function.id", functionID),
		attribute.String("trigger.type", req.Trigger.Type),
	))
	defer span.End()

	reg, err := s.registry.Get(ctx, functionID, req.Version)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolving function: %w", err)
	}
	if reg == nil {
		span.SetStatus(codes.Error, "not found")
		if req.Version != "" {
			return nil, fmt.Errorf("%w: %s@%s", ErrFunctionNotFound, functionID, req.Version)
		}
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, functionID)
	}
	def := reg.Definition
	span.SetAttributes(attribute.String("function.version", def.Metadata.Version))

	requestID := req.RequestID
	if requestID == "" {
		requestID = requestctx.RequestID(ctx)
	}
	triggerType := req.Trigger.Type
	if triggerType == "" {
		triggerType = executions.TriggerDirect
	}

	executionID, err := s.tracker.RecordStart(ctx, executions.Start{
		FunctionID:      def.ID,
		FunctionVersion: def.Metadata.Version,
		Input:           req.Params,
		TriggerType:     triggerType,
		TriggerID:       req.Trigger.ID,
		RequestID:       requestID,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("recording execution start: %w", err)
	}
	span.SetAttributes(attribute.String("execution.id", executionID))

	res, setupErr := s.executor.Execute(ctx, def, req.Params, req.Options.toSandbox())
	if res == nil {
		// Executors always describe the failure; guard against ones that don't.
		res = &sandbox.Result{Status: sandbox.StatusFailed, Error: sandbox.SetupError(setupErr, "executor returned no result")}
	}

	outcome := executions.Outcome{
		Status:     executions.Status(res.Status),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.Success() {
		outcome.Output = res.Output
	} else if res.Error != nil {
		outcome.Error = &executions.ErrorInfo{Kind: string(res.Error.Kind), Message: res.Error.Message}
	}

	durationMs := res.Duration.Milliseconds()
	rec, err := s.tracker.RecordFinish(context.WithoutCancel(ctx), executionID, outcome)
	if err != nil {
		log.Error().
			Err(err).
			Str("execution_id", executionID).
			Str("function_id", def.ID).
			Msg("Failed to record execution finish")
	} else if rec.DurationMs != nil {
		durationMs = *rec.DurationMs
	}

	metrics.RecordFunctionInvocation(def.ID, def.Metadata.Runtime, string(res.Status), res.Duration)
	if setupErr != nil {
		metrics.RecordSandboxSetupFailure(def.Metadata.Runtime)
		span.SetStatus(codes.Error, setupErr.Error())
	}
	span.SetAttributes(attribute.String("execution.status", string(res.Status)))

	result := &Result{
		Success: res.Success(),
		Execution: Execution{
			ExecutionID: executionID,
			Duration:    durationMs,
			Status:      outcome.Status,
			Version:     def.Metadata.Version,
		},
	}
	if res.Success() {
		result.Data = res.Output
	} else if res.Error != nil {
		result.Error = &ErrorInfo{Kind: string(res.Error.Kind), Message: res.Error.Message}
	}

	event := log.Debug()
	if !res.Success() {
		event = log.Info().Str("error_kind", result.Error.Kind)
	}
	event.
		Str("function", def.ID).
		Str("version", def.Metadata.Version).
		Str("execution_id", executionID).
		Str("request_id", requestID).
		Str("trigger", triggerType).
		Int64("duration_ms", durationMs).
		Msg("Function executed")

	if setupErr != nil {
		return result, setupErr
	}
	return result, nil
}

// Dispatch runs a trigger invocation. It satisfies triggers.Dispatcher.
func (s *Service) Dispatch(ctx context.Context, inv triggers.Invocation) (*triggers.DispatchResult, error) {
	res, err := s.Execute(ctx, inv.FunctionID, Request{
		Params:    inv.Input,
		Version:   inv.Version,
		Trigger:   Trigger{Type: string(inv.Kind), ID: inv.TriggerID},
		RequestID: inv.RequestID,
	})
	if res == nil {
		return nil, err
	}
	return &triggers.DispatchResult{ExecutionID: res.Execution.ExecutionID, Status: string(res.Execution.Status)}, err
}

var _ triggers.Dispatcher = (*Service)(nil)

