// Package triggers decides when functions run in response to events and
// schedules.
package triggers

import (
	"context"
	"time"
)

// Kind distinguishes event triggers from schedule triggers.
type Kind string

const (
	KindEvent    Kind = "event"
	KindSchedule Kind = "schedule"
)

// State is the evaluation state of a registered trigger. A trigger moves
// Registered -> Evaluating -> Fired|Skipped and back to Registered.
type State string

const (
	StateRegistered State = "registered"
	StateEvaluating State = "evaluating"
	StateFired      State = "fired"
	StateSkipped    State = "skipped"
)

// Skip reasons reported in Outcome.Reason.
const (
	ReasonFiltered  = "filtered"
	ReasonError     = "error"
	ReasonDuplicate = "duplicate"
)

// Trigger is an *EventTrigger or a *ScheduleTrigger.
type Trigger interface {
	TriggerKind() Kind
}

// Config is what an event handler decides for one event. A nil Filter
// means fire.
type Config struct {
	Filter  *bool
	Context map[string]any
}

// Fire returns a Config that fires with the given context.
func Fire(values map[string]any) Config {
	yes := true
	return Config{Filter: &yes, Context: values}
}

// Skip returns a Config that does not fire.
func Skip() Config {
	no := false
	return Config{Filter: &no}
}

// Handler inspects an event and decides whether and how to fire.
type Handler func(e *Event) (Config, error)

// RetryPolicy re-dispatches a fired trigger whose execution failed or timed
// out. Each attempt is a separate execution.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
}

const (
	defaultRetryDelay = time.Second
	// MaxRetryAttempts bounds RetryPolicy.MaxAttempts.
	MaxRetryAttempts = 10
	// maxRetryDelay caps a single backoff wait.
	maxRetryDelay = time.Hour
)

// backoff returns the delay before attempt (2 is the first retry). It
// doubles per attempt up to maxRetryDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultRetryDelay
	}
	if base >= maxRetryDelay {
		return maxRetryDelay
	}
	delay := base
	for i := 2; i < attempt; i++ {
		if delay >= maxRetryDelay/2 {
			return maxRetryDelay
		}
		delay *= 2
	}
	return delay
}

// EventTrigger fires a function when an <Object>.<action> event matches.
type EventTrigger struct {
	ID         string      `json:"id"`
	FunctionID string      `json:"function_id"`
	Version    string      `json:"version,omitempty"`
	Object     string      `json:"object"`
	Action     string      `json:"action"`
	Handler    Handler     `json:"-"`
	Filter     string      `json:"filter,omitempty"`
	Context    string      `json:"context,omitempty"`
	Retry      RetryPolicy `json:"retry"`
}

func (t *EventTrigger) TriggerKind() Kind { return KindEvent }

// Options refine a semantic schedule interval.
type Options struct {
	// Day is a weekday name for $.Weekly, 1-31 for $.Monthly and MM-DD for
	// $.Yearly.
	Day string `json:"day,omitempty"`
	// Time is HH:MM. $.Hourly uses only the minutes.
	Time string `json:"time,omitempty"`
	// Timezone is an IANA name.
	Timezone string `json:"timezone,omitempty"`
}

// ScheduleTrigger fires a function on a cron expression or a semantic
// interval such as $.Daily.
type ScheduleTrigger struct {
	ID         string         `json:"id"`
	FunctionID string         `json:"function_id"`
	Version    string         `json:"version,omitempty"`
	Schedule   string         `json:"schedule"`
	Options    Options        `json:"options"`
	Input      map[string]any `json:"input,omitempty"`
	Retry      RetryPolicy    `json:"retry"`
}

func (t *ScheduleTrigger) TriggerKind() Kind { return KindSchedule }

// Invocation is a request to run a function on behalf of a trigger.
type Invocation struct {
	TriggerID  string
	Kind       Kind
	FunctionID string
	Version    string
	Input      map[string]any
	Attempt    int
	RequestID  string
}

// DispatchResult describes the execution a dispatch produced.
type DispatchResult struct {
	ExecutionID string
	Status      string
}

func (r *DispatchResult) retryable() bool {
	return r != nil && (r.Status == "failed" || r.Status == "timed_out")
}

// Dispatcher runs invocations.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) (*DispatchResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, inv Invocation) (*DispatchResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, inv Invocation) (*DispatchResult, error) {
	return f(ctx, inv)
}

// Outcome reports what one trigger did for one event or occurrence.
type Outcome struct {
	TriggerID   string     `json:"trigger_id"`
	Kind        Kind       `json:"kind"`
	FunctionID  string     `json:"function_id"`
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	Occurrence  *time.Time `json:"occurrence,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Status      string     `json:"status,omitempty"`
	Error       string     `json:"error,omitempty"`
	Err         error      `json:"-"`
}

// Fired reports whether the trigger dispatched an invocation.
func (o Outcome) Fired() bool { return o.State == StateFired }

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
