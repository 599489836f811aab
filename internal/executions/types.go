// Package executions records the lifecycle of function executions.
package executions

import (
	"encoding/json"
	"time"
)

// Status is the state of an execution record.
type Status string

const (
	// StatusPending marks a started execution. Pending records are internal
	// and hidden from the public read paths.
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusRejected:
		return true
	default:
		return false
	}
}

// Trigger types recorded on executions.
const (
	TriggerDirect   = "direct"
	TriggerHTTP     = "http"
	TriggerEvent    = "event"
	TriggerSchedule = "schedule"
)

// ErrorInfo is the classified failure of an execution.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Record is one execution of one function version.
type Record struct {
	ExecutionID     string          `json:"execution_id"`
	FunctionID      string          `json:"function_id"`
	FunctionVersion string          `json:"function_version"`
	TriggerType     string          `json:"trigger_type"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	RequestID       string          `json:"request_id,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Status          Status          `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	DurationMs      *int64          `json:"duration_ms,omitempty"`
}

// Start describes an execution about to run.
type Start struct {
	FunctionID      string
	FunctionVersion string
	Input           any
	TriggerType     string
	TriggerID       string
	RequestID       string
}

// Outcome is the terminal result of an execution. Output is recorded only
// for StatusSucceeded and Error only for the other terminal statuses.
type Outcome struct {
	Status Status
	Output any
	Error  *ErrorInfo
	// StartedAt and FinishedAt bound the handler invocation. A zero
	// StartedAt keeps the time recorded by RecordStart; a zero FinishedAt
	// means now.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Filter narrows List results.
type Filter struct {
	FunctionID     string
	Status         Status
	TriggerType    string
	TriggerID      string
	IncludePending bool
	Limit          int
	Offset         int
}
