package sandbox

import "time"

// Status is the terminal state of one execution.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusRejected  Status = "rejected"
)

// StatusFor maps an error kind to the status it produces.
func StatusFor(kind Kind) Status {
	switch kind {
	case KindValidation:
		return StatusRejected
	case KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

// Options tune a single execution.
type Options struct {
	// Sandbox isolates the handler from the host environment. Nil means true.
	Sandbox *bool `json:"sandbox,omitempty"`
	// Timeout overrides the definition's timeout when positive.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Sandboxed reports whether isolation is requested.
func (o Options) Sandboxed() bool {
	return o.Sandbox == nil || *o.Sandbox
}

// Result is the terminal outcome of one execution. Output is set only on
// success and Error only otherwise.
type Result struct {
	Status     Status
	Output     any
	Error      *Error
	StartedAt  time.Time
	FinishedAt time.Time
	// Duration covers the adapter invocation only.
	Duration time.Duration
}

// Success reports whether the handler returned normally.
func (r *Result) Success() bool {
	return r.Status == StatusSucceeded
}
