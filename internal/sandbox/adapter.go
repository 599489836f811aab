package sandbox

import (
	"context"

	"github.com/watzon/funcbox/internal/functions"
)

// Adapter runs definitions written in one source language.
type Adapter interface {
	// Language is the source language this adapter accepts.
	Language() string
	// Aliases lists additional runtime names that select this adapter.
	Aliases() []string
	// ValidateSource statically checks that src exports its handler.
	ValidateSource(src functions.Source) error
	// Prepare builds a fresh, isolated instance for one invocation.
	Prepare(ctx context.Context, def *functions.Definition, opts PrepareOptions) (Instance, error)
}

// PrepareOptions carries per-invocation isolation settings.
type PrepareOptions struct {
	Sandboxed bool
	MemoryMB  int
}

// Instance is a single-use execution context.
type Instance interface {
	// Invoke calls the handler with input. It must return promptly once ctx
	// is cancelled. A returned *Error of kind KindSetup is reported as a
	// platform failure; any other error is a handler failure.
	Invoke(ctx context.Context, input map[string]any) (any, error)
	// Close releases resources. It is called once Invoke has returned.
	Close() error
}
