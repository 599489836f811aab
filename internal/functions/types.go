// Package functions holds the versioned function registry.
package functions

import (
	"maps"
	"slices"
	"time"
)

// Status describes a registered version relative to its siblings.
type Status string

const (
	// StatusActive marks the highest registered version of a function.
	StatusActive Status = "active"
	// StatusSuperseded marks a retained older version.
	StatusSuperseded Status = "superseded"
)

// Definition is an immutable, versioned function.
type Definition struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
	Source   Source   `json:"source"`
}

// Metadata describes a definition and its resource limits.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version"`
	Author      string   `json:"author,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	// Runtime selects the language adapter. Defaults to the source language.
	Runtime string `json:"runtime"`
	// Timeout in seconds.
	Timeout int `json:"timeout"`
	// Memory ceiling in MB.
	Memory int `json:"memory"`
	// Env holds variables granted to the handler when sandboxed.
	Env       map[string]string `json:"env,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Source is the handler code and its entry point.
type Source struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Handler  string `json:"handler"`
	// Digest is the BLAKE2b-256 hex digest of Code, set on registration.
	Digest string `json:"digest,omitempty"`
}

// Registered is a stored definition together with its status.
type Registered struct {
	Definition *Definition `json:"definition"`
	Status     Status      `json:"status"`
}

// Head points at the highest version of a function. Revision increases on
// every registration and is the compare-and-swap token for the next one.
type Head struct {
	ID        string
	Version   string
	Revision  int64
	CreatedAt time.Time
}

// TimeoutDuration returns the declared timeout as a duration.
func (d *Definition) TimeoutDuration() time.Duration {
	return time.Duration(d.Metadata.Timeout) * time.Second
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	c := *d
	c.Metadata.Tags = slices.Clone(d.Metadata.Tags)
	c.Metadata.Env = maps.Clone(d.Metadata.Env)
	return &c
}
