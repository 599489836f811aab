//go:build !linux

package sandbox

import (
	"context"
	"errors"
	"os/exec"
)

var errNamespacesUnsupported = errors.New("namespace isolation requires linux")

// NamespaceIsolator is only available on linux.
type NamespaceIsolator struct{}

func NewNamespaceIsolator(bool) *NamespaceIsolator { return &NamespaceIsolator{} }

func (n *NamespaceIsolator) Name() string           { return "namespace" }
func (n *NamespaceIsolator) WorkPath(string) string { return workMount }
func (n *NamespaceIsolator) LimitsMemory() bool     { return false }
func (n *NamespaceIsolator) Check() error           { return errNamespacesUnsupported }

func (n *NamespaceIsolator) Command(context.Context, *Run) (*exec.Cmd, func(), error) {
	return nil, nil, SetupError(errNamespacesUnsupported, "building sandbox")
}
