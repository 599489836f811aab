package sandbox

import (
	"fmt"

	"github.com/watzon/funcbox/internal/config"
)

// New builds an executor with every built-in adapter. Subprocess adapters are
// registered even when their interpreter or isolation is missing; invoking
// one then fails with a SandboxSetupError.
func New(fcfg config.FunctionsConfig, scfg config.SandboxConfig) (*Executor, error) {
	celAdapter, err := NewCELAdapter(scfg.CELCostLimit)
	if err != nil {
		return nil, fmt.Errorf("creating CEL adapter: %w", err)
	}

	isolator, err := NewIsolator(scfg)
	if err != nil {
		return nil, err
	}

	opts := SubprocessOptions{
		WorkRoot:           scfg.WorkDir,
		MemoryPollInterval: scfg.MemoryPollInterval,
		Isolator:           isolator,
	}

	return NewExecutor(
		Config{
			DefaultTimeout: fcfg.DefaultTimeout,
			MaxTimeout:     fcfg.MaxTimeout,
			MaxInputBytes:  fcfg.MaxInputBytes,
		},
		celAdapter,
		NewJavaScriptAdapter(scfg.NodeCommand, opts),
		NewPythonAdapter(scfg.PythonCommand, opts),
		NewShellAdapter(scfg.ShellCommand, opts),
		NewWASMAdapter(scfg.AllowNetwork),
	), nil
}
