package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/config"
)

const (
	// workMount is where the work directory appears inside an isolated run.
	workMount = "/work"
	// isolationFailedCode is the exit status of a run whose sandbox could
	// not be built. Docker and podman use the same code.
	isolationFailedCode = 125
)

// Run describes one sandboxed interpreter process.
type Run struct {
	// Name is unique per invocation.
	Name string
	// Language selects per-language settings such as container images.
	Language string
	// Command is the interpreter as configured, e.g. python3.
	Command string
	// Binary is Command resolved on the host.
	Binary string
	// WorkDir is the host path of the private work directory.
	WorkDir string
	// Args follow the interpreter and already use Isolator.WorkPath.
	Args     []string
	Env      []string
	MemoryMB int
}

// Isolator confines a sandboxed handler process. Handlers see only their
// work directory and the interpreter's read-only system files, and have no
// network unless sandbox.allow_network grants it.
type Isolator interface {
	Name() string
	// WorkPath maps the host work directory to the path the handler sees.
	WorkPath(hostDir string) string
	// Command builds the process for run. The caller sets stdio, starts it
	// and calls cleanup once it has exited.
	Command(ctx context.Context, run *Run) (cmd *exec.Cmd, cleanup func(), err error)
	// LimitsMemory reports whether the isolator enforces MemoryMB itself.
	LimitsMemory() bool
}

// NoIsolation runs handlers as plain host processes inside their work
// directory. It is used when sandbox.isolation is none.
func NoIsolation() Isolator { return noIsolation{chdir: true} }

// hostProcess runs handlers that opted out of the sandbox. They keep the
// host working directory.
var hostProcess Isolator = noIsolation{}

type noIsolation struct{ chdir bool }

func (noIsolation) Name() string                   { return "none" }
func (noIsolation) WorkPath(hostDir string) string { return hostDir }
func (noIsolation) LimitsMemory() bool             { return false }

func (n noIsolation) Command(ctx context.Context, run *Run) (*exec.Cmd, func(), error) {
	cmd := exec.CommandContext(ctx, run.Binary, run.Args...)
	if n.chdir {
		cmd.Dir = run.WorkDir
	}
	cmd.Env = run.Env
	return cmd, func() {}, nil
}

// Unavailable fails every sandboxed run with a SandboxSetupError. Handlers
// never fall back to running unisolated.
func Unavailable(reason error) Isolator { return unavailable{reason: reason} }

type unavailable struct{ reason error }

func (u unavailable) Name() string                   { return "unavailable" }
func (u unavailable) WorkPath(hostDir string) string { return hostDir }
func (u unavailable) LimitsMemory() bool             { return false }

func (u unavailable) Command(context.Context, *Run) (*exec.Cmd, func(), error) {
	return nil, nil, SetupError(u.reason, "no sandbox isolation available (set sandbox.isolation to none to run handlers unisolated)")
}

// NewIsolator builds the isolator selected by cfg.Isolation. With auto it
// prefers namespaces, then a container runtime, and otherwise returns an
// isolator that refuses sandboxed runs.
func NewIsolator(cfg config.SandboxConfig) (Isolator, error) {
	switch cfg.Isolation {
	case "none":
		log.Warn().Msg("Sandbox isolation disabled, handlers run as host processes")
		return NoIsolation(), nil
	case "namespace":
		iso := NewNamespaceIsolator(cfg.AllowNetwork)
		if err := iso.Check(); err != nil {
			return nil, fmt.Errorf("namespace isolation unavailable: %w", err)
		}
		return iso, nil
	case "container":
		iso := NewContainerIsolator(cfg.Container, cfg.AllowNetwork)
		if err := iso.Check(); err != nil {
			return nil, fmt.Errorf("container isolation unavailable: %w", err)
		}
		return iso, nil
	case "auto", "":
		return DetectIsolator(cfg), nil
	default:
		return nil, fmt.Errorf("unknown isolation %q", cfg.Isolation)
	}
}

// DetectIsolator returns the first working isolation mechanism.
func DetectIsolator(cfg config.SandboxConfig) Isolator {
	ns := NewNamespaceIsolator(cfg.AllowNetwork)
	nsErr := ns.Check()
	if nsErr == nil {
		log.Info().Str("isolation", ns.Name()).Msg("Sandbox isolation ready")
		return ns
	}

	ctr := NewContainerIsolator(cfg.Container, cfg.AllowNetwork)
	ctrErr := ctr.Check()
	if ctrErr == nil {
		log.Info().Str("isolation", ctr.Name()).Str("runtime", cfg.Container.Runtime).Msg("Sandbox isolation ready")
		return ctr
	}

	err := errors.Join(nsErr, ctrErr)
	log.Warn().Err(err).Msg("No sandbox isolation available, sandboxed subprocess handlers will fail")
	return Unavailable(err)
}
