package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/watzon/funcbox/internal/config"
)

const (
	// containerLabelKey marks containers started by funcbox.
	containerLabelKey = "io.funcbox.managed"
	// containerLanguageLabel records the handler language.
	containerLanguageLabel = "io.funcbox.language"
	// containerKillTimeout bounds the runtime kill issued on timeout.
	containerKillTimeout = 10 * time.Second
)

// ContainerIsolator runs each invocation in a throwaway Docker or Podman
// container with no network, a read-only root, all capabilities dropped
// and the work directory mounted read-only at /work.
type ContainerIsolator struct {
	runtime      string
	images       map[string]string
	pidsLimit    int
	allowNetwork bool
}

// NewContainerIsolator builds the isolator. Run Check before relying on it.
func NewContainerIsolator(cfg config.ContainerConfig, allowNetwork bool) *ContainerIsolator {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = config.DefaultContainerRuntime
	}
	return &ContainerIsolator{
		runtime:      runtime,
		images:       cfg.Images,
		pidsLimit:    cfg.PidsLimit,
		allowNetwork: allowNetwork,
	}
}

func (c *ContainerIsolator) Name() string           { return "container" }
func (c *ContainerIsolator) WorkPath(string) string { return workMount }
func (c *ContainerIsolator) LimitsMemory() bool     { return true }

// Check verifies the runtime binary exists and its daemon answers.
func (c *ContainerIsolator) Check() error {
	if _, err := exec.LookPath(c.runtime); err != nil {
		return fmt.Errorf("container runtime %q not found: %w", c.runtime, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.runtime, "version").CombinedOutput() //nolint:gosec // Runtime is controlled by config
	if err != nil {
		return fmt.Errorf("container runtime %q not available: %w: %s", c.runtime, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *ContainerIsolator) Command(ctx context.Context, run *Run) (*exec.Cmd, func(), error) {
	image := c.images[run.Language]
	if image == "" {
		return nil, nil, SetupError(nil, "no container image configured for %s", run.Language)
	}

	cmd := exec.CommandContext(ctx, c.runtime, c.runArgs(run, image)...) //nolint:gosec // Runtime is controlled by config
	// The runtime CLI needs DOCKER_HOST and friends; the handler only sees
	// what runArgs passes with -e.
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		c.kill(run.Name)
		return cmd.Process.Kill()
	}

	log.Debug().
		Str("runtime", c.runtime).
		Str("image", image).
		Str("container", run.Name).
		Msg("Starting handler container")

	return cmd, func() {}, nil
}

// runArgs builds the run command line. The container runs as the host user
// so it can read the work directory without loosening its permissions.
func (c *ContainerIsolator) runArgs(run *Run, image string) []string {
	network := "none"
	if c.allowNetwork {
		network = "bridge"
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", run.Name,
		"--label", containerLabelKey + "=true",
		"--label", containerLanguageLabel + "=" + run.Language,
		"--network", network,
		"--read-only",
		"--tmpfs", "/tmp:rw,nosuid,nodev,size=64m",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"-v", run.WorkDir + ":" + workMount + ":ro",
		"-w", workMount,
	}
	if c.pidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(c.pidsLimit))
	}
	if run.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", run.MemoryMB))
	}
	for _, kv := range run.Env {
		args = append(args, "-e", kv)
	}

	args = append(args, image, filepath.Base(run.Command))
	return append(args, run.Args...)
}

// kill stops a container whose CLI process is about to be killed. Killing
// the CLI alone leaves the container running.
func (c *ContainerIsolator) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerKillTimeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, c.runtime, "kill", name).CombinedOutput(); err != nil { //nolint:gosec // Runtime is controlled by config
		log.Debug().Err(err).Str("container", name).Str("output", strings.TrimSpace(string(out))).Msg("Killing handler container")
	}
}
