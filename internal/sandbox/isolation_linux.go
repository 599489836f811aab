//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	// initEnv carries the initSpec to the re-executed binary.
	initEnv = "FUNCBOX_SANDBOX_INIT"
	// initArg0 names the init process in ps output.
	initArg0 = "funcbox-sandbox"
)

// systemPaths are bind-mounted read-only into every sandbox root.
var systemPaths = []string{
	"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/libx32",
	"/etc/ld.so.cache", "/etc/alternatives",
}

// networkPaths are added when handlers may reach the network.
var networkPaths = []string{
	"/etc/resolv.conf", "/etc/hosts", "/etc/nsswitch.conf", "/etc/ssl", "/etc/ca-certificates",
}

// Statfs flags that a bind remount must keep, see statfs(2).
const (
	stNosuid     = 0x2
	stNodev      = 0x4
	stNoexec     = 0x8
	stNoatime    = 0x400
	stNodiratime = 0x800
	stRelatime   = 0x1000
)

// NamespaceIsolator runs handlers in fresh user, mount, pid, ipc, uts and
// network namespaces. The root filesystem is a tmpfs holding read-only
// binds of the system directories, the work directory at /work and a
// private /tmp. The host user maps to root inside the namespace and keeps
// no privileges outside it.
type NamespaceIsolator struct {
	allowNetwork bool
	self         string
}

// NewNamespaceIsolator builds the isolator. Run Check before relying on it.
func NewNamespaceIsolator(allowNetwork bool) *NamespaceIsolator {
	return &NamespaceIsolator{allowNetwork: allowNetwork, self: "/proc/self/exe"}
}

func (n *NamespaceIsolator) Name() string           { return "namespace" }
func (n *NamespaceIsolator) WorkPath(string) string { return workMount }
func (n *NamespaceIsolator) LimitsMemory() bool     { return false }

type initSpec struct {
	Root   string   `json:"root"`
	Work   string   `json:"work"`
	Binds  []string `json:"binds"`
	Binary string   `json:"binary"`
	Args   []string `json:"args"`
	Env    []string `json:"env"`
	// Check builds the root and exits without running anything.
	Check bool `json:"check,omitempty"`
}

func (n *NamespaceIsolator) Command(ctx context.Context, run *Run) (*exec.Cmd, func(), error) {
	binary, err := filepath.EvalSymlinks(run.Binary)
	if err != nil {
		return nil, nil, SetupError(err, "resolving %s", run.Binary)
	}

	root, err := os.MkdirTemp(filepath.Dir(run.WorkDir), "funcbox-root-")
	if err != nil {
		return nil, nil, SetupError(err, "creating sandbox root")
	}
	cleanup := func() { os.RemoveAll(root) }

	spec := initSpec{
		Root:   root,
		Work:   run.WorkDir,
		Binds:  n.binds(binary),
		Binary: binary,
		Args:   append([]string{filepath.Base(run.Command)}, run.Args...),
		Env:    run.Env,
	}
	cmd, err := n.command(ctx, spec)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return cmd, cleanup, nil
}

// binds lists the host paths mounted into the root. The interpreter's own
// directory is added when it lives outside the system directories.
func (n *NamespaceIsolator) binds(binary string) []string {
	paths := append([]string(nil), systemPaths...)
	if n.allowNetwork {
		paths = append(paths, networkPaths...)
	}
	if binary == "" {
		return paths
	}
	dir := filepath.Dir(binary)
	for _, p := range paths {
		if dir == p || strings.HasPrefix(dir, p+"/") {
			return paths
		}
	}
	// Interpreters installed under a prefix like /opt/python keep their
	// libraries next to the bin directory.
	return append(paths, filepath.Dir(dir))
}

func (n *NamespaceIsolator) command(ctx context.Context, spec initSpec) (*exec.Cmd, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, SetupError(err, "encoding sandbox spec")
	}

	cmd := exec.CommandContext(ctx, n.self)
	cmd.Args = []string{initArg0}
	cmd.Env = []string{initEnv + "=" + string(raw)}

	flags := syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	if !n.allowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:                 uintptr(flags),
		UidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings:                []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
		Pdeathsig:                  syscall.SIGKILL,
	}
	return cmd, nil
}

// Check builds a throwaway sandbox root to confirm the kernel allows
// unprivileged namespaces here.
func (n *NamespaceIsolator) Check() error {
	work, err := os.MkdirTemp("", "funcbox-check-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(work)
	root, err := os.MkdirTemp("", "funcbox-root-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd, err := n.command(ctx, initSpec{Root: root, Work: work, Binds: n.binds(""), Check: true})
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func init() {
	raw, ok := os.LookupEnv(initEnv)
	if !ok {
		return
	}
	os.Exit(sandboxInit(raw))
}

// sandboxInit runs as pid 1 of the new namespaces. It only returns when
// building the root or exec fails.
func sandboxInit(raw string) int {
	var spec initSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return initFailed(fmt.Errorf("decoding spec: %w", err))
	}
	if err := buildRoot(&spec); err != nil {
		return initFailed(err)
	}
	if spec.Check {
		return 0
	}
	err := syscall.Exec(spec.Binary, spec.Args, spec.Env)
	return initFailed(fmt.Errorf("exec %s: %w", spec.Binary, err))
}

func initFailed(err error) int {
	fmt.Fprintf(os.Stderr, "funcbox sandbox: %v\n", err)
	return isolationFailedCode
}

func buildRoot(spec *initSpec) error {
	if err := syscall.Mount("", "/", "", syscall.MS_REC|syscall.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	if err := syscall.Mount("tmpfs", spec.Root, "tmpfs", syscall.MS_NOSUID|syscall.MS_NODEV, "size=16m,mode=0755"); err != nil {
		return fmt.Errorf("mounting root: %w", err)
	}

	for _, p := range spec.Binds {
		if err := bindReadOnly(p, filepath.Join(spec.Root, p)); err != nil {
			return err
		}
	}

	work := filepath.Join(spec.Root, workMount)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return err
	}
	if err := syscall.Mount(spec.Work, work, "", syscall.MS_BIND, ""); err != nil {
		return fmt.Errorf("mounting work directory: %w", err)
	}

	tmp := filepath.Join(spec.Root, "tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return err
	}
	if err := syscall.Mount("tmpfs", tmp, "tmpfs", syscall.MS_NOSUID|syscall.MS_NODEV, "size=64m,mode=1777"); err != nil {
		return fmt.Errorf("mounting /tmp: %w", err)
	}

	for _, dev := range []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"} {
		bindDevice(dev, filepath.Join(spec.Root, dev))
	}

	proc := filepath.Join(spec.Root, "proc")
	if err := os.MkdirAll(proc, 0o555); err != nil {
		return err
	}
	// Fails when the host masks /proc, handlers work without it.
	_ = syscall.Mount("proc", proc, "proc", syscall.MS_NOSUID|syscall.MS_NODEV|syscall.MS_NOEXEC, "")

	old := filepath.Join(spec.Root, ".old")
	if err := os.Mkdir(old, 0o700); err != nil {
		return err
	}
	if err := syscall.PivotRoot(spec.Root, old); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := syscall.Unmount("/.old", syscall.MNT_DETACH); err != nil {
		return fmt.Errorf("detaching host root: %w", err)
	}
	_ = os.Remove("/.old")
	_ = syscall.Mount("", "/", "", syscall.MS_REMOUNT|syscall.MS_RDONLY|syscall.MS_NOSUID|syscall.MS_NODEV, "")
	_ = syscall.Sethostname([]byte("funcbox"))

	return os.Chdir(workMount)
}

func bindReadOnly(src, target string) error {
	info, err := os.Lstat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		link, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(link, target)
	}

	if info.IsDir() {
		err = os.MkdirAll(target, 0o755)
	} else {
		err = os.WriteFile(target, nil, 0o644)
	}
	if err != nil {
		return err
	}

	if err := syscall.Mount(src, target, "", syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
		return fmt.Errorf("binding %s: %w", src, err)
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(src, &st); err != nil {
		return err
	}
	flags := uintptr(syscall.MS_BIND|syscall.MS_REMOUNT|syscall.MS_RDONLY) | lockedFlags(int64(st.Flags))
	if err := syscall.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remounting %s read-only: %w", src, err)
	}
	return nil
}

// lockedFlags returns the mount flags a user namespace may not clear on a
// bind remount.
func lockedFlags(f int64) uintptr {
	var m uintptr
	if f&stNosuid != 0 {
		m |= syscall.MS_NOSUID
	}
	if f&stNodev != 0 {
		m |= syscall.MS_NODEV
	}
	if f&stNoexec != 0 {
		m |= syscall.MS_NOEXEC
	}
	if f&stNoatime != 0 {
		m |= syscall.MS_NOATIME
	}
	if f&stNodiratime != 0 {
		m |= syscall.MS_NODIRATIME
	}
	if f&stRelatime != 0 {
		m |= syscall.MS_RELATIME
	}
	return m
}

func bindDevice(src, target string) {
	if err := os.WriteFile(target, nil, 0o666); err != nil {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return
		}
		if err := os.WriteFile(target, nil, 0o666); err != nil {
			return
		}
	}
	_ = syscall.Mount(src, target, "", syscall.MS_BIND, "")
}
