package sandbox

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/watzon/funcbox/internal/functions"
)

//go:embed bootstrap/*
var bootstrapFS embed.FS

const (
	sandboxPath    = "/usr/local/bin:/usr/bin:/bin"
	maxStderrBytes = 4096
	waitDelay      = 2 * time.Second
)

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// SubprocessAdapter runs each invocation in a fresh interpreter process
// with a private work directory. Input is written to stdin as JSON and the
// reply is read from stdout.
type SubprocessAdapter struct {
	language  string
	aliases   []string
	command   string
	bootstrap string
	// fileName picks the handler file name for a source.
	fileName func(src functions.Source) string
	// exports reports whether the source statically defines entry.
	exports func(code, entry string) bool
	// raw adapters print the handler's output directly instead of a reply
	// envelope.
	raw bool

	workRoot     string
	pollInterval time.Duration
	isolator     Isolator
}

// SubprocessOptions configure the host side of subprocess adapters.
type SubprocessOptions struct {
	// WorkRoot is the parent of per-invocation directories. Empty means
	// os.TempDir().
	WorkRoot string
	// MemoryPollInterval is how often a handler's RSS is sampled.
	MemoryPollInterval time.Duration
	// Isolator confines sandboxed runs. Nil refuses them.
	Isolator Isolator
}

func (o SubprocessOptions) isolator() Isolator {
	if o.Isolator == nil {
		return Unavailable(errors.New("no isolator configured"))
	}
	return o.Isolator
}

// NewJavaScriptAdapter runs CommonJS or ES module handlers with node.
func NewJavaScriptAdapter(command string, opts SubprocessOptions) *SubprocessAdapter {
	return &SubprocessAdapter{
		language:  "javascript",
		aliases:   []string{"node", "nodejs", "js"},
		command:   command,
		bootstrap: "runner.mjs",
		fileName: func(src functions.Source) string {
			if strings.Contains(src.Code, "module.exports") || strings.Contains(src.Code, "exports.") {
				return "handler.cjs"
			}
			return "handler.mjs"
		},
		exports:      jsExports,
		workRoot:     opts.WorkRoot,
		pollInterval: opts.MemoryPollInterval,
		isolator:     opts.isolator(),
	}
}

// NewPythonAdapter runs module-level functions with python3.
func NewPythonAdapter(command string, opts SubprocessOptions) *SubprocessAdapter {
	return &SubprocessAdapter{
		language:     "python",
		aliases:      []string{"python3", "py"},
		command:      command,
		bootstrap:    "runner.py",
		fileName:     func(functions.Source) string { return "handler.py" },
		exports:      pythonExports,
		workRoot:     opts.WorkRoot,
		pollInterval: opts.MemoryPollInterval,
		isolator:     opts.isolator(),
	}
}

// NewShellAdapter runs shell functions with sh. The function reads its input
// from stdin; stdout is parsed as JSON when possible and returned as a string
// otherwise.
func NewShellAdapter(command string, opts SubprocessOptions) *SubprocessAdapter {
	return &SubprocessAdapter{
		language:     "shell",
		aliases:      []string{"sh", "bash"},
		command:      command,
		bootstrap:    "runner.sh",
		fileName:     func(functions.Source) string { return "handler.sh" },
		exports:      shellExports,
		raw:          true,
		workRoot:     opts.WorkRoot,
		pollInterval: opts.MemoryPollInterval,
		isolator:     opts.isolator(),
	}
}

func (a *SubprocessAdapter) Language() string  { return a.language }
func (a *SubprocessAdapter) Aliases() []string { return a.aliases }

func (a *SubprocessAdapter) ValidateSource(src functions.Source) error {
	if !identPattern.MatchString(src.Handler) {
		return fmt.Errorf("entry point %q is not a valid identifier", src.Handler)
	}
	if !a.exports(src.Code, src.Handler) {
		return fmt.Errorf("entry point %q is not exported by the source", src.Handler)
	}
	return nil
}

// Prepare resolves the interpreter and writes the handler and bootstrap into
// a new work directory.
func (a *SubprocessAdapter) Prepare(_ context.Context, def *functions.Definition, opts PrepareOptions) (Instance, error) {
	binary, err := exec.LookPath(a.command)
	if err != nil {
		return nil, SetupError(err, "%s interpreter %q not found", a.language, a.command)
	}

	dir, err := os.MkdirTemp(a.workRoot, "funcbox-"+def.ID+"-")
	if err != nil {
		return nil, SetupError(err, "creating work directory")
	}

	runner, err := bootstrapFS.ReadFile("bootstrap/" + a.bootstrap)
	if err != nil {
		os.RemoveAll(dir)
		return nil, SetupError(err, "loading %s bootstrap", a.language)
	}

	handlerFile := a.fileName(def.Source)
	files := map[string][]byte{
		a.bootstrap: runner,
		handlerFile: []byte(def.Source.Code),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
			os.RemoveAll(dir)
			return nil, SetupError(err, "writing %s", name)
		}
	}

	iso := hostProcess
	if opts.Sandboxed {
		iso = a.isolator
	}
	root := iso.WorkPath(dir)

	inst := &subprocessInstance{
		adapter:     a,
		iso:         iso,
		binary:      binary,
		dir:         dir,
		args:        []string{filepath.Join(root, a.bootstrap), root, handlerFile, def.Source.Handler},
		memoryLimit: uint64(opts.MemoryMB) * 1024 * 1024,
		functionID:  def.ID,
	}

	if opts.Sandboxed {
		tmp := root
		if root != dir {
			tmp = "/tmp"
		}
		inst.env = []string{
			"PATH=" + sandboxPath,
			"HOME=" + root,
			"TMPDIR=" + tmp,
			"PYTHONDONTWRITEBYTECODE=1",
		}
	} else {
		inst.env = os.Environ()
	}
	for k, v := range def.Metadata.Env {
		inst.env = append(inst.env, k+"="+v)
	}

	return inst, nil
}

type subprocessInstance struct {
	adapter     *SubprocessAdapter
	iso         Isolator
	binary      string
	dir         string
	args        []string
	env         []string
	memoryLimit uint64
	functionID  string
}

type reply struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (i *subprocessInstance) Invoke(ctx context.Context, input map[string]any) (any, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}

	cmd, cleanup, err := i.iso.Command(ctx, &Run{
		Name:     "funcbox-" + uuid.New().String()[:12],
		Language: i.adapter.language,
		Command:  i.adapter.command,
		Binary:   i.binary,
		WorkDir:  i.dir,
		Args:     i.args,
		Env:      i.env,
		MemoryMB: int(i.memoryLimit / (1024 * 1024)),
	})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, SetupError(err, "starting %s", i.adapter.command)
	}

	var exceeded atomic.Bool
	watchCtx, stopWatch := context.WithCancel(ctx)
	if i.memoryLimit > 0 && i.adapter.pollInterval > 0 && !i.iso.LimitsMemory() {
		go i.watchMemory(watchCtx, cmd, &exceeded)
	}

	err = cmd.Wait()
	stopWatch()

	if exceeded.Load() {
		return nil, HandlerError("memory limit of %d MB exceeded", i.memoryLimit/(1024*1024))
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if isolationFailed(i.iso, err) {
		return nil, SetupError(errors.New(tail(stderr.String())), "building %s sandbox", i.iso.Name())
	}

	if i.adapter.raw {
		if err != nil {
			return nil, exitError(err, &stderr)
		}
		return rawOutput(stdout.Bytes()), nil
	}

	var r reply
	if decodeErr := json.Unmarshal(lastLine(stdout.Bytes()), &r); decodeErr != nil {
		if err != nil {
			return nil, exitError(err, &stderr)
		}
		return nil, fmt.Errorf("handler produced no reply: %s", tail(stderr.String()))
	}
	if !r.OK {
		return nil, errors.New(r.Error)
	}

	var output any
	if len(r.Output) > 0 {
		if err := json.Unmarshal(r.Output, &output); err != nil {
			return nil, fmt.Errorf("decoding handler output: %w", err)
		}
	}
	return output, nil
}

func (i *subprocessInstance) watchMemory(ctx context.Context, cmd *exec.Cmd, exceeded *atomic.Bool) {
	proc, err := process.NewProcessWithContext(ctx, int32(cmd.Process.Pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(i.adapter.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := treeRSS(ctx, proc)
			if err != nil {
				return
			}
			if rss > i.memoryLimit {
				exceeded.Store(true)
				log.Warn().
					Str("function_id", i.functionID).
					Uint64("rss_bytes", rss).
					Uint64("limit_bytes", i.memoryLimit).
					Msg("Handler exceeded memory limit")
				killProcessGroup(cmd)
				return
			}
		}
	}
}

// treeRSS sums the resident set of proc and its descendants.
func treeRSS(ctx context.Context, proc *process.Process) (uint64, error) {
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	total := info.RSS

	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		return total, nil
	}
	for _, child := range children {
		if rss, err := treeRSS(ctx, child); err == nil {
			total += rss
		}
	}
	return total, nil
}

func (i *subprocessInstance) Close() error {
	return os.RemoveAll(i.dir)
}

// isolationFailed reports whether the isolator, rather than the handler,
// ended the run.
func isolationFailed(iso Isolator, err error) bool {
	if iso.Name() == "none" {
		return false
	}
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == isolationFailedCode
}

func exitError(err error, stderr *bytes.Buffer) error {
	msg := tail(stderr.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if msg == "" {
			return fmt.Errorf("handler exited with code %d", exitErr.ExitCode())
		}
		return fmt.Errorf("handler exited with code %d: %s", exitErr.ExitCode(), msg)
	}
	return fmt.Errorf("running handler: %w", err)
}

func rawOutput(out []byte) any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil
	}
	var v any
	if json.Valid(trimmed) && json.Unmarshal(trimmed, &v) == nil {
		return v
	}
	return string(trimmed)
}

func lastLine(out []byte) []byte {
	trimmed := bytes.TrimSpace(out)
	if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderrBytes {
		s = s[len(s)-maxStderrBytes:]
	}
	return s
}

func jsExports(code, entry string) bool {
	name := regexp.QuoteMeta(entry)
	patterns := []string{
		`exports\.` + name + `\s*=`,
		`module\.exports\s*=\s*\{[^}]*\b` + name + `\b`,
		`export\s+(async\s+)?function\s*\*?\s*` + name + `\b`,
		`export\s+(const|let|var)\s+` + name + `\b`,
		`export\s*\{[^}]*\b` + name + `\b[^}]*\}`,
	}
	return matchAny(code, patterns)
}

func pythonExports(code, entry string) bool {
	name := regexp.QuoteMeta(entry)
	return matchAny(code, []string{
		`(?m)^(async\s+)?def\s+` + name + `\s*\(`,
		`(?m)^` + name + `\s*=`,
	})
}

func shellExports(code, entry string) bool {
	name := regexp.QuoteMeta(entry)
	return matchAny(code, []string{
		`(?m)^\s*(function\s+)?` + name + `\s*\(\s*\)`,
		`(?m)^\s*function\s+` + name + `\s*\{`,
	})
}

func matchAny(code string, patterns []string) bool {
	for _, p := range patterns {
		if regexp.MustCompile(p).MatchString(code) {
			return true
		}
	}
	return false
}
