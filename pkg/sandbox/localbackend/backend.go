// Package localbackend runs sandboxes as host processes confined to
// per-sandbox temporary directories. It is meant for development without a
// provisioning service and offers no isolation beyond the filesystem jail.
package localbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/security"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLifetime   = 5 * time.Minute
	backgroundLogName = "background.log"
)

// ErrUnknownSandbox is returned for commands against an unknown sandbox.
var ErrUnknownSandbox = errors.New("localbackend: unknown sandbox")

// Config configures the backend.
type Config struct {
	// Root is the parent directory for sandbox directories; defaults to os.TempDir().
	Root string
	// Host is the address services bind to; defaults to 127.0.0.1.
	Host   string
	Logger *zap.Logger
}

// Backend implements sandbox.Backend with host processes.
type Backend struct {
	root   string
	host   string
	logger *zap.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// New prepares the root directory.
func New(cfg Config) (*Backend, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		root = filepath.Join(os.TempDir(), "sandboxchat")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("localbackend: create root: %w", err)
	}
	b := &Backend{root: root, host: cfg.Host, logger: cfg.Logger, instances: map[string]*Instance{}}
	if b.host == "" {
		b.host = "127.0.0.1"
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

func (b *Backend) Name() string { return "local" }

// Create makes a sandbox directory. The template is recorded but ignored.
func (b *Backend) Create(_ context.Context, req sandbox.CreateRequest) (sandbox.Instance, error) {
	id := "local-" + uuid.NewString()
	dir, err := os.MkdirTemp(b.root, id+"-")
	if err != nil {
		return nil, fmt.Errorf("localbackend: create sandbox dir: %w", err)
	}
	jail, err := security.NewJail(dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	inst := &Instance{id: id, template: req.Template, host: b.host, jail: jail, procs: map[int]*exec.Cmd{}}
	lifetime := req.Timeout
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	inst.expiry = time.AfterFunc(lifetime, func() {
		b.logger.Info("localbackend sandbox expired", zap.String("sandbox_id", id))
		_ = b.Kill(context.Background(), id)
	})

	b.mu.Lock()
	b.instances[id] = inst
	b.mu.Unlock()
	b.logger.Debug("localbackend sandbox created", zap.String("sandbox_id", id), zap.String("dir", jail.Root()))
	return inst, nil
}

// Kill stops every process of the sandbox and removes its directory.
func (b *Backend) Kill(_ context.Context, sandboxID string) error {
	b.mu.Lock()
	inst, ok := b.instances[sandboxID]
	delete(b.instances, sandboxID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	inst.close()
	if err := os.RemoveAll(inst.jail.Root()); err != nil {
		return fmt.Errorf("localbackend: remove sandbox dir: %w", err)
	}
	return nil
}

// Count reports live sandboxes.
func (b *Backend) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// Instance is one host-local sandbox. It supports streaming spawn and file
// write/run.
type Instance struct {
	id       string
	template string
	host     string
	jail     *security.Jail
	expiry   *time.Timer

	mu     sync.Mutex
	closed bool
	procs  map[int]*exec.Cmd
}

func (i *Instance) ID() string { return i.id }

// Dir returns the sandbox directory on the host.
func (i *Instance) Dir() string { return i.jail.Root() }

func (i *Instance) Host(_ context.Context, port int) (string, error) {
	if port <= 0 {
		return "", fmt.Errorf("localbackend: invalid port %d", port)
	}
	return fmt.Sprintf("http://%s:%d", i.host, port), nil
}

// Spawn runs command through bash in the sandbox directory. Foreground runs
// stream output to the callbacks; background runs write to a log file in the
// sandbox and return once started.
func (i *Instance) Spawn(ctx context.Context, command string, opts sandbox.SpawnOptions) (*sandbox.ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("localbackend: command cannot be empty")
	}
	env, err := i.jail.Env(opts.Env)
	if err != nil {
		return nil, err
	}
	if opts.Background {
		return i.startBackground(command, env)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = i.jail.Root()
	cmd.Env = env
	configureProcGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &chunkWriter{buf: &stdout, fn: opts.OnStdout}
	cmd.Stderr = &chunkWriter{buf: &stderr, fn: opts.OnStderr}

	if err := i.track(cmd); err != nil {
		return nil, err
	}
	runErr := cmd.Wait()
	i.untrack(cmd)

	res := &sandbox.ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), PID: cmd.Process.Pid}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("localbackend: command interrupted: %w", ctx.Err())
		}
		return res, fmt.Errorf("localbackend: command failed: %w", runErr)
	}
	return res, nil
}

func (i *Instance) startBackground(command string, env []string) (*sandbox.ExecResult, error) {
	logPath := filepath.Join(i.jail.Root(), backgroundLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localbackend: open log: %w", err)
	}
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = i.jail.Root()
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureProcGroup(cmd)
	if err := i.track(cmd); err != nil {
		logFile.Close()
		return nil, err
	}
	go func() {
		_ = cmd.Wait()
		logFile.Close()
		i.untrack(cmd)
	}()
	return &sandbox.ExecResult{PID: cmd.Process.Pid}, nil
}

// WriteFile writes data at path inside the sandbox directory.
func (i *Instance) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	host, err := i.jail.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return fmt.Errorf("localbackend: mkdir: %w", err)
	}
	if err := os.WriteFile(host, data, mode); err != nil {
		return fmt.Errorf("localbackend: write file: %w", err)
	}
	return os.Chmod(host, mode)
}

// RunFile executes a file previously written with WriteFile.
func (i *Instance) RunFile(ctx context.Context, path string) (*sandbox.ExecResult, error) {
	host, err := i.jail.Resolve(path)
	if err != nil {
		return nil, err
	}
	return i.Spawn(ctx, "bash "+shellQuote(host), sandbox.SpawnOptions{})
}

// Logs returns the output of background processes.
func (i *Instance) Logs() (string, error) {
	data, err := os.ReadFile(filepath.Join(i.jail.Root(), backgroundLogName))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

func (i *Instance) track(cmd *exec.Cmd) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, i.id)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("localbackend: start: %w", err)
	}
	i.procs[cmd.Process.Pid] = cmd
	return nil
}

func (i *Instance) untrack(cmd *exec.Cmd) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if cmd.Process != nil {
		delete(i.procs, cmd.Process.Pid)
	}
}

func (i *Instance) close() {
	i.mu.Lock()
	i.closed = true
	procs := make([]*exec.Cmd, 0, len(i.procs))
	for _, cmd := range i.procs {
		procs = append(procs, cmd)
	}
	i.mu.Unlock()
	if i.expiry != nil {
		i.expiry.Stop()
	}
	for _, cmd := range procs {
		killProcGroup(cmd)
	}
}

type chunkWriter struct {
	buf *bytes.Buffer
	fn  sandbox.OutputFunc
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.fn != nil {
		w.fn(string(p))
	}
	return len(p), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	_ sandbox.Backend    = (*Backend)(nil)
	_ sandbox.Spawner    = (*Instance)(nil)
	_ sandbox.FileRunner = (*Instance)(nil)
	_ io.Writer          = (*chunkWriter)(nil)
)
