package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// Command is a single command run through an Executor.
type Command struct {
	Line       string
	Env        map[string]string
	Background bool
	// LogPath receives output of background commands that cannot stream.
	LogPath  string
	OnStdout OutputFunc
	OnStderr OutputFunc
}

// Executor runs commands through one bound capability of an instance.
type Executor interface {
	Capability() Capability
	Run(ctx context.Context, cmd Command) (*ExecResult, error)
}

// Strategy probes an instance for one capability.
type Strategy interface {
	Capability() Capability
	// TryBind returns an Executor when the instance exposes the capability.
	TryBind(inst Instance) (Executor, bool)
}

// DefaultStrategies returns the capability probes in preference order.
func DefaultStrategies() []Strategy {
	return []Strategy{spawnStrategy{}, processStrategy{}, execStrategy{}, scriptStrategy{}}
}

// Discover binds the first strategy the instance satisfies.
func Discover(inst Instance, strategies []Strategy) (Executor, error) {
	if inst == nil {
		return nil, ErrNoExecutionCapability
	}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		if exec, ok := s.TryBind(inst); ok {
			return exec, nil
		}
	}
	return nil, fmt.Errorf("%w: sandbox %s", ErrNoExecutionCapability, inst.ID())
}

func supports(inst Instance, c Capability) bool {
	if r, ok := inst.(CapabilityReporter); ok {
		return r.Supports(c)
	}
	return true
}

type spawnStrategy struct{}

func (spawnStrategy) Capability() Capability { return CapabilitySpawn }

func (spawnStrategy) TryBind(inst Instance) (Executor, bool) {
	sp, ok := inst.(Spawner)
	if !ok || !supports(inst, CapabilitySpawn) {
		return nil, false
	}
	return spawnExecutor{sp: sp}, true
}

type spawnExecutor struct{ sp Spawner }

func (spawnExecutor) Capability() Capability { return CapabilitySpawn }

func (e spawnExecutor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	return e.sp.Spawn(ctx, cmd.Line, SpawnOptions{
		Env:        cmd.Env,
		Background: cmd.Background,
		OnStdout:   cmd.OnStdout,
		OnStderr:   cmd.OnStderr,
	})
}

type processStrategy struct{}

func (processStrategy) Capability() Capability { return CapabilityProcess }

func (processStrategy) TryBind(inst Instance) (Executor, bool) {
	ps, ok := inst.(ProcessStarter)
	if !ok || !supports(inst, CapabilityProcess) {
		return nil, false
	}
	return processExecutor{ps: ps}, true
}

type processExecutor struct{ ps ProcessStarter }

func (processExecutor) Capability() Capability { return CapabilityProcess }

func (e processExecutor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	line := cmd.Line
	if cmd.Background && cmd.LogPath != "" {
		line = fmt.Sprintf("%s > %s 2>&1", line, shellQuote(cmd.LogPath))
	}
	proc, err := e.ps.StartProcess(ctx, line, cmd.Env)
	if err != nil {
		return nil, err
	}
	if cmd.Background {
		return &ExecResult{PID: proc.PID()}, nil
	}
	res, err := proc.Wait(ctx)
	if err != nil {
		return res, err
	}
	emit(cmd, res)
	return res, nil
}

type execStrategy struct{}

func (execStrategy) Capability() Capability { return CapabilityExec }

func (execStrategy) TryBind(inst Instance) (Executor, bool) {
	ex, ok := inst.(Execer)
	if !ok || !supports(inst, CapabilityExec) {
		return nil, false
	}
	return execExecutor{ex: ex}, true
}

type execExecutor struct{ ex Execer }

func (execExecutor) Capability() Capability { return CapabilityExec }

func (e execExecutor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	line := cmd.Line
	if cmd.Background {
		line = backgroundLine(cmd.Line, cmd.LogPath)
	}
	res, err := e.ex.Exec(ctx, line, cmd.Env)
	if err != nil {
		return res, err
	}
	if !cmd.Background {
		emit(cmd, res)
	}
	return res, nil
}

type scriptStrategy struct{}

func (scriptStrategy) Capability() Capability { return CapabilityScript }

func (scriptStrategy) TryBind(inst Instance) (Executor, bool) {
	fr, ok := inst.(FileRunner)
	if !ok || !supports(inst, CapabilityScript) {
		return nil, false
	}
	return &scriptExecutor{fr: fr}, true
}

type scriptExecutor struct {
	fr  FileRunner
	seq atomic.Int64
}

func (*scriptExecutor) Capability() Capability { return CapabilityScript }

func (e *scriptExecutor) Run(ctx context.Context, cmd Command) (*ExecResult, error) {
	script, err := BuildScript(cmd)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/tmp/sandboxchat-run-%d.sh", e.seq.Add(1))
	if err := e.fr.WriteFile(ctx, path, []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	res, err := e.fr.RunFile(ctx, path)
	if err != nil {
		return res, err
	}
	if !cmd.Background {
		emit(cmd, res)
	}
	return res, nil
}

func backgroundLine(line, logPath string) string {
	if strings.TrimSpace(logPath) == "" {
		logPath = "/dev/null"
	}
	return fmt.Sprintf("nohup bash -c %s > %s 2>&1 &", shellQuote(line), shellQuote(logPath))
}

// emit replays buffered output to callbacks for capabilities that cannot stream.
func emit(cmd Command, res *ExecResult) {
	if res == nil {
		return
	}
	if cmd.OnStdout != nil && res.Stdout != "" {
		cmd.OnStdout(res.Stdout)
	}
	if cmd.OnStderr != nil && res.Stderr != "" {
		cmd.OnStderr(res.Stderr)
	}
}
