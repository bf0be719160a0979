package sandbox

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

type fakeBackend struct {
	mu        sync.Mutex
	newInst   func(id string) Instance
	createErr error
	killErr   error
	created   []string
	killed    []string
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(_ context.Context, req CreateRequest) (Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	id := "sbx-" + string(rune('a'+len(b.created)))
	b.created = append(b.created, id)
	if b.newInst == nil {
		return &execInstance{bareInstance: bareInstance{id: id}}, nil
	}
	return b.newInst(id), nil
}

func (b *fakeBackend) Kill(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, id)
	return b.killErr
}

func (b *fakeBackend) killCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.killed)
}

type bareInstance struct{ id string }

func (i *bareInstance) ID() string { return i.id }

func (i *bareInstance) Host(_ context.Context, port int) (string, error) {
	return "http://" + i.id + ".sandbox.test", nil
}

type execInstance struct {
	bareInstance
	mu       sync.Mutex
	commands []string
	result   *ExecResult
	err      error
}

func (i *execInstance) Exec(_ context.Context, command string, _ map[string]string) (*ExecResult, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.commands = append(i.commands, command)
	if i.err != nil {
		return nil, i.err
	}
	if i.result != nil {
		r := *i.result
		return &r, nil
	}
	return &ExecResult{Stdout: "ok\n"}, nil
}

type spawnInstance struct {
	bareInstance
	opts []SpawnOptions
}

func (i *spawnInstance) Spawn(_ context.Context, command string, opts SpawnOptions) (*ExecResult, error) {
	i.opts = append(i.opts, opts)
	if opts.OnStdout != nil {
		opts.OnStdout("chunk-1")
		opts.OnStdout("chunk-2")
	}
	return &ExecResult{Stdout: "chunk-1chunk-2"}, nil
}

// fullInstance carries every capability method but reports a subset.
type fullInstance struct {
	bareInstance
	enabled map[Capability]bool
	files   map[string][]byte
	ran     []string
}

func (i *fullInstance) Supports(c Capability) bool { return i.enabled[c] }

func (i *fullInstance) Spawn(context.Context, string, SpawnOptions) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (i *fullInstance) StartProcess(context.Context, string, map[string]string) (Process, error) {
	return fakeProcess{pid: 42}, nil
}

func (i *fullInstance) Exec(context.Context, string, map[string]string) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (i *fullInstance) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	if i.files == nil {
		i.files = map[string][]byte{}
	}
	i.files[path] = data
	return nil
}

func (i *fullInstance) RunFile(_ context.Context, path string) (*ExecResult, error) {
	i.ran = append(i.ran, path)
	return &ExecResult{Stdout: "script"}, nil
}

type fakeProcess struct{ pid int }

func (p fakeProcess) PID() int { return p.pid }

func (p fakeProcess) Wait(context.Context) (*ExecResult, error) {
	return &ExecResult{Stdout: "waited", PID: p.pid}, nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	err    error
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) total() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sum time.Duration
	for _, d := range c.sleeps {
		sum += d
	}
	return sum
}

var errBoom = errors.New("boom")
