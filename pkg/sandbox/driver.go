package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultProbeAttempts = 5
	DefaultProbeInterval = 3 * time.Second
	defaultProbeTimeout  = 500 * time.Millisecond
	defaultTimeout       = 5 * time.Minute
	teardownTimeout      = 10 * time.Second
	tracerName           = "github.com/cexll/sandboxchat/pkg/sandbox"
)

// Options configures a Driver.
type Options struct {
	Backend         Backend
	Strategies      []Strategy
	Logger          *zap.Logger
	Tracer          trace.Tracer
	Clock           Clock
	HTTPClient      *http.Client
	DefaultTemplate string
	DefaultTimeout  time.Duration
	ProbeAttempts   int
	ProbeInterval   time.Duration
	// ProbeTimeout bounds each readiness request.
	ProbeTimeout time.Duration
	LogDir       string
}

// Driver provisions sandboxes and runs commands in them. It keeps no state
// between calls beyond what each Handle caches.
type Driver struct {
	backend       Backend
	strategies    []Strategy
	logger        *zap.Logger
	tracer        trace.Tracer
	clock         Clock
	client        *http.Client
	template      string
	timeout       time.Duration
	probeAttempts int
	probeInterval time.Duration
	logDir        string
}

// NewDriver validates options and fills defaults.
func NewDriver(opts Options) (*Driver, error) {
	if opts.Backend == nil {
		return nil, ErrBackendRequired
	}
	d := &Driver{
		backend:       opts.Backend,
		strategies:    opts.Strategies,
		logger:        opts.Logger,
		tracer:        opts.Tracer,
		clock:         opts.Clock,
		client:        opts.HTTPClient,
		template:      strings.TrimSpace(opts.DefaultTemplate),
		timeout:       opts.DefaultTimeout,
		probeAttempts: opts.ProbeAttempts,
		probeInterval: opts.ProbeInterval,
		logDir:        strings.TrimRight(opts.LogDir, "/"),
	}
	if len(d.strategies) == 0 {
		d.strategies = DefaultStrategies()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.clock == nil {
		d.clock = realClock{}
	}
	if d.client == nil {
		timeout := opts.ProbeTimeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		d.client = &http.Client{Timeout: timeout}
	}
	if d.timeout <= 0 {
		d.timeout = defaultTimeout
	}
	if d.probeAttempts <= 0 {
		d.probeAttempts = DefaultProbeAttempts
	}
	if d.probeInterval <= 0 {
		d.probeInterval = DefaultProbeInterval
	}
	if d.logDir == "" {
		d.logDir = "/tmp"
	}
	return d, nil
}

// BackendName reports which provisioning backend the driver uses.
func (d *Driver) BackendName() string { return d.backend.Name() }

// ProbeSettings returns the configured readiness attempts and interval.
func (d *Driver) ProbeSettings() (int, time.Duration) {
	return d.probeAttempts, d.probeInterval
}

// Handle is a provisioned sandbox with its execution capability bound once.
type Handle struct {
	ID         string
	Template   string
	Timeout    time.Duration
	Capability Capability

	instance Instance
	exec     Executor
	torn     atomic.Bool
}

// URL returns the externally reachable address for port.
func (h *Handle) URL(ctx context.Context, port int) (string, error) {
	if h == nil || h.instance == nil {
		return "", ErrTornDown
	}
	return h.instance.Host(ctx, port)
}

// TornDown reports whether Teardown already ran for this handle.
func (h *Handle) TornDown() bool { return h != nil && h.torn.Load() }

// Provision creates a sandbox and discovers its execution capability. An
// instance with no usable capability is killed before returning.
func (d *Driver) Provision(ctx context.Context, template string, timeout time.Duration) (*Handle, error) {
	if strings.TrimSpace(template) == "" {
		template = d.template
	}
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, span := d.tracer.Start(ctx, "sandbox.provision", trace.WithAttributes(
		attribute.String("sandbox.backend", d.backend.Name()),
		attribute.String("sandbox.template", template),
	))
	defer span.End()

	inst, err := d.backend.Create(ctx, CreateRequest{Template: template, Timeout: timeout})
	if err != nil {
		recordError(span, err)
		return nil, &ProvisioningError{Stage: StageCreate, Err: err}
	}
	h := &Handle{ID: inst.ID(), Template: template, Timeout: timeout, instance: inst}
	span.SetAttributes(attribute.String("sandbox.id", h.ID))

	exec, err := Discover(inst, d.strategies)
	if err != nil {
		recordError(span, err)
		d.logger.Error("sandbox has no execution capability",
			zap.String("sandbox_id", h.ID), zap.String("template", template))
		d.Teardown(ctx, h)
		return nil, err
	}
	h.exec = exec
	h.Capability = exec.Capability()
	span.SetAttributes(attribute.String("sandbox.capability", string(h.Capability)))
	d.logger.Info("sandbox provisioned",
		zap.String("sandbox_id", h.ID),
		zap.String("template", template),
		zap.String("capability", string(h.Capability)),
		zap.Duration("timeout", timeout))
	return h, nil
}

// Install runs command in the foreground and returns its exit status. A
// non-zero status is reported as a ProvisioningError.
func (d *Driver) Install(ctx context.Context, h *Handle, command string, env map[string]string) (int, error) {
	if err := checkHandle(h); err != nil {
		return -1, err
	}
	ctx, span := d.tracer.Start(ctx, "sandbox.install", trace.WithAttributes(
		attribute.String("sandbox.id", h.ID),
		attribute.String("sandbox.capability", string(h.Capability)),
	))
	defer span.End()

	d.logger.Info("sandbox install started",
		zap.String("sandbox_id", h.ID), zap.Strings("env", envNames(env)))
	res, err := h.exec.Run(ctx, Command{Line: command, Env: env})
	if err != nil {
		recordError(span, err)
		d.logger.Warn("sandbox install failed", zap.String("sandbox_id", h.ID), zap.Error(err))
		return -1, &ProvisioningError{Stage: StageInstall, SandboxID: h.ID, Err: err}
	}
	code := 0
	if res != nil {
		code = res.ExitCode
	}
	d.logger.Info("sandbox install finished", zap.String("sandbox_id", h.ID), zap.Int("exit_code", code))
	if code != 0 {
		perr := &ProvisioningError{Stage: StageInstall, SandboxID: h.ID, ExitCode: code}
		if res != nil && strings.TrimSpace(res.Stderr) != "" {
			perr.Err = errors.New(lastLine(res.Stderr))
		}
		recordError(span, perr)
		return code, perr
	}
	return 0, nil
}

// Start launches command in the background and returns without waiting.
func (d *Driver) Start(ctx context.Context, h *Handle, command string, env map[string]string) error {
	if err := checkHandle(h); err != nil {
		return err
	}
	ctx, span := d.tracer.Start(ctx, "sandbox.start", trace.WithAttributes(
		attribute.String("sandbox.id", h.ID),
		attribute.String("sandbox.capability", string(h.Capability)),
	))
	defer span.End()

	logPath := fmt.Sprintf("%s/sandboxchat-%s.log", d.logDir, h.ID)
	_, err := h.exec.Run(ctx, Command{Line: command, Env: env, Background: true, LogPath: logPath})
	if err != nil {
		recordError(span, err)
		d.logger.Warn("sandbox start failed", zap.String("sandbox_id", h.ID), zap.Error(err))
		return &ProvisioningError{Stage: StageStart, SandboxID: h.ID, Err: err}
	}
	d.logger.Info("sandbox start issued",
		zap.String("sandbox_id", h.ID), zap.String("log_path", logPath), zap.Strings("env", envNames(env)))
	return nil
}

// ProbeReady polls url until it answers 2xx. It gives up after attempts
// requests spaced interval apart and never sleeps after the last attempt.
func (d *Driver) ProbeReady(ctx context.Context, url string, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = d.probeAttempts
	}
	if interval <= 0 {
		interval = d.probeInterval
	}
	ctx, span := d.tracer.Start(ctx, "sandbox.probe_ready", trace.WithAttributes(
		attribute.String("sandbox.url", url),
		attribute.Int("probe.attempts", attempts),
	))
	defer span.End()

	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := d.probeOnce(ctx, url)
		fields := []zap.Field{zap.String("url", url), zap.Int("attempt", attempt), zap.Int("status", status)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		d.logger.Info("sandbox readiness probe", fields...)
		if err == nil && status >= 200 && status < 300 {
			span.SetAttributes(attribute.Int("probe.succeeded_at", attempt))
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := d.clock.Sleep(ctx, interval); err != nil {
			recordError(span, err)
			return err
		}
	}
	err := fmt.Errorf("%w: %s not ready after %d attempts", ErrReadinessTimeout, url, attempts)
	recordError(span, err)
	return err
}

func (d *Driver) probeOnce(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// Teardown kills the sandbox. It is idempotent and never returns an error;
// failures are logged.
func (d *Driver) Teardown(ctx context.Context, h *Handle) {
	if h == nil || !h.torn.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "sandbox.teardown", trace.WithAttributes(attribute.String("sandbox.id", h.ID)))
	defer span.End()

	if err := d.backend.Kill(ctx, h.ID); err != nil {
		recordError(span, err)
		d.logger.Warn("sandbox teardown failed", zap.String("sandbox_id", h.ID), zap.Error(err))
		return
	}
	d.logger.Info("sandbox teardown", zap.String("sandbox_id", h.ID))
}

// TeardownID kills a sandbox known only by ID, such as one referenced by a
// persisted record.
func (d *Driver) TeardownID(ctx context.Context, sandboxID string) {
	if strings.TrimSpace(sandboxID) == "" {
		return
	}
	d.Teardown(ctx, &Handle{ID: sandboxID})
}

// RunRequest describes a one-shot execution in an ephemeral sandbox.
type RunRequest struct {
	Template  string
	Timeout   time.Duration
	Command   string
	Env       map[string]string
	OnStarted func(sandboxID string)
	OnStdout  OutputFunc
	OnStderr  OutputFunc
}

// RunResult is the outcome of RunOnce.
type RunResult struct {
	SandboxID  string
	Capability Capability
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
}

// RunOnce provisions a sandbox, runs one command, and always tears it down.
// A non-zero exit code is reported in the result, not as an error.
func (d *Driver) RunOnce(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	h, err := d.Provision(ctx, req.Template, req.Timeout)
	if err != nil {
		return nil, err
	}
	defer d.Teardown(ctx, h)

	if req.OnStarted != nil {
		req.OnStarted(h.ID)
	}
	ctx, span := d.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(attribute.String("sandbox.id", h.ID)))
	defer span.End()

	start := d.clock.Now()
	res, err := h.exec.Run(ctx, Command{
		Line:     req.Command,
		Env:      req.Env,
		OnStdout: req.OnStdout,
		OnStderr: req.OnStderr,
	})
	if err != nil {
		recordError(span, err)
		return nil, &ProvisioningError{Stage: StageRun, SandboxID: h.ID, Err: err}
	}
	out := &RunResult{SandboxID: h.ID, Capability: h.Capability, Duration: d.clock.Now().Sub(start)}
	if res != nil {
		out.ExitCode = res.ExitCode
		out.Stdout = res.Stdout
		out.Stderr = res.Stderr
	}
	d.logger.Info("sandbox run finished",
		zap.String("sandbox_id", h.ID), zap.Int("exit_code", out.ExitCode), zap.Duration("duration", out.Duration))
	return out, nil
}

func checkHandle(h *Handle) error {
	if h == nil || h.exec == nil {
		return errors.New("sandbox: handle is not provisioned")
	}
	if h.torn.Load() {
		return ErrTornDown
	}
	return nil
}

func envNames(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
