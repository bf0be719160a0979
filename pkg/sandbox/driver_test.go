package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestDriver(t *testing.T, backend Backend, clock Clock) (*Driver, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	d, err := NewDriver(Options{Backend: backend, Clock: clock, Logger: zap.New(core)})
	require.NoError(t, err)
	return d, logs
}

func TestNewDriverRequiresBackend(t *testing.T) {
	_, err := NewDriver(Options{})
	require.ErrorIs(t, err, ErrBackendRequired)
}

func TestProvisionCachesCapability(t *testing.T) {
	backend := &fakeBackend{newInst: func(id string) Instance {
		return &spawnInstance{bareInstance: bareInstance{id: id}}
	}}
	d, logs := newTestDriver(t, backend, newFakeClock())

	h, err := d.Provision(context.Background(), "mcp-base", time.Minute)
	require.NoError(t, err)
	require.Equal(t, CapabilitySpawn, h.Capability)
	require.Equal(t, "sbx-a", h.ID)
	require.Equal(t, 1, logs.FilterMessage("sandbox provisioned").Len())
}

func TestProvisionWithoutCapabilityKillsInstance(t *testing.T) {
	backend := &fakeBackend{newInst: func(id string) Instance { return &bareInstance{id: id} }}
	d, _ := newTestDriver(t, backend, newFakeClock())

	h, err := d.Provision(context.Background(), "", 0)
	require.Nil(t, h)
	require.ErrorIs(t, err, ErrNoExecutionCapability)
	require.Equal(t, []string{"sbx-a"}, backend.killed)
}

func TestProvisionCreateFailure(t *testing.T) {
	backend := &fakeBackend{createErr: errBoom}
	d, _ := newTestDriver(t, backend, newFakeClock())

	_, err := d.Provision(context.Background(), "t", 0)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, StageCreate, perr.Stage)
	require.ErrorIs(t, err, errBoom)
	require.Zero(t, backend.killCount())
}

func TestInstallNonZeroExit(t *testing.T) {
	inst := &execInstance{bareInstance: bareInstance{id: "i"}, result: &ExecResult{ExitCode: 2, Stderr: "npm ERR! missing\n"}}
	backend := &fakeBackend{newInst: func(string) Instance { return inst }}
	d, _ := newTestDriver(t, backend, newFakeClock())

	h, err := d.Provision(context.Background(), "t", 0)
	require.NoError(t, err)
	code, err := d.Install(context.Background(), h, "npm install", map[string]string{"TOKEN": "secret-value"})
	require.Equal(t, 2, code)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, StageInstall, perr.Stage)
	require.Equal(t, 2, perr.ExitCode)
	require.Contains(t, err.Error(), "npm ERR! missing")
}

func TestInstallDoesNotLogEnvValues(t *testing.T) {
	backend := &fakeBackend{}
	d, logs := newTestDriver(t, backend, newFakeClock())

	h, err := d.Provision(context.Background(), "t", 0)
	require.NoError(t, err)
	_, err = d.Install(context.Background(), h, "true", map[string]string{"API_KEY": "sk-very-secret"})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background(), h, "serve", map[string]string{"API_KEY": "sk-very-secret"}))

	for _, entry := range logs.All() {
		for k, v := range entry.ContextMap() {
			require.NotContains(t, k+"="+toString(v), "sk-very-secret")
		}
	}
	require.Equal(t, 1, logs.FilterMessage("sandbox start issued").Len())
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case []interface{}:
		s := ""
		for _, item := range x {
			s += toString(item) + ","
		}
		return s
	default:
		return ""
	}
}

func TestProbeReadyStopsAfterFiveAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := newFakeClock()
	d, logs := newTestDriver(t, &fakeBackend{}, clock)

	err := d.ProbeReady(context.Background(), srv.URL, 0, 0)
	require.ErrorIs(t, err, ErrReadinessTimeout)
	require.EqualValues(t, 5, hits.Load())
	require.Len(t, clock.sleeps, 4)
	for _, s := range clock.sleeps {
		require.Equal(t, 3*time.Second, s)
	}
	require.LessOrEqual(t, clock.total(), 15*time.Second)
	require.Equal(t, 5, logs.FilterMessage("sandbox readiness probe").Len())
}

func TestProbeReadySucceedsOn2xx(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	clock := newFakeClock()
	d, _ := newTestDriver(t, &fakeBackend{}, clock)
	require.NoError(t, d.ProbeReady(context.Background(), srv.URL, 5, 3*time.Second))
	require.EqualValues(t, 3, hits.Load())
	require.Len(t, clock.sleeps, 2)
}

func TestProbeReadyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	clock := newFakeClock()
	d, _ := newTestDriver(t, &fakeBackend{}, clock)
	err := d.ProbeReady(context.Background(), url, 3, time.Second)
	require.ErrorIs(t, err, ErrReadinessTimeout)
	require.Len(t, clock.sleeps, 2)
}

func TestProbeReadyHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	clock := newFakeClock()
	clock.err = context.Canceled
	d, _ := newTestDriver(t, &fakeBackend{}, clock)
	err := d.ProbeReady(context.Background(), srv.URL, 5, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTeardownIdempotent(t *testing.T) {
	backend := &fakeBackend{killErr: errBoom}
	d, logs := newTestDriver(t, backend, newFakeClock())

	h, err := d.Provision(context.Background(), "t", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Teardown(ctx, h)
	d.Teardown(ctx, h)
	d.Teardown(ctx, nil)

	require.Equal(t, 1, backend.killCount())
	require.True(t, h.TornDown())
	require.Equal(t, 1, logs.FilterMessage("sandbox teardown failed").Len())

	_, err = d.Install(context.Background(), h, "true", nil)
	require.ErrorIs(t, err, ErrTornDown)
}

func TestRunOnceAlwaysTearsDown(t *testing.T) {
	inst := &execInstance{bareInstance: bareInstance{id: "run"}, result: &ExecResult{ExitCode: 1, Stderr: "fail"}}
	backend := &fakeBackend{newInst: func(string) Instance { return inst }}
	d, _ := newTestDriver(t, backend, newFakeClock())

	var started string
	res, err := d.RunOnce(context.Background(), RunRequest{
		Command:   "exit 1",
		OnStarted: func(id string) { started = id },
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "run", started)
	require.Equal(t, []string{"run"}, backend.killed)

	inst.err = errBoom
	_, err = d.RunOnce(context.Background(), RunRequest{Command: "echo"})
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, 2, backend.killCount())
}

func TestRunOnceStreamsOutput(t *testing.T) {
	backend := &fakeBackend{newInst: func(id string) Instance {
		return &spawnInstance{bareInstance: bareInstance{id: id}}
	}}
	d, _ := newTestDriver(t, backend, newFakeClock())

	var chunks []string
	res, err := d.RunOnce(context.Background(), RunRequest{
		Command:  "echo",
		OnStdout: func(s string) { chunks = append(chunks, s) },
	})
	require.NoError(t, err)
	require.Equal(t, CapabilitySpawn, res.Capability)
	require.Equal(t, []string{"chunk-1", "chunk-2"}, chunks)
}

func TestDriverSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	d, err := NewDriver(Options{Backend: &fakeBackend{}, Clock: newFakeClock(), Tracer: tp.Tracer("test")})
	require.NoError(t, err)
	_, err = d.RunOnce(context.Background(), RunRequest{Command: "echo"})
	require.NoError(t, err)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	require.Contains(t, names, "sandbox.provision")
	require.Contains(t, names, "sandbox.run")
	require.Contains(t, names, "sandbox.teardown")
}
