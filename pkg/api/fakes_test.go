package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/config"
	"github.com/cexll/sandboxchat/pkg/credentials"
	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/store"
)

type echoInput struct {
	Text string `json:"text"`
}

// newToolHost serves an MCP endpoint on /mcp and a health check on /health.
func newToolHost(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "echo-server", Version: "1.0.0"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "echo", Description: "Echo text back"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in echoInput) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo: " + in.Text}}}, nil, nil
		})
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// fakeBackend hands out exec-capable instances that map every port to host.
type fakeBackend struct {
	host string

	mu       sync.Mutex
	seq      int
	killed   []string
	commands []string
	failOn   string
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(context.Context, sandbox.CreateRequest) (sandbox.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return &fakeInstance{id: fmt.Sprintf("sbx-%d", b.seq), backend: b}, nil
}

func (b *fakeBackend) Kill(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, id)
	return nil
}

func (b *fakeBackend) Killed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.killed...)
}

type fakeInstance struct {
	id      string
	backend *fakeBackend
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) Host(context.Context, int) (string, error) { return i.backend.host, nil }

func (i *fakeInstance) Exec(_ context.Context, command string, env map[string]string) (*sandbox.ExecResult, error) {
	b := i.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands = append(b.commands, command)
	if b.failOn != "" && strings.Contains(command, b.failOn) {
		return &sandbox.ExecResult{ExitCode: 1, Stderr: "install failed using " + env["API_KEY"]}, nil
	}
	return &sandbox.ExecResult{Stdout: "README.md\nmain.go\n"}, nil
}

type harness struct {
	rt      *Runtime
	server  *httptest.Server
	backend *fakeBackend
	level   zap.AtomicLevel
}

func testSettings() config.Settings {
	s := config.Default()
	s.Store.Driver = "memory"
	s.Sandbox.ProbeAttempts = 2
	s.Sandbox.ProbeInterval = 10 * time.Millisecond
	s.MCP.CallAttempts = 1
	s.Session.SweepInterval = time.Hour
	s.Workflow.Backoff = time.Millisecond
	return s
}

// newHarness starts a runtime behind a test server. The server is created
// first so its URL can serve as the callback base.
func newHarness(t *testing.T, mutate func(s *config.Settings, serverURL string)) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{host: newToolHost(t).URL}, level: zap.NewAtomicLevel()}

	var handler http.Handler
	var ready sync.WaitGroup
	ready.Add(1)
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ready.Wait()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.server.Close)

	settings := testSettings()
	if mutate != nil {
		mutate(&settings, h.server.URL)
	}
	codec, err := credentials.NewAESCodec(make([]byte, 32))
	require.NoError(t, err)

	rt, err := New(context.Background(), Options{
		Settings: settings,
		Level:    &h.level,
		Backend:  h.backend,
		Store:    store.NewMemoryStore(),
		Codec:    codec,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	h.rt = rt
	handler = NewServer(rt).Handler()
	ready.Done()
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.rt.Engine().Drain(ctx))
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, h.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (h *harness) registerEcho(t *testing.T) {
	t.Helper()
	status, body := h.do(t, http.MethodPost, "/mcp/servers", map[string]any{
		"id":                  "echo",
		"name":                "Echo Server",
		"installCommand":      "npm install -g echo-mcp",
		"startCommand":        "echo-mcp --port 3000",
		"port":                3000,
		"requiredCredentials": []string{"API_KEY"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
}
