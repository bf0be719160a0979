package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/cexll/sandboxchat/pkg/credentials"
	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/store"
)

// toolServer serves an MCP endpoint on /mcp and a health check on /health.
type toolServer struct {
	*httptest.Server
	healthy atomic.Bool
}

type echoInput struct {
	Text string `json:"text"`
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "echo-server", Version: "1.0.0"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "echo", Description: "Echo text back"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in echoInput) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo: " + in.Text}}}, nil, nil
		})

	ts := &toolServer{}
	ts.healthy.Store(true)
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return server }, nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if !ts.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

// fakeBackend hands out exec-capable instances whose every port maps to host.
type fakeBackend struct {
	host string

	mu       sync.Mutex
	seq      int
	created  []string
	killed   []string
	killErr  error
	commands []string
	envs     []map[string]string
	exitFor  map[string]int
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Create(_ context.Context, _ sandbox.CreateRequest) (sandbox.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("sbx-%d", b.seq)
	b.created = append(b.created, id)
	return &fakeInstance{id: id, backend: b}, nil
}

func (b *fakeBackend) Kill(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, id)
	return b.killErr
}

func (b *fakeBackend) snapshot() (created, killed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.created...), append([]string(nil), b.killed...)
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
	b.envs = append(b.envs, env)
	for substr, code := range b.exitFor {
		if strings.Contains(command, substr) {
			return &sandbox.ExecResult{ExitCode: code, Stderr: "npm ERR! failed with token " + env["API_KEY"]}, nil
		}
	}
	return &sandbox.ExecResult{Stdout: "ok"}, nil
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Now() }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// recordingStore logs every connection status it persists.
type recordingStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	statuses []Status
}

func (s *recordingStore) record(row store.Row) {
	if row.RelatedObjectType != ObjectTypeConnection {
		return
	}
	conn, err := store.Decode[Connection](row)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, conn.Status)
	s.mu.Unlock()
}

func (s *recordingStore) Insert(ctx context.Context, row store.Row) (store.Row, error) {
	out, err := s.MemoryStore.Insert(ctx, row)
	if err == nil {
		s.record(row)
	}
	return out, err
}

func (s *recordingStore) Update(ctx context.Context, row store.Row) (store.Row, error) {
	out, err := s.MemoryStore.Update(ctx, row)
	if err == nil {
		s.record(row)
	}
	return out, err
}

func (s *recordingStore) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses...)
}

type fixture struct {
	manager *Manager
	backend *fakeBackend
	rows    *recordingStore
	server  *toolServer
	codec   *credentials.AESCodec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ts := newToolServer(t)
	backend := &fakeBackend{host: ts.URL, exitFor: map[string]int{}}
	driver, err := sandbox.NewDriver(sandbox.Options{
		Backend:       backend,
		Clock:         instantClock{},
		ProbeAttempts: 2,
	})
	require.NoError(t, err)

	codec, err := credentials.NewAESCodec(make([]byte, 32))
	require.NoError(t, err)

	rows := &recordingStore{MemoryStore: store.NewMemoryStore()}
	catalog := NewStoreCatalog(rows)
	_, err = catalog.Put(context.Background(), ServerDefinition{
		ID:                  "echo",
		Name:                "Echo Server",
		InstallCommand:      "npm install -g echo-mcp",
		StartCommand:        "echo-mcp --port 3000",
		Port:                3000,
		RequiredCredentials: []string{"API_KEY"},
	})
	require.NoError(t, err)

	tools := NewToolClient(nil, RetryPolicy{MaxAttempts: 1})
	t.Cleanup(func() { _ = tools.Close() })

	m, err := NewManager(Options{Store: rows, Catalog: catalog, Driver: driver, Codec: codec, Tools: tools})
	require.NoError(t, err)
	return &fixture{manager: m, backend: backend, rows: rows, server: ts, codec: codec}
}

func (f *fixture) connectionCount(t *testing.T) int {
	t.Helper()
	rows, err := f.rows.List(context.Background(), store.Filter{RelatedObjectType: ObjectTypeConnection})
	require.NoError(t, err)
	return len(rows)
}
