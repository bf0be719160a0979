package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const clientVersion = "0.1.0"

// ToolCaller invokes tools on an MCP server reachable at a URL.
type ToolCaller interface {
	CallTool(ctx context.Context, url, tool string, args map[string]any) (*ToolResult, error)
	ListTools(ctx context.Context, url string) ([]ToolInfo, error)
}

// ToolClient speaks MCP streamable HTTP and caches one client session per
// server URL.
type ToolClient struct {
	client     *mcpsdk.Client
	httpClient *http.Client
	retry      RetryPolicy

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	dialing  map[string]*dial
}

// dial is an in-flight connect shared by concurrent callers for one URL.
type dial struct {
	done    chan struct{}
	session *mcpsdk.ClientSession
	err     error
}

// NewToolClient builds a client. A nil httpClient uses a 60s timeout client.
func NewToolClient(httpClient *http.Client, retry RetryPolicy) *ToolClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &ToolClient{
		client:     mcpsdk.NewClient(&mcpsdk.Implementation{Name: "sandboxchat", Version: clientVersion}, nil),
		httpClient: httpClient,
		retry:      retry,
		sessions:   make(map[string]*mcpsdk.ClientSession),
		dialing:    make(map[string]*dial),
	}
}

// session returns the cached session for url, connecting if needed. The
// lock is never held across Connect, so a stalled server only blocks
// callers of its own URL.
func (c *ToolClient) session(ctx context.Context, url string) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	if s, ok := c.sessions[url]; ok {
		c.mu.Unlock()
		return s, nil
	}
	d, inflight := c.dialing[url]
	if !inflight {
		d = &dial{done: make(chan struct{})}
		c.dialing[url] = d
	}
	c.mu.Unlock()

	if !inflight {
		go c.connect(ctx, url, d)
	}
	select {
	case <-d.done:
		return d.session, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ToolClient) connect(ctx context.Context, url string, d *dial) {
	transport := &mcpsdk.StreamableClientTransport{Endpoint: url, HTTPClient: c.httpClient}
	// The session outlives the request that opened it.
	s, err := c.client.Connect(context.WithoutCancel(ctx), transport, nil)
	if err != nil {
		d.err = fmt.Errorf("mcp: connect %s: %w", url, err)
	}
	d.session = s

	c.mu.Lock()
	delete(c.dialing, url)
	if err == nil {
		c.sessions[url] = s
	}
	c.mu.Unlock()
	close(d.done)
}

// Forget closes and drops the cached session for url.
func (c *ToolClient) Forget(url string) {
	c.mu.Lock()
	s, ok := c.sessions[url]
	delete(c.sessions, url)
	c.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}

// Close drops every cached session.
func (c *ToolClient) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.mu.Unlock()
	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *ToolClient) CallTool(ctx context.Context, url, tool string, args map[string]any) (*ToolResult, error) {
	if strings.TrimSpace(tool) == "" {
		return nil, validationError("tool name is required")
	}
	if args == nil {
		args = map[string]any{}
	}
	var out *ToolResult
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		s, err := c.session(ctx, url)
		if err != nil {
			return err
		}
		res, err := s.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
		if err != nil {
			c.Forget(url)
			return err
		}
		out = &ToolResult{Text: flattenContent(res.Content, res.StructuredContent), IsError: res.IsError}
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s: %w", tool, err)
	}
	return out, nil
}

func (c *ToolClient) ListTools(ctx context.Context, url string) ([]ToolInfo, error) {
	var tools []ToolInfo
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		s, err := c.session(ctx, url)
		if err != nil {
			return err
		}
		res, err := s.ListTools(ctx, &mcpsdk.ListToolsParams{})
		if err != nil {
			c.Forget(url)
			return err
		}
		tools = tools[:0]
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description})
		}
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	return tools, nil
}

func flattenContent(content []mcpsdk.Content, structured any) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		default:
			raw, err := json.Marshal(v)
			if err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	if len(parts) == 0 && structured != nil {
		if raw, err := json.Marshal(structured); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}
