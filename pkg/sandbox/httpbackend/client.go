// Package httpbackend provisions sandboxes through a remote provisioning
// service speaking a small JSON/NDJSON REST protocol.
package httpbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/cexll/sandboxchat/pkg/sandbox"
	"go.uber.org/zap"
)

var (
	// ErrEndpointRequired is returned by New without a base URL.
	ErrEndpointRequired = errors.New("httpbackend: endpoint is required")
	// ErrUnexpectedStatus wraps non-2xx responses from the service.
	ErrUnexpectedStatus = errors.New("httpbackend: unexpected status")
)

// Capability names advertised by the provisioning service.
const (
	WireCommands  = "commands"
	WireProcesses = "processes"
	WireExec      = "exec"
	WireFiles     = "files"
)

var wireToCapability = map[string]sandbox.Capability{
	WireCommands:  sandbox.CapabilitySpawn,
	WireProcesses: sandbox.CapabilityProcess,
	WireExec:      sandbox.CapabilityExec,
	WireFiles:     sandbox.CapabilityScript,
}

// Config configures the backend.
type Config struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Backend implements sandbox.Backend against the provisioning service.
type Backend struct {
	base   *url.URL
	token  string
	client *http.Client
	logger *zap.Logger
}

// New validates cfg and returns a Backend.
func New(cfg Config) (*Backend, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	if raw == "" {
		return nil, ErrEndpointRequired
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpbackend: parse endpoint: %w", err)
	}
	b := &Backend{base: base, token: cfg.Token, client: cfg.HTTPClient, logger: cfg.Logger}
	if b.client == nil {
		b.client = &http.Client{}
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

func (b *Backend) Name() string { return "http" }

type createRequest struct {
	Template  string            `json:"template"`
	TimeoutMS int64             `json:"timeout_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	SandboxID    string   `json:"sandbox_id"`
	Capabilities []string `json:"capabilities"`
	Domain       string   `json:"domain,omitempty"`
}

// Create provisions a sandbox.
func (b *Backend) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Instance, error) {
	body := createRequest{Template: req.Template, TimeoutMS: req.Timeout.Milliseconds(), Metadata: req.Metadata}
	var resp createResponse
	if err := b.doJSON(ctx, http.MethodPost, "/sandboxes", nil, body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SandboxID) == "" {
		return nil, errors.New("httpbackend: create response missing sandbox_id")
	}
	inst := &Instance{backend: b, id: resp.SandboxID, domain: resp.Domain, caps: map[sandbox.Capability]bool{}}
	for _, name := range resp.Capabilities {
		if c, ok := wireToCapability[strings.ToLower(strings.TrimSpace(name))]; ok {
			inst.caps[c] = true
		}
	}
	b.logger.Debug("httpbackend sandbox created",
		zap.String("sandbox_id", resp.SandboxID), zap.Strings("capabilities", resp.Capabilities))
	return inst, nil
}

// Kill destroys a sandbox. A sandbox the service no longer knows is treated
// as already gone.
func (b *Backend) Kill(ctx context.Context, sandboxID string) error {
	err := b.doJSON(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(sandboxID), nil, nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// StatusError is a non-2xx reply from the service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %d", ErrUnexpectedStatus, e.Code)
	}
	return fmt.Sprintf("%s %d: %s", ErrUnexpectedStatus, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

func (b *Backend) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func (b *Backend) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
	return resp, nil
}

func (b *Backend) doJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpbackend: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := b.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("httpbackend: decode response: %w", err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

// Instance is a sandbox provisioned by the service. It carries every
// capability method and reports which ones the service enabled.
type Instance struct {
	backend *Backend
	id      string
	domain  string
	caps    map[sandbox.Capability]bool
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Supports(c sandbox.Capability) bool { return i.caps[c] }

// Host returns the public URL for port, derived from the advertised domain or
// asked of the service.
func (i *Instance) Host(ctx context.Context, port int) (string, error) {
	if i.domain != "" {
		return fmt.Sprintf("https://%d-%s.%s", port, i.id, i.domain), nil
	}
	var resp struct {
		URL string `json:"url"`
	}
	path := fmt.Sprintf("/sandboxes/%s/hosts/%d", url.PathEscape(i.id), port)
	if err := i.backend.doJSON(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("httpbackend: host response missing url")
	}
	return resp.URL, nil
}

type commandRequest struct {
	Command    string            `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Background bool              `json:"background,omitempty"`
}

type streamEvent struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (i *Instance) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(i.id) + suffix
}

// Spawn runs a command and streams NDJSON output events to the callbacks.
func (i *Instance) Spawn(ctx context.Context, command string, opts sandbox.SpawnOptions) (*sandbox.ExecResult, error) {
	data, err := json.Marshal(commandRequest{Command: command, Env: opts.Env, Background: opts.Background})
	if err != nil {
		return nil, err
	}
	req, err := i.backend.newRequest(ctx, http.MethodPost, i.path("/commands"), nil, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := i.backend.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		res    sandbox.ExecResult
		stdout strings.Builder
		stderr strings.Builder
		exited bool
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("httpbackend: decode stream event: %w", err)
		}
		switch ev.Type {
		case "stdout":
			stdout.WriteString(ev.Data)
			if opts.OnStdout != nil {
				opts.OnStdout(ev.Data)
			}
		case "stderr":
			stderr.WriteString(ev.Data)
			if opts.OnStderr != nil {
				opts.OnStderr(ev.Data)
			}
		case "started":
			res.PID = ev.PID
		case "exit":
			res.ExitCode = ev.ExitCode
			if ev.PID != 0 {
				res.PID = ev.PID
			}
			exited = true
		case "error":
			return nil, fmt.Errorf("httpbackend: command failed: %s", ev.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("httpbackend: read stream: %w", err)
	}
	if !exited && !opts.Background {
		return nil, errors.New("httpbackend: stream ended without exit event")
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return &res, nil
}

type execResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	PID      int    `json:"pid,omitempty"`
}

func (r execResponse) result() *sandbox.ExecResult {
	return &sandbox.ExecResult{ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr, PID: r.PID}
}

// StartProcess starts a command and returns a waitable process handle.
func (i *Instance) StartProcess(ctx context.Context, command string, env map[string]string) (sandbox.Process, error) {
	var resp struct {
		PID int `json:"pid"`
	}
	if err := i.backend.doJSON(ctx, http.MethodPost, i.path("/processes"), nil, commandRequest{Command: command, Env: env}, &resp); err != nil {
		return nil, err
	}
	return &process{inst: i, pid: resp.PID}, nil
}

type process struct {
	inst *Instance
	pid  int
}

func (p *process) PID() int { return p.pid }

func (p *process) Wait(ctx context.Context) (*sandbox.ExecResult, error) {
	var resp execResponse
	path := p.inst.path("/processes/" + strconv.Itoa(p.pid) + "/wait")
	if err := p.inst.backend.doJSON(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.PID == 0 {
		resp.PID = p.pid
	}
	return resp.result(), nil
}

// Exec runs a command to completion.
func (i *Instance) Exec(ctx context.Context, command string, env map[string]string) (*sandbox.ExecResult, error) {
	var resp execResponse
	if err := i.backend.doJSON(ctx, http.MethodPost, i.path("/exec"), nil, commandRequest{Command: command, Env: env}, &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// WriteFile uploads data to path inside the sandbox.
func (i *Instance) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	q := url.Values{"path": {path}, "mode": {strconv.FormatUint(uint64(mode.Perm()), 8)}}
	req, err := i.backend.newRequest(ctx, http.MethodPut, i.path("/files"), q, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := i.backend.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// RunFile executes a file previously written to the sandbox.
func (i *Instance) RunFile(ctx context.Context, path string) (*sandbox.ExecResult, error) {
	var resp execResponse
	body := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := i.backend.doJSON(ctx, http.MethodPost, i.path("/files/run"), nil, body, &resp); err != nil {
		return nil, err
	}
	return resp.result(), nil
}

var (
	_ sandbox.Backend            = (*Backend)(nil)
	_ sandbox.Instance           = (*Instance)(nil)
	_ sandbox.CapabilityReporter = (*Instance)(nil)
	_ sandbox.Spawner            = (*Instance)(nil)
	_ sandbox.ProcessStarter     = (*Instance)(nil)
	_ sandbox.Execer             = (*Instance)(nil)
	_ sandbox.FileRunner         = (*Instance)(nil)
)
