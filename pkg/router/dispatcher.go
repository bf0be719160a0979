package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/mcp"
	"github.com/cexll/sandboxchat/pkg/model"
	"github.com/cexll/sandboxchat/pkg/notify"
	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/workflow"
)

const (
	// DefaultMaxOutput caps stdout and stderr echoed back to the user.
	DefaultMaxOutput = 16 << 10
	// DefaultCatalogTimeout bounds listing one server's tools for the prompt.
	DefaultCatalogTimeout = 5 * time.Second
	tracerName            = "github.com/cexll/sandboxchat/pkg/router"
)

// SandboxRunner runs one command in an ephemeral sandbox.
type SandboxRunner interface {
	RunOnce(ctx context.Context, req sandbox.RunRequest) (*sandbox.RunResult, error)
}

// Connections is the part of the MCP manager the dispatcher routes tool
// calls through.
type Connections interface {
	ResolveRunning(ctx context.Context, tenantID, server string) (mcp.Connection, error)
	CallTool(ctx context.Context, conn mcp.Connection, tool string, args map[string]any) (*mcp.ToolResult, error)
	ListForTenant(ctx context.Context, tenantID string) ([]mcp.Connection, error)
	ListTools(ctx context.Context, conn mcp.Connection) ([]mcp.ToolInfo, error)
}

// Options configures a Dispatcher.
type Options struct {
	Sandbox     SandboxRunner
	Connections Connections
	Model       model.Model
	Notifier    notify.Notifier
	Classifiers []Classifier
	// Template and Timeout apply to ad-hoc execution sandboxes.
	Template  string
	Timeout   time.Duration
	MaxOutput int
	// CatalogTimeout caps each server's tool listing when building the
	// reply prompt.
	CatalogTimeout time.Duration
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

// Request is one inbound chat turn.
type Request struct {
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn"`
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

// Dispatcher routes chat turns and reports results through a Notifier.
type Dispatcher struct {
	sandbox     SandboxRunner
	conns       Connections
	model       model.Model
	notifier    notify.Notifier
	classifiers []Classifier
	template    string
	timeout     time.Duration
	maxOutput   int
	catalogTTL  time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Sandbox == nil {
		return nil, errors.New("router: sandbox runner is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("router: notifier is required")
	}
	d := &Dispatcher{
		sandbox:     opts.Sandbox,
		conns:       opts.Connections,
		model:       opts.Model,
		notifier:    opts.Notifier,
		classifiers: opts.Classifiers,
		template:    opts.Template,
		timeout:     opts.Timeout,
		maxOutput:   opts.MaxOutput,
		catalogTTL:  opts.CatalogTimeout,
		logger:      opts.Logger,
		tracer:      opts.Tracer,
	}
	if d.model == nil {
		d.model = model.Offline{}
	}
	if len(d.classifiers) == 0 {
		d.classifiers = DefaultClassifiers()
	}
	if d.maxOutput <= 0 {
		d.maxOutput = DefaultMaxOutput
	}
	if d.catalogTTL <= 0 {
		d.catalogTTL = DefaultCatalogTimeout
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d, nil
}

// Dispatch runs a turn outside the workflow engine. A failure is reported
// to the session as an apologetic reply and also returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) error {
	err := d.Handle(ctx, req, workflow.NewLocalSteps("router.dispatch"))
	if err != nil {
		d.NotifyFailure(ctx, req, err)
	}
	return err
}

// Handle runs a turn as memoised workflow steps. Errors are returned so the
// engine can retry; steps that already succeeded are not repeated.
func (d *Dispatcher) Handle(ctx context.Context, req Request, steps *workflow.Steps) error {
	ctx, span := d.tracer.Start(ctx, "router.dispatch", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.Int("session.turn", req.Turn),
	))
	defer span.End()

	cls, err := workflow.Run(ctx, steps, "classify", func(context.Context) (Classification, error) {
		return ClassifyWith(d.classifiers, req.Message), nil
	})
	if err != nil {
		return fail(span, err)
	}
	span.SetAttributes(attribute.String("router.kind", string(cls.Kind)))
	d.logger.Info("chat message classified",
		zap.String("session_id", req.SessionID),
		zap.Int("turn", req.Turn),
		zap.String("kind", string(cls.Kind)),
		zap.String("parser", cls.Parser))

	var reply notify.Response
	switch cls.Kind {
	case KindShellCommand:
		reply, err = d.execute(ctx, req, steps, cls.Command, cls.Command)
	case KindCodeBlock:
		cmd, ok := CodeCommand(cls.Language, cls.Code)
		if !ok {
			reply = d.text(req, fmt.Sprintf("I can't run %q code blocks. Supported languages: %s.",
				cls.Language, strings.Join(SupportedLanguages(), ", ")))
			break
		}
		reply, err = d.execute(ctx, req, steps, cmd, cls.Language+" code block")
	case KindToolCall:
		reply, err = d.callTools(ctx, req, steps, cls.ToolCalls)
	default:
		reply, err = d.converse(ctx, req, steps)
	}
	if err != nil {
		return fail(span, err)
	}
	if err := workflow.Do(ctx, steps, "notify-response", func(ctx context.Context) error {
		d.notifier.NotifyResponse(ctx, reply)
		return nil
	}); err != nil {
		return fail(span, err)
	}
	return nil
}

// NotifyFailure reports an unrecoverable failure for req's turn.
func (d *Dispatcher) NotifyFailure(ctx context.Context, req Request, cause error) {
	d.logger.Error("chat turn failed",
		zap.String("session_id", req.SessionID), zap.Int("turn", req.Turn), zap.Error(cause))
	reply := d.text(req, "Sorry, something went wrong while handling your message. Please try again.")
	reply.Error = failureDetail(cause)
	d.notifier.NotifyResponse(ctx, reply)
}

func (d *Dispatcher) text(req Request, text string) notify.Response {
	return notify.Response{SessionID: req.SessionID, Turn: req.Turn, Text: text}
}

// execute runs command in an ephemeral sandbox. The session is told that
// sandboxed work is pending, then that it started, then the final output.
func (d *Dispatcher) execute(ctx context.Context, req Request, steps *workflow.Steps, command, label string) (notify.Response, error) {
	if err := workflow.Do(ctx, steps, "notify-pending", func(ctx context.Context) error {
		pending := d.text(req, fmt.Sprintf("Running %s in a sandbox...", quoteLabel(label)))
		pending.RequiresSandbox = true
		d.notifier.NotifyResponse(ctx, pending)
		return nil
	}); err != nil {
		return notify.Response{}, err
	}

	res, err := workflow.Run(ctx, steps, "execute", func(ctx context.Context) (sandbox.RunResult, error) {
		out, err := d.sandbox.RunOnce(ctx, sandbox.RunRequest{
			Template: d.template,
			Timeout:  d.timeout,
			Command:  command,
			OnStarted: func(sandboxID string) {
				d.notifier.NotifyExecutionStarted(ctx, notify.ExecutionStarted{
					SessionID: req.SessionID, Turn: req.Turn, SandboxID: sandboxID,
				})
			},
		})
		if err != nil {
			if sandbox.IsFatal(err) {
				return sandbox.RunResult{}, workflow.NonRetryable(err)
			}
			return sandbox.RunResult{}, err
		}
		return *out, nil
	})
	if err != nil {
		return notify.Response{}, err
	}
	d.logger.Info("sandbox execution finished",
		zap.String("session_id", req.SessionID),
		zap.String("sandbox_id", res.SandboxID),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	reply := d.text(req, formatRun(res, d.maxOutput))
	reply.SandboxID = res.SandboxID
	return reply, nil
}

func quoteLabel(label string) string {
	if strings.Contains(label, "\n") || strings.HasSuffix(label, "code block") {
		return "your " + label
	}
	return "`" + label + "`"
}

func formatRun(res sandbox.RunResult, limit int) string {
	var b strings.Builder
	if res.ExitCode != 0 {
		fmt.Fprintf(&b, "The command exited with status %d.\n", res.ExitCode)
	}
	stdout := strings.TrimRight(res.Stdout, "\n")
	stderr := strings.TrimRight(res.Stderr, "\n")
	if stdout != "" {
		b.WriteString("Output:\n```\n" + truncate(stdout, limit) + "\n```\n")
	}
	if stderr != "" {
		b.WriteString("Errors:\n```\n" + truncate(stderr, limit) + "\n```\n")
	}
	if stdout == "" && stderr == "" && res.ExitCode == 0 {
		b.WriteString("The command finished with no output.")
	}
	return strings.TrimRight(b.String(), "\n")
}

// converse asks the model for a reply. A reply that is itself a tool call
// is routed to the MCP servers.
func (d *Dispatcher) converse(ctx context.Context, req Request, steps *workflow.Steps) (notify.Response, error) {
	answer, err := workflow.Run(ctx, steps, "reply", func(ctx context.Context) (string, error) {
		system := replyPrompt + d.toolCatalog(ctx, req.TenantID)
		text, err := model.Text(ctx, d.model, system, req.Message)
		if errors.Is(err, model.ErrNotConfigured) {
			return offlineReply, nil
		}
		return text, err
	})
	if err != nil {
		return notify.Response{}, err
	}
	if calls, ok := ParseToolCalls(answer); ok {
		return d.callTools(ctx, req, steps, calls)
	}
	return d.text(req, answer), nil
}

// toolCatalog lists the tenant's running servers and their tools for the
// reply prompt. Listing failures only shrink the catalog.
func (d *Dispatcher) toolCatalog(ctx context.Context, tenantID string) string {
	if d.conns == nil || strings.TrimSpace(tenantID) == "" {
		return ""
	}
	conns, err := d.conns.ListForTenant(ctx, tenantID)
	if err != nil {
		d.logger.Warn("listing tool servers failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return ""
	}
	var b strings.Builder
	for _, c := range conns {
		if c.Status != mcp.StatusRunning {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, d.catalogTTL)
		tools, err := d.conns.ListTools(listCtx, c)
		cancel()
		if err != nil {
			d.logger.Warn("listing tools failed", zap.String("connection_id", c.ID), zap.Error(err))
			continue
		}
		fmt.Fprintf(&b, "\n- server %q (%s):", c.ServerDefinitionID, c.Title)
		for _, t := range tools {
			fmt.Fprintf(&b, "\n  - %s: %s", t.Name, t.Description)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return toolPromptHeader + b.String()
}

// callTools resolves and invokes each call, then summarises the results.
func (d *Dispatcher) callTools(ctx context.Context, req Request, steps *workflow.Steps, calls []ToolCall) (notify.Response, error) {
	if d.conns == nil {
		return d.text(req, "Tool servers are not available in this deployment."), nil
	}
	var outputs []string
	for i, call := range calls {
		out, err := workflow.Run(ctx, steps, fmt.Sprintf("tool-%d", i), func(ctx context.Context) (string, error) {
			return d.callTool(ctx, req, call)
		})
		if err != nil {
			return notify.Response{}, err
		}
		outputs = append(outputs, out)
	}
	raw := strings.Join(outputs, "\n\n")

	summary, err := workflow.Run(ctx, steps, "summarize", func(ctx context.Context) (string, error) {
		prompt := fmt.Sprintf("User request:\n%s\n\nTool results:\n%s", req.Message, raw)
		text, err := model.Text(ctx, d.model, summaryPrompt, prompt)
		if errors.Is(err, model.ErrNotConfigured) {
			return raw, nil
		}
		return text, err
	})
	if err != nil {
		return notify.Response{}, err
	}
	return d.text(req, summary), nil
}

func (d *Dispatcher) callTool(ctx context.Context, req Request, call ToolCall) (string, error) {
	conn, err := d.conns.ResolveRunning(ctx, req.TenantID, call.Server)
	var rerr *mcp.ToolResolutionError
	if errors.As(err, &rerr) || errors.Is(err, mcp.ErrValidation) {
		d.logger.Info("tool server not resolved",
			zap.String("session_id", req.SessionID), zap.String("server", call.Server))
		return fmt.Sprintf("[%s.%s] I couldn't find a running tool server named %q for your workspace. Install it first or check the name.",
			call.Server, call.Tool, call.Server), nil
	}
	if err != nil {
		return "", err
	}
	res, err := d.conns.CallTool(ctx, conn, call.Tool, call.Arguments)
	if err != nil {
		return "", err
	}
	text := truncate(res.Text, d.maxOutput)
	if res.IsError {
		return fmt.Sprintf("[%s.%s] tool reported an error:\n%s", call.Server, call.Tool, text), nil
	}
	return fmt.Sprintf("[%s.%s]\n%s", call.Server, call.Tool, text), nil
}

func failureDetail(err error) string {
	var perr *sandbox.ProvisioningError
	switch {
	case errors.Is(err, sandbox.ErrNoExecutionCapability):
		return "sandbox exposes no command execution capability"
	case errors.Is(err, sandbox.ErrReadinessTimeout):
		return "sandbox never became ready"
	case errors.As(err, &perr):
		return fmt.Sprintf("sandbox %s failed", perr.Stage)
	default:
		return truncate(err.Error(), 512)
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const (
	replyPrompt = "You are a helpful assistant inside a chat that can run code in sandboxes. " +
		"Answer the user concisely."
	toolPromptHeader = "\n\nWhen a tool is needed, reply with only this JSON and nothing else: " +
		`{"tool_calls":[{"server":"<server>","tool":"<tool>","arguments":{}}]}` +
		"\nAvailable tool servers:"
	summaryPrompt = "Summarize the tool results for the user in plain language. " +
		"Do not invent data that is not in the results."
	offlineReply = "I can't answer free-form messages right now because no language model is configured. " +
		"You can still run commands, for example: run the command `echo hello`."
)
