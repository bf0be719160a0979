// Package api wires the service components together and exposes them over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/config"
	"github.com/cexll/sandboxchat/pkg/core/events"
	"github.com/cexll/sandboxchat/pkg/credentials"
	"github.com/cexll/sandboxchat/pkg/mcp"
	"github.com/cexll/sandboxchat/pkg/model"
	"github.com/cexll/sandboxchat/pkg/notify"
	"github.com/cexll/sandboxchat/pkg/router"
	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/sandbox/httpbackend"
	"github.com/cexll/sandboxchat/pkg/sandbox/localbackend"
	"github.com/cexll/sandboxchat/pkg/session"
	"github.com/cexll/sandboxchat/pkg/store"
	"github.com/cexll/sandboxchat/pkg/telemetry"
	"github.com/cexll/sandboxchat/pkg/workflow"
)

// InstallHandlerName identifies the asynchronous install registration.
const InstallHandlerName = "mcp.install"

// Options configures a Runtime. Only Settings is required; the remaining
// fields replace the component that Settings would otherwise build.
type Options struct {
	Settings config.Settings
	Logger   *zap.Logger
	// Level, when set, receives log level changes on Apply.
	Level *zap.AtomicLevel

	Backend    sandbox.Backend
	Store      store.RowStore
	Codec      credentials.Codec
	Model      model.Model
	Notifier   notify.Notifier
	HTTPClient *http.Client
}

// Runtime owns every long-lived component of the service.
type Runtime struct {
	logger *zap.Logger
	level  *zap.AtomicLevel

	telemetry  *telemetry.Provider
	rows       store.RowStore
	driver     *sandbox.Driver
	tools      *mcp.ToolClient
	manager    *mcp.Manager
	sessions   *session.Store
	notifier   notify.Notifier
	dispatcher *router.Dispatcher
	engine     *workflow.Engine

	mu       sync.RWMutex
	settings config.Settings

	cancel    context.CancelFunc
	sweeper   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New builds and starts a runtime. The caller must Close it.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Settings
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{logger: logger, level: opts.Level, settings: cfg}

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	rt.telemetry = tp

	if err := rt.build(opts); err != nil {
		_ = rt.shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	rt.dispatcher.Register(rt.engine)
	rt.engine.Register(events.MCPInstallRequested, InstallHandlerName, rt.handleInstall)
	rt.engine.Start()

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt.cancel = cancel
	rt.sweeper.Add(1)
	go func() {
		defer rt.sweeper.Done()
		rt.sessions.Run(sweepCtx, cfg.Session.SweepInterval)
	}()

	logger.Info("runtime started",
		zap.String("backend", rt.driver.BackendName()),
		zap.String("store", cfg.Store.Driver),
		zap.String("model", cfg.Model.Provider),
		zap.Bool("tracing", tp.Enabled()),
		zap.Bool("http_callbacks", cfg.Server.CallbackURL != ""),
	)
	return rt, nil
}

func (rt *Runtime) build(opts Options) error {
	cfg := opts.Settings
	var err error

	rt.rows = opts.Store
	if rt.rows == nil {
		if rt.rows, err = openStore(cfg.Store); err != nil {
			return err
		}
	}

	codec := opts.Codec
	if codec == nil {
		if codec, err = credentials.LoadOrCreate(cfg.Credentials.MasterKeyPath); err != nil {
			return err
		}
	}

	backend := opts.Backend
	if backend == nil {
		if backend, err = openBackend(cfg.Sandbox, rt.logger); err != nil {
			return err
		}
	}
	rt.driver, err = sandbox.NewDriver(sandbox.Options{
		Backend:         backend,
		Logger:          rt.logger.Named("sandbox"),
		DefaultTemplate: cfg.Sandbox.DefaultTemplate,
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
		ProbeAttempts:   cfg.Sandbox.ProbeAttempts,
		ProbeInterval:   cfg.Sandbox.ProbeInterval,
	})
	if err != nil {
		return err
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.MCP.ToolTimeout}
	}
	rt.tools = mcp.NewToolClient(client, mcp.RetryPolicy{MaxAttempts: cfg.MCP.CallAttempts})
	rt.manager, err = mcp.NewManager(mcp.Options{
		Store:  rt.rows,
		Driver: rt.driver,
		Codec:  codec,
		Tools:  rt.tools,
		Logger: rt.logger.Named("mcp"),
	})
	if err != nil {
		return err
	}

	rt.sessions = session.NewStore(
		session.WithTTL(cfg.Session.TTL),
		session.WithLogger(rt.logger.Named("session")),
	)

	rt.notifier = opts.Notifier
	if rt.notifier == nil {
		if rt.notifier, err = openNotifier(cfg.Server, rt.sessions, rt.logger.Named("notify")); err != nil {
			return err
		}
	}

	mdl := opts.Model
	if mdl == nil {
		if mdl, err = openModel(cfg.Model); err != nil {
			return err
		}
	}

	rt.dispatcher, err = router.NewDispatcher(router.Options{
		Sandbox:        rt.driver,
		Connections:    rt.manager,
		Model:          mdl,
		Notifier:       rt.notifier,
		Template:       cfg.Sandbox.DefaultTemplate,
		Timeout:        cfg.Sandbox.DefaultTimeout,
		CatalogTimeout: cfg.MCP.ListTimeout,
		Logger:         rt.logger.Named("router"),
	})
	if err != nil {
		return err
	}

	rt.engine = workflow.NewEngine(workflow.Options{
		Workers:     cfg.Workflow.Workers,
		MaxAttempts: cfg.Workflow.MaxAttempts,
		Backoff:     cfg.Workflow.Backoff,
		Middleware:  []workflow.Middleware{workflow.LoggingMiddleware(rt.logger.Named("workflow"))},
		OnFailure:   rt.onFailure,
		Logger:      rt.logger.Named("workflow"),
	})
	return nil
}

func openStore(cfg config.StoreConfig) (store.RowStore, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "":
		return store.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("api: unknown store driver %q", cfg.Driver)
	}
}

func openBackend(cfg config.SandboxConfig, logger *zap.Logger) (sandbox.Backend, error) {
	switch cfg.Backend {
	case "http":
		return httpbackend.New(httpbackend.Config{
			Endpoint: cfg.URL,
			Token:    cfg.Token,
			Logger:   logger.Named("httpbackend"),
		})
	case "local", "":
		return localbackend.New(localbackend.Config{
			Root:   cfg.LocalRoot,
			Logger: logger.Named("localbackend"),
		})
	default:
		return nil, fmt.Errorf("api: unknown sandbox backend %q", cfg.Backend)
	}
}

func openNotifier(cfg config.ServerConfig, sessions *session.Store, logger *zap.Logger) (notify.Notifier, error) {
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return notify.NewDirect(sessions, logger), nil
	}
	return notify.NewHTTP(notify.HTTPConfig{
		BaseURL: cfg.CallbackURL,
		Token:   cfg.CallbackToken,
		Logger:  logger,
	})
}

func openModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		return model.NewAnthropic(model.AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Name,
			MaxTokens: cfg.MaxTokens,
		})
	case "openai":
		return model.NewOpenAI(model.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Name,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return model.Offline{}, nil
	}
}

// handleInstall runs an install accepted by the asynchronous endpoint. A
// failed install already left its connection in the error state, so it is
// not retried.
func (rt *Runtime) handleInstall(ctx context.Context, ev events.Event, steps *workflow.Steps) error {
	p, err := events.Decode[events.MCPInstallPayload](ev)
	if err != nil {
		return workflow.NonRetryable(err)
	}
	req := mcp.InstallRequest{
		ServerDefinitionID: p.ServerDefinitionID,
		TenantID:           p.TenantID,
		Title:              p.Title,
		Credentials:        p.Credentials,
		TestMode:           p.TestMode,
		ConnectionID:       p.ConnectionID,
	}
	res, err := workflow.Run(ctx, steps, "install", func(ctx context.Context) (*mcp.InstallResult, error) {
		res, err := rt.manager.Install(ctx, req)
		if err != nil {
			return nil, workflow.NonRetryable(err)
		}
		return res, nil
	})
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.String("server_definition_id", p.ServerDefinitionID), zap.String("tenant_id", p.TenantID)}
	if res.Connection != nil {
		fields = append(fields, zap.String("connection_id", res.Connection.ID))
	}
	rt.logger.Info("async mcp install finished", fields...)
	return nil
}

func (rt *Runtime) onFailure(ctx context.Context, ev events.Event, handler string, err error) {
	switch ev.Type {
	case events.ChatMessageReceived:
		rt.dispatcher.OnFailure(ctx, ev, handler, err)
	case events.MCPInstallRequested:
		fields := []zap.Field{zap.String("event_id", ev.ID), zap.Error(err)}
		var ie *mcp.InstallError
		if errors.As(err, &ie) {
			fields = append(fields, zap.String("connection_id", ie.ConnectionID))
		}
		rt.logger.Warn("async mcp install failed", fields...)
	}
}

// Apply takes the hot-reloadable fields of s: log level and session TTL.
func (rt *Runtime) Apply(s *config.Settings) {
	if s == nil {
		return
	}
	rt.mu.Lock()
	rt.settings.Log.Level = s.Log.Level
	rt.settings.Session.TTL = s.Session.TTL
	rt.settings.SourceHash = s.SourceHash
	rt.mu.Unlock()

	if rt.level != nil {
		if lvl, err := zap.ParseAtomicLevel(s.Log.Level); err == nil {
			rt.level.SetLevel(lvl.Level())
		}
	}
	rt.sessions.SetTTL(s.Session.TTL)
	rt.logger.Info("settings reloaded", zap.String("log_level", s.Log.Level), zap.Duration("session_ttl", rt.sessions.TTL()))
}

// Settings returns the active settings.
func (rt *Runtime) Settings() config.Settings {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.settings
}

func (rt *Runtime) Logger() *zap.Logger            { return rt.logger }
func (rt *Runtime) Driver() *sandbox.Driver        { return rt.driver }
func (rt *Runtime) Manager() *mcp.Manager          { return rt.manager }
func (rt *Runtime) Sessions() *session.Store       { return rt.sessions }
func (rt *Runtime) Dispatcher() *router.Dispatcher { return rt.dispatcher }
func (rt *Runtime) Engine() *workflow.Engine       { return rt.engine }

// Close drains the workflow engine and releases held resources.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.closeOnce.Do(func() {
		rt.closeErr = rt.shutdown(ctx)
	})
	return rt.closeErr
}

func (rt *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Close(ctx))
	}
	if rt.cancel != nil {
		rt.cancel()
		rt.sweeper.Wait()
	}
	if rt.tools != nil {
		errs = append(errs, rt.tools.Close())
	}
	if rt.rows != nil {
		errs = append(errs, rt.rows.Close())
	}
	if rt.telemetry != nil {
		errs = append(errs, rt.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
