package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cexll/sandboxchat/pkg/credentials"
	"github.com/cexll/sandboxchat/pkg/sandbox"
	"github.com/cexll/sandboxchat/pkg/store"
)

const tracerName = "github.com/cexll/sandboxchat/pkg/mcp"

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Driver is the subset of *sandbox.Driver the manager deploys through.
type Driver interface {
	Provision(ctx context.Context, template string, timeout time.Duration) (*sandbox.Handle, error)
	Install(ctx context.Context, h *sandbox.Handle, command string, env map[string]string) (int, error)
	Start(ctx context.Context, h *sandbox.Handle, command string, env map[string]string) error
	ProbeReady(ctx context.Context, url string, attempts int, interval time.Duration) error
	ProbeSettings() (int, time.Duration)
	Teardown(ctx context.Context, h *sandbox.Handle)
	TeardownID(ctx context.Context, sandboxID string)
}

// Options configures a Manager.
type Options struct {
	Store   store.RowStore
	Catalog Catalog
	Driver  Driver
	Codec   credentials.Codec
	Tools   ToolCaller
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Manager owns the Connection lifecycle.
type Manager struct {
	rows    store.RowStore
	catalog Catalog
	driver  Driver
	codec   credentials.Codec
	tools   ToolCaller
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("mcp: store is required")
	case opts.Driver == nil:
		return nil, errors.New("mcp: sandbox driver is required")
	case opts.Codec == nil:
		return nil, errors.New("mcp: credential codec is required")
	}
	m := &Manager{
		rows:    opts.Store,
		catalog: opts.Catalog,
		driver:  opts.Driver,
		codec:   opts.Codec,
		tools:   opts.Tools,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
	}
	if m.catalog == nil {
		m.catalog = NewStoreCatalog(opts.Store)
	}
	if m.tools == nil {
		m.tools = NewToolClient(nil, RetryPolicy{})
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	return m, nil
}

// Catalog exposes the definition source.
func (m *Manager) Catalog() Catalog { return m.catalog }

// Validate checks an install request without side effects and returns the
// resolved server definition.
func (m *Manager) Validate(ctx context.Context, req InstallRequest) (ServerDefinition, error) {
	switch {
	case strings.TrimSpace(req.ServerDefinitionID) == "":
		return ServerDefinition{}, validationError("serverDefinitionId is required")
	case strings.TrimSpace(req.TenantID) == "":
		return ServerDefinition{}, validationError("tenantId is required")
	case strings.TrimSpace(req.Title) == "":
		return ServerDefinition{}, validationError("title is required")
	}
	for name := range req.Credentials {
		if !envNamePattern.MatchString(name) {
			return ServerDefinition{}, validationError("credential name %q is not a valid environment variable", name)
		}
	}
	def, err := m.catalog.Get(ctx, req.ServerDefinitionID)
	if err != nil {
		return ServerDefinition{}, err
	}
	var missing []string
	for _, name := range def.RequiredCredentials {
		if _, ok := req.Credentials[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ServerDefinition{}, validationError("missing credentials: %s", strings.Join(missing, ", "))
	}
	return def, nil
}

// SealCredentials encrypts the sensitive credential fields of req so it can
// be queued without carrying plaintext secrets.
func (m *Manager) SealCredentials(req InstallRequest) (InstallRequest, error) {
	sealed, err := m.codec.Encrypt(req.Credentials)
	if err != nil {
		return req, fmt.Errorf("mcp: seal credentials: %w", err)
	}
	req.Credentials = sealed
	return req, nil
}

// Install deploys a server definition into a fresh sandbox. Outside test
// mode the Connection moves pending, deploying, then running or error.
// Test mode verifies the deployment, tears it down, and persists nothing.
func (m *Manager) Install(ctx context.Context, req InstallRequest) (*InstallResult, error) {
	def, err := m.Validate(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "mcp.install", trace.WithAttributes(
		attribute.String("mcp.definition", def.ID),
		attribute.String("mcp.tenant", req.TenantID),
		attribute.Bool("mcp.test_mode", req.TestMode),
	))
	defer span.End()

	env, err := m.codec.Decrypt(req.Credentials)
	if err != nil {
		return nil, validationError("credentials could not be decrypted")
	}
	secrets := credentials.Values(env)

	var conn *Connection
	if !req.TestMode {
		sealed, err := m.codec.Encrypt(req.Credentials)
		if err != nil {
			return nil, fmt.Errorf("mcp: seal credentials: %w", err)
		}
		id := strings.TrimSpace(req.ConnectionID)
		if id == "" {
			id = uuid.NewString()
		}
		conn = &Connection{
			ID:                 id,
			TenantID:           strings.TrimSpace(req.TenantID),
			ServerDefinitionID: def.ID,
			Title:              strings.TrimSpace(req.Title),
			Status:             StatusPending,
			Credentials:        sealed,
		}
		if err := m.insert(ctx, conn); err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("mcp.connection", conn.ID))
		conn.Status = StatusDeploying
		if err := m.save(ctx, conn); err != nil {
			return nil, m.fail(ctx, span, conn, nil, err, secrets)
		}
	}

	log := m.logger.With(
		zap.String("definition", def.ID),
		zap.String("tenant_id", req.TenantID),
		zap.Bool("test_mode", req.TestMode))
	if conn != nil {
		log = log.With(zap.String("connection_id", conn.ID))
	}

	h, err := m.driver.Provision(ctx, def.Template, def.Timeout())
	if err != nil {
		return nil, m.fail(ctx, span, conn, nil, err, secrets)
	}
	if conn != nil {
		conn.SandboxID = h.ID
	}
	if strings.TrimSpace(def.InstallCommand) != "" {
		if _, err := m.driver.Install(ctx, h, def.InstallCommand, env); err != nil {
			return nil, m.fail(ctx, span, conn, h, err, secrets)
		}
	}
	if err := m.driver.Start(ctx, h, def.StartCommand, env); err != nil {
		return nil, m.fail(ctx, span, conn, h, err, secrets)
	}
	host, err := h.URL(ctx, def.Port)
	if err != nil {
		return nil, m.fail(ctx, span, conn, h, fmt.Errorf("resolve host: %w", err), secrets)
	}
	host = strings.TrimRight(host, "/")
	attempts, interval := m.driver.ProbeSettings()
	if err := m.driver.ProbeReady(ctx, host+def.healthPath(), attempts, interval); err != nil {
		return nil, m.fail(ctx, span, conn, h, err, secrets)
	}

	if req.TestMode {
		m.driver.Teardown(ctx, h)
		log.Info("mcp server verified", zap.String("sandbox_id", h.ID))
		return &InstallResult{TestMode: true, Message: fmt.Sprintf("%s installed and responded to health checks", def.Name)}, nil
	}

	conn.Status = StatusRunning
	conn.ServerURL = host + def.endpointPath()
	conn.LastError = ""
	if err := m.save(ctx, conn); err != nil {
		return nil, m.fail(ctx, span, conn, h, err, secrets)
	}
	log.Info("mcp server running", zap.String("sandbox_id", h.ID), zap.String("server_url", conn.ServerURL))
	sanitized := conn.Sanitized()
	return &InstallResult{Connection: &sanitized, Message: fmt.Sprintf("%s is running", def.Name)}, nil
}

// fail tears down the sandbox, records the error on the connection, and
// returns a redacted InstallError.
func (m *Manager) fail(ctx context.Context, span trace.Span, conn *Connection, h *sandbox.Handle, cause error, secrets []string) error {
	// Cleanup must run even when the request context is gone.
	ctx = context.WithoutCancel(ctx)
	if h != nil {
		m.driver.Teardown(ctx, h)
	}
	msg := credentials.RedactText(cause.Error(), secrets...)
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)

	ierr := &InstallError{Message: msg, Err: cause}
	fields := []zap.Field{zap.String("error", msg)}
	if conn != nil {
		ierr.ConnectionID = conn.ID
		fields = append(fields, zap.String("connection_id", conn.ID))
		conn.Status = StatusError
		conn.LastError = msg
		if err := m.save(ctx, conn); err != nil {
			m.logger.Error("mcp connection error state not recorded",
				zap.String("connection_id", conn.ID), zap.Error(err))
		}
	}
	m.logger.Warn("mcp install failed", fields...)
	return ierr
}

// Remove deletes a connection, tearing down its sandbox on a best-effort basis.
func (m *Manager) Remove(ctx context.Context, id string) error {
	conn, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if conn.SandboxID != "" {
		m.driver.TeardownID(ctx, conn.SandboxID)
	}
	if f, ok := m.tools.(interface{ Forget(string) }); ok && conn.ServerURL != "" {
		f.Forget(conn.ServerURL)
	}
	if err := m.rows.Delete(ctx, conn.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		}
		return err
	}
	m.logger.Info("mcp connection removed", zap.String("connection_id", conn.ID), zap.String("tenant_id", conn.TenantID))
	return nil
}

// Get returns one sanitized connection.
func (m *Manager) Get(ctx context.Context, id string) (Connection, error) {
	conn, err := m.load(ctx, id)
	if err != nil {
		return Connection{}, err
	}
	return conn.Sanitized(), nil
}

// ListForTenant returns the tenant's connections with credentials redacted.
func (m *Manager) ListForTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	conns, err := m.listTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i] = conns[i].Sanitized()
	}
	return conns, nil
}

// ResolveRunning finds a running connection of tenantID whose definition ID,
// definition name, or title matches server (case-insensitive).
func (m *Manager) ResolveRunning(ctx context.Context, tenantID, server string) (Connection, error) {
	server = strings.TrimSpace(server)
	conns, err := m.listTenant(ctx, tenantID)
	if err != nil {
		return Connection{}, err
	}
	var running []Connection
	for _, c := range conns {
		if c.Status == StatusRunning && c.ServerURL != "" {
			running = append(running, c)
		}
	}
	// Most recently updated wins when titles collide.
	sort.SliceStable(running, func(i, j int) bool { return running[i].UpdatedAt.After(running[j].UpdatedAt) })
	for _, c := range running {
		if strings.EqualFold(c.ServerDefinitionID, server) || strings.EqualFold(c.Title, server) {
			return c, nil
		}
	}
	for _, c := range running {
		def, err := m.catalog.Get(ctx, c.ServerDefinitionID)
		if err == nil && strings.EqualFold(def.Name, server) {
			return c, nil
		}
	}
	return Connection{}, &ToolResolutionError{Server: server, TenantID: tenantID}
}

// CallTool invokes tool on the server behind a running connection.
func (m *Manager) CallTool(ctx context.Context, conn Connection, tool string, args map[string]any) (*ToolResult, error) {
	if conn.Status != StatusRunning || conn.ServerURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, conn.ID)
	}
	ctx, span := m.tracer.Start(ctx, "mcp.call_tool", trace.WithAttributes(
		attribute.String("mcp.connection", conn.ID),
		attribute.String("mcp.tool", tool),
	))
	defer span.End()

	res, err := m.tools.CallTool(ctx, conn.ServerURL, tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("mcp tool call failed",
			zap.String("connection_id", conn.ID), zap.String("tool", tool), zap.Error(err))
		return nil, err
	}
	m.logger.Info("mcp tool called",
		zap.String("connection_id", conn.ID), zap.String("tool", tool), zap.Bool("is_error", res.IsError))
	return res, nil
}

// ListTools returns the tools exposed by a running connection.
func (m *Manager) ListTools(ctx context.Context, conn Connection) ([]ToolInfo, error) {
	if conn.Status != StatusRunning || conn.ServerURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, conn.ID)
	}
	return m.tools.ListTools(ctx, conn.ServerURL)
}

func (m *Manager) listTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, validationError("tenantId is required")
	}
	rows, err := m.rows.List(ctx, store.Filter{RelatedObjectType: ObjectTypeConnection, OwnerTenantID: tenantID})
	if err != nil {
		return nil, err
	}
	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := decodeConnection(row)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, id string) (Connection, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Connection{}, validationError("connection id is required")
	}
	row, err := m.rows.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && row.RelatedObjectType != ObjectTypeConnection) {
		return Connection{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	if err != nil {
		return Connection{}, err
	}
	return decodeConnection(row)
}

func (m *Manager) insert(ctx context.Context, conn *Connection) error {
	row, err := connectionRow(conn)
	if err != nil {
		return err
	}
	stored, err := m.rows.Insert(ctx, row)
	if err != nil {
		return fmt.Errorf("mcp: create connection: %w", err)
	}
	conn.CreatedAt, conn.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

func (m *Manager) save(ctx context.Context, conn *Connection) error {
	row, err := connectionRow(conn)
	if err != nil {
		return err
	}
	stored, err := m.rows.Update(ctx, row)
	if err != nil {
		return fmt.Errorf("mcp: update connection %s: %w", conn.ID, err)
	}
	conn.UpdatedAt = stored.UpdatedAt
	m.logger.Debug("mcp connection status", zap.String("connection_id", conn.ID), zap.String("status", string(conn.Status)))
	return nil
}

func connectionRow(conn *Connection) (store.Row, error) {
	data, err := json.Marshal(conn)
	if err != nil {
		return store.Row{}, fmt.Errorf("mcp: encode connection: %w", err)
	}
	return store.Row{
		ID:                conn.ID,
		RelatedObjectType: ObjectTypeConnection,
		OwnerTenantID:     conn.TenantID,
		Data:              data,
	}, nil
}

func decodeConnection(row store.Row) (Connection, error) {
	conn, err := store.Decode[Connection](row)
	if err != nil {
		return Connection{}, fmt.Errorf("mcp: decode connection %s: %w", row.ID, err)
	}
	conn.ID = row.ID
	conn.CreatedAt, conn.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return conn, nil
}
