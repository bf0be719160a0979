package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cexll/sandboxchat/pkg/core/events"
	"github.com/cexll/sandboxchat/pkg/mcp"
	"github.com/cexll/sandboxchat/pkg/notify"
	"github.com/cexll/sandboxchat/pkg/session"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 15 * time.Second
)

// ValidationError reports a malformed request body.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Server exposes a Runtime over HTTP.
type Server struct {
	rt     *Runtime
	logger *zap.Logger
	router chi.Router
}

func NewServer(rt *Runtime) *Server {
	s := &Server{rt: rt, logger: rt.Logger().Named("http")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, wrapped for cleartext HTTP/2 when
// server.h2c is enabled.
func (s *Server) Handler() http.Handler {
	if s.rt.Settings().Server.H2C {
		return h2c.NewHandler(s.router, &http2.Server{})
	}
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/mcp", func(r chi.Router) {
		r.Post("/install", s.handleInstall)
		r.Get("/connections", s.handleListConnections)
		r.Get("/connection/{id}", s.handleGetConnection)
		r.Delete("/connection/{id}", s.handleDeleteConnection)
		r.Get("/servers", s.handleListServers)
		r.Post("/servers", s.handlePutServer)
	})

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", s.handleChat)
		r.Get("/session/{id}", s.handleGetSession)
		r.Group(func(r chi.Router) {
			r.Use(s.requireCallbackToken)
			r.Post("/callback/response", s.handleResponseCallback)
			r.Post("/callback/execution-started", s.handleExecutionStartedCallback)
		})
	})
	return r
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()), zap.Bool("h2c", s.rt.Settings().Server.H2C))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on server.addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.rt.Settings().Server.Addr)
	if err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) requireCallbackToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.rt.Settings().Server.CallbackToken
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid callback token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Backend: s.rt.Driver().BackendName()})
}

type installRequest struct {
	mcp.InstallRequest
	// Async defers the deployment to the workflow engine.
	Async bool `json:"async,omitempty"`
}

// installAccepted answers an async install. ConnectionID is the ID the
// connection will be listed under once the install runs.
type installAccepted struct {
	Status       string `json:"status"`
	EventID      string `json:"eventId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

type installFailure struct {
	Error        string `json:"error"`
	ConnectionID string `json:"connectionId,omitempty"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body installRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()
	mgr := s.rt.Manager()

	if body.Async {
		if _, err := mgr.Validate(ctx, body.InstallRequest); err != nil {
			s.fail(w, err)
			return
		}
		sealed, err := mgr.SealCredentials(body.InstallRequest)
		if err != nil {
			s.fail(w, err)
			return
		}
		var connID string
		if !sealed.TestMode {
			connID = uuid.NewString()
		}
		ev, err := events.New(events.MCPInstallRequested, "", events.MCPInstallPayload{
			ServerDefinitionID: sealed.ServerDefinitionID,
			TenantID:           sealed.TenantID,
			Title:              sealed.Title,
			Credentials:        sealed.Credentials,
			TestMode:           sealed.TestMode,
			ConnectionID:       connID,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		if err := s.rt.Engine().Send(ctx, ev); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, installAccepted{Status: "accepted", EventID: ev.ID, ConnectionID: connID})
		return
	}

	res, err := mgr.Install(ctx, body.InstallRequest)
	if err != nil {
		var ie *mcp.InstallError
		if errors.As(err, &ie) {
			writeJSON(w, http.StatusBadGateway, installFailure{Error: ie.Message, ConnectionID: ie.ConnectionID})
			return
		}
		s.fail(w, err)
		return
	}
	if res.TestMode {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.rt.Manager().ListForTenant(r.Context(), r.URL.Query().Get("tenantId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if conns == nil {
		conns = []mcp.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.rt.Manager().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rt.Manager().Remove(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

type definitionWriter interface {
	Put(ctx context.Context, def mcp.ServerDefinition) (mcp.ServerDefinition, error)
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	defs, err := s.rt.Manager().Catalog().List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if defs == nil {
		defs = []mcp.ServerDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": defs})
}

func (s *Server) handlePutServer(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.rt.Manager().Catalog().(definitionWriter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "server catalog is read-only")
		return
	}
	var def mcp.ServerDefinition
	if err := decodeBody(r, &def); err != nil {
		s.fail(w, err)
		return
	}
	saved, err := catalog.Put(r.Context(), def)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

type chatRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type chatAccepted struct {
	SessionID string `json:"sessionId"`
	Turn      int    `json:"turn"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		s.fail(w, &ValidationError{Field: "message", Message: "is required"})
		return
	}
	sess, err := s.rt.Sessions().Begin(body.SessionID, body.UserID, body.TenantID, body.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	ev, err := events.New(events.ChatMessageReceived, sess.ID, events.ChatMessagePayload{
		SessionID: sess.ID,
		Turn:      sess.Turn,
		Message:   body.Message,
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
	})
	if err == nil {
		err = s.rt.Engine().Send(r.Context(), ev)
	}
	if err != nil {
		s.logger.Error("chat message not queued", zap.String("session_id", sess.ID), zap.Error(err))
		_, _ = s.rt.Sessions().Merge(sess.ID, session.Update{Turn: sess.Turn, Error: session.Ptr("message could not be queued")})
		writeError(w, http.StatusServiceUnavailable, "message could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, chatAccepted{SessionID: sess.ID, Turn: sess.Turn})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.rt.Sessions().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResponseCallback(w http.ResponseWriter, r *http.Request) {
	var body notify.Response
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	sess, err := notify.ApplyResponse(s.rt.Sessions(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleExecutionStartedCallback(w http.ResponseWriter, r *http.Request) {
	var body notify.ExecutionStarted
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, err)
		return
	}
	sess, err := notify.ApplyExecutionStarted(s.rt.Sessions(), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, mcp.ErrValidation),
		errors.Is(err, session.ErrEmptyID):
		return http.StatusBadRequest
	case errors.Is(err, mcp.ErrDefinitionNotFound),
		errors.Is(err, mcp.ErrConnectionNotFound),
		errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrStaleTurn):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
