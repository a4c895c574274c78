// Package server provides the Coreplane HTTP surface: core endpoints,
// per-plugin RPC dispatch, fallback handlers, and the signals socket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coreplane/coreplane/internal/registry"
	"github.com/coreplane/coreplane/internal/version"
	"github.com/coreplane/coreplane/pkg/plugin"
)

// PluginHost exposes the loaded plugin set to the HTTP layer. Defined
// here (consumer-side) rather than importing the concrete manager type;
// *registry.Manager satisfies it.
type PluginHost interface {
	Plugins() []plugin.Info
	RouterFor(name string) (plugin.Router, bool)
	HTTPHandlersFor(name string) []registry.HTTPHandler
	RequestContext(name string) (*plugin.RequestContext, error)
}

// Authenticator resolves the caller on each API request and serves the
// service-token key set.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*plugin.User, error)
	JWKS() ([]byte, error)
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// Server is the Coreplane HTTP server.
type Server struct {
	httpServer *http.Server
	host       PluginHost
	authn      Authenticator
	adminAuth  plugin.AuthView // access-namespace view for core-gated endpoints
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
}

// New creates a Server with middleware and routes. signals is the
// WebSocket handler for /api/signals/ws; pass nil to disable it.
func New(addr string, host PluginHost, authn Authenticator, adminAuth plugin.AuthView, signals http.Handler, ready ReadinessChecker, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		host:      host,
		authn:     authn,
		adminAuth: adminAuth,
		logger:    logger,
		mux:       mux,
		ready:     ready,
	}

	s.registerRoutes(signals)

	// Middleware chain: outermost listed first.
	opsPaths := []string{"/healthz", "/readyz", "/metrics"}
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, opsPaths),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(100, 200, opsPaths),
	)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes(signals http.Handler) {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)

	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	s.mux.HandleFunc("GET /api/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /api/openapi.json", s.handleOpenAPI)

	if signals != nil {
		s.mux.Handle("GET /api/signals/ws", signals)
	}

	// Per-plugin API surface. Literal routes above win over the wildcard.
	s.mux.HandleFunc("/api/{pluginId}/{rest...}", s.handlePluginAPI)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler without middleware. Used by tests.
func (s *Server) Handler() http.Handler { return s.mux }

// handleRoot is the liveness text at the server root.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Coreplane is running")
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive", "version": version.Short()})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleJWKS serves the public keys that verify inter-plugin service
// tokens.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys, err := s.authn.JWKS()
	if err != nil {
		s.logger.Error("jwks encoding failed", zap.Error(err))
		InternalError(w, "key set unavailable", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(keys)
}

// FrontendPlugin describes one installable UI module.
type FrontendPlugin struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// handlePlugins lists enabled frontend plugins for the shell UI.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	infos := s.host.Plugins()
	out := make([]FrontendPlugin, 0, len(infos))
	for _, info := range infos {
		if info.Type != plugin.TypeFrontend {
			continue
		}
		out = append(out, FrontendPlugin{Name: info.Name, Path: info.Path})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleOpenAPI aggregates every plugin contract into one OpenAPI 3
// document. Gated behind applications.manage: the document is the
// integration surface handed to application developers.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	user, err := s.authn.Authenticate(r.Context(), r)
	if err != nil {
		Unauthorized(w, "authentication required", r.URL.Path)
		return
	}
	if s.adminAuth == nil || !s.adminAuth.CheckRules(user, "applications.manage") {
		if user == nil {
			Unauthorized(w, "authentication required", r.URL.Path)
		} else {
			Forbidden(w, "insufficient permissions", r.URL.Path)
		}
		return
	}

	doc := s.buildOpenAPI()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handlePluginAPI dispatches /api/{pluginId}/… requests: RPC procedures
// first, then the plugin's fallback HTTP handlers, then 404.
func (s *Server) handlePluginAPI(w http.ResponseWriter, r *http.Request) {
	pluginID := r.PathValue("pluginId")
	rest := "/" + r.PathValue("rest")

	rc, err := s.host.RequestContext(pluginID)
	if err != nil {
		NotFound(w, fmt.Sprintf("unknown plugin %q", pluginID), r.URL.Path)
		return
	}

	user, err := s.authn.Authenticate(r.Context(), r)
	if err != nil {
		Unauthorized(w, "invalid credentials", r.URL.Path)
		return
	}
	rc.User = user

	if router, ok := s.host.RouterFor(pluginID); ok {
		for _, proc := range router.Procedures {
			if "/"+proc.Name == rest && procedureMethod(proc) == r.Method {
				s.dispatch(w, r, rc, proc)
				return
			}
		}
	}

	// Fallback handlers match by longest registered prefix.
	handlers := s.host.HTTPHandlersFor(pluginID)
	sort.SliceStable(handlers, func(i, j int) bool {
		return len(handlers[i].Prefix) > len(handlers[j].Prefix)
	})
	for _, h := range handlers {
		if strings.HasPrefix(rest, h.Prefix) {
			http.StripPrefix("/api/"+pluginID, h.Handler).ServeHTTP(w, r)
			return
		}
	}

	NotFound(w, fmt.Sprintf("no handler for %s %s", r.Method, rest), r.URL.Path)
}

// dispatch runs one RPC procedure after the contract's auth checks.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, rc *plugin.RequestContext, proc plugin.Procedure) {
	if proc.UserType != "" {
		if rc.User == nil {
			Unauthorized(w, "authentication required", r.URL.Path)
			return
		}
		if rc.User.Type != proc.UserType {
			Forbidden(w, "caller type not permitted", r.URL.Path)
			return
		}
	}
	if len(proc.AccessRules) > 0 {
		if rc.Auth == nil || !rc.Auth.CheckRules(rc.User, proc.AccessRules...) {
			if rc.User == nil {
				Unauthorized(w, "authentication required", r.URL.Path)
			} else {
				s.logger.Debug("access denied",
					zap.String("plugin", rc.Plugin.Name),
					zap.String("procedure", proc.Name),
					zap.Strings("required", proc.AccessRules),
					zap.String("user", rc.User.ID),
				)
				Forbidden(w, "insufficient permissions", r.URL.Path)
			}
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil {
		BadRequest(w, "request body unreadable", r.URL.Path)
		return
	}

	result, err := proc.Handler(r.Context(), rc, json.RawMessage(body))
	if err != nil {
		s.logger.Debug("procedure failed",
			zap.String("plugin", rc.Plugin.Name),
			zap.String("procedure", proc.Name),
			zap.Error(err),
		)
		WriteError(w, err, r.URL.Path)
		return
	}

	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func procedureMethod(proc plugin.Procedure) string {
	if proc.Method == "" {
		return http.MethodPost
	}
	return proc.Method
}
