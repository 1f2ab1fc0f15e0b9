// Package control implements the HTTP control-plane surface of spec §4.8:
// status/stats/activity/engine endpoints for the operator dashboard, plus
// the optional extension collaborator protocol of spec §6. Grounded on
// the teacher's engine/adapters/telemetryhttp handler shapes
// (http.HandlerFunc closures over small Options structs, a dedicated
// response DTO per endpoint, Content-Type set before encoding) and on the
// CLI's stdlib-only net/http.ServeMux wiring (cli/cmd/ariadne/main.go) —
// no pack repo pulls in a router library for a dozen fixed-path routes.
package control

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/quietwire/poisson/engine/activity"
	"github.com/quietwire/poisson/engine/bandwidth"
	"github.com/quietwire/poisson/engine/config"
	"github.com/quietwire/poisson/engine/dispatch"
	"github.com/quietwire/poisson/engine/orchestrator"
	"github.com/quietwire/poisson/engine/persona"
)

// Clock abstracts wall-clock access so uptime is testable.
type Clock func() time.Time

// Dependencies are the components the control plane reads and mutates.
// Everything here already owns its own concurrency safety (spec §5); the
// server never takes a second lock around them.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Dispatch     *dispatch.Dispatcher
	Personas     *persona.Registry
	Live         *config.Live
	Ring         *activity.Ring
	Governor     *bandwidth.Governor
	Clock        Clock
	Logger       *slog.Logger

	// ExtensionAuth validates a bearer token issued by the host platform
	// for /ext/* endpoints (spec §6: "Extension endpoints additionally
	// accept a bearer token issued by the host platform's auth
	// provider"). No host platform is wired into this core, so the
	// default (nil) rejects every bearer token and /ext/* falls back to
	// the core's own API key like every other endpoint.
	ExtensionAuth func(token string) bool
}

// Server is the control plane's HTTP surface. Its routes (/status,
// /engines, /ext/..., and the rest) are registered at the root of the
// listener; no path prefix is applied.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	apiKey  string
	startAt time.Time

	extMu  sync.Mutex
	extReg map[string]*extensionClient
}

// APIKey returns the opaque key minted at construction (spec §4.8:
// "injected into the dashboard HTML"); the caller embeds it wherever the
// dashboard is served from.
func (s *Server) APIKey() string { return s.apiKey }

func New(deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		apiKey:  mintAPIKey(),
		startAt: deps.Clock(),
		extReg:  make(map[string]*extensionClient),
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func mintAPIKey() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handlePublicHealth)

	s.mux.Handle("/status", s.authenticated(http.HandlerFunc(s.handleStatus)))
	s.mux.Handle("/stats", s.authenticated(http.HandlerFunc(s.handleStats)))
	s.mux.Handle("/activity", s.authenticated(http.HandlerFunc(s.handleActivity)))
	s.mux.Handle("/activity/chart", s.authenticated(http.HandlerFunc(s.handleActivityChart)))
	s.mux.Handle("/engines", s.authenticated(http.HandlerFunc(s.handleEngines)))
	s.mux.Handle("/engines/", s.authenticated(http.HandlerFunc(s.handleEngineToggle)))
	s.mux.Handle("/intensity", s.authenticated(http.HandlerFunc(s.handleIntensity)))
	s.mux.Handle("/fingerprint", s.authenticated(http.HandlerFunc(s.handleFingerprint)))

	s.mux.Handle("/ext/register", s.extAuthenticated(http.HandlerFunc(s.handleExtRegister)))
	s.mux.Handle("/ext/heartbeat", s.extAuthenticated(http.HandlerFunc(s.handleExtHeartbeat)))
	s.mux.Handle("/ext/next-task", s.extAuthenticated(http.HandlerFunc(s.handleExtNextTask)))
	s.mux.Handle("/ext/fingerprint", s.extAuthenticated(http.HandlerFunc(s.handleExtFingerprint)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Serve runs the HTTP server until ctx is canceled, draining in-flight
// requests on shutdown (spec §5: "HTTP server drains in-flight requests
// and closes").
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// authenticated requires the core's own API key on every endpoint except
// the public health probe (spec §4.8).
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.hasValidAPIKey(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extAuthenticated accepts either the core's API key or a host-platform
// bearer token (spec §6).
func (s *Server) extAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.hasValidAPIKey(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token != "" && s.deps.ExtensionAuth != nil && s.deps.ExtensionAuth(token) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func (s *Server) hasValidAPIKey(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		token = r.Header.Get("X-Poisson-Key")
	}
	return token != "" && token == s.apiKey
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}
