package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/realtime-gateway/internal/clinic"
	"github.com/ent0n29/realtime-gateway/internal/config"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/ratelimit"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/relay"
	"github.com/ent0n29/realtime-gateway/internal/session"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// CredentialIssuer mints ephemeral client credentials.
type CredentialIssuer interface {
	Resolve(d realtime.Descriptor) realtime.Descriptor
	IssueCredential(ctx context.Context, d realtime.Descriptor) (realtime.Credential, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Issuer   CredentialIssuer
	Registry *session.Registry
	Relay    relay.Deps
	Clinic   *clinic.Service
	Limiter  ratelimit.Limiter
	Metrics  *observability.Metrics
	Log      zerolog.Logger
	// Ready runs on /readyz; keys name the dependency.
	Ready map[string]ReadinessCheck
}

type Server struct {
	cfg      config.Config
	issuer   CredentialIssuer
	registry *session.Registry
	relayCfg relay.Config
	relay    relay.Deps
	clinic   *clinic.Service
	limiter  ratelimit.Limiter
	metrics  *observability.Metrics
	log      zerolog.Logger
	ready    map[string]ReadinessCheck
	trusted  []netip.Prefix
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	trusted, err := config.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		deps.Log.Warn().Err(err).Msg("ignoring forwarded headers")
		trusted = nil
	}
	return &Server{
		cfg:      cfg,
		issuer:   deps.Issuer,
		registry: deps.Registry,
		relay:    deps.Relay,
		relayCfg: relay.Config{
			IdleTimeout:      cfg.RelayIdleTimeout,
			HandshakeTimeout: cfg.RelayHandshakeTimeout,
			CloseGrace:       cfg.RelayCloseGrace,
			ResponseDelay:    cfg.RelayResponseDelay,
			AutoResponse:     cfg.RelayAutoResponse,
			DefaultPrompt:    defaultPrompt(cfg),
		},
		clinic:  deps.Clinic,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		log:     deps.Log,
		ready:   deps.Ready,
		trusted: trusted,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				return sameOrigin(origin, r.Host)
			},
		},
	}
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func defaultPrompt(cfg config.Config) string {
	if p := strings.TrimSpace(cfg.DefaultPrompt); p != "" {
		return p
	}
	if cfg.ClinicToolsEnabled {
		return realtime.DefaultClinicPrompt
	}
	return ""
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(ForwardedFor(s.trusted))
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(Tracing(s.cfg.ServiceName))
	r.Use(RequestLogger(s.log))
	r.Use(CORS(s.cfg.AllowAnyOrigin))

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.limiter, "sessions", s.metrics, s.log))
		r.Post("/sessions", s.handleCreateSession)
		r.Post("/api/sessions", s.handleCreateSession)
	})
	r.Group(func(r chi.Router) {
		r.Use(RateLimit(s.limiter, "proxy", s.metrics, s.log))
		r.Get("/proxy", s.handleProxy)
		r.Get("/ws/proxy", s.handleProxy)
	})

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/latency", s.handleLatency)

	if s.clinic != nil {
		r.Route("/api/v1", s.clinicRoutes)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         s.cfg.ServiceName,
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.ready))
	status := http.StatusOK
	for name, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.log.Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, session.ListResponse{
		Active:   s.registry.ActiveCount(),
		Limit:    s.registry.Limit(),
		Sessions: s.registry.List(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// errorResponse is the error body of every JSON endpoint.
type errorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Message: message, Code: code})
}

// respondGatewayError maps a gateway error onto the JSON error contract.
func (s *Server) respondGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	kind := gatewayerr.KindOf(err)
	ev := s.log.Warn()
	if kind == gatewayerr.KindInternal {
		ev = s.log.Error()
	}
	ev.Err(err).
		Str("kind", kind.String()).
		Str("request_id", RequestIDFrom(r.Context())).
		Msg("request failed")
	respondJSON(w, gatewayerr.HTTPStatus(kind), errorResponse{
		Message:   gatewayerr.PublicMessage(err),
		Code:      kind.String(),
		Retryable: gatewayerr.Retryable(err),
	})
}
