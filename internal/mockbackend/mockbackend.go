// Package mockbackend is an in-process stand-in for the content-operations
// backend. It implements the backend's authentication contract (JWT access
// tokens, rotating opaque refresh tokens, API-key fallback) and answers the
// domain routes with canned data.
//
// It backs the package tests and the `autoposter mock-server` command.
package mockbackend

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openapi "github.com/go-openapi/runtime/middleware"

	"github.com/autoposter/console/internal/util"
)

const defaultAccessTTL = 15 * time.Minute

//go:embed openapi.yaml
var openapiSpec []byte

// OpenAPISpec returns the OpenAPI document describing every route Router
// serves.
func OpenAPISpec() []byte {
	return openapiSpec
}

type user struct {
	ID           string
	Email        string
	Username     string
	FullName     string
	IsActive     bool
	IsSuperuser  bool
	CreatedAt    time.Time
	salt         []byte
	passwordHash []byte
}

type refreshRecord struct {
	userID  string
	revoked bool
}

// Server is the mock backend. Create it with New and mount Router.
type Server struct {
	mu      sync.Mutex
	users   map[string]*user
	refresh map[string]*refreshRecord

	secret    []byte
	accessTTL time.Duration
	kdf       util.Argon2idParams
	apiKey    string
	logger    *slog.Logger

	// generation is embedded in access tokens; bumping it invalidates every
	// token issued before.
	generation     atomic.Int64
	refreshCount   atomic.Int64
	refreshDelay   atomic.Int64
	refreshFailure atomic.Int32
	malformed      atomic.Bool
	rejected       sync.Map // path -> struct{}

	callsMu sync.Mutex
	calls   map[string]int

	killSwitch atomic.Bool
	posting    atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithAPIKey enables x-api-key access to the domain routes.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithSecret sets the HS256 signing secret. A random one is used otherwise.
func WithSecret(secret []byte) Option {
	return func(s *Server) { s.secret = util.CopyBytes(secret) }
}

// WithKDFParams sets the Argon2id parameters used for password hashes.
func WithKDFParams(p util.Argon2idParams) Option {
	return func(s *Server) { s.kdf = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns an empty mock backend.
func New(opts ...Option) *Server {
	kdf, _ := util.Argon2idProfile(util.KDFProfileInteractive)
	s := &Server{
		users:     make(map[string]*user),
		refresh:   make(map[string]*refreshRecord),
		accessTTL: defaultAccessTTL,
		kdf:       kdf,
		logger:    slog.Default(),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.secret) == 0 {
		secret, err := util.RandomBytes(32)
		if err != nil {
			panic(err)
		}
		s.secret = secret
	}
	s.posting.Store(true)
	s.logger = s.logger.With("component", "mockbackend")
	return s
}

// Router returns the chi router serving every backend route.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.countCalls)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", openapi.SwaggerUI(openapi.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", openapi.Redoc(openapi.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", s.health)
	r.Get("/health/deep", s.deepHealth)
	r.Get("/health/readiness", s.readiness)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
		r.Post("/refresh", s.refreshTokens)
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/logout", s.logout)
			r.Post("/logout-all", s.logoutAll)
			r.Get("/me", s.me)
			r.Post("/change-password", s.changePassword)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAccess)
		s.mountDomain(r)
	})
	return r
}

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.generation.Add(1)
}

// RevokeRefreshTokens revokes every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.refresh {
		rec.revoked = true
	}
}

// ActiveRefreshTokens returns how many issued refresh tokens are still
// usable.
func (s *Server) ActiveRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.refresh {
		if !rec.revoked {
			n++
		}
	}
	return n
}

// SetRefreshDelay holds every refresh exchange for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.refreshDelay.Store(int64(d))
}

// FailRefresh makes refresh exchanges answer with status. Zero restores
// normal behaviour.
func (s *Server) FailRefresh(status int) {
	s.refreshFailure.Store(int32(status))
}

// MalformedRefresh makes successful refresh exchanges omit the refresh token.
func (s *Server) MalformedRefresh(on bool) {
	s.malformed.Store(on)
}

// RejectPath answers every call to path with 401, whatever the credential.
func (s *Server) RejectPath(path string) {
	s.rejected.Store(path, struct{}{})
}

// Calls returns how often the route "METHOD /pattern" was served.
func (s *Server) Calls(route string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	return s.calls[route]
}

// RefreshCalls returns how many refresh exchanges were received. Unlike
// Calls it counts on arrival, before the exchange is answered.
func (s *Server) RefreshCalls() int {
	return int(s.refreshCount.Load())
}

func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.callsMu.Lock()
		s.calls[r.Method+" "+pattern]++
		s.callsMu.Unlock()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
