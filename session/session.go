// Package session keeps a signed-in session usable across concurrent
// requests.
//
// A Session wraps a client.Dispatcher: each authenticated call is sent with
// the stored access credential, and on 401 the credential is renewed once
// (shared by every caller that hit the same 401) and the call is retried
// once. When the session cannot be recovered the store is cleared, callers
// get ErrSessionExpired, and one Event is published on the Notifier.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
	"github.com/autoposter/console/internal/uuid"
)

// Session is the public surface of one signed-in profile. It is safe for
// concurrent use.
type Session struct {
	store      *credstore.Store
	doer       Doer
	notifier   *Notifier
	renewer    *Renewer
	metrics    *metrics
	logger     *slog.Logger
	registerer prometheus.Registerer
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNotifier publishes events on n instead of a private Notifier.
func WithNotifier(n *Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithRegisterer registers the session's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) { s.registerer = reg }
}

// New returns a Session that keeps its credentials in store and sends calls
// through doer.
func New(store *credstore.Store, doer Doer, opts ...Option) *Session {
	s := &Session{
		store:  store,
		doer:   doer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewNotifier()
	}
	s.logger = s.logger.With("component", "session", "profile", store.Namespace())
	s.metrics = newMetrics(s.registerer, store.Namespace(), s.logger)
	s.renewer = newRenewer(store, doer, s.notifier, s.metrics, s.logger)
	return s
}

// Events returns the notifier that reports unrecoverable sessions.
func (s *Session) Events() *Notifier {
	return s.notifier
}

// Renewer returns the session's renewal coordinator.
func (s *Session) Renewer() *Renewer {
	return s.renewer
}

// Do sends req. SkipAuth requests go out once as-is. Authenticated requests
// are renewed and retried at most once on 401.
func (s *Session) Do(ctx context.Context, req client.Request) (json.RawMessage, error) {
	if req.SkipAuth {
		return s.doer.Do(ctx, req)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New()
	}
	return s.do(ctx, req, firstAttempt)
}

func (s *Session) do(ctx context.Context, req client.Request, a attempt) (json.RawMessage, error) {
	if req.Bearer == "" {
		req.Bearer = s.store.AccessToken()
	}
	sent := req.Bearer

	raw, err := s.doer.Do(ctx, req)
	if !errors.Is(err, client.ErrUnauthorized) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.metrics.requests.WithLabelValues(a.String(), outcome).Inc()
		return raw, err
	}
	s.metrics.requests.WithLabelValues(a.String(), "unauthorized").Inc()

	switch a {
	case firstAttempt:
		access, err := s.renewer.Renew(ctx, sent)
		if err != nil {
			return nil, err
		}
		req.Bearer = access
		return s.do(ctx, req, retriedAfterRenewal)
	default:
		s.logger.Debug("request rejected after renewal", "path", req.Path, "request_id", req.RequestID)
		return nil, s.renewer.expire(ReasonRejectedAfterRenewal, func(p credstore.Pair) bool {
			return p.Access == sent
		})
	}
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	EmailOrUsername string `json:"email_or_username"`
	Password        string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// Login exchanges credentials for a session, stores it, and caches the
// identity it belongs to.
func (s *Session) Login(ctx context.Context, emailOrUsername, password string) (credstore.Identity, error) {
	raw, err := s.doer.Do(ctx, client.Request{
		Method:   http.MethodPost,
		Path:     "/auth/login",
		Body:     LoginRequest{EmailOrUsername: emailOrUsername, Password: password},
		SkipAuth: true,
	})
	if err != nil {
		return credstore.Identity{}, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return credstore.Identity{}, fmt.Errorf("decoding login response: %w", err)
	}
	pair, ok := tr.pair()
	if !ok {
		return credstore.Identity{}, errors.New("login response is missing tokens")
	}
	s.store.SetTokens(pair)
	id, err := s.CurrentIdentity(ctx)
	if err != nil {
		// A session without an identity is not a sign-in.
		if current, ok := s.store.Tokens(); ok {
			s.renewer.revoke(ctx, current)
		}
		s.store.Clear()
		return credstore.Identity{}, err
	}
	s.logger.Info("signed in")
	return id, nil
}

// Logout tells the backend to revoke the refresh credential, then clears
// local state. Server errors are ignored; calling it without a session is a
// no-op.
func (s *Session) Logout(ctx context.Context) {
	if refresh := s.store.RefreshToken(); refresh != "" {
		_, err := s.Do(ctx, client.Request{
			Method: http.MethodPost,
			Path:   "/auth/logout",
			Body:   map[string]string{"refresh_token": refresh},
		})
		if err != nil {
			s.logger.Debug("logout notification failed", "error", err)
		}
		// The call above may have rotated the pair; the newer refresh
		// credential has to be revoked too.
		if pair, ok := s.store.Tokens(); ok && pair.Refresh != refresh {
			s.renewer.revoke(ctx, pair)
		}
	}
	if s.store.Clear() {
		s.logger.Info("signed out")
	}
}

// LogoutAll revokes every refresh credential of the account, then clears
// local state. Server errors are ignored.
func (s *Session) LogoutAll(ctx context.Context) {
	if s.IsAuthenticated() {
		_, err := s.Do(ctx, client.Request{Method: http.MethodPost, Path: "/auth/logout-all"})
		if err != nil {
			s.logger.Debug("logout-all notification failed", "error", err)
		}
	}
	if s.store.Clear() {
		s.logger.Info("signed out of all devices")
	}
}

// Register creates an account. It does not sign in.
func (s *Session) Register(ctx context.Context, req RegisterRequest) (credstore.Identity, error) {
	raw, err := s.doer.Do(ctx, client.Request{
		Method:   http.MethodPost,
		Path:     "/auth/register",
		Body:     req,
		SkipAuth: true,
	})
	if err != nil {
		return credstore.Identity{}, err
	}
	var id credstore.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return credstore.Identity{}, fmt.Errorf("decoding registered identity: %w", err)
	}
	return id, nil
}

// ChangePassword changes the account password. The backend revokes every
// refresh credential on success, so local state is cleared as well.
func (s *Session) ChangePassword(ctx context.Context, current, next string) error {
	_, err := s.Do(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/auth/change-password",
		Body: map[string]string{
			"current_password": current,
			"new_password":     next,
		},
	})
	if err != nil {
		return err
	}
	s.store.Clear()
	s.logger.Info("password changed, signed out")
	return nil
}

// CurrentIdentity fetches the signed-in identity from the backend and
// caches it.
func (s *Session) CurrentIdentity(ctx context.Context) (credstore.Identity, error) {
	raw, err := s.Do(ctx, client.Request{Method: http.MethodGet, Path: "/auth/me"})
	if err != nil {
		return credstore.Identity{}, err
	}
	var id credstore.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return credstore.Identity{}, fmt.Errorf("decoding identity: %w", err)
	}
	s.store.SetIdentity(id)
	return id, nil
}

// CachedIdentity returns the identity cached by the last login or refresh.
func (s *Session) CachedIdentity() (credstore.Identity, bool) {
	return s.store.Identity()
}

// IsAuthenticated reports whether an access credential is stored.
func (s *Session) IsAuthenticated() bool {
	return s.store.AccessToken() != ""
}

// Verify checks a stored session against the backend. Any failure clears
// local state.
func (s *Session) Verify(ctx context.Context) bool {
	pair, ok := s.store.Tokens()
	if !ok {
		return false
	}
	if _, err := s.CurrentIdentity(ctx); err != nil {
		s.logger.Info("stored session failed verification", "error", err)
		s.store.ClearIf(func(p credstore.Pair) bool { return p == pair })
		return false
	}
	return true
}
