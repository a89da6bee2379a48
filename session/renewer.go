package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/autoposter/console/client"
	"github.com/autoposter/console/credstore"
)

// ErrSessionExpired is returned when the session cannot be recovered and the
// user has to sign in again.
var ErrSessionExpired = errors.New("session expired, please sign in again")

// errSuperseded resolves a renewal whose result could not be stored because
// the session was cleared or replaced while the exchange was in flight.
var errSuperseded = errors.New("renewal superseded")

// One exchange per Renewer at a time, whatever the credential.
const renewalKey = "renew"

// Doer sends a single backend call. *client.Dispatcher implements it.
type Doer interface {
	Do(ctx context.Context, req client.Request) (json.RawMessage, error)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

func (t tokenResponse) pair() (credstore.Pair, bool) {
	p := credstore.Pair{Access: t.AccessToken, Refresh: t.RefreshToken}
	return p, p.Complete()
}

// Renewer exchanges the refresh credential for a new pair. Concurrent
// callers share one exchange and its outcome.
type Renewer struct {
	store    *credstore.Store
	doer     Doer
	notifier *Notifier
	metrics  *metrics
	logger   *slog.Logger
	group    singleflight.Group
}

func newRenewer(store *credstore.Store, doer Doer, notifier *Notifier, m *metrics, logger *slog.Logger) *Renewer {
	return &Renewer{
		store:    store,
		doer:     doer,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "renewer"),
	}
}

// Renew returns an access credential to retry with after stale was
// rejected. If the stored credential already differs from stale, another
// caller renewed in the meantime and it is returned without a network call.
//
// Terminal failures come back as ErrSessionExpired. A canceled ctx stops
// the wait but not the shared exchange.
func (r *Renewer) Renew(ctx context.Context, stale string) (string, error) {
	if access, ok := r.renewedSince(stale); ok {
		return access, nil
	}

	// The pair is read inside the flight: a flight that finished just before
	// this one may already have rotated it.
	ch := r.group.DoChan(renewalKey, func() (any, error) {
		pair, ok := r.store.Tokens()
		if !ok {
			return "", r.expireUnrenewable()
		}
		if pair.Access != stale {
			r.metrics.renewals.WithLabelValues(outcomeAlreadyRenewed).Inc()
			return pair.Access, nil
		}
		return r.exchange(context.WithoutCancel(ctx), pair.Refresh)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.waiters.Inc()
		}
		if res.Err != nil {
			// A newer session may have been stored by a login or by a flight
			// that raced this one.
			if access, ok := r.renewedSince(stale); ok {
				return access, nil
			}
			return "", ErrSessionExpired
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Renewer) renewedSince(stale string) (string, bool) {
	current := r.store.AccessToken()
	if current == "" || current == stale {
		return "", false
	}
	r.metrics.renewals.WithLabelValues(outcomeAlreadyRenewed).Inc()
	return current, true
}

func (r *Renewer) exchange(ctx context.Context, refresh string) (string, error) {
	start := time.Now()
	raw, err := r.doer.Do(ctx, client.Request{
		Method:   http.MethodPost,
		Path:     "/auth/refresh",
		Body:     map[string]string{"refresh_token": refresh},
		SkipAuth: true,
	})
	if err != nil {
		r.logger.Warn("credential renewal rejected", "status", client.StatusCode(err), "error", err)
		return "", r.expire(ReasonRenewalFailed, func(p credstore.Pair) bool { return p.Refresh == refresh })
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		r.logger.Warn("credential renewal returned unreadable payload", "error", err)
		return "", r.expire(ReasonRenewalFailed, func(p credstore.Pair) bool { return p.Refresh == refresh })
	}
	next, ok := tr.pair()
	if !ok {
		r.logger.Warn("credential renewal payload missing tokens")
		return "", r.expire(ReasonRenewalFailed, func(p credstore.Pair) bool { return p.Refresh == refresh })
	}

	if !r.store.SwapTokens(refresh, next) {
		r.metrics.renewals.WithLabelValues(outcomeSuperseded).Inc()
		r.logger.Info("session changed during renewal, revoking orphaned credentials")
		r.revoke(ctx, next)
		return "", errSuperseded
	}
	r.metrics.renewals.WithLabelValues(outcomeRenewed).Inc()
	r.logger.Debug("credentials renewed", "elapsed", time.Since(start))
	return next.Access, nil
}

// expire clears the stored session when match accepts it and publishes one
// event if that removed a session. It always returns ErrSessionExpired.
func (r *Renewer) expire(reason Reason, match func(credstore.Pair) bool) error {
	if reason == ReasonRenewalFailed {
		r.metrics.renewals.WithLabelValues(outcomeFailed).Inc()
	}
	if r.store.ClearIf(match) {
		r.metrics.expired.WithLabelValues(string(reason)).Inc()
		r.logger.Warn("session expired", "reason", reason)
		r.notifier.publish(Event{Reason: reason, At: time.Now()})
	}
	return ErrSessionExpired
}

// expireUnrenewable handles a 401 with nothing to renew with. Whatever is
// left of the session is cleared and one event is published.
func (r *Renewer) expireUnrenewable() error {
	r.store.Clear()
	r.metrics.expired.WithLabelValues(string(ReasonNoRenewalCredential)).Inc()
	r.logger.Warn("session expired", "reason", ReasonNoRenewalCredential)
	r.notifier.publish(Event{Reason: ReasonNoRenewalCredential, At: time.Now()})
	return ErrSessionExpired
}

// revoke logs out a pair that was issued but never stored.
func (r *Renewer) revoke(ctx context.Context, p credstore.Pair) {
	_, err := r.doer.Do(ctx, client.Request{
		Method: http.MethodPost,
		Path:   "/auth/logout",
		Body:   map[string]string{"refresh_token": p.Refresh},
		Bearer: p.Access,
	})
	if err != nil {
		r.logger.Debug("revoking orphaned credentials failed", "error", err)
	}
}
