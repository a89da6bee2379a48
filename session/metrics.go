package session

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "autoposter"

// Renewal outcomes.
const (
	outcomeRenewed        = "renewed"
	outcomeAlreadyRenewed = "already_renewed"
	outcomeFailed         = "failed"
	outcomeSuperseded     = "superseded"
)

type metrics struct {
	renewals *prometheus.CounterVec
	waiters  prometheus.Counter
	expired  *prometheus.CounterVec
	requests *prometheus.CounterVec
}

// newMetrics builds the per-session collectors. They are registered with reg
// when it is non-nil; the profile label keeps several sessions apart on one
// registry.
func newMetrics(reg prometheus.Registerer, profile string, logger *slog.Logger) *metrics {
	labels := prometheus.Labels{"profile": profile}
	m := &metrics{
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "session",
			Name:        "renewals_total",
			Help:        "Credential renewals by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		waiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "session",
			Name:        "renewal_waiters_total",
			Help:        "Callers that shared an in-flight renewal.",
			ConstLabels: labels,
		}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "session",
			Name:        "expired_total",
			Help:        "Sessions dropped as unrecoverable, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "session",
			Name:        "requests_total",
			Help:        "Authenticated requests by attempt and outcome.",
			ConstLabels: labels,
		}, []string{"attempt", "outcome"}),
	}
	if reg == nil {
		return m
	}
	m.renewals = register(reg, m.renewals, logger)
	m.waiters = register(reg, m.waiters, logger)
	m.expired = register(reg, m.expired, logger)
	m.requests = register(reg, m.requests, logger)
	return m
}

// register adds c to reg, reusing an identical collector that is already
// registered so two sessions of one profile share counters.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, logger *slog.Logger) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		if existing, ok := dup.ExistingCollector.(C); ok {
			return existing
		}
	}
	logger.Warn("registering session metrics failed", "error", err)
	return c
}
