package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FormsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formline_forms_issued_total",
		Help: "Forms issued from templates",
	})

	ResponsesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_responses_received_total",
		Help: "Responses accepted, by origin",
	}, []string{"origin"})

	SubmissionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_submissions_rejected_total",
		Help: "Submissions rejected, by reason",
	}, []string{"reason"})

	ReconcileCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_reconcile_cycles_total",
		Help: "Reconciliation cycles by outcome (completed|skipped)",
	}, []string{"outcome"})

	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "formline_reconcile_cycle_duration_seconds",
		Help:    "Wall time of a reconciliation cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	ReconcileMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_reconcile_matches_total",
		Help: "Mailbox messages that looked like replies, by provider",
	}, []string{"provider"})

	ReconcileSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_reconcile_submissions_total",
		Help: "Email replies submitted as responses, by provider",
	}, []string{"provider"})

	MailboxFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_mailbox_failures_total",
		Help: "Per-mailbox or per-form reconciliation failures, by provider and stage",
	}, []string{"provider", "stage"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_token_refreshes_total",
		Help: "OAuth token refresh attempts, by provider and result",
	}, []string{"provider", "result"})

	CaseTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_case_transitions_total",
		Help: "Case status transitions, by target status",
	}, []string{"to"})

	SLABreaches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formline_case_sla_breaches_total",
		Help: "Cases flagged as SLA breached",
	})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formline_http_requests_total",
		Help: "HTTP requests handled",
	}, []string{"method", "status"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		FormsIssued, ResponsesReceived, SubmissionsRejected,
		ReconcileCycles, ReconcileDuration, ReconcileMatches, ReconcileSubmissions, MailboxFailures,
		TokenRefreshes, CaseTransitions, SLABreaches, HTTPRequests,
	}
}

// Register registers every collector on reg (or the default registerer when nil).
// Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler registers the collectors and returns the /metrics handler.
func Handler() (http.Handler, error) {
	if err := Register(nil); err != nil {
		return nil, err
	}
	return promhttp.Handler(), nil
}
