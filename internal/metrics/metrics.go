package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devtracker"

// Outcome labels shared by the refresh and sign-in counters.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Recorder holds the client's counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	GatewayRequests *prometheus.CounterVec
	GatewayRefresh  *prometheus.CounterVec
	SessionRefresh  *prometheus.CounterVec
	FederationLogin *prometheus.CounterVec
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "API requests by response status (0 for transport failures).",
		}, []string{"status"}),
		GatewayRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "refresh_total",
			Help:      "401-triggered refresh cycles by outcome.",
		}, []string{"outcome"}),
		SessionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "refresh_total",
			Help:      "Refresh endpoint calls by outcome.",
		}, []string{"outcome"}),
		FederationLogin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "signin_total",
			Help:      "GitHub sign-in attempts by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{r.GatewayRequests, r.GatewayRefresh, r.SessionRefresh, r.FederationLogin} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Request(status int) {
	if r == nil {
		return
	}
	r.GatewayRequests.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (r *Recorder) GatewayRefreshed(outcome string) {
	if r == nil {
		return
	}
	r.GatewayRefresh.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SessionRefreshed(outcome string) {
	if r == nil {
		return
	}
	r.SessionRefresh.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SignIn(outcome string) {
	if r == nil {
		return
	}
	r.FederationLogin.WithLabelValues(outcome).Inc()
}
