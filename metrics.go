package taskauth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Login methods recorded by Metrics.
const (
	MethodPassword = "password"
	MethodOAuth2   = "oauth2"
)

// Metrics counts authentication outcomes. A nil *Metrics records nothing.
type Metrics struct {
	logins            *prometheus.CounterVec
	signups           *prometheus.CounterVec
	credentialsLinked *prometheus.CounterVec
	usersCreated      *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves the counters unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskauth",
			Name:      "logins_total",
			Help:      "Login attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		signups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskauth",
			Name:      "signups_total",
			Help:      "Signup attempts by outcome.",
		}, []string{"outcome"}),
		credentialsLinked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskauth",
			Name:      "credentials_linked_total",
			Help:      "OAuth credentials attached to existing users.",
		}, []string{"provider"}),
		usersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskauth",
			Name:      "oauth_users_created_total",
			Help:      "Users created on first OAuth2 login.",
		}, []string{"provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.signups, m.credentialsLinked, m.usersCreated)
	}
	return m
}

func (m *Metrics) login(method string, err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(method, outcome(err)).Inc()
}

func (m *Metrics) signup(err error) {
	if m == nil {
		return
	}
	m.signups.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) credentialLinked(provider string) {
	if m == nil {
		return
	}
	m.credentialsLinked.WithLabelValues(provider).Inc()
}

func (m *Metrics) userCreated(provider string) {
	if m == nil {
		return
	}
	m.usersCreated.WithLabelValues(provider).Inc()
}

// outcome is "success" or the error kind.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if e, ok := AsError(err); ok {
		return string(e.Kind)
	}
	return string(KindInternal)
}
