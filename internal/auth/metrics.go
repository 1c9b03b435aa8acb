package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	decisions         *prometheus.CounterVec
	lockAcquisitions  *prometheus.CounterVec
	lockouts          prometheus.Counter
	heartbeatFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_login_decisions_total",
			Help: "Login evaluations by mode and outcome code.",
		}, []string{"mode", "code"}),
		lockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portal_session_lock_acquisitions_total",
			Help: "Session lock acquisitions by result.",
		}, []string{"result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_account_lockouts_total",
			Help: "Accounts locked after repeated failed passwords.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portal_heartbeat_failures_total",
			Help: "Heartbeats that could not refresh a session lock.",
		}),
	}
	reg.MustRegister(m.decisions, m.lockAcquisitions, m.lockouts, m.heartbeatFailures)
	return m
}

func (m *Metrics) observeDecision(mode Mode, code Code) {
	m.decisions.WithLabelValues(mode.String(), string(code)).Inc()
}

func (m *Metrics) observeLock(result LockAcquisition) {
	m.lockAcquisitions.WithLabelValues(result.String()).Inc()
}
