package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsSubsystem = "escrow_wallet"

// Metrics counts the wallet's fallbacks and escrow outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	publishRetries prometheus.Counter
	recoveryTokens prometheus.Counter
	recovered      prometheus.Counter
	refunds        prometheus.Counter
	escrows        *prometheus.CounterVec
	balance        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_retries_total",
			Help: "Proof store publishes that failed and were retried", Subsystem: metricsSubsystem}),
		recoveryTokens: prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_tokens_total",
			Help: "Proof sets parked in a local recovery token", Subsystem: metricsSubsystem}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{Name: "recovered_sats_total",
			Help: "Value republished from recovery tokens or seed restore", Subsystem: metricsSubsystem}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{Name: "auto_refunds_total",
			Help: "Expired escrows refunded by the background scan", Subsystem: metricsSubsystem}),
		escrows: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "escrow_settled_total",
			Help: "Escrows reaching a terminal state", Subsystem: metricsSubsystem}, []string{"status"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{Name: "balance_sats",
			Help: "Spendable balance known locally", Subsystem: metricsSubsystem}),
	}
	reg.MustRegister(m.publishRetries, m.recoveryTokens, m.recovered, m.refunds, m.escrows, m.balance)
	return m
}

func (m *Metrics) incPublishRetries() {
	if m != nil {
		m.publishRetries.Inc()
	}
}

func (m *Metrics) incRecoveryTokens() {
	if m != nil {
		m.recoveryTokens.Inc()
	}
}

func (m *Metrics) addRecovered(sats uint64) {
	if m != nil {
		m.recovered.Add(float64(sats))
	}
}

func (m *Metrics) incRefunds() {
	if m != nil {
		m.refunds.Inc()
	}
}

func (m *Metrics) incEscrow(status string) {
	if m != nil {
		m.escrows.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) setBalance(sats uint64) {
	if m != nil {
		m.balance.Set(float64(sats))
	}
}
