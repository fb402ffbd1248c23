package settlement

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	attempts *prometheus.CounterVec
	settled  prometheus.Counter
	minted   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arcade_settlement_attempts_total",
			Help: "Settlement attempts by result code.",
		}, []string{"result"}),
		settled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcade_settlement_settled_units_total",
			Help: "Smallest token units moved by successful settlements.",
		}),
		minted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arcade_settlement_minted_units_total",
			Help: "Smallest token units minted through the faucet.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.settled, m.minted)
	}
	return m
}

func (m *Metrics) observeAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSettled(v *uint256.Int) {
	if m == nil {
		return
	}
	m.settled.Add(toFloat(v))
}

func (m *Metrics) observeMinted(v *uint256.Int) {
	if m == nil {
		return
	}
	m.minted.Add(toFloat(v))
}

func toFloat(v *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(v.ToBig()).Float64()
	return f
}
