package contract

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gigpact/escrow/internal/money"
)

var (
	// TransitionsTotal counts milestone and contract transitions by action
	// and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrow",
			Name:      "transitions_total",
			Help:      "Total milestone and contract transitions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	// HeldAmount tracks the total amount currently held across all funded
	// and submitted milestones, in currency units.
	HeldAmount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "escrow",
			Name:      "held_amount",
			Help:      "Total amount currently held in escrow",
		},
	)
)

func init() {
	prometheus.MustRegister(TransitionsTotal, HeldAmount)
}

func observeTransition(action, outcome string) {
	TransitionsTotal.WithLabelValues(action, outcome).Inc()
}

var heldMu sync.Mutex

func escrowHeldAdd(amount string) {
	adjustHeld(amount, 1)
}

func escrowHeldSub(amount string) {
	adjustHeld(amount, -1)
}

func adjustHeld(amount string, sign float64) {
	v, ok := money.Parse(amount)
	if !ok {
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	heldMu.Lock()
	defer heldMu.Unlock()
	HeldAmount.Add(sign * f / 100)
}
