package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendcore/core/events"
)

type eventMetrics struct {
	emitted     *prometheus.CounterVec
	volume      *prometheus.CounterVec
	liquidated  prometheus.Counter
	feeDeferred *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking lending events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of lending events segmented by type.",
			}, []string{"type"}),
			volume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "volume",
				Help:      "Base-unit volume moved by deposits, withdrawals and borrows per asset.",
			}, []string{"asset", "kind"}),
			liquidated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "loans_closed_by_liquidation_total",
				Help:      "Loans fully closed through liquidation.",
			}),
			feeDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "fees_deferred_total",
				Help:      "Protocol fee transfers that failed and were queued for a sweep.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			eventRegistry.emitted,
			eventRegistry.volume,
			eventRegistry.liquidated,
			eventRegistry.feeDeferred,
		)
	})
	return eventRegistry
}

// Emit implements events.Emitter so the registry can be fanned out next to
// other subscribers.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.emitted.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.Deposited:
		m.addVolume(e.Asset, "deposit", e.Amount)
	case events.Withdrawn:
		m.addVolume(e.Asset, "withdraw", e.Amount)
	case events.LoanCreated:
		m.addVolume(e.BorrowAsset, "borrow", e.BorrowAmount)
	case events.LoanLiquidated:
		if e.Closed {
			m.liquidated.Inc()
		}
	case events.FeeCollected:
		if e.Deferred {
			m.feeDeferred.WithLabelValues(labelAsset(e.Asset)).Inc()
		}
	}
}

func (m *eventMetrics) addVolume(asset, kind string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	m.volume.WithLabelValues(labelAsset(asset), kind).Add(bigToFloat(amount))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	return f
}

var _ events.Emitter = (*eventMetrics)(nil)
