package metrics

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lendcore/native/lending"
)

// LendingMetrics exposes pool level gauges and oracle health for lendingd.
type LendingMetrics struct {
	deposits      *prometheus.GaugeVec
	borrows       *prometheus.GaugeVec
	reserves      *prometheus.GaugeVec
	badDebt       *prometheus.GaugeVec
	utilization   *prometheus.GaugeVec
	borrowRate    *prometheus.GaugeVec
	pendingFees   *prometheus.GaugeVec
	oracleRounds  *prometheus.CounterVec
	oracleAge     *prometheus.GaugeVec
	oracleSources *prometheus.GaugeVec
	sweeps        *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the process wide lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		gauge := func(name, help string) *prometheus.GaugeVec {
			return prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "pool",
				Name:      name,
				Help:      help,
			}, []string{"asset"})
		}
		lendingRegistry = &LendingMetrics{
			deposits:    gauge("total_deposits", "Total deposits per pool in base units."),
			borrows:     gauge("total_borrows", "Outstanding principal per pool in base units."),
			reserves:    gauge("total_reserves", "Reserves accumulated from repaid interest."),
			badDebt:     gauge("bad_debt", "Principal written off per pool."),
			utilization: gauge("utilization_bps", "Pool utilisation in basis points."),
			borrowRate:  gauge("borrow_rate_bps", "Current borrow rate in basis points."),
			pendingFees: gauge("pending_fees", "Protocol fees waiting for a sweep."),
			oracleRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "rounds_total",
				Help:      "Oracle aggregation rounds by asset and outcome.",
			}, []string{"asset", "outcome"}),
			oracleAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "price_age_seconds",
				Help:      "Age of the last aggregated price per asset.",
			}, []string{"asset"}),
			oracleSources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "feeders",
				Help:      "Number of sources contributing to the last round.",
			}, []string{"asset"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "fees",
				Name:      "sweeps_total",
				Help:      "Fee sweep attempts by asset and outcome.",
			}, []string{"asset", "outcome"}),
		}
		prometheus.MustRegister(
			lendingRegistry.deposits,
			lendingRegistry.borrows,
			lendingRegistry.reserves,
			lendingRegistry.badDebt,
			lendingRegistry.utilization,
			lendingRegistry.borrowRate,
			lendingRegistry.pendingFees,
			lendingRegistry.oracleRounds,
			lendingRegistry.oracleAge,
			lendingRegistry.oracleSources,
			lendingRegistry.sweeps,
		)
	})
	return lendingRegistry
}

// RecordPool refreshes the gauges for a pool snapshot.
func (m *LendingMetrics) RecordPool(pool *lending.Pool, rates lending.RateSnapshot) {
	if m == nil || pool == nil {
		return
	}
	asset := label(pool.Asset)
	m.deposits.WithLabelValues(asset).Set(bigToFloat(pool.TotalDeposits))
	m.borrows.WithLabelValues(asset).Set(bigToFloat(pool.TotalBorrows))
	m.reserves.WithLabelValues(asset).Set(bigToFloat(pool.TotalReserves))
	m.badDebt.WithLabelValues(asset).Set(bigToFloat(pool.BadDebt))
	m.utilization.WithLabelValues(asset).Set(float64(rates.UtilizationBps))
	m.borrowRate.WithLabelValues(asset).Set(float64(rates.BorrowRateBps))
}

// RecordPendingFees publishes the fee backlog for an asset.
func (m *LendingMetrics) RecordPendingFees(asset string, pending *big.Int) {
	if m == nil {
		return
	}
	m.pendingFees.WithLabelValues(label(asset)).Set(bigToFloat(pending))
}

// RecordOracleRound notes a completed aggregation round.
func (m *LendingMetrics) RecordOracleRound(asset string, feeders int, at, now time.Time) {
	if m == nil {
		return
	}
	asset = label(asset)
	m.oracleRounds.WithLabelValues(asset, "ok").Inc()
	m.oracleSources.WithLabelValues(asset).Set(float64(feeders))
	if age := now.Sub(at); age >= 0 {
		m.oracleAge.WithLabelValues(asset).Set(age.Seconds())
	}
}

// RecordOracleFailure notes a round that could not produce a price.
func (m *LendingMetrics) RecordOracleFailure(asset string) {
	if m == nil {
		return
	}
	m.oracleRounds.WithLabelValues(label(asset), "failed").Inc()
}

// RecordSweep counts a fee sweep attempt.
func (m *LendingMetrics) RecordSweep(asset string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(label(asset), outcome).Inc()
}

func label(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value).Float64()
	return f
}
