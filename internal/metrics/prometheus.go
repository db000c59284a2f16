// Package metrics экспортирует метрики процесса погашения в Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mmeshcher/loyalty-scan/internal/service"
)

var (
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "scan",
		Name:      "redemptions_total",
		Help:      "Redemption attempts by outcome and failure reason",
	}, []string{"outcome", "reason"})

	PointsCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "loyalty",
		Subsystem: "scan",
		Name:      "points_credited_total",
		Help:      "Total loyalty points credited to customers",
	})

	RedemptionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "loyalty",
		Subsystem: "scan",
		Name:      "redemption_duration_seconds",
		Help:      "Duration of redemption attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	LedgerMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "loyalty",
		Subsystem: "ledger",
		Name:      "mismatches",
		Help:      "Balances that differ from the sum of scan events at last reconciliation",
	})
)

// Recorder передаёт итоги погашений и сверок в метрики.
type Recorder struct{}

// Notify учитывает итог попытки погашения.
func (Recorder) Notify(res service.Result, elapsed time.Duration) {
	outcome := outcomeOf(res)
	reason := string(res.Reason)
	if reason == "" {
		reason = "none"
	}

	RedemptionsTotal.WithLabelValues(outcome, reason).Inc()
	RedemptionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	// Повтор по ключу идемпотентности ничего не начисляет.
	if res.Succeeded() && !res.Replayed && res.Balance != nil {
		PointsCreditedTotal.Add(float64(res.PointsAwarded))
	}
}

// SetLedgerMismatches сохраняет число расхождений последней сверки.
func (Recorder) SetLedgerMismatches(n int) {
	if n < 0 {
		n = 0
	}
	LedgerMismatches.Set(float64(n))
}

func outcomeOf(res service.Result) string {
	switch {
	case res.Succeeded() && res.Replayed:
		return "replayed"
	case res.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}
