// Package metrics holds the business counters exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type BusinessMetrics struct {
	WithdrawalsTotal     *prometheus.CounterVec
	WithdrawnMarksTotal  prometheus.Counter
	ReconcileTotal       *prometheus.CounterVec
	MarksCreditedTotal   *prometheus.CounterVec
	MarksForfeitedTotal  *prometheus.CounterVec
	CommissionMarksTotal prometheus.Counter
	GatewayDuration      *prometheus.HistogramVec
}

// Business is registered on the default registry at startup.
var Business = NewBusinessMetrics(prometheus.DefaultRegisterer)

func NewBusinessMetrics(reg prometheus.Registerer) *BusinessMetrics {
	f := promauto.With(reg)
	return &BusinessMetrics{
		WithdrawalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marks_withdrawals_total",
			Help: "Withdrawals by resulting status",
		}, []string{"status"}),
		WithdrawnMarksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "marks_withdrawn_total",
			Help: "Marks paid out by completed withdrawals",
		}),
		ReconcileTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marks_reconcile_total",
			Help: "Reconciliation attempts by outcome",
		}, []string{"outcome"}),
		MarksCreditedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marks_credited_total",
			Help: "Marks credited to users by transaction type",
		}, []string{"type"}),
		MarksForfeitedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "marks_forfeited_total",
			Help: "Marks not credited because the user was at the cap",
		}, []string{"type"}),
		CommissionMarksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "marks_commission_total",
			Help: "Marks retained by the platform from survey boosts",
		}),
		GatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marks_gateway_duration_seconds",
			Help:    "Settlement gateway call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
	}
}
