package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of orders whose payment signature was verified",
	})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of refunded orders",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"kind"})

	StaleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_stale_transitions_total",
		Help: "Transitions rejected because the order changed state first",
	}, []string{"operation"})

	AllocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_allocation_latency_seconds",
		Help:    "Latency of the order creation transaction including FEFO allocation",
		Buckets: prometheus.DefBuckets,
	})

	AllocationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_allocations_failed_total",
		Help: "Total number of failed stock allocations",
	}, []string{"reason"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Ledger movements written, by type",
	}, []string{"type"})

	UnassignedReclamationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_unassigned_reclamations_total",
		Help: "Returns recorded without a batch and flagged for audit",
	})

	LedgerDriftCorrectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_ledger_drift_corrected_total",
		Help: "Batches whose current quantity was restored from the ledger",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of payments initiated with the provider",
	})

	PaymentVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_verifications_total",
		Help: "Payment confirmations checked, by outcome",
	}, []string{"outcome"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_provider_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	})

	ReaperSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_sweeps_total",
		Help: "Total number of reaper sweeps run",
	})

	ReaperSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reaper_sweep_duration_seconds",
		Help:    "Duration of a reaper sweep",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
