// Package metrics holds the Prometheus collectors of the gateway.
//
// Exposed series:
//
//	gateway_gate_blocks_total{gate}                 requests blocked by a gate
//	gateway_orders_total{outcome}                   submissions by outcome
//	gateway_broker_call_seconds{op,result}          broker adapter latency
//	gateway_fills_applied_total{source}             fills written to the ledger
//	gateway_reconciliation_passes_total{result}     reconciliation passes
//	gateway_reconciliation_records_total{stage,resolution}
//	gateway_reconciliation_ready                    1 once the first pass succeeded
//	gateway_open_orphans                            unacknowledged orphans
//
// Collectors are registered in init() and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gateBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_gate_blocks_total",
			Help: "Requests blocked by the gate chain",
		},
		[]string{"gate"},
	)

	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_total",
			Help: "Order submissions by outcome",
		},
		[]string{"outcome"}, // created|duplicate|limit|rejected|broker_error|persistence_error|invalid|blocked
	)

	brokerCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_broker_call_seconds",
			Help:    "Latency of broker adapter calls",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op", "result"},
	)

	fillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_fills_applied_total",
			Help: "Fills written to the ledger",
		},
		[]string{"source"}, // webhook|stream|backfill|synthetic
	)

	reconPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconciliation_passes_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"}, // ok|failed
	)

	reconRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_reconciliation_records_total",
			Help: "Reconciliation log records by stage and resolution",
		},
		[]string{"stage", "resolution"},
	)

	reconReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_reconciliation_ready",
			Help: "1 once a reconciliation pass has completed since startup",
		},
	)

	openOrphans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_open_orphans",
			Help: "Orphaned orders awaiting manual review",
		},
	)
)

func init() {
	prometheus.MustRegister(gateBlocks, orders, brokerCalls, fillsApplied)
	prometheus.MustRegister(reconPasses, reconRecords, reconReady, openOrphans)
}

func IncGateBlock(gate string)     { gateBlocks.WithLabelValues(gate).Inc() }
func IncOrder(outcome string)      { orders.WithLabelValues(outcome).Inc() }
func IncFillApplied(source string) { fillsApplied.WithLabelValues(source).Inc() }
func IncReconPass(result string)   { reconPasses.WithLabelValues(result).Inc() }
func SetOpenOrphans(n int)         { openOrphans.Set(float64(n)) }
func IncReconRecord(stage, resolution string) {
	reconRecords.WithLabelValues(stage, resolution).Inc()
}

// ObserveBrokerCall records the latency of one broker call since start.
func ObserveBrokerCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	brokerCalls.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// SetReconReady flips the readiness gauge.
func SetReconReady(ready bool) {
	if ready {
		reconReady.Set(1)
		return
	}
	reconReady.Set(0)
}
