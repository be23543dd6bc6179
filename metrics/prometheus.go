package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter bridges an Aggregator's pull-based Snapshot into Prometheus's
// own pull-based scrape model: each registered metric is a GaugeFunc that
// reads the aggregator fresh on every collection, so /metrics never goes
// stale between scrapes and never needs a background update loop.
type Exporter struct {
	aggregator *Aggregator
	registry   *prometheus.Registry
}

// NewExporter registers a full set of workflow/event/transaction gauges
// against a fresh prometheus.Registry backed by aggregator.
func NewExporter(aggregator *Aggregator) *Exporter {
	reg := prometheus.NewRegistry()
	e := &Exporter{aggregator: aggregator, registry: reg}

	workflowGauge := func(name, help string, read func(WorkflowSnapshot) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "choreo", Subsystem: "workflow", Name: name, Help: help},
			func() float64 { return read(e.aggregator.Snapshot().Workflow) },
		))
	}
	workflowGauge("started_total", "Workflow executions submitted.", func(s WorkflowSnapshot) float64 { return float64(s.TotalStarted) })
	workflowGauge("completed_total", "Workflow executions that completed successfully.", func(s WorkflowSnapshot) float64 { return float64(s.TotalCompleted) })
	workflowGauge("failed_total", "Workflow executions that failed.", func(s WorkflowSnapshot) float64 { return float64(s.TotalFailed) })
	workflowGauge("cancelled_total", "Workflow executions that were cancelled.", func(s WorkflowSnapshot) float64 { return float64(s.TotalCancelled) })
	workflowGauge("timed_out_total", "Workflow executions that exceeded their total time budget.", func(s WorkflowSnapshot) float64 { return float64(s.TotalTimedOut) })
	workflowGauge("duration_p50_seconds", "Workflow execution duration, 50th percentile.", func(s WorkflowSnapshot) float64 { return s.P50.Seconds() })
	workflowGauge("duration_p95_seconds", "Workflow execution duration, 95th percentile.", func(s WorkflowSnapshot) float64 { return s.P95.Seconds() })
	workflowGauge("duration_p99_seconds", "Workflow execution duration, 99th percentile.", func(s WorkflowSnapshot) float64 { return s.P99.Seconds() })

	eventGauge := func(name, help string, read func(EventSnapshot) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "choreo", Subsystem: "event_bus", Name: name, Help: help},
			func() float64 { return read(e.aggregator.Snapshot().Event) },
		))
	}
	eventGauge("published_total", "Events published to the bus.", func(s EventSnapshot) float64 { return float64(s.TotalPublished) })
	eventGauge("dropped_total", "Events dropped from a subscriber's full queue.", func(s EventSnapshot) float64 { return float64(s.TotalDropped) })
	eventGauge("handler_latency_seconds", "Average event handler latency.", func(s EventSnapshot) float64 { return s.AverageHandlerLatency.Seconds() })

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "choreo", Subsystem: "transaction", Name: "active", Help: "Transactions currently in flight."},
		func() float64 { return float64(e.aggregator.Snapshot().Transaction.Active) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "choreo", Subsystem: "transaction", Name: "committed_total", Help: "Transactions that committed."},
		func() float64 { return float64(e.aggregator.Snapshot().Transaction.Committed) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: "choreo", Subsystem: "transaction", Name: "aborted_total", Help: "Transactions that aborted."},
		func() float64 { return float64(e.aggregator.Snapshot().Transaction.Aborted) },
	))

	reg.MustRegister(&serviceCollector{aggregator: aggregator})

	return e
}

// Registry returns the prometheus.Registry the exporter's gauges are
// registered against, for wiring into promhttp.HandlerFor.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// serviceCollector emits the per-service call/error/latency gauges. A
// custom Collector is used instead of a GaugeVec because the set of
// services is only known at scrape time, read fresh from the aggregator
// rather than tracked separately.
type serviceCollector struct {
	aggregator *Aggregator
}

var (
	serviceCallsDesc  = prometheus.NewDesc("choreo_service_calls_total", "Calls attempted against a service.", []string{"service_id"}, nil)
	serviceErrorsDesc = prometheus.NewDesc("choreo_service_errors_total", "Calls against a service that failed.", []string{"service_id"}, nil)
	serviceP99Desc    = prometheus.NewDesc("choreo_service_duration_p99_seconds", "Per-service call duration, 99th percentile.", []string{"service_id"}, nil)
)

func (c *serviceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- serviceCallsDesc
	ch <- serviceErrorsDesc
	ch <- serviceP99Desc
}

func (c *serviceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.aggregator.Snapshot().Services {
		ch <- prometheus.MustNewConstMetric(serviceCallsDesc, prometheus.CounterValue, float64(s.Calls), s.ServiceID)
		ch <- prometheus.MustNewConstMetric(serviceErrorsDesc, prometheus.CounterValue, float64(s.Errors), s.ServiceID)
		ch <- prometheus.MustNewConstMetric(serviceP99Desc, prometheus.GaugeValue, s.P99.Seconds(), s.ServiceID)
	}
}
