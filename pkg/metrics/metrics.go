// Package metrics exports engine activity as Prometheus metrics. A Collector
// subscribes to the engine's event bus; gauges are read from the engine on
// each scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

const namespace = "flowpress"

// StatusSource reports engine-wide counts. *pipeline.Engine implements it.
type StatusSource interface {
	GetStatus() pipeline.Status
}

// Collector holds the flowpress metrics.
type Collector struct {
	// RunsTotal counts finished runs. Labels: pipeline, status (completed, failed).
	RunsTotal *prometheus.CounterVec
	// NodesTotal counts settled nodes. Labels: type, status (completed, failed, skipped).
	NodesTotal *prometheus.CounterVec
	// NodeDuration observes node execution time per attempt outcome. Labels: type.
	NodeDuration *prometheus.HistogramVec
	// ApprovalsRequested counts approval nodes that started waiting.
	ApprovalsRequested prometheus.Counter
}

// New creates the metrics and registers them with reg. When src is non-nil
// the active-runs and pending-approvals gauges are registered too.
func New(reg prometheus.Registerer, src StatusSource) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by pipeline and terminal status.",
		}, []string{"pipeline", "status"}),
		NodesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Settled nodes by node type and status.",
		}, []string{"type", "status"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution time in seconds.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 120},
		}, []string{"type"}),
		ApprovalsRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Approval nodes that suspended a run.",
		}),
	}
	if src != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs that are running or paused.",
		}, func() float64 { return float64(src.GetStatus().ActiveRuns) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Approval nodes waiting for a decision.",
		}, func() float64 { return float64(src.GetStatus().PendingApprovals) })
	}
	return c
}

// Observe updates the metrics from one event. Pass it to Engine.Subscribe.
func (c *Collector) Observe(ev pipeline.Event) {
	switch ev.Type {
	case pipeline.EventPipelineCompleted:
		c.RunsTotal.WithLabelValues(ev.PipelineID, string(pipeline.RunCompleted)).Inc()
	case pipeline.EventPipelineFailed:
		c.RunsTotal.WithLabelValues(ev.PipelineID, string(pipeline.RunFailed)).Inc()
	case pipeline.EventNodeCompleted:
		c.NodesTotal.WithLabelValues(string(ev.NodeType), string(pipeline.StatusCompleted)).Inc()
		c.NodeDuration.WithLabelValues(string(ev.NodeType)).Observe(ev.Duration.Seconds())
	case pipeline.EventNodeFailed:
		c.NodesTotal.WithLabelValues(string(ev.NodeType), string(pipeline.StatusFailed)).Inc()
		c.NodeDuration.WithLabelValues(string(ev.NodeType)).Observe(ev.Duration.Seconds())
	case pipeline.EventNodeSkipped:
		c.NodesTotal.WithLabelValues(string(ev.NodeType), string(pipeline.StatusSkipped)).Inc()
	case pipeline.EventApprovalRequired:
		c.ApprovalsRequested.Inc()
	}
}
