package flows

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nodeflow/metric"
)

// managerMetrics holds Prometheus metrics for flow deploys and dispatch.
type managerMetrics struct {
	deploys        *prometheus.CounterVec   // by type and status
	deployDuration *prometheus.HistogramVec // by type
	nodesActive    prometheus.Gauge
	nodesMissing   prometheus.Gauge
	delivered      prometheus.Counter
	dropped        prometheus.Counter
	nodeErrors     *prometheus.CounterVec // by node type
	nodeRestarts   prometheus.Counter
}

// newManagerMetrics creates and registers the manager metrics. It returns
// nil when registry is nil.
func newManagerMetrics(registry *metric.MetricsRegistry) (*managerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &managerMetrics{
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "deploys_total",
			Help:      "Total number of flow deploys",
		}, []string{"type", "status"}),

		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "deploy_duration_seconds",
			Help:      "Flow deploy duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}, []string{"type"}),

		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "nodes_active",
			Help:      "Current number of running node instances",
		}),

		nodesMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "nodes_missing",
			Help:      "Configured nodes skipped because their type is unknown or disabled",
		}),

		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "messages_delivered_total",
			Help:      "Total number of messages delivered to node instances",
		}),

		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages addressed to absent or stopping instances",
		}),

		nodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "node_errors_total",
			Help:      "Total number of errors raised by node instances",
		}, []string{"type"}),

		nodeRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "flows",
			Name:      "node_restarts_total",
			Help:      "Total number of instances stopped and recreated by partial deploys",
		}),
	}

	if err := registry.RegisterCounterVec("flows", "deploys", m.deploys); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("flows", "deploy_duration", m.deployDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("flows", "nodes_active", m.nodesActive); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("flows", "nodes_missing", m.nodesMissing); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("flows", "messages_delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("flows", "messages_dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("flows", "node_errors", m.nodeErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("flows", "node_restarts", m.nodeRestarts); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *managerMetrics) recordDeploy(deployType DeployType, success bool, duration float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.deploys.WithLabelValues(string(deployType), status).Inc()
	m.deployDuration.WithLabelValues(string(deployType)).Observe(duration)
}

func (m *managerMetrics) setNodes(active, missing int) {
	if m == nil {
		return
	}
	m.nodesActive.Set(float64(active))
	m.nodesMissing.Set(float64(missing))
}

func (m *managerMetrics) recordDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.delivered.Inc()
		return
	}
	m.dropped.Inc()
}

func (m *managerMetrics) recordNodeError(nodeType string) {
	if m == nil {
		return
	}
	m.nodeErrors.WithLabelValues(nodeType).Inc()
}

func (m *managerMetrics) recordRestarts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.nodeRestarts.Add(float64(n))
}
