package rabbitsink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus series maintained by a Client and a Sink. A nil
// *Metrics records nothing. Use prometheus.WrapRegistererWith to tell several
// sinks apart by label.
type Metrics struct {
	publishedCount prometheus.Counter
	failureCount   prometheus.Counter
	droppedCount   prometheus.Counter
	batchCount     prometheus.Counter
	connected      prometheus.Gauge
	reconnectCount prometheus.Counter
}

// NewMetrics creates the series and registers them on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		publishedCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "rabbitsink_published_total",
			Help: "the number of log events published to the exchange",
		}),
		failureCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "rabbitsink_publish_failures_total",
			Help: "the number of log events the broker client failed to publish",
		}),
		droppedCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "rabbitsink_dropped_total",
			Help: "the number of log events discarded because the sink queue was full or closed",
		}),
		batchCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "rabbitsink_batches_total",
			Help: "the number of batches posted by the sink worker",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rabbitsink_connected",
			Help: "1 while the broker connection is up",
		}),
		reconnectCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "rabbitsink_reconnect_attempts_total",
			Help: "the number of reconnection attempts after the broker connection dropped",
		}),
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.publishedCount.Inc()
	}
}

func (m *Metrics) publishFailed() {
	if m != nil {
		m.failureCount.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedCount.Inc()
	}
}

func (m *Metrics) batchPosted() {
	if m != nil {
		m.batchCount.Inc()
	}
}

// connectionMetrics feeds connection state changes into Metrics
type connectionMetrics struct {
	m *Metrics
}

func (c connectionMetrics) OnConnected() {
	c.m.connected.Set(1)
}

func (c connectionMetrics) OnDisconnected(error) {
	c.m.connected.Set(0)
}

func (c connectionMetrics) OnReconnecting(int) {
	c.m.reconnectCount.Inc()
}
