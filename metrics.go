package chmux

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// default namespace for prometheus metrics. Can be changed over Config.
var defaultMetricsNamespace = "chmux"

type metrics struct {
	framesReceived   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
	numSubscriptions prometheus.Gauge
}

func newMetrics(namespace string, registerer prometheus.Registerer) (*metrics, error) {
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	m := &metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_received_total",
			Help:      "Number of channel frames dispatched to a subscription.",
		}, []string{"kind"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "frames_dropped_total",
			Help:      "Number of channel frames dropped because no subscription matched.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "publishes_total",
			Help:      "Number of publish calls by outcome.",
		}, []string{"outcome"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Number of scheduled reconnect attempts.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the client is connected.",
		}),
		numSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "num_subscriptions",
			Help:      "Number of subscriptions in the registry.",
		}),
	}
	if registerer == nil {
		return m, nil
	}
	var err error
	m.framesReceived, err = registerCollector(registerer, m.framesReceived)
	if err != nil {
		return nil, err
	}
	m.framesDropped, err = registerCollector(registerer, m.framesDropped)
	if err != nil {
		return nil, err
	}
	m.publishes, err = registerCollector(registerer, m.publishes)
	if err != nil {
		return nil, err
	}
	m.reconnects, err = registerCollector(registerer, m.reconnects)
	if err != nil {
		return nil, err
	}
	m.connected, err = registerCollector(registerer, m.connected)
	if err != nil {
		return nil, err
	}
	m.numSubscriptions, err = registerCollector(registerer, m.numSubscriptions)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, reusing an identical collector that is
// already registered (several clients in one process).
func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) frameReceived(kind FrameKind) {
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) frameDropped(kind FrameKind) {
	m.framesDropped.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) publish(outcome string) {
	m.publishes.WithLabelValues(outcome).Inc()
}

func (m *metrics) setConnected(connected bool) {
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}
