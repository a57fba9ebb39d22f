package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for connection, message and file transfer
// activity. All methods are safe on a nil receiver so callers can leave
// metrics disabled.
type Metrics struct {
	reg *prometheus.Registry

	connections   *prometheus.CounterVec
	disconnects   *prometheus.CounterVec
	active        *prometheus.GaugeVec
	messages      *prometheus.CounterVec
	malformed     *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	fileTransfers *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "hsocket"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by server model",
		}, []string{"server"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Closed connections by server model",
		}, []string{"server"}),
		active: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Currently open connections by server model",
		}, []string{"server"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by direction (in, out) and component",
		}, []string{"component", "direction"}),
		malformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Frames skipped because their payload did not match the content type",
		}, []string{"component"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Connections closed for exceeding their message budget",
		}, []string{"server"}),
		fileTransfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_transfers_total",
			Help:      "Files transferred by direction (send, recv) and result (ok, error)",
		}, []string{"direction", "result"}),
	}
}

func (m *Metrics) ConnOpened(server string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(server).Inc()
	m.active.WithLabelValues(server).Inc()
}

func (m *Metrics) ConnClosed(server string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(server).Inc()
	m.active.WithLabelValues(server).Dec()
}

func (m *Metrics) MessageIn(component string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(component, "in").Inc()
}

func (m *Metrics) MessageOut(component string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(component, "out").Inc()
}

func (m *Metrics) Malformed(component string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(component).Inc()
}

func (m *Metrics) RateLimited(server string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(server).Inc()
}

// FileTransfer records one file; ok selects the result label.
func (m *Metrics) FileTransfer(direction string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.fileTransfers.WithLabelValues(direction, result).Inc()
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
